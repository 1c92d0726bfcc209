package svcregistry

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/svcregistry/metadata"
	"github.com/GoCodeAlone/svcregistry/registry"
)

// candidates queries the registry and returns the matches highest rank first.
func (sc *ServiceContext) candidates(ctx context.Context, contract Contract, filterText string) ([]Registration, error) {
	if err := contract.Validate(); err != nil {
		return nil, err
	}
	f, err := sc.CompileFilter(filterText)
	if err != nil {
		return nil, err
	}
	records, err := sc.registry.Query(ctx, string(contract), f)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", contract, err)
	}
	regs := make([]Registration, len(records))
	for i, rec := range records {
		regs[i] = registrationFrom(rec)
	}
	sortByRank(regs)
	return regs, nil
}

func recordOf(reg Registration) registry.Record {
	return registry.Record{
		ID:         reg.ID,
		Contract:   string(reg.Contract),
		Service:    reg.Service,
		Properties: reg.Properties,
		Sequence:   reg.Sequence,
		Owner:      reg.Owner,
	}
}

// FindOne returns a borrow of the best-ranked service matching contract and
// filterText. An empty Optional means nothing matched. The caller must
// Release the reference.
func (sc *ServiceContext) FindOne(ctx context.Context, contract Contract, filterText string) (Optional[*Reference], error) {
	ctx, span := sc.startSpan(ctx, spanFindOne, contract, filterText)
	ref, err := sc.findOne(ctx, contract, filterText, nil)
	span.SetAttributes(attrMatches.Int(boolToInt(ref.IsPresent())))
	endSpan(span, err)
	return ref, err
}

func (sc *ServiceContext) findOne(ctx context.Context, contract Contract, filterText string, accept func(any) bool) (Optional[*Reference], error) {
	regs, err := sc.candidates(ctx, contract, filterText)
	if err != nil {
		return None[*Reference](), err
	}
	for _, reg := range regs {
		ref, ok, err := sc.borrow(ctx, recordOf(reg))
		if err != nil {
			return None[*Reference](), fmt.Errorf("borrowing %s/%d: %w", contract, reg.ID, err)
		}
		if !ok {
			continue
		}
		if accept != nil && !accept(ref.Service) {
			ref.Release()
			continue
		}
		return Some(ref), nil
	}
	return None[*Reference](), nil
}

// FindMany returns borrows of every service matching contract and filterText,
// highest rank first. The caller must release each one, see ReleaseAll.
func (sc *ServiceContext) FindMany(ctx context.Context, contract Contract, filterText string) ([]*Reference, error) {
	ctx, span := sc.startSpan(ctx, spanFindMany, contract, filterText)
	refs, err := sc.findMany(ctx, contract, filterText, nil)
	span.SetAttributes(attrMatches.Int(len(refs)))
	endSpan(span, err)
	return refs, err
}

func (sc *ServiceContext) findMany(ctx context.Context, contract Contract, filterText string, accept func(any) bool) ([]*Reference, error) {
	regs, err := sc.candidates(ctx, contract, filterText)
	if err != nil {
		return nil, err
	}
	refs := make([]*Reference, 0, len(regs))
	for _, reg := range regs {
		ref, ok, err := sc.borrow(ctx, recordOf(reg))
		if err != nil {
			ReleaseAll(refs)
			return nil, fmt.Errorf("borrowing %s/%d: %w", contract, reg.ID, err)
		}
		if !ok {
			continue
		}
		if accept != nil && !accept(ref.Service) {
			ref.Release()
			continue
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// ApplyToOne calls fn with the best-ranked matching service and releases the
// borrow afterwards, including when fn fails or panics. An error from fn is
// returned unchanged.
func ApplyToOne[R any](ctx context.Context, sc *ServiceContext, contract Contract, filterText string, fn func(service any) (R, error)) (Optional[R], error) {
	ctx, span := sc.startSpan(ctx, spanApplyToOne, contract, filterText)
	out, err := applyToOne(ctx, sc, contract, filterText, nil, fn)
	endSpan(span, err)
	return out, err
}

func applyToOne[R any](ctx context.Context, sc *ServiceContext, contract Contract, filterText string, accept func(any) bool, fn func(any) (R, error)) (Optional[R], error) {
	found, err := sc.findOne(ctx, contract, filterText, accept)
	if err != nil {
		return None[R](), err
	}
	ref, ok := found.Get()
	if !ok {
		return None[R](), nil
	}
	defer ref.Release()

	result, err := fn(ref.Service)
	if err != nil {
		return None[R](), err
	}
	return Some(result), nil
}

// ApplyToMany calls fn for every matching service, highest rank first, with
// the registration's metadata alongside. Each borrow is taken just before its
// call and released right after it. The first error from fn stops the
// iteration and is returned unchanged together with the results computed so
// far. No match gives an empty Optional.
func ApplyToMany[R any](ctx context.Context, sc *ServiceContext, contract Contract, filterText string, fn func(service any, props metadata.Properties) (R, error)) (Optional[[]R], error) {
	ctx, span := sc.startSpan(ctx, spanApplyToMany, contract, filterText)
	out, err := applyToMany(ctx, sc, contract, filterText, nil, fn)
	if results, ok := out.Get(); ok {
		span.SetAttributes(attrMatches.Int(len(results)))
	}
	endSpan(span, err)
	return out, err
}

func applyToMany[R any](ctx context.Context, sc *ServiceContext, contract Contract, filterText string, accept func(any) bool, fn func(any, metadata.Properties) (R, error)) (Optional[[]R], error) {
	regs, err := sc.candidates(ctx, contract, filterText)
	if err != nil {
		return None[[]R](), err
	}

	var results []R
	for _, reg := range regs {
		ref, ok, err := sc.borrow(ctx, recordOf(reg))
		if err != nil {
			return partial(results), fmt.Errorf("borrowing %s/%d: %w", contract, reg.ID, err)
		}
		if !ok {
			continue
		}
		if accept != nil && !accept(ref.Service) {
			ref.Release()
			continue
		}
		result, err := applyBorrowed(ref, fn)
		if err != nil {
			return partial(results), err
		}
		results = append(results, result)
	}
	return partial(results), nil
}

func applyBorrowed[R any](ref *Reference, fn func(any, metadata.Properties) (R, error)) (R, error) {
	defer ref.Release()
	return fn(ref.Service, ref.Properties)
}

func partial[R any](results []R) Optional[[]R] {
	if len(results) == 0 {
		return None[[]R]()
	}
	return Some(results)
}

// FindOneOf is FindOne for ContractOf[T]. Services that are not a T are
// skipped.
func FindOneOf[T any](ctx context.Context, sc *ServiceContext, filterText string) (Optional[*Reference], error) {
	contract := ContractOf[T]()
	ctx, span := sc.startSpan(ctx, spanFindOne, contract, filterText)
	ref, err := sc.findOne(ctx, contract, filterText, isA[T])
	endSpan(span, err)
	return ref, err
}

// FindManyOf is FindMany for ContractOf[T]. Services that are not a T are
// skipped.
func FindManyOf[T any](ctx context.Context, sc *ServiceContext, filterText string) ([]*Reference, error) {
	contract := ContractOf[T]()
	ctx, span := sc.startSpan(ctx, spanFindMany, contract, filterText)
	refs, err := sc.findMany(ctx, contract, filterText, isA[T])
	endSpan(span, err)
	return refs, err
}

// ApplyToOneOf is ApplyToOne with a typed service.
func ApplyToOneOf[T, R any](ctx context.Context, sc *ServiceContext, filterText string, fn func(T) (R, error)) (Optional[R], error) {
	contract := ContractOf[T]()
	ctx, span := sc.startSpan(ctx, spanApplyToOne, contract, filterText)
	out, err := applyToOne(ctx, sc, contract, filterText, isA[T], func(svc any) (R, error) {
		return fn(svc.(T))
	})
	endSpan(span, err)
	return out, err
}

// ApplyToManyOf is ApplyToMany with a typed service.
func ApplyToManyOf[T, R any](ctx context.Context, sc *ServiceContext, filterText string, fn func(T, metadata.Properties) (R, error)) (Optional[[]R], error) {
	contract := ContractOf[T]()
	ctx, span := sc.startSpan(ctx, spanApplyToMany, contract, filterText)
	out, err := applyToMany(ctx, sc, contract, filterText, isA[T], func(svc any, props metadata.Properties) (R, error) {
		return fn(svc.(T), props)
	})
	endSpan(span, err)
	return out, err
}

func isA[T any](svc any) bool {
	_, ok := svc.(T)
	return ok
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
