package svcregistry

import (
	"context"
	"sort"
	"sync"

	"github.com/GoCodeAlone/svcregistry/metadata"
	"github.com/GoCodeAlone/svcregistry/registry"
)

// Registration is a read-only view of one published service.
type Registration struct {
	ID         registry.ServiceID
	Contract   Contract
	Service    any
	Properties metadata.Properties
	Owner      string

	// Ranking is the service.ranking metadata value, 0 when absent.
	Ranking int64
	// Sequence is the registry's registration sequence number.
	Sequence uint64
}

func registrationFrom(rec registry.Record) Registration {
	ranking, _ := rec.Properties.Ranking()
	return Registration{
		ID:         rec.ID,
		Contract:   Contract(rec.Contract),
		Service:    rec.Service,
		Properties: rec.Properties,
		Owner:      rec.Owner,
		Ranking:    ranking,
		Sequence:   rec.Sequence,
	}
}

// Outranks reports whether r is preferred over o. An explicit ranking is
// authoritative; equal rankings fall back to recency.
func (r Registration) Outranks(o Registration) bool {
	if r.Ranking != o.Ranking {
		return r.Ranking > o.Ranking
	}
	return r.Sequence > o.Sequence
}

func sortByRank(regs []Registration) {
	sort.SliceStable(regs, func(i, j int) bool { return regs[i].Outranks(regs[j]) })
}

// Reference is a borrowed Registration. The borrower must call Release on
// every exit path; releasing twice, or after the service was unregistered, is
// harmless.
type Reference struct {
	Registration

	once    sync.Once
	release func()
}

// Release returns the borrow to the registry.
func (r *Reference) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		if r.release != nil {
			r.release()
		}
	})
}

// ReleaseAll releases every reference in refs.
func ReleaseAll(refs []*Reference) {
	for _, ref := range refs {
		ref.Release()
	}
}

// borrow acquires rec from registries that count references. It reports false
// when the registration disappeared between query and acquisition.
func (sc *ServiceContext) borrow(ctx context.Context, rec registry.Record) (*Reference, bool, error) {
	ref := &Reference{Registration: registrationFrom(rec)}

	counter, ok := sc.registry.(registry.RefCounter)
	if !ok {
		return ref, true, nil
	}
	svc, err := counter.Acquire(ctx, rec.ID)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	ref.Service = svc
	id := rec.ID
	ref.release = func() {
		if err := counter.Release(context.Background(), id); err != nil {
			sc.logger.Warn("Releasing service borrow failed", "id", id, "error", err)
		}
	}
	return ref, true, nil
}
