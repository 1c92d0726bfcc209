package svcregistry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"pgregory.net/rapid"

	"github.com/GoCodeAlone/svcregistry/filter"
	"github.com/GoCodeAlone/svcregistry/metadata"
	"github.com/GoCodeAlone/svcregistry/registry"
)

var errTransform = errors.New("transform failed")

func publishN(t *testing.T, sc *ServiceContext, contract Contract, props ...map[string]any) []*RegistrationHandle {
	t.Helper()
	handles := make([]*RegistrationHandle, len(props))
	for i, p := range props {
		h, err := sc.PublishMap(context.Background(), contract, &greeter{prefix: "g"}, p)
		require.NoError(t, err)
		handles[i] = h
	}
	return handles
}

func refIDs(refs []*Reference) []registry.ServiceID {
	ids := make([]registry.ServiceID, len(refs))
	for i, ref := range refs {
		ids[i] = ref.ID
	}
	return ids
}

func TestFindOne_EmptyIsNotAnError(t *testing.T) {
	sc, _ := newTestContext(t)

	found, err := sc.FindOne(context.Background(), greetingContract, "(name=*)")
	require.NoError(t, err)
	assert.True(t, found.IsEmpty())

	refs, err := sc.FindMany(context.Background(), greetingContract, "")
	require.NoError(t, err)
	assert.NotNil(t, refs)
	assert.Empty(t, refs)
}

func TestLookup_Validation(t *testing.T) {
	ctx := context.Background()
	sc, _ := newTestContext(t)

	_, err := sc.FindOne(ctx, "", "")
	assert.ErrorIs(t, err, ErrInvalidContract)
	_, err = sc.FindMany(ctx, greetingContract, "(name=")
	assert.ErrorIs(t, err, filter.ErrMalformedFilter)
	_, err = ApplyToOne(ctx, sc, greetingContract, "name=x", func(any) (int, error) { return 0, nil })
	assert.ErrorIs(t, err, filter.ErrMalformedFilter)
	_, err = ApplyToMany(ctx, sc, greetingContract, "(&)", func(any, metadata.Properties) (int, error) { return 0, nil })
	assert.ErrorIs(t, err, filter.ErrMalformedFilter)
}

func TestFindOne_MostRecentWins(t *testing.T) {
	sc, _ := newTestContext(t)
	handles := publishN(t, sc, greetingContract, nil, nil, nil)

	found, err := sc.FindOne(context.Background(), greetingContract, "")
	require.NoError(t, err)
	ref := found.MustGet()
	defer ref.Release()
	assert.Equal(t, handles[2].ID(), ref.ID)
}

func TestFindOne_ExplicitRankingIsAuthoritative(t *testing.T) {
	sc, _ := newTestContext(t)
	handles := publishN(t, sc, greetingContract,
		map[string]any{metadata.KeyRanking: 10},
		map[string]any{metadata.KeyRanking: -1},
		nil,
	)

	found, err := sc.FindOne(context.Background(), greetingContract, "")
	require.NoError(t, err)
	ref := found.MustGet()
	defer ref.Release()
	assert.Equal(t, handles[0].ID(), ref.ID)
	assert.Equal(t, int64(10), ref.Ranking)

	refs, err := sc.FindMany(context.Background(), greetingContract, "")
	require.NoError(t, err)
	defer ReleaseAll(refs)
	assert.Equal(t, []registry.ServiceID{handles[0].ID(), handles[2].ID(), handles[1].ID()}, refIDs(refs))
}

func TestPublish_FractionalRankingRejected(t *testing.T) {
	ctx := context.Background()
	sc, _ := newTestContext(t)

	_, err := sc.PublishMap(ctx, greetingContract, &greeter{prefix: "a"}, map[string]any{metadata.KeyRanking: 1.5})
	assert.ErrorIs(t, err, metadata.ErrInvalidRanking)

	h, err := sc.PublishMap(ctx, greetingContract, &greeter{prefix: "b"}, map[string]any{metadata.KeyRanking: 2.0})
	require.NoError(t, err)
	err = h.UpdateMetadata(ctx, metadata.MustNew(map[string]any{"name": "x"}))
	require.NoError(t, err)
	_, err = h.Properties().With(metadata.KeyRanking, metadata.Number(1.2))
	assert.ErrorIs(t, err, metadata.ErrInvalidRanking)

	found, err := sc.FindOne(ctx, greetingContract, "")
	require.NoError(t, err)
	ref := found.MustGet()
	defer ref.Release()
	assert.Equal(t, h.ID(), ref.ID)
}

func TestFindMany_NewHigherRankComesFirst(t *testing.T) {
	ctx := context.Background()
	sc, _ := newTestContext(t)
	publishN(t, sc, greetingContract, map[string]any{"name": "a"}, map[string]any{"name": "b"})

	h := publishN(t, sc, greetingContract, map[string]any{"name": "c"})[0]
	refs, err := sc.FindMany(ctx, greetingContract, "(name=*)")
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, h.ID(), refs[0].ID)
	ReleaseAll(refs)

	require.NoError(t, h.Unregister(ctx))
	refs, err = sc.FindMany(ctx, greetingContract, "")
	require.NoError(t, err)
	defer ReleaseAll(refs)
	assert.NotContains(t, refIDs(refs), h.ID())
}

func TestFindMany_BorrowsAreCounted(t *testing.T) {
	ctx := context.Background()
	sc, mem := newTestContext(t)
	handles := publishN(t, sc, greetingContract, nil, nil)

	refs, err := sc.FindMany(ctx, greetingContract, "")
	require.NoError(t, err)
	for _, h := range handles {
		assert.Equal(t, 1, mem.UsageCount(h.ID()))
	}
	ReleaseAll(refs)
	ReleaseAll(refs)
	for _, h := range handles {
		assert.Equal(t, 0, mem.UsageCount(h.ID()))
	}
}

func TestBorrow_SurvivesConcurrentUnregister(t *testing.T) {
	ctx := context.Background()
	sc, _ := newTestContext(t)
	h := publishN(t, sc, greetingContract, nil)[0]

	found, err := sc.FindOne(ctx, greetingContract, "")
	require.NoError(t, err)
	ref := found.MustGet()

	require.NoError(t, h.Unregister(ctx))
	assert.Equal(t, "g, Cy", ref.Service.(Greeting).Greet("Cy"))
	assert.NotPanics(t, ref.Release)

	again, err := sc.FindOne(ctx, greetingContract, "")
	require.NoError(t, err)
	assert.True(t, again.IsEmpty())
}

func TestApplyToOne(t *testing.T) {
	ctx := context.Background()
	sc, mem := newTestContext(t)
	h, err := sc.PublishMap(ctx, greetingContract, &greeter{prefix: "Hello"}, map[string]any{"name": "welcome"})
	require.NoError(t, err)

	out, err := ApplyToOne(ctx, sc, greetingContract, "(name=welcome)", func(svc any) (string, error) {
		assert.Equal(t, 1, mem.UsageCount(h.ID()))
		return svc.(Greeting).Greet("Dee"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello, Dee", out.MustGet())
	assert.Equal(t, 0, mem.UsageCount(h.ID()))

	none, err := ApplyToOne(ctx, sc, greetingContract, "(name=other)", func(any) (string, error) {
		t.Fatal("transform must not run without a match")
		return "", nil
	})
	require.NoError(t, err)
	assert.True(t, none.IsEmpty())
}

func TestApplyToOne_ReleasesOnErrorAndPanic(t *testing.T) {
	ctx := context.Background()
	sc, mem := newTestContext(t)
	h := publishN(t, sc, greetingContract, nil)[0]

	_, err := ApplyToOne(ctx, sc, greetingContract, "", func(any) (int, error) {
		return 0, errTransform
	})
	assert.Same(t, errTransform, err)
	assert.Equal(t, 0, mem.UsageCount(h.ID()))

	assert.Panics(t, func() {
		_, _ = ApplyToOne(ctx, sc, greetingContract, "", func(any) (int, error) {
			panic("transform exploded")
		})
	})
	assert.Equal(t, 0, mem.UsageCount(h.ID()))
}

func TestApplyToMany(t *testing.T) {
	ctx := context.Background()
	sc, mem := newTestContext(t)
	handles := publishN(t, sc, greetingContract,
		map[string]any{"name": "a"},
		map[string]any{"name": "b"},
		map[string]any{"name": "c"},
	)

	out, err := ApplyToMany(ctx, sc, greetingContract, "", func(svc any, props metadata.Properties) (string, error) {
		v, _ := props.Get("name")
		name, _ := v.AsString()
		return name, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, out.MustGet())
	for _, h := range handles {
		assert.Equal(t, 0, mem.UsageCount(h.ID()))
	}
}

func TestApplyToMany_EmptyMatchSetIsEmptyOptional(t *testing.T) {
	sc, _ := newTestContext(t)

	out, err := ApplyToMany(context.Background(), sc, greetingContract, "", func(any, metadata.Properties) (int, error) {
		return 1, nil
	})
	require.NoError(t, err)
	assert.True(t, out.IsEmpty())
}

func TestApplyToMany_FirstFailureStopsAndKeepsPartialResults(t *testing.T) {
	ctx := context.Background()
	sc, mem := newTestContext(t)
	handles := publishN(t, sc, greetingContract,
		map[string]any{"name": "a"},
		map[string]any{"name": "b"},
		map[string]any{"name": "c"},
	)

	var visited []string
	out, err := ApplyToMany(ctx, sc, greetingContract, "", func(_ any, props metadata.Properties) (string, error) {
		v, _ := props.Get("name")
		name, _ := v.AsString()
		visited = append(visited, name)
		if name == "b" {
			return "", errTransform
		}
		return name, nil
	})
	assert.Same(t, errTransform, err)
	assert.Equal(t, []string{"c"}, out.MustGet())
	assert.Equal(t, []string{"c", "b"}, visited)
	for _, h := range handles {
		assert.Equal(t, 0, mem.UsageCount(h.ID()), "no borrow may leak")
	}

	out, err = ApplyToMany(ctx, sc, greetingContract, "", func(any, metadata.Properties) (string, error) {
		return "", errTransform
	})
	assert.Same(t, errTransform, err)
	assert.True(t, out.IsEmpty())
}

type Farewell interface {
	Bye() string
}

type farewell struct{}

func (farewell) Bye() string { return "bye" }

func TestTypedLookups(t *testing.T) {
	ctx := context.Background()
	sc, mem := newTestContext(t)

	typed, err := Publish[Greeting](ctx, sc, &greeter{prefix: "Hey"}, metadata.MustNew(map[string]any{"name": "typed"}))
	require.NoError(t, err)
	mismatched, err := sc.Publish(ctx, ContractOf[Greeting](), farewell{}, metadata.Empty())
	require.NoError(t, err)

	found, err := FindOneOf[Greeting](ctx, sc, "")
	require.NoError(t, err)
	ref := found.MustGet()
	assert.Equal(t, typed.ID(), ref.ID)
	ref.Release()
	assert.Equal(t, 0, mem.UsageCount(mismatched.ID()), "mismatched service released")

	refs, err := FindManyOf[Greeting](ctx, sc, "")
	require.NoError(t, err)
	assert.Equal(t, []registry.ServiceID{typed.ID()}, refIDs(refs))
	ReleaseAll(refs)

	one, err := ApplyToOneOf(ctx, sc, "(name=typed)", func(g Greeting) (string, error) {
		return g.Greet("Eve"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hey, Eve", one.MustGet())

	many, err := ApplyToManyOf(ctx, sc, "", func(g Greeting, _ metadata.Properties) (string, error) {
		return g.Greet("Fay"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hey, Fay"}, many.MustGet())
}

func TestLookup_UsesFilterCache(t *testing.T) {
	cache := filter.NewCache(0, 0)
	sc, _ := newTestContext(t, WithFilterCache(cache))
	publishN(t, sc, greetingContract, map[string]any{"name": "welcome"})

	for i := 0; i < 3; i++ {
		refs, err := sc.FindMany(context.Background(), greetingContract, "(name=welcome)")
		require.NoError(t, err)
		assert.Len(t, refs, 1)
		ReleaseAll(refs)
	}
	assert.Equal(t, 1, cache.Len())
}

func TestLookup_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	sc, _ := newTestContext(t, WithTracerProvider(tp))
	publishN(t, sc, greetingContract, nil)

	found, err := sc.FindOne(context.Background(), greetingContract, "")
	require.NoError(t, err)
	found.MustGet().Release()
	_, err = sc.FindMany(context.Background(), greetingContract, "(")
	require.Error(t, err)

	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	assert.Equal(t, []string{spanPublish, spanFindOne, spanFindMany}, names)
	assert.Equal(t, "Error", recorder.Ended()[2].Status().Code.String())
}

// FindMany is ordered by (ranking, sequence) descending for any mix of
// explicit rankings.
func TestFindMany_RankOrderProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		mem := registry.NewMemory(nil)
		sc, err := NewServiceContext(mem)
		require.NoError(rt, err)

		n := rapid.IntRange(1, 8).Draw(rt, "n")
		for i := 0; i < n; i++ {
			props := map[string]any{}
			if rapid.Bool().Draw(rt, "ranked") {
				props[metadata.KeyRanking] = rapid.IntRange(-2, 2).Draw(rt, "ranking")
			}
			_, err := sc.PublishMap(context.Background(), greetingContract, &greeter{}, props)
			require.NoError(rt, err)
		}

		refs, err := sc.FindMany(context.Background(), greetingContract, "")
		require.NoError(rt, err)
		defer ReleaseAll(refs)
		require.Len(rt, refs, n)
		for i := 1; i < len(refs); i++ {
			require.True(rt, refs[i-1].Outranks(refs[i].Registration))
		}

		best, err := sc.FindOne(context.Background(), greetingContract, "")
		require.NoError(rt, err)
		ref := best.MustGet()
		defer ref.Release()
		require.Equal(rt, refs[0].ID, ref.ID)
	})
}
