package filter

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/GoCodeAlone/svcregistry/metadata"
)

var propertyKeys = []string{"name", "lang", "port", "enabled", "tags"}

func genNode(depth int) *rapid.Generator[Node] {
	return rapid.Custom(func(t *rapid.T) Node {
		leaf := depth <= 0 || rapid.Bool().Draw(t, "leaf")
		if leaf {
			key := rapid.SampledFrom(propertyKeys).Draw(t, "key")
			if rapid.Bool().Draw(t, "presence") {
				return Has(key)
			}
			return Eq(key, rapid.SampledFrom([]string{"a", "b", "1", "true", "(x)", "*"}).Draw(t, "value"))
		}
		switch rapid.IntRange(0, 2).Draw(t, "op") {
		case 0:
			return And{Operands: rapid.SliceOfN(genNode(depth-1), 1, 3).Draw(t, "and")}
		case 1:
			return Or{Operands: rapid.SliceOfN(genNode(depth-1), 1, 3).Draw(t, "or")}
		default:
			return Not{Operand: genNode(depth - 1).Draw(t, "not")}
		}
	})
}

func genProperties() *rapid.Generator[metadata.Properties] {
	return rapid.Custom(func(t *rapid.T) metadata.Properties {
		in := map[string]any{}
		for _, key := range propertyKeys {
			if !rapid.Bool().Draw(t, "has-"+key) {
				continue
			}
			switch rapid.IntRange(0, 3).Draw(t, "kind-"+key) {
			case 0:
				in[key] = rapid.SampledFrom([]string{"a", "b", "(x)", "*", ""}).Draw(t, "str")
			case 1:
				in[key] = rapid.IntRange(0, 2).Draw(t, "num")
			case 2:
				in[key] = rapid.Bool().Draw(t, "bool")
			default:
				in[key] = rapid.SliceOfN(rapid.SampledFrom([]string{"a", "b", "1"}), 0, 3).Draw(t, "set")
			}
		}
		return metadata.MustNew(in)
	})
}

// Evaluation is a pure function of (filter, properties).
func TestFilter_EvaluationIsDeterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f, err := New(genNode(3).Draw(rt, "filter"))
		require.NoError(rt, err)
		props := genProperties().Draw(rt, "props")
		other := genProperties().Draw(rt, "other")

		first := f.Match(props)
		_ = f.Match(other)
		for i := 0; i < 3; i++ {
			require.Equal(rt, first, f.Match(props))
		}
	})
}

// Rendering then recompiling preserves both the tree and its verdicts.
func TestFilter_StringRecompiles(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f, err := New(genNode(3).Draw(rt, "filter"))
		require.NoError(rt, err)

		again, err := Compile(f.String())
		require.NoError(rt, err)
		require.Equal(rt, f.String(), again.String())

		props := genProperties().Draw(rt, "props")
		require.Equal(rt, f.Match(props), again.Match(props))
	})
}

// Not inverts every verdict.
func TestFilter_NegationInverts(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		node := genNode(2).Draw(rt, "filter")
		f, err := New(node)
		require.NoError(rt, err)
		neg, err := New(Negate(node))
		require.NoError(rt, err)

		props := genProperties().Draw(rt, "props")
		require.NotEqual(rt, f.Match(props), neg.Match(props))
	})
}
