package canonicalize

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Insertion order of map keys must never influence the canonical hash.
func TestCanonicalHash_OrderIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("hash ignores insertion order", prop.ForAll(
		func(keys []string, values []string) bool {
			forward := make(map[string]any)
			reverse := make(map[string]any)
			n := len(keys)
			if len(values) < n {
				n = len(values)
			}
			for i := 0; i < n; i++ {
				forward[keys[i]] = values[i]
			}
			for i := n - 1; i >= 0; i-- {
				if _, seen := reverse[keys[i]]; !seen {
					reverse[keys[i]] = forward[keys[i]]
				}
			}
			h1, err1 := CanonicalHash(forward)
			h2, err2 := CanonicalHash(reverse)
			return err1 == nil && err2 == nil && h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AnyString()),
	))

	properties.Property("hash is stable across calls", prop.ForAll(
		func(values []string) bool {
			v := map[string]any{"items": values}
			h1, err1 := CanonicalHash(v)
			h2, err2 := CanonicalHash(v)
			return err1 == nil && err2 == nil && h1 == h2
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}
