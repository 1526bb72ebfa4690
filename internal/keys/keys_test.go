package keys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFingerprint(t *testing.T) {
	t.Run("stable", func(t *testing.T) {
		require.Equal(t, Fingerprint("token", "abc"), Fingerprint("token", "abc"))
	})

	t.Run("field_boundaries_matter", func(t *testing.T) {
		require.NotEqual(t, Fingerprint("ab", "c"), Fingerprint("a", "bc"))
	})

	t.Run("empty_fields_count", func(t *testing.T) {
		require.NotEqual(t, Fingerprint("a"), Fingerprint("a", ""))
	})
}

func mapSum(m map[string][]string) uint64 {
	h := NewHasher()
	h.WriteMap(m)
	return h.Sum64()
}

func TestWriteMap(t *testing.T) {
	t.Run("key_order_does_not_matter", func(t *testing.T) {
		require.Equal(t,
			mapSum(map[string][]string{"X-A": {"1"}, "X-B": {"2", "3"}}),
			mapSum(map[string][]string{"X-B": {"2", "3"}, "X-A": {"1"}}))
	})

	t.Run("value_order_matters", func(t *testing.T) {
		require.NotEqual(t,
			mapSum(map[string][]string{"X-B": {"2", "3"}}),
			mapSum(map[string][]string{"X-B": {"3", "2"}}))
	})

	t.Run("values_stay_with_their_key", func(t *testing.T) {
		require.NotEqual(t,
			mapSum(map[string][]string{"X-A": {"X-B", "v"}}),
			mapSum(map[string][]string{"X-A": {}, "X-B": {"v"}}))
	})

	t.Run("empty_and_nil_are_equal", func(t *testing.T) {
		require.Equal(t, mapSum(nil), mapSum(map[string][]string{}))
	})
}

func TestHasherListsAreDelimited(t *testing.T) {
	h1 := NewHasher()
	h1.WriteList("a", "b")
	h1.WriteList()

	h2 := NewHasher()
	h2.WriteList("a")
	h2.WriteList("b")

	require.NotEqual(t, h1.Sum64(), h2.Sum64())
}
