package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTheineCache(t *testing.T) {
	c, err := NewTheineCache[string](WithMaxCacheSize[string](10))
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	_, ok := c.Get("missing")
	require.False(t, ok)

	c.Set("a", "worker-a", 0)
	got, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, "worker-a", got)

	c.Delete("a")
	_, ok = c.Get("a")
	require.False(t, ok)
}

func TestTheineCacheExpiresEntries(t *testing.T) {
	c, err := NewTheineCache[int]()
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	c.Set("k", 1, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := c.Get("k")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	c, err := NewTheineCache[int]()
	require.NoError(t, err)
	c.Stop()
	c.Stop()
}
