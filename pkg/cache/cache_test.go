package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_SetGet(t *testing.T) {
	c := New[string]("test", time.Minute, 10)

	c.Set("k1", "v1")

	got, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "v1", got)
}

func TestCache_GetMiss(t *testing.T) {
	c := New[string]("test", time.Minute, 10)

	_, ok := c.Get("absent")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, uint64(0), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New[string]("test", time.Minute, 10)

	now := time.Now()
	c.now = func() time.Time { return now }
	c.Set("k1", "v1")

	_, ok := c.Get("k1")
	require.True(t, ok)

	c.now = func() time.Time { return now.Add(time.Minute) }

	_, ok = c.Get("k1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry is removed on read")
}

func TestCache_LRUEviction(t *testing.T) {
	c := New[int]("test", time.Minute, 2)

	c.Set("a", 1)
	c.Set("b", 2)

	// Touch "a" so "b" becomes least recently used.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", 3)

	_, ok = c.Get("b")
	assert.False(t, ok)

	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestCache_SetExistingRefreshes(t *testing.T) {
	c := New[string]("test", time.Minute, 10)

	now := time.Now()
	c.now = func() time.Time { return now }
	c.Set("k1", "v1")

	c.now = func() time.Time { return now.Add(30 * time.Second) }
	c.Set("k1", "v2")

	c.now = func() time.Time { return now.Add(70 * time.Second) }

	got, ok := c.Get("k1")
	require.True(t, ok, "TTL restarts when an entry is overwritten")
	assert.Equal(t, "v2", got)
}

func TestCache_Delete(t *testing.T) {
	c := New[string]("test", time.Minute, 10)

	c.Set("k1", "v1")
	assert.True(t, c.Delete("k1"))
	assert.False(t, c.Delete("k1"))

	_, ok := c.Get("k1")
	assert.False(t, ok)
}

func TestCache_Clear(t *testing.T) {
	c := New[string]("test", time.Minute, 10)

	c.Set("k1", "v1")
	c.Set("k2", "v2")
	c.Clear()

	assert.Equal(t, 0, c.Len())
	_, ok := c.Get("k1")
	assert.False(t, ok)
}

func TestCache_Stats(t *testing.T) {
	c := New[string]("token", 2*time.Hour, 10)

	c.Set("k1", "v1")
	c.Get("k1")
	c.Get("k1")
	c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, "token", stats.Name)
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, 10, stats.Capacity)
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 0.001)
	assert.Equal(t, 2*time.Hour, stats.TTL)
}
