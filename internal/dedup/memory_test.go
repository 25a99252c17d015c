package dedup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "approval:inst-1", Key("approval", "inst-1"))
	assert.Equal(t, "personnel:u-9:4", Key("personnel", "u-9:4"))
}

func TestMemoryStoreMarkThenDuplicate(t *testing.T) {
	s := NewMemoryStore(5*time.Minute, 1000)
	ctx := context.Background()

	dup, err := s.IsDuplicate(ctx, "approval:inst-1")
	require.NoError(t, err)
	assert.False(t, dup)

	require.NoError(t, s.MarkProcessed(ctx, "approval:inst-1"))

	dup, err = s.IsDuplicate(ctx, "approval:inst-1")
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = s.IsDuplicate(ctx, "approval:inst-2")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestMemoryStoreWindowExpiry(t *testing.T) {
	s := NewMemoryStore(5*time.Minute, 1000)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	require.NoError(t, s.MarkProcessed(ctx, "approval:inst-1"))

	s.now = func() time.Time { return base.Add(6 * time.Minute) }
	dup, err := s.IsDuplicate(ctx, "approval:inst-1")
	require.NoError(t, err)
	assert.False(t, dup, "entry older than the window is not a duplicate")
}

func TestMemoryStoreSweepDropsExpiredEntries(t *testing.T) {
	s := NewMemoryStore(5*time.Minute, 10)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	for i := 0; i < 10; i++ {
		require.NoError(t, s.MarkProcessed(ctx, fmt.Sprintf("approval:old-%d", i)))
	}

	// Past the threshold and the window, the next mark sweeps everything old.
	s.now = func() time.Time { return base.Add(10 * time.Minute) }
	require.NoError(t, s.MarkProcessed(ctx, "approval:new"))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Size)
	assert.Equal(t, "memory", stats.Backend)
}

func TestMemoryStoreSweepKeepsFreshEntries(t *testing.T) {
	s := NewMemoryStore(5*time.Minute, 5)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	for i := 0; i < 5; i++ {
		require.NoError(t, s.MarkProcessed(ctx, fmt.Sprintf("approval:fresh-%d", i)))
	}

	// Within the window nothing is swept even past the threshold.
	s.now = func() time.Time { return base.Add(time.Minute) }
	require.NoError(t, s.MarkProcessed(ctx, "approval:another"))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), stats.Size)
}
