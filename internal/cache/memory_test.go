package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "character:bob", []byte(`{"level":42}`), time.Minute))

	value, found, err := c.Get(ctx, "character:bob")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte(`{"level":42}`), value)

	_, found, err = c.Get(ctx, "character:alice")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryCacheExpiredEntryIsAMiss(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	now := time.Now()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "world:antica", []byte(`{}`), time.Minute))

	// Just before expiry the entry is served.
	c.now = func() time.Time { return now.Add(59 * time.Second) }
	_, found, err := c.Get(ctx, "world:antica")
	require.NoError(t, err)
	assert.True(t, found)

	// At and past expiry it must never be served.
	c.now = func() time.Time { return now.Add(time.Minute) }
	_, found, err = c.Get(ctx, "world:antica")
	require.NoError(t, err)
	assert.False(t, found)

	// The lazy read also evicted it.
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCacheClearExpired(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	now := time.Now()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Hour))

	c.now = func() time.Time { return now.Add(30 * time.Minute) }
	removed, err := c.ClearExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Len())

	_, found, err := c.Get(ctx, "b")
	require.NoError(t, err)
	assert.True(t, found)
}
