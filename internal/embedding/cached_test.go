package embedding

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/cache"
)

func newCached(t *testing.T, inner Embedder) (*Cached, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	c := cache.New("embedding", client, zap.NewNop(), nil)
	return NewCached(inner, c, time.Hour, zap.NewNop()), mr
}

func TestCached_EmbedHitsAfterFirstCall(t *testing.T) {
	inner := &stubEmbedder{dims: 4}
	cached, _ := newCached(t, inner)
	ctx := context.Background()

	first, err := cached.Embed(ctx, "same content")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls)

	second, err := cached.Embed(ctx, "same content")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls, "second call must come from the cache")
	assert.Equal(t, first, second)
}

func TestCached_DifferentContentMisses(t *testing.T) {
	inner := &stubEmbedder{dims: 4}
	cached, _ := newCached(t, inner)
	ctx := context.Background()

	_, err := cached.Embed(ctx, "alpha")
	require.NoError(t, err)
	_, err = cached.Embed(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCached_EmbedBatchOnlyEmbedsMisses(t *testing.T) {
	inner := &stubEmbedder{dims: 2}
	cached, _ := newCached(t, inner)
	ctx := context.Background()

	warm, err := cached.Embed(ctx, "warm")
	require.NoError(t, err)
	require.Equal(t, 1, inner.calls)

	vecs, err := cached.EmbedBatch(ctx, []string{"cold-1", "warm", "cold-2"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, 2, inner.calls, "one batch call for the two misses")
	assert.Equal(t, warm, vecs[1])
	assert.NotNil(t, vecs[0])
	assert.NotNil(t, vecs[2])
}

func TestCached_ExpiresWithTTL(t *testing.T) {
	inner := &stubEmbedder{dims: 2}
	cached, mr := newCached(t, inner)
	ctx := context.Background()

	_, err := cached.Embed(ctx, "ephemeral")
	require.NoError(t, err)
	mr.FastForward(2 * time.Hour)

	_, err = cached.Embed(ctx, "ephemeral")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}
