package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/cache"
)

// Compile-time interface check
var _ Embedder = (*Cached)(nil)

// Cached wraps an Embedder with a content-addressed cache. Embeddings are
// deterministic per (model, content), so retried saga writes and repeated
// queries reuse the stored vector instead of calling the API again.
type Cached struct {
	inner  Embedder
	cache  *cache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCached builds the caching layer around inner.
func NewCached(inner Embedder, c *cache.Cache, ttl time.Duration, logger *zap.Logger) *Cached {
	return &Cached{
		inner:  inner,
		cache:  c,
		ttl:    ttl,
		logger: logger.Named("embedding_cache"),
	}
}

func (c *Cached) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("emb:%s:%s", c.inner.ModelName(), hex.EncodeToString(sum[:16]))
}

// Embed returns the cached vector when present, otherwise embeds and stores.
func (c *Cached) Embed(ctx context.Context, content string) ([]float32, error) {
	key := c.key(content)

	var vec []float32
	hit, err := c.cache.GetJSON(ctx, key, &vec)
	if err != nil {
		c.logger.Warn("cache read failed", zap.Error(err))
	}
	if hit {
		return vec, nil
	}

	vec, err = c.inner.Embed(ctx, content)
	if err != nil {
		return nil, err
	}
	if err := c.cache.SetJSON(ctx, key, vec, c.ttl); err != nil {
		c.logger.Warn("cache write failed", zap.Error(err))
	}
	return vec, nil
}

// EmbedBatch resolves hits from the cache and embeds only the misses,
// preserving input order.
func (c *Cached) EmbedBatch(ctx context.Context, contents []string) ([][]float32, error) {
	if len(contents) == 0 {
		return [][]float32{}, nil
	}

	out := make([][]float32, len(contents))
	var missIdx []int
	var missTexts []string
	for i, content := range contents {
		var vec []float32
		hit, err := c.cache.GetJSON(ctx, c.key(content), &vec)
		if err != nil {
			c.logger.Warn("cache read failed", zap.Error(err))
		}
		if hit {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, content)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	embedded, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = embedded[j]
		if err := c.cache.SetJSON(ctx, c.key(contents[i]), embedded[j], c.ttl); err != nil {
			c.logger.Warn("cache write failed", zap.Error(err))
		}
	}
	return out, nil
}

// ModelName returns the wrapped embedder's model name.
func (c *Cached) ModelName() string { return c.inner.ModelName() }

// Dimensions returns the wrapped embedder's vector width.
func (c *Cached) Dimensions() int { return c.inner.Dimensions() }
