// Package embedding turns content into vectors. The write saga embeds
// before anything is persisted, and the vector leg of search embeds the
// query first. Implementations are safe for concurrent use.
package embedding

import "context"

// Embedder defines the interface contract for embedding generation services.
type Embedder interface {
	Embed(ctx context.Context, content string) ([]float32, error)
	EmbedBatch(ctx context.Context, contents []string) ([][]float32, error)
	ModelName() string
	Dimensions() int
}
