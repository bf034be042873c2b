package embedding

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/mnemora/mnemora/internal/config"
	"github.com/mnemora/mnemora/internal/memory"
)

// Compile-time interface check
var _ Embedder = (*OpenAI)(nil)

// EmbeddingsService defines the interface for making embedding API calls.
// This abstraction enables testing without calling the real OpenAI API.
type EmbeddingsService interface {
	New(ctx context.Context, params openai.EmbeddingNewParams, opts ...option.RequestOption) (*openai.CreateEmbeddingResponse, error)
}

// OpenAI generates embeddings through OpenAI's API.
type OpenAI struct {
	embeddings EmbeddingsService
	model      openai.EmbeddingModel
	dimensions int
}

// NewOpenAI builds the embedder from configuration. BaseURL overrides the
// endpoint for proxies and compatible providers.
func NewOpenAI(cfg config.EmbeddingConfig) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAI{
		embeddings: client.Embeddings,
		model:      openai.EmbeddingModel(cfg.Model),
		dimensions: cfg.Dimensions,
	}
}

func (o *OpenAI) params(texts []string) openai.EmbeddingNewParams {
	params := openai.EmbeddingNewParams{
		Input: openai.F[openai.EmbeddingNewParamsInputUnion](
			openai.EmbeddingNewParamsInputArrayOfStrings(texts),
		),
		Model: openai.F(o.model),
	}
	// Only third-generation models accept a dimensions override.
	if o.dimensions > 0 && strings.HasPrefix(string(o.model), "text-embedding-3") {
		params.Dimensions = openai.F(int64(o.dimensions))
	}
	return params
}

func wrapErr(op string, err error) error {
	return memory.NewStoreError(memory.StoreEmbedding, op, "", err)
}

// Embed generates an embedding for the given text.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.embeddings.New(ctx, o.params([]string{text}))
	if err != nil {
		return nil, wrapErr("embed", err)
	}
	if len(resp.Data) == 0 {
		return nil, wrapErr("embed", fmt.Errorf("no embedding data returned"))
	}
	return toFloat32(resp.Data[0].Embedding), nil
}

// EmbedBatch generates embeddings for multiple texts, preserving input order.
func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	resp, err := o.embeddings.New(ctx, o.params(texts))
	if err != nil {
		return nil, wrapErr("embed batch", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, wrapErr("embed batch",
			fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data)))
	}

	// Sort by index to guarantee order matches input.
	sort.Slice(resp.Data, func(i, j int) bool {
		return resp.Data[i].Index < resp.Data[j].Index
	})

	embeddings := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		embeddings[i] = toFloat32(data.Embedding)
	}
	return embeddings, nil
}

// ModelName returns the embedding model name.
func (o *OpenAI) ModelName() string {
	return string(o.model)
}

// Dimensions returns the configured embedding width.
func (o *OpenAI) Dimensions() int {
	return o.dimensions
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
