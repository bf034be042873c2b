package embedding

import "context"

// stubEmbedder is a deterministic Embedder for tests in this package.
type stubEmbedder struct {
	dims  int
	calls int
}

var _ Embedder = (*stubEmbedder)(nil)

func (s *stubEmbedder) Embed(ctx context.Context, content string) ([]float32, error) {
	s.calls++
	return s.vector(content), nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, contents []string) ([][]float32, error) {
	s.calls++
	out := make([][]float32, len(contents))
	for i, c := range contents {
		out[i] = s.vector(c)
	}
	return out, nil
}

func (s *stubEmbedder) ModelName() string { return "stub-model" }
func (s *stubEmbedder) Dimensions() int   { return s.dims }

// vector derives a stable fake embedding from the content length so tests
// can tell inputs apart.
func (s *stubEmbedder) vector(content string) []float32 {
	out := make([]float32, s.dims)
	for i := range out {
		out[i] = float32(len(content)+i) / 100
	}
	return out
}
