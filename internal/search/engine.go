// Package search fuses vector similarity, trigram metadata matching and
// ranked full-text search into one ranked result, with adaptive weights
// chosen from the query's shape. An advanced pipeline layers expansion,
// reranking, diversification, clustering and query insights on top.
package search

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mnemora/mnemora/internal/cache"
	"github.com/mnemora/mnemora/internal/config"
	"github.com/mnemora/mnemora/internal/embedding"
	"github.com/mnemora/mnemora/internal/memory"
	"github.com/mnemora/mnemora/internal/metrics"
	"github.com/mnemora/mnemora/internal/store/postgres"
	"github.com/mnemora/mnemora/internal/store/vector"
	"github.com/mnemora/mnemora/internal/tenant"
)

// Store is the relational surface search reads.
type Store interface {
	MetadataSearch(ctx context.Context, tc tenant.Context, query string, filter postgres.SearchFilter) ([]postgres.ScoredNode, error)
	TextSearch(ctx context.Context, tc tenant.Context, query string, filter postgres.SearchFilter) ([]postgres.ScoredNode, error)
	GetMany(ctx context.Context, tc tenant.Context, ids []string) ([]memory.Node, error)
	SearchCommunities(ctx context.Context, tc tenant.Context, keywords []string, limit int) ([]memory.Community, error)
}

// VectorSearcher is the similarity leg.
type VectorSearcher interface {
	Search(ctx context.Context, tc tenant.Context, vec []float32, params vector.SearchParams) ([]vector.Hit, error)
}

// AccessRecorder reinforces returned nodes; failures are auxiliary.
type AccessRecorder interface {
	RecordAccess(ctx context.Context, tc tenant.Context, ev memory.AccessEvent) (memory.AccessEvent, error)
}

// candidateLimit is the per-leg top-k before fusion.
const candidateLimit = 100

const (
	defaultLimit     = 20
	maxLimit         = 100
	defaultThreshold = 0.3
	defaultCacheTTL  = 5 * time.Minute
)

// Query is one hybrid search request. Zero values take server defaults;
// Weights overrides the detected pattern's split when set.
type Query struct {
	Text      string        `json:"text"`
	Kinds     []memory.Kind `json:"kinds,omitempty"`
	Tags      []string      `json:"tags,omitempty"`
	Limit     int           `json:"limit"`
	Offset    int           `json:"offset"`
	Threshold float64       `json:"threshold"`
	Weights   *Weights      `json:"weights,omitempty"`
}

// Scores carries the fused score and the per-leg subscores that produced
// it, for explainability.
type Scores struct {
	Combined float64 `json:"combined"`
	Vector   float64 `json:"vector"`
	Metadata float64 `json:"metadata"`
	Text     float64 `json:"text"`
}

// Item is one ranked result.
type Item struct {
	Node   memory.Node `json:"node"`
	Scores Scores      `json:"scores"`
}

// Pagination reports the window the response covers.
type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

// Perf carries request timing and leg accounting.
type Perf struct {
	Pattern    Pattern `json:"pattern"`
	Cached     bool    `json:"cached"`
	TotalMS    int64   `json:"total_ms"`
	VectorMS   int64   `json:"vector_ms"`
	MetadataMS int64   `json:"metadata_ms"`
	TextMS     int64   `json:"text_ms"`
	VectorN    int     `json:"vector_n"`
	MetadataN  int     `json:"metadata_n"`
	TextN      int     `json:"text_n"`
}

// Result is a fused, paginated search response. Communities is populated
// only when no node matched, as a coarser fallback.
type Result struct {
	Items       []Item              `json:"results"`
	ByKind      map[memory.Kind]int `json:"by_kind"`
	Pagination  Pagination          `json:"pagination"`
	Perf        Perf                `json:"perf"`
	Communities []memory.Community  `json:"communities,omitempty"`
}

// Engine runs hybrid and advanced searches. The vector leg degrades to
// empty when the embedder or index is down; the relational legs likewise.
// A search only fails outright on invalid input, cancellation, or when the
// final page cannot be hydrated.
type Engine struct {
	store    Store
	vectors  VectorSearcher
	embedder embedding.Embedder
	recorder AccessRecorder
	cache    *cache.Cache
	cacheTTL time.Duration
	limit    int
	maxLimit int
	minScore float64
	logger   *zap.Logger
	metrics  *metrics.Metrics

	now func() time.Time
}

// NewEngine wires a search engine. recorder may be nil to disable
// reinforcement of returned results.
func NewEngine(store Store, vectors VectorSearcher, embedder embedding.Embedder, recorder AccessRecorder, c *cache.Cache, cfg config.SearchConfig, logger *zap.Logger, m *metrics.Metrics) *Engine {
	e := &Engine{
		store:    store,
		vectors:  vectors,
		embedder: embedder,
		recorder: recorder,
		cache:    c,
		cacheTTL: cfg.CacheTTL.Std(),
		limit:    cfg.DefaultLimit,
		maxLimit: cfg.MaxLimit,
		minScore: cfg.ScoreThreshold,
		logger:   logger.Named("search"),
		metrics:  m,
		now:      time.Now,
	}
	if e.cacheTTL <= 0 {
		e.cacheTTL = defaultCacheTTL
	}
	if e.limit <= 0 {
		e.limit = defaultLimit
	}
	if e.maxLimit <= 0 {
		e.maxLimit = maxLimit
	}
	if e.minScore <= 0 {
		e.minScore = defaultThreshold
	}
	return e
}

func (e *Engine) normalize(q *Query) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Limit <= 0 {
		q.Limit = e.limit
	}
	if q.Limit > e.maxLimit {
		q.Limit = e.maxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Threshold <= 0 {
		q.Threshold = e.minScore
	}
}

// cacheKey hashes the tenant and the full query shape; any option change
// is a different key.
func (e *Engine) cacheKey(tc tenant.Context, q Query) string {
	blob, _ := json.Marshal(q)
	sum := md5.Sum(append([]byte(tc.TenantID()+"|"), blob...))
	return "search:q:" + hex.EncodeToString(sum[:])
}

// Search runs one hybrid search: three legs fan out concurrently, the
// fused ranking is paginated, hydrated and cached.
func (e *Engine) Search(ctx context.Context, tc tenant.Context, q Query) (Result, error) {
	res, err := e.run(ctx, tc, q, true)
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (e *Engine) run(ctx context.Context, tc tenant.Context, q Query, record bool) (Result, error) {
	if err := tc.Validate(); err != nil {
		return Result{}, err
	}
	e.normalize(&q)
	if q.Text == "" {
		return Result{}, memory.ErrEmptyQuery
	}

	key := e.cacheKey(tc, q)
	var cached Result
	if hit, err := e.cache.GetJSON(ctx, key, &cached); err == nil && hit {
		cached.Perf.Cached = true
		e.metrics.SearchRequests.WithLabelValues(string(cached.Perf.Pattern), "true").Inc()
		return cached, nil
	}

	start := e.now()
	pattern := DetectPattern(q.Text)
	weights := PatternWeights(pattern)
	if q.Weights != nil {
		weights = q.Weights.Normalized()
	}

	legs, err := e.runLegs(ctx, tc, q)
	if err != nil {
		return Result{}, err
	}

	fused := fuse(legs, weights)
	total := len(fused)

	page := fused
	if q.Offset >= len(page) {
		page = nil
	} else {
		end := q.Offset + q.Limit
		if end > len(page) {
			end = len(page)
		}
		page = page[q.Offset:end]
	}

	items, err := e.hydrate(ctx, tc, page)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Items:  items,
		ByKind: countByKind(items),
		Pagination: Pagination{
			Limit:  q.Limit,
			Offset: q.Offset,
			Total:  total,
		},
		Perf: Perf{
			Pattern:    pattern,
			VectorMS:   legs.vectorMS,
			MetadataMS: legs.metadataMS,
			TextMS:     legs.textMS,
			VectorN:    len(legs.vector),
			MetadataN:  len(legs.metadata),
			TextN:      len(legs.text),
		},
	}
	if total == 0 {
		res.Communities = e.communityFallback(ctx, tc, q.Text)
	}
	res.Perf.TotalMS = e.now().Sub(start).Milliseconds()

	if err := e.cache.SetJSON(ctx, key, res, e.cacheTTL); err != nil {
		e.logger.Warn("search cache write failed", zap.Error(err))
	}
	if record {
		e.recordAccesses(ctx, tc, items)
	}

	e.metrics.SearchRequests.WithLabelValues(string(pattern), "false").Inc()
	e.metrics.SearchDuration.WithLabelValues(string(pattern)).Observe(e.now().Sub(start).Seconds())
	e.logger.Debug("search completed",
		zap.String("pattern", string(pattern)),
		zap.Int("total", total),
		zap.Int64("elapsed_ms", res.Perf.TotalMS))
	return res, nil
}

type legResults struct {
	vector   []vector.Hit
	metadata []postgres.ScoredNode
	text     []postgres.ScoredNode

	vectorMS, metadataMS, textMS int64
}

// runLegs fans the three sub-searches out. Individual leg failures degrade
// to empty sets; only cancellation fails the whole search, because a
// partially fused page under a cancelled deadline is worse than an error.
func (e *Engine) runLegs(ctx context.Context, tc tenant.Context, q Query) (legResults, error) {
	var (
		legs legResults
		mu   sync.Mutex
	)
	filter := postgres.SearchFilter{Kinds: q.Kinds, Tags: q.Tags, Limit: candidateLimit}
	phrase := phraseText(q.Text)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t0 := e.now()
		hits, err := e.vectorLeg(gctx, tc, phrase, q)
		mu.Lock()
		legs.vector = hits
		legs.vectorMS = e.now().Sub(t0).Milliseconds()
		mu.Unlock()
		if err != nil {
			e.logger.Warn("vector leg failed, continuing without it", zap.Error(err))
		}
		return gctx.Err()
	})
	g.Go(func() error {
		t0 := e.now()
		rows, err := e.store.MetadataSearch(gctx, tc, phrase, filter)
		mu.Lock()
		legs.metadata = rows
		legs.metadataMS = e.now().Sub(t0).Milliseconds()
		mu.Unlock()
		if err != nil {
			e.logger.Warn("metadata leg failed, continuing without it", zap.Error(err))
		}
		return gctx.Err()
	})
	g.Go(func() error {
		t0 := e.now()
		// The raw query goes to websearch_to_tsquery so quoted phrases
		// keep their phrase semantics.
		rows, err := e.store.TextSearch(gctx, tc, q.Text, filter)
		mu.Lock()
		legs.text = rows
		legs.textMS = e.now().Sub(t0).Milliseconds()
		mu.Unlock()
		if err != nil {
			e.logger.Warn("text leg failed, continuing without it", zap.Error(err))
		}
		return gctx.Err()
	})
	if err := g.Wait(); err != nil {
		return legResults{}, err
	}
	return legs, nil
}

func (e *Engine) vectorLeg(ctx context.Context, tc tenant.Context, phrase string, q Query) ([]vector.Hit, error) {
	if e.embedder == nil || e.vectors == nil {
		return nil, nil
	}
	vec, err := e.embedder.Embed(ctx, phrase)
	if err != nil {
		return nil, err
	}
	return e.vectors.Search(ctx, tc, vec, vector.SearchParams{
		Kinds:     q.Kinds,
		Tags:      q.Tags,
		Limit:     candidateLimit,
		Threshold: q.Threshold,
	})
}

// fusedEntry is one node mid-fusion. node is nil for vector-only hits
// until hydration.
type fusedEntry struct {
	id     string
	node   *memory.Node
	scores Scores
}

// fuse merges the three legs into one weighted ranking. The vector leg
// already applied the score threshold; fusion never re-filters, so a weak
// vector hit strengthened by metadata or text survives.
func fuse(legs legResults, w Weights) []fusedEntry {
	byID := make(map[string]*fusedEntry)
	ensure := func(id string) *fusedEntry {
		if ent, ok := byID[id]; ok {
			return ent
		}
		ent := &fusedEntry{id: id}
		byID[id] = ent
		return ent
	}

	for _, hit := range legs.vector {
		ent := ensure(hit.NodeID)
		if hit.Score > ent.scores.Vector {
			ent.scores.Vector = hit.Score
		}
	}
	for i := range legs.metadata {
		row := legs.metadata[i]
		ent := ensure(row.Node.ID)
		if row.Score > ent.scores.Metadata {
			ent.scores.Metadata = row.Score
		}
		if ent.node == nil {
			ent.node = &legs.metadata[i].Node
		}
	}
	for i := range legs.text {
		row := legs.text[i]
		ent := ensure(row.Node.ID)
		if row.Score > ent.scores.Text {
			ent.scores.Text = row.Score
		}
		if ent.node == nil {
			ent.node = &legs.text[i].Node
		}
	}

	out := make([]fusedEntry, 0, len(byID))
	for _, ent := range byID {
		ent.scores.Combined = w.Vector*ent.scores.Vector +
			w.Metadata*ent.scores.Metadata +
			w.Text*ent.scores.Text
		out = append(out, *ent)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].scores.Combined != out[j].scores.Combined {
			return out[i].scores.Combined > out[j].scores.Combined
		}
		return out[i].id < out[j].id
	})
	return out
}

// hydrate resolves nodes for entries that only the vector leg saw. Nodes
// the relational store no longer has (deleted since indexing) are dropped.
func (e *Engine) hydrate(ctx context.Context, tc tenant.Context, page []fusedEntry) ([]Item, error) {
	missing := make([]string, 0, len(page))
	for _, ent := range page {
		if ent.node == nil {
			missing = append(missing, ent.id)
		}
	}
	resolved := make(map[string]memory.Node, len(missing))
	if len(missing) > 0 {
		nodes, err := e.store.GetMany(ctx, tc, missing)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			resolved[n.ID] = n
		}
	}

	items := make([]Item, 0, len(page))
	for _, ent := range page {
		switch {
		case ent.node != nil:
			items = append(items, Item{Node: *ent.node, Scores: ent.scores})
		default:
			node, ok := resolved[ent.id]
			if !ok {
				e.logger.Debug("vector hit without relational row, dropped",
					zap.String("node_id", ent.id))
				continue
			}
			items = append(items, Item{Node: node, Scores: ent.scores})
		}
	}
	return items, nil
}

func countByKind(items []Item) map[memory.Kind]int {
	byKind := make(map[memory.Kind]int, 4)
	for _, it := range items {
		byKind[it.Node.Kind]++
	}
	return byKind
}

// communityFallback surfaces community summaries when nothing matched
// directly. Failures leave the result empty; the search already succeeded.
func (e *Engine) communityFallback(ctx context.Context, tc tenant.Context, query string) []memory.Community {
	keywords := make([]string, 0, 8)
	for _, w := range strings.Fields(strings.ToLower(phraseText(query))) {
		w = strings.Trim(w, `"'.,!?`)
		if len(w) > 2 {
			keywords = append(keywords, w)
		}
	}
	if len(keywords) == 0 {
		return nil
	}
	communities, err := e.store.SearchCommunities(ctx, tc, keywords, 5)
	if err != nil {
		e.logger.Warn("community fallback failed", zap.Error(err))
		return nil
	}
	return communities
}

// recordAccesses reinforces every returned node. Each failure is logged
// and skipped; retrieval reinforcement must never fail a search.
func (e *Engine) recordAccesses(ctx context.Context, tc tenant.Context, items []Item) {
	if e.recorder == nil {
		return
	}
	for _, it := range items {
		score := it.Scores.Combined
		if score > 1 {
			score = 1
		}
		_, err := e.recorder.RecordAccess(ctx, tc, memory.AccessEvent{
			ContentID:      it.Node.ID,
			Kind:           memory.AccessRetrieve,
			Context:        memory.AccessContextQuery,
			RelevanceScore: score,
		})
		if err != nil {
			e.logger.Warn("search access recording failed",
				zap.String("node_id", it.Node.ID), zap.Error(err))
		}
	}
}
