package relevance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mnemora/mnemora/internal/cache"
	"github.com/mnemora/mnemora/internal/config"
	"github.com/mnemora/mnemora/internal/embedding"
	"github.com/mnemora/mnemora/internal/memory"
	"github.com/mnemora/mnemora/internal/metrics"
	"github.com/mnemora/mnemora/internal/store/postgres"
	"github.com/mnemora/mnemora/internal/tenant"
)

// NodeStore is the relational surface the engine reads and updates.
type NodeStore interface {
	Get(ctx context.Context, tc tenant.Context, id string) (memory.Node, error)
	ListCandidates(ctx context.Context, tc tenant.Context, filter postgres.CandidateFilter) ([]memory.Node, error)
	ApplyAccess(ctx context.Context, tc tenant.Context, ev memory.AccessEvent, newStability, newRetrievability float64) error
	SetImportance(ctx context.Context, tc tenant.Context, id string, userImportance, aiImportance *float64) error
}

// VectorIndex returns a node's stored embedding for query similarity.
type VectorIndex interface {
	Vector(ctx context.Context, tc tenant.Context, nodeID string) ([]float32, error)
}

// RippleQueue schedules boost propagation from an accessed node. Enqueue
// failures are auxiliary: the access that triggered them still succeeds.
type RippleQueue interface {
	EnqueueBoost(ctx context.Context, tc tenant.Context, sourceID string) error
}

// Engine computes composite relevance over live forgetting-curve state.
// Scores are cached per (tenant, query, node) and invalidated tenant-wide
// whenever anything that feeds a score changes.
type Engine struct {
	store    NodeStore
	vectors  VectorIndex
	embedder embedding.Embedder
	ripple   RippleQueue
	cache    *cache.Cache
	group    singleflight.Group
	tau      time.Duration
	cacheTTL time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics

	now func() time.Time
}

// NewEngine wires the engine. vectors and embedder may be nil together, in
// which case every score uses the fallback weighting; a nil ripple queue
// disables boost propagation.
func NewEngine(store NodeStore, vectors VectorIndex, embedder embedding.Embedder, ripple RippleQueue, c *cache.Cache, cfg config.RelevanceConfig, logger *zap.Logger, m *metrics.Metrics) *Engine {
	tau := cfg.Tau.Std()
	if tau <= 0 {
		tau = DefaultTau
	}
	return &Engine{
		store:    store,
		vectors:  vectors,
		embedder: embedder,
		ripple:   ripple,
		cache:    c,
		tau:      tau,
		cacheTTL: cfg.CacheTTL.Std(),
		logger:   logger.Named("relevance"),
		metrics:  m,
		now:      time.Now,
	}
}

// cacheKey builds rel:<tenant>:<query hash>:<node>. The query hash keeps
// keys bounded regardless of query length; an empty query hashes to the
// literal "noquery" so queryless scores share an entry.
func cacheKey(tc tenant.Context, query, nodeID string) string {
	qpart := "noquery"
	if query != "" {
		sum := sha256.Sum256([]byte(query))
		qpart = hex.EncodeToString(sum[:8])
	}
	return fmt.Sprintf("rel:%s:%s:%s", tc.TenantID(), qpart, nodeID)
}

// liveInputs derives score inputs from a node's stored metrics, decaying
// retrievability to this instant rather than trusting the stored value.
func (e *Engine) liveInputs(node memory.Node, sim *float64) Inputs {
	in := Inputs{VectorSimilarity: sim, Stability: postgres.DefaultStability}
	if node.Metrics == nil {
		in.Retrievability = in.Stability
		return in
	}
	m := node.Metrics
	baseline := ImportanceBaseline(m.UserImportance, m.AIImportance)
	in.Stability = m.Stability
	in.Retrievability = Retrievability(m.Stability, baseline, e.now().Sub(m.LastAccessed), e.tau)
	in.UserImportance = m.UserImportance
	in.AIImportance = m.AIImportance
	in.HasGraphRelationships = m.HasGraphRelationships
	return in
}

// Score computes (or returns the cached) relevance breakdown of one node
// against an optional query. Concurrent misses on the same key compute once.
func (e *Engine) Score(ctx context.Context, tc tenant.Context, query, nodeID string) (Breakdown, error) {
	if err := tc.Validate(); err != nil {
		return Breakdown{}, err
	}
	if nodeID == "" {
		return Breakdown{}, fmt.Errorf("node id: %w", memory.ErrInvalidIDFormat)
	}

	key := cacheKey(tc, query, nodeID)
	var cached Breakdown
	if hit, err := e.cache.GetJSON(ctx, key, &cached); err == nil && hit {
		return cached, nil
	}

	result, err, _ := e.group.Do(key, func() (any, error) {
		breakdown, err := e.computeScore(ctx, tc, query, nodeID)
		if err != nil {
			return nil, err
		}
		if err := e.cache.SetJSON(ctx, key, breakdown, e.cacheTTL); err != nil {
			e.logger.Warn("score cache write failed", zap.Error(err))
		}
		return breakdown, nil
	})
	if err != nil {
		return Breakdown{}, err
	}
	return result.(Breakdown), nil
}

func (e *Engine) computeScore(ctx context.Context, tc tenant.Context, query, nodeID string) (Breakdown, error) {
	node, err := e.store.Get(ctx, tc, nodeID)
	if err != nil {
		return Breakdown{}, err
	}

	sim := e.querySimilarity(ctx, tc, query, nodeID)
	breakdown := Score(e.liveInputs(node, sim))
	e.countComputation(breakdown)
	return breakdown, nil
}

func (e *Engine) countComputation(b Breakdown) {
	mode := "full"
	if b.UsedFallback {
		mode = "fallback"
	}
	e.metrics.ScoreComputations.WithLabelValues(mode).Inc()
}

// querySimilarity returns the cosine similarity between the query and the
// node's stored vector, or nil when it cannot be computed. A nil similarity
// switches the scorer to fallback weighting rather than failing the score.
func (e *Engine) querySimilarity(ctx context.Context, tc tenant.Context, query, nodeID string) *float64 {
	if query == "" || e.embedder == nil || e.vectors == nil {
		return nil
	}
	qvec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		e.logger.Warn("query embedding failed, scoring without similarity", zap.Error(err))
		return nil
	}
	nvec, err := e.vectors.Vector(ctx, tc, nodeID)
	if err != nil {
		e.logger.Warn("stored vector unavailable, scoring without similarity",
			zap.String("node_id", nodeID), zap.Error(err))
		return nil
	}
	sim := Cosine(qvec, nvec)
	return &sim
}

// Cosine computes cosine similarity clamped to [0,1]; negative similarity
// carries no more meaning than zero for relevance.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return clamp01(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// RecordAccess logs one access and reinforces the node: stability is
// boosted by the recall-effort rule and retrievability resets to the
// post-boost curve at t=0. Tenant-wide score cache entries are dropped and,
// when the node participates in the graph, ripple propagation is enqueued.
func (e *Engine) RecordAccess(ctx context.Context, tc tenant.Context, ev memory.AccessEvent) (memory.AccessEvent, error) {
	if err := tc.Validate(); err != nil {
		return memory.AccessEvent{}, err
	}
	if ev.ContentID == "" {
		return memory.AccessEvent{}, fmt.Errorf("content id: %w", memory.ErrInvalidIDFormat)
	}
	if !memory.ValidAccessKind(ev.Kind) {
		return memory.AccessEvent{}, fmt.Errorf("access kind %q: %w", ev.Kind, memory.ErrInvalidAccessKind)
	}
	if !memory.ValidAccessContext(ev.Context) {
		return memory.AccessEvent{}, fmt.Errorf("access context %q: %w", ev.Context, memory.ErrInvalidAccessContext)
	}
	if ev.RelevanceScore < 0 || ev.RelevanceScore > 1 {
		return memory.AccessEvent{}, memory.ErrInvalidRelevanceScore
	}

	node, err := e.store.Get(ctx, tc, ev.ContentID)
	if err != nil {
		return memory.AccessEvent{}, err
	}

	if ev.ID == "" {
		ev.ID = memory.NewID()
	}
	if ev.AccessedAt.IsZero() {
		ev.AccessedAt = e.now().UTC()
	}
	ev.CompanyID = tc.CompanyID
	ev.AppID = tc.AppID
	if ev.UserID == "" {
		ev.UserID = tc.UserID
	}

	stability := postgres.DefaultStability
	baseline := 0.0
	lastAccessed := ev.AccessedAt
	linked := false
	if node.Metrics != nil {
		stability = node.Metrics.Stability
		baseline = ImportanceBaseline(node.Metrics.UserImportance, node.Metrics.AIImportance)
		lastAccessed = node.Metrics.LastAccessed
		linked = node.Metrics.HasGraphRelationships
	}

	// Reinforcement rewards difficult recalls: the lower R had decayed,
	// the bigger the stability step.
	retrievabilityAtAccess := Retrievability(stability, baseline, ev.AccessedAt.Sub(lastAccessed), e.tau)
	boosted := BoostStability(stability, retrievabilityAtAccess)
	retrievabilityAfter := clamp01(boosted + baseline)

	if err := e.store.ApplyAccess(ctx, tc, ev, boosted, retrievabilityAfter); err != nil {
		return memory.AccessEvent{}, err
	}
	e.InvalidateTenant(ctx, tc)

	if linked && e.ripple != nil {
		if err := e.ripple.EnqueueBoost(ctx, tc, ev.ContentID); err != nil {
			e.logger.Warn("ripple enqueue failed",
				zap.String("node_id", ev.ContentID), zap.Error(err))
		}
	}

	e.logger.Debug("access recorded",
		zap.String("node_id", ev.ContentID),
		zap.String("kind", string(ev.Kind)),
		zap.Float64("stability", boosted),
		zap.Float64("retrievability", retrievabilityAfter))
	return ev, nil
}

// SetImportance updates the caller-controlled score signals.
func (e *Engine) SetImportance(ctx context.Context, tc tenant.Context, nodeID string, userImportance, aiImportance *float64) error {
	if err := tc.Validate(); err != nil {
		return err
	}
	for _, imp := range []*float64{userImportance, aiImportance} {
		if imp != nil && (*imp < 0 || *imp > 1) {
			return memory.ErrInvalidImportance
		}
	}
	if err := e.store.SetImportance(ctx, tc, nodeID, userImportance, aiImportance); err != nil {
		return err
	}
	e.InvalidateTenant(ctx, tc)
	return nil
}

// InvalidateTenant drops every cached score for the tenant. Writes,
// accesses and importance changes all shift scores, so invalidation is
// deliberately coarse.
func (e *Engine) InvalidateTenant(ctx context.Context, tc tenant.Context) {
	if _, err := e.cache.DeletePattern(ctx, "rel:"+tc.TenantID()+":*"); err != nil {
		e.logger.Warn("score cache invalidation failed",
			zap.String("tenant", tc.TenantID()), zap.Error(err))
	}
}

// ScoredNode pairs a node with its relevance breakdown.
type ScoredNode struct {
	Node      memory.Node `json:"node"`
	Breakdown Breakdown   `json:"breakdown"`
}

// RetrieveFilter narrows memory-lens retrieval. MinScore drops nodes after
// scoring; NeedsReinforcement keeps only nodes below the reinforcement
// threshold. SkipCache forces fresh computation for every row.
type RetrieveFilter struct {
	Kinds              []memory.Kind
	Tags               []string
	MinScore           float64
	NeedsReinforcement bool
	Limit              int
	Offset             int
	SkipCache          bool
}

// RetrieveResult is a relevance-ordered page plus score provenance.
// FallbackNodeCount counts rows whose score had to be computed because no
// valid cached entry existed.
type RetrieveResult struct {
	Results           []ScoredNode `json:"results"`
	Total             int          `json:"total"`
	Limit             int          `json:"limit"`
	Offset            int          `json:"offset"`
	FallbackNodeCount int          `json:"fallback_node_count"`
}

const (
	defaultRetrieveLimit  = 20
	maxRetrieveLimit      = 100
	retrieveCandidatePool = 500
)

// Retrieve ranks the tenant's most recently accessed nodes by live
// composite relevance. No query vector participates, so every score uses
// the fallback weighting; cached entries are reused within their TTL.
func (e *Engine) Retrieve(ctx context.Context, tc tenant.Context, filter RetrieveFilter) (RetrieveResult, error) {
	if err := tc.Validate(); err != nil {
		return RetrieveResult{}, err
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultRetrieveLimit
	}
	if filter.Limit > maxRetrieveLimit {
		filter.Limit = maxRetrieveLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	candidates, err := e.store.ListCandidates(ctx, tc, postgres.CandidateFilter{
		Kinds: filter.Kinds,
		Tags:  filter.Tags,
		Limit: retrieveCandidatePool,
	})
	if err != nil {
		return RetrieveResult{}, err
	}

	res := RetrieveResult{
		Results: []ScoredNode{},
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}

	scored := make([]ScoredNode, 0, len(candidates))
	for _, node := range candidates {
		breakdown, fresh := e.retrieveScore(ctx, tc, node, filter.SkipCache)
		if fresh {
			res.FallbackNodeCount++
		}
		if breakdown.Score < filter.MinScore {
			continue
		}
		if filter.NeedsReinforcement && !breakdown.NeedsReinforcement {
			continue
		}
		scored = append(scored, ScoredNode{Node: node, Breakdown: breakdown})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Breakdown.Score != scored[j].Breakdown.Score {
			return scored[i].Breakdown.Score > scored[j].Breakdown.Score
		}
		return scored[i].Node.ID < scored[j].Node.ID
	})

	res.Total = len(scored)
	if filter.Offset < len(scored) {
		end := filter.Offset + filter.Limit
		if end > len(scored) {
			end = len(scored)
		}
		res.Results = scored[filter.Offset:end]
	}
	return res, nil
}

// retrieveScore resolves one node's queryless score, preferring a cached
// entry. The second return reports whether the score was computed fresh.
func (e *Engine) retrieveScore(ctx context.Context, tc tenant.Context, node memory.Node, skipCache bool) (Breakdown, bool) {
	key := cacheKey(tc, "", node.ID)
	if !skipCache {
		var cached Breakdown
		if hit, err := e.cache.GetJSON(ctx, key, &cached); err == nil && hit {
			return cached, false
		}
	}
	breakdown := Score(e.liveInputs(node, nil))
	e.countComputation(breakdown)
	if err := e.cache.SetJSON(ctx, key, breakdown, e.cacheTTL); err != nil {
		e.logger.Warn("score cache write failed", zap.Error(err))
	}
	return breakdown, true
}

// ReviewAt reports when a node should next be reviewed given its current
// stability and live retrievability.
func (e *Engine) ReviewAt(node memory.Node) time.Time {
	in := e.liveInputs(node, nil)
	return e.now().Add(ReviewInterval(in.Stability, in.Retrievability))
}
