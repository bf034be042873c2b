// Package ripple spreads stability reinforcement outward from an accessed
// node: every graph neighbor within reach gets a boost that halves per hop
// until it falls under the propagation floor. Recalling one memory thereby
// keeps the memories connected to it alive.
package ripple

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mnemora/mnemora/internal/config"
	"github.com/mnemora/mnemora/internal/memory"
	"github.com/mnemora/mnemora/internal/metrics"
	"github.com/mnemora/mnemora/internal/store/graph"
	"github.com/mnemora/mnemora/internal/store/postgres"
	"github.com/mnemora/mnemora/internal/tenant"
)

// Graph walks the knowledge graph around the source node.
type Graph interface {
	Neighbors(ctx context.Context, tc tenant.Context, sourceID string, maxDepth int, edgeTypes []memory.RelationshipType) ([]graph.Neighbor, error)
}

// Booster applies batches of stability boosts to the relational store.
type Booster interface {
	ApplyStabilityBoosts(ctx context.Context, tc tenant.Context, boosts []postgres.StabilityBoost) (int64, error)
}

// ScoreInvalidator drops cached relevance scores once boosts land.
type ScoreInvalidator interface {
	InvalidateTenant(ctx context.Context, tc tenant.Context)
}

const (
	defaultInitialBoost = 0.30
	defaultDecayPerHop  = 0.5
	defaultMaxDepth     = 3
	defaultMinBoost     = 0.05
	defaultBatchSize    = 100
)

// Result summarises one completed propagation.
type Result struct {
	SourceID   string  `json:"source_id"`
	Affected   int64   `json:"affected"`
	MaxDepth   int     `json:"max_depth"`
	TotalBoost float64 `json:"total_boost"`
	Batches    int     `json:"batches"`
}

// Propagator runs boost propagation. Concurrent propagations from the same
// source collapse into one traversal via singleflight.
type Propagator struct {
	graph  Graph
	store  Booster
	scores ScoreInvalidator

	initialBoost float64
	decayPerHop  float64
	maxDepth     int
	minBoost     float64
	batchSize    int

	group   singleflight.Group
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewPropagator wires a propagator. scores may be nil when no relevance
// cache is in play.
func NewPropagator(g Graph, store Booster, scores ScoreInvalidator, cfg config.RippleConfig, logger *zap.Logger, m *metrics.Metrics) *Propagator {
	p := &Propagator{
		graph:        g,
		store:        store,
		scores:       scores,
		initialBoost: cfg.InitialBoost,
		decayPerHop:  cfg.DecayPerHop,
		maxDepth:     cfg.MaxDepth,
		minBoost:     cfg.MinBoost,
		batchSize:    cfg.BatchSize,
		logger:       logger.Named("ripple"),
		metrics:      m,
	}
	if p.initialBoost <= 0 {
		p.initialBoost = defaultInitialBoost
	}
	if p.decayPerHop <= 0 || p.decayPerHop >= 1 {
		p.decayPerHop = defaultDecayPerHop
	}
	if p.maxDepth < 1 {
		p.maxDepth = defaultMaxDepth
	}
	if p.minBoost <= 0 {
		p.minBoost = defaultMinBoost
	}
	if p.batchSize < 1 {
		p.batchSize = defaultBatchSize
	}
	return p
}

// boostAt is the boost a node at the given hop distance receives.
func (p *Propagator) boostAt(hop int) float64 {
	return p.initialBoost * math.Pow(p.decayPerHop, float64(hop-1))
}

// effectiveDepth is the deepest hop still worth traversing: the first hop
// whose boost would fall under the floor truncates the walk.
func (p *Propagator) effectiveDepth() int {
	for hop := 1; hop <= p.maxDepth; hop++ {
		if p.boostAt(hop) < p.minBoost {
			return hop - 1
		}
	}
	return p.maxDepth
}

// Propagate boosts every node reachable from sourceID over the ripple edge
// types. The caller's access already reinforced the source itself; only
// neighbors are touched here.
func (p *Propagator) Propagate(ctx context.Context, tc tenant.Context, sourceID string) (Result, error) {
	if err := tc.Validate(); err != nil {
		return Result{}, err
	}
	if sourceID == "" {
		return Result{}, fmt.Errorf("source id: %w", memory.ErrInvalidIDFormat)
	}

	key := tc.TenantID() + ":" + sourceID
	v, err, _ := p.group.Do(key, func() (any, error) {
		return p.propagate(ctx, tc, sourceID)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (p *Propagator) propagate(ctx context.Context, tc tenant.Context, sourceID string) (Result, error) {
	res := Result{SourceID: sourceID}
	depth := p.effectiveDepth()
	if depth == 0 {
		return res, nil
	}

	neighbors, err := p.graph.Neighbors(ctx, tc, sourceID, depth, memory.RippleEdgeTypes)
	if err != nil {
		return Result{}, err
	}
	if len(neighbors) == 0 {
		return res, nil
	}

	// Neo4j returns rows in no particular order; fix the batch layout so
	// retries write the same batches.
	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Hops != neighbors[j].Hops {
			return neighbors[i].Hops < neighbors[j].Hops
		}
		return neighbors[i].NodeID < neighbors[j].NodeID
	})

	boosts := make([]postgres.StabilityBoost, 0, len(neighbors))
	for _, n := range neighbors {
		if n.Hops < 1 || n.Hops > depth {
			continue
		}
		b := p.boostAt(n.Hops)
		if b < p.minBoost {
			continue
		}
		boosts = append(boosts, postgres.StabilityBoost{NodeID: n.NodeID, Boost: b})
		res.TotalBoost += b
		if n.Hops > res.MaxDepth {
			res.MaxDepth = n.Hops
		}
	}

	for start := 0; start < len(boosts); start += p.batchSize {
		end := start + p.batchSize
		if end > len(boosts) {
			end = len(boosts)
		}
		affected, err := p.store.ApplyStabilityBoosts(ctx, tc, boosts[start:end])
		if err != nil {
			return Result{}, err
		}
		res.Affected += affected
		res.Batches++
	}

	if res.Affected > 0 && p.scores != nil {
		p.scores.InvalidateTenant(ctx, tc)
	}

	p.metrics.RippleRuns.Inc()
	p.metrics.RippleBoosted.Add(float64(res.Affected))
	p.logger.Debug("ripple propagated",
		zap.String("source_id", sourceID),
		zap.Int64("affected", res.Affected),
		zap.Int("max_depth", res.MaxDepth),
		zap.Int("batches", res.Batches),
		zap.Float64("total_boost", res.TotalBoost))
	return res, nil
}
