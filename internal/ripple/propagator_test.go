package ripple

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/config"
	"github.com/mnemora/mnemora/internal/memory"
	"github.com/mnemora/mnemora/internal/metrics"
	"github.com/mnemora/mnemora/internal/store/graph"
	"github.com/mnemora/mnemora/internal/store/postgres"
	"github.com/mnemora/mnemora/internal/tenant"
)

var rippleTenant = tenant.Context{CompanyID: "acme", AppID: "assistant", UserID: "u1"}

type fakeGraph struct {
	neighbors []graph.Neighbor
	err       error

	calls     int
	lastDepth int
	lastEdges []memory.RelationshipType
}

func (f *fakeGraph) Neighbors(_ context.Context, _ tenant.Context, _ string, maxDepth int, edgeTypes []memory.RelationshipType) ([]graph.Neighbor, error) {
	f.calls++
	f.lastDepth = maxDepth
	f.lastEdges = edgeTypes
	if f.err != nil {
		return nil, f.err
	}
	return f.neighbors, nil
}

type fakeBooster struct {
	batches [][]postgres.StabilityBoost
	err     error
}

func (f *fakeBooster) ApplyStabilityBoosts(_ context.Context, _ tenant.Context, boosts []postgres.StabilityBoost) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	batch := make([]postgres.StabilityBoost, len(boosts))
	copy(batch, boosts)
	f.batches = append(f.batches, batch)
	return int64(len(boosts)), nil
}

type fakeInvalidator struct {
	tenants []string
}

func (f *fakeInvalidator) InvalidateTenant(_ context.Context, tc tenant.Context) {
	f.tenants = append(f.tenants, tc.TenantID())
}

func newTestPropagator(g *fakeGraph, b *fakeBooster, inv *fakeInvalidator, cfg config.RippleConfig) *Propagator {
	var scores ScoreInvalidator
	if inv != nil {
		scores = inv
	}
	return NewPropagator(g, b, scores, cfg, zap.NewNop(), metrics.New())
}

func defaultCfg() config.RippleConfig {
	return config.RippleConfig{
		InitialBoost: 0.30,
		DecayPerHop:  0.5,
		MaxDepth:     3,
		MinBoost:     0.05,
		BatchSize:    100,
	}
}

func TestPropagate_BoostHalvesPerHop(t *testing.T) {
	g := &fakeGraph{neighbors: []graph.Neighbor{
		{NodeID: "01NEAR", Hops: 1},
		{NodeID: "01MID", Hops: 2},
		{NodeID: "01FAR", Hops: 3},
	}}
	b := &fakeBooster{}
	p := newTestPropagator(g, b, nil, defaultCfg())

	res, err := p.Propagate(context.Background(), rippleTenant, "01SRC")
	require.NoError(t, err)

	require.Len(t, b.batches, 1)
	batch := b.batches[0]
	require.Len(t, batch, 3)
	assert.Equal(t, "01NEAR", batch[0].NodeID)
	assert.InDelta(t, 0.30, batch[0].Boost, 1e-9)
	assert.InDelta(t, 0.15, batch[1].Boost, 1e-9)
	assert.InDelta(t, 0.075, batch[2].Boost, 1e-9)

	assert.Equal(t, "01SRC", res.SourceID)
	assert.Equal(t, int64(3), res.Affected)
	assert.Equal(t, 3, res.MaxDepth)
	assert.InDelta(t, 0.525, res.TotalBoost, 1e-9)
	assert.Equal(t, 1, res.Batches)

	assert.Equal(t, memory.RippleEdgeTypes, g.lastEdges)
}

func TestPropagate_TwoHopNeighborhood(t *testing.T) {
	g := &fakeGraph{neighbors: []graph.Neighbor{
		{NodeID: "01N1", Hops: 1},
		{NodeID: "01N2", Hops: 1},
		{NodeID: "01M1", Hops: 2},
		{NodeID: "01M2", Hops: 2},
		{NodeID: "01M3", Hops: 2},
	}}
	b := &fakeBooster{}
	p := newTestPropagator(g, b, nil, defaultCfg())

	res, err := p.Propagate(context.Background(), rippleTenant, "01SRC")
	require.NoError(t, err)

	assert.Equal(t, int64(5), res.Affected)
	assert.Equal(t, 2, res.MaxDepth)
	assert.InDelta(t, 1.05, res.TotalBoost, 1e-9)

	require.Len(t, b.batches, 1)
	for _, boost := range b.batches[0][:2] {
		assert.InDelta(t, 0.30, boost.Boost, 1e-9)
	}
	for _, boost := range b.batches[0][2:] {
		assert.InDelta(t, 0.15, boost.Boost, 1e-9)
	}
}

func TestPropagate_FloorTruncatesTraversalDepth(t *testing.T) {
	g := &fakeGraph{neighbors: []graph.Neighbor{{NodeID: "01A", Hops: 1}}}
	cfg := defaultCfg()
	cfg.MinBoost = 0.2 // hop 2 would carry 0.15
	p := newTestPropagator(g, &fakeBooster{}, nil, cfg)

	_, err := p.Propagate(context.Background(), rippleTenant, "01SRC")
	require.NoError(t, err)
	assert.Equal(t, 1, g.lastDepth, "hops past the floor are never traversed")
}

func TestPropagate_FloorDropsWeakNeighbors(t *testing.T) {
	// A floor between hop-2 and hop-3 boosts: traversal depth stays 2.
	g := &fakeGraph{neighbors: []graph.Neighbor{
		{NodeID: "01A", Hops: 1},
		{NodeID: "01B", Hops: 2},
	}}
	cfg := defaultCfg()
	cfg.MinBoost = 0.10
	p := newTestPropagator(g, &fakeBooster{}, nil, cfg)

	res, err := p.Propagate(context.Background(), rippleTenant, "01SRC")
	require.NoError(t, err)
	assert.Equal(t, 2, g.lastDepth)
	assert.Equal(t, int64(2), res.Affected)
}

func TestPropagate_BatchesLargeFanouts(t *testing.T) {
	neighbors := make([]graph.Neighbor, 0, 250)
	for i := 0; i < 250; i++ {
		neighbors = append(neighbors, graph.Neighbor{NodeID: nodeID(i), Hops: 1})
	}
	g := &fakeGraph{neighbors: neighbors}
	b := &fakeBooster{}
	p := newTestPropagator(g, b, nil, defaultCfg())

	res, err := p.Propagate(context.Background(), rippleTenant, "01SRC")
	require.NoError(t, err)

	require.Len(t, b.batches, 3)
	assert.Len(t, b.batches[0], 100)
	assert.Len(t, b.batches[1], 100)
	assert.Len(t, b.batches[2], 50)
	assert.Equal(t, int64(250), res.Affected)
	assert.Equal(t, 3, res.Batches)
}

func TestPropagate_BatchLayoutIsDeterministic(t *testing.T) {
	g := &fakeGraph{neighbors: []graph.Neighbor{
		{NodeID: "01Z", Hops: 2},
		{NodeID: "01B", Hops: 1},
		{NodeID: "01A", Hops: 1},
	}}
	b := &fakeBooster{}
	p := newTestPropagator(g, b, nil, defaultCfg())

	_, err := p.Propagate(context.Background(), rippleTenant, "01SRC")
	require.NoError(t, err)

	require.Len(t, b.batches, 1)
	ids := []string{b.batches[0][0].NodeID, b.batches[0][1].NodeID, b.batches[0][2].NodeID}
	assert.Equal(t, []string{"01A", "01B", "01Z"}, ids, "nearest first, then id order")
}

func TestPropagate_NoNeighborsWritesNothing(t *testing.T) {
	g := &fakeGraph{}
	b := &fakeBooster{}
	inv := &fakeInvalidator{}
	p := newTestPropagator(g, b, inv, defaultCfg())

	res, err := p.Propagate(context.Background(), rippleTenant, "01SRC")
	require.NoError(t, err)
	assert.Equal(t, Result{SourceID: "01SRC"}, res)
	assert.Empty(t, b.batches)
	assert.Empty(t, inv.tenants)
}

func TestPropagate_InvalidatesScoresOnceBoostsLand(t *testing.T) {
	g := &fakeGraph{neighbors: []graph.Neighbor{{NodeID: "01A", Hops: 1}}}
	inv := &fakeInvalidator{}
	p := newTestPropagator(g, &fakeBooster{}, inv, defaultCfg())

	_, err := p.Propagate(context.Background(), rippleTenant, "01SRC")
	require.NoError(t, err)
	assert.Equal(t, []string{"acme:assistant"}, inv.tenants)
}

func TestPropagate_Validation(t *testing.T) {
	p := newTestPropagator(&fakeGraph{}, &fakeBooster{}, nil, defaultCfg())

	_, err := p.Propagate(context.Background(), rippleTenant, "")
	assert.ErrorIs(t, err, memory.ErrInvalidIDFormat)

	_, err = p.Propagate(context.Background(), tenant.Context{}, "01SRC")
	assert.Error(t, err)
}

func TestPropagate_GraphFailurePropagates(t *testing.T) {
	g := &fakeGraph{err: errors.New("neo4j down")}
	p := newTestPropagator(g, &fakeBooster{}, nil, defaultCfg())

	_, err := p.Propagate(context.Background(), rippleTenant, "01SRC")
	assert.Error(t, err)
}

func TestPropagate_BoostFailurePropagates(t *testing.T) {
	g := &fakeGraph{neighbors: []graph.Neighbor{{NodeID: "01A", Hops: 1}}}
	b := &fakeBooster{err: errors.New("pg down")}
	p := newTestPropagator(g, b, nil, defaultCfg())

	_, err := p.Propagate(context.Background(), rippleTenant, "01SRC")
	assert.Error(t, err)
}

func TestEffectiveDepth(t *testing.T) {
	cases := []struct {
		minBoost float64
		want     int
	}{
		{0.05, 3},  // 0.30, 0.15, 0.075 all clear the floor
		{0.10, 2},  // hop 3 carries 0.075
		{0.20, 1},  // hop 2 carries 0.15
		{0.40, 0},  // even hop 1 falls short
		{0.075, 3}, // boundary: hop 3 exactly meets the floor
	}
	for _, tc := range cases {
		cfg := defaultCfg()
		cfg.MinBoost = tc.minBoost
		p := newTestPropagator(&fakeGraph{}, &fakeBooster{}, nil, cfg)
		assert.Equal(t, tc.want, p.effectiveDepth(), "floor %.3f", tc.minBoost)
	}
}

func nodeID(i int) string {
	const digits = "0123456789"
	return "01N" + string([]byte{digits[i/100], digits[i/10%10], digits[i%10]})
}
