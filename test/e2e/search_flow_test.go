package e2e

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemora/mnemora/internal/memory"
	"github.com/mnemora/mnemora/internal/relevance"
	"github.com/mnemora/mnemora/pkg/client"
)

// seedCorpus stores three memories with disjoint vocabulary so ranking
// assertions stay unambiguous.
func seedCorpus(t *testing.T, e *env) (doc, note, episode string) {
	t.Helper()
	doc = e.storeMemory(t, client.StoreRequest{
		Kind:    client.KindDocument,
		Title:   "Postgres replication runbook",
		Source:  "wiki",
		Content: "How to configure postgres streaming replication and promote a standby.",
		Tags:    []string{"infra", "database"},
	}).Node.ID
	note = e.storeMemory(t, client.StoreRequest{
		Kind:    client.KindMemory,
		Title:   "Redis memory sizing",
		Source:  "wiki",
		Content: "Sizing notes for the redis cache tier and eviction tuning.",
		Tags:    []string{"infra", "cache"},
	}).Node.ID
	episode = e.storeMemory(t, client.StoreRequest{
		Kind:    client.KindEpisode,
		Title:   "Standup notes",
		Source:  "meetings",
		Content: "Discussed the deploy pipeline and a flaky smoke test.",
		Tags:    []string{"meetings"},
	}).Node.ID
	return doc, note, episode
}

func TestHybridSearchRanksLexicalOverlap(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	doc, _, _ := seedCorpus(t, e)

	res, err := e.api.Search(ctx, client.SearchRequest{Text: "postgres replication"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Items)
	assert.Equal(t, doc, res.Items[0].Node.ID)
	assert.Greater(t, res.Items[0].Scores.Combined, 0.0)
	assert.Greater(t, res.Items[0].Scores.Text, 0.0)
	assert.Equal(t, "hybrid", res.Perf.Pattern)
	assert.False(t, res.Perf.Cached)
	assert.GreaterOrEqual(t, res.Pagination.Total, 1)
	assert.GreaterOrEqual(t, res.ByKind[client.KindDocument], 1)

	// Returning a hit reinforces it, the same as an explicit access.
	node, err := e.api.Get(ctx, doc)
	require.NoError(t, err)
	require.NotNil(t, node.Metrics)
	assert.GreaterOrEqual(t, node.Metrics.AccessCount, int64(1))
	assert.GreaterOrEqual(t, e.store.accessCount(), 1)
}

func TestSearchSecondCallIsCached(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seedCorpus(t, e)

	req := client.SearchRequest{Text: "redis cache eviction"}
	first, err := e.api.Search(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Perf.Cached)

	second, err := e.api.Search(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Perf.Cached)
	require.Equal(t, len(first.Items), len(second.Items))
	if len(first.Items) > 0 {
		assert.Equal(t, first.Items[0].Node.ID, second.Items[0].Node.ID)
	}
}

func TestSearchPatternSelection(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seedCorpus(t, e)

	semantic, err := e.api.Search(ctx, client.SearchRequest{Text: "related concepts about caching"})
	require.NoError(t, err)
	assert.Equal(t, "semantic", semantic.Perf.Pattern)

	phrase, err := e.api.Search(ctx, client.SearchRequest{Text: `"deploy pipeline"`})
	require.NoError(t, err)
	assert.Equal(t, "exact_phrase", phrase.Perf.Pattern)
}

func TestSearchFiltersByKindAndTag(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, note, episode := seedCorpus(t, e)

	byKind, err := e.api.Search(ctx, client.SearchRequest{
		Text:  "cache sizing",
		Kinds: []client.Kind{client.KindMemory},
	})
	require.NoError(t, err)
	require.NotEmpty(t, byKind.Items)
	for _, item := range byKind.Items {
		assert.Equal(t, client.KindMemory, item.Node.Kind)
	}
	assert.Equal(t, note, byKind.Items[0].Node.ID)

	byTag, err := e.api.Search(ctx, client.SearchRequest{
		Text: "deploy pipeline",
		Tags: []string{"meetings"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, byTag.Items)
	assert.Equal(t, episode, byTag.Items[0].Node.ID)
	for _, item := range byTag.Items {
		assert.Contains(t, item.Node.Tags, "meetings")
	}
}

func TestSearchPagination(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Both rows match the query in every leg, so they occupy the top two
	// ranks and the pages split them.
	a := e.storeMemory(t, client.StoreRequest{
		Kind:    client.KindDocument,
		Title:   "Wiki gardening guide",
		Source:  "wiki",
		Content: "How we keep the wiki tidy.",
	}).Node.ID
	b := e.storeMemory(t, client.StoreRequest{
		Kind:    client.KindDocument,
		Title:   "Wiki style guide",
		Source:  "wiki",
		Content: "Structure and tone rules for the wiki.",
	}).Node.ID
	e.storeMemory(t, client.StoreRequest{
		Kind:    client.KindEpisode,
		Source:  "meetings",
		Content: "Retro action items from the platform sync.",
	})

	pageOne, err := e.api.Search(ctx, client.SearchRequest{Text: "wiki", Limit: 1})
	require.NoError(t, err)
	require.Len(t, pageOne.Items, 1)
	assert.Equal(t, 1, pageOne.Pagination.Limit)
	assert.Equal(t, 0, pageOne.Pagination.Offset)
	assert.GreaterOrEqual(t, pageOne.Pagination.Total, 2)

	pageTwo, err := e.api.Search(ctx, client.SearchRequest{Text: "wiki", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, pageTwo.Items, 1)
	assert.Equal(t, 1, pageTwo.Pagination.Offset)
	assert.Equal(t, pageOne.Pagination.Total, pageTwo.Pagination.Total)

	got := []string{pageOne.Items[0].Node.ID, pageTwo.Items[0].Node.ID}
	assert.NotEqual(t, got[0], got[1])
	assert.ElementsMatch(t, []string{a, b}, got)
}

func TestSearchEmptyTextRejected(t *testing.T) {
	e := newEnv(t)

	_, err := e.api.Search(context.Background(), client.SearchRequest{Text: "   "})
	require.Error(t, err)
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Status)
}

func TestSearchFallsBackToCommunities(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.store.addCommunity(defaultTC(), memory.Community{
		ID:          "comm-1",
		CompanyID:   defaultTenant.CompanyID,
		AppID:       defaultTenant.AppID,
		Name:        "Platform networking",
		Keywords:    []string{"kubernetes", "ingress", "mesh"},
		MemberCount: 4,
	})

	res, err := e.api.Search(ctx, client.SearchRequest{Text: "kubernetes ingress routing"})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Zero(t, res.Pagination.Total)
	require.Len(t, res.Communities, 1)
	assert.Equal(t, "Platform networking", res.Communities[0].Name)
}

func TestAdvancedSearchExpandsAndExplains(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seedCorpus(t, e)

	res, err := e.api.AdvancedSearch(ctx, client.AdvancedSearchRequest{
		SearchRequest: client.SearchRequest{Text: "find deploy notes"},
		Expansion:     true,
		Insights:      true,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"search deploy notes",
		"locate deploy notes",
		"discover deploy notes",
		"find release notes",
		"find ship notes",
	}, res.Expansions)

	require.NotNil(t, res.Insights)
	assert.Equal(t, "navigational", res.Insights.Intent)
	assert.Equal(t, "simple", res.Insights.Complexity)
}

func TestAdvancedSearchClustersResults(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	ids := make([]string, 0, 5)
	topics := []string{"module layout", "state locking", "workspace naming", "provider pinning", "plan reviews"}
	for i, topic := range topics {
		ids = append(ids, e.storeMemory(t, client.StoreRequest{
			Kind:    client.KindDocument,
			Title:   fmt.Sprintf("Terraform guide %d", i+1),
			Source:  "wiki",
			Content: "Terraform conventions for " + topic + ".",
			Tags:    []string{"iac"},
		}).Node.ID)
	}

	res, err := e.api.AdvancedSearch(ctx, client.AdvancedSearchRequest{
		SearchRequest: client.SearchRequest{Text: "terraform"},
		Cluster:       true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Items)
	require.Len(t, res.Clusters, 1)

	cluster := res.Clusters[0]
	assert.Equal(t, "document:wiki", cluster.Label)
	assert.Equal(t, 5, cluster.Size)
	assert.ElementsMatch(t, ids, cluster.IDs)
	assert.Equal(t, res.Items[0].Node.ID, cluster.TopID)
	assert.Greater(t, cluster.Coherence, 0.0)
	assert.LessOrEqual(t, cluster.Coherence, 1.0)
}

func TestRetrieveRanksByImportance(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	plain := e.storeMemory(t, client.StoreRequest{Content: "Alpha rollout summary."}).Node.ID
	pinned := e.storeMemory(t, client.StoreRequest{Content: "Beta rollout summary."}).Node.ID

	one := 1.0
	node, err := e.api.SetImportance(ctx, pinned, client.ImportanceRequest{UserImportance: &one})
	require.NoError(t, err)
	require.NotNil(t, node.Metrics.UserImportance)
	assert.InDelta(t, 1.0, *node.Metrics.UserImportance, 1e-9)

	first, err := e.api.Retrieve(ctx, client.RetrieveParams{})
	require.NoError(t, err)
	require.Equal(t, 2, first.Total)
	require.Len(t, first.Results, 2)
	assert.Equal(t, pinned, first.Results[0].Node.ID)
	assert.Equal(t, plain, first.Results[1].Node.ID)
	assert.InDelta(t, 0.595, first.Results[0].Breakdown.Score, 2e-3)
	assert.InDelta(t, 0.325, first.Results[1].Breakdown.Score, 2e-3)
	assert.True(t, first.Results[0].Breakdown.UsedFallback)
	assert.Equal(t, 2, first.FallbackNodeCount)

	// The second pass reads both scores from the cache.
	second, err := e.api.Retrieve(ctx, client.RetrieveParams{})
	require.NoError(t, err)
	assert.Zero(t, second.FallbackNodeCount)
}

func TestRetrieveFilters(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	fresh := e.storeMemory(t, client.StoreRequest{Content: "Fresh napkin sketch of the ingest flow."}).Node.ID
	faded := e.storeMemory(t, client.StoreRequest{Content: "Forgotten appendix about legacy exports."}).Node.ID
	e.store.rewindAccess(faded, 2*relevance.DefaultTau)

	due, err := e.api.Retrieve(ctx, client.RetrieveParams{NeedsReinforcement: true, SkipCache: true})
	require.NoError(t, err)
	require.Equal(t, 1, due.Total)
	require.Len(t, due.Results, 1)
	assert.Equal(t, faded, due.Results[0].Node.ID)
	assert.NotEqual(t, fresh, due.Results[0].Node.ID)
	assert.True(t, due.Results[0].Breakdown.NeedsReinforcement)
	assert.InDelta(t, 0.0677, due.Results[0].Breakdown.Components.Retrievability, 1e-3)

	strict, err := e.api.Retrieve(ctx, client.RetrieveParams{MinScore: 0.5, SkipCache: true})
	require.NoError(t, err)
	assert.Zero(t, strict.Total)
	assert.Empty(t, strict.Results)

	doc := e.storeMemory(t, client.StoreRequest{Kind: client.KindDocument, Content: "Postmortem template."}).Node.ID
	byKind, err := e.api.Retrieve(ctx, client.RetrieveParams{Kinds: []client.Kind{client.KindDocument}, SkipCache: true})
	require.NoError(t, err)
	require.Equal(t, 1, byKind.Total)
	assert.Equal(t, doc, byKind.Results[0].Node.ID)

	all, err := e.api.Retrieve(ctx, client.RetrieveParams{SkipCache: true})
	require.NoError(t, err)
	require.Equal(t, 3, all.Total)
	assert.Equal(t, faded, all.Results[2].Node.ID)
	assert.False(t, all.Results[0].Breakdown.NeedsReinforcement)
}

func TestScoreExplainsBreakdown(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	id := e.storeMemory(t, client.StoreRequest{
		Content: "postgres streaming replication guide",
	}).Node.ID

	scored, err := e.api.Score(ctx, id, "postgres replication")
	require.NoError(t, err)
	assert.Equal(t, id, scored.NodeID)
	assert.Equal(t, "postgres replication", scored.Query)
	assert.False(t, scored.Breakdown.UsedFallback)
	assert.False(t, scored.Breakdown.NeedsReinforcement)
	assert.Greater(t, scored.Breakdown.Components.Vector, 0.3)
	assert.InDelta(t, 0.30, scored.Breakdown.Weights.Vector, 1e-9)
	assert.InDelta(t, 0.15, scored.Breakdown.Weights.Stability, 1e-9)
	assert.Greater(t, scored.Breakdown.Score, 0.2)
	assert.Zero(t, scored.Breakdown.Components.Graph)

	// Without a query the vector weight is folded into the curve terms.
	fallback, err := e.api.Score(ctx, id, "")
	require.NoError(t, err)
	assert.True(t, fallback.Breakdown.UsedFallback)
	assert.Zero(t, fallback.Breakdown.Weights.Vector)
	assert.InDelta(t, 0.30, fallback.Breakdown.Weights.Stability, 1e-9)
	assert.InDelta(t, 0.35, fallback.Breakdown.Weights.Retrievability, 1e-9)
	assert.InDelta(t, 0.5, fallback.Breakdown.Components.Retrievability, 1e-3)
}
