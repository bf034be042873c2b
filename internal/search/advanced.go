package search

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mnemora/mnemora/internal/memory"
	"github.com/mnemora/mnemora/internal/tenant"
)

// Preferences personalises reranking.
type Preferences struct {
	RecentIDs        []string      `json:"recent_ids,omitempty"`
	PreferredKinds   []memory.Kind `json:"preferred_kinds,omitempty"`
	PreferredSources []string      `json:"preferred_sources,omitempty"`
}

// AdvancedQuery wraps a hybrid query with opt-in pipeline stages.
// Diversity > 0 activates diversification; MaxRerank caps how deep the
// rerank stage reaches (at most 100).
type AdvancedQuery struct {
	Query
	Expansion bool        `json:"expansion"`
	Rerank    bool        `json:"rerank"`
	Diversity float64     `json:"diversity"`
	Cluster   bool        `json:"cluster"`
	Insights  bool        `json:"insights"`
	MaxRerank int         `json:"max_rerank"`
	Prefs     Preferences `json:"prefs"`
}

// Cluster is a group of results sharing kind and source. Coherence is
// 1/(1+variance) of member scores: tight clusters approach 1.
type Cluster struct {
	Label     string   `json:"label"`
	Size      int      `json:"size"`
	Coherence float64  `json:"coherence"`
	TopID     string   `json:"top_id"`
	IDs       []string `json:"ids"`
}

// Insights describes the query itself rather than any one result.
type Insights struct {
	Intent      string   `json:"intent"`
	Complexity  string   `json:"complexity"`
	KindCount   int      `json:"kind_count"`
	SourceCount int      `json:"source_count"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// AdvancedResult extends a hybrid result with pipeline artefacts.
type AdvancedResult struct {
	Result
	Expansions []string  `json:"expansions,omitempty"`
	Clusters   []Cluster `json:"clusters,omitempty"`
	Insights   *Insights `json:"insights,omitempty"`
}

const (
	maxRerankCap   = 100
	duplicateBoost = 1.1
	parallelAlts   = 2
)

// AdvancedSearch layers expansion, reranking, diversification, clustering
// and insight generation over hybrid search. The base query failing fails
// the request; a failing expansion query only loses its contribution.
func (e *Engine) AdvancedSearch(ctx context.Context, tc tenant.Context, aq AdvancedQuery) (AdvancedResult, error) {
	if err := tc.Validate(); err != nil {
		return AdvancedResult{}, err
	}
	e.normalize(&aq.Query)
	if aq.Text == "" {
		return AdvancedResult{}, memory.ErrEmptyQuery
	}
	if aq.MaxRerank <= 0 || aq.MaxRerank > maxRerankCap {
		aq.MaxRerank = maxRerankCap
	}

	start := e.now()
	queries := []string{aq.Text}
	var expansions []string
	if aq.Expansion {
		expansions = ExpandQuery(aq.Text)
		alts := expansions
		if len(alts) > parallelAlts {
			alts = alts[:parallelAlts]
		}
		queries = append(queries, alts...)
	}

	results := make([]Result, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, text := range queries {
		g.Go(func() error {
			sub := aq.Query
			sub.Text = text
			sub.Offset = 0
			res, err := e.run(gctx, tc, sub, false)
			if err != nil {
				if i == 0 {
					return err
				}
				e.logger.Warn("expansion query failed, dropping its results",
					zap.String("query", text), zap.Error(err))
				return gctx.Err()
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return AdvancedResult{}, err
	}

	merged := mergeMulti(results)
	if aq.Rerank {
		rerank(merged, aq.Prefs, aq.MaxRerank, e.now())
	}
	if aq.Diversity > 0 {
		diversify(merged, aq.Diversity)
	}

	total := len(merged)
	page := merged
	if aq.Offset >= len(page) {
		page = []Item{}
	} else {
		end := aq.Offset + aq.Limit
		if end > len(page) {
			end = len(page)
		}
		page = page[aq.Offset:end]
	}

	res := AdvancedResult{
		Result: Result{
			Items:  page,
			ByKind: countByKind(page),
			Pagination: Pagination{
				Limit:  aq.Limit,
				Offset: aq.Offset,
				Total:  total,
			},
			Perf: results[0].Perf,
		},
		Expansions: expansions,
	}
	if aq.Cluster && len(merged) >= 5 {
		res.Clusters = clusterItems(merged)
	}
	if aq.Insights {
		insights := buildInsights(aq.Text, merged)
		res.Insights = &insights
	}
	res.Perf.TotalMS = e.now().Sub(start).Milliseconds()

	e.recordAccesses(ctx, tc, page)
	return res, nil
}

// mergeMulti combines the per-query results, keeping each node's best
// scores and boosting nodes that several phrasings agreed on.
func mergeMulti(results []Result) []Item {
	byID := make(map[string]*Item)
	hits := make(map[string]int)
	for _, res := range results {
		for _, item := range res.Items {
			hits[item.Node.ID]++
			cur, ok := byID[item.Node.ID]
			if !ok || item.Scores.Combined > cur.Scores.Combined {
				copied := item
				byID[item.Node.ID] = &copied
			}
		}
	}

	merged := make([]Item, 0, len(byID))
	for id, item := range byID {
		if hits[id] > 1 {
			item.Scores.Combined *= duplicateBoost
		}
		merged = append(merged, *item)
	}
	sortItems(merged)
	return merged
}

func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Scores.Combined != items[j].Scores.Combined {
			return items[i].Scores.Combined > items[j].Scores.Combined
		}
		return items[i].Node.ID < items[j].Node.ID
	})
}

// rerank applies contextual multipliers to the head of the ranking and
// re-sorts. Recency reads CreatedAt; a zero timestamp earns no boost.
func rerank(items []Item, prefs Preferences, maxRerank int, now time.Time) {
	recent := make(map[string]struct{}, len(prefs.RecentIDs))
	for _, id := range prefs.RecentIDs {
		recent[id] = struct{}{}
	}
	kinds := make(map[memory.Kind]struct{}, len(prefs.PreferredKinds))
	for _, k := range prefs.PreferredKinds {
		kinds[k] = struct{}{}
	}
	sources := make(map[string]struct{}, len(prefs.PreferredSources))
	for _, s := range prefs.PreferredSources {
		sources[s] = struct{}{}
	}

	depth := len(items)
	if depth > maxRerank {
		depth = maxRerank
	}
	for i := 0; i < depth; i++ {
		factor := 1.0
		node := items[i].Node
		if _, ok := recent[node.ID]; ok {
			factor *= 1.20
		}
		if _, ok := kinds[node.Kind]; ok {
			factor *= 1.15
		}
		if _, ok := sources[node.Source]; ok && node.Source != "" {
			factor *= 1.10
		}
		if !node.CreatedAt.IsZero() {
			age := now.Sub(node.CreatedAt)
			switch {
			case age <= 7*24*time.Hour:
				factor *= 1.15
			case age <= 30*24*time.Hour:
				factor *= 1.05
			}
		}
		items[i].Scores.Combined *= factor
	}
	sortItems(items)
}

// diversify walks the ranking in order and penalises repeats: a node whose
// source was already seen loses 0.5·factor of its score, a repeated kind
// loses 0.3·factor. The list is re-sorted afterwards.
func diversify(items []Item, factor float64) {
	if factor > 1 {
		factor = 1
	}
	seenSources := make(map[string]struct{})
	seenKinds := make(map[memory.Kind]struct{})
	for i := range items {
		node := items[i].Node
		if node.Source != "" {
			if _, ok := seenSources[node.Source]; ok {
				items[i].Scores.Combined *= 1 - 0.5*factor
			}
			seenSources[node.Source] = struct{}{}
		}
		if _, ok := seenKinds[node.Kind]; ok {
			items[i].Scores.Combined *= 1 - 0.3*factor
		}
		seenKinds[node.Kind] = struct{}{}
	}
	sortItems(items)
}

// clusterItems groups results by (kind, source) and reports groups of two
// or more, largest first.
func clusterItems(items []Item) []Cluster {
	type group struct {
		label  string
		ids    []string
		scores []float64
	}
	groups := make(map[string]*group)
	order := make([]string, 0)
	for _, item := range items {
		source := item.Node.Source
		if source == "" {
			source = "unsourced"
		}
		label := string(item.Node.Kind) + ":" + source
		grp, ok := groups[label]
		if !ok {
			grp = &group{label: label}
			groups[label] = grp
			order = append(order, label)
		}
		grp.ids = append(grp.ids, item.Node.ID)
		grp.scores = append(grp.scores, item.Scores.Combined)
	}

	clusters := make([]Cluster, 0, len(order))
	for _, label := range order {
		grp := groups[label]
		if len(grp.ids) < 2 {
			continue
		}
		clusters = append(clusters, Cluster{
			Label:     grp.label,
			Size:      len(grp.ids),
			Coherence: 1 / (1 + variance(grp.scores)),
			TopID:     grp.ids[0],
			IDs:       grp.ids,
		})
	}
	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].Size != clusters[j].Size {
			return clusters[i].Size > clusters[j].Size
		}
		return clusters[i].Label < clusters[j].Label
	})
	return clusters
}

func variance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var sum float64
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return sum / float64(len(values))
}

var intentKeywords = map[string]string{
	"what": "factual", "when": "factual", "who": "factual",
	"define": "factual", "is": "factual", "does": "factual",
	"find": "navigational", "show": "navigational", "open": "navigational",
	"where": "navigational", "locate": "navigational", "go": "navigational",
	"create": "transactional", "update": "transactional", "delete": "transactional",
	"add": "transactional", "remove": "transactional", "set": "transactional",
}

// buildInsights classifies the query and suggests refinements drawn from
// the tags the result set actually carries.
func buildInsights(query string, items []Item) Insights {
	words := strings.Fields(strings.ToLower(phraseText(query)))

	intent := "exploratory"
	if len(words) > 0 {
		if mapped, ok := intentKeywords[strings.Trim(words[0], `"'.,!?`)]; ok {
			intent = mapped
		}
	}

	complexity := "complex"
	switch {
	case len(words) <= 3:
		complexity = "simple"
	case len(words) <= 7:
		complexity = "moderate"
	}

	kinds := make(map[memory.Kind]struct{})
	sources := make(map[string]struct{})
	tagCounts := make(map[string]int)
	inQuery := make(map[string]struct{}, len(words))
	for _, w := range words {
		inQuery[strings.Trim(w, `"'.,!?`)] = struct{}{}
	}
	for _, item := range items {
		kinds[item.Node.Kind] = struct{}{}
		if item.Node.Source != "" {
			sources[item.Node.Source] = struct{}{}
		}
		for _, tag := range item.Node.Tags {
			if _, dup := inQuery[strings.ToLower(tag)]; !dup {
				tagCounts[strings.ToLower(tag)]++
			}
		}
	}

	tags := make([]string, 0, len(tagCounts))
	for tag := range tagCounts {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		if tagCounts[tags[i]] != tagCounts[tags[j]] {
			return tagCounts[tags[i]] > tagCounts[tags[j]]
		}
		return tags[i] < tags[j]
	})
	if len(tags) > 3 {
		tags = tags[:3]
	}
	suggestions := make([]string, 0, len(tags))
	for _, tag := range tags {
		suggestions = append(suggestions, strings.TrimSpace(query)+" "+tag)
	}

	return Insights{
		Intent:      intent,
		Complexity:  complexity,
		KindCount:   len(kinds),
		SourceCount: len(sources),
		Suggestions: suggestions,
	}
}
