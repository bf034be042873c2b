package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Search runs a hybrid search across the vector, metadata and text legs.
func (c *Client) Search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	var res SearchResult
	if err := c.do(ctx, http.MethodPost, "/v1/search", nil, req, &res); err != nil {
		return SearchResult{}, err
	}
	return res, nil
}

// AdvancedSearch runs a hybrid search with the requested pipeline stages
// (expansion, rerank, diversification, clustering, insights) layered on.
func (c *Client) AdvancedSearch(ctx context.Context, req AdvancedSearchRequest) (AdvancedSearchResult, error) {
	var res AdvancedSearchResult
	if err := c.do(ctx, http.MethodPost, "/v1/search/advanced", nil, req, &res); err != nil {
		return AdvancedSearchResult{}, err
	}
	return res, nil
}

// Retrieve lists the tenant's memories ordered by live composite
// relevance, no query text required.
func (c *Client) Retrieve(ctx context.Context, params RetrieveParams) (RetrieveResult, error) {
	q := url.Values{}
	if len(params.Kinds) > 0 {
		kinds := make([]string, len(params.Kinds))
		for i, k := range params.Kinds {
			kinds[i] = string(k)
		}
		q.Set("kinds", strings.Join(kinds, ","))
	}
	if len(params.Tags) > 0 {
		q.Set("tags", strings.Join(params.Tags, ","))
	}
	if params.MinScore > 0 {
		q.Set("min_score", strconv.FormatFloat(params.MinScore, 'f', -1, 64))
	}
	if params.NeedsReinforcement {
		q.Set("needs_reinforcement", "true")
	}
	if params.SkipCache {
		q.Set("skip_cache", "true")
	}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Offset > 0 {
		q.Set("offset", strconv.Itoa(params.Offset))
	}

	var res RetrieveResult
	if err := c.do(ctx, http.MethodGet, "/v1/memories", q, nil, &res); err != nil {
		return RetrieveResult{}, err
	}
	return res, nil
}

// Score explains a memory's composite relevance. A non-empty query adds
// the vector similarity component.
func (c *Client) Score(ctx context.Context, id, query string) (ScoreResult, error) {
	q := url.Values{}
	if query != "" {
		q.Set("query", query)
	}
	var res ScoreResult
	if err := c.do(ctx, http.MethodGet, "/v1/memories/"+url.PathEscape(id)+"/score", q, nil, &res); err != nil {
		return ScoreResult{}, err
	}
	return res, nil
}
