// Package vector implements the vector store against the Qdrant HTTP API.
// Points are projections of relational nodes: the point id is a UUID
// derived from (tenant, node id) and the payload carries the fields search
// filters on. Calls run behind a circuit breaker so a struggling Qdrant
// degrades hybrid search instead of stalling it.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/config"
	"github.com/mnemora/mnemora/internal/memory"
	"github.com/mnemora/mnemora/internal/tenant"
)

// pointNamespace seeds the deterministic point id derivation.
var pointNamespace = uuid.MustParse("9f2c1ad4-73a5-4f6e-8d80-3f6a0d1b5ce2")

// PointID returns the Qdrant point id for a node. Derived from the tenant
// and node id so equal node ids in different tenants never collide.
func PointID(tc tenant.Context, nodeID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(tc.TenantID()+"/"+nodeID)).String()
}

// Client talks to one Qdrant collection.
type Client struct {
	baseURL    string
	apiKey     string
	collection string
	dimensions int
	httpc      *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// New builds a client from configuration. EnsureCollection must run before
// the first write.
func New(cfg config.QdrantConfig, logger *zap.Logger) *Client {
	logger = logger.Named("qdrant")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "qdrant",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Caller mistakes (4xx) say nothing about Qdrant's health.
			var ce *clientError
			return errors.As(err, &ce)
		},
	})

	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dimensions: cfg.Dimensions,
		httpc:      &http.Client{Timeout: cfg.Timeout.Std()},
		breaker:    breaker,
		logger:     logger,
	}
}

// statusError is a non-2xx Qdrant response.
type statusError struct {
	Status int
	Reason string
}

func (e *statusError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("qdrant returned %d", e.Status)
	}
	return fmt.Sprintf("qdrant returned %d: %s", e.Status, e.Reason)
}

type envelope struct {
	Status json.RawMessage `json:"status"`
	Result json.RawMessage `json:"result"`
}

func (c *Client) wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	code := ""
	var se *statusError
	switch {
	case errors.As(err, &se):
		code = strconv.Itoa(se.Status)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		code = "circuit_open"
	}
	return memory.NewStoreError(memory.StoreVector, op, code, err)
}

// do sends one request through the breaker and decodes the result envelope
// into out when out is non-nil. Client errors (4xx) do not count against
// the breaker; only transport failures and 5xx responses do.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(buf)
	}

	result, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("api-key", c.apiKey)
		}

		res, err := c.httpc.Do(req)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
		if err != nil {
			return nil, err
		}
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			se := &statusError{Status: res.StatusCode, Reason: errorReason(raw)}
			if res.StatusCode < 500 {
				// Report but do not trip the breaker on caller mistakes.
				return nil, &clientError{se}
			}
			return nil, se
		}
		return raw, nil
	})
	if err != nil {
		var ce *clientError
		if errors.As(err, &ce) {
			return ce.statusError
		}
		return err
	}

	if out == nil {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(result.([]byte), &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(env.Result) == 0 {
		return nil
	}
	return json.Unmarshal(env.Result, out)
}

// clientError wraps a 4xx so the breaker's IsSuccessful default treats it
// as a failure only at the call site, not in the failure counts.
type clientError struct {
	*statusError
}

func (e *clientError) Error() string { return e.statusError.Error() }

func errorReason(raw []byte) string {
	var body struct {
		Status struct {
			Error string `json:"error"`
		} `json:"status"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return body.Status.Error
}

// EnsureCollection creates the collection and its payload indexes when
// they do not exist yet.
func (c *Client) EnsureCollection(ctx context.Context) error {
	err := c.do(ctx, http.MethodGet, "/collections/"+c.collection, nil, nil)
	if err == nil {
		return nil
	}
	var se *statusError
	if !errors.As(err, &se) || se.Status != http.StatusNotFound {
		return c.wrapErr("ensure collection", err)
	}

	create := map[string]any{
		"vectors": map[string]any{
			"size":     c.dimensions,
			"distance": "Cosine",
		},
	}
	if err := c.do(ctx, http.MethodPut, "/collections/"+c.collection, create, nil); err != nil {
		return c.wrapErr("create collection", err)
	}

	for _, field := range []struct{ name, schema string }{
		{"company_id", "keyword"},
		{"app_id", "keyword"},
		{"kind", "keyword"},
		{"tags", "keyword"},
	} {
		idx := map[string]any{"field_name": field.name, "field_schema": field.schema}
		if err := c.do(ctx, http.MethodPut, "/collections/"+c.collection+"/index", idx, nil); err != nil {
			return c.wrapErr("create payload index", err)
		}
	}
	c.logger.Info("collection created",
		zap.String("collection", c.collection),
		zap.Int("dimensions", c.dimensions))
	return nil
}

type pointPayload struct {
	NodeID    string   `json:"node_id"`
	CompanyID string   `json:"company_id"`
	AppID     string   `json:"app_id"`
	Kind      string   `json:"kind"`
	Tags      []string `json:"tags,omitempty"`
}

// Upsert writes one node's embedding, waiting for the operation to land so
// a verify read immediately after sees the point.
func (c *Client) Upsert(ctx context.Context, tc tenant.Context, node memory.Node, embedding []float32) error {
	if len(embedding) != c.dimensions {
		return c.wrapErr("upsert", fmt.Errorf("embedding has %d dimensions, collection expects %d", len(embedding), c.dimensions))
	}
	body := map[string]any{
		"points": []map[string]any{{
			"id":     PointID(tc, node.ID),
			"vector": embedding,
			"payload": pointPayload{
				NodeID:    node.ID,
				CompanyID: tc.CompanyID,
				AppID:     tc.AppID,
				Kind:      string(node.Kind),
				Tags:      node.Tags,
			},
		}},
	}
	if err := c.do(ctx, http.MethodPut, "/collections/"+c.collection+"/points?wait=true", body, nil); err != nil {
		return c.wrapErr("upsert", err)
	}
	return nil
}

type matchClause struct {
	Key   string `json:"key"`
	Match any    `json:"match"`
}

type matchValue struct {
	Value string `json:"value"`
}

type matchAny struct {
	Any []string `json:"any"`
}

type searchFilter struct {
	Must []matchClause `json:"must"`
}

func tenantFilter(tc tenant.Context, kinds []memory.Kind, tags []string) *searchFilter {
	f := &searchFilter{Must: []matchClause{
		{Key: "company_id", Match: matchValue{Value: tc.CompanyID}},
		{Key: "app_id", Match: matchValue{Value: tc.AppID}},
	}}
	if len(kinds) > 0 {
		values := make([]string, len(kinds))
		for i, k := range kinds {
			values[i] = string(k)
		}
		f.Must = append(f.Must, matchClause{Key: "kind", Match: matchAny{Any: values}})
	}
	if len(tags) > 0 {
		f.Must = append(f.Must, matchClause{Key: "tags", Match: matchAny{Any: tags}})
	}
	return f
}

// SearchParams narrow a similarity search. Threshold drops matches scoring
// below it inside Qdrant; zero disables the cutoff.
type SearchParams struct {
	Kinds     []memory.Kind
	Tags      []string
	Limit     int
	Threshold float64
}

// Hit is one similarity match, scored by cosine similarity.
type Hit struct {
	NodeID string
	Score  float64
}

// Search returns the nearest points for the tenant, best first.
func (c *Client) Search(ctx context.Context, tc tenant.Context, vector []float32, params SearchParams) ([]Hit, error) {
	body := map[string]any{
		"vector":       vector,
		"limit":        params.Limit,
		"with_payload": true,
		"filter":       tenantFilter(tc, params.Kinds, params.Tags),
	}
	if params.Threshold > 0 {
		body["score_threshold"] = params.Threshold
	}
	var result []struct {
		Score   float64      `json:"score"`
		Payload pointPayload `json:"payload"`
	}
	if err := c.do(ctx, http.MethodPost, "/collections/"+c.collection+"/points/search", body, &result); err != nil {
		return nil, c.wrapErr("search", err)
	}

	hits := make([]Hit, 0, len(result))
	for _, r := range result {
		hits = append(hits, Hit{NodeID: r.Payload.NodeID, Score: r.Score})
	}
	return hits, nil
}

// Vector returns the stored embedding for a node, used to run
// similar-to-this searches without re-embedding.
func (c *Client) Vector(ctx context.Context, tc tenant.Context, nodeID string) ([]float32, error) {
	body := map[string]any{
		"ids":          []string{PointID(tc, nodeID)},
		"with_vector":  true,
		"with_payload": false,
	}
	var result []struct {
		Vector []float32 `json:"vector"`
	}
	if err := c.do(ctx, http.MethodPost, "/collections/"+c.collection+"/points", body, &result); err != nil {
		return nil, c.wrapErr("retrieve", err)
	}
	if len(result) == 0 {
		return nil, memory.ErrNodeNotFound
	}
	return result[0].Vector, nil
}

// Delete removes a node's point. Deleting an absent point is not an error.
func (c *Client) Delete(ctx context.Context, tc tenant.Context, nodeID string) error {
	body := map[string]any{
		"points": []string{PointID(tc, nodeID)},
	}
	if err := c.do(ctx, http.MethodPost, "/collections/"+c.collection+"/points/delete?wait=true", body, nil); err != nil {
		return c.wrapErr("delete", err)
	}
	return nil
}

// Count returns the exact number of points stored for the tenant.
func (c *Client) Count(ctx context.Context, tc tenant.Context) (int64, error) {
	body := map[string]any{
		"filter": tenantFilter(tc, nil, nil),
		"exact":  true,
	}
	var result struct {
		Count int64 `json:"count"`
	}
	if err := c.do(ctx, http.MethodPost, "/collections/"+c.collection+"/points/count", body, &result); err != nil {
		return 0, c.wrapErr("count", err)
	}
	return result.Count, nil
}

// Exists reports whether a node's point is present. The write saga's
// verify step uses it to confirm the vector projection landed.
func (c *Client) Exists(ctx context.Context, tc tenant.Context, nodeID string) (bool, error) {
	body := map[string]any{
		"ids":          []string{PointID(tc, nodeID)},
		"with_vector":  false,
		"with_payload": false,
	}
	var result []struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/collections/"+c.collection+"/points", body, &result); err != nil {
		return false, c.wrapErr("exists", err)
	}
	return len(result) > 0, nil
}

// Ping checks the Qdrant readiness endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/readyz", nil, nil); err != nil {
		return c.wrapErr("ping", err)
	}
	return nil
}
