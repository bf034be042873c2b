// Package api exposes the service over HTTP: a chi router, bearer auth,
// tenant header extraction, RFC 7807 problem responses, and handlers that
// translate between JSON bodies and the engines.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/memory"
	"github.com/mnemora/mnemora/internal/metrics"
	"github.com/mnemora/mnemora/internal/relevance"
	"github.com/mnemora/mnemora/internal/saga"
	"github.com/mnemora/mnemora/internal/search"
	"github.com/mnemora/mnemora/internal/tenant"
	"github.com/mnemora/mnemora/internal/validation"
)

// maxBodyBytes bounds request bodies; memory content is capped well below.
const maxBodyBytes = 4 << 20

// Writer runs multi-store writes. Implemented by saga.Coordinator.
type Writer interface {
	Store(ctx context.Context, tc tenant.Context, in saga.WriteInput) (saga.Result, error)
	Delete(ctx context.Context, tc tenant.Context, id string) error
	Reproject(ctx context.Context, tc tenant.Context, node memory.Node) error
}

// Searcher runs hybrid and advanced searches. Implemented by search.Engine.
type Searcher interface {
	Search(ctx context.Context, tc tenant.Context, q search.Query) (search.Result, error)
	AdvancedSearch(ctx context.Context, tc tenant.Context, q search.AdvancedQuery) (search.AdvancedResult, error)
}

// Lens scores, reinforces and retrieves memories. Implemented by
// relevance.Engine.
type Lens interface {
	Score(ctx context.Context, tc tenant.Context, query, nodeID string) (relevance.Breakdown, error)
	RecordAccess(ctx context.Context, tc tenant.Context, ev memory.AccessEvent) (memory.AccessEvent, error)
	SetImportance(ctx context.Context, tc tenant.Context, nodeID string, userImportance, aiImportance *float64) error
	Retrieve(ctx context.Context, tc tenant.Context, f relevance.RetrieveFilter) (relevance.RetrieveResult, error)
}

// RippleQueue schedules boost propagation. Implemented by
// worker.RippleEnqueuer; tests substitute an inline propagator.
type RippleQueue interface {
	EnqueueBoost(ctx context.Context, tc tenant.Context, sourceID string) error
}

// ContentStore serves single-node reads and the permission and version
// surfaces. Implemented by postgres.Store.
type ContentStore interface {
	Get(ctx context.Context, tc tenant.Context, id string) (memory.Node, error)
	ListVersions(ctx context.Context, tc tenant.Context, memoryID string, limit int) ([]memory.Version, error)
	RestoreVersion(ctx context.Context, tc tenant.Context, memoryID string, version int) (memory.Node, error)
	ListPermissions(ctx context.Context, tc tenant.Context, memoryID string) ([]memory.Permission, error)
	GrantPermission(ctx context.Context, tc tenant.Context, p memory.Permission) error
	RevokePermission(ctx context.Context, tc tenant.Context, memoryID, userID string) error
}

// Pinger is a health-checkable backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler implements the HTTP handlers.
type Handler struct {
	writer   Writer
	searcher Searcher
	lens     Lens
	ripple   RippleQueue
	content  ContentStore
	pingers  map[string]Pinger
	validate *validator.Validate
	token    string
	version  string
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewHandler wires the engines into an HTTP surface. pingers maps a
// backing-service name to its health check; ripple may be nil when
// propagation is disabled.
func NewHandler(
	writer Writer,
	searcher Searcher,
	lens Lens,
	rippleQueue RippleQueue,
	content ContentStore,
	pingers map[string]Pinger,
	token, version string,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Handler {
	return &Handler{
		writer:   writer,
		searcher: searcher,
		lens:     lens,
		ripple:   rippleQueue,
		content:  content,
		pingers:  pingers,
		validate: validation.New(),
		token:    token,
		version:  version,
		logger:   logger.Named("api"),
		metrics:  m,
	}
}

// decodeJSON decodes a bounded JSON body into dst, rejecting trailing data.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON: trailing data after body")
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// tenantFrom returns the tenant the middleware stored. The middleware runs
// on every authenticated route, so a miss is a wiring bug.
func tenantFrom(r *http.Request) tenant.Context {
	tc, ok := tenant.FromContext(r.Context())
	if !ok {
		panic("api: handler reached without tenant middleware")
	}
	return tc
}

type healthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks"`
}

// Health reports liveness plus one check per backing service. The endpoint
// answers 200 as long as the process serves; individual check failures mark
// the response degraded rather than failing it.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: h.version,
		Checks:  make(map[string]string, len(h.pingers)),
	}
	for name, p := range h.pingers {
		if err := p.Ping(r.Context()); err != nil {
			resp.Checks[name] = "unavailable"
			resp.Status = "degraded"
			h.logger.Warn("health check failed", zap.String("service", name), zap.Error(err))
			continue
		}
		resp.Checks[name] = "ok"
	}
	respondJSON(w, http.StatusOK, resp)
}
