package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/memory"
	"github.com/mnemora/mnemora/internal/relevance"
	"github.com/mnemora/mnemora/internal/search"
)

// Search handles POST /v1/search. The engine owns limit clamping, pattern
// detection and threshold defaults; the body decodes straight into its
// query type.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var q search.Query
	if err := decodeJSON(w, r, &q); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.searcher.Search(r.Context(), tenantFrom(r), q)
	if err != nil {
		mapError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// AdvancedSearch handles POST /v1/search/advanced.
func (h *Handler) AdvancedSearch(w http.ResponseWriter, r *http.Request) {
	var q search.AdvancedQuery
	if err := decodeJSON(w, r, &q); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.searcher.AdvancedSearch(r.Context(), tenantFrom(r), q)
	if err != nil {
		mapError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type accessRequest struct {
	Kind           string          `json:"kind" validate:"required,oneof=retrieve view edit share"`
	Context        string          `json:"context" validate:"required,oneof=query related manual system"`
	RelevanceScore float64         `json:"relevance_score" validate:"gte=0,lte=1"`
	Metadata       memory.Metadata `json:"metadata"`
}

type accessResponse struct {
	Event memory.AccessEvent `json:"event"`
	Node  memory.Node        `json:"node"`
}

// RecordAccess handles POST /v1/memories/{id}/access: append the access
// event, apply the stability boost, and return the refreshed node state.
func (h *Handler) RecordAccess(w http.ResponseWriter, r *http.Request) {
	var req accessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		mapError(w, r, err)
		return
	}

	tc := tenantFrom(r)
	id := chi.URLParam(r, "id")
	ev, err := h.lens.RecordAccess(r.Context(), tc, memory.AccessEvent{
		ContentID:      id,
		Kind:           memory.AccessKind(req.Kind),
		Context:        memory.AccessContext(req.Context),
		RelevanceScore: req.RelevanceScore,
		Metadata:       req.Metadata,
	})
	if err != nil {
		mapError(w, r, err)
		return
	}

	node, err := h.content.Get(r.Context(), tc, id)
	if err != nil {
		// The access itself landed; reads may lag behind the boost.
		h.logger.Warn("post-access read failed", zap.String("node_id", id), zap.Error(err))
		respondJSON(w, http.StatusOK, accessResponse{Event: ev})
		return
	}
	respondJSON(w, http.StatusOK, accessResponse{Event: ev, Node: node})
}

type importanceRequest struct {
	UserImportance *float64 `json:"user_importance" validate:"omitempty,gte=0,lte=1"`
	AIImportance   *float64 `json:"ai_importance" validate:"omitempty,gte=0,lte=1"`
}

// SetImportance handles PUT /v1/memories/{id}/importance. Omitted fields
// keep their stored value; at least one must be present.
func (h *Handler) SetImportance(w http.ResponseWriter, r *http.Request) {
	var req importanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserImportance == nil && req.AIImportance == nil {
		writeProblem(w, r, http.StatusBadRequest, "at least one of user_importance, ai_importance is required")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		mapError(w, r, err)
		return
	}

	tc := tenantFrom(r)
	id := chi.URLParam(r, "id")
	if err := h.lens.SetImportance(r.Context(), tc, id, req.UserImportance, req.AIImportance); err != nil {
		mapError(w, r, err)
		return
	}

	node, err := h.content.Get(r.Context(), tc, id)
	if err != nil {
		mapError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, node)
}

type scoreResponse struct {
	NodeID    string              `json:"node_id"`
	Query     string              `json:"query,omitempty"`
	Breakdown relevance.Breakdown `json:"breakdown"`
}

// Score handles GET /v1/memories/{id}/score?query=. Without a query the
// score uses the no-vector fallback weighting.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	query := r.URL.Query().Get("query")

	breakdown, err := h.lens.Score(r.Context(), tenantFrom(r), query, id)
	if err != nil {
		mapError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, scoreResponse{NodeID: id, Query: query, Breakdown: breakdown})
}

// Retrieve handles GET /v1/memories: a relevance-ordered page of the
// tenant's memories, filtered by query parameters.
func (h *Handler) Retrieve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := relevance.RetrieveFilter{
		Tags:      splitCSV(q.Get("tags")),
		Limit:     queryInt(r, "limit", 0),
		Offset:    queryInt(r, "offset", 0),
		SkipCache: q.Get("skip_cache") == "true",
	}
	for _, k := range splitCSV(q.Get("kinds")) {
		kind := memory.Kind(k)
		if !memory.ValidKind(kind) {
			writeProblem(w, r, http.StatusBadRequest, "unknown kind "+strconv.Quote(k))
			return
		}
		filter.Kinds = append(filter.Kinds, kind)
	}
	if raw := q.Get("min_score"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			writeProblem(w, r, http.StatusBadRequest, "min_score must be a number in [0,1]")
			return
		}
		filter.MinScore = v
	}
	filter.NeedsReinforcement = q.Get("needs_reinforcement") == "true"

	res, err := h.lens.Retrieve(r.Context(), tenantFrom(r), filter)
	if err != nil {
		mapError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type rippleResponse struct {
	SourceID string `json:"source_id"`
	Status   string `json:"status"`
}

// Ripple handles POST /v1/memories/{id}/ripple: a manual propagation
// trigger. The work runs on the ripple queue; duplicate triggers for the
// same source collapse onto the in-flight task.
func (h *Handler) Ripple(w http.ResponseWriter, r *http.Request) {
	if h.ripple == nil {
		writeProblem(w, r, http.StatusServiceUnavailable, "Ripple propagation is disabled")
		return
	}

	tc := tenantFrom(r)
	id := chi.URLParam(r, "id")
	if _, err := h.content.Get(r.Context(), tc, id); err != nil {
		mapError(w, r, err)
		return
	}
	if err := h.ripple.EnqueueBoost(r.Context(), tc, id); err != nil {
		mapError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, rippleResponse{SourceID: id, Status: "queued"})
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
