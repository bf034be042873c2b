package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/memory"
	"github.com/mnemora/mnemora/internal/saga"
)

type relationshipRequest struct {
	FromID   string          `json:"from_id" validate:"omitempty,node_id"`
	ToID     string          `json:"to_id" validate:"omitempty,node_id"`
	Type     string          `json:"type" validate:"required,oneof=TEMPORAL CAUSAL MENTIONS RELATES_TO"`
	Weight   float64         `json:"weight" validate:"gte=0,lte=1"`
	Metadata memory.Metadata `json:"metadata"`
}

type storeRequest struct {
	ID             string                `json:"id" validate:"omitempty,node_id"`
	Kind           string                `json:"kind" validate:"omitempty,oneof=memory document episode chunk"`
	Title          string                `json:"title" validate:"max=512"`
	Source         string                `json:"source" validate:"max=512"`
	Content        string                `json:"content" validate:"required,max=65536"`
	Metadata       memory.Metadata       `json:"metadata"`
	Tags           []string              `json:"tags" validate:"max=32,dive,max=64"`
	SessionID      string                `json:"session_id" validate:"omitempty,node_id"`
	HierarchyLevel int                   `json:"hierarchy_level" validate:"gte=0,lte=10"`
	ParentID       *string               `json:"parent_id" validate:"omitempty,node_id"`
	UserImportance *float64              `json:"user_importance" validate:"omitempty,gte=0,lte=1"`
	AIImportance   *float64              `json:"ai_importance" validate:"omitempty,gte=0,lte=1"`
	UpdatedAt      *time.Time            `json:"updated_at"`
	IdempotencyKey string                `json:"idempotency_key" validate:"omitempty,max=128"`
	Relationships  []relationshipRequest `json:"relationships" validate:"max=32,dive"`
}

// StoreMemory handles POST /v1/memories. The Idempotency-Key header wins
// over the body field; retries with the same key converge on one node.
func (h *Handler) StoreMemory(w http.ResponseWriter, r *http.Request) {
	var req storeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		mapError(w, r, err)
		return
	}

	tc := tenantFrom(r)
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	if req.SessionID == "" {
		req.SessionID = tc.SessionID
	}

	node := memory.Node{
		ID:             req.ID,
		Kind:           memory.Kind(req.Kind),
		Title:          req.Title,
		Source:         req.Source,
		Content:        req.Content,
		Metadata:       req.Metadata,
		Tags:           req.Tags,
		SessionID:      req.SessionID,
		HierarchyLevel: req.HierarchyLevel,
		ParentID:       req.ParentID,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.UpdatedAt != nil {
		node.UpdatedAt = *req.UpdatedAt
	}
	if req.UserImportance != nil || req.AIImportance != nil {
		node.Metrics = &memory.Metrics{
			UserImportance: req.UserImportance,
			AIImportance:   req.AIImportance,
		}
	}

	rels := make([]memory.Relationship, 0, len(req.Relationships))
	for _, rr := range req.Relationships {
		rels = append(rels, memory.Relationship{
			FromID:   rr.FromID,
			ToID:     rr.ToID,
			Type:     memory.RelationshipType(rr.Type),
			Weight:   rr.Weight,
			Metadata: rr.Metadata,
		})
	}

	res, err := h.writer.Store(r.Context(), tc, saga.WriteInput{Node: node, Relationships: rels})
	if err != nil {
		h.logger.Error("store failed", zap.String("tenant", tc.TenantID()), zap.Error(err))
		mapError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	respondJSON(w, status, res)
}

// GetMemory handles GET /v1/memories/{id}.
func (h *Handler) GetMemory(w http.ResponseWriter, r *http.Request) {
	node, err := h.content.Get(r.Context(), tenantFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		mapError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, node)
}

// DeleteMemory handles DELETE /v1/memories/{id}.
func (h *Handler) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	tc := tenantFrom(r)
	id := chi.URLParam(r, "id")
	if err := h.writer.Delete(r.Context(), tc, id); err != nil {
		mapError(w, r, err)
		return
	}
	h.logger.Info("memory deleted", zap.String("node_id", id), zap.String("tenant", tc.TenantID()))
	w.WriteHeader(http.StatusNoContent)
}

type versionsResponse struct {
	MemoryID string           `json:"memory_id"`
	Versions []memory.Version `json:"versions"`
}

// ListVersions handles GET /v1/memories/{id}/versions.
func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	id := chi.URLParam(r, "id")
	versions, err := h.content.ListVersions(r.Context(), tenantFrom(r), id, limit)
	if err != nil {
		mapError(w, r, err)
		return
	}
	if versions == nil {
		versions = []memory.Version{}
	}
	respondJSON(w, http.StatusOK, versionsResponse{MemoryID: id, Versions: versions})
}

type restoreResponse struct {
	Node        memory.Node `json:"node"`
	Reprojected bool        `json:"reprojected"`
}

// RestoreVersion handles POST /v1/memories/{id}/versions/{version}/restore.
// The relational restore is authoritative; a failed reprojection degrades
// the response rather than undoing the restore.
func (h *Handler) RestoreVersion(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version < 1 {
		writeProblem(w, r, http.StatusBadRequest, "version must be a positive integer")
		return
	}

	tc := tenantFrom(r)
	id := chi.URLParam(r, "id")
	node, err := h.content.RestoreVersion(r.Context(), tc, id, version)
	if err != nil {
		mapError(w, r, err)
		return
	}

	resp := restoreResponse{Node: node, Reprojected: true}
	if err := h.writer.Reproject(r.Context(), tc, node); err != nil {
		resp.Reprojected = false
		h.logger.Warn("restore reprojection failed",
			zap.String("node_id", id),
			zap.Int("version", version),
			zap.Error(err))
	}
	respondJSON(w, http.StatusOK, resp)
}

type grantRequest struct {
	UserID    string     `json:"user_id" validate:"required,node_id"`
	Role      string     `json:"role" validate:"required,oneof=read write admin"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// GrantPermission handles PUT /v1/memories/{id}/permissions. Granting the
// same user again replaces the existing role.
func (h *Handler) GrantPermission(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		mapError(w, r, err)
		return
	}

	tc := tenantFrom(r)
	perm := memory.Permission{
		MemoryID:  chi.URLParam(r, "id"),
		UserID:    req.UserID,
		Role:      memory.Role(req.Role),
		GrantedBy: tc.UserID,
		ExpiresAt: req.ExpiresAt,
	}
	if err := h.content.GrantPermission(r.Context(), tc, perm); err != nil {
		mapError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, perm)
}

type permissionsResponse struct {
	MemoryID    string              `json:"memory_id"`
	Permissions []memory.Permission `json:"permissions"`
}

// ListPermissions handles GET /v1/memories/{id}/permissions.
func (h *Handler) ListPermissions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	perms, err := h.content.ListPermissions(r.Context(), tenantFrom(r), id)
	if err != nil {
		mapError(w, r, err)
		return
	}
	if perms == nil {
		perms = []memory.Permission{}
	}
	respondJSON(w, http.StatusOK, permissionsResponse{MemoryID: id, Permissions: perms})
}

// RevokePermission handles DELETE /v1/memories/{id}/permissions/{userID}.
func (h *Handler) RevokePermission(w http.ResponseWriter, r *http.Request) {
	err := h.content.RevokePermission(r.Context(), tenantFrom(r),
		chi.URLParam(r, "id"), chi.URLParam(r, "userID"))
	if err != nil {
		mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// queryInt parses an integer query parameter, falling back on absence or
// garbage.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
