package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/mnemora/mnemora/internal/memory"
	"github.com/mnemora/mnemora/internal/tenant"
)

// DefaultStability is the forgetting-curve starting point for new nodes.
const DefaultStability = 0.5

const nodeColumns = `id, kind, title, source, content, metadata, tags,
	company_id, app_id, user_id, session_id, hierarchy_level, parent_id,
	embedding_model, idempotency_key, version, created_at, updated_at, deleted_at,
	last_accessed, access_count, stability, retrievability,
	user_importance, ai_importance, has_graph_relationships, last_boost_at, boost_count`

// nodeRow is the scan target for unified_content reads.
type nodeRow struct {
	ID                    string          `db:"id"`
	Kind                  string          `db:"kind"`
	Title                 string          `db:"title"`
	Source                string          `db:"source"`
	Content               string          `db:"content"`
	Metadata              []byte          `db:"metadata"`
	Tags                  pq.StringArray  `db:"tags"`
	CompanyID             string          `db:"company_id"`
	AppID                 string          `db:"app_id"`
	UserID                string          `db:"user_id"`
	SessionID             sql.NullString  `db:"session_id"`
	HierarchyLevel        int             `db:"hierarchy_level"`
	ParentID              sql.NullString  `db:"parent_id"`
	EmbeddingModel        string          `db:"embedding_model"`
	IdempotencyKey        sql.NullString  `db:"idempotency_key"`
	Version               int             `db:"version"`
	CreatedAt             time.Time       `db:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at"`
	DeletedAt             sql.NullTime    `db:"deleted_at"`
	LastAccessed          time.Time       `db:"last_accessed"`
	AccessCount           int64           `db:"access_count"`
	Stability             float64         `db:"stability"`
	Retrievability        float64         `db:"retrievability"`
	UserImportance        sql.NullFloat64 `db:"user_importance"`
	AIImportance          sql.NullFloat64 `db:"ai_importance"`
	HasGraphRelationships bool            `db:"has_graph_relationships"`
	LastBoostAt           sql.NullTime    `db:"last_boost_at"`
	BoostCount            int64           `db:"boost_count"`
}

func (r nodeRow) toNode() (memory.Node, error) {
	n := memory.Node{
		ID:             r.ID,
		Kind:           memory.Kind(r.Kind),
		Title:          r.Title,
		Source:         r.Source,
		Content:        r.Content,
		Tags:           []string(r.Tags),
		CompanyID:      r.CompanyID,
		AppID:          r.AppID,
		UserID:         r.UserID,
		HierarchyLevel: r.HierarchyLevel,
		EmbeddingModel: r.EmbeddingModel,
		Version:        r.Version,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		Metrics: &memory.Metrics{
			LastAccessed:          r.LastAccessed,
			AccessCount:           r.AccessCount,
			Stability:             r.Stability,
			Retrievability:        r.Retrievability,
			HasGraphRelationships: r.HasGraphRelationships,
			BoostCount:            r.BoostCount,
		},
	}
	if r.SessionID.Valid {
		n.SessionID = r.SessionID.String
	}
	if r.ParentID.Valid {
		v := r.ParentID.String
		n.ParentID = &v
	}
	if r.IdempotencyKey.Valid {
		n.IdempotencyKey = r.IdempotencyKey.String
	}
	if r.DeletedAt.Valid {
		t := r.DeletedAt.Time
		n.DeletedAt = &t
	}
	if r.UserImportance.Valid {
		v := r.UserImportance.Float64
		n.Metrics.UserImportance = &v
	}
	if r.AIImportance.Valid {
		v := r.AIImportance.Float64
		n.Metrics.AIImportance = &v
	}
	if r.LastBoostAt.Valid {
		t := r.LastBoostAt.Time
		n.Metrics.LastBoostAt = &t
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &n.Metadata); err != nil {
			return memory.Node{}, fmt.Errorf("decode metadata for %s: %w", r.ID, err)
		}
	}
	return n, nil
}

// UpsertResult reports how the relational stage of a write landed.
type UpsertResult struct {
	ID      string
	Version int
	Created bool // a new row was inserted
	Applied bool // the row was inserted or modified; false for stale writes
}

const upsertNodeSQL = `
INSERT INTO unified_content (
	id, kind, title, source, content, metadata, tags,
	company_id, app_id, user_id, session_id,
	hierarchy_level, parent_id, embedding_model, idempotency_key,
	version, created_at, updated_at, last_accessed,
	stability, retrievability, user_importance, ai_importance
) VALUES (
	$1, $2, $3, $4, $5, $6, $7,
	$8, $9, $10, $11,
	$12, $13, $14, $15,
	1, $16, $16, $16,
	$17, $18, $19, $20
)
ON CONFLICT (id) DO UPDATE SET
	kind = EXCLUDED.kind,
	title = EXCLUDED.title,
	source = EXCLUDED.source,
	content = EXCLUDED.content,
	metadata = EXCLUDED.metadata,
	tags = EXCLUDED.tags,
	session_id = EXCLUDED.session_id,
	hierarchy_level = EXCLUDED.hierarchy_level,
	parent_id = EXCLUDED.parent_id,
	embedding_model = EXCLUDED.embedding_model,
	idempotency_key = EXCLUDED.idempotency_key,
	updated_at = EXCLUDED.updated_at,
	user_importance = COALESCE(EXCLUDED.user_importance, unified_content.user_importance),
	ai_importance = COALESCE(EXCLUDED.ai_importance, unified_content.ai_importance),
	deleted_at = NULL,
	version = CASE
		WHEN unified_content.idempotency_key IS NOT NULL
		     AND unified_content.idempotency_key = EXCLUDED.idempotency_key
		THEN unified_content.version
		ELSE unified_content.version + 1
	END
WHERE unified_content.idempotency_key IS NOT NULL
      AND unified_content.idempotency_key = EXCLUDED.idempotency_key
   OR EXCLUDED.updated_at > unified_content.updated_at
RETURNING id, version, (xmax = 0) AS created`

const appendVersionSQL = `
INSERT INTO memory_versions (
	memory_id, version, company_id, app_id,
	title, content, tags, metadata, changed_by, change_kind, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (memory_id, version) DO NOTHING`

// Upsert writes a node into unified_content, converging on the node id.
// A retry carrying the stored idempotency key reapplies without bumping
// the version; a write with a strictly newer updated_at bumps the version
// and appends a history row; anything else leaves the row untouched and
// returns the stored (id, version) with Applied=false.
func (s *Store) Upsert(ctx context.Context, tc tenant.Context, node memory.Node) (UpsertResult, error) {
	metadata, err := marshalMetadata(node.Metadata)
	if err != nil {
		return UpsertResult{}, wrapErr("upsert", err)
	}

	stability := DefaultStability
	retrievability := DefaultStability
	var userImportance, aiImportance any
	if node.Metrics != nil {
		if node.Metrics.Stability > 0 {
			stability = node.Metrics.Stability
		}
		if node.Metrics.Retrievability > 0 {
			retrievability = node.Metrics.Retrievability
		}
		if node.Metrics.UserImportance != nil {
			userImportance = *node.Metrics.UserImportance
		}
		if node.Metrics.AIImportance != nil {
			aiImportance = *node.Metrics.AIImportance
		}
	}

	updatedAt := node.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now()
	}

	var res UpsertResult
	err = s.withTenantTx(ctx, tc.TenantID(), func(tx *sqlx.Tx) error {
		id := node.ID
		if id == "" && node.IdempotencyKey != "" {
			// A keyed write without an id converges on the id the key
			// first landed on.
			err := tx.QueryRowxContext(ctx,
				`SELECT id FROM unified_content
				 WHERE company_id = $1 AND app_id = $2 AND idempotency_key = $3
				 LIMIT 1`,
				tc.CompanyID, tc.AppID, node.IdempotencyKey,
			).Scan(&id)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return wrapErr("lookup idempotency key", err)
			}
		}
		if id == "" {
			id = memory.NewID()
		}

		row := tx.QueryRowxContext(ctx, upsertNodeSQL,
			id, string(node.Kind), node.Title, node.Source, node.Content,
			metadata, pq.Array(normalizeTags(node.Tags)),
			tc.CompanyID, tc.AppID, tc.UserID, nullString(node.SessionID),
			node.HierarchyLevel, nullStringPtr(node.ParentID),
			node.EmbeddingModel, nullString(node.IdempotencyKey),
			updatedAt, stability, retrievability, userImportance, aiImportance,
		)

		if err := row.Scan(&res.ID, &res.Version, &res.Created); err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return wrapErr("upsert", err)
			}
			// Stale write: converge on the stored row without touching it.
			err := tx.QueryRowxContext(ctx,
				`SELECT id, version FROM unified_content WHERE id = $1`, id,
			).Scan(&res.ID, &res.Version)
			if err != nil {
				return wrapErr("upsert converge", err)
			}
			res.Applied = false
			return nil
		}
		res.Applied = true

		change := memory.ChangeUpdate
		if res.Created {
			change = memory.ChangeCreate
		}
		// (memory_id, version) is the primary key, so a keyed retry that
		// kept the version is a no-op here.
		if _, err := tx.ExecContext(ctx, appendVersionSQL,
			res.ID, res.Version, tc.CompanyID, tc.AppID,
			node.Title, node.Content, pq.Array(normalizeTags(node.Tags)),
			metadata, tc.UserID, string(change), updatedAt,
		); err != nil {
			return wrapErr("append version", err)
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}
	return res, nil
}

// Get loads a live node with its metrics.
func (s *Store) Get(ctx context.Context, tc tenant.Context, id string) (memory.Node, error) {
	var row nodeRow
	err := s.withTenantTx(ctx, tc.TenantID(), func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &row,
			`SELECT `+nodeColumns+` FROM unified_content
			 WHERE id = $1 AND company_id = $2 AND app_id = $3 AND deleted_at IS NULL`,
			id, tc.CompanyID, tc.AppID)
		if errors.Is(err, sql.ErrNoRows) {
			return memory.ErrNodeNotFound
		}
		return wrapErr("get", err)
	})
	if err != nil {
		return memory.Node{}, err
	}
	return row.toNode()
}

// GetMany resolves a batch of ids in one round trip. Missing or deleted ids
// are silently absent from the result; callers that care check the length.
func (s *Store) GetMany(ctx context.Context, tc tenant.Context, ids []string) ([]memory.Node, error) {
	if len(ids) == 0 {
		return []memory.Node{}, nil
	}
	var rows []nodeRow
	err := s.withTenantTx(ctx, tc.TenantID(), func(tx *sqlx.Tx) error {
		return wrapErr("get_many", tx.SelectContext(ctx, &rows,
			`SELECT `+nodeColumns+` FROM unified_content
			 WHERE id = ANY($1) AND company_id = $2 AND app_id = $3 AND deleted_at IS NULL`,
			pq.Array(ids), tc.CompanyID, tc.AppID))
	})
	if err != nil {
		return nil, err
	}
	nodes := make([]memory.Node, 0, len(rows))
	for _, row := range rows {
		node, err := row.toNode()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// Delete tombstones a node and removes the edge rows touching it. The
// vector and graph projections are removed by the caller after the
// tombstone lands.
func (s *Store) Delete(ctx context.Context, tc tenant.Context, id string) error {
	return s.withTenantTx(ctx, tc.TenantID(), func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE unified_content SET deleted_at = $1
			 WHERE id = $2 AND company_id = $3 AND app_id = $4 AND deleted_at IS NULL`,
			now(), id, tc.CompanyID, tc.AppID)
		if err != nil {
			return wrapErr("delete", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return wrapErr("delete", err)
		}
		if affected == 0 {
			return memory.ErrNodeNotFound
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entity_relationships
			 WHERE company_id = $1 AND app_id = $2 AND (from_id = $3 OR to_id = $3)`,
			tc.CompanyID, tc.AppID, id); err != nil {
			return wrapErr("delete relationships", err)
		}
		return nil
	})
}

// SetImportance updates the caller-controlled importance signals. Nil
// values leave the stored signal unchanged.
func (s *Store) SetImportance(ctx context.Context, tc tenant.Context, id string, userImportance, aiImportance *float64) error {
	return s.withTenantTx(ctx, tc.TenantID(), func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE unified_content SET
				user_importance = COALESCE($1, user_importance),
				ai_importance = COALESCE($2, ai_importance)
			 WHERE id = $3 AND company_id = $4 AND app_id = $5 AND deleted_at IS NULL`,
			nullFloatPtr(userImportance), nullFloatPtr(aiImportance),
			id, tc.CompanyID, tc.AppID)
		if err != nil {
			return wrapErr("set importance", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return wrapErr("set importance", err)
		}
		if affected == 0 {
			return memory.ErrNodeNotFound
		}
		return nil
	})
}

// ApplyAccess records one access: the append-only log row plus the metric
// rewrite (last_accessed, access counter, reinforced stability and the
// retrievability measured at access time).
func (s *Store) ApplyAccess(ctx context.Context, tc tenant.Context, ev memory.AccessEvent, newStability, newRetrievability float64) error {
	metadata, err := marshalMetadata(ev.Metadata)
	if err != nil {
		return wrapErr("record access", err)
	}
	return s.withTenantTx(ctx, tc.TenantID(), func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE unified_content SET
				last_accessed = $1,
				access_count = access_count + 1,
				stability = $2,
				retrievability = $3
			 WHERE id = $4 AND company_id = $5 AND app_id = $6 AND deleted_at IS NULL`,
			ev.AccessedAt, newStability, newRetrievability,
			ev.ContentID, tc.CompanyID, tc.AppID)
		if err != nil {
			return wrapErr("update access metrics", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return wrapErr("update access metrics", err)
		}
		if affected == 0 {
			return memory.ErrNodeNotFound
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO access_logs (
				id, content_id, company_id, app_id, user_id, session_id,
				access_kind, access_context, relevance_score, metadata, accessed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			ev.ID, ev.ContentID, tc.CompanyID, tc.AppID, ev.UserID,
			nullString(ev.SessionID), string(ev.Kind), string(ev.Context),
			ev.RelevanceScore, metadata, ev.AccessedAt,
		); err != nil {
			return wrapErr("insert access log", err)
		}
		return nil
	})
}

// MarkGraphLinked flips has_graph_relationships once edge rows touch the
// node.
func (s *Store) MarkGraphLinked(ctx context.Context, tc tenant.Context, id string, linked bool) error {
	return s.withTenantTx(ctx, tc.TenantID(), func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE unified_content SET has_graph_relationships = $1
			 WHERE id = $2 AND company_id = $3 AND app_id = $4`,
			linked, id, tc.CompanyID, tc.AppID)
		return wrapErr("mark graph linked", err)
	})
}

// StabilityBoost is one node's pending ripple boost.
type StabilityBoost struct {
	NodeID string
	Boost  float64
}

// ApplyStabilityBoosts applies a batch of ripple boosts in one statement:
// stability is raised through min(1, stability+boost) and the boost
// bookkeeping columns advance.
func (s *Store) ApplyStabilityBoosts(ctx context.Context, tc tenant.Context, boosts []StabilityBoost) (int64, error) {
	if len(boosts) == 0 {
		return 0, nil
	}
	ids := make([]string, len(boosts))
	amounts := make([]float64, len(boosts))
	for i, b := range boosts {
		ids[i] = b.NodeID
		amounts[i] = b.Boost
	}

	var affected int64
	err := s.withTenantTx(ctx, tc.TenantID(), func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE unified_content AS c SET
				stability = LEAST(1.0, c.stability + v.boost),
				last_boost_at = $3,
				boost_count = c.boost_count + 1
			 FROM (SELECT unnest($1::text[]) AS id, unnest($2::float8[]) AS boost) AS v
			 WHERE c.id = v.id AND c.company_id = $4 AND c.app_id = $5 AND c.deleted_at IS NULL`,
			pq.Array(ids), pq.Array(amounts), now(), tc.CompanyID, tc.AppID)
		if err != nil {
			return wrapErr("apply boosts", err)
		}
		affected, err = res.RowsAffected()
		return wrapErr("apply boosts", err)
	})
	return affected, err
}

// DecayRow is the slice of forgetting-curve state the decay sweep reads.
type DecayRow struct {
	ID             string          `db:"id"`
	Stability      float64         `db:"stability"`
	Retrievability float64         `db:"retrievability"`
	LastAccessed   time.Time       `db:"last_accessed"`
	UserImportance sql.NullFloat64 `db:"user_importance"`
	AIImportance   sql.NullFloat64 `db:"ai_importance"`
}

// ListForDecay pages live nodes of a tenant in id order, returning rows
// with id greater than afterID.
func (s *Store) ListForDecay(ctx context.Context, tc tenant.Context, afterID string, limit int) ([]DecayRow, error) {
	var rows []DecayRow
	err := s.withTenantTx(ctx, tc.TenantID(), func(tx *sqlx.Tx) error {
		return wrapErr("list for decay", tx.SelectContext(ctx, &rows,
			`SELECT id, stability, retrievability, last_accessed, user_importance, ai_importance
			 FROM unified_content
			 WHERE company_id = $1 AND app_id = $2 AND deleted_at IS NULL AND id > $3
			 ORDER BY id
			 LIMIT $4`,
			tc.CompanyID, tc.AppID, afterID, limit))
	})
	return rows, err
}

// RetrievabilityUpdate carries one recomputed retrievability value.
type RetrievabilityUpdate struct {
	NodeID string
	Value  float64
}

// BatchUpdateRetrievability rewrites retrievability for a batch of nodes.
func (s *Store) BatchUpdateRetrievability(ctx context.Context, tc tenant.Context, updates []RetrievabilityUpdate) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	ids := make([]string, len(updates))
	values := make([]float64, len(updates))
	for i, u := range updates {
		ids[i] = u.NodeID
		values[i] = u.Value
	}

	var affected int64
	err := s.withTenantTx(ctx, tc.TenantID(), func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE unified_content AS c SET retrievability = v.r
			 FROM (SELECT unnest($1::text[]) AS id, unnest($2::float8[]) AS r) AS v
			 WHERE c.id = v.id AND c.company_id = $3 AND c.app_id = $4 AND c.deleted_at IS NULL`,
			pq.Array(ids), pq.Array(values), tc.CompanyID, tc.AppID)
		if err != nil {
			return wrapErr("batch update retrievability", err)
		}
		affected, err = res.RowsAffected()
		return wrapErr("batch update retrievability", err)
	})
	return affected, err
}

// InsertStabilitySnapshot records one decay sweep's summary row.
func (s *Store) InsertStabilitySnapshot(ctx context.Context, tc tenant.Context, snap memory.StabilitySnapshot) error {
	return s.withTenantTx(ctx, tc.TenantID(), func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO stability_history (
				id, run_id, company_id, app_id, node_count, updated_count,
				avg_stability, avg_retrievability, min_retrievability, max_retrievability,
				processing_ms, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			snap.ID, snap.RunID, tc.CompanyID, tc.AppID,
			snap.NodeCount, snap.UpdatedCount,
			snap.AvgStability, snap.AvgRetrievability,
			snap.MinRetrievability, snap.MaxRetrievability,
			snap.ProcessingMillis, snap.CreatedAt)
		return wrapErr("insert stability snapshot", err)
	})
}

// LatestInSession returns the id of the most recent live node in a session,
// excluding excludeID. Empty when the session has no other nodes.
func (s *Store) LatestInSession(ctx context.Context, tc tenant.Context, sessionID, excludeID string) (string, error) {
	var id string
	err := s.withTenantTx(ctx, tc.TenantID(), func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx,
			`SELECT id FROM unified_content
			 WHERE company_id = $1 AND app_id = $2 AND session_id = $3
			   AND id <> $4 AND deleted_at IS NULL
			 ORDER BY created_at DESC, id DESC
			 LIMIT 1`,
			tc.CompanyID, tc.AppID, sessionID, excludeID,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return wrapErr("latest in session", err)
	})
	return id, err
}

// Tenant is one (company, app) tuple present in the store.
type Tenant struct {
	CompanyID string `db:"company_id"`
	AppID     string `db:"app_id"`
}

// ListTenants enumerates tenant tuples with live content. Runs under the
// maintenance wildcard; only the decay sweep calls it.
func (s *Store) ListTenants(ctx context.Context) ([]Tenant, error) {
	var tenants []Tenant
	err := s.withTenantTx(ctx, TenantWildcard, func(tx *sqlx.Tx) error {
		return wrapErr("list tenants", tx.SelectContext(ctx, &tenants,
			`SELECT DISTINCT company_id, app_id FROM unified_content
			 WHERE deleted_at IS NULL
			 ORDER BY company_id, app_id`))
	})
	return tenants, err
}

// CandidateFilter narrows relevance retrieval candidates.
type CandidateFilter struct {
	Kinds []memory.Kind
	Tags  []string
	Limit int
}

// ListCandidates returns the most recently accessed live nodes matching
// the filter, metrics attached, for relevance-ranked retrieval.
func (s *Store) ListCandidates(ctx context.Context, tc tenant.Context, filter CandidateFilter) ([]memory.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM unified_content
		WHERE company_id = $1 AND app_id = $2 AND deleted_at IS NULL`
	args := []any{tc.CompanyID, tc.AppID}

	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		args = append(args, pq.Array(kinds))
		query += fmt.Sprintf(" AND kind = ANY($%d)", len(args))
	}
	if len(filter.Tags) > 0 {
		args = append(args, pq.Array(filter.Tags))
		query += fmt.Sprintf(" AND tags && $%d", len(args))
	}

	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY last_accessed DESC LIMIT $%d", len(args))

	var rows []nodeRow
	err := s.withTenantTx(ctx, tc.TenantID(), func(tx *sqlx.Tx) error {
		return wrapErr("list candidates", tx.SelectContext(ctx, &rows, query, args...))
	})
	if err != nil {
		return nil, err
	}

	nodes := make([]memory.Node, 0, len(rows))
	for _, r := range rows {
		n, err := r.toNode()
		if err != nil {
			return nil, wrapErr("list candidates", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func marshalMetadata(m memory.Metadata) ([]byte, error) {
	if m == nil {
		return []byte(`{}`), nil
	}
	return json.Marshal(m)
}

func normalizeTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloatPtr(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
