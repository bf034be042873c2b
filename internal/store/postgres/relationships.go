package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mnemora/mnemora/internal/memory"
	"github.com/mnemora/mnemora/internal/tenant"
)

type relationshipRow struct {
	ID        string    `db:"id"`
	FromID    string    `db:"from_id"`
	ToID      string    `db:"to_id"`
	Type      string    `db:"relationship_type"`
	Weight    float64   `db:"weight"`
	Metadata  []byte    `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
}

const upsertRelationshipSQL = `
INSERT INTO entity_relationships (
	id, company_id, app_id, from_id, to_id, relationship_type,
	weight, metadata, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
ON CONFLICT (company_id, app_id, from_id, to_id, relationship_type) DO UPDATE SET
	weight = EXCLUDED.weight,
	metadata = EXCLUDED.metadata,
	updated_at = EXCLUDED.updated_at`

// SaveRelationships upserts edge rows. The edge identity is the endpoint
// pair plus the type, so a retried write lands on the same rows and a
// re-declared edge updates weight and metadata in place.
func (s *Store) SaveRelationships(ctx context.Context, tc tenant.Context, rels []memory.Relationship) error {
	if len(rels) == 0 {
		return nil
	}
	return s.withTenantTx(ctx, tc.TenantID(), func(tx *sqlx.Tx) error {
		for _, rel := range rels {
			metadata, err := marshalMetadata(rel.Metadata)
			if err != nil {
				return wrapErr("save relationships", err)
			}
			id := rel.ID
			if id == "" {
				id = memory.NewID()
			}
			createdAt := rel.CreatedAt
			if createdAt.IsZero() {
				createdAt = now()
			}
			if _, err := tx.ExecContext(ctx, upsertRelationshipSQL,
				id, tc.CompanyID, tc.AppID, rel.FromID, rel.ToID,
				string(rel.Type), rel.Weight, metadata, createdAt,
			); err != nil {
				return wrapErr("save relationships", err)
			}
		}
		return nil
	})
}

// ListRelationships returns every edge touching a node, in creation order.
// The graph projection is rebuilt from these rows after a restore or a
// degraded graph write.
func (s *Store) ListRelationships(ctx context.Context, tc tenant.Context, nodeID string) ([]memory.Relationship, error) {
	var rows []relationshipRow
	err := s.withTenantTx(ctx, tc.TenantID(), func(tx *sqlx.Tx) error {
		return wrapErr("list relationships", tx.SelectContext(ctx, &rows,
			`SELECT id, from_id, to_id, relationship_type, weight, metadata, created_at
			 FROM entity_relationships
			 WHERE company_id = $1 AND app_id = $2 AND (from_id = $3 OR to_id = $3)
			 ORDER BY created_at, id`,
			tc.CompanyID, tc.AppID, nodeID))
	})
	if err != nil {
		return nil, err
	}

	rels := make([]memory.Relationship, 0, len(rows))
	for _, row := range rows {
		rel := memory.Relationship{
			ID:        row.ID,
			FromID:    row.FromID,
			ToID:      row.ToID,
			Type:      memory.RelationshipType(row.Type),
			Weight:    row.Weight,
			CreatedAt: row.CreatedAt,
		}
		if len(row.Metadata) > 0 {
			if err := json.Unmarshal(row.Metadata, &rel.Metadata); err != nil {
				return nil, wrapErr("list relationships", err)
			}
		}
		rels = append(rels, rel)
	}
	return rels, nil
}
