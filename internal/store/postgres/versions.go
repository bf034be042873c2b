package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/mnemora/mnemora/internal/memory"
	"github.com/mnemora/mnemora/internal/tenant"
)

// GrantPermission upserts a role grant for a user on a node.
func (s *Store) GrantPermission(ctx context.Context, tc tenant.Context, p memory.Permission) error {
	return s.withTenantTx(ctx, tc.TenantID(), func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO memory_permissions (
				memory_id, user_id, company_id, app_id, role, granted_by, granted_at, expires_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (memory_id, user_id) DO UPDATE SET
				role = EXCLUDED.role,
				granted_by = EXCLUDED.granted_by,
				granted_at = EXCLUDED.granted_at,
				expires_at = EXCLUDED.expires_at`,
			p.MemoryID, p.UserID, tc.CompanyID, tc.AppID,
			string(p.Role), p.GrantedBy, p.GrantedAt, nullTimePtr(p.ExpiresAt))
		return wrapErr("grant permission", err)
	})
}

// RevokePermission removes a user's grant on a node.
func (s *Store) RevokePermission(ctx context.Context, tc tenant.Context, memoryID, userID string) error {
	return s.withTenantTx(ctx, tc.TenantID(), func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM memory_permissions
			 WHERE memory_id = $1 AND user_id = $2 AND company_id = $3 AND app_id = $4`,
			memoryID, userID, tc.CompanyID, tc.AppID)
		if err != nil {
			return wrapErr("revoke permission", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return wrapErr("revoke permission", err)
		}
		if affected == 0 {
			return memory.ErrPermissionNotFound
		}
		return nil
	})
}

type permissionRow struct {
	MemoryID  string       `db:"memory_id"`
	UserID    string       `db:"user_id"`
	Role      string       `db:"role"`
	GrantedBy string       `db:"granted_by"`
	GrantedAt time.Time    `db:"granted_at"`
	ExpiresAt sql.NullTime `db:"expires_at"`
}

func (r permissionRow) toPermission() memory.Permission {
	p := memory.Permission{
		MemoryID:  r.MemoryID,
		UserID:    r.UserID,
		Role:      memory.Role(r.Role),
		GrantedBy: r.GrantedBy,
		GrantedAt: r.GrantedAt,
	}
	if r.ExpiresAt.Valid {
		t := r.ExpiresAt.Time
		p.ExpiresAt = &t
	}
	return p
}

// ListPermissions returns the unexpired grants on a node.
func (s *Store) ListPermissions(ctx context.Context, tc tenant.Context, memoryID string) ([]memory.Permission, error) {
	var rows []permissionRow
	err := s.withTenantTx(ctx, tc.TenantID(), func(tx *sqlx.Tx) error {
		return wrapErr("list permissions", tx.SelectContext(ctx, &rows,
			`SELECT memory_id, user_id, role, granted_by, granted_at, expires_at
			 FROM memory_permissions
			 WHERE memory_id = $1 AND company_id = $2 AND app_id = $3
			   AND (expires_at IS NULL OR expires_at > $4)
			 ORDER BY user_id`,
			memoryID, tc.CompanyID, tc.AppID, now()))
	})
	if err != nil {
		return nil, err
	}
	out := make([]memory.Permission, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toPermission())
	}
	return out, nil
}

// GetPermission returns a user's unexpired grant on a node.
func (s *Store) GetPermission(ctx context.Context, tc tenant.Context, memoryID, userID string) (memory.Permission, error) {
	var row permissionRow
	err := s.withTenantTx(ctx, tc.TenantID(), func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &row,
			`SELECT memory_id, user_id, role, granted_by, granted_at, expires_at
			 FROM memory_permissions
			 WHERE memory_id = $1 AND user_id = $2 AND company_id = $3 AND app_id = $4
			   AND (expires_at IS NULL OR expires_at > $5)`,
			memoryID, userID, tc.CompanyID, tc.AppID, now())
		if errors.Is(err, sql.ErrNoRows) {
			return memory.ErrPermissionNotFound
		}
		return wrapErr("get permission", err)
	})
	if err != nil {
		return memory.Permission{}, err
	}
	return row.toPermission(), nil
}

type versionRow struct {
	MemoryID   string         `db:"memory_id"`
	Version    int            `db:"version"`
	Title      string         `db:"title"`
	Content    string         `db:"content"`
	Tags       pq.StringArray `db:"tags"`
	Metadata   []byte         `db:"metadata"`
	ChangedBy  string         `db:"changed_by"`
	ChangeKind string         `db:"change_kind"`
	CreatedAt  time.Time      `db:"created_at"`
}

func (r versionRow) toVersion() (memory.Version, error) {
	v := memory.Version{
		MemoryID:  r.MemoryID,
		Number:    r.Version,
		Title:     r.Title,
		Content:   r.Content,
		Tags:      []string(r.Tags),
		ChangedBy: r.ChangedBy,
		Change:    memory.ChangeKind(r.ChangeKind),
		CreatedAt: r.CreatedAt,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &v.Metadata); err != nil {
			return memory.Version{}, fmt.Errorf("decode metadata for %s@%d: %w", r.MemoryID, r.Version, err)
		}
	}
	return v, nil
}

// ListVersions returns a node's version history, newest first.
func (s *Store) ListVersions(ctx context.Context, tc tenant.Context, memoryID string, limit int) ([]memory.Version, error) {
	var rows []versionRow
	err := s.withTenantTx(ctx, tc.TenantID(), func(tx *sqlx.Tx) error {
		return wrapErr("list versions", tx.SelectContext(ctx, &rows,
			`SELECT memory_id, version, title, content, tags, metadata, changed_by, change_kind, created_at
			 FROM memory_versions
			 WHERE memory_id = $1 AND company_id = $2 AND app_id = $3
			 ORDER BY version DESC
			 LIMIT $4`,
			memoryID, tc.CompanyID, tc.AppID, limit))
	})
	if err != nil {
		return nil, err
	}
	out := make([]memory.Version, 0, len(rows))
	for _, r := range rows {
		v, err := r.toVersion()
		if err != nil {
			return nil, wrapErr("list versions", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// GetVersion loads one version snapshot of a node.
func (s *Store) GetVersion(ctx context.Context, tc tenant.Context, memoryID string, version int) (memory.Version, error) {
	var row versionRow
	err := s.withTenantTx(ctx, tc.TenantID(), func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &row,
			`SELECT memory_id, version, title, content, tags, metadata, changed_by, change_kind, created_at
			 FROM memory_versions
			 WHERE memory_id = $1 AND version = $2 AND company_id = $3 AND app_id = $4`,
			memoryID, version, tc.CompanyID, tc.AppID)
		if errors.Is(err, sql.ErrNoRows) {
			return memory.ErrVersionNotFound
		}
		return wrapErr("get version", err)
	})
	if err != nil {
		return memory.Version{}, err
	}
	return row.toVersion()
}

// RestoreVersion copies version snapshot fields back onto the live row,
// bumping the version and appending a "restore" history entry. The caller
// re-projects the node into the vector store afterwards since the content
// changed.
func (s *Store) RestoreVersion(ctx context.Context, tc tenant.Context, memoryID string, version int) (memory.Node, error) {
	var node memory.Node
	err := s.withTenantTx(ctx, tc.TenantID(), func(tx *sqlx.Tx) error {
		var snap versionRow
		err := tx.GetContext(ctx, &snap,
			`SELECT memory_id, version, title, content, tags, metadata, changed_by, change_kind, created_at
			 FROM memory_versions
			 WHERE memory_id = $1 AND version = $2 AND company_id = $3 AND app_id = $4`,
			memoryID, version, tc.CompanyID, tc.AppID)
		if errors.Is(err, sql.ErrNoRows) {
			return memory.ErrVersionNotFound
		}
		if err != nil {
			return wrapErr("restore version", err)
		}

		restoredAt := now()
		var row nodeRow
		err = tx.GetContext(ctx, &row,
			`UPDATE unified_content SET
				title = $1, content = $2, tags = $3, metadata = $4,
				version = version + 1, updated_at = $5, deleted_at = NULL
			 WHERE id = $6 AND company_id = $7 AND app_id = $8
			 RETURNING `+nodeColumns,
			snap.Title, snap.Content, snap.Tags, snap.Metadata, restoredAt,
			memoryID, tc.CompanyID, tc.AppID)
		if errors.Is(err, sql.ErrNoRows) {
			return memory.ErrNodeNotFound
		}
		if err != nil {
			return wrapErr("restore version", err)
		}

		if _, err := tx.ExecContext(ctx, appendVersionSQL,
			memoryID, row.Version, tc.CompanyID, tc.AppID,
			snap.Title, snap.Content, snap.Tags, snap.Metadata,
			tc.UserID, string(memory.ChangeRestore), restoredAt,
		); err != nil {
			return wrapErr("restore version", err)
		}

		node, err = row.toNode()
		return err
	})
	if err != nil {
		return memory.Node{}, err
	}
	return node, nil
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
