package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/mnemora/mnemora/internal/memory"
	"github.com/mnemora/mnemora/internal/tenant"
)

// SearchFilter narrows a search leg to kinds and tags.
type SearchFilter struct {
	Kinds []memory.Kind
	Tags  []string
	Limit int
}

// ScoredNode is one search-leg hit with the leg's native score in [0,1].
type ScoredNode struct {
	Node  memory.Node
	Score float64
}

type scoredRow struct {
	nodeRow
	Score float64 `db:"score"`
}

func filterClauses(filter SearchFilter, args *[]any) string {
	var sb strings.Builder
	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		*args = append(*args, pq.Array(kinds))
		fmt.Fprintf(&sb, " AND kind = ANY($%d)", len(*args))
	}
	if len(filter.Tags) > 0 {
		*args = append(*args, pq.Array(filter.Tags))
		fmt.Fprintf(&sb, " AND tags && $%d", len(*args))
	}
	return sb.String()
}

func (s *Store) searchLeg(ctx context.Context, tc tenant.Context, query string, args []any) ([]ScoredNode, error) {
	var rows []scoredRow
	err := s.withTenantTx(ctx, tc.TenantID(), func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, err
	}
	hits := make([]ScoredNode, 0, len(rows))
	for _, r := range rows {
		n, err := r.toNode()
		if err != nil {
			return nil, err
		}
		hits = append(hits, ScoredNode{Node: n, Score: r.Score})
	}
	return hits, nil
}

// MetadataSearch matches the query against title and source using trigram
// similarity. An exact (case-insensitive) title or source match scores 1.0;
// otherwise the greater of the two similarities is the score.
func (s *Store) MetadataSearch(ctx context.Context, tc tenant.Context, query string, filter SearchFilter) ([]ScoredNode, error) {
	args := []any{tc.CompanyID, tc.AppID, query}
	clauses := filterClauses(filter, &args)
	args = append(args, filter.Limit)

	sql := `SELECT ` + nodeColumns + `,
		CASE
			WHEN lower(title) = lower($3) OR lower(source) = lower($3) THEN 1.0
			ELSE GREATEST(similarity(title, $3), similarity(source, $3))::float8
		END AS score
		FROM unified_content
		WHERE company_id = $1 AND app_id = $2 AND deleted_at IS NULL
		  AND (title % $3 OR source % $3
		       OR lower(title) = lower($3) OR lower(source) = lower($3))` +
		clauses + fmt.Sprintf(`
		ORDER BY score DESC, id ASC
		LIMIT $%d`, len(args))

	hits, err := s.searchLeg(ctx, tc, sql, args)
	if err != nil {
		return nil, wrapErr("metadata search", err)
	}
	return hits, nil
}

// TextSearch runs full-text search over title and content. Scores are
// ts_rank values normalised by the best rank in the batch so the leg
// reports in [0,1].
func (s *Store) TextSearch(ctx context.Context, tc tenant.Context, query string, filter SearchFilter) ([]ScoredNode, error) {
	args := []any{tc.CompanyID, tc.AppID, query}
	clauses := filterClauses(filter, &args)
	args = append(args, filter.Limit)

	sql := `SELECT ` + nodeColumns + `,
		ts_rank(fts, websearch_to_tsquery('english', $3))::float8 AS score
		FROM unified_content
		WHERE company_id = $1 AND app_id = $2 AND deleted_at IS NULL
		  AND fts @@ websearch_to_tsquery('english', $3)` +
		clauses + fmt.Sprintf(`
		ORDER BY score DESC, id ASC
		LIMIT $%d`, len(args))

	hits, err := s.searchLeg(ctx, tc, sql, args)
	if err != nil {
		return nil, wrapErr("text search", err)
	}

	// ts_rank is unbounded above; scale by the batch maximum.
	var max float64
	for _, h := range hits {
		if h.Score > max {
			max = h.Score
		}
	}
	if max > 0 {
		for i := range hits {
			hits[i].Score = hits[i].Score / max
		}
	}
	return hits, nil
}

// UpsertCommunity writes one detected community summary.
func (s *Store) UpsertCommunity(ctx context.Context, tc tenant.Context, c memory.Community) error {
	return s.withTenantTx(ctx, tc.TenantID(), func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO communities (
				id, company_id, app_id, name, summary, level, parent_id,
				entity_ids, keywords, member_count, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				summary = EXCLUDED.summary,
				level = EXCLUDED.level,
				parent_id = EXCLUDED.parent_id,
				entity_ids = EXCLUDED.entity_ids,
				keywords = EXCLUDED.keywords,
				member_count = EXCLUDED.member_count,
				updated_at = EXCLUDED.updated_at`,
			c.ID, tc.CompanyID, tc.AppID, c.Name, c.Summary, c.Level,
			nullStringPtr(c.ParentID), pq.Array(c.EntityIDs), pq.Array(c.Keywords),
			c.MemberCount, now())
		return wrapErr("upsert community", err)
	})
}

// SearchCommunities returns community summaries whose keywords overlap the
// query terms, most overlapping first. It backs the low-confidence search
// fallback.
func (s *Store) SearchCommunities(ctx context.Context, tc tenant.Context, terms []string, limit int) ([]memory.Community, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	type communityRow struct {
		ID          string         `db:"id"`
		Name        string         `db:"name"`
		Summary     string         `db:"summary"`
		EntityIDs   pq.StringArray `db:"entity_ids"`
		Keywords    pq.StringArray `db:"keywords"`
		MemberCount int            `db:"member_count"`
		Overlap     int            `db:"overlap"`
	}

	var rows []communityRow
	err := s.withTenantTx(ctx, tc.TenantID(), func(tx *sqlx.Tx) error {
		return wrapErr("search communities", tx.SelectContext(ctx, &rows,
			`SELECT id, name, summary, entity_ids, keywords, member_count,
				(SELECT count(*) FROM unnest(keywords) AS k WHERE k = ANY($3::text[])) AS overlap
			 FROM communities
			 WHERE company_id = $1 AND app_id = $2 AND keywords && $3::text[]
			 ORDER BY overlap DESC, id ASC
			 LIMIT $4`,
			tc.CompanyID, tc.AppID, pq.Array(terms), limit))
	})
	if err != nil {
		return nil, err
	}

	out := make([]memory.Community, 0, len(rows))
	for _, r := range rows {
		out = append(out, memory.Community{
			ID:          r.ID,
			CompanyID:   tc.CompanyID,
			AppID:       tc.AppID,
			Name:        r.Name,
			Summary:     r.Summary,
			EntityIDs:   []string(r.EntityIDs),
			Keywords:    []string(r.Keywords),
			MemberCount: r.MemberCount,
		})
	}
	return out, nil
}
