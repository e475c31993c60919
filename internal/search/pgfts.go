package search

import (
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search over the
// persisted snapshot JSON as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true - if Postgres is down, the whole service is.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search expands the snapshot JSON arrays on the fly and ranks matches with
// plainto_tsquery. Slower than the Meilisearch path but always available.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var subQueries []string
	args := []any{q.Text}
	argN := 2

	projectWhere := ""
	if q.ProjectID != "" {
		projectWhere = fmt.Sprintf(" AND ps.project_id = $%d", argN)
		args = append(args, q.ProjectID)
		argN++
	}

	if q.FilterType == "" || q.FilterType == ResultDocument {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'document'::text AS type, d->>'id' AS id, ps.project_id,
				d->>'title' AS title,
				ts_headline('english', coalesce(d->>'text', ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
				ts_rank(to_tsvector('english', coalesce(d->>'title', '') || ' ' || coalesce(d->>'text', '')), plainto_tsquery('english', $1)) AS rank
			FROM project_snapshots ps,
				jsonb_array_elements(ps.snapshot->'documents') AS d
			WHERE to_tsvector('english', coalesce(d->>'title', '') || ' ' || coalesce(d->>'text', '')) @@ plainto_tsquery('english', $1)%s`, projectWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultCode {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'code'::text AS type, c->>'id' AS id, ps.project_id,
				c->>'name' AS title,
				''::text AS snippet,
				ts_rank(to_tsvector('english', coalesce(c->>'name', '')), plainto_tsquery('english', $1)) AS rank
			FROM project_snapshots ps,
				jsonb_array_elements(ps.snapshot->'codes') AS c
			WHERE to_tsvector('english', coalesce(c->>'name', '')) @@ plainto_tsquery('english', $1)%s`, projectWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultMemo {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'memo'::text AS type, m->>'id' AS id, ps.project_id,
				m->>'scope' AS title,
				ts_headline('english', coalesce(m->>'text', ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
				ts_rank(to_tsvector('english', coalesce(m->>'text', '')), plainto_tsquery('english', $1)) AS rank
			FROM project_snapshots ps,
				jsonb_array_elements(ps.snapshot->'memos') AS m
			WHERE to_tsvector('english', coalesce(m->>'text', '')) @@ plainto_tsquery('english', $1)%s`, projectWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	query := fmt.Sprintf(`
		SELECT type, id, project_id, title, snippet
		FROM (%s) hits
		ORDER BY rank DESC
		LIMIT %d OFFSET %d
	`, strings.Join(subQueries, " UNION ALL "), limit, offset)

	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var rtyp string
		if err := rows.Scan(&rtyp, &r.ID, &r.ProjectID, &r.Title, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(rtyp)
		results = append(results, r)
	}
	return results, len(results), rows.Err()
}
