package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS is the fallback full-text searcher over the authoritative Postgres
// store. It only understands plain text queries, not the native engine
// syntax, so it backs the simple search path when the engine is down.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down the whole server is.
func (p *PgFTS) Healthy() bool {
	return true
}

// FullText matches content names and extracted text for one repository,
// ranked, paged.
func (p *PgFTS) FullText(ctx context.Context, repositoryID, text string, start, rows int) (Results, error) {
	if strings.TrimSpace(text) == "" {
		return Results{}, nil
	}
	if rows <= 0 {
		rows = 50
	}
	if start < 0 {
		start = 0
	}

	query := `
		SELECT id, ts_rank(fts, plainto_tsquery('english', $2)) AS rank,
			count(*) OVER () AS total
		FROM contents
		WHERE repository_id = $1 AND fts @@ plainto_tsquery('english', $2)
		ORDER BY rank DESC, id
		LIMIT $3 OFFSET $4
	`
	dbRows, err := p.db.QueryContext(ctx, query, repositoryID, text, rows, start)
	if err != nil {
		return Results{}, fmt.Errorf("pgfts query: %w", err)
	}
	defer dbRows.Close()

	var out Results
	for dbRows.Next() {
		var hit Hit
		var total int64
		if err := dbRows.Scan(&hit.ID, &hit.Score, &total); err != nil {
			return Results{}, fmt.Errorf("pgfts scan: %w", err)
		}
		out.Total = total
		out.Hits = append(out.Hits, hit)
	}
	return out, dbRows.Err()
}
