package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true because if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries hazop_entries using plainto_tsquery and ts_rank, with
// ts_headline for snippets.
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

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	where := "e.fts @@ " + tsQuery
	if q.FilterAnalysisID != "" {
		where += fmt.Sprintf(" AND e.analysis_id = $%d", argN)
		args = append(args, q.FilterAnalysisID)
		argN++
	}
	if q.FilterRiskRank != "" {
		where += fmt.Sprintf(" AND e.risk_rank = $%d", argN)
		args = append(args, q.FilterRiskRank)
		argN++
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM hazop_entries e WHERE %s", where)

	dataSQL := fmt.Sprintf(`
		SELECT e.id, e.analysis_id, e.node_id, e.deviation,
			ts_headline('english', coalesce(e.notes, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			coalesce(e.risk_rank, '')
		FROM hazop_entries e
		WHERE %s
		ORDER BY ts_rank(e.fts, %s) DESC
		LIMIT %d OFFSET %d`, tsQuery, where, tsQuery, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.AnalysisID, &r.NodeID, &r.Deviation, &r.Snippet, &r.RiskRank); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable entries for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]EntryRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, analysis_id, node_id, guide_word, parameter, deviation,
			causes, consequences, safeguards, recommendations,
			coalesce(notes, ''), coalesce(risk_rank, '')
		FROM hazop_entries
	`)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	defer rows.Close()

	entries := make([]EntryRecord, 0)
	for rows.Next() {
		var e EntryRecord
		var causes, consequences, safeguards, recommendations []byte
		if err := rows.Scan(&e.ID, &e.AnalysisID, &e.NodeID, &e.GuideWord, &e.Parameter, &e.Deviation,
			&causes, &consequences, &safeguards, &recommendations,
			&e.Notes, &e.RiskRank); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Causes = decodeList(causes)
		e.Consequences = decodeList(consequences)
		e.Safeguards = decodeList(safeguards)
		e.Recommendations = decodeList(recommendations)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}

	return entries, nil
}

func decodeList(raw []byte) []string {
	if len(raw) == 0 {
		return []string{}
	}
	var items []string
	if err := json.Unmarshal(raw, &items); err != nil || items == nil {
		return []string{}
	}
	return items
}
