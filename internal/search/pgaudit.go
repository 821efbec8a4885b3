package search

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PgAudit is the fallback Searcher: ILIKE matching straight against the
// audit_entries table. Slower and dumber than Meilisearch, but always
// available while Postgres is.
type PgAudit struct {
	db *sql.DB
}

func NewPgAudit(db *sql.DB) *PgAudit {
	return &PgAudit{db: db}
}

// Healthy always reports true; Postgres availability gates the whole app.
func (p *PgAudit) Healthy() bool {
	return true
}

func (p *PgAudit) Search(ctx context.Context, q Query) ([]Result, int, error) {
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}

	where := []string{"1=1"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if q.Text != "" {
		pattern := "%" + q.Text + "%"
		ph := arg(pattern)
		where = append(where, fmt.Sprintf(
			"(action ILIKE %s OR COALESCE(sheet, '') ILIKE %s OR email ILIKE %s OR details::text ILIKE %s)",
			ph, ph, ph, ph))
	}
	if q.UserID != "" {
		where = append(where, "user_id = "+arg(q.UserID))
	}
	if q.Action != "" {
		where = append(where, "action = "+arg(q.Action))
	}
	cond := strings.Join(where, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM audit_entries WHERE " + cond
	if err := p.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit search: %w", err)
	}

	query := `SELECT id, user_id, email, action, COALESCE(sheet, ''), details::text, created_at
		FROM audit_entries WHERE ` + cond +
		" ORDER BY created_at DESC LIMIT " + arg(limit) + " OFFSET " + arg(q.Offset)
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("audit search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			id        int64
			r         Result
			details   string
			createdAt time.Time
		)
		if err := rows.Scan(&id, &r.UserID, &r.Email, &r.Action, &r.Sheet, &details, &createdAt); err != nil {
			return nil, 0, fmt.Errorf("scan audit search row: %w", err)
		}
		r.ID = strconv.FormatInt(id, 10)
		r.Snippet = details
		r.At = createdAt.UTC().Format(time.RFC3339)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate audit search rows: %w", err)
	}
	return results, total, nil
}

// LoadAllRecords reads every audit entry for reindexing into Meilisearch.
func (p *PgAudit) LoadAllRecords(ctx context.Context) ([]AuditRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, user_id, email, action, COALESCE(sheet, ''), details::text, created_at
		FROM audit_entries ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load audit records: %w", err)
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var (
			id        int64
			rec       AuditRecord
			createdAt time.Time
		)
		if err := rows.Scan(&id, &rec.UserID, &rec.Email, &rec.Action, &rec.Sheet, &rec.Details, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.ID = strconv.FormatInt(id, 10)
		rec.At = createdAt.UTC().Format(time.RFC3339)
		records = append(records, rec)
	}
	return records, rows.Err()
}
