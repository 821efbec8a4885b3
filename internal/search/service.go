package search

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"gridbook/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to
// direct Postgres matching.
type Service struct {
	meili *Meili
	pg    *PgAudit
}

// NewService creates a search service. meili may be nil if Meilisearch
// is not configured.
func NewService(meili *Meili, pg *PgAudit) *Service {
	return &Service{meili: meili, pg: pg}
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}

	results, total, err := s.pg.Search(ctx, q)
	if err != nil {
		log.Printf("search: postgres fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexAuditEntry pushes one stored entry into Meilisearch. Satisfies
// the audit service's indexer contract; failures only log.
func (s *Service) IndexAuditEntry(_ context.Context, entry store.AuditEntry) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	record := toRecord(entry)
	go func() {
		if err := s.meili.IndexAudit(record); err != nil {
			log.Printf("search: index audit entry %s: %v", record.ID, err)
		}
	}()
	return nil
}

// ReindexAllFromPG reloads every audit entry from PostgreSQL into
// Meilisearch. Called at startup when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pg == nil {
		return
	}
	records, err := s.pg.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexAudits(records); err != nil {
		log.Printf("search: reindex failed: %v", err)
	}
}

func toRecord(entry store.AuditEntry) AuditRecord {
	details := ""
	if len(entry.Details) > 0 {
		if data, err := json.Marshal(entry.Details); err == nil {
			details = string(data)
		}
	}
	return AuditRecord{
		ID:      strconv.FormatInt(entry.ID, 10),
		UserID:  entry.UserID,
		Email:   entry.Email,
		Action:  entry.Action,
		Sheet:   entry.Sheet,
		Details: details,
		At:      entry.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
