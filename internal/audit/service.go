// Package audit records who did what to which sheet. Entries land in
// Postgres; privileged actions are additionally appended to the
// day-partitioned object-store log, and every entry is offered to the
// search indexer on a best-effort basis.
package audit

import (
	"context"
	"log"
	"time"

	"gridbook/api/internal/blobstore"
	"gridbook/api/internal/store"
)

// Store is the slice of the persistence layer the audit service needs.
type Store interface {
	InsertAuditEntry(ctx context.Context, entry store.AuditEntry) (int64, error)
	ListAuditEntries(ctx context.Context, filter store.AuditFilter) ([]store.AuditEntry, error)
	LatestSheet(ctx context.Context, userID string, actions []string) (string, error)
}

// Indexer receives entries for full-text search. Implementations must be
// safe for concurrent use; failures are logged, never surfaced.
type Indexer interface {
	IndexAuditEntry(ctx context.Context, entry store.AuditEntry) error
}

// mutatingActions are the actions that count as editing a sheet. The
// most recent of them decides which sheet the served sheet list pins
// to the front.
var mutatingActions = []string{"add_sheet", "delete_sheet", "save_all"}

type Service struct {
	store   Store
	dayLog  *blobstore.DayLog
	indexer Indexer
}

// New builds the service. dayLog and indexer may be nil; recording then
// skips those sinks.
func New(st Store, dayLog *blobstore.DayLog, indexer Indexer) *Service {
	return &Service{store: st, dayLog: dayLog, indexer: indexer}
}

// Record persists one entry and offers it to the search index. The index
// write runs inline but its failure only logs.
func (s *Service) Record(ctx context.Context, entry *store.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	id, err := s.store.InsertAuditEntry(ctx, *entry)
	if err != nil {
		return err
	}
	entry.ID = id
	if s.indexer != nil {
		if err := s.indexer.IndexAuditEntry(ctx, *entry); err != nil {
			log.Printf("audit: index entry %d: %v", entry.ID, err)
		}
	}
	return nil
}

// RecordPrivileged persists an admin action and mirrors it to the daily
// object-store log. The mirror is best-effort.
func (s *Service) RecordPrivileged(ctx context.Context, entry *store.AuditEntry) error {
	if err := s.Record(ctx, entry); err != nil {
		return err
	}
	if s.dayLog != nil {
		record := map[string]any{
			"at":      entry.CreatedAt.Format(time.RFC3339),
			"user_id": entry.UserID,
			"email":   entry.Email,
			"action":  entry.Action,
		}
		if entry.Sheet != "" {
			record["sheet"] = entry.Sheet
		}
		for k, v := range entry.Details {
			record[k] = v
		}
		if err := s.dayLog.Append(ctx, record); err != nil {
			log.Printf("audit: day log append: %v", err)
		}
	}
	return nil
}

// List returns entries matching the filter, reverse-chronological.
func (s *Service) List(ctx context.Context, filter store.AuditFilter) ([]store.AuditEntry, error) {
	return s.store.ListAuditEntries(ctx, filter)
}

// LatestSheet names the sheet the user edited most recently, or "" when
// their trail holds no mutating action.
func (s *Service) LatestSheet(ctx context.Context, userID string) (string, error) {
	return s.store.LatestSheet(ctx, userID, mutatingActions)
}

// PinFirst moves name to the front of sheets, keeping the rest in their
// existing relative order. Unknown names leave the list untouched; the
// reordering is presentation only, never persisted.
func PinFirst(sheets []string, name string) []string {
	for i, s := range sheets {
		if s != name {
			continue
		}
		pinned := make([]string, 0, len(sheets))
		pinned = append(pinned, name)
		pinned = append(pinned, sheets[:i]...)
		return append(pinned, sheets[i+1:]...)
	}
	return sheets
}
