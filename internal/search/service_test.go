package search

import (
	"strings"
	"testing"
	"time"

	"gridbook/api/internal/store"
)

func TestToRecord(t *testing.T) {
	entry := store.AuditEntry{
		ID:        42,
		UserID:    "u1",
		Email:     "a@x.com",
		Action:    "save_all",
		Sheet:     "Budget",
		Details:   map[string]any{"rows": 12},
		CreatedAt: time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC),
	}
	record := toRecord(entry)
	if record.ID != "42" || record.Action != "save_all" || record.Sheet != "Budget" {
		t.Errorf("unexpected record: %+v", record)
	}
	if !strings.Contains(record.Details, `"rows":12`) {
		t.Errorf("details not serialized: %q", record.Details)
	}
	if record.At != "2026-07-01T08:00:00Z" {
		t.Errorf("unexpected timestamp: %q", record.At)
	}
}

func TestNonNil(t *testing.T) {
	if out := nonNil(nil); out == nil || len(out) != 0 {
		t.Errorf("expected empty slice, got %v", out)
	}
	in := []Result{{ID: "1"}}
	if out := nonNil(in); len(out) != 1 {
		t.Errorf("expected passthrough, got %v", out)
	}
}
