package blobstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DayLog appends privileged-action records to one NDJSON object per UTC
// day. The append is a whole-object read-modify-write: concurrent writers
// within the same day can lose lines. Accepted as best-effort; the audit
// table in Postgres remains the durable record.
type DayLog struct {
	store  ObjectStore
	prefix string
	now    func() time.Time
}

func NewDayLog(store ObjectStore, prefix string) *DayLog {
	return &DayLog{store: store, prefix: prefix, now: time.Now}
}

func (l *DayLog) keyFor(day time.Time) string {
	return fmt.Sprintf("%s/%s.ndjson", l.prefix, day.UTC().Format("2006-01-02"))
}

// Append marshals record as one JSON line and appends it to today's log.
func (l *DayLog) Append(ctx context.Context, record map[string]any) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal day log record: %w", err)
	}

	key := l.keyFor(l.now())
	existing, _, err := l.store.Download(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("read day log: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(existing)
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.Write(line)
	buf.WriteByte('\n')

	if _, err := l.store.Upload(ctx, key, buf.Bytes(), "application/x-ndjson", ""); err != nil {
		return fmt.Errorf("write day log: %w", err)
	}
	return nil
}

// Read returns the decoded records for one UTC day, oldest first.
func (l *DayLog) Read(ctx context.Context, day time.Time) ([]map[string]any, error) {
	data, _, err := l.store.Download(ctx, l.keyFor(day))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read day log: %w", err)
	}

	var records []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal(line, &record); err != nil {
			// Skip torn lines rather than failing the whole read.
			continue
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan day log: %w", err)
	}
	return records, nil
}
