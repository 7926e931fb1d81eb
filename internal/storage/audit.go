package storage

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/servermint/relay/internal/errors"
	"github.com/servermint/relay/internal/events"
)

// timeLayout is fixed-width so that recorded_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// EventRecord is a stored relay event.
type EventRecord struct {
	ID int64 `json:"id"`
	events.Event
}

// Publish implements events.Sink.
func (s *SQLiteStore) Publish(ctx context.Context, e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Kind == events.KindFrameForwarded && !s.recordForwarded {
		return nil
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_events
			(kind, connection_id, user_id, node_id, message_type, category, code, recipients, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.Kind), e.ConnectionID, e.UserID, e.NodeID, e.MessageType,
		e.Category, e.Code, e.Recipients, e.Time.UTC().Format(timeLayout),
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "insert relay event", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		return []EventRecord{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, connection_id, user_id, node_id, message_type, category, code, recipients, recorded_at
		FROM relay_events
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "query relay events", err)
	}
	defer rows.Close()

	records := []EventRecord{}
	for rows.Next() {
		var (
			rec        EventRecord
			kind       string
			recordedAt string
		)
		if err := rows.Scan(&rec.ID, &kind, &rec.ConnectionID, &rec.UserID, &rec.NodeID,
			&rec.MessageType, &rec.Category, &rec.Code, &rec.Recipients, &recordedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "scan relay event", err)
		}
		rec.Kind = events.Kind(kind)
		rec.Time, err = time.Parse(timeLayout, recordedAt)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed,
				fmt.Sprintf("parse recorded_at of event %d", rec.ID), err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "iterate relay events", err)
	}
	return records, nil
}

// Count returns the number of stored events.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM relay_events").Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "count relay events", err)
	}
	return n, nil
}

// Cleanup deletes events older than retention and returns how many were removed.
func (s *SQLiteStore) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-retention).Format(timeLayout)
	result, err := s.db.ExecContext(ctx, "DELETE FROM relay_events WHERE recorded_at < ?", cutoff)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeStorageSaveFailed, "cleanup relay events", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
