package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	apperrors "github.com/servermint/relay/internal/errors"
	"github.com/servermint/relay/internal/events"
)

// TestMemoryStore verifies an in-memory database is migrated and usable.
func TestMemoryStore(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	records, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected empty log, got %d records", len(records))
	}
}

// TestCorruptDatabase verifies a non-SQLite file is rejected at open.
func TestCorruptDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "corrupt.db")
	if err := os.WriteFile(dbPath, []byte("this is not a valid sqlite database"), 0644); err != nil {
		t.Fatalf("failed to create corrupt file: %v", err)
	}

	store, err := NewSQLiteStore(dbPath)
	if err == nil {
		store.Close()
		t.Fatal("expected error for corrupt database, got nil")
	}
	if !apperrors.IsCode(err, apperrors.CodeStorageOpenFailed) {
		t.Errorf("code = %q, want %q", apperrors.GetCode(err), apperrors.CodeStorageOpenFailed)
	}
	t.Logf("Corrupt DB error (expected): %v", err)
}

// TestInvalidTimestampInDatabase verifies a bad recorded_at surfaces as a
// query error instead of a zero time.
func TestInvalidTimestampInDatabase(t *testing.T) {
	store := newTestStore(t)

	_, err := store.db.Exec(`
		INSERT INTO relay_events (kind, recorded_at)
		VALUES ('token_issued', 'not-a-valid-timestamp')
	`)
	if err != nil {
		t.Fatalf("failed to insert bad data: %v", err)
	}

	_, err = store.Recent(context.Background(), 10)
	if err == nil {
		t.Fatal("expected error for invalid timestamp, got nil")
	}
	if !apperrors.IsCode(err, apperrors.CodeStorageQueryFailed) {
		t.Errorf("code = %q, want %q", apperrors.GetCode(err), apperrors.CodeStorageQueryFailed)
	}
	if !strings.Contains(err.Error(), "parse") {
		t.Errorf("expected parse error, got: %v", err)
	}
}

// TestClosedStore verifies operations on a closed store return coded errors.
func TestClosedStore(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "closed.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	store.Close()

	ctx := context.Background()
	if err := store.Publish(ctx, events.Event{Kind: events.KindTokenIssued}); !apperrors.IsCode(err, apperrors.CodeStorageSaveFailed) {
		t.Errorf("Publish on closed store = %v, want %s", err, apperrors.CodeStorageSaveFailed)
	}
	if _, err := store.Count(ctx); !apperrors.IsCode(err, apperrors.CodeStorageQueryFailed) {
		t.Errorf("Count on closed store = %v, want %s", err, apperrors.CodeStorageQueryFailed)
	}
}

// TestConcurrentAccess verifies concurrent writers and readers do not lose
// events.
func TestConcurrentAccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			e := events.Event{
				Kind:   events.KindTokenIssued,
				UserID: fmt.Sprintf("user-%d", n),
			}
			if err := store.Publish(ctx, e); err != nil {
				t.Errorf("Publish failed: %v", err)
			}
			store.Recent(ctx, 5)
			store.Count(ctx)
		}(i)
	}
	wg.Wait()

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 10 {
		t.Errorf("expected 10 events, got %d", n)
	}
}
