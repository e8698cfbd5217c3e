package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/finger-bridge/internal/fingerprint"
	"github.com/example/finger-bridge/internal/logging"
)

type transientTestError struct{}

func (transientTestError) Error() string   { return "transient" }
func (transientTestError) Timeout() bool   { return true }
func (transientTestError) Temporary() bool { return true }

func TestExecuteWithRetryRetriesTransientErrors(t *testing.T) {
	r := &retrier{
		logger:         zap.NewNop(),
		retryAttempts:  3,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}

	attempts := 0
	err := r.executeWithRetry(context.Background(), "test.operation", "req-1", func() error {
		attempts++
		if attempts < 2 {
			return transientTestError{}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestExecuteWithRetryReturnsOperationError(t *testing.T) {
	r := &retrier{
		logger:         zap.NewNop(),
		retryAttempts:  2,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}

	attempts := 0
	err := r.executeWithRetry(context.Background(), "test.operation", "req-2", func() error {
		attempts++
		return errors.New("boom")
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}

	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "test.operation" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
	if opErr.RequestID != "req-2" {
		t.Fatalf("unexpected request id: %s", opErr.RequestID)
	}
}

func TestExecuteWithRetryStopsOnCancelledContext(t *testing.T) {
	r := &retrier{
		logger:         zap.NewNop(),
		retryAttempts:  5,
		initialBackoff: time.Hour,
		maxBackoff:     time.Hour,
	}
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	err := r.executeWithRetry(ctx, "test.operation", "req-3", func() error {
		attempts++
		cancel()
		return driver.ErrBadConn
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestExecuteWithRetryKeepsRecordNotFound(t *testing.T) {
	r := &retrier{logger: zap.NewNop(), retryAttempts: 3, initialBackoff: time.Millisecond, maxBackoff: time.Millisecond}

	err := r.executeWithRetry(context.Background(), "test.operation", "", func() error {
		return gorm.ErrRecordNotFound
	})
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected gorm.ErrRecordNotFound, got %v", err)
	}
}

func TestTemplateRowRoundTripsKey(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	record := &fingerprint.Record{
		Key:      fingerprint.NewKey("P-17", 6, "suspect"),
		ImageBMP: []byte{1, 2, 3},
		Template: []byte{9},
	}

	row := templateFromRecord(record, now)
	if row.PersonID != "P-17" || row.FingerIndex != 6 || row.Member != "suspect" {
		t.Fatalf("unexpected row key: %+v", row)
	}

	back := row.toRecord()
	if back.Key != record.Key {
		t.Fatalf("expected key %v, got %v", record.Key, back.Key)
	}
	if !back.UpdatedAt.Equal(now) {
		t.Fatalf("expected updated_at %v, got %v", now, back.UpdatedAt)
	}
	if string(back.ImageBMP) != string(record.ImageBMP) {
		t.Fatalf("image bytes not preserved")
	}
}

func TestUpsertRejectsInvalidKeyBeforeTouchingDatabase(t *testing.T) {
	repo := &TemplateRepository{retrier: retrier{logger: zap.NewNop(), retryAttempts: 1}}

	err := repo.Upsert(context.Background(), &fingerprint.Record{Key: fingerprint.NewKey("", 3, "")})
	if !errors.Is(err, fingerprint.ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}
