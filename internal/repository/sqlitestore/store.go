// Package sqlitestore provides an embedded SQLite implementation of the
// template store and the operation log.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/example/finger-bridge/internal/fingerprint"
	"github.com/example/finger-bridge/internal/repository"
)

const schema = `
CREATE TABLE IF NOT EXISTS fingerprint_templates (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	person_id    TEXT    NOT NULL,
	finger_index INTEGER NOT NULL,
	member       TEXT    NOT NULL,
	image_bmp    BLOB,
	template     BLOB,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	UNIQUE (person_id, finger_index, member)
);
CREATE TABLE IF NOT EXISTS operation_logs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id   TEXT    NOT NULL UNIQUE,
	operation    TEXT    NOT NULL,
	subject_id   TEXT    NOT NULL DEFAULT '',
	finger_index INTEGER NOT NULL DEFAULT 0,
	"partition"  TEXT    NOT NULL DEFAULT '',
	decision     TEXT    NOT NULL DEFAULT '',
	score        REAL    NOT NULL DEFAULT 0,
	success      INTEGER NOT NULL DEFAULT 0,
	details      TEXT    NOT NULL DEFAULT '',
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_operation_logs_operation ON operation_logs (operation);
`

const busyRetries = 3

// Store persists templates and operation logs in one SQLite file.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path and creates the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Get loads the record stored under key.
func (s *Store) Get(ctx context.Context, key fingerprint.Key) (*fingerprint.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT person_id, finger_index, member, image_bmp, template, updated_at
		   FROM fingerprint_templates
		  WHERE person_id = ? AND finger_index = ? AND member = ?`,
		key.SubjectID, key.FingerIndex, key.Partition,
	)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fingerprint.ErrRecordNotFound
	}
	if err != nil {
		return nil, fingerprint.StoreError("get template", err)
	}
	return record, nil
}

// ListAllWithImage returns every record holding an image in insertion order.
func (s *Store) ListAllWithImage(ctx context.Context) ([]fingerprint.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT person_id, finger_index, member, image_bmp, template, updated_at
		   FROM fingerprint_templates
		  WHERE image_bmp IS NOT NULL AND length(image_bmp) > 0
		  ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fingerprint.StoreError("list templates", err)
	}
	defer rows.Close()

	var records []fingerprint.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fingerprint.StoreError("scan template", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fingerprint.StoreError("list templates", err)
	}
	return records, nil
}

// Upsert inserts the record or overwrites the image and template stored under its key.
func (s *Store) Upsert(ctx context.Context, record *fingerprint.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := record.Key.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	err := withBusyRetry(ctx, func() error {
		_, err := s.sqlDB.ExecContext(ctx,
			`INSERT INTO fingerprint_templates (person_id, finger_index, member, image_bmp, template, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (person_id, finger_index, member) DO UPDATE SET
			   image_bmp = excluded.image_bmp,
			   template = excluded.template,
			   updated_at = excluded.updated_at`,
			record.Key.SubjectID, record.Key.FingerIndex, record.Key.Partition,
			record.ImageBMP, record.Template, toMillis(now), toMillis(now),
		)
		return err
	})
	if err != nil {
		return fingerprint.StoreError("upsert template", err)
	}
	record.UpdatedAt = fromMillis(toMillis(now))
	return nil
}

// SaveLog persists an operation log entry.
func (s *Store) SaveLog(ctx context.Context, log *repository.OperationLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	return withBusyRetry(ctx, func() error {
		res, err := s.sqlDB.ExecContext(ctx,
			`INSERT INTO operation_logs (request_id, operation, subject_id, finger_index, "partition",
			   decision, score, success, details, duration_ms, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			log.RequestID, log.Operation, log.SubjectID, log.FingerIndex, log.Partition,
			log.Decision, log.Score, log.Success, log.Details, log.DurationMs, toMillis(log.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("save operation log: %w", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			log.ID = uint(id)
		}
		return nil
	})
}

// FindByRequestID retrieves the log entry written for requestID.
func (s *Store) FindByRequestID(ctx context.Context, requestID string) (*repository.OperationLog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		log       repository.OperationLog
		id        int64
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, request_id, operation, subject_id, finger_index, "partition",
		        decision, score, success, details, duration_ms, created_at
		   FROM operation_logs WHERE request_id = ?`,
		requestID,
	).Scan(&id, &log.RequestID, &log.Operation, &log.SubjectID, &log.FingerIndex, &log.Partition,
		&log.Decision, &log.Score, &log.Success, &log.Details, &log.DurationMs, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrLogNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find operation log: %w", err)
	}
	log.ID = uint(id)
	log.CreatedAt = fromMillis(createdAt)
	return &log, nil
}

// AggregateMetrics summarises every logged operation.
func (s *Store) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		agg       repository.MetricsAggregation
		avgScore  sql.NullFloat64
		avgMillis sql.NullFloat64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(success), 0), AVG(score), AVG(duration_ms) FROM operation_logs`,
	).Scan(&agg.TotalCount, &agg.SuccessCount, &avgScore, &avgMillis)
	if err != nil {
		return nil, fmt.Errorf("aggregate metrics: %w", err)
	}
	agg.AverageScore = avgScore.Float64
	agg.AverageProcessingLatencyMs = avgMillis.Float64
	return &agg, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*fingerprint.Record, error) {
	var (
		record    fingerprint.Record
		updatedAt int64
	)
	if err := row.Scan(
		&record.Key.SubjectID,
		&record.Key.FingerIndex,
		&record.Key.Partition,
		&record.ImageBMP,
		&record.Template,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	record.UpdatedAt = fromMillis(updatedAt)
	return &record, nil
}

func withBusyRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		if err = fn(); err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 20 * time.Millisecond):
		}
	}
	return err
}

func isBusy(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return true
		}
	}
	return false
}
