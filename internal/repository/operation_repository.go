package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrLogNotFound is returned when no audit entry exists for a request id.
var ErrLogNotFound = errors.New("operation log not found")

// OperationLog represents one audited bridge operation.
type OperationLog struct {
	ID          uint      `gorm:"primaryKey"`
	RequestID   string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Operation   string    `gorm:"column:operation;size:16;index"`
	SubjectID   string    `gorm:"column:subject_id;size:64"`
	FingerIndex int       `gorm:"column:finger_index"`
	Partition   string    `gorm:"column:partition;size:32"`
	Decision    string    `gorm:"column:decision;size:16"`
	Score       float64   `gorm:"column:score"`
	Success     bool      `gorm:"column:success"`
	Details     string    `gorm:"column:details;type:text"`
	DurationMs  int64     `gorm:"column:duration_ms"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (OperationLog) TableName() string {
	return "operation_logs"
}

// MetricsAggregation holds totals computed over the audit log.
type MetricsAggregation struct {
	TotalCount                 int64
	SuccessCount               int64
	AverageScore               float64
	AverageProcessingLatencyMs float64
}

// OperationRepository provides persistence APIs for operation logs.
type OperationRepository struct {
	retrier
	db *gorm.DB
}

// NewOperationRepository creates a new repository instance.
func NewOperationRepository(db *gorm.DB, logger *zap.Logger) *OperationRepository {
	return &OperationRepository{
		retrier: newRetrier(logger.Named("operation_repository"), DefaultRetryPolicy()),
		db:      db,
	}
}

// AutoMigrate ensures the schema is available.
func (r *OperationRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&OperationLog{})
}

// SaveLog persists an operation log entry.
func (r *OperationRepository) SaveLog(ctx context.Context, log *OperationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the log entry written for requestID.
func (r *OperationRepository) FindByRequestID(ctx context.Context, requestID string) (*OperationLog, error) {
	var log OperationLog
	err := r.executeWithRetry(ctx, "repository.find_log", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrLogNotFound
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics summarises every logged operation.
func (r *OperationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount   int64
		SuccessCount int64
		AverageScore *float64
		AverageMs    *float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).Model(&OperationLog{}).
			Select("COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count, " +
				"AVG(score) AS average_score, " +
				"AVG(duration_ms) AS average_ms").
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	agg := &MetricsAggregation{TotalCount: row.TotalCount, SuccessCount: row.SuccessCount}
	if row.AverageScore != nil {
		agg.AverageScore = *row.AverageScore
	}
	if row.AverageMs != nil {
		agg.AverageProcessingLatencyMs = *row.AverageMs
	}
	return agg, nil
}
