// Package repository persists fingerprint templates and operation audit logs
// in PostgreSQL through gorm.
package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/finger-bridge/internal/fingerprint"
)

// FingerprintTemplate is one stored finger keyed by person, finger and member partition.
type FingerprintTemplate struct {
	ID          uint      `gorm:"primaryKey"`
	PersonID    string    `gorm:"column:person_id;size:64;not null;uniqueIndex:idx_fingerprint_templates_key"`
	FingerIndex int       `gorm:"column:finger_index;not null;uniqueIndex:idx_fingerprint_templates_key"`
	Member      string    `gorm:"column:member;size:32;not null;uniqueIndex:idx_fingerprint_templates_key"`
	ImageBMP    []byte    `gorm:"column:image_bmp"`
	Template    []byte    `gorm:"column:template"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

// TableName overrides the default table name.
func (FingerprintTemplate) TableName() string {
	return "fingerprint_templates"
}

func (t *FingerprintTemplate) toRecord() fingerprint.Record {
	return fingerprint.Record{
		Key:       fingerprint.Key{SubjectID: t.PersonID, FingerIndex: t.FingerIndex, Partition: t.Member},
		ImageBMP:  t.ImageBMP,
		Template:  t.Template,
		UpdatedAt: t.UpdatedAt,
	}
}

func templateFromRecord(r *fingerprint.Record, now time.Time) *FingerprintTemplate {
	return &FingerprintTemplate{
		PersonID:    r.Key.SubjectID,
		FingerIndex: r.Key.FingerIndex,
		Member:      r.Key.Partition,
		ImageBMP:    r.ImageBMP,
		Template:    r.Template,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// TemplateRepository implements the template store on PostgreSQL.
type TemplateRepository struct {
	retrier
	db *gorm.DB
}

// NewTemplateRepository creates a repository with the default retry policy.
func NewTemplateRepository(db *gorm.DB, logger *zap.Logger) *TemplateRepository {
	return &TemplateRepository{
		retrier: newRetrier(logger.Named("template_repository"), DefaultRetryPolicy()),
		db:      db,
	}
}

// AutoMigrate ensures the schema is available.
func (r *TemplateRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&FingerprintTemplate{})
}

// Get loads the record stored under key.
func (r *TemplateRepository) Get(ctx context.Context, key fingerprint.Key) (*fingerprint.Record, error) {
	var row FingerprintTemplate
	err := r.executeWithRetry(ctx, "repository.get_template", "", func() error {
		return r.db.WithContext(ctx).
			Where("person_id = ? AND finger_index = ? AND member = ?", key.SubjectID, key.FingerIndex, key.Partition).
			First(&row).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fingerprint.ErrRecordNotFound
	}
	if err != nil {
		return nil, fingerprint.StoreError("get template", err)
	}
	record := row.toRecord()
	return &record, nil
}

// ListAllWithImage returns every record holding an image in insertion order.
func (r *TemplateRepository) ListAllWithImage(ctx context.Context) ([]fingerprint.Record, error) {
	var rows []FingerprintTemplate
	err := r.executeWithRetry(ctx, "repository.list_templates", "", func() error {
		rows = rows[:0]
		return r.db.WithContext(ctx).
			Where("image_bmp IS NOT NULL AND length(image_bmp) > 0").
			Order("id ASC").
			Find(&rows).Error
	})
	if err != nil {
		return nil, fingerprint.StoreError("list templates", err)
	}
	records := make([]fingerprint.Record, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].toRecord())
	}
	return records, nil
}

// Upsert inserts the record or overwrites the image and template stored under its key.
func (r *TemplateRepository) Upsert(ctx context.Context, record *fingerprint.Record) error {
	if err := record.Key.Validate(); err != nil {
		return err
	}
	row := templateFromRecord(record, time.Now().UTC())
	err := r.executeWithRetry(ctx, "repository.upsert_template", "", func() error {
		return r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "person_id"}, {Name: "finger_index"}, {Name: "member"}},
			DoUpdates: clause.AssignmentColumns([]string{"image_bmp", "template", "updated_at"}),
		}).Create(row).Error
	})
	if err != nil {
		return fingerprint.StoreError("upsert template", err)
	}
	record.UpdatedAt = row.UpdatedAt
	return nil
}
