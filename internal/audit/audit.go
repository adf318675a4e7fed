package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Actions recorded in the trail.
const (
	ActionSign       = "certificate.sign"
	ActionBatchSign  = "certificate.batch_sign"
	ActionDataSign   = "certificate.data_sign"
	ActionVerify     = "certificate.verify"
	ActionDelete     = "certificate.delete"
	ActionSendEmail  = "certificate.send_email"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// Entry is one audit record.
type Entry struct {
	ID            uuid.UUID      `json:"id" gorm:"primaryKey;type:uuid"`
	CertificateID string         `json:"certificateId" gorm:"index;size:64"`
	Action        string         `json:"action" gorm:"index;size:64;not null"`
	Actor         string         `json:"actor" gorm:"size:255"`
	Outcome       string         `json:"outcome" gorm:"size:32;not null"`
	Details       datatypes.JSON `json:"details"`
	CreatedAt     time.Time      `json:"createdAt" gorm:"autoCreateTime;index"`
}

func (Entry) TableName() string { return "audit_entries" }

func (e *Entry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// Query narrows a trail listing.
type Query struct {
	CertificateID string
	Action        string
	Since         time.Time
	Limit         int
}

// Recorder writes audit entries on a best-effort basis.
type Recorder interface {
	Record(ctx context.Context, e Entry, details interface{})
	List(ctx context.Context, q Query) ([]Entry, error)
}

type gormRecorder struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRecorder migrates the audit table and returns a recorder.
func NewRecorder(db *gorm.DB, logger *zap.Logger) (Recorder, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate audit entries: %w", err)
	}
	return &gormRecorder{db: db, logger: logger}, nil
}

// Record stores e with details marshalled to JSON. Failures are logged and
// never returned: the trail must not change the outcome of the audited call.
func (r *gormRecorder) Record(ctx context.Context, e Entry, details interface{}) {
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			r.logger.Warn("Failed to encode audit details", zap.String("action", e.Action), zap.Error(err))
		} else {
			e.Details = datatypes.JSON(raw)
		}
	}
	if err := r.db.WithContext(ctx).Create(&e).Error; err != nil {
		r.logger.Warn("Failed to record audit entry",
			zap.String("action", e.Action),
			zap.String("certificate_id", e.CertificateID),
			zap.Error(err))
	}
}

func (r *gormRecorder) List(ctx context.Context, q Query) ([]Entry, error) {
	tx := r.db.WithContext(ctx).Order("created_at desc")
	if q.CertificateID != "" {
		tx = tx.Where("certificate_id = ?", q.CertificateID)
	}
	if q.Action != "" {
		tx = tx.Where("action = ?", q.Action)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("created_at >= ?", q.Since)
	}
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []Entry
	err := tx.Limit(limit).Find(&entries).Error
	return entries, err
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Record(context.Context, Entry, interface{}) {}

func (Nop) List(context.Context, Query) ([]Entry, error) { return nil, nil }
