package security

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SecurityAuditLog is one append-only record of a security check outcome.
// Rows carry identifiers and thresholds only, never credentials or raw
// check internals.
type SecurityAuditLog struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Identity  string    `json:"identity" gorm:"index"`
	OrderID   *uuid.UUID `json:"order_id,omitempty" gorm:"type:uuid;index"`
	Check     string    `json:"check" gorm:"index"`
	Passed    bool      `json:"passed"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

// AuditTrail persists security check outcomes. Writes are append-only and
// safe for concurrent callers; each insert is independent.
type AuditTrail struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewAuditTrail creates an audit trail over db.
func NewAuditTrail(logger *zap.Logger, db *gorm.DB) *AuditTrail {
	return &AuditTrail{logger: logger, db: db}
}

// Migrate creates the audit table.
func (a *AuditTrail) Migrate() error {
	return a.db.AutoMigrate(&SecurityAuditLog{})
}

// Record appends one check outcome. Persistence failures are logged, not
// propagated; a broken audit store must not block order flow.
func (a *AuditTrail) Record(ctx context.Context, identity string, orderID *uuid.UUID, check string, passed bool, detail string) {
	entry := &SecurityAuditLog{
		ID:        uuid.New(),
		Identity:  identity,
		OrderID:   orderID,
		Check:     check,
		Passed:    passed,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	if err := a.db.WithContext(ctx).Create(entry).Error; err != nil {
		a.logger.Error("failed to persist security audit entry",
			zap.String("check", check), zap.Error(err))
	}
	a.logger.Info("security check",
		zap.String("identity", identity),
		zap.String("check", check),
		zap.Bool("passed", passed),
		zap.String("detail", detail))
}

// Entries returns the audit rows for an identity, newest first.
func (a *AuditTrail) Entries(ctx context.Context, identity string, limit int) ([]SecurityAuditLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var entries []SecurityAuditLog
	err := a.db.WithContext(ctx).
		Where("identity = ?", identity).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read audit entries: %w", err)
	}
	return entries, nil
}
