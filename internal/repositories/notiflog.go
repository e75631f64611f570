package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dumpkeep-io/dumpkeep/internal/db"
)

// gormNotificationLogRepository is the GORM implementation of NotificationLogRepository.
type gormNotificationLogRepository struct {
	db *gorm.DB
}

// NewNotificationLogRepository returns a NotificationLogRepository backed by the provided *gorm.DB.
func NewNotificationLogRepository(db *gorm.DB) NotificationLogRepository {
	return &gormNotificationLogRepository{db: db}
}

func (r *gormNotificationLogRepository) Create(ctx context.Context, log *db.NotificationLog) error {
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("notification logs: create: %w", err)
	}
	return nil
}

func (r *gormNotificationLogRepository) ListByChannel(ctx context.Context, channelID uuid.UUID, opts ListOptions) ([]db.NotificationLog, int64, error) {
	var logs []db.NotificationLog
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.NotificationLog{}).
		Where("channel_id = ?", channelID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("notification logs: list by channel count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("notification logs: list by channel: %w", err)
	}

	return logs, total, nil
}

// DeleteOlderThan purges delivery records created before t.
func (r *gormNotificationLogRepository) DeleteOlderThan(ctx context.Context, t time.Time) error {
	if err := r.db.WithContext(ctx).
		Where("created_at < ?", t).
		Delete(&db.NotificationLog{}).Error; err != nil {
		return fmt.Errorf("notification logs: delete older than: %w", err)
	}
	return nil
}
