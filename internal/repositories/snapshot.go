package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dumpkeep-io/dumpkeep/internal/db"
)

// gormSnapshotRepository is the GORM implementation of SnapshotRepository.
type gormSnapshotRepository struct {
	db *gorm.DB
}

// NewSnapshotRepository returns a SnapshotRepository backed by the provided *gorm.DB.
func NewSnapshotRepository(db *gorm.DB) SnapshotRepository {
	return &gormSnapshotRepository{db: db}
}

func (r *gormSnapshotRepository) Create(ctx context.Context, snapshot *db.StorageSnapshot) error {
	if err := r.db.WithContext(ctx).Create(snapshot).Error; err != nil {
		return fmt.Errorf("snapshots: create: %w", err)
	}
	return nil
}

// ListByDestination returns snapshots newest-first. The alert monitor walks
// this slice forward in time order, so the ordering contract matters.
func (r *gormSnapshotRepository) ListByDestination(ctx context.Context, destinationID uuid.UUID, limit int) ([]db.StorageSnapshot, error) {
	var snapshots []db.StorageSnapshot
	if err := r.db.WithContext(ctx).
		Where("destination_id = ?", destinationID).
		Order("captured_at DESC").
		Limit(limit).
		Find(&snapshots).Error; err != nil {
		return nil, fmt.Errorf("snapshots: list by destination: %w", err)
	}
	return snapshots, nil
}

// DeleteOlderThan purges snapshot rows captured before t. Run periodically
// so the snapshot table does not grow without bound.
func (r *gormSnapshotRepository) DeleteOlderThan(ctx context.Context, t time.Time) error {
	if err := r.db.WithContext(ctx).
		Where("captured_at < ?", t).
		Delete(&db.StorageSnapshot{}).Error; err != nil {
		return fmt.Errorf("snapshots: delete older than: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// AlertState
// -----------------------------------------------------------------------------

// gormAlertStateRepository is the GORM implementation of AlertStateRepository.
type gormAlertStateRepository struct {
	db *gorm.DB
}

// NewAlertStateRepository returns an AlertStateRepository backed by the provided *gorm.DB.
func NewAlertStateRepository(db *gorm.DB) AlertStateRepository {
	return &gormAlertStateRepository{db: db}
}

func (r *gormAlertStateRepository) Get(ctx context.Context, destinationID uuid.UUID, kind string) (*db.AlertState, error) {
	var state db.AlertState
	err := r.db.WithContext(ctx).
		Where("destination_id = ? AND alert_kind = ?", destinationID, kind).
		First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("alert states: get: %w", err)
	}
	return &state, nil
}

// Upsert inserts or updates the state row for the (destination, kind) pair.
// The read-modify-write is wrapped in a transaction so two concurrent
// monitor cycles cannot interleave on the same pair.
func (r *gormAlertStateRepository) Upsert(ctx context.Context, state *db.AlertState) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing db.AlertState
		err := tx.Where("destination_id = ? AND alert_kind = ?", state.DestinationID, state.AlertKind).
			First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(state).Error
		case err != nil:
			return err
		default:
			return tx.Model(&existing).Updates(map[string]interface{}{
				"active":           state.Active,
				"last_notified_at": state.LastNotifiedAt,
			}).Error
		}
	})
	if err != nil {
		return fmt.Errorf("alert states: upsert: %w", err)
	}
	return nil
}

// Reset marks the state row inactive, clearing the cooldown timestamp.
// Missing rows are fine — a pair that never fired has nothing to reset.
func (r *gormAlertStateRepository) Reset(ctx context.Context, destinationID uuid.UUID, kind string) error {
	err := r.db.WithContext(ctx).
		Model(&db.AlertState{}).
		Where("destination_id = ? AND alert_kind = ?", destinationID, kind).
		Updates(map[string]interface{}{
			"active":           false,
			"last_notified_at": nil,
		}).Error
	if err != nil {
		return fmt.Errorf("alert states: reset: %w", err)
	}
	return nil
}
