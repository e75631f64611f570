package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dumpkeep-io/dumpkeep/internal/db"
)

// gormDestinationRepository is the GORM implementation of DestinationRepository.
type gormDestinationRepository struct {
	db *gorm.DB
}

// NewDestinationRepository returns a DestinationRepository backed by the provided *gorm.DB.
func NewDestinationRepository(db *gorm.DB) DestinationRepository {
	return &gormDestinationRepository{db: db}
}

func (r *gormDestinationRepository) Create(ctx context.Context, destination *db.Destination) error {
	if err := r.db.WithContext(ctx).Create(destination).Error; err != nil {
		return fmt.Errorf("destinations: create: %w", err)
	}
	return nil
}

func (r *gormDestinationRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Destination, error) {
	var destination db.Destination
	err := r.db.WithContext(ctx).First(&destination, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("destinations: get by id: %w", err)
	}
	return &destination, nil
}

func (r *gormDestinationRepository) Update(ctx context.Context, destination *db.Destination) error {
	result := r.db.WithContext(ctx).Save(destination)
	if result.Error != nil {
		return fmt.Errorf("destinations: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormDestinationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Destination{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("destinations: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormDestinationRepository) List(ctx context.Context, opts ListOptions) ([]db.Destination, int64, error) {
	var destinations []db.Destination
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Destination{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("destinations: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&destinations).Error; err != nil {
		return nil, 0, fmt.Errorf("destinations: list: %w", err)
	}

	return destinations, total, nil
}

// ListAll returns every destination without pagination. Used by the
// snapshot collector and the alert monitor, which walk all destinations
// on every cycle.
func (r *gormDestinationRepository) ListAll(ctx context.Context) ([]db.Destination, error) {
	var destinations []db.Destination
	if err := r.db.WithContext(ctx).Find(&destinations).Error; err != nil {
		return nil, fmt.Errorf("destinations: list all: %w", err)
	}
	return destinations, nil
}
