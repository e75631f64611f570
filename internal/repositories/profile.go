package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dumpkeep-io/dumpkeep/internal/db"
)

// gormProfileRepository is the GORM implementation of ProfileRepository.
type gormProfileRepository struct {
	db *gorm.DB
}

// NewProfileRepository returns a ProfileRepository backed by the provided *gorm.DB.
func NewProfileRepository(db *gorm.DB) ProfileRepository {
	return &gormProfileRepository{db: db}
}

func (r *gormProfileRepository) Create(ctx context.Context, profile *db.EncryptionProfile) error {
	if err := r.db.WithContext(ctx).Create(profile).Error; err != nil {
		return fmt.Errorf("profiles: create: %w", err)
	}
	return nil
}

func (r *gormProfileRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.EncryptionProfile, error) {
	var profile db.EncryptionProfile
	err := r.db.WithContext(ctx).First(&profile, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("profiles: get by id: %w", err)
	}
	return &profile, nil
}

func (r *gormProfileRepository) Update(ctx context.Context, profile *db.EncryptionProfile) error {
	result := r.db.WithContext(ctx).Save(profile)
	if result.Error != nil {
		return fmt.Errorf("profiles: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a profile permanently (hard delete — profiles carry no
// softDelete). Artifacts encrypted under the profile become unreadable.
func (r *gormProfileRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.EncryptionProfile{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("profiles: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormProfileRepository) List(ctx context.Context, opts ListOptions) ([]db.EncryptionProfile, int64, error) {
	var profiles []db.EncryptionProfile
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.EncryptionProfile{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("profiles: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&profiles).Error; err != nil {
		return nil, 0, fmt.Errorf("profiles: list: %w", err)
	}

	return profiles, total, nil
}
