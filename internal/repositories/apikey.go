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

// gormAPIKeyRepository is the GORM implementation of APIKeyRepository.
type gormAPIKeyRepository struct {
	db *gorm.DB
}

// NewAPIKeyRepository returns an APIKeyRepository backed by the provided *gorm.DB.
func NewAPIKeyRepository(db *gorm.DB) APIKeyRepository {
	return &gormAPIKeyRepository{db: db}
}

func (r *gormAPIKeyRepository) Create(ctx context.Context, key *db.APIKey) error {
	if err := r.db.WithContext(ctx).Create(key).Error; err != nil {
		return fmt.Errorf("api keys: create: %w", err)
	}
	return nil
}

// GetByHash looks up a key by the SHA-256 hex of the presented token.
// The raw token never reaches the repository layer.
func (r *gormAPIKeyRepository) GetByHash(ctx context.Context, hash string) (*db.APIKey, error) {
	var key db.APIKey
	err := r.db.WithContext(ctx).First(&key, "token_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("api keys: get by hash: %w", err)
	}
	return &key, nil
}

// TouchLastUsed updates the last_used_at timestamp. Failures are not fatal
// for the request path; callers log and continue.
func (r *gormAPIKeyRepository) TouchLastUsed(ctx context.Context, id uuid.UUID, t time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&db.APIKey{}).
		Where("id = ?", id).
		Update("last_used_at", t).Error
	if err != nil {
		return fmt.Errorf("api keys: touch last used: %w", err)
	}
	return nil
}

func (r *gormAPIKeyRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.APIKey{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("api keys: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormAPIKeyRepository) List(ctx context.Context, opts ListOptions) ([]db.APIKey, int64, error) {
	var keys []db.APIKey
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.APIKey{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("api keys: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&keys).Error; err != nil {
		return nil, 0, fmt.Errorf("api keys: list: %w", err)
	}

	return keys, total, nil
}
