package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/dumpkeep-io/dumpkeep/internal/db"
)

// gormSettingsRepository is the GORM implementation of SettingsRepository.
type gormSettingsRepository struct {
	db *gorm.DB
}

// NewSettingsRepository returns a SettingsRepository backed by the provided *gorm.DB.
func NewSettingsRepository(db *gorm.DB) SettingsRepository {
	return &gormSettingsRepository{db: db}
}

func (r *gormSettingsRepository) Get(ctx context.Context, key string) (string, error) {
	var setting db.Setting
	err := r.db.WithContext(ctx).First(&setting, "key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("settings: get %q: %w", key, err)
	}
	return string(setting.Value), nil
}

func (r *gormSettingsRepository) Set(ctx context.Context, key, value string) error {
	setting := db.Setting{Key: key, Value: db.EncryptedString(value)}
	err := r.db.WithContext(ctx).Save(&setting).Error
	if err != nil {
		return fmt.Errorf("settings: set %q: %w", key, err)
	}
	return nil
}

// GetAllByPrefix returns every setting under a namespace prefix as a map.
// The LIKE pattern escapes nothing — setting keys are code-defined constants
// and never contain wildcards.
func (r *gormSettingsRepository) GetAllByPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	var settings []db.Setting
	if err := r.db.WithContext(ctx).
		Where("key LIKE ?", strings.TrimSuffix(prefix, "%")+"%").
		Find(&settings).Error; err != nil {
		return nil, fmt.Errorf("settings: get by prefix %q: %w", prefix, err)
	}

	out := make(map[string]string, len(settings))
	for _, s := range settings {
		out[s.Key] = string(s.Value)
	}
	return out, nil
}
