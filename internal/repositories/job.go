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

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

func (r *gormJobRepository) Create(ctx context.Context, job *db.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

// GetByIDWithChannels retrieves a job together with its JobChannel records
// using two separate queries. The channels are returned independently rather
// than embedded in the Job struct, because GORM cannot auto-resolve
// UUID-typed foreign keys (see db/models.go for rationale).
func (r *gormJobRepository) GetByIDWithChannels(ctx context.Context, id uuid.UUID) (*db.Job, []db.JobChannel, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("jobs: get by id with channels: %w", err)
	}

	var channels []db.JobChannel
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", id).
		Find(&channels).Error; err != nil {
		return nil, nil, fmt.Errorf("jobs: get channels for job %s: %w", id, err)
	}

	return &job, channels, nil
}

func (r *gormJobRepository) Update(ctx context.Context, job *db.Job) error {
	result := r.db.WithContext(ctx).Save(job)
	if result.Error != nil {
		return fmt.Errorf("jobs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormJobRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Job{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("jobs: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormJobRepository) List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Job{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}

	return jobs, total, nil
}

// ListEnabled returns all enabled jobs without pagination. Called by the
// scheduler at boot and on every reload to rebuild the cron table.
func (r *gormJobRepository) ListEnabled(ctx context.Context) ([]db.Job, error) {
	var jobs []db.Job
	if err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list enabled: %w", err)
	}
	return jobs, nil
}

// UpdateSchedule updates only the last_run_at and next_run_at timestamps.
// Called by the scheduler on each tick; limited to the two columns so that
// concurrent config edits are not overwritten.
func (r *gormJobRepository) UpdateSchedule(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_run_at": lastRunAt,
			"next_run_at": nextRunAt,
		})
	if result.Error != nil {
		return fmt.Errorf("jobs: update schedule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// -----------------------------------------------------------------------------
// JobChannel
// -----------------------------------------------------------------------------

// SetChannels replaces the job's channel list inside one transaction.
// The delete-then-insert pattern keeps the join table consistent without
// diffing against the current state.
func (r *gormJobRepository) SetChannels(ctx context.Context, jobID uuid.UUID, channelIDs []uuid.UUID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", jobID).Delete(&db.JobChannel{}).Error; err != nil {
			return err
		}
		for _, chID := range channelIDs {
			jc := db.JobChannel{JobID: jobID, ChannelID: chID}
			if err := tx.Create(&jc).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("jobs: set channels: %w", err)
	}
	return nil
}

func (r *gormJobRepository) ListChannels(ctx context.Context, jobID uuid.UUID) ([]db.JobChannel, error) {
	var channels []db.JobChannel
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("jobs: list channels: %w", err)
	}
	return channels, nil
}
