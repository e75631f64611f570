package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dumpkeep-io/dumpkeep/internal/db"
)

// gormExecutionRepository is the GORM implementation of ExecutionRepository.
type gormExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository returns an ExecutionRepository backed by the provided *gorm.DB.
func NewExecutionRepository(db *gorm.DB) ExecutionRepository {
	return &gormExecutionRepository{db: db}
}

func (r *gormExecutionRepository) Create(ctx context.Context, execution *db.Execution) error {
	if err := r.db.WithContext(ctx).Create(execution).Error; err != nil {
		return fmt.Errorf("executions: create: %w", err)
	}
	return nil
}

func (r *gormExecutionRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Execution, error) {
	var execution db.Execution
	err := r.db.WithContext(ctx).First(&execution, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("executions: get by id: %w", err)
	}
	return &execution, nil
}

// Finalize writes the terminal fields of an execution in a single update.
// Logs are serialized by the runner before this call; only the terminal
// columns are touched so that the row stays append-only in spirit.
func (r *gormExecutionRepository) Finalize(ctx context.Context, execution *db.Execution) error {
	result := r.db.WithContext(ctx).
		Model(&db.Execution{}).
		Where("id = ?", execution.ID).
		Updates(map[string]interface{}{
			"status":      execution.Status,
			"ended_at":    execution.EndedAt,
			"logs":        execution.Logs,
			"size_bytes":  execution.SizeBytes,
			"remote_path": execution.RemotePath,
			"metadata":    execution.Metadata,
			"error":       execution.Error,
			"error_kind":  execution.ErrorKind,
		})
	if result.Error != nil {
		return fmt.Errorf("executions: finalize: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormExecutionRepository) List(ctx context.Context, opts ListOptions) ([]db.Execution, int64, error) {
	var executions []db.Execution
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Execution{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("executions: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("started_at DESC").
		Find(&executions).Error; err != nil {
		return nil, 0, fmt.Errorf("executions: list: %w", err)
	}

	return executions, total, nil
}

func (r *gormExecutionRepository) ListByJob(ctx context.Context, jobID uuid.UUID, opts ListOptions) ([]db.Execution, int64, error) {
	var executions []db.Execution
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.Execution{}).
		Where("job_id = ?", jobID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("executions: list by job count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("started_at DESC").
		Find(&executions).Error; err != nil {
		return nil, 0, fmt.Errorf("executions: list by job: %w", err)
	}

	return executions, total, nil
}

func (r *gormExecutionRepository) ListByStatus(ctx context.Context, status string, opts ListOptions) ([]db.Execution, int64, error) {
	var executions []db.Execution
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.Execution{}).
		Where("status = ?", status).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("executions: list by status count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("started_at DESC").
		Find(&executions).Error; err != nil {
		return nil, 0, fmt.Errorf("executions: list by status: %w", err)
	}

	return executions, total, nil
}

// LatestByJob returns the most recent execution for a job. The UUIDv7
// primary key is time-ordered, so created_at ordering and id ordering agree;
// started_at is used because Pending executions have no start time yet.
func (r *gormExecutionRepository) LatestByJob(ctx context.Context, jobID uuid.UUID) (*db.Execution, error) {
	var execution db.Execution
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at DESC").
		First(&execution).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("executions: latest by job: %w", err)
	}
	return &execution, nil
}
