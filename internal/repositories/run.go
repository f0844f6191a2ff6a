package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dbkeep-io/dbkeep/internal/db"
)

// gormRunRepository is the GORM implementation of RunRepository.
type gormRunRepository struct {
	db *gorm.DB
}

// NewRunRepository returns a RunRepository backed by the provided *gorm.DB.
func NewRunRepository(database *gorm.DB) RunRepository {
	return &gormRunRepository{db: database}
}

// Create inserts a new run record.
func (r *gormRunRepository) Create(ctx context.Context, run *db.Run) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("runs: create: %w", err)
	}
	return nil
}

// GetByID retrieves a run by its UUID. Returns ErrNotFound if no record exists.
func (r *gormRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Run, error) {
	var run db.Run
	err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runs: get by id: %w", err)
	}
	return &run, nil
}

// Finish transitions a running run to its terminal state. The WHERE clause
// on status guarantees the transition happens at most once even if two
// workers race on the same run.
func (r *gormRunRepository) Finish(ctx context.Context, id uuid.UUID, res RunResult) error {
	updates := map[string]interface{}{
		"status":        res.Status,
		"finished_at":   res.FinishedAt,
		"error_message": res.ErrorMessage,
	}
	if res.BackupID != "" {
		updates["backup_id"] = res.BackupID
	}
	if res.BackupFilename != "" {
		updates["backup_filename"] = res.BackupFilename
	}
	if res.FileSizeMB > 0 {
		updates["file_size_mb"] = res.FileSizeMB
	}
	if res.DestinationID != "" {
		updates["destination_id"] = res.DestinationID
	}
	if res.DestinationName != "" {
		updates["destination_name"] = res.DestinationName
	}
	if res.Detail != "" {
		updates["detail"] = res.Detail
	}

	result := r.db.WithContext(ctx).
		Model(&db.Run{}).
		Where("id = ? AND status = ?", id, db.RunStatusRunning).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("runs: finish: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateDetail rewrites the detail document of a run regardless of status.
func (r *gormRunRepository) UpdateDetail(ctx context.Context, id uuid.UUID, detail string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Run{}).
		Where("id = ?", id).
		Update("detail", detail)
	if result.Error != nil {
		return fmt.Errorf("runs: update detail: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns runs matching the filter, newest first, with the total count
// of matching rows.
func (r *gormRunRepository) List(ctx context.Context, filter RunFilter, opts ListOptions) ([]db.Run, int64, error) {
	query := r.db.WithContext(ctx).Model(&db.Run{})
	if filter.TargetID != (uuid.UUID{}) {
		query = query.Where("target_id = ?", filter.TargetID)
	}
	if filter.ScheduleID != (uuid.UUID{}) {
		query = query.Where("schedule_id = ?", filter.ScheduleID)
	}
	if filter.Operation != "" {
		query = query.Where("operation = ?", filter.Operation)
	}
	if filter.Trigger != "" {
		query = query.Where(`"trigger" = ?`, filter.Trigger)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("runs: list count: %w", err)
	}

	var runs []db.Run
	if err := query.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("started_at DESC").
		Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("runs: list: %w", err)
	}

	return runs, total, nil
}

// SweepAbandoned fails every run that has been in status running since
// before the cutoff. It returns the ids of the runs it transitioned so the
// caller can recompute schedule timing and emit notifications.
func (r *gormRunRepository) SweepAbandoned(ctx context.Context, olderThan time.Time, errMsg string) ([]uuid.UUID, error) {
	var stale []db.Run
	if err := r.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", db.RunStatusRunning, olderThan).
		Find(&stale).Error; err != nil {
		return nil, fmt.Errorf("runs: sweep: find: %w", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	swept := make([]uuid.UUID, 0, len(stale))
	for _, run := range stale {
		err := r.Finish(ctx, run.ID, RunResult{
			Status:       db.RunStatusFailure,
			FinishedAt:   now,
			ErrorMessage: errMsg,
		})
		if err != nil {
			// Lost the race with a live worker finishing the run. Skip it.
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return swept, err
		}
		swept = append(swept, run.ID)
	}
	return swept, nil
}
