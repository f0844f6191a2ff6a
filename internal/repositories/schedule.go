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

// gormScheduleRepository is the GORM implementation of ScheduleRepository.
type gormScheduleRepository struct {
	db *gorm.DB
}

// NewScheduleRepository returns a ScheduleRepository backed by the provided
// *gorm.DB.
func NewScheduleRepository(database *gorm.DB) ScheduleRepository {
	return &gormScheduleRepository{db: database}
}

// Create inserts a new schedule record. Destination links are managed
// separately via SetDestinations.
func (r *gormScheduleRepository) Create(ctx context.Context, schedule *db.Schedule) error {
	if err := r.db.WithContext(ctx).Create(schedule).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("schedules: create: %w", err)
	}
	return nil
}

// GetByID retrieves a schedule by its UUID without destination links.
func (r *gormScheduleRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Schedule, error) {
	var schedule db.Schedule
	err := r.db.WithContext(ctx).First(&schedule, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("schedules: get by id: %w", err)
	}
	return &schedule, nil
}

// GetByIDWithDestinations retrieves a schedule with its destination links
// populated, ordered by position. Two queries because GORM cannot resolve
// UUID-typed foreign keys automatically.
func (r *gormScheduleRepository) GetByIDWithDestinations(ctx context.Context, id uuid.UUID) (*db.Schedule, error) {
	schedule, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	links, err := r.ListDestinations(ctx, id)
	if err != nil {
		return nil, err
	}
	schedule.Destinations = links
	return schedule, nil
}

// Update persists all fields of an existing schedule record. Destination
// links are left untouched.
func (r *gormScheduleRepository) Update(ctx context.Context, schedule *db.Schedule) error {
	result := r.db.WithContext(ctx).Save(schedule)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return ErrConflict
		}
		return fmt.Errorf("schedules: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a schedule and its destination links in one transaction.
func (r *gormScheduleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Delete(&db.Schedule{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("schedules: delete: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Where("schedule_id = ?", id).
			Delete(&db.ScheduleDestination{}).Error; err != nil {
			return fmt.Errorf("schedules: delete links: %w", err)
		}
		return nil
	})
}

// List returns a paginated list of schedules and the total count.
func (r *gormScheduleRepository) List(ctx context.Context, opts ListOptions) ([]db.Schedule, int64, error) {
	var schedules []db.Schedule
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Schedule{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("schedules: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&schedules).Error; err != nil {
		return nil, 0, fmt.Errorf("schedules: list: %w", err)
	}

	return schedules, total, nil
}

// ListEnabled returns all enabled schedules ordered by creation time.
// Called by the scheduler on every decision tick.
func (r *gormScheduleRepository) ListEnabled(ctx context.Context) ([]db.Schedule, error) {
	var schedules []db.Schedule
	if err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("created_at ASC").
		Find(&schedules).Error; err != nil {
		return nil, fmt.Errorf("schedules: list enabled: %w", err)
	}
	return schedules, nil
}

// ListByTarget returns all schedules referencing a target.
func (r *gormScheduleRepository) ListByTarget(ctx context.Context, targetID uuid.UUID) ([]db.Schedule, error) {
	var schedules []db.Schedule
	if err := r.db.WithContext(ctx).
		Where("target_id = ?", targetID).
		Order("created_at ASC").
		Find(&schedules).Error; err != nil {
		return nil, fmt.Errorf("schedules: list by target: %w", err)
	}
	return schedules, nil
}

// UpdateTiming updates last_run_at and next_run_at for a schedule without
// touching the rest of the record. Called by the scheduler after each run
// and after timing-relevant mutations.
func (r *gormScheduleRepository) UpdateTiming(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt *time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Schedule{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_run_at": lastRunAt,
			"next_run_at": nextRunAt,
		})
	if result.Error != nil {
		return fmt.Errorf("schedules: update timing: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDestinations replaces the schedule's destination links with the given
// ids, preserving their order via the position column.
func (r *gormScheduleRepository) SetDestinations(ctx context.Context, scheduleID uuid.UUID, destinationIDs []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("schedule_id = ?", scheduleID).
			Delete(&db.ScheduleDestination{}).Error; err != nil {
			return fmt.Errorf("schedules: set destinations: clear: %w", err)
		}
		for i, destID := range destinationIDs {
			link := db.ScheduleDestination{
				ScheduleID:    scheduleID,
				DestinationID: destID,
				Position:      i,
			}
			if err := tx.Create(&link).Error; err != nil {
				return fmt.Errorf("schedules: set destinations: link: %w", err)
			}
		}
		return nil
	})
}

// ListDestinations returns the schedule's destination links ordered by position.
func (r *gormScheduleRepository) ListDestinations(ctx context.Context, scheduleID uuid.UUID) ([]db.ScheduleDestination, error) {
	var links []db.ScheduleDestination
	if err := r.db.WithContext(ctx).
		Where("schedule_id = ?", scheduleID).
		Order("position ASC").
		Find(&links).Error; err != nil {
		return nil, fmt.Errorf("schedules: list destinations: %w", err)
	}
	return links, nil
}
