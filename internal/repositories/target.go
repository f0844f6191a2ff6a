package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dbkeep-io/dbkeep/internal/db"
)

// gormTargetRepository is the GORM implementation of TargetRepository.
type gormTargetRepository struct {
	db *gorm.DB
}

// NewTargetRepository returns a TargetRepository backed by the provided *gorm.DB.
func NewTargetRepository(database *gorm.DB) TargetRepository {
	return &gormTargetRepository{db: database}
}

// Create inserts a new target record. Secrets are encrypted transparently by
// EncryptedString.Value before being written. Returns ErrConflict when the
// name is already taken.
func (r *gormTargetRepository) Create(ctx context.Context, target *db.Target) error {
	if err := r.db.WithContext(ctx).Create(target).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("targets: create: %w", err)
	}
	return nil
}

// GetByID retrieves a target by its UUID. Returns ErrNotFound if no record exists.
func (r *gormTargetRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Target, error) {
	var target db.Target
	err := r.db.WithContext(ctx).First(&target, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("targets: get by id: %w", err)
	}
	return &target, nil
}

// GetByName retrieves a target by its unique name.
func (r *gormTargetRepository) GetByName(ctx context.Context, name string) (*db.Target, error) {
	var target db.Target
	err := r.db.WithContext(ctx).First(&target, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("targets: get by name: %w", err)
	}
	return &target, nil
}

// Update persists all fields of an existing target record.
func (r *gormTargetRepository) Update(ctx context.Context, target *db.Target) error {
	result := r.db.WithContext(ctx).Save(target)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return ErrConflict
		}
		return fmt.Errorf("targets: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a target. A target that is still referenced by a schedule
// cannot be deleted; the schedule must be removed first.
func (r *gormTargetRepository) Delete(ctx context.Context, id uuid.UUID) error {
	var refs int64
	if err := r.db.WithContext(ctx).
		Model(&db.Schedule{}).
		Where("target_id = ?", id).
		Count(&refs).Error; err != nil {
		return fmt.Errorf("targets: delete: count references: %w", err)
	}
	if refs > 0 {
		return ErrInUse
	}

	result := r.db.WithContext(ctx).Delete(&db.Target{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("targets: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of targets and the total count.
func (r *gormTargetRepository) List(ctx context.Context, opts ListOptions) ([]db.Target, int64, error) {
	var targets []db.Target
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Target{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("targets: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&targets).Error; err != nil {
		return nil, 0, fmt.Errorf("targets: list: %w", err)
	}

	return targets, total, nil
}

// isUniqueViolation detects unique constraint errors across the supported
// drivers. SQLite reports "UNIQUE constraint failed", PostgreSQL reports
// SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "23505")
}
