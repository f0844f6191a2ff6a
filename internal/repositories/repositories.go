// Package repositories defines the persistence interfaces of the dbkeep
// server and their GORM implementations. Handlers and services depend on
// the interfaces only, which keeps them testable against an in-memory
// SQLite database.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dbkeep-io/dbkeep/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// TargetRepository
// -----------------------------------------------------------------------------

type TargetRepository interface {
	Create(ctx context.Context, target *db.Target) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Target, error)
	GetByName(ctx context.Context, name string) (*db.Target, error)
	Update(ctx context.Context, target *db.Target) error

	// Delete removes a target. Returns ErrInUse when any schedule still
	// references the target.
	Delete(ctx context.Context, id uuid.UUID) error

	List(ctx context.Context, opts ListOptions) ([]db.Target, int64, error)
}

// -----------------------------------------------------------------------------
// DestinationRepository
// -----------------------------------------------------------------------------

type DestinationRepository interface {
	Create(ctx context.Context, destination *db.Destination) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Destination, error)
	GetByName(ctx context.Context, name string) (*db.Destination, error)
	Update(ctx context.Context, destination *db.Destination) error

	// Delete removes a destination. Returns ErrInUse when any schedule still
	// references the destination.
	Delete(ctx context.Context, id uuid.UUID) error

	List(ctx context.Context, opts ListOptions) ([]db.Destination, int64, error)
}

// -----------------------------------------------------------------------------
// ScheduleRepository
// -----------------------------------------------------------------------------

type ScheduleRepository interface {
	Create(ctx context.Context, schedule *db.Schedule) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Schedule, error)

	// GetByIDWithDestinations retrieves a schedule together with its
	// ScheduleDestination records ordered by position. The links are loaded
	// by a separate query because GORM cannot auto-resolve UUID-typed
	// foreign keys.
	GetByIDWithDestinations(ctx context.Context, id uuid.UUID) (*db.Schedule, error)

	Update(ctx context.Context, schedule *db.Schedule) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Schedule, int64, error)

	// ListEnabled returns all enabled schedules. Used by the scheduler on
	// every decision tick.
	ListEnabled(ctx context.Context) ([]db.Schedule, error)

	// ListByTarget returns all schedules referencing a target, used for
	// referential delete checks and cascade views.
	ListByTarget(ctx context.Context, targetID uuid.UUID) ([]db.Schedule, error)

	// UpdateTiming updates last_run_at and next_run_at without touching the
	// rest of the record. Both values are written as given, including nil.
	UpdateTiming(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt *time.Time) error

	// SetDestinations replaces the schedule's destination links with the
	// given destination ids, preserving their order.
	SetDestinations(ctx context.Context, scheduleID uuid.UUID, destinationIDs []string) error
	ListDestinations(ctx context.Context, scheduleID uuid.UUID) ([]db.ScheduleDestination, error)
}

// -----------------------------------------------------------------------------
// RunRepository
// -----------------------------------------------------------------------------

// RunFilter narrows List queries. Zero values mean "no filter".
type RunFilter struct {
	TargetID   uuid.UUID
	ScheduleID uuid.UUID
	Operation  string
	Trigger    string
	Status     string
}

// RunResult carries the terminal fields written by Finish.
type RunResult struct {
	Status          string
	FinishedAt      time.Time
	ErrorMessage    string
	BackupID        string
	BackupFilename  string
	FileSizeMB      float64
	DestinationID   string
	DestinationName string
	Detail          string
}

type RunRepository interface {
	// Create inserts a run record with status running and StartedAt set by
	// the caller.
	Create(ctx context.Context, run *db.Run) error

	GetByID(ctx context.Context, id uuid.UUID) (*db.Run, error)

	// Finish performs the single running-to-terminal transition. Returns
	// ErrNotFound when the run does not exist or is already terminal.
	Finish(ctx context.Context, id uuid.UUID, res RunResult) error

	// UpdateDetail rewrites only the detail document of a run, terminal or
	// not. Used to append notification delivery results after Finish.
	UpdateDetail(ctx context.Context, id uuid.UUID, detail string) error

	List(ctx context.Context, filter RunFilter, opts ListOptions) ([]db.Run, int64, error)

	// SweepAbandoned marks runs that have been running longer than the
	// cutoff as failed with the given message. Returns the ids of the runs
	// it transitioned. Used for crash recovery at startup and by the
	// periodic sweep.
	SweepAbandoned(ctx context.Context, olderThan time.Time, errMsg string) ([]uuid.UUID, error)
}
