package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Database engines a Target can point at.
const (
	DBTypePostgres = "postgresql"
	DBTypeMySQL    = "mysql"
	DBTypeSQLite   = "sqlite"
	DBTypeNeo4j    = "neo4j"
)

// Storage backends a Destination can point at.
const (
	DestTypeLocal       = "local"
	DestTypeSFTP        = "sftp"
	DestTypeGoogleDrive = "google_drive"
)

// BuiltinLocalDestinationID identifies the virtual local destination that is
// always available to backup schedules. It has no Destination row and never
// appears in destination listings.
const BuiltinLocalDestinationID = "__local__"

// Run lifecycle states. A run starts as running and transitions exactly once
// to a terminal state.
const (
	RunStatusRunning        = "running"
	RunStatusSuccess        = "success"
	RunStatusFailure        = "failure"
	RunStatusPartialSuccess = "partial_success"
)

// Run operations and triggers.
const (
	OpBackup  = "backup"
	OpRestore = "restore"

	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerRunNow    = "run_now"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Targets
// -----------------------------------------------------------------------------

// Target is a database instance registered for backup. Config holds the
// non-sensitive engine settings (host, port, database, user, file path)
// serialized as JSON. Secrets holds the sensitive part (password, auth token)
// as an encrypted JSON document. Secrets are opened only inside the adapter
// that consumes them and are never returned by the API.
type Target struct {
	Base
	Name     string          `gorm:"uniqueIndex;not null"`
	DBType   string          `gorm:"not null"` // "postgresql", "mysql", "sqlite", "neo4j"
	Config   string          `gorm:"type:text;not null;default:'{}'"` // JSON, not sensitive
	Secrets  EncryptedString `gorm:"type:text"` // JSON, encrypted
	IsActive bool            `gorm:"not null;default:true"`
}

// -----------------------------------------------------------------------------
// Destinations
// -----------------------------------------------------------------------------

// Destination is a storage location backup artifacts are replicated to.
// Same Config/Secrets split as Target: host/port/folder style settings in
// Config, passwords and private keys in the encrypted Secrets column.
type Destination struct {
	Base
	Name            string          `gorm:"uniqueIndex;not null"`
	DestinationType string          `gorm:"not null"` // "local", "sftp", "google_drive"
	Config          string          `gorm:"type:text;not null;default:'{}'"`
	Secrets         EncryptedString `gorm:"type:text"`
	IsActive        bool            `gorm:"not null;default:true"`
}

// -----------------------------------------------------------------------------
// Schedules
// -----------------------------------------------------------------------------

// Schedule binds one Target to a set of Destinations with an interval-based
// recurrence. Policy holds the nested settings document (run_at_time anchor,
// retention mode, compression/encryption flags, notification channels) as
// JSON; the encryption password is kept out of that document in an encrypted
// column of its own so the policy JSON can be returned by the API verbatim.
//
// Association fields are intentionally absent from this struct. GORM cannot
// resolve foreign keys when the primary key is uuid.UUID (a custom type).
// Destination links live in ScheduleDestination and are loaded via explicit
// queries in the repository layer (see repositories/schedule.go).
type Schedule struct {
	Base
	Name            string          `gorm:"uniqueIndex;not null"`
	TargetID        uuid.UUID       `gorm:"type:text;not null;index"`
	IntervalSeconds int             `gorm:"not null;default:86400"`
	Enabled         bool            `gorm:"not null;default:true"`
	Policy          string          `gorm:"type:text;not null;default:'{}'"` // JSON settings document
	EncryptPassword EncryptedString `gorm:"type:text"` // set when the policy enables encryption
	NextRunAt       *time.Time      `gorm:"index"`
	LastRunAt       *time.Time

	// Destinations is populated by GetByIDWithDestinations via a manual query.
	// The gorm:"-" tag prevents GORM from attempting foreign key resolution
	// on this field, which would fail with uuid.UUID primary keys.
	Destinations []ScheduleDestination `gorm:"-"`
}

// ScheduleDestination is the join table between Schedule and Destination.
// Position preserves the declared destination order so uploads and per-
// destination results are reported in a stable order.
//
// DestinationID is a string rather than uuid.UUID because the built-in
// "__local__" destination is addressable here without a Destination row.
type ScheduleDestination struct {
	Base
	ScheduleID    uuid.UUID `gorm:"type:text;not null;index"`
	DestinationID string    `gorm:"type:text;not null;index"`
	Position      int       `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// Runs
// -----------------------------------------------------------------------------

// Run is the audit record for one executed backup or restore. It is inserted
// with status "running" when work starts and updated exactly once with the
// terminal status, so an interrupted process leaves a recognizable stale
// running row for crash recovery. Name columns are denormalized so history
// stays readable after the referenced target or schedule is deleted.
type Run struct {
	Base
	Operation       string     `gorm:"not null;index"` // "backup", "restore"
	Trigger         string     `gorm:"not null;index"` // "scheduled", "manual", "run_now"
	TargetID        uuid.UUID  `gorm:"type:text;not null;index"`
	TargetName      string     `gorm:"not null"`
	ScheduleID      *uuid.UUID `gorm:"type:text;index"`
	ScheduleName    string     `gorm:"default:''"`
	DestinationID   string     `gorm:"default:''"` // primary destination, "" for multi-destination runs
	DestinationName string     `gorm:"default:''"`
	BackupID        string     `gorm:"default:''"` // opaque id assigned by the destination backend
	BackupFilename  string     `gorm:"default:''"`
	FileSizeMB      float64    `gorm:"default:0"`
	Status          string     `gorm:"not null;default:'running';index"`
	StartedAt       time.Time  `gorm:"not null;index"`
	FinishedAt      *time.Time
	ErrorMessage    string `gorm:"type:text;default:''"`
	Detail          string `gorm:"type:text;not null;default:'{}'"` // JSON, per-destination sub-results
}
