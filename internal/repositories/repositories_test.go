package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dbkeep-io/dbkeep/internal/db"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	err := db.InitEncryption([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	database, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    ":memory:",
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return database
}

func makeTarget(t *testing.T, repo TargetRepository, name string) *db.Target {
	t.Helper()
	target := &db.Target{
		Name:     name,
		DBType:   db.DBTypePostgres,
		Config:   `{"host":"localhost","port":5432,"database":"app"}`,
		Secrets:  db.EncryptedString(`{"password":"hunter2"}`),
		IsActive: true,
	}
	require.NoError(t, repo.Create(context.Background(), target))
	return target
}

func TestTargetRepository_CRUD(t *testing.T) {
	database := openTestDB(t)
	repo := NewTargetRepository(database)
	ctx := context.Background()

	target := makeTarget(t, repo, "prod-db")
	require.NotEqual(t, uuid.UUID{}, target.ID)

	got, err := repo.GetByID(ctx, target.ID)
	require.NoError(t, err)
	require.Equal(t, "prod-db", got.Name)
	// Secrets round-trip through the encrypted column transparently.
	require.Equal(t, db.EncryptedString(`{"password":"hunter2"}`), got.Secrets)

	got.Config = `{"host":"db.internal","port":5432,"database":"app"}`
	require.NoError(t, repo.Update(ctx, got))

	byName, err := repo.GetByName(ctx, "prod-db")
	require.NoError(t, err)
	require.Contains(t, byName.Config, "db.internal")

	require.NoError(t, repo.Delete(ctx, target.ID))
	_, err = repo.GetByID(ctx, target.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTargetRepository_DuplicateNameConflicts(t *testing.T) {
	database := openTestDB(t)
	repo := NewTargetRepository(database)

	makeTarget(t, repo, "prod-db")
	err := repo.Create(context.Background(), &db.Target{
		Name:   "prod-db",
		DBType: db.DBTypeMySQL,
	})
	require.ErrorIs(t, err, ErrConflict)
}

func TestTargetRepository_DeleteInUse(t *testing.T) {
	database := openTestDB(t)
	targets := NewTargetRepository(database)
	schedules := NewScheduleRepository(database)
	ctx := context.Background()

	target := makeTarget(t, targets, "prod-db")
	schedule := &db.Schedule{
		Name:            "nightly",
		TargetID:        target.ID,
		IntervalSeconds: 86400,
		Enabled:         true,
		Policy:          `{}`,
	}
	require.NoError(t, schedules.Create(ctx, schedule))

	require.ErrorIs(t, targets.Delete(ctx, target.ID), ErrInUse)

	require.NoError(t, schedules.Delete(ctx, schedule.ID))
	require.NoError(t, targets.Delete(ctx, target.ID))
}

func TestDestinationRepository_DeleteInUse(t *testing.T) {
	database := openTestDB(t)
	targets := NewTargetRepository(database)
	destinations := NewDestinationRepository(database)
	schedules := NewScheduleRepository(database)
	ctx := context.Background()

	target := makeTarget(t, targets, "prod-db")
	dest := &db.Destination{
		Name:            "offsite",
		DestinationType: db.DestTypeSFTP,
		Config:          `{"host":"backup.example.com","port":22}`,
		Secrets:         db.EncryptedString(`{"password":"s3cret"}`),
		IsActive:        true,
	}
	require.NoError(t, destinations.Create(ctx, dest))

	schedule := &db.Schedule{
		Name:            "nightly",
		TargetID:        target.ID,
		IntervalSeconds: 86400,
		Enabled:         true,
		Policy:          `{}`,
	}
	require.NoError(t, schedules.Create(ctx, schedule))
	require.NoError(t, schedules.SetDestinations(ctx, schedule.ID, []string{dest.ID.String()}))

	require.ErrorIs(t, destinations.Delete(ctx, dest.ID), ErrInUse)

	require.NoError(t, schedules.SetDestinations(ctx, schedule.ID, []string{db.BuiltinLocalDestinationID}))
	require.NoError(t, destinations.Delete(ctx, dest.ID))
}

func TestScheduleRepository_DestinationOrder(t *testing.T) {
	database := openTestDB(t)
	targets := NewTargetRepository(database)
	schedules := NewScheduleRepository(database)
	ctx := context.Background()

	target := makeTarget(t, targets, "prod-db")
	schedule := &db.Schedule{
		Name:            "nightly",
		TargetID:        target.ID,
		IntervalSeconds: 3600,
		Enabled:         true,
		Policy:          `{"retention":{"max_count":10}}`,
	}
	require.NoError(t, schedules.Create(ctx, schedule))

	ids := []string{db.BuiltinLocalDestinationID, "dest-b", "dest-a"}
	require.NoError(t, schedules.SetDestinations(ctx, schedule.ID, ids))

	got, err := schedules.GetByIDWithDestinations(ctx, schedule.ID)
	require.NoError(t, err)
	require.Len(t, got.Destinations, 3)
	for i, link := range got.Destinations {
		require.Equal(t, ids[i], link.DestinationID)
		require.Equal(t, i, link.Position)
	}

	// Replacing the set drops the old links.
	require.NoError(t, schedules.SetDestinations(ctx, schedule.ID, []string{"dest-a"}))
	links, err := schedules.ListDestinations(ctx, schedule.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.Equal(t, "dest-a", links[0].DestinationID)
}

func TestScheduleRepository_UpdateTiming(t *testing.T) {
	database := openTestDB(t)
	targets := NewTargetRepository(database)
	schedules := NewScheduleRepository(database)
	ctx := context.Background()

	target := makeTarget(t, targets, "prod-db")
	schedule := &db.Schedule{
		Name:            "nightly",
		TargetID:        target.ID,
		IntervalSeconds: 3600,
		Enabled:         true,
		Policy:          `{}`,
	}
	require.NoError(t, schedules.Create(ctx, schedule))

	last := time.Date(2026, 8, 24, 3, 30, 0, 0, time.UTC)
	next := last.Add(time.Hour)
	require.NoError(t, schedules.UpdateTiming(ctx, schedule.ID, &last, &next))

	got, err := schedules.GetByID(ctx, schedule.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	require.True(t, got.LastRunAt.Equal(last))
	require.True(t, got.NextRunAt.Equal(next))
}

func TestRunRepository_FinishIsSingleTransition(t *testing.T) {
	database := openTestDB(t)
	targets := NewTargetRepository(database)
	runs := NewRunRepository(database)
	ctx := context.Background()

	target := makeTarget(t, targets, "prod-db")
	run := &db.Run{
		Operation:  db.OpBackup,
		Trigger:    db.TriggerManual,
		TargetID:   target.ID,
		TargetName: target.Name,
		Status:     db.RunStatusRunning,
		StartedAt:  time.Now().UTC(),
		Detail:     `{}`,
	}
	require.NoError(t, runs.Create(ctx, run))

	res := RunResult{
		Status:         db.RunStatusSuccess,
		FinishedAt:     time.Now().UTC(),
		BackupFilename: "backup_prod-db_20260824_033000.sql.gz",
		FileSizeMB:     12.5,
	}
	require.NoError(t, runs.Finish(ctx, run.ID, res))

	// Second transition attempt must fail: the run is already terminal.
	res.Status = db.RunStatusFailure
	require.ErrorIs(t, runs.Finish(ctx, run.ID, res), ErrNotFound)

	got, err := runs.GetByID(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, db.RunStatusSuccess, got.Status)
	require.Equal(t, "backup_prod-db_20260824_033000.sql.gz", got.BackupFilename)
}

func TestRunRepository_ListFilters(t *testing.T) {
	database := openTestDB(t)
	targets := NewTargetRepository(database)
	runs := NewRunRepository(database)
	ctx := context.Background()

	a := makeTarget(t, targets, "db-a")
	b := makeTarget(t, targets, "db-b")

	started := time.Now().UTC().Add(-time.Hour)
	seed := []db.Run{
		{Operation: db.OpBackup, Trigger: db.TriggerScheduled, TargetID: a.ID, TargetName: a.Name, Status: db.RunStatusSuccess, StartedAt: started},
		{Operation: db.OpBackup, Trigger: db.TriggerManual, TargetID: a.ID, TargetName: a.Name, Status: db.RunStatusFailure, StartedAt: started.Add(time.Minute)},
		{Operation: db.OpRestore, Trigger: db.TriggerManual, TargetID: b.ID, TargetName: b.Name, Status: db.RunStatusSuccess, StartedAt: started.Add(2 * time.Minute)},
	}
	for i := range seed {
		seed[i].Detail = `{}`
		require.NoError(t, runs.Create(ctx, &seed[i]))
	}

	got, total, err := runs.List(ctx, RunFilter{TargetID: a.ID}, ListOptions{Limit: 10})
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.Len(t, got, 2)
	// Newest first.
	require.True(t, got[0].StartedAt.After(got[1].StartedAt))

	got, total, err = runs.List(ctx, RunFilter{Operation: db.OpRestore}, ListOptions{Limit: 10})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, b.ID, got[0].TargetID)

	got, total, err = runs.List(ctx, RunFilter{Trigger: db.TriggerManual}, ListOptions{Limit: 10})
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.Len(t, got, 2)
}

func TestRunRepository_SweepAbandoned(t *testing.T) {
	database := openTestDB(t)
	targets := NewTargetRepository(database)
	runs := NewRunRepository(database)
	ctx := context.Background()

	target := makeTarget(t, targets, "prod-db")

	stale := &db.Run{
		Operation:  db.OpBackup,
		Trigger:    db.TriggerScheduled,
		TargetID:   target.ID,
		TargetName: target.Name,
		Status:     db.RunStatusRunning,
		StartedAt:  time.Now().UTC().Add(-30 * time.Minute),
		Detail:     `{}`,
	}
	fresh := &db.Run{
		Operation:  db.OpBackup,
		Trigger:    db.TriggerScheduled,
		TargetID:   target.ID,
		TargetName: target.Name,
		Status:     db.RunStatusRunning,
		StartedAt:  time.Now().UTC(),
		Detail:     `{}`,
	}
	require.NoError(t, runs.Create(ctx, stale))
	require.NoError(t, runs.Create(ctx, fresh))

	swept, err := runs.SweepAbandoned(ctx, time.Now().UTC().Add(-10*time.Minute), "abandoned")
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{stale.ID}, swept)

	got, err := runs.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, db.RunStatusFailure, got.Status)
	require.Equal(t, "abandoned", got.ErrorMessage)

	got, err = runs.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, db.RunStatusRunning, got.Status)
}
