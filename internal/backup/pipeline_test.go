package backup

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dbkeep-io/dbkeep/internal/db"
	"github.com/dbkeep-io/dbkeep/internal/dbadapter"
	"github.com/dbkeep-io/dbkeep/internal/envelope"
	"github.com/dbkeep-io/dbkeep/internal/repositories"
	"github.com/dbkeep-io/dbkeep/internal/retention"
	"github.com/dbkeep-io/dbkeep/internal/storage"
)

type testEnv struct {
	pipeline  *Pipeline
	runs      repositories.RunRepository
	localRoot string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	require.NoError(t, db.InitEncryption([]byte("0123456789abcdef0123456789abcdef")))
	database, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	localRoot := t.TempDir()
	runs := repositories.NewRunRepository(database)
	resolver := &Resolver{
		Destinations: repositories.NewDestinationRepository(database),
		Factory:      &storage.Factory{LocalRoot: localRoot},
		Pool:         storage.NewPool(zap.NewNop()),
	}
	pipeline := NewPipeline(PipelineConfig{
		Logger:   zap.NewNop(),
		Runs:     runs,
		Resolver: resolver,
		SpoolDir: t.TempDir(),
	})
	return &testEnv{pipeline: pipeline, runs: runs, localRoot: localRoot}
}

// sqliteTarget points at a real file so the dump stage runs for real.
func sqliteTarget(t *testing.T, content []byte) *db.Target {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.db")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	target := &db.Target{
		Name:     "My App DB",
		DBType:   db.DBTypeSQLite,
		Config:   `{"path":"` + path + `"}`,
		IsActive: true,
	}
	target.ID = uuid.New()
	return target
}

func dbImage(payload string) []byte {
	return append([]byte("SQLite format 3\x00"), []byte(payload)...)
}

func TestExecuteSuccess(t *testing.T) {
	env := newTestEnv(t)
	image := dbImage("page data for the pipeline test")
	target := sqliteTarget(t, image)

	run, err := env.pipeline.Execute(context.Background(), Request{
		Target:  target,
		Trigger: db.TriggerManual,
	})
	require.NoError(t, err)

	assert.Equal(t, db.RunStatusSuccess, run.Status)
	assert.Equal(t, db.OpBackup, run.Operation)
	assert.Regexp(t, regexp.MustCompile(`^backup_my_app_db_\d{8}_\d{6}\.db\.gz$`), run.BackupFilename)
	assert.Equal(t, db.BuiltinLocalDestinationID, run.DestinationID)
	assert.Equal(t, "local", run.DestinationName)
	assert.NotNil(t, run.FinishedAt)
	assert.Greater(t, run.FileSizeMB, 0.0)
	assert.Empty(t, run.ErrorMessage)

	// Stored under the sanitized per-target folder, gunzips back to the dump.
	stored := filepath.Join(env.localRoot, "my_app_db", run.BackupFilename)
	f, err := os.Open(stored)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	plain, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, image, plain)

	var detail RunDetail
	require.NoError(t, json.Unmarshal([]byte(run.Detail), &detail))
	require.Len(t, detail.Destinations, 1)
	assert.Equal(t, db.RunStatusSuccess, detail.Destinations[0].Status)
	assert.Equal(t, int64(len(image)), detail.DumpBytes)

	// The persisted record matches the returned one.
	persisted, err := env.runs.GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusSuccess, persisted.Status)
	assert.Equal(t, run.BackupFilename, persisted.BackupFilename)
}

func TestExecuteEncrypted(t *testing.T) {
	env := newTestEnv(t)
	image := dbImage("secret pages")
	target := sqliteTarget(t, image)

	run, err := env.pipeline.Execute(context.Background(), Request{
		Target:          target,
		Trigger:         db.TriggerManual,
		Policy:          Policy{Encrypt: true},
		EncryptPassword: "hunter2",
	})
	require.NoError(t, err)
	require.Equal(t, db.RunStatusSuccess, run.Status)
	assert.Regexp(t, `\.db\.gz\.enc$`, run.BackupFilename)

	stored := filepath.Join(env.localRoot, "my_app_db", run.BackupFilename)
	f, err := os.Open(stored)
	require.NoError(t, err)
	defer f.Close()

	dec, err := envelope.NewReader(f, "hunter2")
	require.NoError(t, err)
	gz, err := gzip.NewReader(dec)
	require.NoError(t, err)
	plain, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, image, plain)
}

func TestExecuteEncryptionWithoutPassword(t *testing.T) {
	env := newTestEnv(t)
	target := sqliteTarget(t, dbImage("x"))

	run, err := env.pipeline.Execute(context.Background(), Request{
		Target:  target,
		Trigger: db.TriggerManual,
		Policy:  Policy{Encrypt: true},
	})
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusFailure, run.Status)
	assert.Contains(t, run.ErrorMessage, "password")
}

func TestExecuteDumpFailure(t *testing.T) {
	env := newTestEnv(t)
	target := &db.Target{
		Name:   "gone",
		DBType: db.DBTypeSQLite,
		Config: `{"path":"/nonexistent/gone.db"}`,
	}
	target.ID = uuid.New()

	run, err := env.pipeline.Execute(context.Background(), Request{
		Target:  target,
		Trigger: db.TriggerManual,
	})
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusFailure, run.Status)
	assert.NotEmpty(t, run.ErrorMessage)
	assert.Empty(t, run.BackupID)
}

func TestExecutePartialSuccess(t *testing.T) {
	env := newTestEnv(t)
	target := sqliteTarget(t, dbImage("pages"))

	run, err := env.pipeline.Execute(context.Background(), Request{
		Target:         target,
		Trigger:        db.TriggerManual,
		DestinationIDs: []string{db.BuiltinLocalDestinationID, uuid.NewString()},
	})
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusPartialSuccess, run.Status)
	assert.NotEmpty(t, run.BackupID)
	assert.NotEmpty(t, run.ErrorMessage)

	var detail RunDetail
	require.NoError(t, json.Unmarshal([]byte(run.Detail), &detail))
	require.Len(t, detail.Destinations, 2)
	assert.Equal(t, db.RunStatusSuccess, detail.Destinations[0].Status)
	assert.Equal(t, db.RunStatusFailure, detail.Destinations[1].Status)
}

func TestExecuteBusy(t *testing.T) {
	env := newTestEnv(t)
	target := sqliteTarget(t, dbImage("pages"))

	require.True(t, env.pipeline.Locks().TryAcquire("target:"+target.ID.String()))
	defer env.pipeline.Locks().Release("target:" + target.ID.String())

	_, err := env.pipeline.Execute(context.Background(), Request{
		Target:  target,
		Trigger: db.TriggerRunNow,
	})
	require.ErrorIs(t, err, ErrBusy)

	// Nothing was recorded for the refused run.
	_, total, err := env.runs.List(context.Background(), repositories.RunFilter{}, repositories.ListOptions{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestExecuteRetention(t *testing.T) {
	env := newTestEnv(t)
	target := sqliteTarget(t, dbImage("pages"))

	// Seed two aged artifacts in the target's folder at the destination.
	folder := filepath.Join(env.localRoot, "my_app_db")
	require.NoError(t, os.MkdirAll(folder, 0o755))
	for i, name := range []string{
		"backup_my_app_db_20260101_030000.db.gz",
		"backup_my_app_db_20260102_030000.db.gz",
	} {
		path := filepath.Join(folder, name)
		require.NoError(t, os.WriteFile(path, []byte("old"), 0o600))
		mtime := time.Date(2026, 1, 1+i, 3, 0, 0, 0, time.UTC)
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}

	one := 1
	run, err := env.pipeline.Execute(context.Background(), Request{
		Target:  target,
		Trigger: db.TriggerScheduled,
		Policy:  Policy{Policy: retention.Policy{MaxCount: &one}},
	})
	require.NoError(t, err)
	require.Equal(t, db.RunStatusSuccess, run.Status)

	entries, err := os.ReadDir(folder)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, run.BackupFilename, entries[0].Name())

	var detail RunDetail
	require.NoError(t, json.Unmarshal([]byte(run.Detail), &detail))
	require.Len(t, detail.Retention, 1)
	assert.ElementsMatch(t, []string{
		"backup_my_app_db_20260101_030000.db.gz",
		"backup_my_app_db_20260102_030000.db.gz",
	}, detail.Retention[0].Deleted)
	assert.Empty(t, detail.Retention[0].Errors)
}

// blockingAdapter parks every operation until the context dies.
type blockingAdapter struct{}

func (blockingAdapter) Suffix() string { return "db" }

func (blockingAdapter) Dump(ctx context.Context, _ io.Writer) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func (blockingAdapter) Restore(ctx context.Context, _ io.Reader) error {
	<-ctx.Done()
	return ctx.Err()
}

func (blockingAdapter) TestConnection(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestExecuteDeadlineFinalizesPersistedRun(t *testing.T) {
	env := newTestEnv(t)
	target := sqliteTarget(t, dbImage("pages"))
	env.pipeline.adapterFor = func(*db.Target) (dbadapter.Adapter, error) {
		return blockingAdapter{}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	run, err := env.pipeline.Execute(ctx, Request{
		Target:  target,
		Trigger: db.TriggerManual,
	})
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusFailure, run.Status)
	assert.Equal(t, "cancelled", run.ErrorMessage)

	// The persisted row must be terminal too, not left running for the
	// sweeper: the finalize write may not ride the expired context.
	persisted, err := env.runs.GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusFailure, persisted.Status)
	assert.Equal(t, "cancelled", persisted.ErrorMessage)
	require.NotNil(t, persisted.FinishedAt)
}

func TestExecuteLockedRunsUnderHeldLock(t *testing.T) {
	env := newTestEnv(t)
	target := sqliteTarget(t, dbImage("pages"))

	key := "target:" + target.ID.String()
	require.True(t, env.pipeline.Locks().TryAcquire(key))
	defer env.pipeline.Locks().Release(key)

	// Execute refuses while the lock is held; ExecuteLocked is the path for
	// a caller that owns it already.
	_, err := env.pipeline.Execute(context.Background(), Request{
		Target:  target,
		Trigger: db.TriggerRunNow,
	})
	require.ErrorIs(t, err, ErrBusy)

	run, err := env.pipeline.ExecuteLocked(context.Background(), Request{
		Target:  target,
		Trigger: db.TriggerRunNow,
	})
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusSuccess, run.Status)
}

func TestExecuteCancelled(t *testing.T) {
	env := newTestEnv(t)
	target := sqliteTarget(t, dbImage("pages"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := env.pipeline.Execute(ctx, Request{
		Target:  target,
		Trigger: db.TriggerManual,
	})
	// Creating the run record itself fails on a dead context in some drivers;
	// when it survives, the run must be failed as cancelled.
	if err != nil {
		return
	}
	assert.Equal(t, db.RunStatusFailure, run.Status)
	assert.Equal(t, "cancelled", run.ErrorMessage)
}
