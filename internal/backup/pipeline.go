package backup

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dbkeep-io/dbkeep/internal/db"
	"github.com/dbkeep-io/dbkeep/internal/dbadapter"
	"github.com/dbkeep-io/dbkeep/internal/envelope"
	"github.com/dbkeep-io/dbkeep/internal/metrics"
	"github.com/dbkeep-io/dbkeep/internal/notification"
	"github.com/dbkeep-io/dbkeep/internal/repositories"
	"github.com/dbkeep-io/dbkeep/internal/retention"
	"github.com/dbkeep-io/dbkeep/internal/storage"
)

// defaultRunDeadline applies when the caller's context carries no deadline
// of its own (manual run-now without an override).
const defaultRunDeadline = time.Hour

// gzipLevel trades a little compression for dump throughput.
const gzipLevel = 6

// DestinationResult is one destination's slice of a run, stored in the run
// detail document.
type DestinationResult struct {
	DestinationID   string `json:"destination_id"`
	DestinationName string `json:"destination_name"`
	BackupID        string `json:"backup_id,omitempty"`
	Bytes           int64  `json:"bytes,omitempty"`
	DurationMS      int64  `json:"duration_ms,omitempty"`
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
}

// RetentionResult records what retention deleted (or failed to delete) at
// one destination. Retention failures never change the run status.
type RetentionResult struct {
	DestinationID string   `json:"destination_id"`
	Deleted       []string `json:"deleted,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// RunDetail is the run's detail JSON document.
type RunDetail struct {
	Destinations  []DestinationResult `json:"destinations,omitempty"`
	Retention     []RetentionResult   `json:"retention,omitempty"`
	DumpBytes     int64               `json:"dump_bytes,omitempty"`
	Notifications []string            `json:"notifications,omitempty"`
}

// Request describes one backup execution. Schedule is nil for manual
// target-level backups; DestinationIDs defaults to the builtin local
// destination when empty.
type Request struct {
	Target          *db.Target
	Schedule        *db.Schedule
	DestinationIDs  []string
	Policy          Policy
	EncryptPassword string
	Trigger         string
}

// Pipeline executes backup runs: dump once to a spool file, compress,
// optionally encrypt, fan out to every destination in parallel, apply
// retention, finalize the run record, notify.
type Pipeline struct {
	log      *zap.Logger
	runs     repositories.RunRepository
	resolver *Resolver
	notifier *notification.Service
	metrics  *metrics.Metrics
	locks    *Locks
	spoolDir string

	// adapterFor is swapped in tests.
	adapterFor func(*db.Target) (dbadapter.Adapter, error)
}

// PipelineConfig holds the dependencies of a Pipeline. Notifier and Metrics
// are optional.
type PipelineConfig struct {
	Logger   *zap.Logger
	Runs     repositories.RunRepository
	Resolver *Resolver
	Notifier *notification.Service
	Metrics  *metrics.Metrics
	Locks    *Locks
	SpoolDir string
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	spool := cfg.SpoolDir
	if spool == "" {
		spool = os.TempDir()
	}
	locks := cfg.Locks
	if locks == nil {
		locks = NewLocks()
	}
	return &Pipeline{
		log:        cfg.Logger.Named("backup"),
		runs:       cfg.Runs,
		resolver:   cfg.Resolver,
		notifier:   cfg.Notifier,
		metrics:    cfg.Metrics,
		locks:      locks,
		spoolDir:   spool,
		adapterFor: dbadapter.ForTarget,
	}
}

// Locks exposes the per-schedule lock registry so the scheduler and the API
// share the same serialization domain.
func (p *Pipeline) Locks() *Locks { return p.locks }

func lockKey(req Request) string {
	if req.Schedule != nil {
		return "schedule:" + req.Schedule.ID.String()
	}
	return "target:" + req.Target.ID.String()
}

// Execute runs one backup end to end. It returns ErrBusy without recording
// anything when another run holds the lock; otherwise it always returns the
// finalized run, whose Status carries the outcome.
func (p *Pipeline) Execute(ctx context.Context, req Request) (*db.Run, error) {
	key := lockKey(req)
	if !p.locks.TryAcquire(key) {
		return nil, ErrBusy
	}
	defer p.locks.Release(key)

	return p.execute(ctx, req)
}

// ExecuteLocked runs a backup whose lock the caller already holds via
// Locks().TryAcquire(). Ownership of the lock stays with the caller.
func (p *Pipeline) ExecuteLocked(ctx context.Context, req Request) (*db.Run, error) {
	return p.execute(ctx, req)
}

func (p *Pipeline) execute(ctx context.Context, req Request) (*db.Run, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRunDeadline)
		defer cancel()
	}

	if len(req.DestinationIDs) == 0 {
		req.DestinationIDs = []string{db.BuiltinLocalDestinationID}
	}

	run := &db.Run{
		Operation:  db.OpBackup,
		Trigger:    req.Trigger,
		TargetID:   req.Target.ID,
		TargetName: req.Target.Name,
		Status:     db.RunStatusRunning,
		StartedAt:  time.Now().UTC(),
		Detail:     "{}",
	}
	if req.Schedule != nil {
		sid := req.Schedule.ID
		run.ScheduleID = &sid
		run.ScheduleName = req.Schedule.Name
	}
	if err := p.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	p.log.Info("backup run started",
		zap.String("run_id", run.ID.String()),
		zap.String("target", run.TargetName),
		zap.String("trigger", run.Trigger))

	detail := &RunDetail{}
	result := p.produce(ctx, req, run, detail)

	result.FinishedAt = time.Now().UTC()
	if raw, err := json.Marshal(detail); err == nil {
		result.Detail = string(raw)
	}

	// Finalize on a detached context: ctx may be expired, and that expiry is
	// often the very failure being recorded.
	finishCtx := context.WithoutCancel(ctx)
	if err := p.runs.Finish(finishCtx, run.ID, result); err != nil {
		p.log.Error("failed to finalize run", zap.String("run_id", run.ID.String()), zap.Error(err))
	}

	// Mirror the terminal fields onto the returned record.
	run.Status = result.Status
	run.FinishedAt = &result.FinishedAt
	run.ErrorMessage = result.ErrorMessage
	run.BackupID = result.BackupID
	run.BackupFilename = result.BackupFilename
	run.FileSizeMB = result.FileSizeMB
	run.DestinationID = result.DestinationID
	run.DestinationName = result.DestinationName
	run.Detail = result.Detail

	p.metrics.ObserveRun(db.OpBackup, run.Status, result.FinishedAt.Sub(run.StartedAt).Seconds())

	p.log.Info("backup run finished",
		zap.String("run_id", run.ID.String()),
		zap.String("status", run.Status),
		zap.Float64("size_mb", run.FileSizeMB))

	p.notify(finishCtx, run, req, detail)
	return run, nil
}

// produce dumps, transforms, fans out, and applies retention. It never
// touches the run record; the caller finalizes with the returned result.
func (p *Pipeline) produce(ctx context.Context, req Request, run *db.Run, detail *RunDetail) repositories.RunResult {
	fail := func(err error) repositories.RunResult {
		if ctx.Err() != nil {
			return repositories.RunResult{Status: db.RunStatusFailure, ErrorMessage: "cancelled"}
		}
		return repositories.RunResult{Status: db.RunStatusFailure, ErrorMessage: err.Error()}
	}

	adapter, err := p.adapterFor(req.Target)
	if err != nil {
		return fail(err)
	}

	filename := Filename(req.Target.Name, run.StartedAt, adapter.Suffix(), req.Policy.Encrypt)
	key := StorageKey(req.Target.Name, filename)

	spool, err := os.CreateTemp(p.spoolDir, "dbkeep-spool-*")
	if err != nil {
		return fail(fmt.Errorf("backup: create spool: %w", err))
	}
	spoolPath := spool.Name()
	defer os.Remove(spoolPath)

	dumpBytes, err := p.writeSpool(ctx, adapter, spool, req)
	if cerr := spool.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fail(err)
	}
	detail.DumpBytes = dumpBytes

	info, err := os.Stat(spoolPath)
	if err != nil {
		return fail(fmt.Errorf("backup: stat spool: %w", err))
	}
	artifactSize := info.Size()

	results := p.fanOut(ctx, req, spoolPath, key)
	detail.Destinations = results

	res := repositories.RunResult{
		BackupFilename: filename,
		FileSizeMB:     float64(artifactSize) / (1 << 20),
	}

	var ids, names, errs []string
	succeeded := 0
	for _, r := range results {
		ids = append(ids, r.DestinationID)
		names = append(names, r.DestinationName)
		if r.Status == db.RunStatusSuccess {
			succeeded++
			if res.BackupID == "" {
				res.BackupID = r.BackupID
			}
		} else if r.Error != "" {
			errs = append(errs, fmt.Sprintf("%s: %s", r.DestinationName, r.Error))
		}
	}
	res.DestinationID = strings.Join(ids, ",")
	res.DestinationName = strings.Join(names, ", ")

	switch {
	case succeeded == len(results):
		res.Status = db.RunStatusSuccess
	case succeeded == 0:
		res.Status = db.RunStatusFailure
	default:
		res.Status = db.RunStatusPartialSuccess
	}
	if res.Status != db.RunStatusSuccess {
		if ctx.Err() != nil {
			res.ErrorMessage = "cancelled"
		} else {
			res.ErrorMessage = strings.Join(errs, "; ")
		}
	}

	if succeeded > 0 && req.Policy.HasRetention() {
		p.applyRetention(ctx, req, results, detail)
	}
	return res
}

// writeSpool streams the dump through gzip and, when the policy asks for it,
// the encryption envelope, into the spool file. Transform order is fixed:
// dump, then compress, then encrypt.
func (p *Pipeline) writeSpool(ctx context.Context, adapter dbadapter.Adapter, dst io.Writer, req Request) (int64, error) {
	var sink io.Writer = dst
	var env *envelope.Writer
	if req.Policy.Encrypt {
		if req.EncryptPassword == "" {
			return 0, fmt.Errorf("backup: policy enables encryption but no password is stored")
		}
		var err error
		env, err = envelope.NewWriter(dst, req.EncryptPassword)
		if err != nil {
			return 0, err
		}
		sink = env
	}

	gz, err := gzip.NewWriterLevel(sink, gzipLevel)
	if err != nil {
		return 0, err
	}

	n, err := adapter.Dump(ctx, gz)
	if err != nil {
		gz.Close()
		if env != nil {
			env.Close()
		}
		return n, err
	}
	if err := gz.Close(); err != nil {
		return n, fmt.Errorf("backup: compress: %w", err)
	}
	if env != nil {
		if err := env.Close(); err != nil {
			return n, fmt.Errorf("backup: encrypt: %w", err)
		}
	}
	return n, nil
}

// fanOut uploads the spool to every destination in parallel. Each
// destination's outcome is captured in its result; an upload failure never
// aborts the others.
func (p *Pipeline) fanOut(ctx context.Context, req Request, spoolPath, key string) []DestinationResult {
	results := make([]DestinationResult, len(req.DestinationIDs))

	g := new(errgroup.Group)
	for i, destID := range req.DestinationIDs {
		g.Go(func() error {
			start := time.Now()
			res := DestinationResult{
				DestinationID:   destID,
				DestinationName: destID,
				Status:          db.RunStatusFailure,
			}
			defer func() {
				res.DurationMS = time.Since(start).Milliseconds()
				results[i] = res
			}()

			name, backend, release, err := p.resolver.Resolve(ctx, destID)
			defer release()
			if name != "" {
				res.DestinationName = name
			}
			if err != nil {
				res.Error = err.Error()
				return nil
			}

			var obj storage.Object
			err = storage.WithRetry(ctx, p.log, "put "+key, func() error {
				f, err := os.Open(spoolPath)
				if err != nil {
					return storage.Permanent(err)
				}
				defer f.Close()
				o, err := backend.Put(ctx, key, f)
				if err != nil {
					return err
				}
				obj = o
				return nil
			})
			if err != nil {
				res.Error = err.Error()
				return nil
			}

			res.Status = db.RunStatusSuccess
			res.BackupID = obj.ID
			res.Bytes = obj.SizeBytes
			p.metrics.AddUploadedBytes(obj.SizeBytes)
			return nil
		})
	}
	g.Wait()
	return results
}

// applyRetention evaluates the policy against each destination that accepted
// the new artifact and deletes what the plan names. Failures are recorded in
// the detail document only.
func (p *Pipeline) applyRetention(ctx context.Context, req Request, results []DestinationResult, detail *RunDetail) {
	now := time.Now().UTC()
	prefix := SanitizeTargetName(req.Target.Name)

	for _, r := range results {
		if r.Status != db.RunStatusSuccess {
			continue
		}
		rr := RetentionResult{DestinationID: r.DestinationID}

		_, backend, release, err := p.resolver.Resolve(ctx, r.DestinationID)
		if err != nil {
			release()
			rr.Errors = append(rr.Errors, err.Error())
			detail.Retention = append(detail.Retention, rr)
			continue
		}

		objects, _, err := backend.List(ctx, prefix, 0, 0)
		if err != nil {
			release()
			rr.Errors = append(rr.Errors, fmt.Sprintf("list: %v", err))
			detail.Retention = append(detail.Retention, rr)
			continue
		}

		artifacts := make([]retention.Artifact, len(objects))
		for i, o := range objects {
			artifacts[i] = retention.Artifact{
				BackupID:  o.ID,
				Filename:  o.Name,
				CreatedAt: o.CreatedAt,
				SizeBytes: o.SizeBytes,
			}
		}

		for _, victim := range retention.Plan(req.Policy.Policy, artifacts, now) {
			if err := backend.Delete(ctx, victim.BackupID, victim.Filename); err != nil {
				rr.Errors = append(rr.Errors, fmt.Sprintf("%s: %v", victim.Filename, err))
				continue
			}
			rr.Deleted = append(rr.Deleted, victim.Filename)
			p.log.Info("retention deleted artifact",
				zap.String("destination_id", r.DestinationID),
				zap.String("filename", victim.Filename))
		}
		release()
		detail.Retention = append(detail.Retention, rr)
	}
}

// notify hands the terminal run to the notifier and folds delivery failures
// back into the run's detail document.
func (p *Pipeline) notify(ctx context.Context, run *db.Run, req Request, detail *RunDetail) {
	if p.notifier == nil || req.Policy.Notifications == nil {
		return
	}

	var fetch notification.AttachmentFetch
	for _, r := range detail.Destinations {
		if r.Status != db.RunStatusSuccess {
			continue
		}
		fetch = func(ctx context.Context) (*notification.Attachment, error) {
			_, backend, release, err := p.resolver.Resolve(ctx, r.DestinationID)
			defer release()
			if err != nil {
				return nil, err
			}
			rc, err := backend.Get(ctx, r.BackupID, run.BackupFilename)
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			data, err := io.ReadAll(rc)
			if err != nil {
				return nil, err
			}
			return &notification.Attachment{Filename: run.BackupFilename, Data: data}, nil
		}
		break
	}

	failures := p.notifier.NotifyRun(ctx, run, req.Policy.Notifications, fetch)
	if len(failures) == 0 {
		return
	}
	detail.Notifications = failures
	raw, err := json.Marshal(detail)
	if err != nil {
		return
	}
	if err := p.runs.UpdateDetail(ctx, run.ID, string(raw)); err != nil {
		p.log.Warn("failed to record notification results",
			zap.String("run_id", run.ID.String()), zap.Error(err))
	}
	run.Detail = string(raw)
}
