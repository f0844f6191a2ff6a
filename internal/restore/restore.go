// Package restore implements the restore pipeline: locate the artifact at a
// destination, reverse the storage transforms (decrypt, decompress), verify
// the content is compatible with the target engine, and hand the stream to
// the database adapter.
package restore

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dbkeep-io/dbkeep/internal/backup"
	"github.com/dbkeep-io/dbkeep/internal/db"
	"github.com/dbkeep-io/dbkeep/internal/dbadapter"
	"github.com/dbkeep-io/dbkeep/internal/envelope"
	"github.com/dbkeep-io/dbkeep/internal/metrics"
	"github.com/dbkeep-io/dbkeep/internal/repositories"
)

// Confirmation is the literal a caller must send before any restore runs.
var Confirmation = "RESTORE"

var (
	// ErrConfirmationRequired is returned when the confirmation literal is
	// missing or wrong. Nothing is recorded in that case.
	ErrConfirmationRequired = errors.New("restore: confirmation required")

	// ErrPasswordRequired is returned for encrypted artifacts when no
	// password accompanies the request.
	ErrPasswordRequired = errors.New("restore: encryption password required")
)

// defaultDeadline bounds a restore when the caller sets no deadline.
const defaultDeadline = time.Hour

// sniffSize is how much plaintext head the compatibility check reads.
const sniffSize = 1024

// Request describes one restore execution.
type Request struct {
	Target *db.Target

	// DestinationID locates the artifact; the builtin local id when the
	// caller restores from local storage.
	DestinationID string

	BackupID       string
	BackupFilename string

	Confirmation       string
	EncryptionPassword string
	Trigger            string
}

// RunDetail is the restore run's detail document.
type RunDetail struct {
	Warnings []string `json:"warnings,omitempty"`
}

// Pipeline executes restore runs.
type Pipeline struct {
	log      *zap.Logger
	runs     repositories.RunRepository
	resolver *backup.Resolver
	locks    *backup.Locks
	metrics  *metrics.Metrics

	adapterFor func(*db.Target) (dbadapter.Adapter, error)
}

// PipelineConfig holds the dependencies of a restore Pipeline. Locks must be
/// the same registry the backup pipeline uses: restores serialize against
// other restores and manual backups of the same target, which share the
// target key. Scheduled backups lock per schedule and are not serialized
// against restores.
type PipelineConfig struct {
	Logger   *zap.Logger
	Runs     repositories.RunRepository
	Resolver *backup.Resolver
	Locks    *backup.Locks
	Metrics  *metrics.Metrics
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		log:        cfg.Logger.Named("restore"),
		runs:       cfg.Runs,
		resolver:   cfg.Resolver,
		locks:      cfg.Locks,
		metrics:    cfg.Metrics,
		adapterFor: dbadapter.ForTarget,
	}
}

// Execute validates the request gates, then runs the restore. Gate failures
// (confirmation, filename compatibility, missing password) return before any
// run is recorded. Once a run exists it is always finalized; the returned
// error then reports the failure cause alongside the failed run.
func (p *Pipeline) Execute(ctx context.Context, req Request) (*db.Run, error) {
	if req.Confirmation != Confirmation {
		return nil, ErrConfirmationRequired
	}
	if err := dbadapter.ValidateName(req.Target.DBType, req.BackupFilename); err != nil {
		return nil, err
	}

	name := req.BackupFilename
	encrypted := strings.HasSuffix(name, ".enc")
	if encrypted {
		name = strings.TrimSuffix(name, ".enc")
	}
	gzipped := strings.HasSuffix(name, ".gz")

	if encrypted && req.EncryptionPassword == "" {
		return nil, ErrPasswordRequired
	}

	if !p.locks.TryAcquire("target:" + req.Target.ID.String()) {
		return nil, backup.ErrBusy
	}
	defer p.locks.Release("target:" + req.Target.ID.String())

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultDeadline)
		defer cancel()
	}

	run := &db.Run{
		Operation:      db.OpRestore,
		Trigger:        req.Trigger,
		TargetID:       req.Target.ID,
		TargetName:     req.Target.Name,
		DestinationID:  req.DestinationID,
		BackupID:       req.BackupID,
		BackupFilename: req.BackupFilename,
		Status:         db.RunStatusRunning,
		StartedAt:      time.Now().UTC(),
		Detail:         "{}",
	}
	if err := p.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	p.log.Info("restore run started",
		zap.String("run_id", run.ID.String()),
		zap.String("target", run.TargetName),
		zap.String("backup", run.BackupFilename))

	detail := &RunDetail{}
	artifactBytes, restoreErr := p.restore(ctx, req, encrypted, gzipped, detail)

	result := repositories.RunResult{
		FinishedAt: time.Now().UTC(),
		FileSizeMB: float64(artifactBytes) / (1 << 20),
	}
	if raw, err := json.Marshal(detail); err == nil {
		result.Detail = string(raw)
	}
	if restoreErr != nil {
		result.Status = db.RunStatusFailure
		if ctx.Err() != nil {
			result.ErrorMessage = "cancelled"
		} else {
			result.ErrorMessage = restoreErr.Error()
		}
	} else {
		result.Status = db.RunStatusSuccess
	}
	// Finalize on a detached context: ctx may be expired, and that expiry is
	// often the very failure being recorded.
	if err := p.runs.Finish(context.WithoutCancel(ctx), run.ID, result); err != nil {
		p.log.Error("failed to finalize run", zap.String("run_id", run.ID.String()), zap.Error(err))
	}

	run.Status = result.Status
	run.FinishedAt = &result.FinishedAt
	run.ErrorMessage = result.ErrorMessage
	run.FileSizeMB = result.FileSizeMB
	run.Detail = result.Detail

	p.metrics.ObserveRun(db.OpRestore, run.Status, result.FinishedAt.Sub(run.StartedAt).Seconds())

	p.log.Info("restore run finished",
		zap.String("run_id", run.ID.String()),
		zap.String("status", run.Status))

	return run, restoreErr
}

// restore streams the artifact through the reverse transforms into the
// adapter. Returns the number of artifact bytes read from the destination.
func (p *Pipeline) restore(ctx context.Context, req Request, encrypted, gzipped bool, detail *RunDetail) (int64, error) {
	adapter, err := p.adapterFor(req.Target)
	if err != nil {
		return 0, err
	}

	_, backend, release, err := p.resolver.Resolve(ctx, req.DestinationID)
	defer release()
	if err != nil {
		return 0, err
	}

	rc, err := backend.Get(ctx, req.BackupID, req.BackupFilename)
	if err != nil {
		return 0, fmt.Errorf("restore: fetch artifact: %w", err)
	}
	defer rc.Close()

	counter := &countingReader{r: rc}
	var stream io.Reader = counter

	if encrypted {
		dec, err := envelope.NewReader(stream, req.EncryptionPassword)
		if err != nil {
			return counter.n, err
		}
		stream = dec
	}
	if gzipped {
		gz, err := gzip.NewReader(stream)
		if err != nil {
			// An encrypted stream that fails right at the gzip header most
			// likely means the artifact is corrupt rather than mislabeled.
			return counter.n, fmt.Errorf("restore: decompress: %w", err)
		}
		defer gz.Close()
		stream = gz
	}

	// Peek at the plaintext head to catch engine mismatches before any data
	// is dropped from the target.
	buffered := bufio.NewReaderSize(stream, sniffSize)
	head, err := buffered.Peek(sniffSize)
	if err != nil && err != io.EOF && !errors.Is(err, bufio.ErrBufferFull) {
		return counter.n, fmt.Errorf("restore: read artifact head: %w", err)
	}
	warnings, err := dbadapter.ValidateContent(req.Target.DBType, head)
	if err != nil {
		return counter.n, err
	}
	detail.Warnings = append(detail.Warnings, warnings...)

	if err := adapter.Restore(ctx, buffered); err != nil {
		return counter.n, err
	}
	return counter.n, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
