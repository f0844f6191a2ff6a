// Package scheduler drives scheduled backups. A gocron-backed decision tick
// scans enabled schedules every 30 seconds (and on demand after schedule
// mutations), submits due ones to a bounded worker pool, and advances their
// timing. A slower sweep finalizes runs abandoned by a crash.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dbkeep-io/dbkeep/internal/backup"
	"github.com/dbkeep-io/dbkeep/internal/db"
	"github.com/dbkeep-io/dbkeep/internal/repositories"
)

const (
	tickInterval   = 30 * time.Second
	sweepInterval  = 10 * time.Minute
	abandonedAfter = 10 * time.Minute

	// DefaultWorkers bounds concurrent runs across all schedules.
	DefaultWorkers = 4

	// queueCapacity is the FIFO overflow beyond the worker pool. A schedule
	// that does not fit is retried on the next tick.
	queueCapacity = 256
)

// Config holds the dependencies of a Scheduler.
type Config struct {
	Logger    *zap.Logger
	Schedules repositories.ScheduleRepository
	Targets   repositories.TargetRepository
	Runs      repositories.RunRepository
	Pipeline  *backup.Pipeline
	Workers   int
}

// Scheduler owns the decision loop and the worker pool. The zero value is
// not usable; create instances with New.
type Scheduler struct {
	cron      gocron.Scheduler
	log       *zap.Logger
	schedules repositories.ScheduleRepository
	targets   repositories.TargetRepository
	runs      repositories.RunRepository
	pipeline  *backup.Pipeline
	workers   int

	queue  chan uuid.UUID
	tickMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Scheduler{
		cron:      cron,
		log:       cfg.Logger.Named("scheduler"),
		schedules: cfg.Schedules,
		targets:   cfg.Targets,
		runs:      cfg.Runs,
		pipeline:  cfg.Pipeline,
		workers:   workers,
		queue:     make(chan uuid.UUID, queueCapacity),
	}, nil
}

// Start performs crash recovery, spins up the worker pool, and begins the
// tick and sweep jobs. Call once at server startup.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	s.recoverStartup(ctx)

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	if _, err := s.cron.NewJob(
		gocron.DurationJob(tickInterval),
		gocron.NewTask(func() { s.tick(s.ctx) }),
	); err != nil {
		return fmt.Errorf("scheduler: register tick job: %w", err)
	}
	if _, err := s.cron.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(func() { s.sweep(s.ctx) }),
	); err != nil {
		return fmt.Errorf("scheduler: register sweep job: %w", err)
	}
	s.cron.Start()

	s.log.Info("scheduler started", zap.Int("workers", s.workers))
	s.tick(s.ctx)
	return nil
}

// Stop shuts the decision loop down and waits for in-flight runs to finish.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info("scheduler stopped")
	return nil
}

// Wake triggers an immediate decision tick. Called by the API after any
// schedule mutation so changes take effect without waiting for the next tick.
func (s *Scheduler) Wake() {
	if s.ctx == nil {
		return
	}
	go s.tick(s.ctx)
}

// recoverStartup finalizes runs orphaned by a crash and recomputes every
// enabled schedule's next_run_at from its own history.
func (s *Scheduler) recoverStartup(ctx context.Context) {
	now := time.Now().UTC()

	swept, err := s.runs.SweepAbandoned(ctx, now.Add(-abandonedAfter), "abandoned")
	if err != nil {
		s.log.Error("abandoned-run sweep failed at startup", zap.Error(err))
	} else if len(swept) > 0 {
		s.log.Warn("finalized abandoned runs", zap.Int("count", len(swept)))
	}

	enabled, err := s.schedules.ListEnabled(ctx)
	if err != nil {
		s.log.Error("failed to load schedules for recovery", zap.Error(err))
		return
	}
	for i := range enabled {
		sc := &enabled[i]
		next := s.computeNext(sc, now)
		if err := s.schedules.UpdateTiming(ctx, sc.ID, sc.LastRunAt, &next); err != nil {
			s.log.Error("failed to recompute schedule timing",
				zap.String("schedule_id", sc.ID.String()), zap.Error(err))
		}
	}
}

// computeNext derives next_run_at from the schedule's history (last run, or
// creation time for schedules that never ran).
func (s *Scheduler) computeNext(sc *db.Schedule, now time.Time) time.Time {
	policy, err := backup.ParsePolicy(sc.Policy)
	if err != nil {
		s.log.Warn("schedule has an unparseable policy",
			zap.String("schedule_id", sc.ID.String()), zap.Error(err))
	}
	last := sc.CreatedAt
	if sc.LastRunAt != nil {
		last = *sc.LastRunAt
	}
	return NextRun(sc.IntervalSeconds, policy.RunAtTime, last, now)
}

// tick is the decision loop body: submit every due schedule whose lock is
// free, then advance its timing. Single-threaded by tickMu.
func (s *Scheduler) tick(ctx context.Context) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now := time.Now().UTC()
	enabled, err := s.schedules.ListEnabled(ctx)
	if err != nil {
		s.log.Error("tick: failed to list schedules", zap.Error(err))
		return
	}

	for i := range enabled {
		sc := &enabled[i]

		if sc.NextRunAt == nil {
			// Fresh or just-recovered schedule: anchor it, run on a later tick.
			next := s.computeNext(sc, now)
			if err := s.schedules.UpdateTiming(ctx, sc.ID, sc.LastRunAt, &next); err != nil {
				s.log.Error("tick: failed to anchor schedule",
					zap.String("schedule_id", sc.ID.String()), zap.Error(err))
			}
			continue
		}
		if sc.NextRunAt.After(now) {
			continue
		}

		// Another run still holding the lock keeps the schedule due; it will
		// be picked up on a later tick once the lock clears.
		key := "schedule:" + sc.ID.String()
		locks := s.pipeline.Locks()
		if !locks.TryAcquire(key) {
			continue
		}
		locks.Release(key)

		select {
		case s.queue <- sc.ID:
			last := now
			policy, _ := backup.ParsePolicy(sc.Policy)
			next := NextRun(sc.IntervalSeconds, policy.RunAtTime, now, now)
			if err := s.schedules.UpdateTiming(ctx, sc.ID, &last, &next); err != nil {
				s.log.Error("tick: failed to advance schedule timing",
					zap.String("schedule_id", sc.ID.String()), zap.Error(err))
			}
			s.log.Info("schedule submitted",
				zap.String("schedule_id", sc.ID.String()),
				zap.String("schedule", sc.Name),
				zap.Time("next_run_at", next))
		default:
			s.log.Warn("worker queue full, schedule deferred to next tick",
				zap.String("schedule_id", sc.ID.String()))
		}
	}
}

// sweep finalizes runs that have been in status running for too long.
func (s *Scheduler) sweep(ctx context.Context) {
	swept, err := s.runs.SweepAbandoned(ctx, time.Now().UTC().Add(-abandonedAfter), "abandoned")
	if err != nil {
		s.log.Error("abandoned-run sweep failed", zap.Error(err))
		return
	}
	if len(swept) > 0 {
		s.log.Warn("finalized abandoned runs", zap.Int("count", len(swept)))
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case id := <-s.queue:
			s.runSchedule(s.ctx, id)
		}
	}
}

// runSchedule executes one scheduled backup. State is re-read at execution
// time so mutations between submission and execution take effect.
func (s *Scheduler) runSchedule(ctx context.Context, id uuid.UUID) {
	sc, err := s.schedules.GetByIDWithDestinations(ctx, id)
	if err != nil {
		s.log.Error("failed to load schedule for run",
			zap.String("schedule_id", id.String()), zap.Error(err))
		return
	}
	if !sc.Enabled {
		return
	}

	target, err := s.targets.GetByID(ctx, sc.TargetID)
	if err != nil {
		s.log.Error("failed to load target for scheduled run",
			zap.String("schedule_id", id.String()), zap.Error(err))
		return
	}

	policy, err := backup.ParsePolicy(sc.Policy)
	if err != nil {
		s.log.Error("scheduled run skipped, policy unparseable",
			zap.String("schedule_id", id.String()), zap.Error(err))
		return
	}

	destIDs := make([]string, 0, len(sc.Destinations))
	for _, d := range sc.Destinations {
		destIDs = append(destIDs, d.DestinationID)
	}

	deadline := time.Duration(max(sc.IntervalSeconds, 3600)) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	run, err := s.pipeline.Execute(runCtx, backup.Request{
		Target:          target,
		Schedule:        sc,
		DestinationIDs:  destIDs,
		Policy:          policy,
		EncryptPassword: string(sc.EncryptPassword),
		Trigger:         db.TriggerScheduled,
	})
	switch {
	case errors.Is(err, backup.ErrBusy):
		s.log.Info("scheduled run skipped, previous run still active",
			zap.String("schedule_id", id.String()))
	case err != nil:
		s.log.Error("scheduled run failed to execute",
			zap.String("schedule_id", id.String()), zap.Error(err))
	case run.Status != db.RunStatusSuccess:
		s.log.Warn("scheduled run finished with problems",
			zap.String("schedule_id", id.String()),
			zap.String("run_id", run.ID.String()),
			zap.String("status", run.Status))
	}
}
