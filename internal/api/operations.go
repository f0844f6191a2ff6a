package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dbkeep-io/dbkeep/internal/backup"
	"github.com/dbkeep-io/dbkeep/internal/db"
	"github.com/dbkeep-io/dbkeep/internal/repositories"
	"github.com/dbkeep-io/dbkeep/internal/restore"
)

// defaultRunEnabledCap bounds run-enabled-now when the caller sends no
// max_schedules.
const defaultRunEnabledCap = 10

// OperationsHandler serves the imperative endpoints: backup-now,
// restore-now, and the manual schedule triggers.
type OperationsHandler struct {
	targets   repositories.TargetRepository
	schedules repositories.ScheduleRepository
	backups   *backup.Pipeline
	restores  *restore.Pipeline
	logger    *zap.Logger
}

// NewOperationsHandler creates a new OperationsHandler.
func NewOperationsHandler(
	targets repositories.TargetRepository,
	schedules repositories.ScheduleRepository,
	backups *backup.Pipeline,
	restores *restore.Pipeline,
	logger *zap.Logger,
) *OperationsHandler {
	return &OperationsHandler{
		targets:   targets,
		schedules: schedules,
		backups:   backups,
		restores:  restores,
		logger:    logger.Named("operations_handler"),
	}
}

// backupNowRequest is the JSON body for POST /automation/backup-now.
type backupNowRequest struct {
	TargetID        string   `json:"target_id"`
	DestinationIDs  []string `json:"destination_ids"`
	UseLocalStorage bool     `json:"use_local_storage"`
}

// BackupNow handles POST /automation/backup-now: one ad-hoc backup of a
// target, executed synchronously. Without destination_ids the artifact goes
// to the built-in local destination.
func (h *OperationsHandler) BackupNow(w http.ResponseWriter, r *http.Request) {
	var req backupNowRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	targetID, err := uuid.Parse(req.TargetID)
	if err != nil {
		ErrValidation(w, "target_id must be a valid UUID")
		return
	}
	target, err := h.targets.GetByID(r.Context(), targetID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	destIDs := req.DestinationIDs
	if req.UseLocalStorage {
		destIDs = append(destIDs, db.BuiltinLocalDestinationID)
	}

	run, err := h.backups.Execute(r.Context(), backup.Request{
		Target:         target,
		DestinationIDs: destIDs,
		Trigger:        db.TriggerManual,
	})
	if err != nil && run == nil {
		writeDomainError(w, h.logger, err)
		return
	}

	Ok(w, runToResponse(run))
}

// restoreNowRequest is the JSON body for POST /automation/restore-now.
// Filename defaults to the base of backup_id, which covers local and SFTP
// destinations; Google Drive callers must pass it explicitly because drive
// ids are opaque.
type restoreNowRequest struct {
	TargetID           string `json:"target_id"`
	BackupID           string `json:"backup_id"`
	Filename           string `json:"filename"`
	DestinationID      string `json:"destination_id"`
	UseLocalStorage    bool   `json:"use_local_storage"`
	Confirmation       string `json:"confirmation"`
	EncryptionPassword string `json:"encryption_password"`
}

// RestoreNow handles POST /automation/restore-now. The confirmation literal
// is checked by the restore pipeline before anything else; gate violations
// map to 400 responses and leave no run record.
func (h *OperationsHandler) RestoreNow(w http.ResponseWriter, r *http.Request) {
	var req restoreNowRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	targetID, err := uuid.Parse(req.TargetID)
	if err != nil {
		ErrValidation(w, "target_id must be a valid UUID")
		return
	}
	if req.BackupID == "" {
		ErrValidation(w, "backup_id is required")
		return
	}
	target, err := h.targets.GetByID(r.Context(), targetID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	destinationID := req.DestinationID
	if destinationID == "" || req.UseLocalStorage {
		destinationID = db.BuiltinLocalDestinationID
	}
	filename := req.Filename
	if filename == "" {
		filename = path.Base(req.BackupID)
	}

	run, err := h.restores.Execute(r.Context(), restore.Request{
		Target:             target,
		DestinationID:      destinationID,
		BackupID:           req.BackupID,
		BackupFilename:     filename,
		Confirmation:       req.Confirmation,
		EncryptionPassword: req.EncryptionPassword,
		Trigger:            db.TriggerManual,
	})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	Ok(w, runToResponse(run))
}

// runNowResponse acknowledges an enqueued manual schedule run.
type runNowResponse struct {
	ScheduleID string `json:"schedule_id"`
	Enqueued   bool   `json:"enqueued"`
}

// RunNow handles POST /automation/schedules/{id}/run-now. The run executes
// in the background; a held schedule lock is refused with BUSY rather than
// queued. The handler acquires the lock and hands it to the background run,
// so an accepted request cannot lose it to another trigger in between.
func (h *OperationsHandler) RunNow(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	sc, err := h.schedules.GetByIDWithDestinations(r.Context(), id)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	if !h.backups.Locks().TryAcquire("schedule:" + sc.ID.String()) {
		ErrBusy(w, busyRetryAfterSeconds)
		return
	}

	go h.executeSchedule(context.WithoutCancel(r.Context()), sc, db.TriggerRunNow)

	Accepted(w, runNowResponse{ScheduleID: sc.ID.String(), Enqueued: true})
}

// runEnabledNowRequest is the JSON body for POST /automation/schedules/run-enabled-now.
type runEnabledNowRequest struct {
	MaxSchedules int `json:"max_schedules"`
}

// runEnabledNowResponse reports how many schedules were triggered.
type runEnabledNowResponse struct {
	Triggered int `json:"triggered"`
	Skipped   int `json:"skipped"`
}

// RunEnabledNow handles POST /automation/schedules/run-enabled-now: trigger
// every enabled schedule, oldest first, up to max_schedules. Schedules whose
// lock is held are skipped, not queued.
func (h *OperationsHandler) RunEnabledNow(w http.ResponseWriter, r *http.Request) {
	// The body is optional; an absent one means "use the default cap".
	var req runEnabledNowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		ErrValidation(w, "invalid request body: "+err.Error())
		return
	}
	limit := req.MaxSchedules
	if limit <= 0 {
		limit = defaultRunEnabledCap
	}

	enabled, err := h.schedules.ListEnabled(r.Context())
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	locks := h.backups.Locks()
	triggered, skipped := 0, 0
	for i := range enabled {
		if triggered >= limit {
			break
		}
		sc := enabled[i]

		key := "schedule:" + sc.ID.String()
		if !locks.TryAcquire(key) {
			skipped++
			continue
		}

		full, err := h.schedules.GetByIDWithDestinations(r.Context(), sc.ID)
		if err != nil {
			locks.Release(key)
			skipped++
			continue
		}
		go h.executeSchedule(context.WithoutCancel(r.Context()), full, db.TriggerRunNow)
		triggered++
	}

	Accepted(w, runEnabledNowResponse{Triggered: triggered, Skipped: skipped})
}

// executeSchedule runs one schedule's backup outside the request lifecycle,
// under the schedule lock its caller acquired. Failures are recorded on the
// run itself; here they are only logged.
func (h *OperationsHandler) executeSchedule(ctx context.Context, sc *db.Schedule, trigger string) {
	defer h.backups.Locks().Release("schedule:" + sc.ID.String())

	target, err := h.targets.GetByID(ctx, sc.TargetID)
	if err != nil {
		h.logger.Error("manual run failed to load target",
			zap.String("schedule_id", sc.ID.String()), zap.Error(err))
		return
	}

	policy, err := backup.ParsePolicy(sc.Policy)
	if err != nil {
		h.logger.Error("manual run skipped, policy unparseable",
			zap.String("schedule_id", sc.ID.String()), zap.Error(err))
		return
	}

	destIDs := make([]string, 0, len(sc.Destinations))
	for _, d := range sc.Destinations {
		destIDs = append(destIDs, d.DestinationID)
	}

	deadline := time.Duration(max(sc.IntervalSeconds, 3600)) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	run, err := h.backups.ExecuteLocked(runCtx, backup.Request{
		Target:          target,
		Schedule:        sc,
		DestinationIDs:  destIDs,
		Policy:          policy,
		EncryptPassword: string(sc.EncryptPassword),
		Trigger:         trigger,
	})
	if err != nil {
		h.logger.Error("manual run failed",
			zap.String("schedule_id", sc.ID.String()), zap.Error(err))
		return
	}
	if run.Status != db.RunStatusSuccess {
		h.logger.Warn("manual run finished with problems",
			zap.String("schedule_id", sc.ID.String()),
			zap.String("run_id", run.ID.String()),
			zap.String("status", run.Status))
	}
}
