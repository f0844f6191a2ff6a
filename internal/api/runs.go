package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dbkeep-io/dbkeep/internal/db"
	"github.com/dbkeep-io/dbkeep/internal/repositories"
)

// RunHandler serves the audit history endpoints.
type RunHandler struct {
	repo   repositories.RunRepository
	logger *zap.Logger
}

// NewRunHandler creates a new RunHandler.
func NewRunHandler(repo repositories.RunRepository, logger *zap.Logger) *RunHandler {
	return &RunHandler{
		repo:   repo,
		logger: logger.Named("run_handler"),
	}
}

// runResponse is the JSON representation of a run. Detail is the raw
// per-destination sub-result document.
type runResponse struct {
	ID              string          `json:"id"`
	Operation       string          `json:"operation"`
	Trigger         string          `json:"trigger"`
	TargetID        string          `json:"target_id"`
	TargetName      string          `json:"target_name"`
	ScheduleID      *string         `json:"schedule_id"`
	ScheduleName    string          `json:"schedule_name,omitempty"`
	DestinationID   string          `json:"destination_id,omitempty"`
	DestinationName string          `json:"destination_name,omitempty"`
	BackupID        string          `json:"backup_id,omitempty"`
	BackupFilename  string          `json:"backup_filename,omitempty"`
	FileSizeMB      float64         `json:"file_size_mb"`
	Status          string          `json:"status"`
	StartedAt       string          `json:"started_at"`
	FinishedAt      *string         `json:"finished_at"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Detail          json.RawMessage `json:"detail"`
}

func runToResponse(run *db.Run) runResponse {
	detail := run.Detail
	if detail == "" {
		detail = "{}"
	}
	resp := runResponse{
		ID:              run.ID.String(),
		Operation:       run.Operation,
		Trigger:         run.Trigger,
		TargetID:        run.TargetID.String(),
		TargetName:      run.TargetName,
		ScheduleName:    run.ScheduleName,
		DestinationID:   run.DestinationID,
		DestinationName: run.DestinationName,
		BackupID:        run.BackupID,
		BackupFilename:  run.BackupFilename,
		FileSizeMB:      run.FileSizeMB,
		Status:          run.Status,
		StartedAt:       run.StartedAt.UTC().Format(time.RFC3339),
		ErrorMessage:    run.ErrorMessage,
		Detail:          json.RawMessage(detail),
	}
	if run.ScheduleID != nil {
		s := run.ScheduleID.String()
		resp.ScheduleID = &s
	}
	if run.FinishedAt != nil {
		s := run.FinishedAt.UTC().Format(time.RFC3339)
		resp.FinishedAt = &s
	}
	return resp
}

// listRunsResponse wraps a paginated list of runs.
type listRunsResponse struct {
	Items []runResponse `json:"items"`
	Total int64         `json:"total"`
}

// List handles GET /automation/audit.
// Supported filters: target_id, schedule_id, operation, trigger, status,
// plus the usual limit/offset pagination. Results are newest first.
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	var filter repositories.RunFilter

	q := r.URL.Query()
	if v := q.Get("target_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			ErrValidation(w, "target_id must be a valid UUID")
			return
		}
		filter.TargetID = id
	}
	if v := q.Get("schedule_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			ErrValidation(w, "schedule_id must be a valid UUID")
			return
		}
		filter.ScheduleID = id
	}
	filter.Operation = q.Get("operation")
	filter.Trigger = q.Get("trigger")
	filter.Status = q.Get("status")

	runs, total, err := h.repo.List(r.Context(), filter, paginationOpts(r))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	items := make([]runResponse, len(runs))
	for i := range runs {
		items[i] = runToResponse(&runs[i])
	}

	Ok(w, listRunsResponse{Items: items, Total: total})
}

// GetByID handles GET /automation/audit/{id}.
func (h *RunHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	run, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	Ok(w, runToResponse(run))
}
