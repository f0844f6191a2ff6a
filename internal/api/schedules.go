package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dbkeep-io/dbkeep/internal/backup"
	"github.com/dbkeep-io/dbkeep/internal/db"
	"github.com/dbkeep-io/dbkeep/internal/repositories"
	"github.com/dbkeep-io/dbkeep/internal/scheduler"
)

// ScheduleHandler groups all schedule-related HTTP handlers.
type ScheduleHandler struct {
	repo         repositories.ScheduleRepository
	targets      repositories.TargetRepository
	destinations repositories.DestinationRepository
	scheduler    *scheduler.Scheduler
	logger       *zap.Logger
}

// NewScheduleHandler creates a new ScheduleHandler. The scheduler is woken
// after every mutation so changes take effect without waiting for a tick.
func NewScheduleHandler(
	repo repositories.ScheduleRepository,
	targets repositories.TargetRepository,
	destinations repositories.DestinationRepository,
	sched *scheduler.Scheduler,
	logger *zap.Logger,
) *ScheduleHandler {
	return &ScheduleHandler{
		repo:         repo,
		targets:      targets,
		destinations: destinations,
		scheduler:    sched,
		logger:       logger.Named("schedule_handler"),
	}
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

// scheduleResponse is the JSON representation of a schedule. The encryption
// password is write-only and never echoed; the policy document is returned
// verbatim.
type scheduleResponse struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	TargetID        string          `json:"target_id"`
	IntervalSeconds int             `json:"interval_seconds"`
	Enabled         bool            `json:"enabled"`
	Policy          json.RawMessage `json:"policy"`
	DestinationIDs  []string        `json:"destination_ids"`
	LastRunAt       *string         `json:"last_run_at"`
	NextRunAt       *string         `json:"next_run_at"`
	CreatedAt       string          `json:"created_at"`
}

func scheduleToResponse(sc *db.Schedule) scheduleResponse {
	policy := sc.Policy
	if policy == "" {
		policy = "{}"
	}
	resp := scheduleResponse{
		ID:              sc.ID.String(),
		Name:            sc.Name,
		TargetID:        sc.TargetID.String(),
		IntervalSeconds: sc.IntervalSeconds,
		Enabled:         sc.Enabled,
		Policy:          json.RawMessage(policy),
		DestinationIDs:  make([]string, len(sc.Destinations)),
		CreatedAt:       sc.CreatedAt.UTC().Format(time.RFC3339),
	}
	for i, d := range sc.Destinations {
		resp.DestinationIDs[i] = d.DestinationID
	}
	if sc.LastRunAt != nil {
		s := sc.LastRunAt.UTC().Format(time.RFC3339)
		resp.LastRunAt = &s
	}
	if sc.NextRunAt != nil {
		s := sc.NextRunAt.UTC().Format(time.RFC3339)
		resp.NextRunAt = &s
	}
	return resp
}

// listSchedulesResponse wraps a paginated list of schedules.
type listSchedulesResponse struct {
	Items []scheduleResponse `json:"items"`
	Total int64              `json:"total"`
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// List handles GET /automation/schedules.
// Destination links are not loaded in list view; use GET /automation/schedules/{id}.
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	schedules, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	items := make([]scheduleResponse, len(schedules))
	for i := range schedules {
		items[i] = scheduleToResponse(&schedules[i])
	}

	Ok(w, listSchedulesResponse{Items: items, Total: total})
}

// scheduleRequest is the JSON body for POST and PUT on schedules.
// EncryptPassword is write-only: it is sealed into its own column so the
// policy document can be returned verbatim.
type scheduleRequest struct {
	Name            string          `json:"name"`
	TargetID        string          `json:"target_id"`
	IntervalSeconds int             `json:"interval_seconds"`
	Enabled         *bool           `json:"enabled"`
	Policy          json.RawMessage `json:"policy"`
	EncryptPassword string          `json:"encrypt_password"`
	DestinationIDs  []string        `json:"destination_ids"`
}

// validate checks the request and returns the parsed policy. The referenced
// target and destinations are verified to exist; hasStoredPassword relaxes
// the encryption password requirement on updates that keep the old one.
func (h *ScheduleHandler) validate(r *http.Request, req *scheduleRequest, hasStoredPassword bool) (uuid.UUID, error) {
	if req.Name == "" {
		return uuid.UUID{}, errors.New("name is required")
	}
	targetID, err := uuid.Parse(req.TargetID)
	if err != nil {
		return uuid.UUID{}, errors.New("target_id must be a valid UUID")
	}
	if _, err := h.targets.GetByID(r.Context(), targetID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return uuid.UUID{}, errors.New("target_id references no target")
		}
		return uuid.UUID{}, err
	}
	if req.IntervalSeconds < 60 {
		return uuid.UUID{}, errors.New("interval_seconds must be at least 60")
	}

	policy, err := backup.ParsePolicy(string(req.Policy))
	if err != nil {
		return uuid.UUID{}, errors.New("policy is not a valid settings document")
	}
	if err := policy.Validate(req.IntervalSeconds); err != nil {
		return uuid.UUID{}, err
	}
	if policy.Encrypt && req.EncryptPassword == "" && !hasStoredPassword {
		return uuid.UUID{}, errors.New("encrypt_password is required when the policy enables encryption")
	}

	for _, id := range req.DestinationIDs {
		if id == db.BuiltinLocalDestinationID {
			continue
		}
		destID, err := uuid.Parse(id)
		if err != nil {
			return uuid.UUID{}, errors.New("destination_ids must contain UUIDs or " + db.BuiltinLocalDestinationID)
		}
		if _, err := h.destinations.GetByID(r.Context(), destID); err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return uuid.UUID{}, errors.New("destination " + id + " does not exist")
			}
			return uuid.UUID{}, err
		}
	}

	return targetID, nil
}

// Create handles POST /automation/schedules.
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	targetID, err := h.validate(r, &req, false)
	if err != nil {
		ErrValidation(w, err.Error())
		return
	}

	policy := "{}"
	if len(req.Policy) > 0 {
		policy = string(req.Policy)
	}
	sc := &db.Schedule{
		Name:            req.Name,
		TargetID:        targetID,
		IntervalSeconds: req.IntervalSeconds,
		Enabled:         true,
		Policy:          policy,
		EncryptPassword: db.EncryptedString(req.EncryptPassword),
	}
	if req.Enabled != nil {
		sc.Enabled = *req.Enabled
	}

	if err := h.repo.Create(r.Context(), sc); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	if err := h.repo.SetDestinations(r.Context(), sc.ID, req.DestinationIDs); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	full, err := h.repo.GetByIDWithDestinations(r.Context(), sc.ID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	h.scheduler.Wake()
	Created(w, scheduleToResponse(full))
}

// GetByID handles GET /automation/schedules/{id}.
func (h *ScheduleHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	sc, err := h.repo.GetByIDWithDestinations(r.Context(), id)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	Ok(w, scheduleToResponse(sc))
}

// Update handles PUT /automation/schedules/{id}. The body is a full
// representation; omitting encrypt_password keeps the stored one.
func (h *ScheduleHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req scheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	prev, err := h.repo.GetByIDWithDestinations(r.Context(), id)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	targetID, err := h.validate(r, &req, prev.EncryptPassword != "")
	if err != nil {
		ErrValidation(w, err.Error())
		return
	}

	prev.Name = req.Name
	prev.TargetID = targetID
	prev.IntervalSeconds = req.IntervalSeconds
	if len(req.Policy) > 0 {
		prev.Policy = string(req.Policy)
	}
	if req.EncryptPassword != "" {
		prev.EncryptPassword = db.EncryptedString(req.EncryptPassword)
	}
	if req.Enabled != nil {
		prev.Enabled = *req.Enabled
	}

	if err := h.repo.Update(r.Context(), prev); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	if err := h.repo.SetDestinations(r.Context(), id, req.DestinationIDs); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	full, err := h.repo.GetByIDWithDestinations(r.Context(), id)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	h.scheduler.Wake()
	Ok(w, scheduleToResponse(full))
}

// Delete handles DELETE /automation/schedules/{id}.
func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	h.scheduler.Wake()
	NoContent(w)
}
