package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dbkeep-io/dbkeep/internal/db"
	"github.com/dbkeep-io/dbkeep/internal/dbadapter"
	"github.com/dbkeep-io/dbkeep/internal/repositories"
)

// TargetHandler groups all target-related HTTP handlers.
type TargetHandler struct {
	repo   repositories.TargetRepository
	logger *zap.Logger
}

// NewTargetHandler creates a new TargetHandler.
func NewTargetHandler(repo repositories.TargetRepository, logger *zap.Logger) *TargetHandler {
	return &TargetHandler{
		repo:   repo,
		logger: logger.Named("target_handler"),
	}
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

// targetResponse is the JSON representation of a target.
// Secrets are intentionally omitted — they are write-only.
type targetResponse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	DBType    string          `json:"db_type"`
	Config    json.RawMessage `json:"config"`
	IsActive  bool            `json:"is_active"`
	CreatedAt string          `json:"created_at"`
}

func targetToResponse(t *db.Target) targetResponse {
	cfg := t.Config
	if cfg == "" {
		cfg = "{}"
	}
	return targetResponse{
		ID:        t.ID.String(),
		Name:      t.Name,
		DBType:    t.DBType,
		Config:    json.RawMessage(cfg),
		IsActive:  t.IsActive,
		CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// listTargetsResponse wraps a paginated list of targets.
type listTargetsResponse struct {
	Items []targetResponse `json:"items"`
	Total int64            `json:"total"`
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// List handles GET /automation/targets.
func (h *TargetHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	targets, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	items := make([]targetResponse, len(targets))
	for i := range targets {
		items[i] = targetToResponse(&targets[i])
	}

	Ok(w, listTargetsResponse{Items: items, Total: total})
}

// targetRequest is the JSON body for POST and PUT on targets. Secrets holds
// the sensitive part of the connection settings (password, auth token) as a
// JSON object; it is sealed before persisting and never echoed back.
type targetRequest struct {
	Name     string          `json:"name"`
	DBType   string          `json:"db_type"`
	Config   json.RawMessage `json:"config"`
	Secrets  json.RawMessage `json:"secrets"`
	IsActive *bool           `json:"is_active"`
}

func (req *targetRequest) validate() error {
	if req.Name == "" {
		return errors.New("name is required")
	}
	switch req.DBType {
	case db.DBTypePostgres, db.DBTypeMySQL, db.DBTypeSQLite, db.DBTypeNeo4j:
	default:
		return errors.New("db_type must be one of postgresql, mysql, sqlite, neo4j")
	}
	if len(req.Config) > 0 && !json.Valid(req.Config) {
		return errors.New("config must be a JSON object")
	}
	if len(req.Secrets) > 0 && !json.Valid(req.Secrets) {
		return errors.New("secrets must be a JSON object")
	}
	return nil
}

// toModel builds a db.Target from the request, preserving the id and secrets
// of prev when the request omits them.
func (req *targetRequest) toModel(prev *db.Target) *db.Target {
	t := &db.Target{
		Name:     req.Name,
		DBType:   req.DBType,
		Config:   "{}",
		IsActive: true,
	}
	if prev != nil {
		*t = *prev
		t.Name = req.Name
		t.DBType = req.DBType
	}
	if len(req.Config) > 0 {
		t.Config = string(req.Config)
	}
	if len(req.Secrets) > 0 {
		t.Secrets = db.EncryptedString(req.Secrets)
	}
	if req.IsActive != nil {
		t.IsActive = *req.IsActive
	}
	return t
}

// Create handles POST /automation/targets.
func (h *TargetHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		ErrValidation(w, err.Error())
		return
	}

	target := req.toModel(nil)
	if err := h.repo.Create(r.Context(), target); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	Created(w, targetToResponse(target))
}

// GetByID handles GET /automation/targets/{id}.
func (h *TargetHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	target, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	Ok(w, targetToResponse(target))
}

// Update handles PUT /automation/targets/{id}. The body is a full
// representation; omitting secrets keeps the stored ones.
func (h *TargetHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req targetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		ErrValidation(w, err.Error())
		return
	}

	prev, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	target := req.toModel(prev)
	if err := h.repo.Update(r.Context(), target); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	Ok(w, targetToResponse(target))
}

// Delete handles DELETE /automation/targets/{id}.
// Fails with CONFLICT when a schedule still references the target.
func (h *TargetHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	NoContent(w)
}

// testConnectionResponse is shared by the target and destination dry runs.
type testConnectionResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// TestConnection handles POST /automation/targets/test-connection.
// It dry-runs the adapter against the settings in the request body without
// persisting anything. The response message includes server version info
// when the engine reports it.
func (h *TargetHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		ErrValidation(w, err.Error())
		return
	}

	adapter, err := dbadapter.ForTarget(req.toModel(nil))
	if err != nil {
		ErrValidation(w, err.Error())
		return
	}

	ctx, cancel := contextWithTestTimeout(r)
	defer cancel()

	msg, err := adapter.TestConnection(ctx)
	if err != nil {
		Ok(w, testConnectionResponse{OK: false, Message: err.Error()})
		return
	}
	Ok(w, testConnectionResponse{OK: true, Message: msg})
}
