package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dbkeep-io/dbkeep/internal/db"
	"github.com/dbkeep-io/dbkeep/internal/repositories"
	"github.com/dbkeep-io/dbkeep/internal/storage"
)

// DestinationHandler groups all destination-related HTTP handlers.
type DestinationHandler struct {
	repo    repositories.DestinationRepository
	factory *storage.Factory
	logger  *zap.Logger
}

// NewDestinationHandler creates a new DestinationHandler. The factory is
// used by the test-connection dry run.
func NewDestinationHandler(repo repositories.DestinationRepository, factory *storage.Factory, logger *zap.Logger) *DestinationHandler {
	return &DestinationHandler{
		repo:    repo,
		factory: factory,
		logger:  logger.Named("destination_handler"),
	}
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

// destinationResponse is the JSON representation of a destination.
// Secrets are intentionally omitted — they are write-only.
type destinationResponse struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	DestinationType string          `json:"destination_type"`
	Config          json.RawMessage `json:"config"`
	IsActive        bool            `json:"is_active"`
	CreatedAt       string          `json:"created_at"`
}

func destinationToResponse(d *db.Destination) destinationResponse {
	cfg := d.Config
	if cfg == "" {
		cfg = "{}"
	}
	return destinationResponse{
		ID:              d.ID.String(),
		Name:            d.Name,
		DestinationType: d.DestinationType,
		Config:          json.RawMessage(cfg),
		IsActive:        d.IsActive,
		CreatedAt:       d.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// listDestinationsResponse wraps a paginated list of destinations.
type listDestinationsResponse struct {
	Items []destinationResponse `json:"items"`
	Total int64                 `json:"total"`
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// List handles GET /automation/destinations.
func (h *DestinationHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	destinations, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	items := make([]destinationResponse, len(destinations))
	for i := range destinations {
		items[i] = destinationToResponse(&destinations[i])
	}

	Ok(w, listDestinationsResponse{Items: items, Total: total})
}

// destinationRequest is the JSON body for POST and PUT on destinations.
// Secrets holds the sensitive connection settings (password, private key,
// service account JSON) and is sealed before persisting.
type destinationRequest struct {
	Name            string          `json:"name"`
	DestinationType string          `json:"destination_type"`
	Config          json.RawMessage `json:"config"`
	Secrets         json.RawMessage `json:"secrets"`
	IsActive        *bool           `json:"is_active"`
}

func (req *destinationRequest) validate() error {
	if req.Name == "" {
		return errors.New("name is required")
	}
	switch req.DestinationType {
	case db.DestTypeLocal, db.DestTypeSFTP, db.DestTypeGoogleDrive:
	default:
		return errors.New("destination_type must be one of local, sftp, google_drive")
	}
	if len(req.Config) > 0 && !json.Valid(req.Config) {
		return errors.New("config must be a JSON object")
	}
	if len(req.Secrets) > 0 && !json.Valid(req.Secrets) {
		return errors.New("secrets must be a JSON object")
	}
	return nil
}

// toModel builds a db.Destination from the request, preserving the id and
// secrets of prev when the request omits them.
func (req *destinationRequest) toModel(prev *db.Destination) *db.Destination {
	d := &db.Destination{
		Name:            req.Name,
		DestinationType: req.DestinationType,
		Config:          "{}",
		IsActive:        true,
	}
	if prev != nil {
		*d = *prev
		d.Name = req.Name
		d.DestinationType = req.DestinationType
	}
	if len(req.Config) > 0 {
		d.Config = string(req.Config)
	}
	if len(req.Secrets) > 0 {
		d.Secrets = db.EncryptedString(req.Secrets)
	}
	if req.IsActive != nil {
		d.IsActive = *req.IsActive
	}
	return d
}

// Create handles POST /automation/destinations.
func (h *DestinationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req destinationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		ErrValidation(w, err.Error())
		return
	}

	destination := req.toModel(nil)
	if err := h.repo.Create(r.Context(), destination); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	Created(w, destinationToResponse(destination))
}

// GetByID handles GET /automation/destinations/{id}.
func (h *DestinationHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	destination, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	Ok(w, destinationToResponse(destination))
}

// Update handles PUT /automation/destinations/{id}. The body is a full
// representation; omitting secrets keeps the stored ones.
func (h *DestinationHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req destinationRequest
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

	destination := req.toModel(prev)
	if err := h.repo.Update(r.Context(), destination); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	Ok(w, destinationToResponse(destination))
}

// Delete handles DELETE /automation/destinations/{id}.
// Fails with CONFLICT when a schedule still references the destination.
func (h *DestinationHandler) Delete(w http.ResponseWriter, r *http.Request) {
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

// TestConnection handles POST /automation/destinations/test-connection.
// It builds a backend from the settings in the request body and performs a
// reachability and write check without persisting anything.
func (h *DestinationHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	var req destinationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		ErrValidation(w, err.Error())
		return
	}

	ctx, cancel := contextWithTestTimeout(r)
	defer cancel()

	backend, err := h.factory.FromDestination(ctx, req.toModel(nil))
	if err != nil {
		ErrValidation(w, err.Error())
		return
	}

	msg, err := backend.TestConnection(ctx)
	if err != nil {
		Ok(w, testConnectionResponse{OK: false, Message: err.Error()})
		return
	}
	Ok(w, testConnectionResponse{OK: true, Message: msg})
}
