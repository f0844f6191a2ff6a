package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dbkeep-io/dbkeep/internal/backup"
	"github.com/dbkeep-io/dbkeep/internal/dbadapter"
	envpkg "github.com/dbkeep-io/dbkeep/internal/envelope"
	"github.com/dbkeep-io/dbkeep/internal/repositories"
	"github.com/dbkeep-io/dbkeep/internal/restore"
	"github.com/dbkeep-io/dbkeep/internal/storage"
)

// busyRetryAfterSeconds is the retry hint returned with BUSY responses.
// A held lock usually means a dump or upload is in flight; 30 s matches the
// scheduler's decision tick.
const busyRetryAfterSeconds = 30

// testConnectionTimeout bounds the dry-run connectivity checks so a dead
// host fails the request instead of hanging it.
const testConnectionTimeout = 15 * time.Second

func contextWithTestTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), testConnectionTimeout)
}

// -----------------------------------------------------------------------------
// Shared handler helpers
// -----------------------------------------------------------------------------

// parseUUID extracts and parses a UUID path parameter by name.
// Writes a 400 and returns false if the parameter is missing or malformed.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrValidation(w, "invalid "+param+": must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

// paginationOpts reads limit and offset query parameters from the request.
// Defaults: limit=20, offset=0. Max limit is capped at 100.
func paginationOpts(r *http.Request) repositories.ListOptions {
	limit := 20
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return repositories.ListOptions{Limit: limit, Offset: offset}
}

// writeDomainError translates a domain error into the taxonomy response and
// logs anything that maps to INTERNAL. Handlers call it as their single error
// exit so every endpoint maps errors the same way.
func writeDomainError(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, repositories.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		ErrNotFound(w)
	case errors.Is(err, repositories.ErrConflict):
		ErrConflict(w, "a record with this name already exists")
	case errors.Is(err, repositories.ErrInUse):
		ErrConflict(w, "record is referenced by a schedule")
	case errors.Is(err, backup.ErrBusy):
		ErrBusy(w, busyRetryAfterSeconds)
	case errors.Is(err, restore.ErrConfirmationRequired):
		errJSON(w, http.StatusBadRequest, CodeConfirmationRequired,
			`restore requires confirmation: send confirmation="RESTORE"`)
	case errors.Is(err, restore.ErrPasswordRequired):
		errJSON(w, http.StatusBadRequest, CodePasswordRequired,
			"the backup is encrypted; an encryption_password is required")
	case errors.Is(err, dbadapter.ErrIncompatible):
		errJSON(w, http.StatusBadRequest, CodeIncompatibleBackup, err.Error())
	case errors.Is(err, envpkg.ErrDecryptFailed):
		errJSON(w, http.StatusBadRequest, CodeDecryptFailed,
			"decryption failed: wrong password or corrupt backup")
	default:
		logger.Error("request failed", zap.Error(err))
		ErrInternal(w)
	}
}
