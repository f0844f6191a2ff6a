package api

import (
	"io"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dbkeep-io/dbkeep/internal/backup"
	"github.com/dbkeep-io/dbkeep/internal/db"
	"github.com/dbkeep-io/dbkeep/internal/repositories"
	"github.com/dbkeep-io/dbkeep/internal/storage"
)

// BackupHandler serves the stored-artifact endpoints: listing, download and
// deletion at user destinations plus the built-in local destination.
type BackupHandler struct {
	resolver *backup.Resolver
	targets  repositories.TargetRepository
	logger   *zap.Logger
}

// NewBackupHandler creates a new BackupHandler.
func NewBackupHandler(resolver *backup.Resolver, targets repositories.TargetRepository, logger *zap.Logger) *BackupHandler {
	return &BackupHandler{
		resolver: resolver,
		targets:  targets,
		logger:   logger.Named("backup_handler"),
	}
}

// backupObjectResponse is the JSON representation of a stored artifact.
type backupObjectResponse struct {
	BackupID  string `json:"backup_id"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	CreatedAt string `json:"created_at"`
}

func objectToResponse(o storage.Object) backupObjectResponse {
	return backupObjectResponse{
		BackupID:  o.ID,
		Name:      o.Name,
		SizeBytes: o.SizeBytes,
		CreatedAt: o.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// listBackupsResponse wraps a destination listing. Total is present only
// when the caller asked for it with include_total=true, since counting can
// cost an extra round trip on remote backends.
type listBackupsResponse struct {
	Items []backupObjectResponse `json:"items"`
	Total *int64                 `json:"total,omitempty"`
}

// ListByDestination handles GET /automation/destinations/{id}/backups.
// Query parameters: target_id (narrow to one target's folder), include_total,
// limit, offset. The id path parameter accepts destination UUIDs and the
// built-in "__local__" id.
func (h *BackupHandler) ListByDestination(w http.ResponseWriter, r *http.Request) {
	destID := chi.URLParam(r, "id")

	_, backend, release, err := h.resolver.Resolve(r.Context(), destID)
	defer release()
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	prefix := ""
	if v := r.URL.Query().Get("target_id"); v != "" {
		targetID, err := uuid.Parse(v)
		if err != nil {
			ErrValidation(w, "target_id must be a valid UUID")
			return
		}
		target, err := h.targets.GetByID(r.Context(), targetID)
		if err != nil {
			writeDomainError(w, h.logger, err)
			return
		}
		prefix = backup.SanitizeTargetName(target.Name) + "/"
	}

	opts := paginationOpts(r)
	objects, total, err := backend.List(r.Context(), prefix, opts.Limit, opts.Offset)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	resp := listBackupsResponse{Items: make([]backupObjectResponse, len(objects))}
	for i, o := range objects {
		resp.Items[i] = objectToResponse(o)
	}
	if r.URL.Query().Get("include_total") == "true" {
		resp.Total = &total
	}

	Ok(w, resp)
}

// Download handles GET /automation/destinations/{id}/backups/download.
// Query parameters: backup_id, filename. The artifact is streamed verbatim,
// still compressed and, if applicable, encrypted.
func (h *BackupHandler) Download(w http.ResponseWriter, r *http.Request) {
	destID := chi.URLParam(r, "id")
	backupID := r.URL.Query().Get("backup_id")
	filename := r.URL.Query().Get("filename")
	if backupID == "" || filename == "" {
		ErrValidation(w, "backup_id and filename are required")
		return
	}

	_, backend, release, err := h.resolver.Resolve(r.Context(), destID)
	defer release()
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	rc, err := backend.Get(r.Context(), backupID, filename)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	defer rc.Close()

	h.stream(w, r, rc, path.Base(filename))
}

// DeleteBackup handles DELETE /automation/destinations/{id}/backups/delete.
// Query parameters: backup_id, name.
func (h *BackupHandler) DeleteBackup(w http.ResponseWriter, r *http.Request) {
	destID := chi.URLParam(r, "id")
	backupID := r.URL.Query().Get("backup_id")
	name := r.URL.Query().Get("name")
	if backupID == "" || name == "" {
		ErrValidation(w, "backup_id and name are required")
		return
	}

	_, backend, release, err := h.resolver.Resolve(r.Context(), destID)
	defer release()
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	if err := backend.Delete(r.Context(), backupID, name); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	NoContent(w)
}

// -----------------------------------------------------------------------------
// Built-in local destination
// -----------------------------------------------------------------------------

// LocalList handles GET /backup/list: every artifact in the built-in local
// destination, newest first.
func (h *BackupHandler) LocalList(w http.ResponseWriter, r *http.Request) {
	_, backend, release, err := h.resolver.Resolve(r.Context(), db.BuiltinLocalDestinationID)
	defer release()
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	opts := paginationOpts(r)
	objects, total, err := backend.List(r.Context(), "", opts.Limit, opts.Offset)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	resp := listBackupsResponse{Items: make([]backupObjectResponse, len(objects)), Total: &total}
	for i, o := range objects {
		resp.Items[i] = objectToResponse(o)
	}

	Ok(w, resp)
}

// LocalDownload handles GET /backup/download/{filename}. The filename is
// looked up across all target folders of the built-in destination.
func (h *BackupHandler) LocalDownload(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")

	obj, backend, release, ok := h.findLocal(w, r, filename)
	defer release()
	if !ok {
		return
	}

	rc, err := backend.Get(r.Context(), obj.ID, obj.Name)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	defer rc.Close()

	h.stream(w, r, rc, filename)
}

// LocalDelete handles DELETE /backup/delete/{filename}. Deleting an
// encrypted artifact does not require its password; only the stored object
// is touched.
func (h *BackupHandler) LocalDelete(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")

	obj, backend, release, ok := h.findLocal(w, r, filename)
	defer release()
	if !ok {
		return
	}

	if err := backend.Delete(r.Context(), obj.ID, obj.Name); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	NoContent(w)
}

// findLocal locates a built-in local artifact by bare filename. Writes the
// error response and returns ok=false when the artifact cannot be found.
// The returned release is never nil; callers defer it unconditionally.
func (h *BackupHandler) findLocal(w http.ResponseWriter, r *http.Request, filename string) (storage.Object, storage.Backend, func(), bool) {
	if filename == "" {
		ErrValidation(w, "filename is required")
		return storage.Object{}, nil, func() {}, false
	}

	_, backend, release, err := h.resolver.Resolve(r.Context(), db.BuiltinLocalDestinationID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return storage.Object{}, nil, release, false
	}

	objects, _, err := backend.List(r.Context(), "", 0, 0)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return storage.Object{}, nil, release, false
	}
	for _, o := range objects {
		if path.Base(o.Name) == filename {
			return o, backend, release, true
		}
	}

	ErrNotFound(w)
	return storage.Object{}, nil, release, false
}

// stream writes an artifact to the response as a file download.
func (h *BackupHandler) stream(w http.ResponseWriter, r *http.Request, rc io.Reader, filename string) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	if _, err := io.Copy(w, rc); err != nil {
		// Headers are already out; all we can do is log the broken transfer.
		h.logger.Warn("backup download aborted",
			zap.String("filename", filename),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
	}
}
