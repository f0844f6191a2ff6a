// Package api implements the HTTP REST API layer for the dbkeep server.
// It uses Chi as the router and exposes the automation resources under
// /automation plus the built-in local destination under /backup.
// Authentication is enforced via JWT middleware on all routes except
// /health and /metrics; each route additionally requires one backup:* role.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Stable machine-readable error codes. The code is the contract clients
// branch on; the message is free-form and may change.
const (
	CodeValidation           = "VALIDATION"
	CodeNotFound             = "NOT_FOUND"
	CodeConflict             = "CONFLICT"
	CodeAuth                 = "AUTH"
	CodeBusy                 = "BUSY"
	CodeConfirmationRequired = "CONFIRMATION_REQUIRED"
	CodePasswordRequired     = "ENCRYPTION_PASSWORD_REQUIRED"
	CodeIncompatibleBackup   = "INCOMPATIBLE_BACKUP"
	CodeDecryptFailed        = "DECRYPT_FAILED"
	CodeInternal             = "INTERNAL"
)

// envelope is the standard JSON response wrapper for all API responses.
// Successful responses wrap the payload in a "data" key; error responses
// use an "error" key with a stable code and a human-readable message.
//
// Success:  {"data": <payload>}
// Error:    {"error": {"code": "...", "message": "..."}}
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
// It sets Content-Type to application/json automatically.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// Created writes a 201 Created response with the payload wrapped in {"data": payload}.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, envelope{"data": payload})
}

// Accepted writes a 202 Accepted response with the payload wrapped in {"data": payload}.
func Accepted(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusAccepted, envelope{"data": payload})
}

// NoContent writes a 204 No Content response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// errorResponse is the shape of the "error" object in error responses.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// RetryAfter is set on BUSY responses: seconds after which the caller
	// may retry.
	RetryAfter int `json:"retry_after,omitempty"`
}

// errJSON writes a JSON error response with the given status, code and message.
func errJSON(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, envelope{
		"error": errorResponse{Code: code, Message: message},
	})
}

// ErrValidation writes a 400 response with code VALIDATION.
func ErrValidation(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, CodeValidation, message)
}

// ErrUnauthorized writes a 401 response with code AUTH.
func ErrUnauthorized(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, CodeAuth, "authentication required")
}

// ErrForbidden writes a 403 response with code AUTH.
func ErrForbidden(w http.ResponseWriter) {
	errJSON(w, http.StatusForbidden, CodeAuth, "insufficient role")
}

// ErrNotFound writes a 404 response with code NOT_FOUND.
func ErrNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, CodeNotFound, "resource not found")
}

// ErrConflict writes a 409 response with code CONFLICT.
func ErrConflict(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusConflict, CodeConflict, message)
}

// ErrBusy writes a 409 response with code BUSY and a retry hint, both in the
// body and as a Retry-After header.
func ErrBusy(w http.ResponseWriter, retryAfterSeconds int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	JSON(w, http.StatusConflict, envelope{
		"error": errorResponse{
			Code:       CodeBusy,
			Message:    "a run for this schedule or target is already active",
			RetryAfter: retryAfterSeconds,
		},
	})
}

// ErrInternal writes a 500 response with code INTERNAL.
// The internal error detail is intentionally not exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, CodeInternal, "an internal error occurred")
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// appropriate error response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrValidation(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
