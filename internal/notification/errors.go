package notification

import "errors"

var (
	// ErrSendFailed is returned when a report could not be delivered through
	// a channel. It wraps the underlying cause and is non-fatal: the run
	// record stays terminal regardless of delivery.
	ErrSendFailed = errors.New("notification: send failed")

	// ErrNotConfigured is returned when a schedule enables a channel whose
	// server-level credentials are missing (no bot token, no SMTP host).
	ErrNotConfigured = errors.New("notification: channel not configured")
)
