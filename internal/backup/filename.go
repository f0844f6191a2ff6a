// Package backup implements the backup pipeline: one dump per run spooled to
// disk, gzip compression, optional envelope encryption, parallel fan-out to
// the schedule's destinations, retention, and notification.
package backup

import (
	"strings"
	"time"
)

const timestampLayout = "20060102_150405"

// SanitizeTargetName maps a target name onto the filename alphabet: lowercase
// [a-z0-9_-], with every other rune replaced by an underscore and runs of
// underscores collapsed.
func SanitizeTargetName(name string) string {
	var sb strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(name) {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-'
		switch {
		case ok:
			sb.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			sb.WriteByte('_')
			lastUnderscore = true
		}
	}
	s := strings.Trim(sb.String(), "_")
	if s == "" {
		return "target"
	}
	return s
}

// Filename composes the artifact name:
// backup_<sanitized-target>_<UTC yyyymmdd_HHMMSS>.<suffix>.gz[.enc].
// Every artifact is gzip-compressed; the .enc layer is added when the
// schedule encrypts.
func Filename(targetName string, at time.Time, suffix string, encrypted bool) string {
	name := "backup_" + SanitizeTargetName(targetName) + "_" +
		at.UTC().Format(timestampLayout) + "." + suffix + ".gz"
	if encrypted {
		name += ".enc"
	}
	return name
}

// StorageKey places every artifact under a per-target folder at the
// destination.
func StorageKey(targetName, filename string) string {
	return SanitizeTargetName(targetName) + "/" + filename
}
