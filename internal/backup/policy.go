package backup

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/dbkeep-io/dbkeep/internal/notification"
	"github.com/dbkeep-io/dbkeep/internal/retention"
)

var runAtTimeRe = regexp.MustCompile(`^[0-2]\d:[0-5]\d$`)

// Policy is a schedule's nested settings document. The retention mode keys
// sit at the top level of the document, so retention.Policy is embedded.
// The encryption password itself never appears here; it lives in the
// schedule's sealed column.
type Policy struct {
	retention.Policy

	// RunAtTime anchors the interval to a wall-clock time (HH:MM), only
	// meaningful for intervals of at least one hour.
	RunAtTime string `json:"run_at_time,omitempty"`

	Encrypt bool `json:"encrypt,omitempty"`

	Notifications *notification.Settings `json:"notifications,omitempty"`
}

// ParsePolicy decodes a schedule's policy document. An empty document yields
// the zero policy, which the pipeline treats as "no retention, no
// encryption, no notifications".
func ParsePolicy(raw string) (Policy, error) {
	var p Policy
	if raw == "" || raw == "{}" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Policy{}, fmt.Errorf("backup: parse policy: %w", err)
	}
	return p, nil
}

// HasRetention reports whether any retention mode is configured.
func (p Policy) HasRetention() bool {
	rp := p.Policy
	return rp.MaxCount != nil || rp.MaxDays != nil || rp.MaxSizeMB != nil || rp.Smart != nil
}

// Validate checks a schedule policy at create/update time. intervalSeconds
// is the schedule's interval; the run_at_time anchor requires at least an
// hourly interval.
func (p Policy) Validate(intervalSeconds int) error {
	if p.RunAtTime != "" {
		if !runAtTimeRe.MatchString(p.RunAtTime) {
			return fmt.Errorf("backup: run_at_time %q must match HH:MM", p.RunAtTime)
		}
		if p.RunAtTime[:2] > "23" {
			return fmt.Errorf("backup: run_at_time %q hour out of range", p.RunAtTime)
		}
		if intervalSeconds < 3600 {
			return fmt.Errorf("backup: run_at_time requires interval_seconds >= 3600, got %d", intervalSeconds)
		}
	}
	if err := p.Policy.Validate(); err != nil {
		return err
	}
	return nil
}
