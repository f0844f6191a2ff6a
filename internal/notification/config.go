// Package notification delivers terminal run reports to the channels a
// schedule's policy enables (Telegram, email). Delivery is best-effort: a
// failed send is reported back to the caller for the run's detail record and
// never changes the run's status.
package notification

import (
	"github.com/dbkeep-io/dbkeep/internal/db"
)

// Severity of a run report. Recipients subscribe with a minimum severity;
// anything below it is not delivered to them.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

var severityRank = map[Severity]int{
	SeverityInfo:    0,
	SeverityWarning: 1,
	SeverityError:   2,
}

// ParseSeverity normalizes a recipient's min_severity value. Unknown or
// empty values fall back to info, which delivers everything.
func ParseSeverity(s string) Severity {
	sev := Severity(s)
	if _, ok := severityRank[sev]; !ok {
		return SeverityInfo
	}
	return sev
}

// AtLeast reports whether s is at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// SeverityForStatus maps a terminal run status to a report severity.
func SeverityForStatus(status string) Severity {
	switch status {
	case db.RunStatusSuccess:
		return SeverityInfo
	case db.RunStatusPartialSuccess:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// Recipient is one delivery address within a channel. ChatID is used by
// Telegram, To by email; each channel reads its own field.
type Recipient struct {
	ChatID      string `json:"chat_id,omitempty"`
	To          string `json:"to,omitempty"`
	MinSeverity string `json:"min_severity,omitempty"`
}

// ChannelSettings is the per-schedule configuration of one channel, parsed
// from the schedule's policy document.
type ChannelSettings struct {
	Enabled      bool        `json:"enabled"`
	Recipients   []Recipient `json:"recipients,omitempty"`
	AttachBackup bool        `json:"attach_backup,omitempty"`
	AttachMaxMB  int         `json:"attach_max_mb,omitempty"`
}

// Settings is the notifications block of a schedule policy.
type Settings struct {
	Telegram *ChannelSettings `json:"telegram,omitempty"`
	Email    *ChannelSettings `json:"email,omitempty"`
}

// SMTPConfig holds the server-level SMTP credentials (DBKEEP_SMTP_*). A nil
// config means email delivery is not available on this instance.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLS      bool // true = implicit TLS (SMTPS); false = plaintext or STARTTLS
}

// TelegramConfig holds the server-level bot credentials
// (DBKEEP_TELEGRAM_BOT_TOKEN). A nil config disables Telegram delivery.
type TelegramConfig struct {
	BotToken string

	// APIBaseURL overrides the Bot API endpoint, used by tests.
	APIBaseURL string
}
