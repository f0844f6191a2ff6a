package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dbkeep-io/dbkeep/internal/db"
)

// defaultAttachMaxMB caps attachments when a policy enables attach_backup
// without a size limit. 50 MB matches the Telegram bot upload ceiling.
const defaultAttachMaxMB = 50

// Attachment is a stored artifact loaded into memory for delivery.
type Attachment struct {
	Filename string
	Data     []byte
}

// AttachmentFetch loads the run's stored artifact. It is only invoked when
// at least one channel qualifies for an attachment, so the artifact is
// downloaded at most once per run.
type AttachmentFetch func(ctx context.Context) (*Attachment, error)

// Service fans a terminal run report out to the channels its schedule policy
// enables. It owns the server-level channel credentials; per-schedule
// recipients and gating come in with each call.
type Service struct {
	log      *zap.Logger
	email    *emailSender
	telegram *telegramSender
}

// Config holds the dependencies required to build a notification Service.
// Nil channel configs disable the corresponding channel instance-wide.
type Config struct {
	Logger   *zap.Logger
	SMTP     *SMTPConfig
	Telegram *TelegramConfig
}

func NewService(cfg Config) *Service {
	return &Service{
		log:      cfg.Logger.Named("notification"),
		email:    newEmailSender(cfg.SMTP),
		telegram: newTelegramSender(cfg.Telegram),
	}
}

// NotifyRun delivers the report for a terminal run. The returned strings
// describe delivery failures and belong in the run's detail record; an empty
// slice means every qualifying recipient was reached.
func (s *Service) NotifyRun(ctx context.Context, run *db.Run, settings *Settings, fetch AttachmentFetch) []string {
	if settings == nil {
		return nil
	}

	severity := SeverityForStatus(run.Status)
	subject, body := buildReport(run, severity)

	var failures []string

	// The artifact is fetched lazily and at most once, shared by channels.
	var cached *Attachment
	var fetched bool
	attachment := func(ch *ChannelSettings) *Attachment {
		if !attachmentEligible(ch, run) || fetch == nil {
			return nil
		}
		if !fetched {
			fetched = true
			att, err := fetch(ctx)
			if err != nil {
				failures = append(failures, fmt.Sprintf("attachment: %v", err))
				s.log.Warn("failed to fetch artifact for attachment",
					zap.String("run_id", run.ID.String()), zap.Error(err))
				return nil
			}
			cached = att
		}
		return cached
	}

	if ch := settings.Telegram; ch != nil && ch.Enabled {
		att := attachment(ch)
		for _, r := range ch.Recipients {
			if r.ChatID == "" || !severity.AtLeast(ParseSeverity(r.MinSeverity)) {
				continue
			}
			if err := s.telegram.Send(ctx, r.ChatID, subject+"\n\n"+body, att); err != nil {
				failures = append(failures, fmt.Sprintf("telegram %s: %v", r.ChatID, err))
				s.log.Warn("telegram delivery failed",
					zap.String("run_id", run.ID.String()),
					zap.String("chat_id", r.ChatID), zap.Error(err))
			}
		}
	}

	if ch := settings.Email; ch != nil && ch.Enabled {
		var to []string
		for _, r := range ch.Recipients {
			if r.To != "" && severity.AtLeast(ParseSeverity(r.MinSeverity)) {
				to = append(to, r.To)
			}
		}
		if len(to) > 0 {
			if err := s.email.Send(ctx, to, subject, body, attachment(ch)); err != nil {
				failures = append(failures, fmt.Sprintf("email %s: %v", strings.Join(to, ","), err))
				s.log.Warn("email delivery failed",
					zap.String("run_id", run.ID.String()),
					zap.Strings("to", to), zap.Error(err))
			}
		}
	}

	return failures
}

// attachmentEligible applies the policy gate: only successful or partially
// successful backups attach, and only under the channel's size cap.
func attachmentEligible(ch *ChannelSettings, run *db.Run) bool {
	if !ch.AttachBackup || run.Operation != db.OpBackup {
		return false
	}
	if run.Status != db.RunStatusSuccess && run.Status != db.RunStatusPartialSuccess {
		return false
	}
	maxMB := ch.AttachMaxMB
	if maxMB <= 0 {
		maxMB = defaultAttachMaxMB
	}
	return run.FileSizeMB <= float64(maxMB)
}

// destinationLine is the slice of a run's detail document the report needs.
type destinationLine struct {
	DestinationName string `json:"destination_name"`
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
}

// buildReport renders the subject and plain-text body for a run.
func buildReport(run *db.Run, severity Severity) (subject, body string) {
	subject = fmt.Sprintf("dbkeep: %s %s for %s", run.Operation, run.Status, run.TargetName)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Run:        %s\n", run.ID)
	fmt.Fprintf(&sb, "Operation:  %s (%s)\n", run.Operation, run.Trigger)
	fmt.Fprintf(&sb, "Target:     %s\n", run.TargetName)
	if run.ScheduleName != "" {
		fmt.Fprintf(&sb, "Schedule:   %s\n", run.ScheduleName)
	}
	fmt.Fprintf(&sb, "Status:     %s (%s)\n", run.Status, severity)
	fmt.Fprintf(&sb, "Started:    %s\n", run.StartedAt.UTC().Format(time.RFC3339))
	if run.FinishedAt != nil {
		fmt.Fprintf(&sb, "Finished:   %s\n", run.FinishedAt.UTC().Format(time.RFC3339))
	}
	if run.BackupFilename != "" {
		fmt.Fprintf(&sb, "Artifact:   %s (%.2f MB)\n", run.BackupFilename, run.FileSizeMB)
	}

	var detail struct {
		Destinations []destinationLine `json:"destinations"`
	}
	if run.Detail != "" && json.Unmarshal([]byte(run.Detail), &detail) == nil {
		for _, d := range detail.Destinations {
			if d.Error != "" {
				fmt.Fprintf(&sb, "Destination %s: %s (%s)\n", d.DestinationName, d.Status, d.Error)
			} else {
				fmt.Fprintf(&sb, "Destination %s: %s\n", d.DestinationName, d.Status)
			}
		}
	}

	if run.ErrorMessage != "" {
		fmt.Fprintf(&sb, "Error:      %s\n", run.ErrorMessage)
	}
	return subject, sb.String()
}
