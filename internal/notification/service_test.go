package notification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dbkeep-io/dbkeep/internal/db"
)

func testRun(status string) *db.Run {
	finished := time.Date(2026, 3, 1, 3, 35, 0, 0, time.UTC)
	run := &db.Run{
		Operation:       db.OpBackup,
		Trigger:         db.TriggerScheduled,
		TargetName:      "pg-app",
		ScheduleName:    "nightly",
		BackupFilename:  "backup_pg_app_20260301_033000.sql.gz",
		FileSizeMB:      1.5,
		Status:          status,
		StartedAt:       time.Date(2026, 3, 1, 3, 30, 0, 0, time.UTC),
		FinishedAt:      &finished,
		Detail:          `{"destinations":[{"destination_name":"local","status":"success"},{"destination_name":"offsite","status":"failure","error":"dial timeout"}]}`,
		DestinationName: "local, offsite",
	}
	run.ID = uuid.New()
	if status == db.RunStatusFailure {
		run.ErrorMessage = "pg_dump exited with code 1"
	}
	return run
}

func TestSeverityMapping(t *testing.T) {
	assert.Equal(t, SeverityInfo, SeverityForStatus(db.RunStatusSuccess))
	assert.Equal(t, SeverityWarning, SeverityForStatus(db.RunStatusPartialSuccess))
	assert.Equal(t, SeverityError, SeverityForStatus(db.RunStatusFailure))
	assert.Equal(t, SeverityError, SeverityForStatus("anything else"))

	assert.True(t, SeverityError.AtLeast(SeverityInfo))
	assert.True(t, SeverityWarning.AtLeast(SeverityWarning))
	assert.False(t, SeverityInfo.AtLeast(SeverityError))

	assert.Equal(t, SeverityInfo, ParseSeverity(""))
	assert.Equal(t, SeverityInfo, ParseSeverity("bogus"))
	assert.Equal(t, SeverityError, ParseSeverity("error"))
}

func TestAttachmentEligible(t *testing.T) {
	ch := &ChannelSettings{AttachBackup: true, AttachMaxMB: 2}

	assert.True(t, attachmentEligible(ch, testRun(db.RunStatusSuccess)))
	assert.True(t, attachmentEligible(ch, testRun(db.RunStatusPartialSuccess)))
	assert.False(t, attachmentEligible(ch, testRun(db.RunStatusFailure)))

	big := testRun(db.RunStatusSuccess)
	big.FileSizeMB = 3.0
	assert.False(t, attachmentEligible(ch, big))

	restore := testRun(db.RunStatusSuccess)
	restore.Operation = db.OpRestore
	assert.False(t, attachmentEligible(ch, restore))

	assert.False(t, attachmentEligible(&ChannelSettings{AttachBackup: false}, testRun(db.RunStatusSuccess)))

	// Zero cap falls back to the default ceiling rather than blocking.
	assert.True(t, attachmentEligible(&ChannelSettings{AttachBackup: true}, testRun(db.RunStatusSuccess)))
}

func TestBuildReport(t *testing.T) {
	run := testRun(db.RunStatusPartialSuccess)
	subject, body := buildReport(run, SeverityWarning)

	assert.Equal(t, "dbkeep: backup partial_success for pg-app", subject)
	assert.Contains(t, body, run.ID.String())
	assert.Contains(t, body, "Schedule:   nightly")
	assert.Contains(t, body, "Destination local: success")
	assert.Contains(t, body, "Destination offsite: failure (dial timeout)")
	assert.Contains(t, body, "backup_pg_app_20260301_033000.sql.gz (1.50 MB)")
}

func TestBuildEmailWithAttachment(t *testing.T) {
	att := &Attachment{Filename: "backup.sql.gz", Data: []byte("payload")}
	msg, err := buildEmail("dbkeep@example.com", []string{"ops@example.com"}, "subject", "body text", att)
	require.NoError(t, err)

	text := string(msg)
	assert.Contains(t, text, "Content-Type: multipart/mixed; boundary=")
	assert.Contains(t, text, `attachment; filename="backup.sql.gz"`)
	assert.Contains(t, text, "body text")

	plain, err := buildEmail("dbkeep@example.com", []string{"ops@example.com"}, "subject", "body text", nil)
	require.NoError(t, err)
	assert.Contains(t, string(plain), "Content-Type: text/plain")
}

func TestNotifyRunTelegram(t *testing.T) {
	type sent struct {
		method string
		chatID string
	}
	var deliveries []sent

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			var payload map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			deliveries = append(deliveries, sent{"sendMessage", payload["chat_id"]})
		case strings.HasSuffix(r.URL.Path, "/sendDocument"):
			require.NoError(t, r.ParseMultipartForm(1<<20))
			_, header, err := r.FormFile("document")
			require.NoError(t, err)
			assert.Equal(t, "backup_pg_app_20260301_033000.sql.gz", header.Filename)
			deliveries = append(deliveries, sent{"sendDocument", r.FormValue("chat_id")})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	svc := NewService(Config{
		Logger:   zap.NewNop(),
		Telegram: &TelegramConfig{BotToken: "token", APIBaseURL: srv.URL},
	})

	settings := &Settings{Telegram: &ChannelSettings{
		Enabled: true,
		Recipients: []Recipient{
			{ChatID: "100", MinSeverity: "info"},
			{ChatID: "200", MinSeverity: "error"}, // filtered out for a success
		},
		AttachBackup: true,
		AttachMaxMB:  10,
	}}

	fetchCalls := 0
	fetch := func(ctx context.Context) (*Attachment, error) {
		fetchCalls++
		return &Attachment{Filename: "backup_pg_app_20260301_033000.sql.gz", Data: []byte("data")}, nil
	}

	failures := svc.NotifyRun(context.Background(), testRun(db.RunStatusSuccess), settings, fetch)
	assert.Empty(t, failures)
	assert.Equal(t, 1, fetchCalls)
	require.Len(t, deliveries, 1)
	assert.Equal(t, sent{"sendDocument", "100"}, deliveries[0])
}

func TestNotifyRunSeverityGate(t *testing.T) {
	var chatIDs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		chatIDs = append(chatIDs, payload["chat_id"])
		io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	svc := NewService(Config{
		Logger:   zap.NewNop(),
		Telegram: &TelegramConfig{BotToken: "token", APIBaseURL: srv.URL},
	})

	settings := &Settings{Telegram: &ChannelSettings{
		Enabled: true,
		Recipients: []Recipient{
			{ChatID: "100", MinSeverity: "info"},
			{ChatID: "200", MinSeverity: "error"},
		},
	}}

	failures := svc.NotifyRun(context.Background(), testRun(db.RunStatusFailure), settings, nil)
	assert.Empty(t, failures)
	assert.ElementsMatch(t, []string{"100", "200"}, chatIDs)
}

func TestNotifyRunRecordsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, `{"ok":false,"description":"gateway error"}`)
	}))
	defer srv.Close()

	svc := NewService(Config{
		Logger:   zap.NewNop(),
		Telegram: &TelegramConfig{BotToken: "token", APIBaseURL: srv.URL},
	})

	settings := &Settings{Telegram: &ChannelSettings{
		Enabled:    true,
		Recipients: []Recipient{{ChatID: "100"}},
	}}

	failures := svc.NotifyRun(context.Background(), testRun(db.RunStatusSuccess), settings, nil)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0], "telegram 100")
	assert.Contains(t, failures[0], "gateway error")
}

func TestNotifyRunNilSettings(t *testing.T) {
	svc := NewService(Config{Logger: zap.NewNop()})
	assert.Nil(t, svc.NotifyRun(context.Background(), testRun(db.RunStatusSuccess), nil, nil))
}

func TestNotifyRunUnconfiguredChannel(t *testing.T) {
	svc := NewService(Config{Logger: zap.NewNop()})

	settings := &Settings{Email: &ChannelSettings{
		Enabled:    true,
		Recipients: []Recipient{{To: "ops@example.com"}},
	}}

	failures := svc.NotifyRun(context.Background(), testRun(db.RunStatusSuccess), settings, nil)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0], "not configured")
}
