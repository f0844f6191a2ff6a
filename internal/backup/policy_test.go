package backup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbkeep-io/dbkeep/internal/retention"
)

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.False(t, p.HasRetention())
	assert.False(t, p.Encrypt)

	p, err = ParsePolicy(`{
		"run_at_time": "03:30",
		"max_count": 3,
		"encrypt": true,
		"notifications": {
			"telegram": {"enabled": true, "recipients": [{"chat_id": "100", "min_severity": "warning"}], "attach_backup": true, "attach_max_mb": 10}
		}
	}`)
	require.NoError(t, err)
	assert.Equal(t, "03:30", p.RunAtTime)
	require.NotNil(t, p.MaxCount)
	assert.Equal(t, 3, *p.MaxCount)
	assert.True(t, p.Encrypt)
	require.NotNil(t, p.Notifications)
	require.NotNil(t, p.Notifications.Telegram)
	assert.Equal(t, "100", p.Notifications.Telegram.Recipients[0].ChatID)
	assert.True(t, p.HasRetention())

	_, err = ParsePolicy("{not json")
	require.Error(t, err)
}

func TestPolicyValidate(t *testing.T) {
	one := 1

	ok := Policy{RunAtTime: "03:30", Policy: retention.Policy{MaxCount: &one}}
	require.NoError(t, ok.Validate(86400))

	// Anchor demands an hourly or slower cadence.
	require.Error(t, ok.Validate(1800))

	bad := Policy{RunAtTime: "3:30", Policy: retention.Policy{MaxCount: &one}}
	require.Error(t, bad.Validate(86400))

	bad.RunAtTime = "24:00"
	require.Error(t, bad.Validate(86400))

	bad.RunAtTime = "12:60"
	require.Error(t, bad.Validate(86400))

	// A schedule policy must pick exactly one retention mode.
	require.Error(t, Policy{}.Validate(86400))

	two := 2
	both := Policy{Policy: retention.Policy{MaxCount: &one, MaxDays: &two}}
	require.Error(t, both.Validate(86400))
}

func TestLocks(t *testing.T) {
	locks := NewLocks()
	assert.True(t, locks.TryAcquire("a"))
	assert.False(t, locks.TryAcquire("a"))
	assert.True(t, locks.TryAcquire("b"))
	locks.Release("a")
	assert.True(t, locks.TryAcquire("a"))
}
