package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func utc(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func TestNextRunFreeRunning(t *testing.T) {
	last := utc(2025, 3, 1, 10, 0)

	// No anchor: next = last + interval, regardless of now.
	assert.Equal(t, utc(2025, 3, 2, 10, 0),
		NextRun(86400, "", last, utc(2025, 3, 1, 12, 0)))
	assert.Equal(t, last.Add(15*time.Minute),
		NextRun(900, "", last, last))
}

func TestNextRunSubHourIgnoresAnchor(t *testing.T) {
	last := utc(2025, 3, 1, 10, 0)

	// Anchors only apply from one hour upward.
	assert.Equal(t, last.Add(30*time.Minute), NextRun(1800, "03:30", last, last))
}

func TestNextRunDailyAnchor(t *testing.T) {
	// Daily at 03:30: at 10:00 the day's slot has passed, so the next one is
	// tomorrow's anchor.
	next := NextRun(86400, "03:30", utc(2025, 3, 1, 3, 30), utc(2025, 3, 1, 10, 0))
	assert.Equal(t, utc(2025, 3, 2, 3, 30), next)

	// Before the day's anchor the slot is still today.
	next = NextRun(86400, "03:30", utc(2025, 2, 28, 3, 30), utc(2025, 3, 1, 2, 0))
	assert.Equal(t, utc(2025, 3, 1, 3, 30), next)
}

func TestNextRunTwelveHourSlots(t *testing.T) {
	// 12h at 03:30 yields slots 03:30 and 15:30 every day.
	last := utc(2025, 3, 1, 3, 30)

	next := NextRun(43200, "03:30", last, utc(2025, 3, 1, 10, 0))
	assert.Equal(t, utc(2025, 3, 1, 15, 30), next)

	next = NextRun(43200, "03:30", last, utc(2025, 3, 1, 16, 0))
	assert.Equal(t, utc(2025, 3, 2, 3, 30), next)
}

func TestNextRunOddIntervalRollsToNextDay(t *testing.T) {
	// 7h slots from 03:30 are 03:30, 10:30, 17:30; the next step would land
	// at 00:30 the following day, which restarts at that day's anchor instead
	// so the slot pattern repeats.
	next := NextRun(7*3600, "03:30", utc(2025, 3, 1, 17, 30), utc(2025, 3, 1, 18, 0))
	assert.Equal(t, utc(2025, 3, 2, 3, 30), next)
}

func TestNextRunAnchorExactlyDue(t *testing.T) {
	// A reference sitting exactly on a slot keeps that slot.
	now := utc(2025, 3, 1, 15, 30)
	next := NextRun(43200, "03:30", utc(2025, 3, 1, 3, 30), now)
	assert.Equal(t, now, next)
}

func TestNextRunUsesLaterOfLastAndNow(t *testing.T) {
	// A stale last_run_at (server downtime) never schedules into the past.
	next := NextRun(86400, "03:30", utc(2025, 2, 20, 3, 30), utc(2025, 3, 1, 10, 0))
	assert.Equal(t, utc(2025, 3, 2, 3, 30), next)
}

func TestNextRunNormalizesZone(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	// 23:00 EST on Feb 28 is 04:00 UTC on Mar 1, past that day's anchor.
	now := time.Date(2025, 2, 28, 23, 0, 0, 0, est)
	next := NextRun(86400, "03:30", now, now)
	assert.Equal(t, utc(2025, 3, 2, 3, 30), next)
}

func TestNextRunMalformedAnchor(t *testing.T) {
	last := utc(2025, 3, 1, 10, 0)
	for _, anchor := range []string{"3:30", "25:00", "12:60", "ab:cd", "12-30"} {
		assert.Equal(t, last.Add(24*time.Hour), NextRun(86400, anchor, last, last),
			"anchor %q", anchor)
	}
}

func TestParseAnchor(t *testing.T) {
	hh, mm, ok := parseAnchor("03:30")
	assert.True(t, ok)
	assert.Equal(t, 3, hh)
	assert.Equal(t, 30, mm)

	_, _, ok = parseAnchor("23:59")
	assert.True(t, ok)

	for _, bad := range []string{"", "24:00", "0330", "03:30:00"} {
		_, _, ok := parseAnchor(bad)
		assert.False(t, ok, "anchor %q", bad)
	}
}
