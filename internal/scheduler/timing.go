package scheduler

import (
	"strconv"
	"time"
)

// NextRun computes the next execution instant for a schedule.
//
// Without an anchor the cadence free-runs: next = last + interval. With a
// run_at_time anchor (HH:MM, UTC) and an interval of at least an hour, the
// result is the earliest slot anchor + k*interval that is not before
// max(last, now); slots that overflow the anchor's day roll over to the next
// day's anchor.
func NextRun(intervalSeconds int, runAtTime string, last, now time.Time) time.Time {
	interval := time.Duration(intervalSeconds) * time.Second

	hh, mm, ok := parseAnchor(runAtTime)
	if !ok || intervalSeconds < 3600 {
		return last.Add(interval)
	}

	ref := last
	if now.After(ref) {
		ref = now
	}
	ref = ref.UTC()

	anchor := time.Date(ref.Year(), ref.Month(), ref.Day(), hh, mm, 0, 0, time.UTC)

	var steps time.Duration
	if anchor.Before(ref) {
		diff := ref.Sub(anchor)
		steps = (diff + interval - 1) / interval
	}
	slot := anchor.Add(steps * interval)

	// Slots past the anchor's day restart at the next day's anchor, so the
	// daily slot pattern stays identical from day to day.
	if slot.YearDay() != anchor.YearDay() || slot.Year() != anchor.Year() {
		slot = anchor.AddDate(0, 0, 1)
	}
	return slot
}

// parseAnchor splits "HH:MM". Validation happened at schedule creation;
// anything malformed here just disables the anchor.
func parseAnchor(s string) (hh, mm int, ok bool) {
	if len(s) != 5 || s[2] != ':' {
		return 0, 0, false
	}
	hh, err1 := strconv.Atoi(s[:2])
	mm, err2 := strconv.Atoi(s[3:])
	if err1 != nil || err2 != nil || hh > 23 || mm > 59 {
		return 0, 0, false
	}
	return hh, mm, true
}
