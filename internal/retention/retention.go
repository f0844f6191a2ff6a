// Package retention decides which stored backup artifacts to delete for a
// (target, destination) pair. The evaluator is pure: it never performs I/O,
// and the current time is passed in explicitly because only the max_days
// mode needs it.
package retention

import (
	"fmt"
	"sort"
	"time"
)

// Smart holds the bucketed keep-policy windows. One artifact is kept per
// calendar day, ISO week, calendar month, and calendar year, counting the
// most recent distinct buckets that actually contain artifacts.
type Smart struct {
	Daily   int `json:"daily"`
	Weekly  int `json:"weekly"`
	Monthly int `json:"monthly"`
	Yearly  int `json:"yearly"`
}

// Policy is the retention mode of a schedule. Exactly one field must be set.
type Policy struct {
	MaxCount  *int   `json:"max_count,omitempty"`
	MaxDays   *int   `json:"max_days,omitempty"`
	MaxSizeMB *int   `json:"max_size_mb,omitempty"`
	Smart     *Smart `json:"smart,omitempty"`
}

// Validate checks that exactly one retention mode is configured and that its
// parameters are sane.
func (p Policy) Validate() error {
	modes := 0
	if p.MaxCount != nil {
		modes++
		if *p.MaxCount < 1 {
			return fmt.Errorf("retention: max_count must be >= 1, got %d", *p.MaxCount)
		}
	}
	if p.MaxDays != nil {
		modes++
		if *p.MaxDays < 1 {
			return fmt.Errorf("retention: max_days must be >= 1, got %d", *p.MaxDays)
		}
	}
	if p.MaxSizeMB != nil {
		modes++
		if *p.MaxSizeMB < 1 {
			return fmt.Errorf("retention: max_size_mb must be >= 1, got %d", *p.MaxSizeMB)
		}
	}
	if p.Smart != nil {
		modes++
		s := *p.Smart
		if s.Daily < 0 || s.Weekly < 0 || s.Monthly < 0 || s.Yearly < 0 {
			return fmt.Errorf("retention: smart windows must be >= 0")
		}
		if s.Daily+s.Weekly+s.Monthly+s.Yearly == 0 {
			return fmt.Errorf("retention: smart policy keeps nothing")
		}
	}
	if modes != 1 {
		return fmt.Errorf("retention: exactly one mode required, got %d", modes)
	}
	return nil
}

// Artifact is the metadata of one stored backup the evaluator reasons about.
type Artifact struct {
	BackupID  string
	Filename  string
	CreatedAt time.Time
	SizeBytes int64
}

// Plan returns the artifacts to delete under the policy, oldest first.
// The input may arrive in any order; it is sorted newest-first internally
// with ties broken by lexicographic filename descending. now is consulted
// only by the max_days mode.
func Plan(policy Policy, artifacts []Artifact, now time.Time) []Artifact {
	if len(artifacts) == 0 {
		return nil
	}

	newestFirst := make([]Artifact, len(artifacts))
	copy(newestFirst, artifacts)
	sort.SliceStable(newestFirst, func(i, j int) bool {
		a, b := newestFirst[i], newestFirst[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.Filename > b.Filename
	})

	var del []Artifact
	switch {
	case policy.MaxCount != nil:
		n := *policy.MaxCount
		if n < len(newestFirst) {
			del = newestFirst[n:]
		}

	case policy.MaxDays != nil:
		cutoff := now.Add(-time.Duration(*policy.MaxDays) * 24 * time.Hour)
		for _, a := range newestFirst {
			if a.CreatedAt.Before(cutoff) {
				del = append(del, a)
			}
		}

	case policy.MaxSizeMB != nil:
		limit := int64(*policy.MaxSizeMB) * 1024 * 1024
		var total int64
		for i, a := range newestFirst {
			total += a.SizeBytes
			if total > limit {
				del = newestFirst[i:]
				break
			}
		}

	case policy.Smart != nil:
		del = planSmart(*policy.Smart, newestFirst)
	}

	// Delete oldest first so a crash mid-pass never removes a newer artifact
	// while keeping an older one.
	out := make([]Artifact, len(del))
	copy(out, del)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Filename < b.Filename
	})
	return out
}

// planSmart keeps the newest artifact of each of the most recent distinct
// day/week/month/year buckets that contain artifacts. An artifact kept by
// any tier is kept; everything else is deleted.
func planSmart(s Smart, newestFirst []Artifact) []Artifact {
	keep := make(map[string]bool, len(newestFirst))

	keepTier := func(window int, bucket func(time.Time) string) {
		if window <= 0 {
			return
		}
		seen := make(map[string]bool)
		for _, a := range newestFirst {
			key := bucket(a.CreatedAt.UTC())
			if seen[key] {
				continue
			}
			if len(seen) == window {
				break
			}
			seen[key] = true
			// First artifact of a bucket in newest-first order is the
			// bucket's newest (filename DESC on equal timestamps).
			keep[artifactKey(a)] = true
		}
	}

	keepTier(s.Daily, func(t time.Time) string {
		return t.Format("2006-01-02")
	})
	keepTier(s.Weekly, func(t time.Time) string {
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	})
	keepTier(s.Monthly, func(t time.Time) string {
		return t.Format("2006-01")
	})
	keepTier(s.Yearly, func(t time.Time) string {
		return t.Format("2006")
	})

	var del []Artifact
	for _, a := range newestFirst {
		if !keep[artifactKey(a)] {
			del = append(del, a)
		}
	}
	return del
}

func artifactKey(a Artifact) string {
	if a.BackupID != "" {
		return a.BackupID
	}
	return a.Filename
}
