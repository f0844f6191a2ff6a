package retention

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int { return &v }

// dailyArtifacts returns n artifacts, one per day, newest dated at now.
func dailyArtifacts(now time.Time, n int) []Artifact {
	out := make([]Artifact, 0, n)
	for i := 0; i < n; i++ {
		created := now.Add(-time.Duration(i) * 24 * time.Hour)
		out = append(out, Artifact{
			BackupID:  fmt.Sprintf("b%03d", i),
			Filename:  fmt.Sprintf("backup_app_%s.sql.gz", created.UTC().Format("20060102_150405")),
			CreatedAt: created,
			SizeBytes: 10 * 1024 * 1024,
		})
	}
	return out
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, Policy{MaxCount: intp(3)}.Validate())
	require.NoError(t, Policy{Smart: &Smart{Daily: 7, Weekly: 4}}.Validate())

	require.Error(t, Policy{}.Validate())
	require.Error(t, Policy{MaxCount: intp(0)}.Validate())
	require.Error(t, Policy{MaxCount: intp(3), MaxDays: intp(7)}.Validate())
	require.Error(t, Policy{Smart: &Smart{}}.Validate())
}

func TestPlanMaxCount(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	artifacts := dailyArtifacts(now, 5)

	del := Plan(Policy{MaxCount: intp(3)}, artifacts, now)
	require.Len(t, del, 2)
	// Oldest first.
	assert.Equal(t, "b004", del[0].BackupID)
	assert.Equal(t, "b003", del[1].BackupID)

	// Fewer artifacts than the cap: nothing deleted.
	del = Plan(Policy{MaxCount: intp(10)}, artifacts, now)
	assert.Empty(t, del)
}

func TestPlanMaxDays(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	artifacts := dailyArtifacts(now, 10)

	del := Plan(Policy{MaxDays: intp(7)}, artifacts, now)
	require.Len(t, del, 3)
	for _, a := range del {
		assert.True(t, a.CreatedAt.Before(now.Add(-7*24*time.Hour)))
	}
}

func TestPlanMaxSize(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	artifacts := dailyArtifacts(now, 6) // 10 MiB each

	// 35 MiB budget keeps the newest three, the fourth crosses the limit.
	del := Plan(Policy{MaxSizeMB: intp(35)}, artifacts, now)
	require.Len(t, del, 3)
	assert.Equal(t, "b005", del[0].BackupID)
	assert.Equal(t, "b003", del[2].BackupID)
}

func TestPlanSmartBuckets(t *testing.T) {
	now := time.Date(2026, 8, 24, 3, 30, 0, 0, time.UTC)
	artifacts := dailyArtifacts(now, 30)

	policy := Policy{Smart: &Smart{Daily: 7, Weekly: 4, Monthly: 6, Yearly: 2}}
	del := Plan(policy, artifacts, now)

	kept := make(map[string]bool)
	for _, a := range artifacts {
		kept[a.BackupID] = true
	}
	for _, a := range del {
		delete(kept, a.BackupID)
	}

	// Never more than the sum of the windows.
	assert.LessOrEqual(t, len(kept), 7+4+6+2)

	// The 7 newest daily artifacts are always kept.
	for i := 0; i < 7; i++ {
		assert.True(t, kept[fmt.Sprintf("b%03d", i)], "daily artifact %d must be kept", i)
	}

	// Daily window can put several artifacts in the same week, so only check
	// that every week bucket outside it holds exactly one kept artifact.
	cutoff := now.Add(-7 * 24 * time.Hour)
	weeksOutside := make(map[string]int)
	for _, a := range artifacts {
		if !kept[a.BackupID] || !a.CreatedAt.Before(cutoff) {
			continue
		}
		y, w := a.CreatedAt.UTC().ISOWeek()
		weeksOutside[fmt.Sprintf("%d-%d", y, w)]++
	}
	for week, n := range weeksOutside {
		assert.Equal(t, 1, n, "week %s", week)
	}
}

func TestPlanSmartTieBreaksByFilenameDesc(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	same := time.Date(2026, 8, 24, 3, 30, 0, 0, time.UTC)
	artifacts := []Artifact{
		{BackupID: "a", Filename: "backup_app_20260824_033000.sql.gz", CreatedAt: same},
		{BackupID: "b", Filename: "backup_app_20260824_033000.sql.gz.enc", CreatedAt: same},
	}

	del := Plan(Policy{Smart: &Smart{Daily: 1}}, artifacts, now)
	require.Len(t, del, 1)
	// ".enc" sorts after ".gz" lexicographically, so "b" wins the bucket.
	assert.Equal(t, "a", del[0].BackupID)
}

func TestPlanIsIdempotent(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	artifacts := dailyArtifacts(now, 20)
	policy := Policy{Smart: &Smart{Daily: 7, Weekly: 4, Monthly: 6, Yearly: 2}}

	del := Plan(policy, artifacts, now)
	deleted := make(map[string]bool, len(del))
	for _, a := range del {
		deleted[a.BackupID] = true
	}

	var remaining []Artifact
	for _, a := range artifacts {
		if !deleted[a.BackupID] {
			remaining = append(remaining, a)
		}
	}

	// A second pass over the survivors deletes nothing.
	assert.Empty(t, Plan(policy, remaining, now))
}

func TestPlanEmptyInput(t *testing.T) {
	assert.Nil(t, Plan(Policy{MaxCount: intp(3)}, nil, time.Now()))
}
