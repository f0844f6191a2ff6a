package backup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeTargetName(t *testing.T) {
	cases := map[string]string{
		"pg-app":            "pg-app",
		"My App DB":         "my_app_db",
		"prod  DB / main":   "prod_db_main",
		"__already__odd__":  "already_odd",
		"Ünïcode name":      "n_code_name",
		"":                  "target",
		"///":               "target",
		"Shop2024":          "shop2024",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeTargetName(in), "input %q", in)
	}
}

func TestFilename(t *testing.T) {
	at := time.Date(2026, 3, 1, 3, 30, 0, 0, time.UTC)

	assert.Equal(t, "backup_pg-app_20260301_033000.sql.gz",
		Filename("pg-app", at, "sql", false))
	assert.Equal(t, "backup_pg-app_20260301_033000.sql.gz.enc",
		Filename("pg-app", at, "sql", true))

	// Timestamps always render in UTC regardless of the input zone.
	est := time.FixedZone("EST", -5*3600)
	assert.Equal(t, "backup_graph_20260301_083000.cypher.gz",
		Filename("Graph", time.Date(2026, 3, 1, 3, 30, 0, 0, est), "cypher", false))
}

func TestStorageKey(t *testing.T) {
	assert.Equal(t, "my_app_db/backup_my_app_db_20260301_033000.db.gz",
		StorageKey("My App DB", "backup_my_app_db_20260301_033000.db.gz"))
}
