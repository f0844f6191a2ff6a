package dbadapter

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbkeep-io/dbkeep/internal/db"
)

func TestForTargetDispatch(t *testing.T) {
	pg, err := ForTarget(&db.Target{
		Name:    "shop",
		DBType:  db.DBTypePostgres,
		Config:  `{"host":"db.example.com","database":"shop","username":"app"}`,
		Secrets: db.EncryptedString(`{"password":"s3cret"}`),
	})
	require.NoError(t, err)
	adapter, ok := pg.(*postgresAdapter)
	require.True(t, ok)
	assert.Equal(t, 5432, adapter.cfg.Port)
	assert.Equal(t, "s3cret", adapter.password)
	assert.Equal(t, "sql", pg.Suffix())

	my, err := ForTarget(&db.Target{
		Name:   "legacy",
		DBType: db.DBTypeMySQL,
		Config: `{"host":"localhost","database":"legacy","username":"root"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, 3306, my.(*mysqlAdapter).cfg.Port)

	sq, err := ForTarget(&db.Target{
		Name:   "app",
		DBType: db.DBTypeSQLite,
		Config: `{"path":"/var/lib/app/app.db"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, "db", sq.Suffix())

	n4, err := ForTarget(&db.Target{
		Name:    "graph",
		DBType:  db.DBTypeNeo4j,
		Config:  `{"host":"graph.example.com","username":"neo4j"}`,
		Secrets: db.EncryptedString(`{"password":"pw"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 7687, n4.(*neo4jAdapter).cfg.Port)
	assert.Equal(t, "cypher", n4.Suffix())

	_, err = ForTarget(&db.Target{Name: "bad", DBType: "oracle"})
	require.Error(t, err)

	_, err = ForTarget(&db.Target{Name: "broken", DBType: db.DBTypePostgres, Config: "{not json"})
	require.Error(t, err)
}

func TestSQLiteDumpRestore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.db")

	original := append([]byte("SQLite format 3\x00"), []byte("original page data")...)
	require.NoError(t, os.WriteFile(path, original, 0o600))

	a := &sqliteAdapter{path: path}

	var dump strings.Builder
	n, err := a.Dump(context.Background(), &dump)
	require.NoError(t, err)
	assert.Equal(t, int64(len(original)), n)
	assert.Equal(t, string(original), dump.String())

	replacement := append([]byte("SQLite format 3\x00"), []byte("restored page data")...)
	require.NoError(t, a.Restore(context.Background(), strings.NewReader(string(replacement))))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, replacement, got)

	// The previous database survives as a safety copy.
	saved, err := os.ReadFile(path + ".backup")
	require.NoError(t, err)
	assert.Equal(t, original, saved)

	// No staging files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".restore-"), "leftover staging file %s", e.Name())
	}
}

func TestSQLiteRestoreIntoEmptyDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.db")
	a := &sqliteAdapter{path: path}

	image := append([]byte("SQLite format 3\x00"), []byte("data")...)
	require.NoError(t, a.Restore(context.Background(), strings.NewReader(string(image))))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, image, got)

	_, err = os.Stat(path + ".backup")
	assert.True(t, os.IsNotExist(err))
}

func TestSQLiteTestConnection(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "valid.db")
	require.NoError(t, os.WriteFile(valid, append([]byte("SQLite format 3\x00"), 0x01), 0o600))

	msg, err := (&sqliteAdapter{path: valid}).TestConnection(context.Background())
	require.NoError(t, err)
	assert.Contains(t, msg, "valid.db")

	bogus := filepath.Join(dir, "bogus.db")
	require.NoError(t, os.WriteFile(bogus, []byte("not a database"), 0o600))

	_, err = (&sqliteAdapter{path: bogus}).TestConnection(context.Background())
	require.Error(t, err)

	_, err = (&sqliteAdapter{path: filepath.Join(dir, "missing.db")}).TestConnection(context.Background())
	require.Error(t, err)
}

func TestSQLiteDumpCancellation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.db")
	require.NoError(t, os.WriteFile(path, []byte("SQLite format 3\x00"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&sqliteAdapter{path: path}).Dump(ctx, &strings.Builder{})
	require.ErrorIs(t, err, context.Canceled)
}
