package dbadapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbkeep-io/dbkeep/internal/db"
)

func TestCanonicalDBType(t *testing.T) {
	assert.Equal(t, db.DBTypePostgres, CanonicalDBType("postgres"))
	assert.Equal(t, db.DBTypePostgres, CanonicalDBType("PostgreSQL"))
	assert.Equal(t, db.DBTypeMySQL, CanonicalDBType(" mysql "))
	assert.Equal(t, db.DBTypeNeo4j, CanonicalDBType("neo4j"))
}

func TestIsNameCompatible(t *testing.T) {
	cases := []struct {
		dbType   string
		filename string
		want     bool
	}{
		{db.DBTypePostgres, "backup_shop_20260101_120000.sql", true},
		{db.DBTypePostgres, "backup_shop_20260101_120000.sql.gz", true},
		{db.DBTypePostgres, "backup_shop_20260101_120000.sql.gz.enc", true},
		{db.DBTypePostgres, "backup_shop_20260101_120000.db", false},
		{db.DBTypeMySQL, "dump.SQL", true},
		{db.DBTypeSQLite, "backup_app_20260101_120000.db.enc", true},
		{db.DBTypeSQLite, "backup_app_20260101_120000.sql", false},
		{db.DBTypeNeo4j, "backup_graph_20260101_120000.cypher.gz", true},
		{db.DBTypeNeo4j, "backup_graph_20260101_120000.sql", false},
		{"postgres", "x.sql", true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, IsNameCompatible(c.dbType, c.filename),
			"%s / %s", c.dbType, c.filename)
	}
}

func TestValidateName(t *testing.T) {
	require.NoError(t, ValidateName(db.DBTypeMySQL, "backup_x_20260101_120000.sql.enc"))

	err := ValidateName(db.DBTypeMySQL, "backup_x_20260101_120000.cypher")
	require.ErrorIs(t, err, ErrIncompatible)
}

func TestDetectKind(t *testing.T) {
	sqliteHead := append([]byte("SQLite format 3\x00"), make([]byte, 32)...)
	assert.Equal(t, KindSQLite, DetectKind(sqliteHead).Kind)

	assert.Equal(t, KindGzip, DetectKind([]byte{0x1f, 0x8b, 0x08, 0x00}).Kind)

	pg := DetectKind([]byte("--\n-- PostgreSQL database dump\n--\nCREATE TABLE users (id int);\n"))
	assert.Equal(t, KindSQL, pg.Kind)
	assert.Equal(t, db.DBTypePostgres, pg.Flavor)

	my := DetectKind([]byte("-- MariaDB dump 10.19\n/*!40101 SET NAMES utf8 */;\nCREATE TABLE t (x int);\n"))
	assert.Equal(t, KindSQL, my.Kind)
	assert.Equal(t, db.DBTypeMySQL, my.Flavor)

	plain := DetectKind([]byte("CREATE TABLE t (x int);\nINSERT INTO t VALUES (1);\n"))
	assert.Equal(t, KindSQL, plain.Kind)
	assert.Empty(t, plain.Flavor)

	cy := DetectKind([]byte("CREATE (:User {name: \"ada\"});\nMATCH (a:User {name: \"ada\"}), (b:User {name: \"bob\"}) CREATE (a)-[:KNOWS]->(b);\n"))
	assert.Equal(t, KindCypher, cy.Kind)

	assert.Equal(t, KindUnknown, DetectKind([]byte("just some text")).Kind)
}

func TestValidateContent(t *testing.T) {
	pgHead := []byte("-- PostgreSQL database dump\nCREATE TABLE t (x int);")
	myHead := []byte("-- MySQL dump 8.0\nCREATE TABLE t (x int);")

	warnings, err := ValidateContent(db.DBTypePostgres, pgHead)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	_, err = ValidateContent(db.DBTypePostgres, myHead)
	require.ErrorIs(t, err, ErrIncompatible)

	_, err = ValidateContent(db.DBTypeMySQL, pgHead)
	require.ErrorIs(t, err, ErrIncompatible)

	// Flavorless SQL restores with a warning instead of failing.
	warnings, err = ValidateContent(db.DBTypeMySQL, []byte("CREATE TABLE t (x int);"))
	require.NoError(t, err)
	assert.Len(t, warnings, 1)

	_, err = ValidateContent(db.DBTypeSQLite, pgHead)
	require.ErrorIs(t, err, ErrIncompatible)

	sqliteHead := append([]byte("SQLite format 3\x00"), make([]byte, 16)...)
	warnings, err = ValidateContent(db.DBTypeSQLite, sqliteHead)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	_, err = ValidateContent(db.DBTypeNeo4j, sqliteHead)
	require.ErrorIs(t, err, ErrIncompatible)

	warnings, err = ValidateContent(db.DBTypeNeo4j, []byte("MATCH (n) DETACH DELETE n;"))
	require.NoError(t, err)
	assert.Empty(t, warnings)

	_, err = ValidateContent("oracle", pgHead)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrIncompatible)
}
