// Package dbadapter implements the per-engine dump, restore, and
// connectivity operations for backup targets. PostgreSQL and MySQL shell
// out to the standard engine tools (pg_dump/psql, mysqldump/mysql) because
// their output is the interop format operators expect; SQLite copies the
// database page image; Neo4j speaks Bolt through the official driver and
// exports a Cypher script.
package dbadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dbkeep-io/dbkeep/internal/db"
)

// Adapter is the uniform engine contract. Dump and Restore stream: they
// never buffer the whole artifact in memory.
type Adapter interface {
	// Suffix is the logical file suffix of a dump before compression and
	// encryption ("sql", "db", "cypher").
	Suffix() string

	// Dump writes a logical, restorable byte stream to w and returns the
	// number of bytes written.
	Dump(ctx context.Context, w io.Writer) (int64, error)

	// Restore consumes a stream produced by Dump. Existing data in the
	// target is dropped first so the restore starts from a clean state.
	Restore(ctx context.Context, r io.Reader) error

	// TestConnection verifies the target is reachable and returns a
	// human-readable message including server version info when available.
	TestConnection(ctx context.Context) (string, error)
}

// TargetConfig is the non-sensitive connection settings parsed from a
// target's config JSON.
type TargetConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	Username string `json:"username"`

	// Path is the database file location for SQLite targets.
	Path string `json:"path"`

	// URI is the Bolt endpoint for Neo4j targets (neo4j://host:7687).
	URI string `json:"uri"`
}

// targetSecrets is the sensitive part, opened from the sealed column only
// inside ForTarget.
type targetSecrets struct {
	Password string `json:"password"`
}

// ForTarget builds the adapter for a target record, opening its sealed
// secrets in the process.
func ForTarget(target *db.Target) (Adapter, error) {
	var cfg TargetConfig
	raw := target.Config
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("dbadapter: target %s: bad config: %w", target.Name, err)
	}

	var secrets targetSecrets
	if s := string(target.Secrets); s != "" {
		if err := json.Unmarshal([]byte(s), &secrets); err != nil {
			return nil, fmt.Errorf("dbadapter: target %s: bad secrets: %w", target.Name, err)
		}
	}

	switch target.DBType {
	case db.DBTypePostgres:
		if cfg.Port == 0 {
			cfg.Port = 5432
		}
		return &postgresAdapter{cfg: cfg, password: secrets.Password}, nil
	case db.DBTypeMySQL:
		if cfg.Port == 0 {
			cfg.Port = 3306
		}
		return &mysqlAdapter{cfg: cfg, password: secrets.Password}, nil
	case db.DBTypeSQLite:
		return &sqliteAdapter{path: cfg.Path}, nil
	case db.DBTypeNeo4j:
		if cfg.Port == 0 {
			cfg.Port = 7687
		}
		return &neo4jAdapter{cfg: cfg, password: secrets.Password}, nil
	default:
		return nil, fmt.Errorf("dbadapter: unsupported db_type %q", target.DBType)
	}
}
