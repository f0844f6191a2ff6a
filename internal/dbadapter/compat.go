package dbadapter

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/dbkeep-io/dbkeep/internal/db"
)

// ErrIncompatible marks a backup artifact that cannot be restored into the
// requested target engine.
var ErrIncompatible = errors.New("dbadapter: backup incompatible with target")

var gzipMagic = []byte{0x1f, 0x8b}

// allowedSuffixes lists the artifact name endings accepted per engine,
// before the optional ".enc" encryption layer.
var allowedSuffixes = map[string][]string{
	db.DBTypePostgres: {".sql", ".sql.gz"},
	db.DBTypeMySQL:    {".sql", ".sql.gz"},
	db.DBTypeSQLite:   {".db", ".db.gz"},
	db.DBTypeNeo4j:    {".cypher", ".cypher.gz"},
}

// CanonicalDBType maps accepted aliases onto the stored engine names.
func CanonicalDBType(dbType string) string {
	t := strings.ToLower(strings.TrimSpace(dbType))
	if t == "postgres" {
		return db.DBTypePostgres
	}
	return t
}

// AllowedSuffixes returns every artifact suffix restorable into the engine,
// including the encrypted variants.
func AllowedSuffixes(dbType string) []string {
	base := allowedSuffixes[CanonicalDBType(dbType)]
	out := make([]string, 0, len(base)*2)
	out = append(out, base...)
	for _, s := range base {
		out = append(out, s+".enc")
	}
	return out
}

// IsNameCompatible reports whether the artifact filename could plausibly
// belong to the engine.
func IsNameCompatible(dbType, filename string) bool {
	name := strings.ToLower(filename)
	for _, s := range AllowedSuffixes(dbType) {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// ValidateName is the first restore gate: the artifact name must carry a
// suffix the target engine can consume. Content checks run later, after
// decryption and decompression, via ValidateContent.
func ValidateName(dbType, filename string) error {
	if !IsNameCompatible(dbType, filename) {
		return fmt.Errorf("%w: %q does not match allowed suffixes %v",
			ErrIncompatible, filename, AllowedSuffixes(dbType))
	}
	return nil
}

// Content kinds recognized by DetectKind.
const (
	KindSQLite  = "sqlite"
	KindSQL     = "sql"
	KindCypher  = "cypher"
	KindGzip    = "gzip"
	KindUnknown = "unknown"
)

// Detection is the result of sniffing a plaintext artifact head.
type Detection struct {
	Kind string

	// Flavor distinguishes SQL dialects when the dump header gives it away:
	// "postgresql", "mysql", or empty when ambiguous.
	Flavor string
}

var cypherMarkers = []string{"CREATE (", "MATCH (", "DETACH DELETE", "CALL DB."}

var sqlMarkers = []string{"CREATE TABLE", "INSERT INTO", "DROP TABLE", "COPY ", "BEGIN;"}

// DetectKind sniffs the first bytes of a decrypted, decompressed artifact.
// The heuristics only need to tell apart the formats this service produces.
func DetectKind(head []byte) Detection {
	if bytes.HasPrefix(head, sqliteMagic) {
		return Detection{Kind: KindSQLite}
	}
	if bytes.HasPrefix(head, gzipMagic) {
		return Detection{Kind: KindGzip}
	}

	text := string(head)
	upper := strings.ToUpper(text)

	// "CREATE (" and friends never appear in SQL dumps, but a Cypher script
	// never contains CREATE TABLE either, so require its absence.
	if !strings.Contains(upper, "CREATE TABLE") {
		for _, m := range cypherMarkers {
			if strings.Contains(upper, m) {
				return Detection{Kind: KindCypher}
			}
		}
	}

	switch {
	case strings.Contains(upper, "POSTGRESQL DATABASE DUMP") || strings.Contains(upper, "PG_DUMP"):
		return Detection{Kind: KindSQL, Flavor: db.DBTypePostgres}
	case strings.Contains(upper, "MYSQL DUMP") || strings.Contains(upper, "MARIADB") || strings.Contains(text, "/*!"):
		return Detection{Kind: KindSQL, Flavor: db.DBTypeMySQL}
	}

	for _, m := range sqlMarkers {
		if strings.Contains(upper, m) {
			return Detection{Kind: KindSQL}
		}
	}
	return Detection{Kind: KindUnknown}
}

// ValidateContent checks a decrypted, decompressed artifact head against the
// target engine. A nil error with warnings means the restore proceeds but
// the run detail records what could not be verified.
func ValidateContent(dbType string, head []byte) ([]string, error) {
	det := DetectKind(head)

	switch canonical := CanonicalDBType(dbType); canonical {
	case db.DBTypeSQLite:
		if det.Kind == KindSQLite {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: content is %s, expected a SQLite database image", ErrIncompatible, det.Kind)

	case db.DBTypeNeo4j:
		switch det.Kind {
		case KindCypher:
			return nil, nil
		case KindUnknown:
			return []string{"could not verify Cypher content, proceeding"}, nil
		default:
			return nil, fmt.Errorf("%w: content is %s, expected a Cypher script", ErrIncompatible, det.Kind)
		}

	case db.DBTypePostgres, db.DBTypeMySQL:
		switch det.Kind {
		case KindSQL:
			if det.Flavor != "" && det.Flavor != canonical {
				return nil, fmt.Errorf("%w: SQL dump flavor is %s, target is %s", ErrIncompatible, det.Flavor, canonical)
			}
			if det.Flavor == "" {
				return []string{"could not determine SQL dump flavor"}, nil
			}
			return nil, nil
		case KindUnknown:
			return []string{"could not verify SQL content, proceeding"}, nil
		default:
			return nil, fmt.Errorf("%w: content is %s, expected a SQL dump", ErrIncompatible, det.Kind)
		}

	default:
		return nil, fmt.Errorf("dbadapter: unsupported db_type %q", dbType)
	}
}
