package dbadapter

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strconv"
	"strings"

	// pgx registered as "pgx" in database/sql for connectivity tests.
	_ "github.com/jackc/pgx/v5/stdlib"
)

// dropAllPostgresTables drops every table in the public schema so a restore
// starts clean. Runs inside the same psql session as the restore stream's
// predecessor call.
const dropAllPostgresTables = `
DO $$ DECLARE
    r RECORD;
BEGIN
    FOR r IN (SELECT tablename FROM pg_tables WHERE schemaname = 'public') LOOP
        EXECUTE 'DROP TABLE IF EXISTS ' || quote_ident(r.tablename) || ' CASCADE';
    END LOOP;
END $$;
`

// postgresAdapter dumps and restores through pg_dump/psql in plain SQL
// format (-F p), which keeps artifacts restorable with stock tooling.
type postgresAdapter struct {
	cfg      TargetConfig
	password string
}

func (a *postgresAdapter) Suffix() string { return "sql" }

func (a *postgresAdapter) env() []string {
	return []string{"PGPASSWORD=" + a.password}
}

func (a *postgresAdapter) connArgs() []string {
	return []string{
		"-h", a.cfg.Host,
		"-p", strconv.Itoa(a.cfg.Port),
		"-U", a.cfg.Username,
		"-d", a.cfg.Database,
	}
}

func (a *postgresAdapter) Dump(ctx context.Context, w io.Writer) (int64, error) {
	counter := &countingWriter{w: w}
	args := append(a.connArgs(), "--no-owner", "--no-acl", "-F", "p")
	if err := runTool(ctx, counter, nil, a.env(), "pg_dump", args...); err != nil {
		return counter.n, err
	}
	return counter.n, nil
}

func (a *postgresAdapter) Restore(ctx context.Context, r io.Reader) error {
	// Drop existing tables first so the dump applies to a clean schema.
	if err := runTool(ctx, io.Discard, strings.NewReader(dropAllPostgresTables), a.env(), "psql", a.connArgs()...); err != nil {
		return fmt.Errorf("dbadapter: postgres: drop tables: %w", err)
	}

	args := append(a.connArgs(), "-v", "ON_ERROR_STOP=1")
	return runTool(ctx, io.Discard, r, a.env(), "psql", args...)
}

func (a *postgresAdapter) TestConnection(ctx context.Context) (string, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		a.cfg.Username, a.password, a.cfg.Host, a.cfg.Port, a.cfg.Database)

	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return "", fmt.Errorf("dbadapter: postgres: open: %w", err)
	}
	defer conn.Close()

	var version string
	if err := conn.QueryRowContext(ctx, "SELECT version()").Scan(&version); err != nil {
		return "", fmt.Errorf("dbadapter: postgres: connect %s:%d: %w", a.cfg.Host, a.cfg.Port, err)
	}
	return fmt.Sprintf("connected to %s", version), nil
}
