package dbadapter

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strconv"
	"strings"

	// canonical MySQL driver, registered as "mysql" in database/sql.
	_ "github.com/go-sql-driver/mysql"
)

// dropAllMySQLTables drops every base table in the target schema with
// foreign key checks suspended.
const dropAllMySQLTables = "SET FOREIGN_KEY_CHECKS = 0;\n" +
	"SET @tables = NULL;\n" +
	"SELECT GROUP_CONCAT(CONCAT('`', REPLACE(table_name, '`', '``'), '`')) INTO @tables\n" +
	"FROM information_schema.tables\n" +
	"WHERE table_schema = DATABASE()\n" +
	"  AND table_type = 'BASE TABLE';\n" +
	"SET @tables = IF(\n" +
	"    @tables IS NULL OR @tables = '',\n" +
	"    'SELECT 1',\n" +
	"    CONCAT('DROP TABLE IF EXISTS ', @tables)\n" +
	");\n" +
	"PREPARE stmt FROM @tables;\n" +
	"EXECUTE stmt;\n" +
	"DEALLOCATE PREPARE stmt;\n" +
	"SET FOREIGN_KEY_CHECKS = 1;\n"

// mysqlAdapter dumps through mariadb-dump when present (newer, drop-in
// compatible) and falls back to mysqldump, mirroring the restore side with
// mariadb/mysql.
type mysqlAdapter struct {
	cfg      TargetConfig
	password string
}

func (a *mysqlAdapter) Suffix() string { return "sql" }

func (a *mysqlAdapter) env() []string {
	return []string{"MYSQL_PWD=" + a.password}
}

func (a *mysqlAdapter) connArgs() []string {
	return []string{
		"-h", a.cfg.Host,
		"-P", strconv.Itoa(a.cfg.Port),
		"-u", a.cfg.Username,
		a.cfg.Database,
	}
}

func (a *mysqlAdapter) Dump(ctx context.Context, w io.Writer) (int64, error) {
	tool := firstAvailable("mariadb-dump", "mysqldump")
	counter := &countingWriter{w: w}
	args := append(a.connArgs(), "--single-transaction", "--skip-lock-tables")
	if err := runTool(ctx, counter, nil, a.env(), tool, args...); err != nil {
		return counter.n, err
	}
	return counter.n, nil
}

func (a *mysqlAdapter) Restore(ctx context.Context, r io.Reader) error {
	tool := firstAvailable("mariadb", "mysql")

	if err := runTool(ctx, io.Discard, strings.NewReader(dropAllMySQLTables), a.env(), tool, a.connArgs()...); err != nil {
		return fmt.Errorf("dbadapter: mysql: drop tables: %w", err)
	}
	return runTool(ctx, io.Discard, r, a.env(), tool, a.connArgs()...)
}

func (a *mysqlAdapter) TestConnection(ctx context.Context) (string, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s",
		a.cfg.Username, a.password, a.cfg.Host, a.cfg.Port, a.cfg.Database)

	conn, err := sql.Open("mysql", dsn)
	if err != nil {
		return "", fmt.Errorf("dbadapter: mysql: open: %w", err)
	}
	defer conn.Close()

	var version string
	if err := conn.QueryRowContext(ctx, "SELECT VERSION()").Scan(&version); err != nil {
		return "", fmt.Errorf("dbadapter: mysql: connect %s:%d: %w", a.cfg.Host, a.cfg.Port, err)
	}
	return fmt.Sprintf("connected to MySQL/MariaDB %s", version), nil
}
