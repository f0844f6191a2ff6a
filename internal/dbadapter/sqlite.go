package dbadapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// sqliteMagic is the 16-byte header of every SQLite database file.
var sqliteMagic = []byte("SQLite format 3\x00")

// sqliteAdapter backs up a SQLite target by copying the database page
// image. Restore replaces the file atomically and keeps a one-generation
// safety copy of the previous database next to it.
type sqliteAdapter struct {
	path string
}

func (a *sqliteAdapter) Suffix() string { return "db" }

func (a *sqliteAdapter) Dump(ctx context.Context, w io.Writer) (int64, error) {
	f, err := os.Open(a.path)
	if err != nil {
		return 0, fmt.Errorf("dbadapter: sqlite: open %s: %w", a.path, err)
	}
	defer f.Close()

	n, err := io.Copy(w, readerWithContext{ctx, f})
	if err != nil {
		return n, fmt.Errorf("dbadapter: sqlite: copy: %w", err)
	}
	return n, nil
}

func (a *sqliteAdapter) Restore(ctx context.Context, r io.Reader) error {
	dir := filepath.Dir(a.path)

	// Stage the incoming image next to the target so the final rename is
	// atomic on the same filesystem.
	tmp, err := os.CreateTemp(dir, ".restore-*")
	if err != nil {
		return fmt.Errorf("dbadapter: sqlite: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, readerWithContext{ctx, r}); err != nil {
		tmp.Close()
		return fmt.Errorf("dbadapter: sqlite: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("dbadapter: sqlite: close temp: %w", err)
	}

	// Keep the previous database as <path>.backup in case the restored
	// image turns out to be the wrong one.
	if _, err := os.Stat(a.path); err == nil {
		if err := copyFile(a.path, a.path+".backup"); err != nil {
			return fmt.Errorf("dbadapter: sqlite: save previous database: %w", err)
		}
	}

	if err := os.Rename(tmp.Name(), a.path); err != nil {
		return fmt.Errorf("dbadapter: sqlite: replace database: %w", err)
	}
	return nil
}

func (a *sqliteAdapter) TestConnection(ctx context.Context) (string, error) {
	f, err := os.Open(a.path)
	if err != nil {
		return "", fmt.Errorf("dbadapter: sqlite: open %s: %w", a.path, err)
	}
	defer f.Close()

	header := make([]byte, len(sqliteMagic))
	if _, err := io.ReadFull(f, header); err != nil || !bytes.Equal(header, sqliteMagic) {
		return "", fmt.Errorf("dbadapter: sqlite: %s is not a SQLite database", a.path)
	}

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("dbadapter: sqlite: stat: %w", err)
	}
	return fmt.Sprintf("sqlite database %s (%d bytes) is readable", a.path, info.Size()), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// readerWithContext aborts a copy when the context is cancelled.
type readerWithContext struct {
	ctx context.Context
	r   io.Reader
}

func (c readerWithContext) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
