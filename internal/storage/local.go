package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalBackend stores artifacts under a root directory on the server's own
// filesystem. It backs both the built-in "__local__" destination and
// user-created local destinations. Writes are atomic: the stream goes to a
// temp file in the same directory and is renamed into place.
type LocalBackend struct {
	root string
}

// NewLocalBackend returns a backend rooted at the given directory. The
// directory is created on first use.
func NewLocalBackend(root string) *LocalBackend {
	return &LocalBackend{root: root}
}

// Root returns the backend's base directory.
func (b *LocalBackend) Root() string { return b.root }

func (b *LocalBackend) resolve(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", Permanent(fmt.Errorf("storage: invalid object name %q", name))
	}
	return filepath.Join(b.root, clean), nil
}

// Put writes the stream to <root>/<logicalPath> via tmp+rename. The
// backup_id of a local object is its logical path.
func (b *LocalBackend) Put(ctx context.Context, logicalPath string, r io.Reader) (Object, error) {
	path, err := b.resolve(logicalPath)
	if err != nil {
		return Object{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Object{}, Permanent(fmt.Errorf("storage: local: mkdir: %w", err))
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return Object{}, Permanent(fmt.Errorf("storage: local: create temp: %w", err))
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, contextReader{ctx, r}); err != nil {
		tmp.Close()
		return Object{}, Permanent(fmt.Errorf("storage: local: write: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return Object{}, Permanent(fmt.Errorf("storage: local: close: %w", err))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return Object{}, Permanent(fmt.Errorf("storage: local: rename: %w", err))
	}

	info, err := os.Stat(path)
	if err != nil {
		return Object{}, Permanent(fmt.Errorf("storage: local: stat: %w", err))
	}
	return Object{
		ID:        logicalPath,
		Name:      logicalPath,
		SizeBytes: info.Size(),
		CreatedAt: info.ModTime().UTC(),
	}, nil
}

// List walks the root recursively and returns objects newest first.
func (b *LocalBackend) List(ctx context.Context, prefix string, limit, offset int) ([]Object, int64, error) {
	if err := os.MkdirAll(b.root, 0o755); err != nil {
		return nil, 0, Permanent(fmt.Errorf("storage: local: mkdir root: %w", err))
	}

	var objects []Object
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, Object{
			ID:        name,
			Name:      name,
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, 0, Permanent(fmt.Errorf("storage: local: list: %w", err))
	}

	sort.Slice(objects, func(i, j int) bool {
		if !objects[i].CreatedAt.Equal(objects[j].CreatedAt) {
			return objects[i].CreatedAt.After(objects[j].CreatedAt)
		}
		return objects[i].Name > objects[j].Name
	})
	total := int64(len(objects))
	return paginate(objects, limit, offset), total, nil
}

// Get opens a stored object. The name parameter is unused: local backup_ids
// are already paths.
func (b *LocalBackend) Get(ctx context.Context, backupID, name string) (io.ReadCloser, error) {
	path, err := b.resolve(backupID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Permanent(fmt.Errorf("%w: %s", ErrNotFound, backupID))
		}
		return nil, Permanent(fmt.Errorf("storage: local: open: %w", err))
	}
	return f, nil
}

// Delete removes an object and prunes empty parent directories up to the
// root. A missing object is not an error.
func (b *LocalBackend) Delete(ctx context.Context, backupID, name string) error {
	path, err := b.resolve(backupID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return Permanent(fmt.Errorf("storage: local: delete: %w", err))
	}

	for dir := filepath.Dir(path); dir != b.root && strings.HasPrefix(dir, b.root); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break // not empty
		}
	}
	return nil
}

// TestConnection checks the root is writable by creating and removing a
// probe file.
func (b *LocalBackend) TestConnection(ctx context.Context) (string, error) {
	if err := os.MkdirAll(b.root, 0o755); err != nil {
		return "", Permanent(fmt.Errorf("storage: local: mkdir root: %w", err))
	}
	probe, err := os.CreateTemp(b.root, ".probe-*")
	if err != nil {
		return "", Permanent(fmt.Errorf("storage: local: root not writable: %w", err))
	}
	probe.Close()
	os.Remove(probe.Name())
	return fmt.Sprintf("local storage at %s is writable", b.root), nil
}

// contextReader aborts an io.Copy when the context is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
