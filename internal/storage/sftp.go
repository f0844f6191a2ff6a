package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPConfig holds the connection settings of an SFTP destination. Exactly
// one of PrivateKey or Password must be set; the key is preferred when both
// are present.
type SFTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	BasePath string `json:"path"`

	Password             string `json:"password,omitempty"`
	PrivateKey           string `json:"private_key,omitempty"`
	PrivateKeyPassphrase string `json:"private_key_passphrase,omitempty"`
}

// SFTPBackend stores artifacts under BasePath on a remote SFTP server.
// Uploads go to "<name>.part" and are renamed into place so a dropped
// connection never leaves a half-written artifact under its final name.
// The underlying connection is dialed lazily and reused across calls; the
// pool evicts idle backends, which closes the connection.
type SFTPBackend struct {
	cfg SFTPConfig

	mu     sync.Mutex
	conn   *ssh.Client
	client *sftp.Client
}

// NewSFTPBackend returns a backend for the given configuration without
// dialing yet.
func NewSFTPBackend(cfg SFTPConfig) *SFTPBackend {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "/backups"
	}
	return &SFTPBackend{cfg: cfg}
}

func (b *SFTPBackend) authMethods() ([]ssh.AuthMethod, error) {
	if b.cfg.PrivateKey != "" {
		var (
			signer ssh.Signer
			err    error
		)
		if b.cfg.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(b.cfg.PrivateKey), []byte(b.cfg.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(b.cfg.PrivateKey))
		}
		if err != nil {
			return nil, Permanent(fmt.Errorf("storage: sftp: parse private key: %w", err))
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if b.cfg.Password != "" {
		return []ssh.AuthMethod{ssh.Password(b.cfg.Password)}, nil
	}
	return nil, Permanent(fmt.Errorf("storage: sftp: no credentials configured"))
}

// connect returns a live sftp client, dialing if necessary.
func (b *SFTPBackend) connect(ctx context.Context) (*sftp.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		// Cheap liveness probe; reconnect on a dead session.
		if _, err := b.client.Getwd(); err == nil {
			return b.client, nil
		}
		b.closeLocked()
	}

	auth, err := b.authMethods()
	if err != nil {
		return nil, err
	}

	addr := fmt.Sprintf("%s:%d", b.cfg.Host, b.cfg.Port)
	sshCfg := &ssh.ClientConfig{
		User: b.cfg.Username,
		Auth: auth,
		// Destinations are operator-configured; host keys are not pinned.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	type dialResult struct {
		conn *ssh.Client
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := ssh.Dial("tcp", addr, sshCfg)
		ch <- dialResult{conn, err}
	}()

	var conn *ssh.Client
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			if strings.Contains(res.err.Error(), "unable to authenticate") {
				return nil, Permanent(fmt.Errorf("storage: sftp: auth failed: %w", res.err))
			}
			return nil, Transient(fmt.Errorf("storage: sftp: dial %s: %w", addr, res.err))
		}
		conn = res.conn
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, Transient(fmt.Errorf("storage: sftp: open subsystem: %w", err))
	}

	b.conn = conn
	b.client = client
	return client, nil
}

func (b *SFTPBackend) closeLocked() {
	if b.client != nil {
		b.client.Close()
		b.client = nil
	}
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

// Close shuts the connection down. Called by the pool on idle eviction.
func (b *SFTPBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
	return nil
}

func (b *SFTPBackend) remotePath(name string) string {
	return path.Join(strings.TrimRight(b.cfg.BasePath, "/"), name)
}

// Put uploads the stream to "<path>.part" and renames it into place. The
// backup_id of an SFTP object is its full remote path.
func (b *SFTPBackend) Put(ctx context.Context, logicalPath string, r io.Reader) (Object, error) {
	client, err := b.connect(ctx)
	if err != nil {
		return Object{}, err
	}

	remote := b.remotePath(logicalPath)
	if err := client.MkdirAll(path.Dir(remote)); err != nil {
		return Object{}, Transient(fmt.Errorf("storage: sftp: mkdir %s: %w", path.Dir(remote), err))
	}

	part := remote + ".part"
	f, err := client.Create(part)
	if err != nil {
		if os.IsPermission(err) {
			return Object{}, Permanent(fmt.Errorf("storage: sftp: create %s: %w", part, err))
		}
		return Object{}, Transient(fmt.Errorf("storage: sftp: create %s: %w", part, err))
	}

	if _, err := io.Copy(f, contextReader{ctx, r}); err != nil {
		f.Close()
		client.Remove(part)
		return Object{}, Transient(fmt.Errorf("storage: sftp: upload %s: %w", part, err))
	}
	if err := f.Close(); err != nil {
		client.Remove(part)
		return Object{}, Transient(fmt.Errorf("storage: sftp: close %s: %w", part, err))
	}

	// Rename fails on servers that refuse to clobber; remove a stale final
	// file first and retry once.
	if err := client.Rename(part, remote); err != nil {
		client.Remove(remote)
		if err := client.Rename(part, remote); err != nil {
			client.Remove(part)
			return Object{}, Transient(fmt.Errorf("storage: sftp: rename %s: %w", part, err))
		}
	}

	info, err := client.Stat(remote)
	if err != nil {
		return Object{}, Transient(fmt.Errorf("storage: sftp: stat %s: %w", remote, err))
	}
	return Object{
		ID:        remote,
		Name:      logicalPath,
		SizeBytes: info.Size(),
		CreatedAt: info.ModTime().UTC(),
	}, nil
}

// List walks BasePath recursively, newest first.
func (b *SFTPBackend) List(ctx context.Context, prefix string, limit, offset int) ([]Object, int64, error) {
	client, err := b.connect(ctx)
	if err != nil {
		return nil, 0, err
	}

	base := strings.TrimRight(b.cfg.BasePath, "/")
	if err := client.MkdirAll(base); err != nil {
		return nil, 0, Transient(fmt.Errorf("storage: sftp: mkdir %s: %w", base, err))
	}

	var objects []Object
	stack := []string{base}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := client.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, 0, Transient(fmt.Errorf("storage: sftp: readdir %s: %w", dir, err))
		}
		for _, entry := range entries {
			full := path.Join(dir, entry.Name())
			if entry.IsDir() {
				stack = append(stack, full)
				continue
			}
			if strings.HasSuffix(entry.Name(), ".part") {
				continue
			}
			rel := strings.TrimPrefix(strings.TrimPrefix(full, base), "/")
			if prefix != "" && !strings.HasPrefix(rel, prefix) {
				continue
			}
			objects = append(objects, Object{
				ID:        full,
				Name:      rel,
				SizeBytes: entry.Size(),
				CreatedAt: entry.ModTime().UTC(),
			})
		}
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

// Get opens a remote object for reading.
func (b *SFTPBackend) Get(ctx context.Context, backupID, name string) (io.ReadCloser, error) {
	client, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}
	f, err := client.Open(backupID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Permanent(fmt.Errorf("%w: %s", ErrNotFound, backupID))
		}
		return nil, Transient(fmt.Errorf("storage: sftp: open %s: %w", backupID, err))
	}
	return f, nil
}

// Delete removes a remote object. A missing object is not an error.
func (b *SFTPBackend) Delete(ctx context.Context, backupID, name string) error {
	client, err := b.connect(ctx)
	if err != nil {
		return err
	}
	if err := client.Remove(backupID); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return Transient(fmt.Errorf("storage: sftp: remove %s: %w", backupID, err))
	}
	return nil
}

// TestConnection dials, ensures the base path exists, and probes write
// access with a temporary file.
func (b *SFTPBackend) TestConnection(ctx context.Context) (string, error) {
	client, err := b.connect(ctx)
	if err != nil {
		return "", err
	}
	base := strings.TrimRight(b.cfg.BasePath, "/")
	if err := client.MkdirAll(base); err != nil {
		return "", Permanent(fmt.Errorf("storage: sftp: base path %s not usable: %w", base, err))
	}
	probe := path.Join(base, ".dbkeep-probe")
	f, err := client.Create(probe)
	if err != nil {
		return "", Permanent(fmt.Errorf("storage: sftp: base path %s not writable: %w", base, err))
	}
	f.Close()
	client.Remove(probe)
	return fmt.Sprintf("sftp %s@%s:%d path %s is writable", b.cfg.Username, b.cfg.Host, b.cfg.Port, base), nil
}
