package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// DriveConfig holds the settings of a Google Drive destination. The service
// account JSON comes from the destination's sealed secrets; the folder id
// and optional impersonation subject from its plain config.
type DriveConfig struct {
	ServiceAccountJSON string `json:"service_account_json"`
	FolderID           string `json:"folder_id"`

	// ImpersonateSubject uploads as this user via domain-wide delegation
	// instead of the service account itself. Optional.
	ImpersonateSubject string `json:"impersonate_subject"`
}

// DriveBackend stores artifacts as files in one Drive folder. The backup_id
// of a Drive object is its file id. Logical paths flatten into plain file
// names because Drive folders are ids, not paths.
type DriveBackend struct {
	cfg     DriveConfig
	service *drive.Service
}

// NewDriveBackend builds the Drive client from service-account credentials.
// Parsing the JSON here, before the first API call, turns a malformed
// credential into an immediate error instead of a failed upload later.
func NewDriveBackend(ctx context.Context, cfg DriveConfig) (*DriveBackend, error) {
	if cfg.FolderID == "" {
		return nil, Permanent(fmt.Errorf("storage: drive: folder_id is required"))
	}
	jwtCfg, err := google.JWTConfigFromJSON([]byte(cfg.ServiceAccountJSON), drive.DriveFileScope)
	if err != nil {
		return nil, Permanent(fmt.Errorf("storage: drive: invalid service account credentials: %w", err))
	}
	jwtCfg.Subject = cfg.ImpersonateSubject

	service, err := drive.NewService(ctx, option.WithTokenSource(jwtCfg.TokenSource(ctx)))
	if err != nil {
		return nil, Permanent(fmt.Errorf("storage: drive: init client: %w", err))
	}
	return &DriveBackend{cfg: cfg, service: service}, nil
}

// classifyDriveErr maps googleapi errors: 429 and 5xx are transient,
// everything else (auth, quota, not-found) is permanent.
func classifyDriveErr(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == 404 {
			return Permanent(fmt.Errorf("%w: %s", ErrNotFound, op))
		}
		if apiErr.Code == 429 || apiErr.Code >= 500 {
			return Transient(fmt.Errorf("storage: drive: %s: %w", op, err))
		}
		return Permanent(fmt.Errorf("storage: drive: %s: %w", op, err))
	}
	// Non-API failures are almost always the network.
	return Transient(fmt.Errorf("storage: drive: %s: %w", op, err))
}

// driveName flattens a logical path into a Drive file name.
func driveName(logicalPath string) string {
	return strings.ReplaceAll(logicalPath, "/", "__")
}

// Put uploads the stream into the configured folder using the client's
// resumable upload.
func (b *DriveBackend) Put(ctx context.Context, logicalPath string, r io.Reader) (Object, error) {
	meta := &drive.File{
		Name:    driveName(logicalPath),
		Parents: []string{b.cfg.FolderID},
	}
	created, err := b.service.Files.Create(meta).
		Media(r, googleapi.ChunkSize(googleapi.DefaultUploadChunkSize)).
		Fields("id", "name", "createdTime", "size").
		Context(ctx).
		Do()
	if err != nil {
		return Object{}, classifyDriveErr("upload", err)
	}

	createdAt, _ := time.Parse(time.RFC3339, created.CreatedTime)
	return Object{
		ID:        created.Id,
		Name:      logicalPath,
		SizeBytes: created.Size,
		CreatedAt: createdAt.UTC(),
	}, nil
}

// List pages through the folder until exhausted, then filters by prefix and
// paginates. Prefixes are matched against the flattened names.
func (b *DriveBackend) List(ctx context.Context, prefix string, limit, offset int) ([]Object, int64, error) {
	query := fmt.Sprintf("'%s' in parents and trashed = false", b.cfg.FolderID)

	var objects []Object
	pageToken := ""
	for {
		call := b.service.Files.List().
			Q(query).
			Spaces("drive").
			Fields("nextPageToken", "files(id, name, createdTime, size)").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		page, err := call.Do()
		if err != nil {
			return nil, 0, classifyDriveErr("list", err)
		}

		for _, f := range page.Files {
			name := strings.ReplaceAll(f.Name, "__", "/")
			if prefix != "" && !strings.HasPrefix(name, prefix) {
				continue
			}
			createdAt, _ := time.Parse(time.RFC3339, f.CreatedTime)
			objects = append(objects, Object{
				ID:        f.Id,
				Name:      name,
				SizeBytes: f.Size,
				CreatedAt: createdAt.UTC(),
			})
		}

		pageToken = page.NextPageToken
		if pageToken == "" {
			break
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

// Get downloads a file by id.
func (b *DriveBackend) Get(ctx context.Context, backupID, name string) (io.ReadCloser, error) {
	resp, err := b.service.Files.Get(backupID).Context(ctx).Download()
	if err != nil {
		return nil, classifyDriveErr("download", err)
	}
	return resp.Body, nil
}

// Delete removes a file by id. A file that is already gone is not an error.
func (b *DriveBackend) Delete(ctx context.Context, backupID, name string) error {
	err := b.service.Files.Delete(backupID).Context(ctx).Do()
	if err != nil {
		classified := classifyDriveErr("delete", err)
		if errors.Is(classified, ErrNotFound) {
			return nil
		}
		return classified
	}
	return nil
}

// TestConnection verifies the folder is visible to the service account.
func (b *DriveBackend) TestConnection(ctx context.Context) (string, error) {
	folder, err := b.service.Files.Get(b.cfg.FolderID).
		Fields("id", "name").
		Context(ctx).
		Do()
	if err != nil {
		return "", classifyDriveErr("get folder", err)
	}
	return fmt.Sprintf("google drive folder %q is accessible", folder.Name), nil
}
