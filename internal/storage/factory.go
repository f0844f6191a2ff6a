package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dbkeep-io/dbkeep/internal/db"
)

// Factory converts destination records into backends. It centralizes
// provider selection so the pipeline, restore flow, and API endpoints all
// build backends the same way.
type Factory struct {
	// LocalRoot is the base directory of the built-in "__local__"
	// destination and the default for local destinations without a path.
	LocalRoot string
}

// BuiltinLocal returns the backend of the built-in local destination.
func (f *Factory) BuiltinLocal() Backend {
	return NewLocalBackend(f.LocalRoot)
}

// FromDestination builds a backend from a destination record, opening its
// sealed secrets in the process. The secrets never leave this call except
// inside the returned backend.
func (f *Factory) FromDestination(ctx context.Context, dest *db.Destination) (Backend, error) {
	var cfg map[string]any
	if err := json.Unmarshal([]byte(orEmptyJSON(dest.Config)), &cfg); err != nil {
		return nil, Permanent(fmt.Errorf("storage: destination %s: bad config: %w", dest.Name, err))
	}
	var secrets map[string]any
	if err := json.Unmarshal([]byte(orEmptyJSON(string(dest.Secrets))), &secrets); err != nil {
		return nil, Permanent(fmt.Errorf("storage: destination %s: bad secrets: %w", dest.Name, err))
	}

	switch dest.DestinationType {
	case db.DestTypeLocal:
		root := stringOr(cfg, "path", f.LocalRoot)
		return NewLocalBackend(root), nil

	case db.DestTypeSFTP:
		return NewSFTPBackend(SFTPConfig{
			Host:                 stringOr(cfg, "host", ""),
			Port:                 intOr(cfg, "port", 22),
			Username:             stringOr(cfg, "username", ""),
			BasePath:             stringOr(cfg, "path", stringOr(cfg, "base_path", "/backups")),
			Password:             stringOr(secrets, "password", ""),
			PrivateKey:           stringOr(secrets, "private_key", ""),
			PrivateKeyPassphrase: stringOr(secrets, "private_key_passphrase", ""),
		}), nil

	case db.DestTypeGoogleDrive:
		return NewDriveBackend(ctx, DriveConfig{
			ServiceAccountJSON: stringOr(secrets, "service_account_json", ""),
			FolderID:           stringOr(cfg, "folder_id", ""),
			ImpersonateSubject: stringOr(cfg, "impersonate_subject", ""),
		})

	default:
		return nil, Permanent(fmt.Errorf("storage: unsupported destination type %q", dest.DestinationType))
	}
}

func orEmptyJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

func stringOr(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intOr(m map[string]any, key string, fallback int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}
