package backup

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dbkeep-io/dbkeep/internal/db"
	"github.com/dbkeep-io/dbkeep/internal/repositories"
	"github.com/dbkeep-io/dbkeep/internal/storage"
)

// Resolver turns a destination id (a stored Destination's UUID or the
// builtin local id) into a live storage backend, going through the client
// pool so SFTP sessions and Drive services are reused across runs.
type Resolver struct {
	Destinations repositories.DestinationRepository
	Factory      *storage.Factory
	Pool         *storage.Pool
}

// Resolve returns the destination's display name, its backend, and a
// release the caller must invoke once it is done with the backend so the
// pool can evict safely. The release is never nil.
func (r *Resolver) Resolve(ctx context.Context, destinationID string) (string, storage.Backend, func(), error) {
	if destinationID == db.BuiltinLocalDestinationID {
		backend, release, err := r.Pool.Get(ctx, destinationID, func(ctx context.Context) (storage.Backend, error) {
			return r.Factory.BuiltinLocal(), nil
		})
		return "local", backend, release, err
	}

	id, err := uuid.Parse(destinationID)
	if err != nil {
		return "", nil, func() {}, fmt.Errorf("backup: destination %q: %w", destinationID, repositories.ErrNotFound)
	}
	dest, err := r.Destinations.GetByID(ctx, id)
	if err != nil {
		return "", nil, func() {}, err
	}
	if !dest.IsActive {
		return dest.Name, nil, func() {}, fmt.Errorf("backup: destination %s is disabled", dest.Name)
	}

	backend, release, err := r.Pool.Get(ctx, destinationID, func(ctx context.Context) (storage.Backend, error) {
		return r.Factory.FromDestination(ctx, dest)
	})
	return dest.Name, backend, release, err
}

// Invalidate drops a pooled client, forcing a rebuild on next use. Called
// when a destination's configuration changes.
func (r *Resolver) Invalidate(destinationID string) {
	r.Pool.Invalidate(destinationID)
}
