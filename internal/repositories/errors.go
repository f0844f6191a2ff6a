package repositories

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	target, err := repo.GetByID(ctx, id)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint, for example when creating a target with a name that already
// exists.
var ErrConflict = errors.New("record already exists")

// ErrInUse is returned when deleting a record that is still referenced by
// another one, for example a target or destination referenced by a schedule.
var ErrInUse = errors.New("record is referenced by a schedule")
