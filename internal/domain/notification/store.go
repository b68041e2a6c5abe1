package notification

import (
	"context"
	"time"
)

// Store defines the contract for persisting notification records.
// Implementations live in infra/store/ (memory, SQL, Supabase).
type Store interface {
	// Create inserts a new record. The caller assigns the id.
	Create(ctx context.Context, n *Notification) error

	// GetByID returns a NotFoundError when the id is unknown.
	GetByID(ctx context.Context, id string) (*Notification, error)

	// List returns one page of records matching the filter, newest first, and the total match count.
	List(ctx context.Context, filter ListFilter) ([]*Notification, int, error)

	// Update persists n only if the stored record still has status expected and
	// version n.Version. On success n.Version is incremented. A lost race
	// returns a ConflictError and leaves the stored record untouched.
	Update(ctx context.Context, n *Notification, expected Status) error

	// Delete removes a record. Returns a NotFoundError when the id is unknown.
	Delete(ctx context.Context, id string) error

	// Purge deletes records created before olderThan and returns them.
	Purge(ctx context.Context, olderThan time.Time) ([]*Notification, error)

	// ListStale returns up to limit PENDING records that were claimed before
	// olderThan, fell due before olderThan, or have neither a claim nor a due
	// time and were last updated before olderThan. Used by the reaper.
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*Notification, error)
}
