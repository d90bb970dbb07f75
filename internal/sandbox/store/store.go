// Package store persists sandbox records. Records are retained after
// termination for audit; liveness is tracked by the state column.
package store

import (
	"context"
	"time"
)

// Sandbox lifecycle states.
const (
	StateCreating   = "creating"
	StateRunning    = "running"
	StatePaused     = "paused"
	StateTerminated = "terminated"
)

// Sandbox is the durable record of one provider-backed execution environment.
// ProviderRef is the provider-side identifier (sprite name or container id).
type Sandbox struct {
	ID           string    `db:"id" json:"id"`
	ProjectID    string    `db:"project_id" json:"project_id"`
	Provider     string    `db:"provider" json:"provider"`
	ProviderRef  string    `db:"provider_ref" json:"provider_ref"`
	State        string    `db:"state" json:"state"`
	PreviewURL   string    `db:"preview_url" json:"preview_url,omitempty"`
	LastActiveAt time.Time `db:"last_active_at" json:"last_active_at"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Store is the persistence interface for sandbox records.
type Store interface {
	// Upsert inserts the record or replaces an existing row with the same id.
	Upsert(ctx context.Context, sb *Sandbox) error

	Get(ctx context.Context, id string) (*Sandbox, error)

	// GetActiveByProject returns the project's non-terminated sandbox, or a
	// not found error when none exists.
	GetActiveByProject(ctx context.Context, projectID string) (*Sandbox, error)

	// ListByStateOlderThan returns sandboxes in the given state whose
	// last_active_at is before the cutoff.
	ListByStateOlderThan(ctx context.Context, state string, cutoff time.Time) ([]*Sandbox, error)

	// Touch refreshes last_active_at to now.
	Touch(ctx context.Context, id string) error

	UpdateState(ctx context.Context, id, state string) error
	UpdatePreviewURL(ctx context.Context, id, url string) error
	Delete(ctx context.Context, id string) error
}
