// Package store defines the persistence gateway contract. The supervisor
// and control plane only see these interfaces; the sqlite subpackage is the
// embedded implementation.
//
// Concurrency contract: implementations must support concurrent reads and
// serialize writes internally.
package store

import (
	"context"

	"github.com/SpideXD/mcp-swarm/pkg/profiles"
	"github.com/SpideXD/mcp-swarm/pkg/workers"
)

// WorkerStore persists declared worker configurations, keyed by name.
type WorkerStore interface {
	UpsertWorker(ctx context.Context, cfg *workers.Config) error
	// GetWorker returns ErrNotFound when no config is stored under name.
	GetWorker(ctx context.Context, name string) (*workers.Config, error)
	ListWorkers(ctx context.Context) ([]*workers.Config, error)
	// DeleteWorker is idempotent; deleting an absent name is not an error.
	DeleteWorker(ctx context.Context, name string) error
}

// PIDStore remembers the last-known process id per stdio worker so that a
// restarted daemon can clean up orphans.
type PIDStore interface {
	SetPID(ctx context.Context, name string, pid int) error
	ListPIDs(ctx context.Context) (map[string]int, error)
	DeletePID(ctx context.Context, name string) error
	ClearPIDs(ctx context.Context) error
}

// ProfileStore persists user-defined profile bundles.
type ProfileStore interface {
	UpsertProfile(ctx context.Context, bundle *profiles.Bundle) error
	// GetProfile returns ErrNotFound when no bundle is stored under name.
	GetProfile(ctx context.Context, name string) (*profiles.Bundle, error)
	ListProfiles(ctx context.Context) ([]*profiles.Bundle, error)
	// DeleteProfile is idempotent.
	DeleteProfile(ctx context.Context, name string) error
}

// Store is the full persistence gateway.
type Store interface {
	WorkerStore
	PIDStore
	ProfileStore

	Close() error
}
