package store

import (
	"context"
	"sync"

	"github.com/SpideXD/mcp-swarm/pkg/profiles"
	"github.com/SpideXD/mcp-swarm/pkg/workers"
)

// MemStore is an in-memory Store used by tests. Nothing stored in it
// outlives the process.
type MemStore struct {
	mu           sync.RWMutex
	workers      map[string]*workers.Config
	pids         map[string]int
	userProfiles map[string]*profiles.Bundle
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		workers:      make(map[string]*workers.Config),
		pids:         make(map[string]int),
		userProfiles: make(map[string]*profiles.Bundle),
	}
}

// UpsertWorker stores a copy of cfg under its name.
func (m *MemStore) UpsertWorker(_ context.Context, cfg *workers.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[cfg.Name] = cfg.Clone()
	return nil
}

// GetWorker returns a copy of the stored config.
func (m *MemStore) GetWorker(_ context.Context, name string) (*workers.Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.workers[name]
	if !ok {
		return nil, ErrNotFound
	}
	return cfg.Clone(), nil
}

// ListWorkers returns copies of all stored configs.
func (m *MemStore) ListWorkers(_ context.Context) ([]*workers.Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*workers.Config, 0, len(m.workers))
	for _, cfg := range m.workers {
		out = append(out, cfg.Clone())
	}
	return out, nil
}

// DeleteWorker removes the config under name.
func (m *MemStore) DeleteWorker(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, name)
	return nil
}

// SetPID records a process id.
func (m *MemStore) SetPID(_ context.Context, name string, pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pids[name] = pid
	return nil
}

// ListPIDs returns a copy of the pid table.
func (m *MemStore) ListPIDs(_ context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(m.pids))
	for k, v := range m.pids {
		out[k] = v
	}
	return out, nil
}

// DeletePID forgets one pid record.
func (m *MemStore) DeletePID(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pids, name)
	return nil
}

// ClearPIDs empties the pid table.
func (m *MemStore) ClearPIDs(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pids = make(map[string]int)
	return nil
}

// UpsertProfile stores a user bundle.
func (m *MemStore) UpsertProfile(_ context.Context, bundle *profiles.Bundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *bundle
	copied.Entries = append([]profiles.Entry(nil), bundle.Entries...)
	m.userProfiles[bundle.Name] = &copied
	return nil
}

// GetProfile returns one user bundle.
func (m *MemStore) GetProfile(_ context.Context, name string) (*profiles.Bundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bundle, ok := m.userProfiles[name]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *bundle
	copied.Entries = append([]profiles.Entry(nil), bundle.Entries...)
	return &copied, nil
}

// ListProfiles returns all user bundles.
func (m *MemStore) ListProfiles(_ context.Context) ([]*profiles.Bundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*profiles.Bundle, 0, len(m.userProfiles))
	for _, bundle := range m.userProfiles {
		copied := *bundle
		copied.Entries = append([]profiles.Entry(nil), bundle.Entries...)
		out = append(out, &copied)
	}
	return out, nil
}

// DeleteProfile removes a user bundle.
func (m *MemStore) DeleteProfile(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.userProfiles, name)
	return nil
}

// Close is a no-op.
func (m *MemStore) Close() error { return nil }
