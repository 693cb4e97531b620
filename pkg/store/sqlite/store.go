// Package sqlite is the embedded persistence gateway implementation. One
// database file holds the three logical tables: workers, process_ids and
// user_profiles. The file runs in WAL mode; the pool holds a single
// connection, so every statement, read or write, is serialized.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/SpideXD/mcp-swarm/pkg/profiles"
	"github.com/SpideXD/mcp-swarm/pkg/store"
	"github.com/SpideXD/mcp-swarm/pkg/workers"
)

// Store implements store.Store over a single sqlite database file.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open creates or opens the database at path and applies pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?%s", path, url.Values{
		"_pragma": []string{
			"journal_mode(WAL)",
			"busy_timeout(5000)",
			"foreign_keys(ON)",
			"synchronous(NORMAL)",
		},
	}.Encode())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection serializes every statement, reads included.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertWorker stores or replaces the config under its name.
func (s *Store) UpsertWorker(ctx context.Context, cfg *workers.Config) error {
	args, err := json.Marshal(cfg.Args)
	if err != nil {
		return fmt.Errorf("encoding args: %w", err)
	}
	env, err := json.Marshal(orEmpty(cfg.Env))
	if err != nil {
		return fmt.Errorf("encoding env: %w", err)
	}
	headers, err := json.Marshal(orEmpty(cfg.Headers))
	if err != nil {
		return fmt.Errorf("encoding headers: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workers (name, transport, command, args, env, url, headers, description, stateful)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			transport = excluded.transport,
			command = excluded.command,
			args = excluded.args,
			env = excluded.env,
			url = excluded.url,
			headers = excluded.headers,
			description = excluded.description,
			stateful = excluded.stateful,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
		cfg.Name, string(cfg.Transport), cfg.Command, string(args), string(env),
		cfg.URL, string(headers), cfg.Description, boolInt(cfg.Stateful),
	)
	if err != nil {
		return fmt.Errorf("upserting worker %s: %w", cfg.Name, err)
	}
	return nil
}

const workerColumns = `name, transport, command, args, env, url, headers, description, stateful`

func scanWorker(row interface{ Scan(...any) error }) (*workers.Config, error) {
	var (
		cfg                workers.Config
		transport          string
		args, env, headers string
		stateful           int
	)
	if err := row.Scan(&cfg.Name, &transport, &cfg.Command, &args, &env, &cfg.URL, &headers, &cfg.Description, &stateful); err != nil {
		return nil, err
	}
	cfg.Transport = workers.Transport(transport)
	cfg.Stateful = stateful != 0
	if err := json.Unmarshal([]byte(args), &cfg.Args); err != nil {
		return nil, fmt.Errorf("decoding args for %s: %w", cfg.Name, err)
	}
	if err := json.Unmarshal([]byte(env), &cfg.Env); err != nil {
		return nil, fmt.Errorf("decoding env for %s: %w", cfg.Name, err)
	}
	if err := json.Unmarshal([]byte(headers), &cfg.Headers); err != nil {
		return nil, fmt.Errorf("decoding headers for %s: %w", cfg.Name, err)
	}
	if len(cfg.Env) == 0 {
		cfg.Env = nil
	}
	if len(cfg.Headers) == 0 {
		cfg.Headers = nil
	}
	return &cfg, nil
}

// GetWorker fetches one config by name.
func (s *Store) GetWorker(ctx context.Context, name string) (*workers.Config, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE name = ?`, name)
	cfg, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting worker %s: %w", name, err)
	}
	return cfg, nil
}

// ListWorkers returns all persisted configs ordered by name.
func (s *Store) ListWorkers(ctx context.Context) ([]*workers.Config, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing workers: %w", err)
	}
	defer rows.Close()

	var configs []*workers.Config
	for rows.Next() {
		cfg, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// DeleteWorker removes the config under name, if any.
func (s *Store) DeleteWorker(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE name = ?`, name); err != nil {
		return fmt.Errorf("deleting worker %s: %w", name, err)
	}
	return nil
}

// SetPID records the last-known process id for a worker.
func (s *Store) SetPID(ctx context.Context, name string, pid int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO process_ids (name, pid) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET pid = excluded.pid`, name, pid)
	if err != nil {
		return fmt.Errorf("recording pid for %s: %w", name, err)
	}
	return nil
}

// ListPIDs returns all recorded process ids.
func (s *Store) ListPIDs(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, pid FROM process_ids`)
	if err != nil {
		return nil, fmt.Errorf("listing pids: %w", err)
	}
	defer rows.Close()

	pids := make(map[string]int)
	for rows.Next() {
		var name string
		var pid int
		if err := rows.Scan(&name, &pid); err != nil {
			return nil, err
		}
		pids[name] = pid
	}
	return pids, rows.Err()
}

// DeletePID forgets the recorded process id for one worker.
func (s *Store) DeletePID(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM process_ids WHERE name = ?`, name); err != nil {
		return fmt.Errorf("deleting pid for %s: %w", name, err)
	}
	return nil
}

// ClearPIDs empties the process id table.
func (s *Store) ClearPIDs(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM process_ids`); err != nil {
		return fmt.Errorf("clearing pids: %w", err)
	}
	return nil
}

// UpsertProfile stores or replaces a user bundle.
func (s *Store) UpsertProfile(ctx context.Context, bundle *profiles.Bundle) error {
	entries, err := json.Marshal(bundle.Entries)
	if err != nil {
		return fmt.Errorf("encoding entries: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (name, description, entries) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			entries = excluded.entries,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
		bundle.Name, bundle.Description, string(entries))
	if err != nil {
		return fmt.Errorf("upserting profile %s: %w", bundle.Name, err)
	}
	return nil
}

func scanProfile(row interface{ Scan(...any) error }) (*profiles.Bundle, error) {
	var bundle profiles.Bundle
	var entries string
	if err := row.Scan(&bundle.Name, &bundle.Description, &entries); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(entries), &bundle.Entries); err != nil {
		return nil, fmt.Errorf("decoding entries for %s: %w", bundle.Name, err)
	}
	return &bundle, nil
}

// GetProfile fetches one user bundle by name.
func (s *Store) GetProfile(ctx context.Context, name string) (*profiles.Bundle, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, description, entries FROM user_profiles WHERE name = ?`, name)
	bundle, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting profile %s: %w", name, err)
	}
	return bundle, nil
}

// ListProfiles returns all user bundles ordered by name.
func (s *Store) ListProfiles(ctx context.Context) ([]*profiles.Bundle, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, description, entries FROM user_profiles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}
	defer rows.Close()

	var bundles []*profiles.Bundle
	for rows.Next() {
		bundle, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, bundle)
	}
	return bundles, rows.Err()
}

// DeleteProfile removes a user bundle, if any.
func (s *Store) DeleteProfile(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_profiles WHERE name = ?`, name); err != nil {
		return fmt.Errorf("deleting profile %s: %w", name, err)
	}
	return nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
