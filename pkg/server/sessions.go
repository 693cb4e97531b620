package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SpideXD/mcp-swarm/pkg/events"
	"github.com/SpideXD/mcp-swarm/pkg/logger"
	"github.com/SpideXD/mcp-swarm/pkg/supervisor"
)

// SessionInfo is the control-plane view of one client session.
type SessionInfo struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Stateful     int       `json:"stateful_instances"`
}

type session struct {
	id         string
	createdAt  time.Time
	lastActive time.Time
}

// sessionManager owns the session index and implements the MCP SDK's
// SessionIdManager so the streamable HTTP transport and the swarm share one
// notion of session lifetime. Teardown always routes through the
// supervisor so session-owned worker instances die with their session.
type sessionManager struct {
	sup         *supervisor.Supervisor
	bus         events.Bus
	maxSessions int
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionManager(sup *supervisor.Supervisor, bus events.Bus, maxSessions int, idleTimeout time.Duration) *sessionManager {
	return &sessionManager{
		sup:         sup,
		bus:         bus,
		maxSessions: maxSessions,
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*session),
	}
}

// Generate mints a fresh session id. Called by the SDK on an initialize
// request without a session header; the capacity check already happened in
// the HTTP middleware.
func (m *sessionManager) Generate() string {
	id := uuid.New().String()
	now := time.Now()

	m.mu.Lock()
	m.sessions[id] = &session{id: id, createdAt: now, lastActive: now}
	m.mu.Unlock()

	m.bus.Publish(events.TypeSessionOpened, map[string]any{"session_id": id})
	logger.Infow("session opened", "session", id)
	return id
}

// Validate checks a session id on every request carrying one, and doubles
// as the activity clock for idle GC.
func (m *sessionManager) Validate(sessionID string) (isTerminated bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return false, fmt.Errorf("session %s not found", sessionID)
	}
	sess.lastActive = time.Now()
	return false, nil
}

// Terminate ends a session at the client's request (DELETE /mcp).
func (m *sessionManager) Terminate(sessionID string) (isNotAllowed bool, err error) {
	if !m.teardown(sessionID, "client_request") {
		return false, fmt.Errorf("session %s not found", sessionID)
	}
	return false, nil
}

// exists reports whether a session id is live, without touching the
// activity clock.
func (m *sessionManager) exists(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionID]
	return ok
}

func (m *sessionManager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// atCapacity reports whether a new session would exceed the cap.
func (m *sessionManager) atCapacity() bool {
	return m.count() >= m.maxSessions
}

// teardown removes the session and releases everything it owns. Reports
// whether the session existed.
func (m *sessionManager) teardown(sessionID, reason string) bool {
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return false
	}

	m.sup.ReleaseSession(sessionID)
	m.bus.Publish(events.TypeSessionClosed, map[string]any{"session_id": sessionID, "reason": reason})
	logger.Infow("session closed", "session", sessionID, "reason", reason)
	return true
}

// gcLoop tears down idle sessions on the configured cadence.
func (m *sessionManager) gcLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.gc(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (m *sessionManager) gc(now time.Time) {
	m.mu.Lock()
	var idle []string
	for id, sess := range m.sessions {
		if now.Sub(sess.lastActive) >= m.idleTimeout {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		logger.Infow("reaping idle session", "session", id)
		m.teardown(id, "idle_timeout")
	}
}

// closeAll tears down every session; used on daemon shutdown.
func (m *sessionManager) closeAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.teardown(id, "shutdown")
	}
}

// list returns session metadata sorted by creation time.
func (m *sessionManager) list() []SessionInfo {
	m.mu.Lock()
	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, sess := range m.sessions {
		infos = append(infos, SessionInfo{
			ID:           sess.id,
			CreatedAt:    sess.createdAt,
			LastActiveAt: sess.lastActive,
		})
	}
	m.mu.Unlock()

	for i := range infos {
		infos[i].Stateful = m.sup.SessionInstanceCount(infos[i].ID)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos
}
