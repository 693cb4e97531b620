package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SpideXD/mcp-swarm/pkg/events"
	"github.com/SpideXD/mcp-swarm/pkg/store"
	"github.com/SpideXD/mcp-swarm/pkg/supervisor"
	"github.com/SpideXD/mcp-swarm/pkg/workers"
)

func newTestSessionManager(t *testing.T, maxSessions int, idle time.Duration) (*sessionManager, *supervisor.Supervisor, events.Bus) {
	t.Helper()
	st := store.NewMemStore()
	bus := events.NewMemBus(events.MemBusConfig{})
	t.Cleanup(func() { _ = bus.Close() })

	sup := supervisor.New(st, bus, stubFactory, supervisor.Options{})
	t.Cleanup(sup.StopAll)

	return newSessionManager(sup, bus, maxSessions, idle), sup, bus
}

func TestSessionGenerateValidateTerminate(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestSessionManager(t, 50, time.Hour)

	id := m.Generate()
	require.NotEmpty(t, id)
	assert.Equal(t, 1, m.count())

	terminated, err := m.Validate(id)
	require.NoError(t, err)
	assert.False(t, terminated)

	notAllowed, err := m.Terminate(id)
	require.NoError(t, err)
	assert.False(t, notAllowed)
	assert.Zero(t, m.count())

	_, err = m.Validate(id)
	assert.Error(t, err, "terminated session must not validate")
}

func TestValidateUnknownSession(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestSessionManager(t, 50, time.Hour)
	_, err := m.Validate("nope")
	assert.Error(t, err)
}

func TestTerminateUnknownSession(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestSessionManager(t, 50, time.Hour)
	_, err := m.Terminate("nope")
	assert.Error(t, err)
}

func TestSessionCapacity(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestSessionManager(t, 3, time.Hour)
	for i := 0; i < 3; i++ {
		assert.False(t, m.atCapacity())
		m.Generate()
	}
	assert.True(t, m.atCapacity())
}

func TestSessionEventsEmitted(t *testing.T) {
	t.Parallel()

	m, _, bus := newTestSessionManager(t, 50, time.Hour)
	sub := bus.Subscribe()
	defer sub.Close()

	id := m.Generate()
	_, _ = m.Terminate(id)

	var seen []events.Type
	timeout := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-sub.Events():
			seen = append(seen, ev.Type)
		case <-timeout:
			t.Fatalf("saw only %v", seen)
		}
	}
	assert.Equal(t, []events.Type{events.TypeSessionOpened, events.TypeSessionClosed}, seen)
}

func TestSessionTeardownReleasesWorkers(t *testing.T) {
	t.Parallel()

	m, sup, _ := newTestSessionManager(t, 50, time.Hour)

	cfg := &workers.Config{Name: "browser", Transport: workers.TransportStdio, Command: "x", Stateful: true}
	_, err := sup.Declare(context.Background(), cfg)
	require.NoError(t, err)

	id := m.Generate()
	_, err = sup.CallQueued(context.Background(), "browser", "navigate", nil, id)
	require.NoError(t, err)
	require.Equal(t, 1, sup.SessionInstanceCount(id))

	_, err = m.Terminate(id)
	require.NoError(t, err)

	assert.Zero(t, sup.SessionInstanceCount(id))
	_, ok := sup.Get(workers.SessionName("browser", id))
	assert.False(t, ok, "session instance must die with the session")
}

func TestSessionIdleGC(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestSessionManager(t, 50, 10*time.Millisecond)

	id := m.Generate()
	time.Sleep(20 * time.Millisecond)
	m.gc(time.Now())

	assert.Zero(t, m.count())
	_, err := m.Validate(id)
	assert.Error(t, err)
}

func TestSessionGCSparesActive(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestSessionManager(t, 50, time.Hour)
	m.Generate()
	m.gc(time.Now())
	assert.Equal(t, 1, m.count())
}

func TestCloseAll(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestSessionManager(t, 50, time.Hour)
	for i := 0; i < 5; i++ {
		m.Generate()
	}
	m.closeAll()
	assert.Zero(t, m.count())
}

func TestSessionListMetadata(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestSessionManager(t, 50, time.Hour)
	first := m.Generate()
	time.Sleep(time.Millisecond)
	m.Generate()

	infos := m.list()
	require.Len(t, infos, 2)
	assert.Equal(t, first, infos[0].ID, "list is ordered by creation time")
	assert.False(t, infos[0].CreatedAt.IsZero())
}
