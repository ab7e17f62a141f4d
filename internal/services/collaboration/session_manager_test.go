package collaboration

import (
	"context"
	"testing"
	"time"

	apperrors "collab-engine/internal/errors"
	"collab-engine/internal/pool"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*SessionManager, *pool.Manager) {
	t.Helper()
	pools := pool.NewManager(pool.Options{})
	m := NewSessionManager(pools, ManagerOptions{EmptySessionTTL: time.Minute})
	t.Cleanup(func() {
		m.Shutdown()
		pools.Stop()
	})
	return m, pools
}

func TestGetOrCreateSession(t *testing.T) {
	m, _ := newTestManager(t)

	s, created := m.GetOrCreateSession("room", "Room")
	require.True(t, created)
	assert.Equal(t, "Room", s.Name)
	assert.NotNil(t, s.Pool(), "new sessions get a pool")

	again, created := m.GetOrCreateSession("room", "ignored")
	assert.False(t, created)
	assert.Same(t, s, again)

	generated, created := m.GetOrCreateSession("", "")
	assert.True(t, created)
	assert.NotEmpty(t, generated.ID)
	assert.NotEqual(t, "room", generated.ID)

	got, ok := m.GetSession("room")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, 2, m.SessionCount())
}

func TestRegisterClientWithPool(t *testing.T) {
	m, pools := newTestManager(t)

	err := m.RegisterClientWithPool("missing", "c1", &fakeConn{})
	assert.True(t, apperrors.Is(err, apperrors.ErrSessionNotFound))

	s := m.CreateSession("demo")
	conn := &fakeConn{}
	require.NoError(t, m.RegisterClientWithPool(s.ID, "c1", conn))

	p, ok := pools.PoolForClient("c1")
	require.True(t, ok)
	assert.ElementsMatch(t, SessionTopics(s.ID), p.ClientSubscriptions("c1"))
	assert.Equal(t, 1, p.ConnectionCount())

	m.UnregisterClient("c1")
	assert.Equal(t, 0, p.ConnectionCount())
}

func TestRegisterClientReattachesReclaimedPool(t *testing.T) {
	m, pools := newTestManager(t)
	s := m.CreateSession("demo")
	first := s.Pool()

	// Nobody is connected, so a sweep far in the future reclaims the pool.
	require.Equal(t, 1, pools.SweepIdle(time.Now().Add(time.Hour)))

	require.NoError(t, m.RegisterClientWithPool(s.ID, "c1", &fakeConn{}))
	assert.NotEqual(t, first.ID(), s.Pool().ID())
}

func TestSweepEmptySessions(t *testing.T) {
	m, pools := newTestManager(t)
	busy := m.CreateSession("busy")
	busy.AddUser("c1", "Alice", &fakeConn{})
	empty := m.CreateSession("empty")

	var removed []string
	m.OnSessionRemoved(func(id string) { removed = append(removed, id) })

	assert.Equal(t, 0, m.SweepEmptySessions(time.Now()), "young sessions are kept")
	assert.Equal(t, 1, m.SweepEmptySessions(time.Now().Add(2*time.Minute)))

	_, ok := m.GetSession(empty.ID)
	assert.False(t, ok)
	_, ok = m.GetSession(busy.ID)
	assert.True(t, ok)
	assert.Equal(t, []string{empty.ID}, removed)
	assert.Equal(t, 1, pools.Stats().TotalSessions)
}

func TestGetAllSessionsAndStats(t *testing.T) {
	m, _ := newTestManager(t)
	a := m.CreateSession("a")
	a.AddUser("c1", "Alice", &fakeConn{})
	bob := &fakeConn{}
	a.AddUser("c2", "Bob", bob)
	a.MarkDisconnected("c2", bob)
	m.CreateSession("b")

	infos := m.GetAllSessions()
	require.Len(t, infos, 2)

	byName := map[string]int{}
	for i, info := range infos {
		byName[info.Name] = i
	}
	assert.Equal(t, 2, infos[byName["a"]].UserCount)
	assert.Equal(t, 1, infos[byName["a"]].ActiveUsers)
	assert.NotEmpty(t, infos[byName["a"]].PoolID)

	stats := m.GetPerformanceStats()
	assert.Equal(t, 2, stats.Sessions)
	assert.Equal(t, 2, stats.Users)
	assert.Equal(t, 1, stats.ActiveUsers)
	require.NotNil(t, stats.Pools)
	assert.Equal(t, 2, stats.Pools.TotalSessions)
	assert.Contains(t, stats.Operations, "session.add_user")
}

func TestManagerStartAndShutdown(t *testing.T) {
	m := NewSessionManager(nil, ManagerOptions{
		CleanupInterval: 5 * time.Millisecond,
		EmptySessionTTL: time.Nanosecond,
		MonitorInterval: 5 * time.Millisecond,
	})
	m.Start(context.Background())

	s := m.CreateSession("short lived")
	assert.Nil(t, s.Pool(), "no pool manager means direct sends")

	require.Eventually(t, func() bool { return m.SessionCount() == 0 }, time.Second, 5*time.Millisecond)
	m.Shutdown()
}
