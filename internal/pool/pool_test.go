package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	mu   sync.Mutex
	msgs [][]byte
	fail bool
}

func (c *recordingConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("connection reset")
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *recordingConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func newStartedPool(t *testing.T) *ConnectionPool {
	t.Helper()
	p := NewConnectionPool("test")
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func TestBroadcastReachesSubscribersExceptExcluded(t *testing.T) {
	p := newStartedPool(t)
	alice, bob, carol := &recordingConn{}, &recordingConn{}, &recordingConn{}

	p.AddConnection("alice", alice)
	p.AddConnection("bob", bob)
	p.AddConnection("carol", carol)
	p.Subscribe("alice", "session:1:edits")
	p.Subscribe("bob", "session:1:edits")
	p.Subscribe("carol", "session:1:chat")

	p.Broadcast([]byte(`{"type":"edit"}`), "session:1:edits", "alice")

	require.Eventually(t, func() bool { return bob.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, alice.count())
	assert.Equal(t, 0, carol.count())
}

func TestBroadcastSurvivesFailingSubscriber(t *testing.T) {
	p := newStartedPool(t)
	broken, healthy := &recordingConn{fail: true}, &recordingConn{}

	p.AddConnection("broken", broken)
	p.AddConnection("healthy", healthy)
	p.Subscribe("broken", "t")
	p.Subscribe("healthy", "t")

	p.Broadcast([]byte("one"), "t", "")
	p.Broadcast([]byte("two"), "t", "")

	require.Eventually(t, func() bool { return healthy.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestSubscriptionsFollowConnections(t *testing.T) {
	p := NewConnectionPool("test")
	p.Subscribe("ghost", "t")
	assert.Empty(t, p.TopicSubscribers("t"))

	p.AddConnection("a", &recordingConn{})
	p.Subscribe("a", "t1")
	p.Subscribe("a", "t2")
	assert.Equal(t, []string{"t1", "t2"}, p.ClientSubscriptions("a"))
	assert.Equal(t, []string{"a"}, p.TopicSubscribers("t1"))

	p.Unsubscribe("a", "t1")
	assert.Empty(t, p.TopicSubscribers("t1"))

	p.RemoveConnection("a")
	assert.Empty(t, p.TopicSubscribers("t2"))
	assert.Nil(t, p.ClientSubscriptions("a"))
	assert.Equal(t, 0, p.ConnectionCount())
}

func TestSendToClient(t *testing.T) {
	p := NewConnectionPool("test")
	ok := &recordingConn{}
	p.AddConnection("ok", ok)
	p.AddConnection("bad", &recordingConn{fail: true})

	assert.True(t, p.SendToClient("ok", []byte("hi")))
	assert.False(t, p.SendToClient("bad", []byte("hi")))
	assert.False(t, p.SendToClient("missing", []byte("hi")))
	assert.Equal(t, 1, ok.count())
}

func TestManagerPlacement(t *testing.T) {
	m := NewManager(Options{MaxPools: 2, MaxConnectionsPerPool: 1})
	t.Cleanup(m.Stop)

	p1 := m.PoolForSession("s1")
	assert.Same(t, p1, m.PoolForSession("s1"), "a session keeps its pool")

	// p1 still has room, so s2 shares it.
	assert.Same(t, p1, m.PoolForSession("s2"))

	p1.AddConnection("c1", &recordingConn{})
	p2 := m.PoolForSession("s3")
	assert.NotSame(t, p1, p2, "full pool forces a new one")

	p2.AddConnection("c2", &recordingConn{})
	overflow := m.PoolForSession("s4")
	assert.Same(t, p2, overflow, "at the pool cap the least-used pool takes the overflow")

	stats := m.Stats()
	assert.Equal(t, 2, stats.TotalPools)
	assert.Equal(t, 4, stats.TotalSessions)
	assert.Equal(t, 2, stats.TotalConnections)
}

func TestManagerClientRegistration(t *testing.T) {
	m := NewManager(Options{})
	t.Cleanup(m.Stop)

	_, ok := m.RegisterClient("c1", "unknown-session")
	assert.False(t, ok)

	p := m.PoolForSession("s1")
	registered, ok := m.RegisterClient("c1", "s1")
	require.True(t, ok)
	assert.Same(t, p, registered)

	p.AddConnection("c1", &recordingConn{})
	found, ok := m.PoolForClient("c1")
	require.True(t, ok)
	assert.Same(t, p, found)

	m.ReleaseClient("c1")
	_, ok = m.PoolForClient("c1")
	assert.False(t, ok)
	assert.Equal(t, 0, p.ConnectionCount())
}

func TestReleaseConnectionKeepsReplacement(t *testing.T) {
	m := NewManager(Options{})
	t.Cleanup(m.Stop)

	p := m.PoolForSession("s1")
	_, ok := m.RegisterClient("c1", "s1")
	require.True(t, ok)
	old, fresh := &recordingConn{}, &recordingConn{}
	p.AddConnection("c1", old)
	p.Subscribe("c1", "edits")
	p.AddConnection("c1", fresh)

	assert.False(t, m.ReleaseConnection("c1", old))
	found, ok := m.PoolForClient("c1")
	require.True(t, ok)
	assert.Same(t, p, found)
	assert.Equal(t, []string{"c1"}, p.TopicSubscribers("edits"))
	require.True(t, p.SendToClient("c1", []byte("hi")))
	assert.Equal(t, 1, fresh.count())
	assert.Equal(t, 0, old.count())

	assert.True(t, m.ReleaseConnection("c1", fresh))
	_, ok = m.PoolForClient("c1")
	assert.False(t, ok)
	assert.Equal(t, 0, p.ConnectionCount())
	assert.False(t, m.ReleaseConnection("c1", fresh))
}

func TestSweepIdleOnlyReclaimsEmptyIdlePools(t *testing.T) {
	m := NewManager(Options{IdleTimeout: time.Minute})
	t.Cleanup(m.Stop)

	busy := m.PoolForSession("busy")
	busy.AddConnection("c1", &recordingConn{})
	idle := m.PoolForSession("idle")
	require.Same(t, busy, idle, "least-used placement shares the first pool")

	m.ReleaseSession("idle")
	m.ReleaseSession("busy")
	busy.RemoveConnection("c1")

	old := time.Now().Add(-2 * time.Minute)
	busy.setLastActivity(old)

	p2 := NewConnectionPool("extra")
	p2.AddConnection("c9", &recordingConn{})
	p2.setLastActivity(old)
	m.mu.Lock()
	m.pools[p2.ID()] = p2
	m.sessionToPool["other"] = p2.ID()
	m.mu.Unlock()

	assert.Equal(t, 1, m.SweepIdle(time.Now()))

	stats := m.Stats()
	require.Equal(t, 1, stats.TotalPools)
	assert.Equal(t, "extra", stats.Pools[0].PoolID)
}

func TestManagerStartStop(t *testing.T) {
	m := NewManager(Options{SweepInterval: 5 * time.Millisecond, IdleTimeout: time.Millisecond})
	m.Start(context.Background())

	p := m.PoolForSession("s1")
	p.setLastActivity(time.Now().Add(-time.Hour))

	require.Eventually(t, func() bool { return m.Stats().TotalPools == 0 }, time.Second, 5*time.Millisecond)
	m.Stop()
}
