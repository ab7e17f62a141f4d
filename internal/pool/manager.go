package pool

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"collab-engine/internal/telemetry"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const (
	DefaultMaxConnectionsPerPool = 100
	DefaultMaxPools              = 10
	DefaultIdleTimeout           = 300 * time.Second
	DefaultSweepInterval         = 60 * time.Second
)

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	MaxConnectionsPerPool int
	MaxPools              int
	IdleTimeout           time.Duration
	SweepInterval         time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConnectionsPerPool <= 0 {
		o.MaxConnectionsPerPool = DefaultMaxConnectionsPerPool
	}
	if o.MaxPools <= 0 {
		o.MaxPools = DefaultMaxPools
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	return o
}

// Manager balances sessions across a bounded set of pools.
type Manager struct {
	opts Options

	mu            sync.RWMutex
	pools         map[string]*ConnectionPool
	usage         map[string]int    // poolID -> sessions assigned
	sessionToPool map[string]string // sessionID -> poolID
	clientToPool  map[string]string // clientID -> poolID

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	return &Manager{
		opts:          opts.withDefaults(),
		pools:         make(map[string]*ConnectionPool),
		usage:         make(map[string]int),
		sessionToPool: make(map[string]string),
		clientToPool:  make(map[string]string),
	}
}

// Start launches the idle-pool sweep. It stops when ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := m.SweepIdle(now); n > 0 {
					log.Info("🧹 Reclaimed idle connection pools", "count", n)
				}
			}
		}
	}()

	log.Info("✓ Connection pool manager started",
		"max_pools", m.opts.MaxPools,
		"max_connections_per_pool", m.opts.MaxConnectionsPerPool)
}

// Stop cancels the sweep and stops every pool.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	pools := make([]*ConnectionPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	for _, p := range pools {
		p.Stop()
	}
	log.Info("✓ Connection pool manager stopped", "pools", len(pools))
}

// PoolForSession returns the session's pool, assigning one if it has none:
// the least-used pool with spare connections, else a new pool while under
// the pool cap, else the least-used pool even though it is full.
func (m *Manager) PoolForSession(sessionID string) *ConnectionPool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if poolID, ok := m.sessionToPool[sessionID]; ok {
		if p, ok := m.pools[poolID]; ok {
			return p
		}
	}

	var target *ConnectionPool
	minUsage := math.MaxInt
	for _, id := range m.sortedPoolIDsLocked() {
		p := m.pools[id]
		if u := m.usage[id]; u < minUsage && p.ConnectionCount() < m.opts.MaxConnectionsPerPool {
			minUsage = u
			target = p
		}
	}

	if target == nil && len(m.pools) < m.opts.MaxPools {
		target = NewConnectionPool(uuid.NewString())
		target.Start()
		m.pools[target.ID()] = target
		m.usage[target.ID()] = 0
		log.Info("✓ Created connection pool", "pool", target.ID(), "pools", len(m.pools))
	}

	if target == nil {
		minUsage = math.MaxInt
		for _, id := range m.sortedPoolIDsLocked() {
			if u := m.usage[id]; u < minUsage {
				minUsage = u
				target = m.pools[id]
			}
		}
		log.Warn("⚠️  All pools at capacity, overflowing onto least-used pool", "pool", target.ID())
	}

	m.sessionToPool[sessionID] = target.ID()
	m.usage[target.ID()]++
	return target
}

func (m *Manager) sortedPoolIDsLocked() []string {
	ids := make([]string, 0, len(m.pools))
	for id := range m.pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RegisterClient maps a client to its session's pool.
func (m *Manager) RegisterClient(clientID, sessionID string) (*ConnectionPool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	poolID, ok := m.sessionToPool[sessionID]
	if !ok {
		return nil, false
	}
	m.clientToPool[clientID] = poolID
	return m.pools[poolID], true
}

// PoolForClient returns the pool a client was registered with.
func (m *Manager) PoolForClient(clientID string) (*ConnectionPool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	poolID, ok := m.clientToPool[clientID]
	if !ok {
		return nil, false
	}
	p, ok := m.pools[poolID]
	return p, ok
}

// ReleaseClient forgets a client and removes its connection from its pool.
func (m *Manager) ReleaseClient(clientID string) {
	m.mu.Lock()
	poolID, ok := m.clientToPool[clientID]
	delete(m.clientToPool, clientID)
	p := m.pools[poolID]
	m.mu.Unlock()

	if ok && p != nil {
		p.RemoveConnection(clientID)
	}
}

// ReleaseConnection is ReleaseClient for one socket. It does nothing once the
// client has registered a different connection.
func (m *Manager) ReleaseConnection(clientID string, conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	poolID, ok := m.clientToPool[clientID]
	p := m.pools[poolID]
	if !ok || p == nil || !p.RemoveConnectionIf(clientID, conn) {
		return false
	}
	delete(m.clientToPool, clientID)
	return true
}

// ReleaseSession drops the session's pool assignment.
func (m *Manager) ReleaseSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	poolID, ok := m.sessionToPool[sessionID]
	if !ok {
		return
	}
	delete(m.sessionToPool, sessionID)
	if m.usage[poolID] > 0 {
		m.usage[poolID]--
	}
}

// SweepIdle stops and forgets pools that have been idle longer than the idle
// timeout and hold no connections. It returns how many were reclaimed.
func (m *Manager) SweepIdle(now time.Time) int {
	m.mu.Lock()

	var idle []*ConnectionPool
	for id, p := range m.pools {
		if now.Sub(p.LastActivity()) <= m.opts.IdleTimeout || p.ConnectionCount() > 0 {
			continue
		}
		idle = append(idle, p)
		delete(m.pools, id)
		delete(m.usage, id)

		for clientID, poolID := range m.clientToPool {
			if poolID == id {
				delete(m.clientToPool, clientID)
			}
		}
		for sessionID, poolID := range m.sessionToPool {
			if poolID == id {
				delete(m.sessionToPool, sessionID)
			}
		}
	}
	m.mu.Unlock()

	for _, p := range idle {
		p.Stop()
		log.Info("  Removed idle connection pool", "pool", p.ID())
	}
	return len(idle)
}

// PoolStats describes one pool.
type PoolStats struct {
	PoolID       string    `json:"pool_id"`
	Usage        int       `json:"usage"`
	Connections  int       `json:"connections"`
	LastActivity time.Time `json:"last_activity"`
}

// Stats is a read-only snapshot of the manager.
type Stats struct {
	TotalPools       int         `json:"total_pools"`
	TotalClients     int         `json:"total_clients"`
	TotalSessions    int         `json:"total_sessions"`
	TotalConnections int         `json:"total_connections"`
	Pools            []PoolStats `json:"pools"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		TotalPools:    len(m.pools),
		TotalClients:  len(m.clientToPool),
		TotalSessions: len(m.sessionToPool),
		Pools:         make([]PoolStats, 0, len(m.pools)),
	}
	for _, id := range m.sortedPoolIDsLocked() {
		p := m.pools[id]
		n := p.ConnectionCount()
		stats.TotalConnections += n
		stats.Pools = append(stats.Pools, PoolStats{
			PoolID:       id,
			Usage:        m.usage[id],
			Connections:  n,
			LastActivity: p.LastActivity(),
		})
	}

	telemetry.SetPoolGauges(stats.TotalPools, stats.TotalConnections)
	return stats
}
