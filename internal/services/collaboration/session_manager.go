package collaboration

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "collab-engine/internal/errors"
	"collab-engine/internal/models"
	"collab-engine/internal/pool"
	"collab-engine/internal/telemetry"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/segmentio/ksuid"
)

/*
LEARNING: SESSION REGISTRY

The SessionManager owns every live Session and is the only place that talks
to the connection pool manager. It runs two background loops:
  1. cleanupLoop drops sessions nobody has been in for a while
  2. monitorLoop logs the slowest operations and refreshes the gauges

Sessions are looked up under an RWMutex; everything inside a session is the
session's own business.
*/

const (
	DefaultCleanupInterval = 5 * time.Minute
	DefaultEmptySessionTTL = 5 * time.Minute
	DefaultMonitorInterval = 10 * time.Minute
)

// PoolAllocator hands out connection pools per session. *pool.Manager implements it.
type PoolAllocator interface {
	PoolForSession(sessionID string) *pool.ConnectionPool
	RegisterClient(clientID, sessionID string) (*pool.ConnectionPool, bool)
	ReleaseClient(clientID string)
	ReleaseConnection(clientID string, conn pool.Conn) bool
	ReleaseSession(sessionID string)
	Stats() pool.Stats
}

// ManagerOptions configures a SessionManager. Zero values select the defaults.
type ManagerOptions struct {
	Session         SessionOptions
	CleanupInterval time.Duration
	EmptySessionTTL time.Duration
	MonitorInterval time.Duration
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = DefaultCleanupInterval
	}
	if o.EmptySessionTTL <= 0 {
		o.EmptySessionTTL = DefaultEmptySessionTTL
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = DefaultMonitorInterval
	}
	o.Session = o.Session.withDefaults()
	return o
}

// SessionManager manages all active collaboration sessions
// Learning: Central hub for coordinating real-time collaboration
type SessionManager struct {
	opts  ManagerOptions
	pools PoolAllocator

	mu        sync.RWMutex
	sessions  map[string]*Session
	onRemoved []func(sessionID string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSessionManager creates a session manager. pools may be nil, in which
// case sessions send everything directly.
func NewSessionManager(pools PoolAllocator, opts ManagerOptions) *SessionManager {
	return &SessionManager{
		opts:     opts.withDefaults(),
		pools:    pools,
		sessions: make(map[string]*Session),
		ctx:      context.Background(),
	}
}

// Start begins the cleanup and monitoring loops
// Learning: Both goroutines exit when ctx is cancelled or Shutdown runs
func (m *SessionManager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.ctx, m.cancel = ctx, cancel
	m.mu.Unlock()

	m.wg.Add(2)
	go m.cleanupLoop(ctx)
	go m.monitorLoop(ctx)

	log.Info("✓ Session manager started",
		"cleanup_interval", m.opts.CleanupInterval,
		"monitor_interval", m.opts.MonitorInterval)
}

// OnSessionRemoved registers fn to run after a session is dropped.
func (m *SessionManager) OnSessionRemoved(fn func(sessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemoved = append(m.onRemoved, fn)
}

// CreateSession starts a new session with a generated id.
func (m *SessionManager) CreateSession(name string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(ksuid.New().String(), name)
}

// GetOrCreateSession returns the session with id, creating it when missing.
// An empty id always creates a new session.
func (m *SessionManager) GetOrCreateSession(id, name string) (*Session, bool) {
	if id == "" {
		return m.CreateSession(name), true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s, false
	}
	return m.createLocked(id, name), true
}

func (m *SessionManager) createLocked(id, name string) *Session {
	s := NewSession(id, name, m.opts.Session)
	if m.pools != nil {
		s.AttachPool(m.pools.PoolForSession(id))
	}
	s.Start(m.ctx)
	m.sessions[id] = s

	log.Info("✓ Created collaboration session", "session", id, "name", s.Name, "sessions", len(m.sessions))
	return s
}

func (m *SessionManager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// RemoveSession stops a session and releases its pool assignment.
func (m *SessionManager) RemoveSession(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	hooks := append([]func(string){}, m.onRemoved...)
	m.mu.Unlock()

	if !ok {
		return false
	}

	s.Stop()
	if m.pools != nil {
		m.pools.ReleaseSession(id)
	}
	for _, fn := range hooks {
		fn(id)
	}
	log.Info("  Removed collaboration session", "session", id, "age", humanize.Time(s.CreatedAt))
	return true
}

// RegisterClientWithPool adds a client's connection to its session's pool
// and subscribes it to the session topics. A session whose pool was reclaimed
// while idle is moved onto a fresh one.
func (m *SessionManager) RegisterClientWithPool(sessionID, clientID string, conn pool.Conn) error {
	s, ok := m.GetSession(sessionID)
	if !ok {
		return apperrors.NewSessionNotFound(sessionID)
	}
	if m.pools == nil {
		return nil
	}

	p := m.pools.PoolForSession(sessionID)
	if current, _ := s.Pool().(*pool.ConnectionPool); current != p {
		s.AttachPool(p)
	}

	if _, ok := m.pools.RegisterClient(clientID, sessionID); !ok {
		return apperrors.NewSessionNotFound(sessionID)
	}
	p.AddConnection(clientID, conn)
	for _, topic := range SessionTopics(sessionID) {
		p.Subscribe(clientID, topic)
	}

	log.Debug("Registered client with pool", "session", sessionID, "client", clientID, "pool", p.ID())
	return nil
}

// UnregisterClient removes a client's connection from whichever pool holds it.
func (m *SessionManager) UnregisterClient(clientID string) {
	if m.pools != nil {
		m.pools.ReleaseClient(clientID)
	}
}

// UnregisterConnection removes conn from the pool unless the client has
// since registered a newer connection.
func (m *SessionManager) UnregisterConnection(clientID string, conn pool.Conn) {
	if m.pools == nil {
		return
	}
	if !m.pools.ReleaseConnection(clientID, conn) {
		log.Debug("Kept newer pool connection", "client", clientID)
	}
}

// SweepEmptySessions drops sessions without an active member once nobody
// has been heard from for the empty-session TTL. It returns how many were removed.
func (m *SessionManager) SweepEmptySessions(now time.Time) int {
	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		if s.IsEmpty() && now.Sub(s.LastActive()) > m.opts.EmptySessionTTL {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	removed := 0
	for _, id := range stale {
		if s, ok := m.GetSession(id); ok && s.IsEmpty() && m.RemoveSession(id) {
			removed++
		}
	}
	return removed
}

// GetAllSessions returns a summary of every session, oldest first.
func (m *SessionManager) GetAllSessions() []models.SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]models.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].SessionID < infos[j].SessionID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

func (m *SessionManager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// PerformanceStats is the engine-wide report behind /api/stats.
type PerformanceStats struct {
	Sessions          int                                 `json:"sessions"`
	Users             int                                 `json:"users"`
	ActiveUsers       int                                 `json:"active_users"`
	Pools             *pool.Stats                         `json:"pools,omitempty"`
	Operations        map[string]telemetry.OperationStats `json:"operations"`
	SlowestOperations []string                            `json:"slowest_operations"`
}

// GetPerformanceStats gathers session, pool and timing statistics.
func (m *SessionManager) GetPerformanceStats() PerformanceStats {
	infos := m.GetAllSessions()
	stats := PerformanceStats{
		Sessions:          len(infos),
		Operations:        telemetry.DefaultProfiler.Snapshot(),
		SlowestOperations: telemetry.DefaultProfiler.Slowest(5),
	}
	for _, info := range infos {
		stats.Users += info.UserCount
		stats.ActiveUsers += info.ActiveUsers
	}
	if m.pools != nil {
		ps := m.pools.Stats()
		stats.Pools = &ps
	}

	telemetry.SetSessionGauges(stats.Sessions, stats.ActiveUsers)
	return stats
}

// cleanupLoop periodically removes abandoned sessions
func (m *SessionManager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.SweepEmptySessions(now); n > 0 {
				log.Info("🧹 Removed empty sessions", "count", n, "remaining", m.SessionCount())
			}
		}
	}
}

func (m *SessionManager) monitorLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := m.GetPerformanceStats()
			log.Info("📊 Collaboration stats",
				"sessions", stats.Sessions,
				"users", stats.Users,
				"active_users", stats.ActiveUsers,
				"slowest", stats.SlowestOperations)
		}
	}
}

// Shutdown stops the background loops and every session.
func (m *SessionManager) Shutdown() {
	log.Info("🛑 Shutting down session manager...")

	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	log.Info("✓ Session manager shutdown complete", "sessions", len(sessions))
}
