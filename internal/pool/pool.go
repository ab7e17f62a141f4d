package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"collab-engine/internal/telemetry"

	"github.com/charmbracelet/log"
)

/*
LEARNING: TOPIC-BASED FAN-OUT

A ConnectionPool knows nothing about editing. It holds addressable client
connections and topic subscriptions ("session:<id>:edits") and fans messages
out to every subscriber of a topic.

Broadcast only enqueues. A single processing goroutine per pool drains the
queue, so a caller holding a file lock never waits on the network, and one
slow or broken client cannot block the others: each send error is logged and
swallowed.
*/

// Conn is the write side of a client channel.
type Conn interface {
	Send(msg []byte) error
}

const defaultQueueSize = 1024

type connection struct {
	conn   Conn
	topics map[string]struct{}
}

type outbound struct {
	msg     []byte
	topic   string
	exclude string
}

// ConnectionPool fans messages out to topic subscribers.
type ConnectionPool struct {
	id string

	mu           sync.RWMutex
	connections  map[string]*connection         // clientID -> connection
	subscribers  map[string]map[string]struct{} // topic -> clientIDs
	lastActivity time.Time

	queue chan outbound

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewConnectionPool creates a pool. Call Start before broadcasting.
func NewConnectionPool(id string) *ConnectionPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionPool{
		id:           id,
		connections:  make(map[string]*connection),
		subscribers:  make(map[string]map[string]struct{}),
		lastActivity: time.Now(),
		queue:        make(chan outbound, defaultQueueSize),
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (p *ConnectionPool) ID() string {
	return p.id
}

// Start launches the fan-out goroutine.
func (p *ConnectionPool) Start() {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.process()
	})
}

// Stop cancels the fan-out goroutine and waits for it. Queued messages
// that have not been delivered yet are dropped.
func (p *ConnectionPool) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}

func (p *ConnectionPool) process() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case out := <-p.queue:
			p.deliver(out)
		}
	}
}

// deliver sends to a snapshot of the topic's subscribers, so subscribers
// removed mid fan-out are simply skipped.
func (p *ConnectionPool) deliver(out outbound) {
	p.mu.RLock()
	targets := make(map[string]Conn, len(p.subscribers[out.topic]))
	for clientID := range p.subscribers[out.topic] {
		if clientID == out.exclude {
			continue
		}
		if c, ok := p.connections[clientID]; ok {
			targets[clientID] = c.conn
		}
	}
	p.mu.RUnlock()

	for clientID, conn := range targets {
		if err := conn.Send(out.msg); err != nil {
			telemetry.RecordSendFailure("pool")
			log.Warn("⚠️  Pool send failed", "pool", p.id, "client", clientID, "topic", out.topic, "err", err)
		}
	}
}

// AddConnection registers a client channel. Re-adding a client replaces its
// channel and keeps its subscriptions.
func (p *ConnectionPool) AddConnection(clientID string, conn Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.connections[clientID]; ok {
		existing.conn = conn
	} else {
		p.connections[clientID] = &connection{conn: conn, topics: make(map[string]struct{})}
	}
	p.lastActivity = time.Now()
}

// RemoveConnection drops a client and all of its subscriptions.
func (p *ConnectionPool) RemoveConnection(clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.connections[clientID]; ok {
		p.removeLocked(clientID, c)
	}
}

// RemoveConnectionIf drops a client only while conn is still its channel,
// so a closing socket cannot evict the one that replaced it.
func (p *ConnectionPool) RemoveConnectionIf(clientID string, conn Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.connections[clientID]
	if !ok || c.conn != conn {
		return false
	}
	p.removeLocked(clientID, c)
	return true
}

func (p *ConnectionPool) removeLocked(clientID string, c *connection) {
	delete(p.connections, clientID)
	for topic := range c.topics {
		p.removeSubscriberLocked(topic, clientID)
	}
	p.lastActivity = time.Now()
}

// Subscribe adds a registered client to a topic. Unknown clients are ignored.
func (p *ConnectionPool) Subscribe(clientID, topic string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.connections[clientID]
	if !ok {
		return
	}
	c.topics[topic] = struct{}{}
	if p.subscribers[topic] == nil {
		p.subscribers[topic] = make(map[string]struct{})
	}
	p.subscribers[topic][clientID] = struct{}{}
	p.lastActivity = time.Now()
}

func (p *ConnectionPool) Unsubscribe(clientID, topic string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.connections[clientID]
	if !ok {
		return
	}
	delete(c.topics, topic)
	p.removeSubscriberLocked(topic, clientID)
	p.lastActivity = time.Now()
}

func (p *ConnectionPool) removeSubscriberLocked(topic, clientID string) {
	subs, ok := p.subscribers[topic]
	if !ok {
		return
	}
	delete(subs, clientID)
	if len(subs) == 0 {
		delete(p.subscribers, topic)
	}
}

// Broadcast queues msg for every subscriber of topic except exclude.
// It never blocks: when the queue is full the message is dropped and logged.
func (p *ConnectionPool) Broadcast(msg []byte, topic, exclude string) {
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.mu.Unlock()

	select {
	case p.queue <- outbound{msg: msg, topic: topic, exclude: exclude}:
	default:
		telemetry.RecordSendFailure("pool")
		log.Warn("⚠️  Pool queue full, dropping broadcast", "pool", p.id, "topic", topic)
	}
}

// SendToClient delivers msg to one client immediately.
func (p *ConnectionPool) SendToClient(clientID string, msg []byte) bool {
	p.mu.RLock()
	c, ok := p.connections[clientID]
	p.mu.RUnlock()
	if !ok {
		return false
	}

	if err := c.conn.Send(msg); err != nil {
		telemetry.RecordSendFailure("pool")
		log.Warn("⚠️  Pool direct send failed", "pool", p.id, "client", clientID, "err", err)
		return false
	}

	p.mu.Lock()
	p.lastActivity = time.Now()
	p.mu.Unlock()
	return true
}

// TopicSubscribers lists the clients subscribed to topic, sorted.
func (p *ConnectionPool) TopicSubscribers(topic string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.subscribers[topic])
}

// ClientSubscriptions lists the topics a client is subscribed to, sorted.
func (p *ConnectionPool) ClientSubscriptions(clientID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	c, ok := p.connections[clientID]
	if !ok {
		return nil
	}
	return sortedKeys(c.topics)
}

func (p *ConnectionPool) ConnectionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.connections)
}

func (p *ConnectionPool) LastActivity() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastActivity
}

// setLastActivity is used by the manager's tests to age a pool.
func (p *ConnectionPool) setLastActivity(t time.Time) {
	p.mu.Lock()
	p.lastActivity = t
	p.mu.Unlock()
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
