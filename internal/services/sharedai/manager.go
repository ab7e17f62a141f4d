package sharedai

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "collab-engine/internal/errors"
	"collab-engine/internal/middleware"
	"collab-engine/internal/models"
	"collab-engine/internal/telemetry"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultWorkers           = 4
	DefaultQueueSize         = 64
	DefaultGenerationTimeout = 60 * time.Second
)

var errNoGenerator = errors.New("no generation backend registered")

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	SystemPrompt      string
	MaxHistory        int
	TokenBudget       int
	Workers           int
	QueueSize         int
	GenerationTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.SystemPrompt == "" {
		o.SystemPrompt = DefaultSystemPrompt
	}
	if o.MaxHistory <= 0 {
		o.MaxHistory = DefaultMaxHistory
	}
	if o.TokenBudget <= 0 {
		o.TokenBudget = DefaultTokenBudget
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.GenerationTimeout <= 0 {
		o.GenerationTimeout = DefaultGenerationTimeout
	}
	return o
}

// Manager owns every shared AI context and the session links to them.
type Manager struct {
	opts Options

	mu        sync.RWMutex
	contexts  map[string]*Context
	bySession map[string]string
	generate  GenerateFunc

	workers *workerPool
}

func NewManager(opts Options) *Manager {
	return &Manager{
		opts:      opts.withDefaults(),
		contexts:  make(map[string]*Context),
		bySession: make(map[string]string),
	}
}

// Start runs generations on a bounded worker pool. Without Start, generation
// happens on the caller's goroutine.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.workers != nil {
		m.mu.Unlock()
		return
	}
	m.workers = newWorkerPool(m.generator, m.opts.Workers, m.opts.QueueSize)
	m.mu.Unlock()

	m.workers.Start()
}

func (m *Manager) Shutdown() {
	m.mu.Lock()
	w := m.workers
	m.workers = nil
	m.mu.Unlock()

	if w != nil {
		w.Shutdown()
	}
}

// RegisterGenerateFunc sets the backend used for every later generation.
func (m *Manager) RegisterGenerateFunc(fn GenerateFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generate = fn
}

func (m *Manager) generator() GenerateFunc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generate
}

// CreateContext creates a context. An empty contextID gets a generated one;
// an existing id returns the context already registered under it.
func (m *Manager) CreateContext(systemPrompt, contextID string) *Context {
	if contextID == "" {
		contextID = uuid.NewString()
	}
	if systemPrompt == "" {
		systemPrompt = m.opts.SystemPrompt
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.contexts[contextID]; ok {
		return c
	}
	c := NewContext(contextID, systemPrompt, m.opts.MaxHistory, m.opts.TokenBudget)
	m.contexts[contextID] = c

	log.Info("✓ Created shared AI context", "context", contextID, "contexts", len(m.contexts))
	return c
}

func (m *Manager) GetContext(contextID string) (*Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[contextID]
	return c, ok
}

// LinkSessionToContext makes contextID the shared context of sessionID.
func (m *Manager) LinkSessionToContext(sessionID, contextID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contexts[contextID]
	if !ok {
		return apperrors.NewContextNotFound(contextID)
	}
	m.bySession[sessionID] = contextID
	c.setSessionID(sessionID)
	return nil
}

// ContextForSession returns the context linked to sessionID.
func (m *Manager) ContextForSession(sessionID string) (*Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bySession[sessionID]
	if !ok {
		return nil, false
	}
	c, ok := m.contexts[id]
	return c, ok
}

// ContextForSessionOrCreate returns the session's context, creating and
// linking one on first use.
func (m *Manager) ContextForSessionOrCreate(sessionID string) *Context {
	if c, ok := m.ContextForSession(sessionID); ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.bySession[sessionID]; ok {
		if c, ok := m.contexts[id]; ok {
			return c
		}
	}
	c := NewContext(uuid.NewString(), m.opts.SystemPrompt, m.opts.MaxHistory, m.opts.TokenBudget)
	c.setSessionID(sessionID)
	m.contexts[c.ID] = c
	m.bySession[sessionID] = c.ID

	log.Info("✓ Created shared AI context", "context", c.ID, "session", sessionID)
	return c
}

// UnlinkSession forgets a removed session and drops its context.
func (m *Manager) UnlinkSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.bySession[sessionID]
	if !ok {
		return
	}
	delete(m.bySession, sessionID)
	delete(m.contexts, id)
	log.Debug("Dropped shared AI context", "context", id, "session", sessionID)
}

// GenerateResponse asks the backend for the next assistant message in a
// context and appends it. Only one generation per context runs at a time.
func (m *Manager) GenerateResponse(ctx context.Context, contextID string) (*models.AIMessage, error) {
	defer telemetry.Observe("ai.generate_response", time.Now())
	ctx, span := middleware.StartSpan(ctx, "SharedAI.GenerateResponse",
		attribute.String("ai.context_id", contextID),
	)
	defer span.End()

	c, ok := m.GetContext(contextID)
	if !ok {
		err := apperrors.NewContextNotFound(contextID)
		middleware.AddSpanError(ctx, err)
		return nil, err
	}

	if !c.tryStartGeneration() {
		telemetry.RecordGeneration("rejected")
		return nil, apperrors.NewGenerationInProgress(contextID)
	}
	defer c.finishGeneration()

	messages := c.MessagesForAI()
	span.SetAttributes(attribute.Int("ai.messages", len(messages)))

	text, err := m.run(ctx, contextID, messages)
	if err == nil && strings.TrimSpace(text) == "" {
		err = errors.New("empty response")
	}
	if err != nil {
		genErr := apperrors.NewGenerationFailure(contextID, err)
		telemetry.RecordGeneration("failed")
		middleware.AddSpanError(ctx, genErr)
		log.Warn("⚠️  AI generation failed", "context", contextID, "err", err)
		return nil, genErr
	}

	msg := c.AddMessage(text, models.RoleAssistant, "", "")
	telemetry.RecordGeneration("ok")
	middleware.AddSpanEvent(ctx, "generation_complete", attribute.Int("ai.tokens", msg.Tokens))
	return &msg, nil
}

func (m *Manager) run(ctx context.Context, contextID string, messages []models.GenerationMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.GenerationTimeout)
	defer cancel()

	m.mu.RLock()
	w, gen := m.workers, m.generate
	m.mu.RUnlock()

	if w != nil {
		return w.Submit(ctx, contextID, messages)
	}
	if gen == nil {
		return "", errNoGenerator
	}
	return gen(ctx, contextID, messages)
}

// AllContexts returns a snapshot of every context, oldest first.
func (m *Manager) AllContexts() []models.AIContextInfo {
	m.mu.RLock()
	contexts := make([]*Context, 0, len(m.contexts))
	for _, c := range m.contexts {
		contexts = append(contexts, c)
	}
	m.mu.RUnlock()

	infos := make([]models.AIContextInfo, 0, len(contexts))
	for _, c := range contexts {
		infos = append(infos, c.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

func (m *Manager) ContextCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contexts)
}

// QueueLength reports generations waiting for a worker.
func (m *Manager) QueueLength() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.workers == nil {
		return 0
	}
	return m.workers.QueueLength()
}
