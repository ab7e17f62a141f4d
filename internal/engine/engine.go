package engine

import (
	"context"
	"fmt"

	"collab-engine/internal/anthropic"
	"collab-engine/internal/api"
	"collab-engine/internal/config"
	"collab-engine/internal/openai"
	"collab-engine/internal/pool"
	"collab-engine/internal/services/collaboration"
	"collab-engine/internal/services/sharedai"

	"github.com/charmbracelet/log"
)

/*
LEARNING: COMPOSITION ROOT

Every long-lived component is built here, in dependency order:

  pool.Manager → SessionManager → sharedai.Manager → Integration
               → MessageHandler → WebSocketHandler → api.Handler

Nothing else in the tree constructs these, so tests can build a full engine
from a config and main only has to start and stop it. Shutdown runs in the
reverse order of Start.
*/

// Engine owns the collaboration engine's components.
type Engine struct {
	cfg *config.Config

	Pools     *pool.Manager
	Sessions  *collaboration.SessionManager
	AI        *sharedai.Manager
	Assistant *sharedai.Integration // nil when no AI provider is configured
	Messages  *collaboration.MessageHandler
	WebSocket *collaboration.WebSocketHandler
}

// New wires an engine from cfg without starting any goroutines.
func New(cfg *config.Config) (*Engine, error) {
	e := &Engine{cfg: cfg}

	e.Pools = pool.NewManager(pool.Options{
		MaxConnectionsPerPool: cfg.MaxConnectionsPerPool,
		MaxPools:              cfg.MaxPools,
		IdleTimeout:           cfg.PoolIdleTimeout,
		SweepInterval:         cfg.PoolSweepInterval,
	})

	e.Sessions = collaboration.NewSessionManager(e.Pools, collaboration.ManagerOptions{
		Session: collaboration.SessionOptions{
			HeartbeatInterval: cfg.HeartbeatInterval,
			HeartbeatTimeout:  cfg.HeartbeatTimeout,
			MaxSendFailures:   cfg.MaxSendFailures,
			ChunkSize:         cfg.ChunkSize,
		},
		CleanupInterval: cfg.SessionCleanupInterval,
		EmptySessionTTL: cfg.EmptySessionTTL,
		MonitorInterval: cfg.MonitorInterval,
	})

	e.AI = sharedai.NewManager(sharedai.Options{
		SystemPrompt:      cfg.AISystemPrompt,
		MaxHistory:        cfg.AIMaxHistory,
		TokenBudget:       cfg.AITokenBudget,
		Workers:           cfg.AIWorkers,
		QueueSize:         cfg.AIQueueSize,
		GenerationTimeout: cfg.AIGenerationTimeout,
	})
	e.Sessions.OnSessionRemoved(e.AI.UnlinkSession)

	gen, err := newGenerator(cfg)
	if err != nil {
		return nil, err
	}

	// A nil *Integration must not reach the interface, or the handler would
	// see a non-nil assistant.
	var assistant collaboration.AIAssistant
	if gen != nil {
		e.AI.RegisterGenerateFunc(gen)
		e.Assistant = sharedai.NewIntegration(e.Sessions, e.AI)
		assistant = e.Assistant
	}

	e.Messages = collaboration.NewMessageHandler(e.Sessions, assistant)
	e.WebSocket = collaboration.NewWebSocketHandler(e.Messages, cfg.CORSAllowedOrigins)
	return e, nil
}

// newGenerator picks the generation backend named by the config.
func newGenerator(cfg *config.Config) (sharedai.GenerateFunc, error) {
	switch cfg.AIProvider {
	case config.ProviderOpenAI:
		c := openai.NewClient(cfg.OpenAIAPIKey)
		if cfg.AIModel != "" {
			c.Model = cfg.AIModel
		}
		log.Info("✓ OpenAI generation backend initialized", "model", c.Model)
		return c.Generate, nil

	case config.ProviderAnthropic:
		c := anthropic.NewClient(cfg.AnthropicAPIKey)
		if cfg.AIModel != "" {
			c.Model = cfg.AIModel
		}
		log.Info("✓ Anthropic generation backend initialized", "model", c.Model)
		return c.Generate, nil

	case config.ProviderNone, "":
		log.Warn("⚠️  No AI provider configured; ai_message requests will fail")
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.AIProvider)
	}
}

// Start launches the background loops of every component.
func (e *Engine) Start(ctx context.Context) {
	e.Pools.Start(ctx)
	e.Sessions.Start(ctx)
	if e.Assistant != nil {
		e.AI.Start()
	}
	log.Info("🚀 Collaboration engine started")
}

// HTTPHandler builds the API handler around the engine's services.
func (e *Engine) HTTPHandler() (*api.Handler, error) {
	var ai api.AIContextService
	if e.Assistant != nil {
		ai = e.Assistant
	}
	return api.NewHandler(e.Sessions, ai, e.AI, e.WebSocket, e.cfg.StatsCacheTTL)
}

// Shutdown stops components in reverse start order.
func (e *Engine) Shutdown() {
	e.Messages.Wait()
	e.AI.Shutdown()
	e.Sessions.Shutdown()
	e.Pools.Stop()
	log.Info("✓ Collaboration engine stopped")
}
