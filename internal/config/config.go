package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ProviderNone      = "none"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config holds every runtime setting. Values come from defaults, then the
// optional YAML file named by COLLAB_CONFIG_FILE, then the environment.
type Config struct {
	ServerHost string `yaml:"server_host"`
	ServerPort string `yaml:"server_port"`
	LogLevel   string `yaml:"log_level"`

	// Origins allowed to call the API and open collaboration sockets. "*" allows any.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`

	// Sessions
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout       time.Duration `yaml:"heartbeat_timeout"`
	MaxSendFailures        int           `yaml:"max_send_failures"`
	ChunkSize              int           `yaml:"chunk_size"`
	SessionCleanupInterval time.Duration `yaml:"session_cleanup_interval"`
	EmptySessionTTL        time.Duration `yaml:"empty_session_ttl"`
	MonitorInterval        time.Duration `yaml:"monitor_interval"`

	// Connection pools
	MaxConnectionsPerPool int           `yaml:"max_connections_per_pool"`
	MaxPools              int           `yaml:"max_pools"`
	PoolIdleTimeout       time.Duration `yaml:"pool_idle_timeout"`
	PoolSweepInterval     time.Duration `yaml:"pool_sweep_interval"`

	// Shared AI
	AIProvider          string        `yaml:"ai_provider"`
	AIModel             string        `yaml:"ai_model"`
	OpenAIAPIKey        string        `yaml:"openai_api_key"`
	AnthropicAPIKey     string        `yaml:"anthropic_api_key"`
	AISystemPrompt      string        `yaml:"ai_system_prompt"`
	AIMaxHistory        int           `yaml:"ai_max_history"`
	AITokenBudget       int           `yaml:"ai_token_budget"`
	AIWorkers           int           `yaml:"ai_workers"`
	AIQueueSize         int           `yaml:"ai_queue_size"`
	AIGenerationTimeout time.Duration `yaml:"ai_generation_timeout"`

	// Observability
	TracingEnabled bool          `yaml:"tracing_enabled"`
	JaegerEndpoint string        `yaml:"jaeger_endpoint"`
	StatsCacheTTL  time.Duration `yaml:"stats_cache_ttl"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		ServerHost: "localhost",
		ServerPort: "8080",
		LogLevel:   "info",

		CORSAllowedOrigins: []string{"*"},

		HeartbeatInterval:      10 * time.Second,
		HeartbeatTimeout:       30 * time.Second,
		MaxSendFailures:        3,
		ChunkSize:              1 << 20,
		SessionCleanupInterval: 5 * time.Minute,
		EmptySessionTTL:        5 * time.Minute,
		MonitorInterval:        10 * time.Minute,

		MaxConnectionsPerPool: 100,
		MaxPools:              10,
		PoolIdleTimeout:       300 * time.Second,
		PoolSweepInterval:     60 * time.Second,

		AIProvider:          "",
		AISystemPrompt:      "You are a helpful AI coding assistant.",
		AIMaxHistory:        100,
		AITokenBudget:       16000,
		AIWorkers:           4,
		AIQueueSize:         64,
		AIGenerationTimeout: 60 * time.Second,

		TracingEnabled: false,
		JaegerEndpoint: "http://localhost:14268/api/traces",
		StatsCacheTTL:  5 * time.Second,
	}
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("COLLAB_CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.resolveProvider()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the keys present in a YAML file.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ServerHost = getEnv("SERVER_HOST", c.ServerHost)
	c.ServerPort = getEnv("SERVER_PORT", c.ServerPort)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", c.CORSAllowedOrigins)

	c.HeartbeatInterval = getEnvDuration("HEARTBEAT_INTERVAL", c.HeartbeatInterval)
	c.HeartbeatTimeout = getEnvDuration("HEARTBEAT_TIMEOUT", c.HeartbeatTimeout)
	c.MaxSendFailures = getEnvInt("MAX_SEND_FAILURES", c.MaxSendFailures)
	c.ChunkSize = getEnvInt("CHUNK_SIZE", c.ChunkSize)
	c.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", c.SessionCleanupInterval)
	c.EmptySessionTTL = getEnvDuration("EMPTY_SESSION_TTL", c.EmptySessionTTL)
	c.MonitorInterval = getEnvDuration("MONITOR_INTERVAL", c.MonitorInterval)

	c.MaxConnectionsPerPool = getEnvInt("MAX_CONNECTIONS_PER_POOL", c.MaxConnectionsPerPool)
	c.MaxPools = getEnvInt("MAX_POOLS", c.MaxPools)
	c.PoolIdleTimeout = getEnvDuration("POOL_IDLE_TIMEOUT", c.PoolIdleTimeout)
	c.PoolSweepInterval = getEnvDuration("POOL_SWEEP_INTERVAL", c.PoolSweepInterval)

	c.AIProvider = getEnv("AI_PROVIDER", c.AIProvider)
	c.AIModel = getEnv("AI_MODEL", c.AIModel)
	c.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", c.AnthropicAPIKey)
	c.AISystemPrompt = getEnv("AI_SYSTEM_PROMPT", c.AISystemPrompt)
	c.AIMaxHistory = getEnvInt("AI_MAX_HISTORY", c.AIMaxHistory)
	c.AITokenBudget = getEnvInt("AI_TOKEN_BUDGET", c.AITokenBudget)
	c.AIWorkers = getEnvInt("AI_WORKERS", c.AIWorkers)
	c.AIQueueSize = getEnvInt("AI_QUEUE_SIZE", c.AIQueueSize)
	c.AIGenerationTimeout = getEnvDuration("AI_GENERATION_TIMEOUT", c.AIGenerationTimeout)

	c.TracingEnabled = getEnvBool("TRACING_ENABLED", c.TracingEnabled)
	c.JaegerEndpoint = getEnv("JAEGER_ENDPOINT", c.JaegerEndpoint)
	c.StatsCacheTTL = getEnvDuration("STATS_CACHE_TTL", c.StatsCacheTTL)
}

// resolveProvider picks a backend from whichever API key is present when no
// provider was named.
func (c *Config) resolveProvider() {
	c.AIProvider = strings.ToLower(strings.TrimSpace(c.AIProvider))
	if c.AIProvider != "" {
		return
	}
	switch {
	case c.OpenAIAPIKey != "":
		c.AIProvider = ProviderOpenAI
	case c.AnthropicAPIKey != "":
		c.AIProvider = ProviderAnthropic
	default:
		c.AIProvider = ProviderNone
	}
}

func (c *Config) Validate() error {
	if c.ServerPort == "" {
		return fmt.Errorf("SERVER_PORT is required")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	}
	if len(c.CORSAllowedOrigins) == 0 {
		return fmt.Errorf("CORS_ALLOWED_ORIGINS must name at least one origin or \"*\"")
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_TIMEOUT (%s) must exceed HEARTBEAT_INTERVAL (%s)", c.HeartbeatTimeout, c.HeartbeatInterval)
	}

	switch c.AIProvider {
	case ProviderNone:
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for the openai provider")
		}
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required for the anthropic provider")
		}
	default:
		return fmt.Errorf("unknown AI_PROVIDER %q", c.AIProvider)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return c.ServerHost + ":" + c.ServerPort
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping blank entries.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseBool(value); err == nil {
			return result
		}
	}
	return defaultValue
}
