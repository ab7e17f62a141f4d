package main

import (
	"os"

	"collab-engine/internal/config"

	"github.com/urfave/cli/v2"
)

// newCLIApp creates the server CLI. Flags override the config file and env.
func newCLIApp() *cli.App {
	app := &cli.App{
		Name:    "collab-server",
		Usage:   "Real-time collaborative editing engine",
		Version: Version,
		Flags:   serverFlags(),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			return run(c.Context, cfg)
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func serverFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file (same as COLLAB_CONFIG_FILE)"},
		&cli.StringFlag{Name: "host", Usage: "Listen host"},
		&cli.StringFlag{Name: "port", Aliases: []string{"p"}, Usage: "Listen port"},
		&cli.StringFlag{Name: "log-level", Usage: "debug|info|warn|error"},
		&cli.IntFlag{Name: "chunk-size", Usage: "Characters per chunk for large files"},
		&cli.DurationFlag{Name: "heartbeat-interval", Usage: "How often heartbeats are checked"},
		&cli.DurationFlag{Name: "heartbeat-timeout", Usage: "Silence before a user is marked inactive"},
		&cli.IntFlag{Name: "max-pools", Usage: "Connection pool cap"},
		&cli.IntFlag{Name: "max-connections-per-pool", Usage: "Connections per pool before a new pool is preferred"},
		&cli.StringFlag{Name: "ai-provider", Usage: "openai|anthropic|none"},
		&cli.StringFlag{Name: "ai-model", Usage: "Model name passed to the AI provider"},
		&cli.BoolFlag{Name: "tracing", Usage: "Export traces to Jaeger"},
		&cli.StringFlag{Name: "jaeger-endpoint", Usage: "Jaeger collector endpoint"},
	}
}

// loadConfig layers CLI flags over config.Load and revalidates.
func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String("config"); path != "" {
		if err := os.Setenv("COLLAB_CONFIG_FILE", path); err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	applyFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("host") {
		cfg.ServerHost = c.String("host")
	}
	if c.IsSet("port") {
		cfg.ServerPort = c.String("port")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("chunk-size") {
		cfg.ChunkSize = c.Int("chunk-size")
	}
	if c.IsSet("heartbeat-interval") {
		cfg.HeartbeatInterval = c.Duration("heartbeat-interval")
	}
	if c.IsSet("heartbeat-timeout") {
		cfg.HeartbeatTimeout = c.Duration("heartbeat-timeout")
	}
	if c.IsSet("max-pools") {
		cfg.MaxPools = c.Int("max-pools")
	}
	if c.IsSet("max-connections-per-pool") {
		cfg.MaxConnectionsPerPool = c.Int("max-connections-per-pool")
	}
	if c.IsSet("ai-provider") {
		cfg.AIProvider = c.String("ai-provider")
	}
	if c.IsSet("ai-model") {
		cfg.AIModel = c.String("ai-model")
	}
	if c.IsSet("tracing") {
		cfg.TracingEnabled = c.Bool("tracing")
	}
	if c.IsSet("jaeger-endpoint") {
		cfg.JaegerEndpoint = c.String("jaeger-endpoint")
	}
}
