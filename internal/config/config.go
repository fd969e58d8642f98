// Package config loads server settings from the environment and agent
// definitions from YAML files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the server process configuration. Values come from the
// environment with sensible defaults for local use.
type Config struct {
	ListenAddr        string
	DatabasePath      string
	Runtime           string // "docker" or "kubernetes"
	AgentImage        string
	DefinitionsDir    string
	WorkspaceRoot     string
	NATSURL           string
	NATSToken         string
	JWTSecret         string
	ReconcileInterval time.Duration
}

// FromEnv builds a Config from environment variables.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:        envOr("LISTEN_ADDR", ":8080"),
		DatabasePath:      envOr("DATABASE_PATH", "agentmux.db"),
		Runtime:           envOr("RUNTIME", "docker"),
		AgentImage:        os.Getenv("AGENT_IMAGE"),
		DefinitionsDir:    envOr("AGENT_DEFINITIONS_DIR", "definitions"),
		WorkspaceRoot:     envOr("WORKSPACE_ROOT", "workspaces"),
		NATSURL:           os.Getenv("NATS_URL"),
		NATSToken:         os.Getenv("NATS_AUTH_TOKEN"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		ReconcileInterval: 30 * time.Second,
	}

	if cfg.Runtime != "docker" && cfg.Runtime != "kubernetes" {
		return nil, fmt.Errorf("unsupported RUNTIME %q", cfg.Runtime)
	}

	if v := os.Getenv("RECONCILE_INTERVAL_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("invalid RECONCILE_INTERVAL_SECONDS %q", v)
		}
		cfg.ReconcileInterval = time.Duration(secs) * time.Second
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
