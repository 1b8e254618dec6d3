package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

// account is the secret store entry name, e.g. provider_api_key.
func (s keySpec) account() string {
	return strings.ReplaceAll(s.key, ".", "_")
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SOPFLOW_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_connections", typ: kInt, env: "SOPFLOW_SERVER_MAX_CONNECTIONS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConnections = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConnections },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SOPFLOW_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "SOPFLOW_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "provider.base_url", typ: kString, env: "SOPFLOW_PROVIDER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Provider.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.BaseURL },
	},
	{
		key: "provider.api_key", typ: kString, env: "SOPFLOW_PROVIDER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Provider.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.APIKey },
	},
	{
		key: "provider.primary_model", typ: kString, env: "SOPFLOW_PROVIDER_PRIMARY_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Provider.PrimaryModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.PrimaryModel },
	},
	{
		key: "provider.fallback_model", typ: kString, env: "SOPFLOW_PROVIDER_FALLBACK_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Provider.FallbackModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.FallbackModel },
	},
	{
		key: "provider.timeout", typ: kDuration, env: "SOPFLOW_PROVIDER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Provider.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Provider.Timeout },
	},
	{
		key: "auth.jwt_secret", typ: kString, env: "SOPFLOW_JWT_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Auth.JWTSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.JWTSecret },
	},
	{
		key: "secret.encryption_key", typ: kString, env: "SOPFLOW_ENCRYPTION_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Secret.EncryptionKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Secret.EncryptionKey },
	},
	{
		key: "routing.max_fast_length", typ: kInt, env: "SOPFLOW_ROUTING_MAX_FAST_LENGTH",
		apply:   func(cfg *Config, v any) { cfg.Routing.MaxFastLength = v.(int) },
		extract: func(cfg Config) any { return cfg.Routing.MaxFastLength },
	},
	{
		key: "routing.heavy_keywords", typ: kString, env: "SOPFLOW_ROUTING_HEAVY_KEYWORDS",
		apply:   func(cfg *Config, v any) { cfg.Routing.HeavyKeywords = v.(string) },
		extract: func(cfg Config) any { return cfg.Routing.HeavyKeywords },
	},
	{
		key: "queue.workers", typ: kInt, env: "SOPFLOW_QUEUE_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Queue.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.Workers },
	},
	{
		key: "queue.poll_interval", typ: kDuration, env: "SOPFLOW_QUEUE_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Queue.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.PollInterval },
	},
	{
		key: "queue.stale_after", typ: kDuration, env: "SOPFLOW_QUEUE_STALE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Queue.StaleAfter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.StaleAfter },
	},
	{
		key: "queue.retention", typ: kDuration, env: "SOPFLOW_QUEUE_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Queue.Retention = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.Retention },
	},
	{
		key: "queue.sweep_schedule", typ: kString, env: "SOPFLOW_QUEUE_SWEEP_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Queue.SweepSchedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Queue.SweepSchedule },
	},
	{
		key: "mcp.enabled", typ: kBool, env: "SOPFLOW_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.MCP.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.MCP.Enabled },
	},
	{
		key: "mcp.user_id", typ: kString, env: "SOPFLOW_MCP_USER_ID",
		apply:   func(cfg *Config, v any) { cfg.MCP.UserID = v.(string) },
		extract: func(cfg Config) any { return cfg.MCP.UserID },
	},
}

// parse converts a raw string into the key's typed value.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err == nil && d <= 0 {
			err = fmt.Errorf("duration must be positive")
		}
		return d, err
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetBool(s.key)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not read config key %s: %v. Using default value.\n", s.key, err)
				continue
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			raw, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || raw == "" {
				continue
			}
			v, err := s.parse(raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
				continue
			}
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
