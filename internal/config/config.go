package config

import (
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Log      LogConfig
	Provider ProviderConfig
	Auth     AuthConfig
	Secret   SecretConfig
	Routing  RoutingConfig
	Queue    QueueConfig
	MCP      MCPConfig
}

type ServerConfig struct {
	Port           int
	MaxConnections int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type ProviderConfig struct {
	BaseURL       string
	APIKey        string
	PrimaryModel  string
	FallbackModel string
	Timeout       time.Duration
}

type AuthConfig struct {
	JWTSecret string
}

type SecretConfig struct {
	EncryptionKey string
}

type RoutingConfig struct {
	MaxFastLength int
	// HeavyKeywords is a comma-separated list.
	HeavyKeywords string
}

// Keywords splits HeavyKeywords, dropping empty entries.
func (r RoutingConfig) Keywords() []string {
	var out []string
	for _, k := range strings.Split(r.HeavyKeywords, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

type QueueConfig struct {
	Workers       int
	PollInterval  time.Duration
	StaleAfter    time.Duration
	Retention     time.Duration
	SweepSchedule string
}

type MCPConfig struct {
	Enabled bool
	UserID  string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           4000,
			MaxConnections: 256,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Provider: ProviderConfig{
			BaseURL:       "https://api.openai.com/v1",
			PrimaryModel:  "gpt-4",
			FallbackModel: "gpt-3.5-turbo",
			Timeout:       30 * time.Second,
		},
		Routing: RoutingConfig{
			MaxFastLength: 500,
			HeavyKeywords: "generate,analyze,detailed,comprehensive,report",
		},
		Queue: QueueConfig{
			Workers:       4,
			PollInterval:  500 * time.Millisecond,
			StaleAfter:    15 * time.Minute,
			Retention:     7 * 24 * time.Hour,
			SweepSchedule: "@every 10m",
		},
		MCP: MCPConfig{
			UserID: "local",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.sopflow.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/sopflow/config.json
// and secrets fall back to $XDG_DATA_HOME/sopflow/secrets.json.
//
// Environment variables (SOPFLOW_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Secrets not set in the environment come from the platform secret store.
	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(keychainService, s.account()); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	return cfg, nil
}

// SecretHint tells the user where a missing secret can be provided.
func SecretHint(key string) string {
	for _, s := range specs {
		if s.key == key && s.secret {
			return "set environment variable " + s.env + secretStoreHint(s.account())
		}
	}
	return ""
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
