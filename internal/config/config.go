// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/duelchat/internal/domain"
	"github.com/ashureev/duelchat/internal/reassembly"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	DBWatch     bool
	PubSubURL   string
	// PubSubReadLimit caps one pub/sub message in bytes.
	PubSubReadLimit int64
	BackendAddr     string
	Producers       []domain.Producer
	Identity        IdentityConfig
	Reconnect       ReconnectConfig
	SSE             SSEConfig
	Journal         JournalConfig
	MaxSequence     int
}

// JournalConfig controls the NDJSON conversation journal.
type JournalConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// IdentityConfig names the signed-in user.
type IdentityConfig struct {
	Email      string
	IdentityID string // empty means generate an anonymous id
}

// ReconnectConfig controls pub/sub resubscription.
type ReconnectConfig struct {
	Delay time.Duration
}

// SSEConfig controls the browser event stream.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	ClientRetry        time.Duration
	ReplaySize         int
	MaxRequestBodySize int64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	producers := domain.ParseProducers(getEnv("PRODUCERS", ""))
	if len(producers) == 0 {
		producers = domain.DefaultProducers()
	}

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		FrontendURL:     getEnv("FRONTEND_URL", ""),
		DBPath:          getEnv("DB_PATH", "./data/duelchat.db"),
		DBWatch:         getEnvBool("DB_WATCH", true),
		PubSubURL:       getEnv("PUBSUB_URL", "ws://localhost:8090/subscribe"),
		PubSubReadLimit: int64(getEnvInt("PUBSUB_READ_LIMIT", 1<<20)),
		BackendAddr:     getEnv("BACKEND_ADDR", "localhost:50051"),
		Producers:       producers,
		Identity: IdentityConfig{
			Email:      getEnv("USER_EMAIL", ""),
			IdentityID: getEnv("IDENTITY_ID", ""),
		},
		Reconnect: ReconnectConfig{
			Delay: getEnvDuration("RECONNECT_DELAY", 3*time.Second),
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE", 10*time.Second),
			ClientRetry:        getEnvDuration("SSE_RETRY", 5*time.Second),
			ReplaySize:         getEnvInt("SSE_REPLAY_SIZE", 256),
			MaxRequestBodySize: 1 << 20,
		},
		Journal: JournalConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000),
		},
		MaxSequence: getEnvInt("MAX_SEQUENCE", reassembly.DefaultMaxSequence),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.BackendAddr == "" {
		return fmt.Errorf("BACKEND_ADDR cannot be empty")
	}
	u, err := url.Parse(c.PubSubURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("PUBSUB_URL must be an absolute URL")
	}
	if len(c.Producers) < 2 {
		return fmt.Errorf("PRODUCERS must name at least two producers")
	}
	if c.Reconnect.Delay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be > 0")
	}
	if c.SSE.KeepaliveInterval <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE must be > 0")
	}
	if c.SSE.ReplaySize <= 0 {
		return fmt.Errorf("SSE_REPLAY_SIZE must be > 0")
	}
	if c.Journal.Enabled && c.Journal.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.Journal.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	if c.MaxSequence <= 0 {
		return fmt.Errorf("MAX_SEQUENCE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the API.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
