package config

import (
	"context"
	"strings"
	"time"
)

// ListenerConfig holds the network settings for the HTTP listener.
type ListenerConfig struct {
	Port              int
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the chat service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode, the X-User-ID header is accepted in place of a bearer token.
	Mode string

	// Database
	DBURL string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// Datastore backend type
	DatastoreType string // "mongo" or "mem"

	// Cache backend type
	CacheType string // "redis" or "none"

	// Redis
	RedisURL string

	// Cache TTLs per shape. The page TTL also bounds how stale a served page
	// snapshot can be.
	CacheMessageTTL time.Duration
	CacheIndexTTL   time.Duration
	CachePageTTL    time.Duration

	// Maximum entries retained in a conversation's ordered message index.
	CacheIndexMaxEntries int

	// Pagination defaults
	DefaultPageLimit int
	MaxPageLimit     int

	// Server
	Listener    ListenerConfig
	MaxBodySize int64
	CORSEnabled bool
	CORSOrigins string

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Security
	// APIKeys maps bearer token values to user IDs (CHAT_SERVICE_API_KEYS is a
	// comma-separated token=userId list).
	APIKeys map[string]string

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                    ModeProd,
		DatastoreType:           "mongo",
		DatastoreMigrateAtStart: true,
		CacheType:               "none",
		CacheMessageTTL:         24 * time.Hour,
		CacheIndexTTL:           7 * 24 * time.Hour,
		CachePageTTL:            5 * time.Minute,
		CacheIndexMaxEntries:    1000,
		DefaultPageLimit:        20,
		MaxPageLimit:            100,
		Listener: ListenerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		MaxBodySize:    1 << 20, // 1 MB; message bodies are text, media lives elsewhere
		DrainTimeout:   30,
		DBMaxOpenConns: 25,
		DBMaxIdleConns: 5,
	}
}

// ParseAPIKeys parses a comma-separated token=userId list into the APIKeys map.
// Returns nil for an empty string.
func ParseAPIKeys(s string) map[string]string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	keys := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		idx := strings.IndexByte(pair, '=')
		if idx <= 0 {
			continue
		}
		token := strings.TrimSpace(pair[:idx])
		userID := strings.TrimSpace(pair[idx+1:])
		if token != "" && userID != "" {
			keys[token] = userID
		}
	}
	return keys
}
