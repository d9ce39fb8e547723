// Package config holds the engine's runtime configuration and the YAML
// procedure definition format.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type (
	// Config holds runtime settings for one engine process
	Config struct {
		// Persistence
		Backend         string
		GraphQLEndpoint string
		GraphQLToken    string
		RedisAddr       string
		RedisPassword   string
		RedisDB         int
		RedisPrefix     string

		// Gateways
		ModelEndpoint string
		ToolEndpoint  string

		// Archival
		ArchiveBucketURL string
		ArchivePrefix    string

		// Engine
		LogLevel            string
		FlushBatchSize      int
		InjectQueueSize     int
		DefaultHumanTimeout time.Duration
		RequestTimeout      time.Duration
	}
)

const (
	BackendMemory  = "memory"
	BackendRedis   = "redis"
	BackendGraphQL = "graphql"
)

const (
	DefaultRedisAddr      = "localhost:6379"
	DefaultRedisPrefix    = "operon"
	DefaultFlushBatch     = 32
	DefaultInjectQueue    = 16
	DefaultHumanTimeout   = 24 * time.Hour
	DefaultRequestTimeout = 30 * time.Second

	MaxFlushBatch  = 10_000
	MaxInjectQueue = 10_000
)

var (
	ErrInvalidBackend    = errors.New("invalid persistence backend")
	ErrEndpointRequired  = errors.New("graphql backend requires an endpoint")
	ErrInvalidFlushBatch = errors.New("flush batch size must be positive")
)

// NewDefaultConfig creates a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Backend:             BackendMemory,
		RedisAddr:           DefaultRedisAddr,
		RedisPrefix:         DefaultRedisPrefix,
		LogLevel:            "info",
		FlushBatchSize:      DefaultFlushBatch,
		InjectQueueSize:     DefaultInjectQueue,
		DefaultHumanTimeout: DefaultHumanTimeout,
		RequestTimeout:      DefaultRequestTimeout,
	}
}

// LoadFromEnv populates configuration values from environment variables.
// Returns an error if any value cannot be parsed.
func (c *Config) LoadFromEnv() error {
	if backend := os.Getenv("OPERON_BACKEND"); backend != "" {
		c.Backend = backend
	}
	if endpoint := os.Getenv("OPERON_GRAPHQL_ENDPOINT"); endpoint != "" {
		c.GraphQLEndpoint = endpoint
	}
	if token := os.Getenv("OPERON_GRAPHQL_TOKEN"); token != "" {
		c.GraphQLToken = token
	}
	if addr := os.Getenv("OPERON_REDIS_ADDR"); addr != "" {
		c.RedisAddr = addr
	}
	if password := os.Getenv("OPERON_REDIS_PASSWORD"); password != "" {
		c.RedisPassword = password
	}
	if prefix := os.Getenv("OPERON_REDIS_PREFIX"); prefix != "" {
		c.RedisPrefix = prefix
	}
	if endpoint := os.Getenv("OPERON_MODEL_ENDPOINT"); endpoint != "" {
		c.ModelEndpoint = endpoint
	}
	if endpoint := os.Getenv("OPERON_TOOL_ENDPOINT"); endpoint != "" {
		c.ToolEndpoint = endpoint
	}
	if bucket := os.Getenv("OPERON_ARCHIVE_BUCKET"); bucket != "" {
		c.ArchiveBucketURL = bucket
	}
	if prefix := os.Getenv("OPERON_ARCHIVE_PREFIX"); prefix != "" {
		c.ArchivePrefix = prefix
	}
	if level := os.Getenv("OPERON_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}

	if err := loadEnvInt(
		"OPERON_REDIS_DB", &c.RedisDB, -1, 16,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"OPERON_FLUSH_BATCH", &c.FlushBatchSize, 0, MaxFlushBatch,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"OPERON_INJECT_QUEUE", &c.InjectQueueSize, 0, MaxInjectQueue,
	); err != nil {
		return err
	}

	if timeout := os.Getenv("OPERON_HUMAN_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid OPERON_HUMAN_TIMEOUT: %q", timeout)
		}
		c.DefaultHumanTimeout = d
	}

	return nil
}

// Validate checks that all configuration values are consistent
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendRedis:
	case BackendGraphQL:
		if c.GraphQLEndpoint == "" {
			return ErrEndpointRequired
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidBackend, c.Backend)
	}

	if c.FlushBatchSize <= 0 {
		return ErrInvalidFlushBatch
	}

	return nil
}

// loadEnvInt reads key from the environment, parses it as an integer,
// and sets *dst if the value is in the range (min, max)
func loadEnvInt(key string, dst *int, min, max int) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, s)
	}
	if v <= min || v > max {
		return fmt.Errorf("invalid %s: %d out of range (%d, %d]",
			key, v, min, max)
	}
	*dst = v
	return nil
}
