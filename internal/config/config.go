// Package config loads failureintel configuration from a YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Vector store providers.
const (
	VectorStoreChromem = "chromem"
	VectorStoreQdrant  = "qdrant"
	VectorStoreNone    = "none"
)

// Embedding providers.
const (
	EmbeddingsFastEmbed = "fastembed"
	EmbeddingsTEI       = "tei"
	EmbeddingsOpenAI    = "openai"
)

// Config holds the complete failureintel configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	Events      EventsConfig      `koanf:"events"`
	Review      ReviewConfig      `koanf:"review"`
	Cache       CacheConfig       `koanf:"cache"`
	Matching    MatchingConfig    `koanf:"matching"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// RateLimit is requests per second per client IP; 0 disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
}

// Addr returns host:port for the listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds the SQLite card store location.
type DatabaseConfig struct {
	// Path is the database file. ":memory:" keeps everything in process.
	Path        string        `koanf:"path"`
	BusyTimeout time.Duration `koanf:"busy_timeout"`
}

// VectorStoreConfig selects and configures the retrieval index.
type VectorStoreConfig struct {
	Provider        string  `koanf:"provider"`
	Collection      string  `koanf:"collection"`
	ChromemPath     string  `koanf:"chromem_path"`
	ChromemCompress bool    `koanf:"chromem_compress"`
	SemanticWeight  float64 `koanf:"semantic_weight"`
	QdrantHost      string  `koanf:"qdrant_host"`
	QdrantPort      int     `koanf:"qdrant_port"`
	QdrantAPIKey    Secret  `koanf:"qdrant_api_key"`
	QdrantUseTLS    bool    `koanf:"qdrant_use_tls"`
	VectorSize      int     `koanf:"vector_size"`
}

// EmbeddingsConfig selects the embedding provider.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	APIKey   Secret `koanf:"api_key"`
	CacheDir string `koanf:"cache_dir"`
}

// EventsConfig configures event dispatch. An empty NATSURL keeps events in
// process (logged only).
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	BufferSize    int    `koanf:"buffer_size"`
}

// ReviewConfig configures the review queue. An empty QueueURL disables it.
type ReviewConfig struct {
	QueueURL string `koanf:"queue_url"`
	Region   string `koanf:"region"`
	// Endpoint overrides the SQS endpoint (localstack, elasticmq).
	Endpoint string `koanf:"endpoint"`
}

// CacheConfig configures the match metadata cache. An empty RedisAddr
// disables it.
type CacheConfig struct {
	RedisAddr     string        `koanf:"redis_addr"`
	RedisPassword Secret        `koanf:"redis_password"`
	RedisDB       int           `koanf:"redis_db"`
	TTL           time.Duration `koanf:"ttl"`
}

// MatchingConfig tunes the matching cascade and scoring.
type MatchingConfig struct {
	DefaultLimit     int           `koanf:"default_limit"`
	MaxLimit         int           `koanf:"max_limit"`
	RetrievalTimeout time.Duration `koanf:"retrieval_timeout"`
	SemanticMinScore float64       `koanf:"semantic_min_score"`
	LaborRatePerHour float64       `koanf:"labor_rate"`
	ApprovalBoost    float64       `koanf:"approval_boost"`
	FeedbackBoost    float64       `koanf:"feedback_boost"`
	FeedbackPenalty  float64       `koanf:"feedback_penalty"`
}

// LoggingConfig holds the logger knobs exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds the OpenTelemetry knobs exposed to operators.
type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	Endpoint     string  `koanf:"endpoint"`
	ServiceName  string  `koanf:"service_name"`
	Insecure     bool    `koanf:"insecure"`
	SamplingRate float64 `koanf:"sampling_rate"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8420
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "~/.config/failureintel/failureintel.db"
	}
	if cfg.Database.BusyTimeout == 0 {
		cfg.Database.BusyTimeout = 5 * time.Second
	}

	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = VectorStoreChromem
	}
	if cfg.VectorStore.Collection == "" {
		cfg.VectorStore.Collection = "failure_cards"
	}
	if cfg.VectorStore.SemanticWeight == 0 {
		cfg.VectorStore.SemanticWeight = 0.7
	}
	if cfg.VectorStore.QdrantHost == "" {
		cfg.VectorStore.QdrantHost = "localhost"
	}
	if cfg.VectorStore.QdrantPort == 0 {
		cfg.VectorStore.QdrantPort = 6334
	}
	if cfg.VectorStore.VectorSize == 0 {
		cfg.VectorStore.VectorSize = 384 // bge-small-en-v1.5 dimensions
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = EmbeddingsFastEmbed
	}
	if cfg.Embeddings.Model == "" {
		switch cfg.Embeddings.Provider {
		case EmbeddingsOpenAI:
			cfg.Embeddings.Model = "text-embedding-3-small"
		default:
			cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
		}
	}
	if cfg.Embeddings.BaseURL == "" && cfg.Embeddings.Provider == EmbeddingsTEI {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "failureintel"
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 256
	}

	if cfg.Review.Region == "" {
		cfg.Review.Region = "ap-south-1"
	}

	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 24 * time.Hour
	}

	if cfg.Matching.DefaultLimit == 0 {
		cfg.Matching.DefaultLimit = 5
	}
	if cfg.Matching.MaxLimit == 0 {
		cfg.Matching.MaxLimit = 50
	}
	if cfg.Matching.RetrievalTimeout == 0 {
		cfg.Matching.RetrievalTimeout = 2 * time.Second
	}
	if cfg.Matching.SemanticMinScore == 0 {
		cfg.Matching.SemanticMinScore = 0.5
	}
	if cfg.Matching.LaborRatePerHour == 0 {
		cfg.Matching.LaborRatePerHour = 600
	}
	if cfg.Matching.ApprovalBoost == 0 {
		cfg.Matching.ApprovalBoost = 0.2
	}
	if cfg.Matching.FeedbackBoost == 0 {
		cfg.Matching.FeedbackBoost = 0.02
	}
	if cfg.Matching.FeedbackPenalty == 0 {
		cfg.Matching.FeedbackPenalty = 0.05
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "failureintel"
	}
	if cfg.Telemetry.SamplingRate == 0 {
		cfg.Telemetry.SamplingRate = 1.0
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server rate_limit cannot be negative"))
	}

	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database path is required"))
	}

	switch c.VectorStore.Provider {
	case VectorStoreChromem, VectorStoreNone:
	case VectorStoreQdrant:
		if c.VectorStore.QdrantPort < 1 || c.VectorStore.QdrantPort > 65535 {
			errs = append(errs, fmt.Errorf("invalid qdrant port: %d", c.VectorStore.QdrantPort))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown vectorstore provider %q (want chromem, qdrant or none)", c.VectorStore.Provider))
	}
	if c.VectorStore.SemanticWeight < 0 || c.VectorStore.SemanticWeight > 1 {
		errs = append(errs, fmt.Errorf("vectorstore semantic_weight must be within [0,1], got %v", c.VectorStore.SemanticWeight))
	}

	switch c.Embeddings.Provider {
	case EmbeddingsFastEmbed:
	case EmbeddingsTEI:
		if _, err := url.ParseRequestURI(c.Embeddings.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("embeddings base_url: %w", err))
		}
	case EmbeddingsOpenAI:
		if !c.Embeddings.APIKey.IsSet() && c.VectorStore.Provider != VectorStoreNone {
			errs = append(errs, errors.New("embeddings api_key is required for the openai provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown embeddings provider %q (want fastembed, tei or openai)", c.Embeddings.Provider))
	}

	if c.Events.BufferSize < 1 {
		errs = append(errs, errors.New("events buffer_size must be positive"))
	}
	if c.Events.NATSURL != "" && !strings.HasPrefix(c.Events.NATSURL, "nats://") && !strings.HasPrefix(c.Events.NATSURL, "tls://") {
		errs = append(errs, fmt.Errorf("events nats_url must use nats:// or tls://, got %q", c.Events.NATSURL))
	}

	if c.Review.QueueURL != "" {
		if _, err := url.ParseRequestURI(c.Review.QueueURL); err != nil {
			errs = append(errs, fmt.Errorf("review queue_url: %w", err))
		}
	}

	if c.Cache.TTL < 0 {
		errs = append(errs, errors.New("cache ttl cannot be negative"))
	}

	m := c.Matching
	if m.DefaultLimit < 1 || m.MaxLimit < m.DefaultLimit {
		errs = append(errs, fmt.Errorf("matching limits invalid: default %d, max %d", m.DefaultLimit, m.MaxLimit))
	}
	if m.RetrievalTimeout <= 0 {
		errs = append(errs, errors.New("matching retrieval_timeout must be positive"))
	}
	if m.LaborRatePerHour < 0 {
		errs = append(errs, errors.New("matching labor_rate cannot be negative"))
	}
	for name, v := range map[string]float64{
		"semantic_min_score": m.SemanticMinScore,
		"approval_boost":     m.ApprovalBoost,
		"feedback_boost":     m.FeedbackBoost,
		"feedback_penalty":   m.FeedbackPenalty,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("matching %s must be within [0,1], got %v", name, v))
		}
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format))
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			errs = append(errs, errors.New("telemetry endpoint is required when telemetry is enabled"))
		}
		if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
			errs = append(errs, fmt.Errorf("telemetry sampling_rate must be within [0,1], got %v", c.Telemetry.SamplingRate))
		}
	}

	return errors.Join(errs...)
}
