package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8420, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1:8420", cfg.Server.Addr())
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, VectorStoreChromem, cfg.VectorStore.Provider)
	assert.Equal(t, "failure_cards", cfg.VectorStore.Collection)
	assert.Equal(t, EmbeddingsFastEmbed, cfg.Embeddings.Provider)
	assert.Equal(t, "BAAI/bge-small-en-v1.5", cfg.Embeddings.Model)
	assert.Equal(t, "failureintel", cfg.Events.SubjectPrefix)
	assert.Equal(t, 256, cfg.Events.BufferSize)
	assert.Equal(t, 5, cfg.Matching.DefaultLimit)
	assert.Equal(t, 2*time.Second, cfg.Matching.RetrievalTimeout)
	assert.Equal(t, 600.0, cfg.Matching.LaborRatePerHour)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Empty(t, cfg.Events.NATSURL)
	assert.Empty(t, cfg.Review.QueueURL)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeConfig(t, `server:
  http_port: 9000
  shutdown_timeout: 3s
vectorstore:
  provider: qdrant
  qdrant_host: qdrant.internal
  qdrant_api_key: s3cret
embeddings:
  provider: tei
  base_url: http://tei:8080
events:
  nats_url: nats://nats:4222
matching:
  retrieval_timeout: 500ms
  labor_rate: 750
`, 0o600)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, VectorStoreQdrant, cfg.VectorStore.Provider)
	assert.Equal(t, "qdrant.internal", cfg.VectorStore.QdrantHost)
	assert.Equal(t, 6334, cfg.VectorStore.QdrantPort)
	assert.Equal(t, "s3cret", cfg.VectorStore.QdrantAPIKey.Value())
	assert.Equal(t, EmbeddingsTEI, cfg.Embeddings.Provider)
	assert.Equal(t, "http://tei:8080", cfg.Embeddings.BaseURL)
	assert.Equal(t, "nats://nats:4222", cfg.Events.NATSURL)
	assert.Equal(t, 500*time.Millisecond, cfg.Matching.RetrievalTimeout)
	assert.Equal(t, 750.0, cfg.Matching.LaborRatePerHour)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 9000\n", 0o600)

	t.Setenv("FAILUREINTEL_SERVER_HTTP_PORT", "9100")
	t.Setenv("FAILUREINTEL_MATCHING_DEFAULT_LIMIT", "7")
	t.Setenv("FAILUREINTEL_CACHE_REDIS_ADDR", "localhost:6379")
	t.Setenv("FAILUREINTEL_CACHE_TTL", "1h")
	t.Setenv("FAILUREINTEL_EMBEDDINGS_PROVIDER", "openai")
	t.Setenv("FAILUREINTEL_EMBEDDINGS_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Matching.DefaultLimit)
	assert.Equal(t, "localhost:6379", cfg.Cache.RedisAddr)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, "text-embedding-3-small", cfg.Embeddings.Model)
	assert.Equal(t, "sk-test", cfg.Embeddings.APIKey.Value())
}

func TestLoad_InsecurePermissions(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 9000\n", 0o644)
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInsecureConfigFile)
}

func TestLoad_TooLarge(t *testing.T) {
	big := make([]byte, maxConfigFileSize+10)
	for i := range big {
		big[i] = '#'
	}
	path := writeConfig(t, string(big), 0o600)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfig(t, "vectorstore:\n  provider: pinecone\n", 0o600)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown vectorstore provider")
}

func TestEnvKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"FAILUREINTEL_SERVER_HTTP_PORT", "server.http_port"},
		{"FAILUREINTEL_VECTORSTORE_QDRANT_API_KEY", "vectorstore.qdrant_api_key"},
		{"FAILUREINTEL_DEBUG", ""},
		{"FAILUREINTEL_", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, envKey(tt.in))
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"bad embeddings", func(c *Config) { c.Embeddings.Provider = "word2vec" }, "unknown embeddings provider"},
		{"openai without key", func(c *Config) { c.Embeddings.Provider = EmbeddingsOpenAI }, "api_key is required"},
		{"openai without index", func(c *Config) {
			c.Embeddings.Provider = EmbeddingsOpenAI
			c.VectorStore.Provider = VectorStoreNone
		}, ""},
		{"bad nats url", func(c *Config) { c.Events.NATSURL = "http://nats" }, "nats_url"},
		{"limits inverted", func(c *Config) { c.Matching.MaxLimit = 2 }, "matching limits"},
		{"boost out of range", func(c *Config) { c.Matching.ApprovalBoost = 1.5 }, "approval_boost"},
		{"semantic weight", func(c *Config) { c.VectorStore.SemanticWeight = -0.1 }, "semantic_weight"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging format"},
		{"telemetry sampling", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.SamplingRate = 2
		}, "sampling_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))
	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())

	out, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"[REDACTED]"}`, string(out))

	assert.Equal(t, "", Secret("").String())
	assert.False(t, Secret("").IsSet())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())
	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
