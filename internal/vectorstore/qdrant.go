package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Service202508/BattwheelsGarages-sub003/internal/failure"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("failureintel.vectorstore.qdrant")

const backendQdrant = "qdrant"

// cardNamespace derives stable Qdrant point ids from failure ids.
var cardNamespace = uuid.MustParse("6f1c2a8e-3b57-4d8a-9a61-2f0e5c7d9b14")

// QdrantConfig holds configuration for the Qdrant gRPC index.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	// Default: "localhost"
	Host string

	// Port is the Qdrant gRPC port (NOT HTTP REST port).
	// Default: 6334
	Port int

	// Collection is the collection holding card points.
	// Default: "failure_cards"
	Collection string

	// VectorSize must match the embedder output dimension.
	// Default: 384
	VectorSize uint64

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// APIKey authenticates against Qdrant Cloud.
	APIKey string

	// MaxRetries is the maximum number of retry attempts for transient failures.
	// Default: 3
	MaxRetries int

	// RetryBackoff is the initial backoff, doubled on each retry.
	// Default: 200ms
	RetryBackoff time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	// Default: 16MB
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "failure_cards"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 16 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return ValidateCollectionName(c.Collection)
}

// qdrantClient is the subset of *qdrant.Client the index uses.
type qdrantClient interface {
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Delete(ctx context.Context, request *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Close() error
}

// QdrantIndex keeps failure cards in a Qdrant collection and serves the
// semantic match stage.
type QdrantIndex struct {
	client   qdrantClient
	embedder Embedder
	config   QdrantConfig
	logger   *zap.Logger

	ensureOnce sync.Once
	ensureErr  error
}

var (
	_ failure.SemanticRetriever = (*QdrantIndex)(nil)
	_ failure.CardIndexer       = (*QdrantIndex)(nil)
)

// NewQdrantIndex dials Qdrant over gRPC.
func NewQdrantIndex(config QdrantConfig, embedder Embedder, logger *zap.Logger) (*QdrantIndex, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		APIKey: config.APIKey,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	if logger != nil && !config.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)", zap.String("host", config.Host))
	}
	return newQdrantIndex(client, config, embedder, logger)
}

func newQdrantIndex(client qdrantClient, config QdrantConfig, embedder Embedder, logger *zap.Logger) (*QdrantIndex, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	return &QdrantIndex{client: client, embedder: embedder, config: config, logger: logger}, nil
}

// PointID returns the Qdrant point id for a failure id.
func PointID(failureID string) string {
	return uuid.NewSHA1(cardNamespace, []byte(failureID)).String()
}

// ensureCollection creates the collection on first use.
func (x *QdrantIndex) ensureCollection(ctx context.Context) error {
	x.ensureOnce.Do(func() {
		x.ensureErr = x.retry(ctx, "ensure_collection", func() error {
			exists, err := x.client.CollectionExists(ctx, x.config.Collection)
			if err != nil || exists {
				return err
			}
			return x.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: x.config.Collection,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     x.config.VectorSize,
					Distance: qdrant.Distance_Cosine,
				}),
			})
		})
	})
	return x.ensureErr
}

// IndexCard upserts the card's point. Deprecated cards are deleted.
func (x *QdrantIndex) IndexCard(ctx context.Context, card *failure.Card) (err error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.IndexCard")
	defer span.End()
	defer func() { IndexOperations.WithLabelValues(backendQdrant, resultLabel(err)).Inc() }()

	span.SetAttributes(attribute.String("failure_id", card.FailureID))

	if err := x.ensureCollection(ctx); err != nil {
		span.RecordError(err)
		return err
	}

	pointID := qdrant.NewIDUUID(PointID(card.FailureID))
	if card.Status == failure.StatusDeprecated {
		err := x.retry(ctx, "delete", func() error {
			_, err := x.client.Delete(ctx, &qdrant.DeletePoints{
				CollectionName: x.config.Collection,
				Points:         qdrant.NewPointsSelector(pointID),
			})
			return err
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("deleting deprecated card %s: %w", card.FailureID, err)
		}
		return nil
	}

	content := cardContent(card)
	vectors, err := x.embedder.EmbedDocuments(ctx, []string{content})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(vectors) != 1 {
		return fmt.Errorf("%w: expected 1 vector, got %d", ErrEmbeddingFailed, len(vectors))
	}

	payload := make(map[string]any, 5)
	for k, v := range cardMetadata(card) {
		payload[k] = v
	}
	payload["content"] = content

	err = x.retry(ctx, "upsert", func() error {
		_, err := x.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: x.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points: []*qdrant.PointStruct{{
				Id:      pointID,
				Vectors: qdrant.NewVectors(vectors[0]...),
				Payload: qdrant.NewValueMap(payload),
			}},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting card %s: %w", card.FailureID, err)
	}
	return nil
}

// Embed returns the query embedding for text.
func (x *QdrantIndex) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := x.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vec, nil
}

// FindSimilar queries Qdrant with a score threshold and optional subsystem filter.
func (x *QdrantIndex) FindSimilar(ctx context.Context, vector []float32, filter failure.RetrievalFilter, limit int, minScore float64) ([]failure.RetrievalHit, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.FindSimilar")
	defer span.End()

	if len(vector) == 0 || limit <= 0 {
		return nil, nil
	}
	if err := x.ensureCollection(ctx); err != nil {
		span.RecordError(err)
		return nil, err
	}

	req := &qdrant.QueryPoints{
		CollectionName: x.config.Collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		ScoreThreshold: qdrant.PtrOf(float32(minScore)),
	}
	if filter.Subsystem != "" {
		req.Filter = &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(metaSubsystem, string(filter.Subsystem))},
		}
	}

	start := time.Now()
	var points []*qdrant.ScoredPoint
	err := x.retry(ctx, "query", func() error {
		res, err := x.client.Query(ctx, req)
		points = res
		return err
	})
	SearchDuration.WithLabelValues(backendQdrant, "semantic").Observe(time.Since(start).Seconds())
	SearchOperations.WithLabelValues(backendQdrant, "semantic", resultLabel(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", x.config.Collection, err)
	}

	hits := make([]failure.RetrievalHit, 0, len(points))
	for _, p := range points {
		id := p.GetPayload()[metaFailureID].GetStringValue()
		if id == "" {
			continue
		}
		hits = append(hits, failure.RetrievalHit{FailureID: id, Score: float64(p.GetScore())})
	}
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

// Close closes the gRPC connection.
func (x *QdrantIndex) Close() error {
	if x.client != nil {
		return x.client.Close()
	}
	return nil
}

// retry runs op with exponential backoff while it fails transiently.
func (x *QdrantIndex) retry(ctx context.Context, name string, op func() error) error {
	backoff := x.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", name, err)
		}
		if attempt == x.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", name, x.config.MaxRetries, err)
		}
		x.logger.Debug("retrying qdrant operation", zap.String("operation", name), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", name, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	st, ok := status.FromError(err)
	if err == nil || !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	}
	return false
}
