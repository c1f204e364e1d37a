package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Service202508/BattwheelsGarages-sub003/internal/failure"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("failureintel.vectorstore.chromem")

const backendChromem = "chromem"

// ChromemConfig holds configuration for the embedded chromem-go index.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty keeps the index in memory.
	Path string

	// Compress enables gzip compression for stored documents.
	Compress bool

	// Collection is the collection holding card documents.
	// Default: "failure_cards"
	Collection string

	// SemanticWeight is the share of the hybrid score taken from vector
	// similarity; the rest comes from keyword overlap.
	// Default: 0.7
	SemanticWeight float64

	// CandidateFactor widens the vector query before hybrid re-ranking.
	// Default: 3
	CandidateFactor int
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "failure_cards"
	}
	if c.SemanticWeight == 0 {
		c.SemanticWeight = 0.7
	}
	if c.CandidateFactor == 0 {
		c.CandidateFactor = 3
	}
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.SemanticWeight < 0 || c.SemanticWeight > 1 {
		return fmt.Errorf("%w: semantic weight must be within [0,1]", ErrInvalidConfig)
	}
	if c.CandidateFactor < 1 {
		return fmt.Errorf("%w: candidate factor must be positive", ErrInvalidConfig)
	}
	return ValidateCollectionName(c.Collection)
}

// ChromemIndex keeps failure cards in a chromem-go collection and serves the
// semantic and hybrid match stages.
type ChromemIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
	embedder   Embedder
	config     ChromemConfig
	logger     *zap.Logger
}

var (
	_ failure.SemanticRetriever = (*ChromemIndex)(nil)
	_ failure.HybridRetriever   = (*ChromemIndex)(nil)
	_ failure.CardIndexer       = (*ChromemIndex)(nil)
)

// NewChromemIndex creates a chromem-backed card index.
func NewChromemIndex(config ChromemConfig, embedder Embedder, logger *zap.Logger) (*ChromemIndex, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(config.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
		config.Path = path
	}

	idx := &ChromemIndex{db: db, embedder: embedder, config: config, logger: logger}

	// The embedding func must be set even though documents carry their own
	// vectors; chromem falls back to OpenAI when it is nil.
	collection, err := db.GetOrCreateCollection(config.Collection, nil, idx.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", config.Collection, err)
	}
	idx.collection = collection

	logger.Info("chromem card index initialized",
		zap.String("path", config.Path),
		zap.String("collection", config.Collection),
		zap.Int("documents", collection.Count()),
	)
	return idx, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

func (x *ChromemIndex) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return x.embedder.EmbedQuery(ctx, text)
	}
}

// IndexCard upserts the card's document. Deprecated cards are removed.
func (x *ChromemIndex) IndexCard(ctx context.Context, card *failure.Card) (err error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.IndexCard")
	defer span.End()
	defer func() { IndexOperations.WithLabelValues(backendChromem, resultLabel(err)).Inc() }()

	span.SetAttributes(attribute.String("failure_id", card.FailureID))

	if card.Status == failure.StatusDeprecated {
		if _, getErr := x.collection.GetByID(ctx, card.FailureID); getErr != nil {
			return nil
		}
		if err := x.collection.Delete(ctx, nil, nil, card.FailureID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("removing deprecated card %s: %w", card.FailureID, err)
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

	doc := chromem.Document{
		ID:        card.FailureID,
		Content:   content,
		Metadata:  cardMetadata(card),
		Embedding: vectors[0],
	}
	if err := x.collection.AddDocument(ctx, doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding document: %w", err)
	}

	x.logger.Debug("indexed card in chromem",
		zap.String("failure_id", card.FailureID),
		zap.String("subsystem", string(card.Subsystem)),
	)
	return nil
}

// Embed returns the query embedding for text.
func (x *ChromemIndex) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := x.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vec, nil
}

// FindSimilar returns up to limit cards whose cosine similarity to vector is
// at least minScore.
func (x *ChromemIndex) FindSimilar(ctx context.Context, vector []float32, filter failure.RetrievalFilter, limit int, minScore float64) ([]failure.RetrievalHit, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.FindSimilar")
	defer span.End()

	start := time.Now()
	results, err := x.query(ctx, vector, filter, limit)
	SearchDuration.WithLabelValues(backendChromem, "semantic").Observe(time.Since(start).Seconds())
	SearchOperations.WithLabelValues(backendChromem, "semantic", resultLabel(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	hits := make([]failure.RetrievalHit, 0, len(results))
	for _, r := range results {
		if float64(r.Similarity) < minScore {
			continue
		}
		hits = append(hits, failure.RetrievalHit{FailureID: r.ID, Score: float64(r.Similarity)})
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

// HybridSearch re-ranks a widened vector query by blending similarity with
// the fraction of query keywords found in each card's content.
func (x *ChromemIndex) HybridSearch(ctx context.Context, query string, filter failure.RetrievalFilter, limit int) ([]failure.RetrievalHit, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.HybridSearch")
	defer span.End()

	start := time.Now()
	hits, err := x.hybrid(ctx, query, filter, limit)
	SearchDuration.WithLabelValues(backendChromem, "hybrid").Observe(time.Since(start).Seconds())
	SearchOperations.WithLabelValues(backendChromem, "hybrid", resultLabel(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

func (x *ChromemIndex) hybrid(ctx context.Context, query string, filter failure.RetrievalFilter, limit int) ([]failure.RetrievalHit, error) {
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return nil, nil
	}
	vec, err := x.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	results, err := x.query(ctx, vec, filter, limit*x.config.CandidateFactor)
	if err != nil {
		return nil, err
	}

	terms := failure.ExtractKeywords(query)
	w := x.config.SemanticWeight
	hits := make([]failure.RetrievalHit, 0, len(results))
	for _, r := range results {
		sim := clampUnit(float64(r.Similarity))
		score := w*sim + (1-w)*keywordOverlap(terms, r.Content)
		hits = append(hits, failure.RetrievalHit{FailureID: r.ID, Score: score})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].FailureID < hits[j].FailureID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (x *ChromemIndex) query(ctx context.Context, vector []float32, filter failure.RetrievalFilter, n int) ([]chromem.Result, error) {
	if len(vector) == 0 || n <= 0 {
		return nil, nil
	}
	// chromem requires nResults <= document count
	if count := x.collection.Count(); n > count {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	var where map[string]string
	if filter.Subsystem != "" {
		where = map[string]string{metaSubsystem: string(filter.Subsystem)}
	}
	results, err := x.collection.QueryEmbedding(ctx, vector, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection %s: %w", x.config.Collection, err)
	}
	return results, nil
}

// Count returns the number of indexed cards.
func (x *ChromemIndex) Count() int {
	return x.collection.Count()
}

// Close releases the index. chromem persists on write, so there is nothing to flush.
func (x *ChromemIndex) Close() error {
	x.logger.Info("chromem card index closed")
	return nil
}

// clampUnit drops negative similarity to zero before blending.
func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
