package vectorstore

import (
	"fmt"

	"github.com/Service202508/BattwheelsGarages-sub003/internal/config"
	"github.com/Service202508/BattwheelsGarages-sub003/internal/failure"
	"go.uber.org/zap"
)

// Index is a retrieval backend that can also be kept in sync with card writes.
type Index interface {
	failure.SemanticRetriever
	failure.CardIndexer
	Close() error
}

var (
	_ Index = (*ChromemIndex)(nil)
	_ Index = (*QdrantIndex)(nil)
)

// NewIndex creates the index selected by cfg.Provider:
//   - "chromem" (default): embedded chromem-go, no external deps
//   - "qdrant": external Qdrant over gRPC
//   - "none": returns a nil Index; the cascade then skips its embedding stages
//
// Callers should check whether the result also implements
// failure.HybridRetriever (only chromem does).
func NewIndex(cfg config.VectorStoreConfig, embedder Embedder, logger *zap.Logger) (Index, error) {
	switch cfg.Provider {
	case config.VectorStoreChromem, "":
		return NewChromemIndex(ChromemConfig{
			Path:           cfg.ChromemPath,
			Compress:       cfg.ChromemCompress,
			Collection:     cfg.Collection,
			SemanticWeight: cfg.SemanticWeight,
		}, embedder, logger)

	case config.VectorStoreQdrant:
		return NewQdrantIndex(QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			Collection: cfg.Collection,
			VectorSize: uint64(cfg.VectorSize),
			UseTLS:     cfg.QdrantUseTLS,
			APIKey:     cfg.QdrantAPIKey.Value(),
		}, embedder, logger)

	case config.VectorStoreNone:
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: unsupported vectorstore provider: %s (supported: chromem, qdrant, none)", ErrInvalidConfig, cfg.Provider)
	}
}

// ServiceOptions wires idx into the card service: semantic retrieval,
// indexing and, when supported, hybrid retrieval.
func ServiceOptions(idx Index) []failure.Option {
	if idx == nil {
		return nil
	}
	opts := []failure.Option{
		failure.WithSemanticRetriever(idx),
		failure.WithIndexer(idx),
	}
	if h, ok := idx.(failure.HybridRetriever); ok {
		opts = append(opts, failure.WithHybridRetriever(h))
	}
	return opts
}
