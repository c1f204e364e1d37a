// Package vectorstore indexes failure cards for embedding retrieval.
//
// Two backends are provided:
//   - ChromemIndex: embedded chromem-go collection, in memory or persisted to a
//     directory. Serves both the semantic and the hybrid match stages.
//   - QdrantIndex: external Qdrant over gRPC. Serves the semantic stage.
//
// Both implement failure.CardIndexer, so the card service keeps the index in
// step with card writes. Deprecated cards are removed from the index.
//
// # Usage
//
//	idx, err := vectorstore.NewChromemIndex(vectorstore.ChromemConfig{
//	    Path: "/var/lib/failureintel/vectors",
//	}, embedder, logger)
//	if err != nil {
//	    return err
//	}
//	svc, err := failure.NewService(cfg, store, store, logger,
//	    failure.WithSemanticRetriever(idx),
//	    failure.WithHybridRetriever(idx),
//	    failure.WithIndexer(idx),
//	)
//
// Hybrid scores blend cosine similarity with the fraction of query keywords
// present in the card text (SemanticWeight, default 0.7).
package vectorstore
