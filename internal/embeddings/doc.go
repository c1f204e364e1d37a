// Package embeddings turns failure card text into vectors.
//
// Three providers implement vectorstore.Embedder:
//   - FastEmbedProvider: local ONNX models (cgo builds only)
//   - TEIProvider: a HuggingFace text-embeddings-inference server over HTTP
//   - OpenAIProvider: OpenAI or any compatible API through langchaingo
//
// NewProvider picks one from config.EmbeddingsConfig.
package embeddings
