package vectorstore

import (
	"testing"

	"github.com/Service202508/BattwheelsGarages-sub003/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIndex(t *testing.T) {
	emb := &bagEmbedder{dim: 16}

	t.Run("chromem in memory", func(t *testing.T) {
		idx, err := NewIndex(config.VectorStoreConfig{Provider: config.VectorStoreChromem}, emb, nil)
		require.NoError(t, err)
		require.NotNil(t, idx)
		assert.IsType(t, &ChromemIndex{}, idx)
		assert.Len(t, ServiceOptions(idx), 3, "chromem serves semantic, hybrid and indexing")
	})

	t.Run("none", func(t *testing.T) {
		idx, err := NewIndex(config.VectorStoreConfig{Provider: config.VectorStoreNone}, emb, nil)
		require.NoError(t, err)
		assert.Nil(t, idx)
		assert.Empty(t, ServiceOptions(idx))
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := NewIndex(config.VectorStoreConfig{Provider: "pinecone"}, emb, nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("qdrant options exclude hybrid", func(t *testing.T) {
		idx := newTestQdrant(t, &fakeQdrant{exists: true})
		assert.Len(t, ServiceOptions(idx), 2)
	})
}
