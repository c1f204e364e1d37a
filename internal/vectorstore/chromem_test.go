package vectorstore

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"testing"

	"github.com/Service202508/BattwheelsGarages-sub003/internal/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// bagEmbedder hashes each token into one of dim buckets, so texts sharing
// words get similar vectors.
type bagEmbedder struct {
	dim int
	err error
}

func (e *bagEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.embed(t)
	}
	return out, nil
}

func (e *bagEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.embed(text), nil
}

func (e *bagEmbedder) embed(text string) []float32 {
	v := make([]float32, e.dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		v[h.Sum32()%uint32(e.dim)]++
	}
	var sum float64
	for _, x := range v {
		sum += float64(x * x)
	}
	if sum == 0 {
		v[0] = 1
		return v
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
	return v
}

func newTestChromem(t *testing.T, cfg ChromemConfig) *ChromemIndex {
	t.Helper()
	idx, err := NewChromemIndex(cfg, &bagEmbedder{dim: 64}, zap.NewNop())
	require.NoError(t, err)
	return idx
}

func testCards() []*failure.Card {
	return []*failure.Card{
		{
			FailureID:   "fc-battery",
			Title:       "Battery not charging",
			SymptomText: "battery not charging after overnight plug in",
			RootCause:   "Charger relay welded",
			Subsystem:   failure.SubsystemBattery,
			Status:      failure.StatusApproved,
			ErrorCodes:  []string{"E101"},
		},
		{
			FailureID:   "fc-motor",
			Title:       "Motor whine at speed",
			SymptomText: "high pitched motor whine above 40 kmph",
			RootCause:   "Bearing wear",
			Subsystem:   failure.SubsystemMotor,
			Status:      failure.StatusApproved,
		},
		{
			FailureID:   "fc-brakes",
			Title:       "Brake squeal",
			SymptomText: "squeal when braking downhill",
			RootCause:   "Glazed pads",
			Subsystem:   failure.SubsystemBrakes,
			Status:      failure.StatusDraft,
		},
	}
}

func TestChromemIndex_FindSimilar(t *testing.T) {
	idx := newTestChromem(t, ChromemConfig{})
	ctx := context.Background()
	for _, c := range testCards() {
		require.NoError(t, idx.IndexCard(ctx, c))
	}
	assert.Equal(t, 3, idx.Count())

	vec, err := idx.Embed(ctx, "battery not charging")
	require.NoError(t, err)

	hits, err := idx.FindSimilar(ctx, vec, failure.RetrievalFilter{}, 10, 0.1)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "fc-battery", hits[0].FailureID)
	for _, h := range hits {
		assert.GreaterOrEqual(t, h.Score, 0.1)
	}

	t.Run("subsystem filter", func(t *testing.T) {
		hits, err := idx.FindSimilar(ctx, vec, failure.RetrievalFilter{Subsystem: failure.SubsystemMotor}, 10, 0)
		require.NoError(t, err)
		for _, h := range hits {
			assert.Equal(t, "fc-motor", h.FailureID)
		}
	})

	t.Run("min score excludes everything", func(t *testing.T) {
		hits, err := idx.FindSimilar(ctx, vec, failure.RetrievalFilter{}, 10, 1.01)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("limit larger than collection", func(t *testing.T) {
		hits, err := idx.FindSimilar(ctx, vec, failure.RetrievalFilter{}, 50, -1)
		require.NoError(t, err)
		assert.Len(t, hits, 3)
	})
}

func TestChromemIndex_EmptyCollection(t *testing.T) {
	idx := newTestChromem(t, ChromemConfig{})
	ctx := context.Background()

	hits, err := idx.FindSimilar(ctx, []float32{1, 0}, failure.RetrievalFilter{}, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = idx.HybridSearch(ctx, "anything", failure.RetrievalFilter{}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemIndex_HybridSearch(t *testing.T) {
	idx := newTestChromem(t, ChromemConfig{})
	ctx := context.Background()
	for _, c := range testCards() {
		require.NoError(t, idx.IndexCard(ctx, c))
	}

	hits, err := idx.HybridSearch(ctx, "motor whine bearing", failure.RetrievalFilter{}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "fc-motor", hits[0].FailureID)
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
	assert.LessOrEqual(t, hits[0].Score, 1.0)
}

func TestChromemIndex_ReindexAndDeprecate(t *testing.T) {
	idx := newTestChromem(t, ChromemConfig{})
	ctx := context.Background()
	cards := testCards()
	for _, c := range cards {
		require.NoError(t, idx.IndexCard(ctx, c))
	}

	// re-indexing replaces the document
	cards[0].Title = "Battery not charging fully"
	require.NoError(t, idx.IndexCard(ctx, cards[0]))
	assert.Equal(t, 3, idx.Count())

	cards[1].Status = failure.StatusDeprecated
	require.NoError(t, idx.IndexCard(ctx, cards[1]))
	assert.Equal(t, 2, idx.Count())

	// deprecating an unknown card is a no-op
	require.NoError(t, idx.IndexCard(ctx, &failure.Card{FailureID: "ghost", Status: failure.StatusDeprecated}))
}

func TestChromemIndex_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	idx := newTestChromem(t, ChromemConfig{Path: dir})
	require.NoError(t, idx.IndexCard(ctx, testCards()[0]))
	require.NoError(t, idx.Close())

	reopened := newTestChromem(t, ChromemConfig{Path: dir})
	assert.Equal(t, 1, reopened.Count())
}

func TestChromemIndex_Errors(t *testing.T) {
	_, err := NewChromemIndex(ChromemConfig{}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewChromemIndex(ChromemConfig{Collection: "Bad Name"}, &bagEmbedder{dim: 8}, nil)
	assert.ErrorIs(t, err, ErrInvalidCollectionName)

	_, err = NewChromemIndex(ChromemConfig{SemanticWeight: 2}, &bagEmbedder{dim: 8}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	emb := &bagEmbedder{dim: 8}
	idx, err := NewChromemIndex(ChromemConfig{}, emb, nil)
	require.NoError(t, err)
	emb.err = errors.New("model not loaded")

	err = idx.IndexCard(context.Background(), testCards()[0])
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	_, err = idx.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestKeywordOverlap(t *testing.T) {
	assert.Equal(t, 0.0, keywordOverlap(nil, "anything"))
	assert.Equal(t, 0.5, keywordOverlap([]string{"motor", "brake"}, "Motor whine, at speed"))
	assert.Equal(t, 1.0, keywordOverlap([]string{"e101"}, "codes: E101"))
}

func TestCardContent(t *testing.T) {
	c := &failure.Card{Title: "T", SymptomText: "  ", RootCause: "R", ErrorCodes: []string{"E1", "E2"}, Keywords: []string{"k"}}
	assert.Equal(t, "T\nR\nE1 E2\nk", cardContent(c))
}
