package failure

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingSink captures emitted events.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Emit(ctx context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) ofType(t string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// fakeSemantic returns fixed similarity hits.
type fakeSemantic struct {
	hits     []RetrievalHit
	embedErr error
	findErr  error
	calls    int
}

func (f *fakeSemantic) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return []float32{1, 0, 0}, nil
}

func (f *fakeSemantic) FindSimilar(ctx context.Context, vector []float32, filter RetrievalFilter, limit int, minScore float64) ([]RetrievalHit, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.hits, nil
}

// fakeHybrid returns fixed hybrid hits.
type fakeHybrid struct {
	hits  []RetrievalHit
	err   error
	calls int
}

func (f *fakeHybrid) HybridSearch(ctx context.Context, query string, filter RetrievalFilter, limit int) ([]RetrievalHit, error) {
	f.calls++
	return f.hits, f.err
}

// fakeReview collects queued review items.
type fakeReview struct {
	mu    sync.Mutex
	items []ReviewItem
	err   error
}

func (f *fakeReview) Enqueue(ctx context.Context, item ReviewItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.items = append(f.items, item)
	return nil
}

// fakeCache records match metadata.
type fakeCache struct {
	puts []MatchMetadata
}

func (f *fakeCache) Put(ctx context.Context, req *MatchRequest, meta MatchMetadata) error {
	f.puts = append(f.puts, meta)
	return nil
}

func (f *fakeCache) Get(ctx context.Context, req *MatchRequest) (*MatchMetadata, error) {
	if len(f.puts) == 0 {
		return nil, nil
	}
	return &f.puts[len(f.puts)-1], nil
}

var errRetrievalDown = errors.New("retrieval unavailable")

var errStoreDown = errors.New("store unavailable")

// flakyStore fails the next N card updates or usage increments.
type flakyStore struct {
	*InMemoryStore
	failUpdates    int
	failIncrements int
}

func (f *flakyStore) UpdateCard(ctx context.Context, card *Card, expectedVersion int, version VersionEntry, confidence *ConfidenceEntry) error {
	if f.failUpdates > 0 {
		f.failUpdates--
		return errStoreDown
	}
	return f.InMemoryStore.UpdateCard(ctx, card, expectedVersion, version, confidence)
}

func (f *flakyStore) IncrementUsage(ctx context.Context, failureID string, outcome Outcome) error {
	if f.failIncrements > 0 {
		f.failIncrements--
		return errStoreDown
	}
	return f.InMemoryStore.IncrementUsage(ctx, failureID, outcome)
}

func newTestService(t *testing.T, opts ...Option) (*Service, *InMemoryStore) {
	t.Helper()
	store := NewInMemoryStore()
	opts = append([]Option{WithTicketStore(store)}, opts...)
	svc, err := NewService(nil, store, store, zap.NewNop(), opts...)
	require.NoError(t, err)
	return svc, store
}

func mustCreate(t *testing.T, svc *Service, req *CreateCardRequest) *Card {
	t.Helper()
	card, err := svc.CreateCard(context.Background(), req)
	require.NoError(t, err)
	return card
}
