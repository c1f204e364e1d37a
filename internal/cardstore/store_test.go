package cardstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Service202508/BattwheelsGarages-sub003/internal/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cards.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newCard(id string) *failure.Card {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &failure.Card{
		FailureID:     id,
		Title:         "BMS cell imbalance",
		Description:   "Pack voltage drift between cell groups",
		Subsystem:     failure.SubsystemBMS,
		SymptomText:   "range drops suddenly",
		Keywords:      []string{"imbalance", "range"},
		ErrorCodes:    []string{"B104"},
		RootCause:     "Failed balancing resistor",
		VehicleModels: []failure.VehicleModel{{Make: "Ather", Model: "450X"}},
		RequiredParts: []failure.RequiredPart{{PartNumber: "BAL-1", Name: "Balancer", Quantity: 1, UnitCost: 1200}},
		Signature: failure.Signature{
			PrimarySymptoms: []string{"range drops suddenly"},
			ErrorCodes:      []string{"B104"},
			Subsystem:       failure.SubsystemBMS,
		},
		SignatureHash:   "abc123",
		ConfidenceScore: 0.7,
		Status:          failure.StatusDraft,
		Version:         1,
		SourceType:      failure.SourceCurated,
		ConfidenceHistory: []failure.ConfidenceEntry{
			{Timestamp: now, PreviousScore: 0, NewScore: 0.7, Reason: failure.ReasonInitial},
		},
		VersionHistory: []failure.VersionEntry{
			{Version: 1, ChangedFields: []string{"created"}, Timestamp: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateCard(ctx, newCard("fc-1")))

	got, err := s.GetCard(ctx, "fc-1")
	require.NoError(t, err)
	assert.Equal(t, "BMS cell imbalance", got.Title)
	assert.Equal(t, failure.SubsystemBMS, got.Subsystem)
	assert.Equal(t, []string{"B104"}, got.ErrorCodes)
	assert.Equal(t, "450X", got.VehicleModels[0].Model)
	assert.Equal(t, failure.LevelMedium, got.ConfidenceLevel)
	assert.Equal(t, 0.5, got.EffectivenessScore)
	require.Len(t, got.ConfidenceHistory, 1)
	require.Len(t, got.VersionHistory, 1)
	assert.Equal(t, []string{"created"}, got.VersionHistory[0].ChangedFields)

	err = s.CreateCard(ctx, newCard("fc-1"))
	assert.ErrorIs(t, err, failure.ErrInvalidInput)

	_, err = s.GetCard(ctx, "missing")
	assert.ErrorIs(t, err, failure.ErrNotFound)
}

func TestStore_FindAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := newCard("fc-a")
	b := newCard("fc-b")
	b.Subsystem = failure.SubsystemMotor
	b.SignatureHash = "other"
	b.ErrorCodes = []string{"M9"}
	b.Keywords = []string{"whine"}
	b.Status = failure.StatusDeprecated
	require.NoError(t, s.CreateCard(ctx, a))
	require.NoError(t, s.CreateCard(ctx, b))

	hits, err := s.FindBySignatureHash(ctx, "abc123")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "fc-a", hits[0].FailureID)

	tests := []struct {
		name   string
		filter failure.CardFilter
		want   []string
	}{
		{"all", failure.CardFilter{}, []string{"fc-a", "fc-b"}},
		{"subsystem", failure.CardFilter{Subsystem: failure.SubsystemMotor}, []string{"fc-b"}},
		{"exclude deprecated", failure.CardFilter{ExcludeDeprecated: true}, []string{"fc-a"}},
		{"error code", failure.CardFilter{ErrorCode: "m9"}, []string{"fc-b"}},
		{"keyword", failure.CardFilter{Keyword: "IMBALANCE"}, []string{"fc-a"}},
		{"search", failure.CardFilter{Search: "balancing"}, []string{"fc-a", "fc-b"}},
		{"search wildcards are literal", failure.CardFilter{Search: "%"}, nil},
		{"keyword underscore is literal", failure.CardFilter{Keyword: "imbalanc_"}, nil},
		{"error code underscore is literal", failure.CardFilter{ErrorCode: "B10_"}, nil},
		{"min confidence", failure.CardFilter{MinConfidence: 0.9}, nil},
		{"offset", failure.CardFilter{Offset: 1}, []string{"fc-b"}},
		{"limit", failure.CardFilter{Limit: 1}, []string{"fc-a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cards, err := s.ListCards(ctx, tt.filter)
			require.NoError(t, err)
			var ids []string
			for _, c := range cards {
				ids = append(ids, c.FailureID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestStore_UpdateCardVersioning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	card := newCard("fc-1")
	require.NoError(t, s.CreateCard(ctx, card))

	card.Title = "BMS balancing fault"
	card.Version = 2
	entry := failure.VersionEntry{Version: 2, ChangedFields: []string{"title"}, ChangedBy: "expert", Timestamp: time.Now()}
	require.NoError(t, s.UpdateCard(ctx, card, 1, entry, nil))

	got, err := s.GetCard(ctx, "fc-1")
	require.NoError(t, err)
	assert.Equal(t, "BMS balancing fault", got.Title)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, 0.7, got.ConfidenceScore)
	require.Len(t, got.VersionHistory, 2)
	assert.Equal(t, "expert", got.VersionHistory[1].ChangedBy)

	// stale writer
	card.Version = 2
	err = s.UpdateCard(ctx, card, 1, entry, nil)
	assert.ErrorIs(t, err, failure.ErrVersionConflict)

	ghost := newCard("ghost")
	err = s.UpdateCard(ctx, ghost, 1, entry, nil)
	assert.ErrorIs(t, err, failure.ErrNotFound)

	card.Version = 3
	conf := &failure.ConfidenceEntry{Timestamp: time.Now(), PreviousScore: 0.7, NewScore: 0.95, Reason: failure.ReasonManualUpdate}
	require.NoError(t, s.UpdateCard(ctx, card, 2, failure.VersionEntry{Version: 3, ChangedFields: []string{"confidence_score"}, Timestamp: time.Now()}, conf))

	got, err = s.GetCard(ctx, "fc-1")
	require.NoError(t, err)
	assert.Equal(t, 0.95, got.ConfidenceScore)
	assert.Equal(t, failure.LevelVerified, got.ConfidenceLevel)
	require.Len(t, got.ConfidenceHistory, 2)
	assert.Equal(t, failure.ReasonManualUpdate, got.ConfidenceHistory[1].Reason)
}

func TestStore_AdjustConfidenceClamps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateCard(ctx, newCard("fc-1")))

	e, err := s.AdjustConfidence(ctx, "fc-1", 0.5, failure.ReasonExpertApproval, "")
	require.NoError(t, err)
	assert.Equal(t, 0.7, e.PreviousScore)
	assert.Equal(t, 1.0, e.NewScore)

	e, err = s.AdjustConfidence(ctx, "fc-1", -0.05, failure.ReasonTechnicianFeedback, "wrong")
	require.NoError(t, err)
	assert.Equal(t, 0.95, e.NewScore)

	history, err := s.ConfidenceHistory(ctx, "fc-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "wrong", history[2].Notes)

	_, err = s.AdjustConfidence(ctx, "missing", 0.1, failure.ReasonManualUpdate, "")
	assert.ErrorIs(t, err, failure.ErrNotFound)
	_, err = s.ConfidenceHistory(ctx, "missing")
	assert.ErrorIs(t, err, failure.ErrNotFound)
}

func TestStore_IncrementUsage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateCard(ctx, newCard("fc-1")))

	require.NoError(t, s.IncrementUsage(ctx, "fc-1", failure.OutcomeSuccess))
	require.NoError(t, s.IncrementUsage(ctx, "fc-1", failure.OutcomeFailed))
	require.NoError(t, s.IncrementUsage(ctx, "fc-1", failure.OutcomePartial))

	got, err := s.GetCard(ctx, "fc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.UsageCount)
	assert.Equal(t, int64(1), got.SuccessCount)
	assert.Equal(t, int64(1), got.FailureCount)

	assert.ErrorIs(t, s.IncrementUsage(ctx, "missing", failure.OutcomeSuccess), failure.ErrNotFound)
}

func TestStore_ActionsPartsTickets(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.InsertAction(ctx, &failure.TechnicianAction{
		ActionID: "a-1", TicketID: "T-1", TechnicianID: "tech", FailureID: "fc-1",
		Outcome: failure.OutcomeSuccess, Observations: []failure.Observation{{Name: "pack_v", Value: "48.1", Unit: "V"}},
		CreatedAt: now,
	}))
	require.NoError(t, s.InsertAction(ctx, &failure.TechnicianAction{
		ActionID: "a-2", TicketID: "T-2", TechnicianID: "tech", Outcome: failure.OutcomeFailed, CreatedAt: now.Add(time.Second),
	}))

	all, err := s.ListActions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	forCard, err := s.ListActions(ctx, "fc-1")
	require.NoError(t, err)
	require.Len(t, forCard, 1)
	assert.Equal(t, "48.1", forCard[0].Observations[0].Value)

	require.NoError(t, s.InsertPartUsage(ctx, &failure.PartUsage{
		UsageID: "u-1", TicketID: "T-1", PartNumber: "F-10", Quantity: 2, UnitCost: 15, CreatedAt: now,
	}))
	usages, err := s.ListPartUsage(ctx)
	require.NoError(t, err)
	require.Len(t, usages, 1)
	assert.Equal(t, 2, usages[0].Quantity)

	_, err = s.GetTicket(ctx, "T-1")
	assert.ErrorIs(t, err, failure.ErrTicketNotFound)
	assert.ErrorIs(t, s.SetSuggestedFailures(ctx, "T-1", []string{"fc-1"}), failure.ErrTicketNotFound)

	require.NoError(t, s.UpsertTicket(ctx, &failure.Ticket{TicketID: "T-1", Title: "No start", ErrorCodes: []string{"E1"}}))
	require.NoError(t, s.SetSuggestedFailures(ctx, "T-1", []string{"fc-1", "fc-2"}))

	ticket, err := s.GetTicket(ctx, "T-1")
	require.NoError(t, err)
	assert.Equal(t, "No start", ticket.Title)
	assert.Equal(t, []string{"fc-1", "fc-2"}, ticket.SuggestedFailureIDs)
}

func TestStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cards.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateCard(context.Background(), newCard("fc-1")))
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetCard(context.Background(), "fc-1")
	require.NoError(t, err)
	assert.Equal(t, "fc-1", got.FailureID)
}

func TestOpen_Options(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	s, err := Open("~/data/cards.db", nil, WithBusyTimeout(250*time.Millisecond))
	require.NoError(t, err)
	defer s.Close()
	assert.FileExists(t, filepath.Join(home, "data", "cards.db"))

	var timeout int
	require.NoError(t, s.db.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 250, timeout)
	require.NoError(t, s.Ping(context.Background()))

	_, err = Open("  ", nil)
	assert.Error(t, err)
}

func TestStore_ServiceConcurrentOutcomes(t *testing.T) {
	s := openTestStore(t)
	svc, err := failure.NewService(nil, s, s, zap.NewNop(), failure.WithTicketStore(s))
	require.NoError(t, err)
	ctx := context.Background()

	card, err := svc.CreateCard(ctx, &failure.CreateCardRequest{
		Title:      "Throttle sensor drift",
		Subsystem:  failure.SubsystemController,
		ErrorCodes: []string{"C21"},
	})
	require.NoError(t, err)

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome := failure.OutcomeSuccess
			if i%4 == 0 {
				outcome = failure.OutcomeFailed
			}
			_, err := svc.RecordTechnicianAction(ctx, &failure.RecordActionRequest{
				TicketID:     fmt.Sprintf("T-%d", i),
				TechnicianID: "tech",
				FailureID:    card.FailureID,
				Outcome:      outcome,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := svc.GetCard(ctx, card.FailureID)
	require.NoError(t, err)
	assert.Equal(t, int64(n), got.UsageCount)
	assert.Equal(t, int64(24), got.SuccessCount)
	assert.Equal(t, int64(8), got.FailureCount)
	assert.InDelta(t, 0.75+0.1, got.EffectivenessScore, 1e-9)

	actions, err := s.ListActions(ctx, card.FailureID)
	require.NoError(t, err)
	assert.Len(t, actions, n)
}
