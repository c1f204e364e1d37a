package failure

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecordTechnicianAction_Counters(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	card := mustCreate(t, svc, &CreateCardRequest{Title: "Loose phase connector", Subsystem: SubsystemMotor})
	assert.Equal(t, 0.5, card.EffectivenessScore)

	outcomes := []Outcome{
		OutcomeSuccess, OutcomeSuccess, OutcomeSuccess, OutcomeSuccess, OutcomeSuccess,
		OutcomeSuccess, OutcomeSuccess, OutcomeSuccess, OutcomeFailed, OutcomeFailed,
	}
	for i, o := range outcomes {
		_, err := svc.RecordTechnicianAction(ctx, &RecordActionRequest{
			TicketID:     fmt.Sprintf("T-%d", i),
			TechnicianID: "tech-1",
			FailureID:    card.FailureID,
			Outcome:      o,
		})
		require.NoError(t, err)
	}

	got, err := svc.GetCard(ctx, card.FailureID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.UsageCount)
	assert.Equal(t, int64(8), got.SuccessCount)
	assert.Equal(t, int64(2), got.FailureCount)
	assert.InDelta(t, 0.9, got.EffectivenessScore, 1e-9)

	actions, err := store.ListActions(ctx, card.FailureID)
	require.NoError(t, err)
	assert.Len(t, actions, 10)
}

func TestRecordTechnicianAction_PartialCountsUsageOnly(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	card := mustCreate(t, svc, &CreateCardRequest{Title: "Weak 12V aux battery", Subsystem: SubsystemElectrical})
	_, err := svc.RecordTechnicianAction(ctx, &RecordActionRequest{
		TicketID: "T-1", TechnicianID: "tech-1", FailureID: card.FailureID, Outcome: OutcomePartial,
	})
	require.NoError(t, err)

	got, err := svc.GetCard(ctx, card.FailureID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.UsageCount)
	assert.Equal(t, int64(0), got.SuccessCount)
	assert.Equal(t, int64(0), got.FailureCount)
}

func TestRecordTechnicianAction_ConcurrentSuccess(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	card := mustCreate(t, svc, &CreateCardRequest{Title: "Fuse blown", Subsystem: SubsystemElectrical})

	const n = 64
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.RecordTechnicianAction(ctx, &RecordActionRequest{
				TicketID:       fmt.Sprintf("T-%d", i),
				TechnicianID:   "tech",
				FailureID:      card.FailureID,
				Outcome:        OutcomeSuccess,
				AccuracyRating: 5,
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
	assert.Equal(t, int64(n), got.SuccessCount)
	// initial entry plus one feedback entry per action
	assert.Len(t, got.ConfidenceHistory, n+1)
	assert.Equal(t, 1.0, got.ConfidenceScore)
}

func TestRecordTechnicianAction_Feedback(t *testing.T) {
	review := &fakeReview{}
	sink := &recordingSink{}
	svc, _ := newTestService(t, WithReviewQueue(review), WithEventSink(sink))
	ctx := context.Background()

	card := mustCreate(t, svc, &CreateCardRequest{Title: "Controller firmware hang", Subsystem: SubsystemController})

	t.Run("accurate feedback raises confidence", func(t *testing.T) {
		_, err := svc.RecordTechnicianAction(ctx, &RecordActionRequest{
			TicketID: "T-1", TechnicianID: "tech-1", FailureID: card.FailureID,
			Outcome: OutcomeSuccess, AccuracyRating: 5, HelpfulnessRating: 5,
		})
		require.NoError(t, err)

		history, err := svc.GetConfidenceHistory(ctx, card.FailureID)
		require.NoError(t, err)
		last := history[len(history)-1]
		assert.Equal(t, ReasonTechnicianFeedback, last.Reason)
		assert.InDelta(t, 0.72, last.NewScore, 1e-9)
		assert.Empty(t, review.items)
	})

	t.Run("inaccurate feedback lowers confidence and queues review", func(t *testing.T) {
		action, err := svc.RecordTechnicianAction(ctx, &RecordActionRequest{
			TicketID: "T-2", TechnicianID: "tech-2", FailureID: card.FailureID,
			Outcome: OutcomeFailed, AccuracyRating: 1, HelpfulnessRating: 2,
			Notes: "root cause was the harness",
		})
		require.NoError(t, err)

		got, err := svc.GetCard(ctx, card.FailureID)
		require.NoError(t, err)
		assert.InDelta(t, 0.67, got.ConfidenceScore, 1e-9)

		require.Len(t, review.items, 1)
		item := review.items[0]
		assert.Equal(t, action.ActionID, item.ActionID)
		assert.Equal(t, []string{ReviewNegativeHelpfulness, ReviewNegativeAccuracy}, item.Reasons)
	})

	t.Run("unsafe outcome queues review without a card", func(t *testing.T) {
		_, err := svc.RecordTechnicianAction(ctx, &RecordActionRequest{
			TicketID: "T-3", TechnicianID: "tech-3", Outcome: OutcomeFailed, UnsafeOutcome: true,
		})
		require.NoError(t, err)
		require.Len(t, review.items, 2)
		assert.Equal(t, []string{ReviewUnsafeOutcome}, review.items[1].Reasons)
	})

	t.Run("review queue failure does not fail the action", func(t *testing.T) {
		review.err = errRetrievalDown
		defer func() { review.err = nil }()
		_, err := svc.RecordTechnicianAction(ctx, &RecordActionRequest{
			TicketID: "T-4", TechnicianID: "tech-3", Outcome: OutcomeFailed, UnsafeOutcome: true,
		})
		assert.NoError(t, err)
	})

	assert.Len(t, sink.ofType(EventCardUsed), 2)
}

func TestRecordTechnicianAction_NewFailureEvent(t *testing.T) {
	sink := &recordingSink{}
	svc, _ := newTestService(t, WithEventSink(sink))

	_, err := svc.RecordTechnicianAction(context.Background(), &RecordActionRequest{
		TicketID:     "T-9",
		TechnicianID: "tech-9",
		Outcome:      OutcomeSuccess,
		NewFailure: &NewFailureReport{
			Title:      "Regen causes BMS trip",
			Subsystem:  SubsystemBMS,
			ErrorCodes: []string{"B31"},
		},
	})
	require.NoError(t, err)

	events := sink.ofType(EventNewFailureDetected)
	require.Len(t, events, 1)
	assert.Equal(t, PriorityHigh, events[0].Priority)
	assert.Equal(t, "Regen causes BMS trip", events[0].Payload["title"])
	assert.NotEmpty(t, events[0].ID)
}

func TestRecordTechnicianAction_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *RecordActionRequest
	}{
		{"nil", nil},
		{"missing ticket", &RecordActionRequest{TechnicianID: "t", Outcome: OutcomeSuccess}},
		{"missing technician", &RecordActionRequest{TicketID: "T", Outcome: OutcomeSuccess}},
		{"bad outcome", &RecordActionRequest{TicketID: "T", TechnicianID: "t", Outcome: "fixed"}},
		{"rating range", &RecordActionRequest{TicketID: "T", TechnicianID: "t", Outcome: OutcomeSuccess, AccuracyRating: 6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.RecordTechnicianAction(ctx, tt.req)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	_, err := svc.RecordTechnicianAction(ctx, &RecordActionRequest{
		TicketID: "T", TechnicianID: "t", Outcome: OutcomeSuccess, FailureID: "missing",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordPartUsage(t *testing.T) {
	sink := &recordingSink{}
	svc, store := newTestService(t, WithEventSink(sink))
	ctx := context.Background()

	card := mustCreate(t, svc, &CreateCardRequest{Title: "Worn drive belt", Subsystem: SubsystemTransmission})
	usage, err := svc.RecordPartUsage(ctx, &RecordPartUsageRequest{
		TicketID: "T-1", FailureID: card.FailureID, PartNumber: "DB-22", PartName: "Drive belt", Quantity: 1, UnitCost: 850,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, usage.UsageID)

	usages, err := store.ListPartUsage(ctx)
	require.NoError(t, err)
	assert.Len(t, usages, 1)
	assert.Len(t, sink.ofType(EventPartUsed), 1)

	_, err = svc.RecordPartUsage(ctx, &RecordPartUsageRequest{TicketID: "T-1", PartNumber: "DB-22", Quantity: 0})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.RecordPartUsage(ctx, &RecordPartUsageRequest{TicketID: "T-1", PartNumber: "DB-22", Quantity: 1, FailureID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordTechnicianAction_CounterFailureKeepsAction(t *testing.T) {
	store := &flakyStore{InMemoryStore: NewInMemoryStore()}
	core, logs := observer.New(zapcore.WarnLevel)
	review := &fakeReview{}
	svc, err := NewService(nil, store, store, zap.New(core), WithReviewQueue(review))
	require.NoError(t, err)
	ctx := context.Background()

	card := mustCreate(t, svc, &CreateCardRequest{Title: "Hub motor bearing wear", Subsystem: SubsystemMotor})

	store.failIncrements = 1
	action, err := svc.RecordTechnicianAction(ctx, &RecordActionRequest{
		TicketID: "T-9", TechnicianID: "tech-4", FailureID: card.FailureID,
		Outcome: OutcomeFailed, UnsafeOutcome: true,
	})
	require.NoError(t, err)
	require.NotNil(t, action)

	actions, err := store.ListActions(ctx, card.FailureID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, action.ActionID, actions[0].ActionID)

	got, err := svc.GetCard(ctx, card.FailureID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.UsageCount)

	require.Len(t, review.items, 1)
	warn := logs.FilterMessage("failed to apply action outcome to card").All()
	require.Len(t, warn, 1)
	assert.Equal(t, action.ActionID, warn[0].ContextMap()["action_id"])
}
