// Package failure implements the failure intelligence engine: structured
// failure cards, a staged matching cascade over them, and trust scores that
// evolve from technician outcomes.
//
// # Cards
//
// A Card records symptom, root cause and resolution knowledge for one vehicle
// failure. Each card carries a Signature whose hash is a pure function of its
// normalized fields, so identical symptom reports collide on the same hash.
// Cards move forward only: draft, approved, deprecated. Confidence changes are
// always written as ConfidenceHistory entries, and effectiveness is derived
// from usage counters on read.
//
// # Matching
//
// Match runs five stages in order and stops early once a stage produces a
// strong enough score:
//
//	1. signature          exact signature hash lookup         (0.95)
//	2. subsystem_vehicle  subsystem, vehicle, code overlap    (max 0.85)
//	3. semantic           embedding similarity × 0.85         (best < 0.8)
//	4. hybrid             text+vector search × 0.75           (best < 0.7)
//	5. keyword            full-text fallback, max 0.5         (best < 0.5)
//
// Semantic and hybrid retrieval are optional collaborators. Their errors are
// logged and the stage is skipped.
//
// # Usage
//
//	store := failure.NewInMemoryStore()
//	svc, err := failure.NewService(nil, store, store, logger,
//	    failure.WithEventSink(dispatcher),
//	)
//
//	card, err := svc.CreateCard(ctx, &failure.CreateCardRequest{
//	    Title:       "BMS cut-off during charging",
//	    Subsystem:   failure.SubsystemBattery,
//	    SymptomText: "battery not charging, bms error",
//	    ErrorCodes:  []string{"E04"},
//	})
//
//	resp, err := svc.Match(ctx, &failure.MatchRequest{
//	    Symptoms:   "battery not charging, bms error",
//	    ErrorCodes: []string{"E04"},
//	})
package failure
