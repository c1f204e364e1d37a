package failure

import (
	"context"
	"time"
)

// CardStore persists failure cards and their append-only histories.
//
// Implementations must make IncrementUsage and AdjustConfidence atomic at the
// storage layer; concurrent callers must never lose an increment or a
// history entry.
type CardStore interface {
	// CreateCard inserts a new card together with its initial history entries.
	CreateCard(ctx context.Context, card *Card) error

	// GetCard returns a card with its histories, or ErrNotFound.
	GetCard(ctx context.Context, failureID string) (*Card, error)

	// FindBySignatureHash returns all cards with the given hash.
	FindBySignatureHash(ctx context.Context, hash string) ([]*Card, error)

	// ListCards returns cards matching filter, without histories.
	ListCards(ctx context.Context, filter CardFilter) ([]*Card, error)

	// UpdateCard replaces the card's mutable fields if its stored version is
	// expectedVersion, appending the version entry and an optional confidence
	// entry. Returns ErrVersionConflict on mismatch.
	UpdateCard(ctx context.Context, card *Card, expectedVersion int, version VersionEntry, confidence *ConfidenceEntry) error

	// IncrementUsage atomically bumps usage_count and the counter for outcome.
	IncrementUsage(ctx context.Context, failureID string, outcome Outcome) error

	// AdjustConfidence atomically adds delta to the score, clamped to [0,1],
	// and appends the matching history entry. Returns the entry written.
	AdjustConfidence(ctx context.Context, failureID string, delta float64, reason, notes string) (*ConfidenceEntry, error)

	// ConfidenceHistory returns the history in append order.
	ConfidenceHistory(ctx context.Context, failureID string) ([]ConfidenceEntry, error)
}

// ActionStore persists technician actions and part usage. Records are immutable.
type ActionStore interface {
	InsertAction(ctx context.Context, action *TechnicianAction) error
	ListActions(ctx context.Context, failureID string) ([]*TechnicianAction, error)
	InsertPartUsage(ctx context.Context, usage *PartUsage) error
	ListPartUsage(ctx context.Context) ([]*PartUsage, error)
}

// TicketStore is the host application's ticket repository.
type TicketStore interface {
	GetTicket(ctx context.Context, ticketID string) (*Ticket, error)
	SetSuggestedFailures(ctx context.Context, ticketID string, failureIDs []string) error
}

// RetrievalFilter narrows external retrieval.
type RetrievalFilter struct {
	Subsystem Subsystem
}

// RetrievalHit is a card id scored by an external retriever.
type RetrievalHit struct {
	FailureID string
	Score     float64
}

// SemanticRetriever finds cards by embedding similarity.
type SemanticRetriever interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	FindSimilar(ctx context.Context, vector []float32, filter RetrievalFilter, limit int, minScore float64) ([]RetrievalHit, error)
}

// HybridRetriever combines text and vector search.
type HybridRetriever interface {
	HybridSearch(ctx context.Context, query string, filter RetrievalFilter, limit int) ([]RetrievalHit, error)
}

// CardIndexer keeps an external retrieval index in sync with the card store.
type CardIndexer interface {
	IndexCard(ctx context.Context, card *Card) error
}

// Event types emitted by the service.
const (
	EventCardCreated        = "card.created"
	EventCardUpdated        = "card.updated"
	EventCardApproved       = "card.approved"
	EventCardDeprecated     = "card.deprecated"
	EventCardUsed           = "card.used"
	EventMatchCompleted     = "match.completed"
	EventNewFailureDetected = "failure.new_detected"
	EventPartUsed           = "part.used"
)

// Priority orders events for downstream consumers.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Event is a notification for out-of-process consumers.
type Event struct {
	ID        string         `json:"event_id"`
	Type      string         `json:"event_type"`
	Priority  Priority       `json:"priority"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventSink accepts events without blocking the caller.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

// ReviewItem is a technician action flagged for human review.
type ReviewItem struct {
	ActionID     string    `json:"action_id"`
	FailureID    string    `json:"failure_id,omitempty"`
	TicketID     string    `json:"ticket_id"`
	TechnicianID string    `json:"technician_id"`
	Reasons      []string  `json:"reasons"`
	Notes        string    `json:"notes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ReviewQueue receives actions that need expert review.
type ReviewQueue interface {
	Enqueue(ctx context.Context, item ReviewItem) error
}

// MatchMetadata is the processing metadata cached per match.
type MatchMetadata struct {
	SignatureHash  string        `json:"signature_hash"`
	StagesUsed     []string      `json:"stages_used"`
	FailureIDs     []string      `json:"failure_ids"`
	TopScore       float64       `json:"top_score"`
	ProcessingTime time.Duration `json:"processing_time_ns"`
	CompletedAt    time.Time     `json:"completed_at"`
}

// MatchCache stores match processing metadata.
type MatchCache interface {
	Put(ctx context.Context, req *MatchRequest, meta MatchMetadata) error
	Get(ctx context.Context, req *MatchRequest) (*MatchMetadata, error)
}
