package failure

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/Service202508/BattwheelsGarages-sub003/internal/failure"

// Config configures the failure intelligence service.
type Config struct {
	// DefaultLimit is the match result count when a request sets none (default: 5)
	DefaultLimit int

	// MaxLimit caps the match result count (default: 50)
	MaxLimit int

	// RetrievalTimeout bounds each semantic/hybrid collaborator call (default: 2s)
	RetrievalTimeout time.Duration

	// SemanticMinScore is the minimum similarity kept from semantic retrieval (default: 0.5)
	SemanticMinScore float64

	// LaborRatePerHour prices estimated labor minutes (default: 600)
	LaborRatePerHour float64

	// ApprovalBoost is added to confidence on expert approval (default: 0.2)
	ApprovalBoost float64

	// FeedbackBoost is added for accurate technician feedback (default: 0.02)
	FeedbackBoost float64

	// FeedbackPenalty is subtracted for inaccurate technician feedback (default: 0.05)
	FeedbackPenalty float64
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() *Config {
	return &Config{
		DefaultLimit:     5,
		MaxLimit:         50,
		RetrievalTimeout: 2 * time.Second,
		SemanticMinScore: 0.5,
		LaborRatePerHour: 600,
		ApprovalBoost:    0.2,
		FeedbackBoost:    0.02,
		FeedbackPenalty:  0.05,
	}
}

// withDefaults returns a copy of cfg with every zero field set to its default.
func withDefaults(cfg *Config) *Config {
	def := DefaultServiceConfig()
	if cfg == nil {
		return def
	}
	out := *cfg
	if out.DefaultLimit <= 0 {
		out.DefaultLimit = def.DefaultLimit
	}
	if out.MaxLimit <= 0 {
		out.MaxLimit = def.MaxLimit
	}
	if out.RetrievalTimeout <= 0 {
		out.RetrievalTimeout = def.RetrievalTimeout
	}
	if out.SemanticMinScore == 0 {
		out.SemanticMinScore = def.SemanticMinScore
	}
	if out.LaborRatePerHour == 0 {
		out.LaborRatePerHour = def.LaborRatePerHour
	}
	if out.ApprovalBoost == 0 {
		out.ApprovalBoost = def.ApprovalBoost
	}
	if out.FeedbackBoost == 0 {
		out.FeedbackBoost = def.FeedbackBoost
	}
	if out.FeedbackPenalty == 0 {
		out.FeedbackPenalty = def.FeedbackPenalty
	}
	return &out
}

// Option configures optional collaborators.
type Option func(*Service)

// WithSemanticRetriever enables the semantic search stage.
func WithSemanticRetriever(r SemanticRetriever) Option {
	return func(s *Service) { s.semantic = r }
}

// WithHybridRetriever enables the hybrid search stage.
func WithHybridRetriever(r HybridRetriever) Option {
	return func(s *Service) { s.hybrid = r }
}

// WithIndexer keeps an external retrieval index in sync with card writes.
func WithIndexer(i CardIndexer) Option {
	return func(s *Service) { s.indexer = i }
}

// WithEventSink sets where events are emitted.
func WithEventSink(e EventSink) Option {
	return func(s *Service) { s.events = e }
}

// WithReviewQueue sets where flagged technician actions are sent.
func WithReviewQueue(q ReviewQueue) Option {
	return func(s *Service) { s.review = q }
}

// WithMatchCache sets where match processing metadata is cached.
func WithMatchCache(c MatchCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithTicketStore enables ticket matching.
func WithTicketStore(t TicketStore) Option {
	return func(s *Service) { s.tickets = t }
}

// Service is the failure intelligence engine: card lifecycle, matching and
// outcome feedback.
type Service struct {
	config  *Config
	cards   CardStore
	actions ActionStore
	tickets TicketStore

	semantic SemanticRetriever
	hybrid   HybridRetriever
	indexer  CardIndexer
	events   EventSink
	review   ReviewQueue
	cache    MatchCache

	logger *zap.Logger
	now    func() time.Time

	// Telemetry
	tracer         trace.Tracer
	meter          metric.Meter
	createCounter  metric.Int64Counter
	matchCounter   metric.Int64Counter
	stageCounter   metric.Int64Counter
	actionCounter  metric.Int64Counter
	degradeCounter metric.Int64Counter

	mu     sync.RWMutex
	closed bool
}

// NewService creates a failure intelligence service.
func NewService(cfg *Config, cards CardStore, actions ActionStore, logger *zap.Logger, opts ...Option) (*Service, error) {
	cfg = withDefaults(cfg)
	if cards == nil {
		return nil, errors.New("card store is required")
	}
	if actions == nil {
		return nil, errors.New("action store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		config:  cfg,
		cards:   cards,
		actions: actions,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.initMetrics()

	return s, nil
}

// Close marks the service closed. Collaborators are owned by the caller.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Service) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrServiceClosed
	}
	return nil
}

// seedConfidence returns the initial confidence for a source type.
func seedConfidence(source SourceType) float64 {
	if source == SourceFieldDiscovery {
		return 0.5
	}
	return 0.7
}

// CreateCard stores a new draft card.
func (s *Service) CreateCard(ctx context.Context, req *CreateCardRequest) (*Card, error) {
	ctx, span := s.tracer.Start(ctx, "failure.create_card")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateCreate(req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	now := s.now()
	source := req.SourceType
	if source == "" {
		source = SourceCurated
	}
	seed := seedConfidence(source)

	card := &Card{
		FailureID:       uuid.New().String(),
		Title:           strings.TrimSpace(req.Title),
		Description:     req.Description,
		Subsystem:       req.Subsystem,
		FailureMode:     req.FailureMode,
		SymptomText:     req.SymptomText,
		ErrorCodes:      NormalizeErrorCodes(req.ErrorCodes),
		RootCause:       req.RootCause,
		ResolutionSteps: req.ResolutionSteps,
		RequiredParts:   req.RequiredParts,
		VehicleModels:   req.VehicleModels,
		ConfidenceScore: seed,
		Status:          StatusDraft,
		Version:         1,
		SourceType:      source,
		SourceTicketID:  req.SourceTicketID,
		CreatedBy:       req.CreatedBy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	card.Keywords = mergeKeywords(req.Keywords, ExtractKeywords(card.Title, card.Description, card.SymptomText, card.RootCause))
	card.Signature = s.cardSignature(card, req.Signature)
	card.SignatureHash = card.Signature.Hash()
	s.estimateCosts(card)
	card.ConfidenceHistory = []ConfidenceEntry{{
		Timestamp:     now,
		PreviousScore: 0,
		NewScore:      seed,
		Reason:        ReasonInitial,
		Notes:         "seeded for source " + string(source),
	}}
	card.VersionHistory = []VersionEntry{{
		Version:       1,
		ChangedFields: []string{"created"},
		ChangedBy:     req.CreatedBy,
		Timestamp:     now,
	}}
	card.RefreshDerived()

	span.SetAttributes(
		attribute.String("failure_id", card.FailureID),
		attribute.String("subsystem", string(card.Subsystem)),
		attribute.String("source_type", string(source)),
	)

	if err := s.cards.CreateCard(ctx, card); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create card: %w", err)
	}

	s.index(ctx, card)
	s.emit(ctx, EventCardCreated, PriorityNormal, map[string]any{
		"failure_id":  card.FailureID,
		"title":       card.Title,
		"subsystem":   string(card.Subsystem),
		"source_type": string(card.SourceType),
	})
	if s.createCounter != nil {
		s.createCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("source_type", string(source))))
	}

	s.logger.Info("created failure card",
		zap.String("failure_id", card.FailureID),
		zap.String("subsystem", string(card.Subsystem)),
		zap.String("signature_hash", card.SignatureHash),
		zap.Float64("confidence", card.ConfidenceScore),
	)

	return card, nil
}

func validateCreate(req *CreateCardRequest) error {
	if req == nil {
		return fmt.Errorf("%w: request is required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if !req.Subsystem.Valid() {
		return fmt.Errorf("%w: unknown subsystem %q", ErrInvalidInput, req.Subsystem)
	}
	for _, p := range req.RequiredParts {
		if p.Quantity < 0 || p.UnitCost < 0 {
			return fmt.Errorf("%w: part %s has negative quantity or cost", ErrInvalidInput, p.PartNumber)
		}
	}
	return nil
}

// cardSignature returns the card's signature, deriving it from the card's
// content when none is given. Empty subsystem/mode fall back to the card's.
func (s *Service) cardSignature(card *Card, given *Signature) Signature {
	var sig Signature
	if given != nil {
		sig = *given
		sig.PrimarySymptoms = append([]string(nil), given.PrimarySymptoms...)
	} else {
		sig.PrimarySymptoms = ExtractSymptoms(card.SymptomText)
		sig.ErrorCodes = card.ErrorCodes
	}
	sig.ErrorCodes = NormalizeErrorCodes(sig.ErrorCodes)
	if sig.Subsystem == "" {
		sig.Subsystem = card.Subsystem
	}
	if sig.FailureMode == "" {
		sig.FailureMode = card.FailureMode
	}
	return sig
}

// estimateCosts fills the parts and labor estimates from steps and parts.
func (s *Service) estimateCosts(card *Card) {
	parts := 0.0
	for _, p := range card.RequiredParts {
		qty := p.Quantity
		if qty == 0 {
			qty = 1
		}
		parts += float64(qty) * p.UnitCost
	}
	minutes := 0
	for _, st := range card.ResolutionSteps {
		minutes += st.EstimatedMinutes
	}
	card.EstimatedPartsCost = math.Round(parts*100) / 100
	card.EstimatedLaborMinutes = minutes
	card.EstimatedLaborCost = math.Round(float64(minutes)/60*s.config.LaborRatePerHour*100) / 100
}

// mergeKeywords unions lower-cased keyword lists, keeping first-seen order.
func mergeKeywords(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, k := range list {
			k = strings.ToLower(strings.TrimSpace(k))
			if k == "" || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// GetCard returns a card by id.
func (s *Service) GetCard(ctx context.Context, failureID string) (*Card, error) {
	ctx, span := s.tracer.Start(ctx, "failure.get_card")
	defer span.End()
	span.SetAttributes(attribute.String("failure_id", failureID))

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	card, err := s.cards.GetCard(ctx, failureID)
	if err != nil {
		return nil, fmt.Errorf("failed to get card %s: %w", failureID, err)
	}
	return card, nil
}

// ListCards returns cards matching filter.
func (s *Service) ListCards(ctx context.Context, filter CardFilter) ([]*Card, error) {
	ctx, span := s.tracer.Start(ctx, "failure.list_cards")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	cards, err := s.cards.ListCards(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list cards: %w", err)
	}
	span.SetAttributes(attribute.Int("result_count", len(cards)))
	return cards, nil
}

// GetConfidenceHistory returns the card's confidence log in append order.
func (s *Service) GetConfidenceHistory(ctx context.Context, failureID string) ([]ConfidenceEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	history, err := s.cards.ConfidenceHistory(ctx, failureID)
	if err != nil {
		return nil, fmt.Errorf("failed to get confidence history %s: %w", failureID, err)
	}
	return history, nil
}

// UpdateCard merges the non-nil fields of req into the card.
func (s *Service) UpdateCard(ctx context.Context, failureID string, req *UpdateCardRequest) (*Card, error) {
	ctx, span := s.tracer.Start(ctx, "failure.update_card")
	defer span.End()
	span.SetAttributes(attribute.String("failure_id", failureID))

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("%w: request is required", ErrInvalidInput)
	}

	card, err := s.cards.GetCard(ctx, failureID)
	if err != nil {
		return nil, fmt.Errorf("failed to get card %s: %w", failureID, err)
	}
	expected := card.Version
	if req.ExpectedVersion != 0 {
		if req.ExpectedVersion != card.Version {
			return nil, fmt.Errorf("card %s at version %d, expected %d: %w", failureID, card.Version, req.ExpectedVersion, ErrVersionConflict)
		}
		expected = req.ExpectedVersion
	}

	changed, err := s.applyUpdate(card, req)
	if err != nil {
		return nil, err
	}

	var confEntry *ConfidenceEntry
	if req.ConfidenceScore != nil {
		next := round4(clamp01(*req.ConfidenceScore))
		if next != card.ConfidenceScore {
			confEntry = &ConfidenceEntry{
				Timestamp:     s.now(),
				PreviousScore: card.ConfidenceScore,
				NewScore:      next,
				Reason:        ReasonManualUpdate,
				Notes:         req.ConfidenceNotes,
			}
			card.ConfidenceScore = next
			changed = append(changed, "confidence_score")
		}
	}

	if len(changed) == 0 {
		return card, nil
	}

	if err := s.commit(ctx, card, expected, changed, req.UpdatedBy, confEntry); err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.emit(ctx, EventCardUpdated, PriorityNormal, map[string]any{
		"failure_id":     failureID,
		"changed_fields": changed,
		"version":        card.Version,
	})
	s.logger.Info("updated failure card",
		zap.String("failure_id", failureID),
		zap.Strings("changed_fields", changed),
		zap.Int("version", card.Version),
	)
	return s.reload(ctx, card), nil
}

// applyUpdate merges req into card and returns the names of changed fields.
func (s *Service) applyUpdate(card *Card, req *UpdateCardRequest) ([]string, error) {
	var changed []string
	setString := func(name string, dst *string, v *string) {
		if v != nil && *v != *dst {
			*dst = *v
			changed = append(changed, name)
		}
	}

	setString("title", &card.Title, req.Title)
	setString("description", &card.Description, req.Description)
	setString("symptom_text", &card.SymptomText, req.SymptomText)
	setString("root_cause", &card.RootCause, req.RootCause)

	if req.Subsystem != nil && *req.Subsystem != card.Subsystem {
		if !req.Subsystem.Valid() {
			return nil, fmt.Errorf("%w: unknown subsystem %q", ErrInvalidInput, *req.Subsystem)
		}
		if card.Signature.Subsystem == card.Subsystem {
			card.Signature.Subsystem = *req.Subsystem
		}
		card.Subsystem = *req.Subsystem
		changed = append(changed, "subsystem")
	}
	if req.FailureMode != nil && *req.FailureMode != card.FailureMode {
		if card.Signature.FailureMode == card.FailureMode {
			card.Signature.FailureMode = *req.FailureMode
		}
		card.FailureMode = *req.FailureMode
		changed = append(changed, "failure_mode")
	}
	if req.Keywords != nil {
		card.Keywords = mergeKeywords(req.Keywords, ExtractKeywords(card.Title, card.Description, card.SymptomText, card.RootCause))
		changed = append(changed, "keywords")
	}
	if req.ErrorCodes != nil {
		card.ErrorCodes = NormalizeErrorCodes(req.ErrorCodes)
		changed = append(changed, "error_codes")
	}
	costsChanged := false
	if req.ResolutionSteps != nil {
		card.ResolutionSteps = req.ResolutionSteps
		changed = append(changed, "resolution_steps")
		costsChanged = true
	}
	if req.RequiredParts != nil {
		card.RequiredParts = req.RequiredParts
		changed = append(changed, "required_parts")
		costsChanged = true
	}
	if req.VehicleModels != nil {
		card.VehicleModels = req.VehicleModels
		changed = append(changed, "vehicle_models")
	}
	if req.Signature != nil {
		card.Signature = s.cardSignature(card, req.Signature)
		changed = append(changed, "failure_signature")
	}
	if costsChanged {
		s.estimateCosts(card)
	}

	if len(changed) > 0 {
		if hash := card.Signature.Hash(); hash != card.SignatureHash {
			card.SignatureHash = hash
			changed = append(changed, "signature_hash")
		}
	}
	return changed, nil
}

// ApproveCard moves a draft card to approved and boosts its confidence.
func (s *Service) ApproveCard(ctx context.Context, failureID, approvedBy, notes string) (*Card, error) {
	ctx, span := s.tracer.Start(ctx, "failure.approve_card")
	defer span.End()
	span.SetAttributes(attribute.String("failure_id", failureID))

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	card, err := s.cards.GetCard(ctx, failureID)
	if err != nil {
		return nil, fmt.Errorf("failed to get card %s: %w", failureID, err)
	}
	if card.Status != StatusDraft {
		return nil, fmt.Errorf("cannot approve card %s in status %s: %w", failureID, card.Status, ErrInvalidTransition)
	}

	// Status and boost land in one write; the version guard covers the score read here.
	entry := &ConfidenceEntry{
		Timestamp:     s.now(),
		PreviousScore: card.ConfidenceScore,
		NewScore:      math.Min(1, card.ConfidenceScore+s.config.ApprovalBoost),
		Reason:        ReasonExpertApproval,
		Notes:         notes,
	}
	expected := card.Version
	card.Status = StatusApproved
	card.ConfidenceScore = entry.NewScore
	if err := s.commit(ctx, card, expected, []string{"status", "confidence_score"}, approvedBy, entry); err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.emit(ctx, EventCardApproved, PriorityNormal, map[string]any{
		"failure_id":  failureID,
		"approved_by": approvedBy,
		"confidence":  entry.NewScore,
	})
	s.logger.Info("approved failure card",
		zap.String("failure_id", failureID),
		zap.String("approved_by", approvedBy),
		zap.Float64("previous_confidence", entry.PreviousScore),
		zap.Float64("confidence", entry.NewScore),
	)
	return s.reload(ctx, card), nil
}

// DeprecateCard retires a draft or approved card. Confidence is left unchanged.
func (s *Service) DeprecateCard(ctx context.Context, failureID, reason, deprecatedBy string) (*Card, error) {
	ctx, span := s.tracer.Start(ctx, "failure.deprecate_card")
	defer span.End()
	span.SetAttributes(attribute.String("failure_id", failureID))

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	card, err := s.cards.GetCard(ctx, failureID)
	if err != nil {
		return nil, fmt.Errorf("failed to get card %s: %w", failureID, err)
	}
	if card.Status == StatusDeprecated {
		return nil, fmt.Errorf("card %s is already deprecated: %w", failureID, ErrInvalidTransition)
	}

	expected := card.Version
	card.Status = StatusDeprecated
	card.DeprecationReason = reason
	if err := s.commit(ctx, card, expected, []string{"status", "deprecation_reason"}, deprecatedBy, nil); err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.emit(ctx, EventCardDeprecated, PriorityNormal, map[string]any{
		"failure_id": failureID,
		"reason":     reason,
	})
	s.logger.Info("deprecated failure card",
		zap.String("failure_id", failureID),
		zap.String("reason", reason),
	)
	return s.reload(ctx, card), nil
}

// commit bumps the version and writes the card with its history entries.
func (s *Service) commit(ctx context.Context, card *Card, expected int, changed []string, actor string, conf *ConfidenceEntry) error {
	now := s.now()
	card.Version = expected + 1
	card.UpdatedAt = now
	entry := VersionEntry{
		Version:       card.Version,
		ChangedFields: changed,
		ChangedBy:     actor,
		Timestamp:     now,
	}
	if err := s.cards.UpdateCard(ctx, card, expected, entry, conf); err != nil {
		return fmt.Errorf("failed to update card %s: %w", card.FailureID, err)
	}
	s.index(ctx, card)
	return nil
}

// reload re-reads a card after a write, falling back to the local copy.
func (s *Service) reload(ctx context.Context, card *Card) *Card {
	fresh, err := s.cards.GetCard(ctx, card.FailureID)
	if err != nil {
		s.logger.Warn("failed to reload card", zap.String("failure_id", card.FailureID), zap.Error(err))
		card.RefreshDerived()
		return card
	}
	return fresh
}

// index pushes a card to the retrieval index. Failures only degrade search.
func (s *Service) index(ctx context.Context, card *Card) {
	if s.indexer == nil {
		return
	}
	ctx, cancel := s.retrievalContext(ctx)
	defer cancel()
	if err := s.indexer.IndexCard(ctx, card); err != nil {
		s.logger.Warn("failed to index card", zap.String("failure_id", card.FailureID), zap.Error(err))
	}
}

// emit sends an event if a sink is configured.
func (s *Service) emit(ctx context.Context, eventType string, priority Priority, payload map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Emit(ctx, Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Priority:  priority,
		Payload:   payload,
		Timestamp: s.now(),
	})
}

func (s *Service) retrievalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.RetrievalTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.config.RetrievalTimeout)
}
