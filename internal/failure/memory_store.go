package failure

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryStore implements CardStore, ActionStore and TicketStore in memory.
// It is used by tests and by the CLI when no database path is configured.
type InMemoryStore struct {
	mu         sync.RWMutex
	cards      map[string]*Card
	actions    []*TechnicianAction
	partUsages []*PartUsage
	tickets    map[string]*Ticket
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		cards:   make(map[string]*Card),
		tickets: make(map[string]*Ticket),
	}
}

// CreateCard stores a copy of card.
func (s *InMemoryStore) CreateCard(ctx context.Context, card *Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cards[card.FailureID]; ok {
		return fmt.Errorf("%w: duplicate failure id %s", ErrInvalidInput, card.FailureID)
	}
	s.cards[card.FailureID] = cloneCard(card, true)
	return nil
}

// GetCard returns a copy of the card with its histories.
func (s *InMemoryStore) GetCard(ctx context.Context, failureID string) (*Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cards[failureID]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneCard(c, true)
	out.RefreshDerived()
	return out, nil
}

// FindBySignatureHash returns copies of all cards with hash.
func (s *InMemoryStore) FindBySignatureHash(ctx context.Context, hash string) ([]*Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Card
	for _, c := range s.cards {
		if c.SignatureHash == hash {
			cp := cloneCard(c, false)
			cp.RefreshDerived()
			out = append(out, cp)
		}
	}
	sortByID(out)
	return out, nil
}

// ListCards returns copies of the cards matching filter, ordered by id.
func (s *InMemoryStore) ListCards(ctx context.Context, filter CardFilter) ([]*Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Card
	for _, c := range s.cards {
		cp := cloneCard(c, false)
		cp.RefreshDerived()
		if matchesFilter(cp, filter) {
			out = append(out, cp)
		}
	}
	sortByID(out)

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateCard replaces a card if its version matches.
func (s *InMemoryStore) UpdateCard(ctx context.Context, card *Card, expectedVersion int, version VersionEntry, confidence *ConfidenceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.cards[card.FailureID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}

	next := cloneCard(card, false)
	// Counters and histories are owned by the store.
	next.UsageCount = cur.UsageCount
	next.SuccessCount = cur.SuccessCount
	next.FailureCount = cur.FailureCount
	next.ConfidenceHistory = append([]ConfidenceEntry(nil), cur.ConfidenceHistory...)
	next.VersionHistory = append(append([]VersionEntry(nil), cur.VersionHistory...), version)
	if confidence != nil {
		next.ConfidenceHistory = append(next.ConfidenceHistory, *confidence)
	} else {
		next.ConfidenceScore = cur.ConfidenceScore
	}
	s.cards[card.FailureID] = next
	return nil
}

// IncrementUsage bumps the counters under the store lock.
func (s *InMemoryStore) IncrementUsage(ctx context.Context, failureID string, outcome Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cards[failureID]
	if !ok {
		return ErrNotFound
	}
	c.UsageCount++
	switch outcome {
	case OutcomeSuccess:
		c.SuccessCount++
	case OutcomeFailed:
		c.FailureCount++
	}
	return nil
}

// AdjustConfidence applies delta and appends the history entry under the store lock.
func (s *InMemoryStore) AdjustConfidence(ctx context.Context, failureID string, delta float64, reason, notes string) (*ConfidenceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cards[failureID]
	if !ok {
		return nil, ErrNotFound
	}
	entry := ConfidenceEntry{
		Timestamp:     time.Now().UTC(),
		PreviousScore: c.ConfidenceScore,
		NewScore:      round4(clamp01(c.ConfidenceScore + delta)),
		Reason:        reason,
		Notes:         notes,
	}
	c.ConfidenceScore = entry.NewScore
	c.ConfidenceHistory = append(c.ConfidenceHistory, entry)
	return &entry, nil
}

// ConfidenceHistory returns a copy of the card's confidence log.
func (s *InMemoryStore) ConfidenceHistory(ctx context.Context, failureID string) ([]ConfidenceEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cards[failureID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]ConfidenceEntry(nil), c.ConfidenceHistory...), nil
}

// InsertAction appends a technician action.
func (s *InMemoryStore) InsertAction(ctx context.Context, action *TechnicianAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *action
	s.actions = append(s.actions, &cp)
	return nil
}

// ListActions returns the actions for a card, or all actions when failureID is empty.
func (s *InMemoryStore) ListActions(ctx context.Context, failureID string) ([]*TechnicianAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*TechnicianAction
	for _, a := range s.actions {
		if failureID == "" || a.FailureID == failureID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// InsertPartUsage appends a part usage record.
func (s *InMemoryStore) InsertPartUsage(ctx context.Context, usage *PartUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *usage
	s.partUsages = append(s.partUsages, &cp)
	return nil
}

// ListPartUsage returns all part usage records in insertion order.
func (s *InMemoryStore) ListPartUsage(ctx context.Context) ([]*PartUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*PartUsage, 0, len(s.partUsages))
	for _, u := range s.partUsages {
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

// UpsertTicket stores a ticket. Tickets belong to the host application; this
// exists so tests and the CLI can seed them.
func (s *InMemoryStore) UpsertTicket(ctx context.Context, ticket *Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *ticket
	s.tickets[ticket.TicketID] = &cp
	return nil
}

// GetTicket returns a ticket or ErrTicketNotFound.
func (s *InMemoryStore) GetTicket(ctx context.Context, ticketID string) (*Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tickets[ticketID]
	if !ok {
		return nil, ErrTicketNotFound
	}
	cp := *t
	return &cp, nil
}

// SetSuggestedFailures writes the suggested card ids onto a ticket.
func (s *InMemoryStore) SetSuggestedFailures(ctx context.Context, ticketID string, failureIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[ticketID]
	if !ok {
		return ErrTicketNotFound
	}
	t.SuggestedFailureIDs = append([]string(nil), failureIDs...)
	return nil
}

// matchesFilter applies a CardFilter to a card with derived fields refreshed.
func matchesFilter(c *Card, f CardFilter) bool {
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.ExcludeDeprecated && c.Status == StatusDeprecated {
		return false
	}
	if f.Subsystem != "" && c.Subsystem != f.Subsystem {
		return false
	}
	if f.SourceType != "" && c.SourceType != f.SourceType {
		return false
	}
	if c.ConfidenceScore < f.MinConfidence || c.EffectivenessScore < f.MinEffectiveness {
		return false
	}
	if f.ErrorCode != "" && !containsFold(c.ErrorCodes, f.ErrorCode) {
		return false
	}
	if f.Keyword != "" && !containsFold(c.Keywords, f.Keyword) {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		hay := strings.ToLower(strings.Join([]string{c.Title, c.Description, c.SymptomText, c.RootCause, strings.Join(c.Keywords, " ")}, " "))
		if !strings.Contains(hay, q) {
			return false
		}
	}
	return true
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func sortByID(cards []*Card) {
	sort.Slice(cards, func(i, j int) bool { return cards[i].FailureID < cards[j].FailureID })
}

// cloneCard copies a card deeply enough that callers cannot mutate store state.
func cloneCard(c *Card, withHistory bool) *Card {
	cp := *c
	cp.Keywords = append([]string(nil), c.Keywords...)
	cp.ErrorCodes = append([]string(nil), c.ErrorCodes...)
	cp.ResolutionSteps = append([]ResolutionStep(nil), c.ResolutionSteps...)
	cp.RequiredParts = append([]RequiredPart(nil), c.RequiredParts...)
	cp.VehicleModels = append([]VehicleModel(nil), c.VehicleModels...)
	cp.Signature.PrimarySymptoms = append([]string(nil), c.Signature.PrimarySymptoms...)
	cp.Signature.ErrorCodes = append([]string(nil), c.Signature.ErrorCodes...)
	if withHistory {
		cp.ConfidenceHistory = append([]ConfidenceEntry(nil), c.ConfidenceHistory...)
		cp.VersionHistory = append([]VersionEntry(nil), c.VersionHistory...)
	} else {
		cp.ConfidenceHistory = nil
		cp.VersionHistory = nil
	}
	return &cp
}
