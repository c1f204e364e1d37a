package failure

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Cascade stage names as reported in MatchResponse.StagesUsed.
const (
	StageSignature        = "signature"
	StageSubsystemVehicle = "subsystem_vehicle"
	StageSemantic         = "semantic"
	StageHybrid           = "hybrid"
	StageKeyword          = "keyword"
)

// Stage score ceilings and trigger thresholds.
const (
	signatureScore      = 0.95
	signatureShortCut   = 0.9
	heuristicBase       = 0.5
	heuristicCeiling    = 0.85
	heuristicMinScore   = 0.4
	codeOverlapWeight   = 0.2
	semanticCeiling     = 0.85
	semanticTrigger     = 0.8
	hybridCeiling       = 0.75
	hybridTrigger       = 0.7
	keywordBase         = 0.3
	keywordWeight       = 0.2
	keywordCeiling      = 0.5
	keywordTrigger      = 0.5
	retrievalOverfetchN = 2
)

// candidate is a card found by the cascade with its current winning score.
type candidate struct {
	card      *Card
	score     float64
	matchType MatchType
	stage     int
}

// cascade holds the per-request state of one Match call.
type cascade struct {
	req       *MatchRequest
	sig       Signature
	hash      string
	terms     []string
	codes     []string
	found     map[string]*candidate
	order     []string
	best      float64
	stages    []string
	retrieval RetrievalFilter
}

func (c *cascade) add(card *Card, score float64, mt MatchType, stage int) {
	c.found[card.FailureID] = &candidate{card: card, score: score, matchType: mt, stage: stage}
	c.order = append(c.order, card.FailureID)
	c.observe(score)
}

func (c *cascade) observe(score float64) {
	if score > c.best {
		c.best = score
	}
}

// Match runs the five-stage cascade for req and returns ranked results.
//
// Stages run strictly in order; each runs only while the best score so far is
// below its trigger. Collaborator failures skip the stage and are logged.
func (s *Service) Match(ctx context.Context, req *MatchRequest) (*MatchResponse, error) {
	ctx, span := s.tracer.Start(ctx, "failure.match")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if req == nil || (strings.TrimSpace(req.Symptoms) == "" && len(req.ErrorCodes) == 0) {
		return nil, fmt.Errorf("%w: symptoms or error codes are required", ErrInvalidInput)
	}

	start := time.Now()
	limit := s.limitFor(req.Limit)
	sig, hash := BuildSignature(req.Symptoms, req.ErrorCodes, req.SubsystemHint, req.FailureModeHint, req.TemperatureRange, req.LoadCondition)

	c := &cascade{
		req:       req,
		sig:       sig,
		hash:      hash,
		terms:     ExtractKeywords(req.Symptoms),
		codes:     sig.ErrorCodes,
		found:     make(map[string]*candidate),
		retrieval: RetrievalFilter{Subsystem: req.SubsystemHint},
	}
	span.SetAttributes(
		attribute.String("signature_hash", hash),
		attribute.String("subsystem_hint", string(req.SubsystemHint)),
		attribute.Int("limit", limit),
	)

	s.stageSignature(ctx, c)
	if c.best < signatureShortCut {
		s.stageSubsystemVehicle(ctx, c)
		if c.best < semanticTrigger && s.semantic != nil {
			s.stageSemantic(ctx, c, limit)
		}
		if c.best < hybridTrigger && s.hybrid != nil {
			s.stageHybrid(ctx, c, limit)
		}
		if c.best < keywordTrigger {
			s.stageKeyword(ctx, c)
		}
	}

	resp := &MatchResponse{
		Matches:       c.results(limit),
		StagesUsed:    c.stages,
		SignatureHash: hash,
	}
	resp.ProcessingTime = time.Since(start)

	span.SetAttributes(
		attribute.StringSlice("stages_used", c.stages),
		attribute.Int("result_count", len(resp.Matches)),
	)
	if s.matchCounter != nil {
		s.matchCounter.Add(ctx, 1, metric.WithAttributes(attribute.Int("stages", len(c.stages))))
	}

	s.afterMatch(ctx, req, resp)
	return resp, nil
}

func (s *Service) limitFor(requested int) int {
	if requested <= 0 {
		return s.config.DefaultLimit
	}
	if s.config.MaxLimit > 0 && requested > s.config.MaxLimit {
		return s.config.MaxLimit
	}
	return requested
}

// beginStage records a stage as used and returns its span context.
func (s *Service) beginStage(ctx context.Context, c *cascade, name string) (context.Context, func()) {
	c.stages = append(c.stages, name)
	if s.stageCounter != nil {
		s.stageCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", name)))
	}
	ctx, span := s.tracer.Start(ctx, "failure.match."+name)
	return ctx, func() {
		span.SetAttributes(
			attribute.Float64("best_score", c.best),
			attribute.Int("candidates", len(c.found)),
		)
		span.End()
	}
}

// degraded logs a skipped stage. The error never reaches the caller.
func (s *Service) degraded(ctx context.Context, stage string, err error, fields ...zap.Field) {
	if s.degradeCounter != nil {
		s.degradeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	}
	fields = append(fields, zap.String("stage", stage), zap.Error(err))
	s.logger.Warn("match stage degraded", fields...)
}

// stageSignature looks up cards by exact signature hash.
func (s *Service) stageSignature(ctx context.Context, c *cascade) {
	ctx, end := s.beginStage(ctx, c, StageSignature)
	defer end()

	cards, err := s.cards.FindBySignatureHash(ctx, c.hash)
	if err != nil {
		s.degraded(ctx, StageSignature, err, zap.String("signature_hash", c.hash))
		return
	}
	for _, card := range cards {
		if card.Status == StatusDeprecated {
			continue
		}
		c.add(card, signatureScore, MatchSignature, 1)
	}
}

// stageSubsystemVehicle scores candidates by subsystem, vehicle and error-code overlap.
func (s *Service) stageSubsystemVehicle(ctx context.Context, c *cascade) {
	ctx, end := s.beginStage(ctx, c, StageSubsystemVehicle)
	defer end()

	req := c.req
	hinted := req.SubsystemHint != ""
	if !hinted && req.VehicleMake == "" && len(c.codes) == 0 {
		return
	}

	cards, err := s.cards.ListCards(ctx, CardFilter{Subsystem: req.SubsystemHint, ExcludeDeprecated: true})
	if err != nil {
		s.degraded(ctx, StageSubsystemVehicle, err)
		return
	}
	for _, card := range cards {
		if _, seen := c.found[card.FailureID]; seen {
			continue
		}
		vehicle := card.vehicleBonus(req.VehicleMake, req.VehicleModel)
		overlap := 0.0
		if len(c.codes) > 0 {
			overlap = float64(len(intersectFold(card.ErrorCodes, c.codes))) / float64(len(c.codes))
		}
		if !hinted && vehicle == 0 && overlap == 0 {
			continue
		}
		score := math.Min(heuristicCeiling, heuristicBase+vehicle+codeOverlapWeight*overlap)
		if score > heuristicMinScore {
			c.add(card, score, MatchSubsystemVehicle, 2)
		}
	}
}

// stageSemantic raises existing matches and adds new ones from embedding similarity.
func (s *Service) stageSemantic(ctx context.Context, c *cascade, limit int) {
	ctx, end := s.beginStage(ctx, c, StageSemantic)
	defer end()

	rctx, cancel := s.retrievalContext(ctx)
	defer cancel()

	vector, err := s.semantic.Embed(rctx, c.queryText())
	if err != nil {
		s.degraded(ctx, StageSemantic, err)
		return
	}
	hits, err := s.semantic.FindSimilar(rctx, vector, c.retrieval, limit*retrievalOverfetchN, s.config.SemanticMinScore)
	if err != nil {
		s.degraded(ctx, StageSemantic, err)
		return
	}

	for _, hit := range hits {
		score := math.Min(semanticCeiling, clamp01(hit.Score)*semanticCeiling)
		if existing, ok := c.found[hit.FailureID]; ok {
			if score > existing.score {
				existing.score = score
				existing.matchType = MatchHybrid
				existing.stage = 3
				c.observe(score)
			}
			continue
		}
		card := s.loadForMatch(ctx, StageSemantic, hit.FailureID)
		if card == nil {
			continue
		}
		c.add(card, score, MatchSemantic, 3)
	}
}

// stageHybrid adds new cards from combined text and vector search.
func (s *Service) stageHybrid(ctx context.Context, c *cascade, limit int) {
	ctx, end := s.beginStage(ctx, c, StageHybrid)
	defer end()

	rctx, cancel := s.retrievalContext(ctx)
	defer cancel()

	hits, err := s.hybrid.HybridSearch(rctx, c.queryText(), c.retrieval, limit*retrievalOverfetchN)
	if err != nil {
		s.degraded(ctx, StageHybrid, err)
		return
	}
	for _, hit := range hits {
		if _, ok := c.found[hit.FailureID]; ok {
			continue
		}
		card := s.loadForMatch(ctx, StageHybrid, hit.FailureID)
		if card == nil {
			continue
		}
		c.add(card, math.Min(hybridCeiling, clamp01(hit.Score)*hybridCeiling), MatchHybrid, 4)
	}
}

// stageKeyword is the full-text fallback over card text, keywords and codes.
func (s *Service) stageKeyword(ctx context.Context, c *cascade) {
	ctx, end := s.beginStage(ctx, c, StageKeyword)
	defer end()

	terms := append(append([]string(nil), c.terms...), lowerAll(c.codes)...)
	if len(terms) == 0 {
		return
	}

	cards, err := s.cards.ListCards(ctx, CardFilter{ExcludeDeprecated: true})
	if err != nil {
		s.degraded(ctx, StageKeyword, err)
		return
	}
	for _, card := range cards {
		if _, ok := c.found[card.FailureID]; ok {
			continue
		}
		hay := cardHaystack(card)
		matched := 0
		for _, t := range terms {
			if hay.contains(t) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		score := math.Min(keywordCeiling, keywordBase+keywordWeight*float64(matched)/float64(len(terms)))
		c.add(card, score, MatchKeyword, 5)
	}
}

// loadForMatch fetches a card surfaced by an external retriever. Unknown or
// deprecated cards are skipped.
func (s *Service) loadForMatch(ctx context.Context, stage, failureID string) *Card {
	card, err := s.cards.GetCard(ctx, failureID)
	if err != nil {
		s.degraded(ctx, stage, err, zap.String("failure_id", failureID))
		return nil
	}
	if card.Status == StatusDeprecated {
		return nil
	}
	return card
}

func (c *cascade) queryText() string {
	if strings.TrimSpace(c.req.Symptoms) != "" {
		return c.req.Symptoms
	}
	return strings.Join(c.codes, " ")
}

// results sorts candidates by (score, effectiveness) descending, then id,
// and truncates to limit.
func (c *cascade) results(limit int) []MatchResult {
	out := make([]MatchResult, 0, len(c.found))
	for _, id := range c.order {
		cand := c.found[id]
		card := cand.card
		card.RefreshDerived()
		hay := cardHaystack(card)

		var symptoms []string
		for _, t := range mergeKeywords(c.sig.PrimarySymptoms, c.terms) {
			if hay.contains(t) {
				symptoms = append(symptoms, t)
			}
		}
		out = append(out, MatchResult{
			FailureID:          card.FailureID,
			Title:              card.Title,
			MatchScore:         round4(cand.score),
			MatchType:          cand.matchType,
			MatchStage:         cand.stage,
			ConfidenceLevel:    card.ConfidenceLevel,
			ConfidenceScore:    card.ConfidenceScore,
			EffectivenessScore: round4(card.EffectivenessScore),
			MatchedErrorCodes:  intersectFold(card.ErrorCodes, c.codes),
			MatchedSymptoms:    symptoms,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].MatchScore != out[j].MatchScore {
			return out[i].MatchScore > out[j].MatchScore
		}
		if out[i].EffectivenessScore != out[j].EffectivenessScore {
			return out[i].EffectivenessScore > out[j].EffectivenessScore
		}
		return out[i].FailureID < out[j].FailureID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// afterMatch caches processing metadata and emits the completion event.
func (s *Service) afterMatch(ctx context.Context, req *MatchRequest, resp *MatchResponse) {
	ids := make([]string, len(resp.Matches))
	top := 0.0
	for i, m := range resp.Matches {
		ids[i] = m.FailureID
		if m.MatchScore > top {
			top = m.MatchScore
		}
	}

	if s.cache != nil {
		meta := MatchMetadata{
			SignatureHash:  resp.SignatureHash,
			StagesUsed:     resp.StagesUsed,
			FailureIDs:     ids,
			TopScore:       top,
			ProcessingTime: resp.ProcessingTime,
			CompletedAt:    s.now(),
		}
		if err := s.cache.Put(ctx, req, meta); err != nil {
			s.logger.Warn("failed to cache match metadata", zap.String("signature_hash", resp.SignatureHash), zap.Error(err))
		}
	}

	s.emit(ctx, EventMatchCompleted, PriorityLow, map[string]any{
		"signature_hash": resp.SignatureHash,
		"stages_used":    resp.StagesUsed,
		"failure_ids":    ids,
		"top_score":      top,
	})
	s.logger.Debug("match completed",
		zap.String("signature_hash", resp.SignatureHash),
		zap.Strings("stages_used", resp.StagesUsed),
		zap.Int("matches", len(ids)),
		zap.Duration("elapsed", resp.ProcessingTime),
	)
}

// MatchTicketToFailures matches a stored ticket and writes the suggested card
// ids back onto it.
func (s *Service) MatchTicketToFailures(ctx context.Context, ticketID string) (*MatchResponse, error) {
	ctx, span := s.tracer.Start(ctx, "failure.match_ticket")
	defer span.End()
	span.SetAttributes(attribute.String("ticket_id", ticketID))

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if s.tickets == nil {
		return nil, fmt.Errorf("%w: ticket store not configured", ErrInvalidInput)
	}
	ticket, err := s.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket %s: %w", ticketID, err)
	}

	resp, err := s.Match(ctx, &MatchRequest{
		Symptoms:      strings.TrimSpace(ticket.Title + ". " + ticket.Description),
		ErrorCodes:    ticket.ErrorCodes,
		VehicleMake:   ticket.VehicleMake,
		VehicleModel:  ticket.VehicleModel,
		SubsystemHint: ticket.Subsystem,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	ids := make([]string, len(resp.Matches))
	for i, m := range resp.Matches {
		ids[i] = m.FailureID
	}
	if err := s.tickets.SetSuggestedFailures(ctx, ticketID, ids); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to store suggestions on ticket %s: %w", ticketID, err)
	}
	return resp, nil
}

// haystack is the lower-cased searchable content of a card.
type haystack struct {
	text  string
	words map[string]bool
}

func cardHaystack(card *Card) haystack {
	parts := []string{card.Title, card.Description, card.SymptomText, card.RootCause}
	parts = append(parts, card.Keywords...)
	parts = append(parts, card.ErrorCodes...)
	parts = append(parts, card.Signature.PrimarySymptoms...)
	text := strings.ToLower(strings.Join(parts, " "))
	words := make(map[string]bool)
	for _, tok := range tokenize(text) {
		words[tok] = true
	}
	return haystack{text: text, words: words}
}

// contains matches whole tokens, so "low" does not hit "yellow".
func (h haystack) contains(term string) bool {
	term = strings.ToLower(term)
	if h.words[term] {
		return true
	}
	// Multi-token terms such as "p0a80-01" fall back to substring search.
	return len(tokenize(term)) > 1 && strings.Contains(h.text, term)
}

func intersectFold(have, want []string) []string {
	var out []string
	for _, w := range want {
		if containsFold(have, w) {
			out = append(out, w)
		}
	}
	return out
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.ToLower(v)
	}
	return out
}
