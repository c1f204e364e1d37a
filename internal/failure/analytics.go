package failure

import (
	"context"
	"fmt"
	"sort"
)

const analyticsTopN = 5

// AnalyticsOverview aggregates counts, distributions and top cards.
func (s *Service) AnalyticsOverview(ctx context.Context) (*AnalyticsOverview, error) {
	ctx, span := s.tracer.Start(ctx, "failure.analytics_overview")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	cards, err := s.cards.ListCards(ctx, CardFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list cards: %w", err)
	}
	actions, err := s.actions.ListActions(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	usages, err := s.actions.ListPartUsage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list part usage: %w", err)
	}

	ov := &AnalyticsOverview{
		TotalCards:        len(cards),
		ByStatus:          make(map[Status]int),
		BySubsystem:       make(map[Subsystem]int),
		BySourceType:      make(map[SourceType]int),
		ByConfidenceLevel: make(map[ConfidenceLevel]int),
		ActionsByOutcome:  make(map[Outcome]int),
	}

	var confidenceSum float64
	summaries := make([]CardSummary, 0, len(cards))
	for _, c := range cards {
		c.RefreshDerived()
		ov.ByStatus[c.Status]++
		ov.BySubsystem[c.Subsystem]++
		ov.BySourceType[c.SourceType]++
		ov.ByConfidenceLevel[c.ConfidenceLevel]++
		ov.TotalUsage += c.UsageCount
		ov.TotalSuccess += c.SuccessCount
		ov.TotalFailure += c.FailureCount
		confidenceSum += c.ConfidenceScore
		summaries = append(summaries, CardSummary{
			FailureID:          c.FailureID,
			Title:              c.Title,
			Subsystem:          c.Subsystem,
			UsageCount:         c.UsageCount,
			EffectivenessScore: round4(c.EffectivenessScore),
			ConfidenceScore:    c.ConfidenceScore,
		})
	}
	if len(cards) > 0 {
		ov.AverageConfidence = round4(confidenceSum / float64(len(cards)))
	}

	ov.TopByUsage = topCards(summaries, func(a, b CardSummary) bool {
		if a.UsageCount != b.UsageCount {
			return a.UsageCount > b.UsageCount
		}
		return a.FailureID < b.FailureID
	}, func(c CardSummary) bool { return c.UsageCount > 0 })

	ov.TopByEffectiveness = topCards(summaries, func(a, b CardSummary) bool {
		if a.EffectivenessScore != b.EffectivenessScore {
			return a.EffectivenessScore > b.EffectivenessScore
		}
		if a.UsageCount != b.UsageCount {
			return a.UsageCount > b.UsageCount
		}
		return a.FailureID < b.FailureID
	}, func(c CardSummary) bool { return c.UsageCount > 0 })

	for _, a := range actions {
		ov.ActionsByOutcome[a.Outcome]++
	}
	ov.TopParts = topParts(usages)

	return ov, nil
}

func topCards(all []CardSummary, less func(a, b CardSummary) bool, keep func(CardSummary) bool) []CardSummary {
	var out []CardSummary
	for _, c := range all {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if len(out) > analyticsTopN {
		out = out[:analyticsTopN]
	}
	return out
}

func topParts(usages []*PartUsage) []PartSummary {
	byPart := make(map[string]*PartSummary)
	for _, u := range usages {
		p, ok := byPart[u.PartNumber]
		if !ok {
			p = &PartSummary{PartNumber: u.PartNumber, PartName: u.PartName}
			byPart[u.PartNumber] = p
		}
		p.TotalQuantity += u.Quantity
		p.TotalCost += float64(u.Quantity) * u.UnitCost
	}

	out := make([]PartSummary, 0, len(byPart))
	for _, p := range byPart {
		p.TotalCost = round4(p.TotalCost)
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalQuantity != out[j].TotalQuantity {
			return out[i].TotalQuantity > out[j].TotalQuantity
		}
		return out[i].PartNumber < out[j].PartNumber
	})
	if len(out) > analyticsTopN {
		out = out[:analyticsTopN]
	}
	return out
}
