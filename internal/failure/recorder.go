package failure

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Review reasons attached to flagged actions.
const (
	ReviewNegativeHelpfulness = "negative_helpfulness"
	ReviewNegativeAccuracy    = "negative_accuracy"
	ReviewUnsafeOutcome       = "unsafe_outcome"
)

const (
	maxRating      = 5
	negativeRating = 2
	positiveRating = 4
)

// RecordTechnicianAction writes an immutable action and feeds its outcome
// back into the referenced card.
//
// Card counters are incremented atomically in the store. Accuracy feedback
// moves confidence through an appended history entry. Negative feedback or an
// unsafe outcome is queued for review, and a new-failure report is emitted.
func (s *Service) RecordTechnicianAction(ctx context.Context, req *RecordActionRequest) (*TechnicianAction, error) {
	ctx, span := s.tracer.Start(ctx, "failure.record_action")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateAction(req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("ticket_id", req.TicketID),
		attribute.String("failure_id", req.FailureID),
		attribute.String("outcome", string(req.Outcome)),
	)

	if req.FailureID != "" {
		if _, err := s.cards.GetCard(ctx, req.FailureID); err != nil {
			return nil, fmt.Errorf("failed to get card %s: %w", req.FailureID, err)
		}
	}

	action := &TechnicianAction{
		ActionID:           uuid.New().String(),
		TicketID:           req.TicketID,
		TechnicianID:       req.TechnicianID,
		FailureID:          req.FailureID,
		DiagnosticSteps:    req.DiagnosticSteps,
		RejectedHypotheses: req.RejectedHypotheses,
		Observations:       req.Observations,
		PartsUsed:          req.PartsUsed,
		Outcome:            req.Outcome,
		HelpfulnessRating:  req.HelpfulnessRating,
		AccuracyRating:     req.AccuracyRating,
		UnsafeOutcome:      req.UnsafeOutcome,
		Notes:              req.Notes,
		NewFailure:         req.NewFailure,
		CreatedAt:          s.now(),
	}
	if err := s.actions.InsertAction(ctx, action); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to record action: %w", err)
	}

	// The action is stored at this point. Returning an error would invite a
	// retry that records it twice, so outcome failures are logged instead.
	if action.FailureID != "" {
		if err := s.applyOutcome(ctx, action); err != nil {
			span.RecordError(err)
			s.logger.Warn("failed to apply action outcome to card",
				zap.String("action_id", action.ActionID),
				zap.String("failure_id", action.FailureID),
				zap.Error(err),
			)
		}
	}

	if reasons := reviewReasons(action); len(reasons) > 0 {
		s.queueReview(ctx, action, reasons)
	}

	if action.NewFailure != nil {
		s.emit(ctx, EventNewFailureDetected, PriorityHigh, map[string]any{
			"action_id":     action.ActionID,
			"ticket_id":     action.TicketID,
			"technician_id": action.TechnicianID,
			"title":         action.NewFailure.Title,
			"description":   action.NewFailure.Description,
			"subsystem":     string(action.NewFailure.Subsystem),
			"error_codes":   action.NewFailure.ErrorCodes,
			"root_cause":    action.NewFailure.RootCause,
			"resolution":    action.NewFailure.Resolution,
		})
	}

	if s.actionCounter != nil {
		s.actionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(action.Outcome))))
	}
	s.logger.Info("recorded technician action",
		zap.String("action_id", action.ActionID),
		zap.String("ticket_id", action.TicketID),
		zap.String("failure_id", action.FailureID),
		zap.String("outcome", string(action.Outcome)),
	)
	return action, nil
}

func validateAction(req *RecordActionRequest) error {
	if req == nil {
		return fmt.Errorf("%w: request is required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.TicketID) == "" {
		return fmt.Errorf("%w: ticket_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.TechnicianID) == "" {
		return fmt.Errorf("%w: technician_id is required", ErrInvalidInput)
	}
	if !req.Outcome.Valid() {
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidInput, req.Outcome)
	}
	if req.HelpfulnessRating < 0 || req.HelpfulnessRating > maxRating {
		return fmt.Errorf("%w: helpfulness_rating must be 0-5", ErrInvalidInput)
	}
	if req.AccuracyRating < 0 || req.AccuracyRating > maxRating {
		return fmt.Errorf("%w: accuracy_rating must be 0-5", ErrInvalidInput)
	}
	return nil
}

// applyOutcome updates counters and confidence for the card the action used.
func (s *Service) applyOutcome(ctx context.Context, action *TechnicianAction) error {
	if err := s.cards.IncrementUsage(ctx, action.FailureID, action.Outcome); err != nil {
		return fmt.Errorf("failed to increment usage for %s: %w", action.FailureID, err)
	}

	var delta float64
	switch {
	case action.AccuracyRating >= positiveRating:
		delta = s.config.FeedbackBoost
	case action.AccuracyRating > 0 && action.AccuracyRating <= negativeRating:
		delta = -s.config.FeedbackPenalty
	}
	if delta != 0 {
		notes := fmt.Sprintf("accuracy rating %d on ticket %s", action.AccuracyRating, action.TicketID)
		if _, err := s.cards.AdjustConfidence(ctx, action.FailureID, delta, ReasonTechnicianFeedback, notes); err != nil {
			return fmt.Errorf("failed to adjust confidence for %s: %w", action.FailureID, err)
		}
	}

	card, err := s.cards.GetCard(ctx, action.FailureID)
	if err != nil {
		s.logger.Warn("failed to reload used card", zap.String("failure_id", action.FailureID), zap.Error(err))
		return nil
	}
	s.emit(ctx, EventCardUsed, PriorityNormal, map[string]any{
		"failure_id":          card.FailureID,
		"action_id":           action.ActionID,
		"outcome":             string(action.Outcome),
		"usage_count":         card.UsageCount,
		"effectiveness_score": card.EffectivenessScore,
		"confidence_score":    card.ConfidenceScore,
	})
	return nil
}

func reviewReasons(action *TechnicianAction) []string {
	var reasons []string
	if action.HelpfulnessRating > 0 && action.HelpfulnessRating <= negativeRating {
		reasons = append(reasons, ReviewNegativeHelpfulness)
	}
	if action.AccuracyRating > 0 && action.AccuracyRating <= negativeRating {
		reasons = append(reasons, ReviewNegativeAccuracy)
	}
	if action.UnsafeOutcome {
		reasons = append(reasons, ReviewUnsafeOutcome)
	}
	return reasons
}

// queueReview hands a flagged action to the review queue. The action is
// already stored, so queue failures are logged only.
func (s *Service) queueReview(ctx context.Context, action *TechnicianAction, reasons []string) {
	if s.review == nil {
		s.logger.Warn("action flagged for review but no review queue configured",
			zap.String("action_id", action.ActionID),
			zap.Strings("reasons", reasons),
		)
		return
	}
	item := ReviewItem{
		ActionID:     action.ActionID,
		FailureID:    action.FailureID,
		TicketID:     action.TicketID,
		TechnicianID: action.TechnicianID,
		Reasons:      reasons,
		Notes:        action.Notes,
		CreatedAt:    action.CreatedAt,
	}
	if err := s.review.Enqueue(ctx, item); err != nil {
		s.logger.Error("failed to queue action for review",
			zap.String("action_id", action.ActionID),
			zap.Strings("reasons", reasons),
			zap.Error(err),
		)
	}
}

// RecordPartUsageRequest is the input for RecordPartUsage.
type RecordPartUsageRequest struct {
	TicketID     string  `json:"ticket_id"`
	FailureID    string  `json:"failure_id,omitempty"`
	TechnicianID string  `json:"technician_id,omitempty"`
	PartNumber   string  `json:"part_number"`
	PartName     string  `json:"part_name,omitempty"`
	Quantity     int     `json:"quantity"`
	UnitCost     float64 `json:"unit_cost"`
}

// RecordPartUsage writes an immutable part usage record.
func (s *Service) RecordPartUsage(ctx context.Context, req *RecordPartUsageRequest) (*PartUsage, error) {
	ctx, span := s.tracer.Start(ctx, "failure.record_part_usage")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if req == nil || strings.TrimSpace(req.TicketID) == "" || strings.TrimSpace(req.PartNumber) == "" {
		return nil, fmt.Errorf("%w: ticket_id and part_number are required", ErrInvalidInput)
	}
	if req.Quantity <= 0 || req.UnitCost < 0 {
		return nil, fmt.Errorf("%w: quantity must be positive and unit_cost non-negative", ErrInvalidInput)
	}
	if req.FailureID != "" {
		if _, err := s.cards.GetCard(ctx, req.FailureID); err != nil {
			return nil, fmt.Errorf("failed to get card %s: %w", req.FailureID, err)
		}
	}

	usage := &PartUsage{
		UsageID:      uuid.New().String(),
		TicketID:     req.TicketID,
		FailureID:    req.FailureID,
		TechnicianID: req.TechnicianID,
		PartNumber:   strings.TrimSpace(req.PartNumber),
		PartName:     req.PartName,
		Quantity:     req.Quantity,
		UnitCost:     req.UnitCost,
		CreatedAt:    s.now(),
	}
	if err := s.actions.InsertPartUsage(ctx, usage); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to record part usage: %w", err)
	}

	s.emit(ctx, EventPartUsed, PriorityLow, map[string]any{
		"usage_id":    usage.UsageID,
		"ticket_id":   usage.TicketID,
		"failure_id":  usage.FailureID,
		"part_number": usage.PartNumber,
		"quantity":    usage.Quantity,
	})
	return usage, nil
}
