package failure

import (
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// initMetrics initializes OpenTelemetry metrics.
func (s *Service) initMetrics() {
	var err error

	s.createCounter, err = s.meter.Int64Counter(
		"failureintel.cards.created_total",
		metric.WithDescription("Total number of failure cards created"),
		metric.WithUnit("{card}"),
	)
	if err != nil {
		s.logger.Warn("failed to create card counter", zap.Error(err))
	}

	s.matchCounter, err = s.meter.Int64Counter(
		"failureintel.match.requests_total",
		metric.WithDescription("Total number of match requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		s.logger.Warn("failed to create match counter", zap.Error(err))
	}

	s.stageCounter, err = s.meter.Int64Counter(
		"failureintel.match.stage_runs_total",
		metric.WithDescription("Total number of cascade stage executions"),
		metric.WithUnit("{stage}"),
	)
	if err != nil {
		s.logger.Warn("failed to create stage counter", zap.Error(err))
	}

	s.actionCounter, err = s.meter.Int64Counter(
		"failureintel.actions.recorded_total",
		metric.WithDescription("Total number of technician actions recorded"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		s.logger.Warn("failed to create action counter", zap.Error(err))
	}

	s.degradeCounter, err = s.meter.Int64Counter(
		"failureintel.match.degraded_total",
		metric.WithDescription("Total number of cascade stages skipped after a collaborator error"),
		metric.WithUnit("{stage}"),
	)
	if err != nil {
		s.logger.Warn("failed to create degraded counter", zap.Error(err))
	}
}
