package http

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/Service202508/BattwheelsGarages-sub003/internal/failure"
	"github.com/Service202508/BattwheelsGarages-sub003/internal/logging"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// ApproveRequest is the body of POST /api/v1/cards/:id/approve.
type ApproveRequest struct {
	ApprovedBy string `json:"approved_by"`
	Notes      string `json:"notes,omitempty"`
}

// DeprecateRequest is the body of POST /api/v1/cards/:id/deprecate.
type DeprecateRequest struct {
	Reason       string `json:"reason"`
	DeprecatedBy string `json:"deprecated_by"`
}

// CardListResponse wraps GET /api/v1/cards.
type CardListResponse struct {
	Cards []*failure.Card `json:"cards"`
	Count int             `json:"count"`
}

// toHTTPError maps service errors onto status codes. Unknown errors become
// a 500 without leaking the message.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, failure.ErrNotFound), errors.Is(err, failure.ErrTicketNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error()).SetInternal(err)
	case errors.Is(err, failure.ErrInvalidTransition), errors.Is(err, failure.ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error()).SetInternal(err)
	case errors.Is(err, failure.ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	case errors.Is(err, failure.ErrServiceClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service is shutting down").SetInternal(err)
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "request timed out").SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

func bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Version: s.config.Version}
	if len(s.checks) == 0 {
		return c.JSON(http.StatusOK, resp)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp.Checks = make(map[string]string, len(names))
	code := http.StatusOK
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			s.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	return c.JSON(code, resp)
}

func (s *Server) handleMatch(c echo.Context) error {
	var req failure.MatchRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	resp, err := s.svc.Match(c.Request().Context(), &req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleMatchMetadata returns cached processing metadata for a request
// previously sent to /match.
func (s *Server) handleMatchMetadata(c echo.Context) error {
	if s.cache == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "match cache not configured")
	}
	var req failure.MatchRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	meta, err := s.cache.Get(c.Request().Context(), &req)
	if err != nil {
		return toHTTPError(err)
	}
	if meta == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no cached match for request")
	}
	return c.JSON(http.StatusOK, meta)
}

func (s *Server) handlePutTicket(c echo.Context) error {
	if s.tickets == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "ticket store not configured")
	}
	var ticket failure.Ticket
	if err := bind(c, &ticket); err != nil {
		return err
	}
	ticket.TicketID = c.Param("id")
	if err := s.tickets.UpsertTicket(c.Request().Context(), &ticket); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, ticket)
}

func (s *Server) handleMatchTicket(c echo.Context) error {
	ctx := logging.WithTicketID(c.Request().Context(), c.Param("id"))
	resp, err := s.svc.MatchTicketToFailures(ctx, c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCreateCard(c echo.Context) error {
	var req failure.CreateCardRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	card, err := s.svc.CreateCard(c.Request().Context(), &req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, card)
}

func (s *Server) handleListCards(c echo.Context) error {
	var filter failure.CardFilter
	var status, subsystem, sourceType string
	err := echo.QueryParamsBinder(c).
		String("status", &status).
		String("subsystem", &subsystem).
		String("source_type", &sourceType).
		Float64("min_confidence", &filter.MinConfidence).
		Float64("min_effectiveness", &filter.MinEffectiveness).
		String("q", &filter.Search).
		String("keyword", &filter.Keyword).
		String("error_code", &filter.ErrorCode).
		Bool("exclude_deprecated", &filter.ExcludeDeprecated).
		Int("limit", &filter.Limit).
		Int("offset", &filter.Offset).
		BindError()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	filter.Status = failure.Status(status)
	filter.Subsystem = failure.Subsystem(subsystem)
	filter.SourceType = failure.SourceType(sourceType)

	cards, err := s.svc.ListCards(c.Request().Context(), filter)
	if err != nil {
		return toHTTPError(err)
	}
	if cards == nil {
		cards = []*failure.Card{}
	}
	return c.JSON(http.StatusOK, CardListResponse{Cards: cards, Count: len(cards)})
}

func (s *Server) handleGetCard(c echo.Context) error {
	card, err := s.svc.GetCard(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, card)
}

func (s *Server) handleUpdateCard(c echo.Context) error {
	var req failure.UpdateCardRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	card, err := s.svc.UpdateCard(c.Request().Context(), c.Param("id"), &req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, card)
}

func (s *Server) handleApproveCard(c echo.Context) error {
	var req ApproveRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.ApprovedBy == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "approved_by is required")
	}
	card, err := s.svc.ApproveCard(c.Request().Context(), c.Param("id"), req.ApprovedBy, req.Notes)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, card)
}

func (s *Server) handleDeprecateCard(c echo.Context) error {
	var req DeprecateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	card, err := s.svc.DeprecateCard(c.Request().Context(), c.Param("id"), req.Reason, req.DeprecatedBy)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, card)
}

func (s *Server) handleConfidenceHistory(c echo.Context) error {
	history, err := s.svc.GetConfidenceHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	if history == nil {
		history = []failure.ConfidenceEntry{}
	}
	return c.JSON(http.StatusOK, history)
}

func (s *Server) handleRecordAction(c echo.Context) error {
	var req failure.RecordActionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := logging.WithTicketID(c.Request().Context(), req.TicketID)
	ctx = logging.WithTechnicianID(ctx, req.TechnicianID)

	action, err := s.svc.RecordTechnicianAction(ctx, &req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, action)
}

func (s *Server) handleRecordPartUsage(c echo.Context) error {
	var req failure.RecordPartUsageRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	usage, err := s.svc.RecordPartUsage(logging.WithTicketID(c.Request().Context(), req.TicketID), &req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, usage)
}

func (s *Server) handleAnalytics(c echo.Context) error {
	overview, err := s.svc.AnalyticsOverview(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, overview)
}
