package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lithammer/shortuuid/v4"

	"github.com/hrygo/divinesense-router/ai/routing"
	"github.com/hrygo/divinesense-router/internal/version"
	"github.com/hrygo/divinesense-router/store"
)

// maxUtteranceLength bounds one utterance in bytes.
const maxUtteranceLength = 2000

// RouteRequest is the request body for POST /api/v1/route.
type RouteRequest struct {
	Utterance string `json:"utterance"`
	SessionID string `json:"session_id"`
}

// FeedbackRequest is the request body for POST /api/v1/feedback.
type FeedbackRequest struct {
	RequestID string            `json:"request_id"`
	SessionID string            `json:"session_id"`
	Signals   map[string]string `json:"signals"`
}

// FeedbackResponse is the response body for POST /api/v1/feedback.
type FeedbackResponse struct {
	Accepted bool `json:"accepted"`
}

// CapabilitiesResponse is the response body for GET /api/v1/capabilities.
type CapabilitiesResponse struct {
	Capabilities []routing.CapabilityInfo `json:"capabilities"`
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: version.String()})
}

// handleRoute routes one utterance. A missing session id starts a new
// session; its id is returned in the result.
func (s *Server) handleRoute(c echo.Context) error {
	var req RouteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Utterance) > maxUtteranceLength {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "utterance is too long")
	}
	if req.SessionID == "" {
		req.SessionID = shortuuid.New()
	}

	res, err := s.deps.Router.Route(c.Request().Context(), req.Utterance, req.SessionID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "request cancelled")
		}
		s.logger.Error("route failed", "session_id", req.SessionID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleResetSession(c echo.Context) error {
	id := c.Param("id")
	ok, err := s.deps.Router.ResetSession(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request cancelled")
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleFeedback(c echo.Context) error {
	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.RequestID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request_id is required")
	}
	if len(req.Signals) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "signals are required")
	}

	if !s.deps.Router.Feedback(req.RequestID, req.SessionID, req.Signals) {
		return c.JSON(http.StatusServiceUnavailable, FeedbackResponse{Accepted: false})
	}
	return c.JSON(http.StatusAccepted, FeedbackResponse{Accepted: true})
}

// handleListFeedback lists recent records, optionally for one session.
func (s *Server) handleListFeedback(c echo.Context) error {
	if s.deps.Feedback == nil {
		return echo.NewHTTPError(http.StatusNotFound, "feedback store is not configured")
	}
	find := &store.FindFeedbackRecord{Limit: 50}
	if sid := c.QueryParam("session_id"); sid != "" {
		find.SessionID = &sid
	}
	if rid := c.QueryParam("request_id"); rid != "" {
		find.RequestID = &rid
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 1000")
		}
		find.Limit = n
	}

	records, err := s.deps.Feedback.ListFeedbackRecords(c.Request().Context(), find)
	if err != nil {
		s.logger.Error("list feedback failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return c.JSON(http.StatusOK, map[string]any{"records": records})
}

// handleFeedbackStats aggregates records over ?range= (default 24h).
func (s *Server) handleFeedbackStats(c echo.Context) error {
	if s.deps.Feedback == nil {
		return echo.NewHTTPError(http.StatusNotFound, "feedback store is not configured")
	}
	window := 24 * time.Hour
	if raw := strings.TrimSpace(c.QueryParam("range")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "range must be a positive duration")
		}
		window = d
	}

	stats, err := s.deps.Feedback.GetFeedbackStats(c.Request().Context(), &store.GetFeedbackStats{TimeRange: window})
	if err != nil {
		s.logger.Error("feedback stats failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleCapabilities(c echo.Context) error {
	return c.JSON(http.StatusOK, CapabilitiesResponse{Capabilities: s.deps.Capabilities.Capabilities()})
}
