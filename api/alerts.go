package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"krai.services/engine/db"
)

const defaultAlertLimit = 50

// handleListAlerts lists alerts filtered by severity and status.
func (s *Server) handleListAlerts(c echo.Context) error {
	limit := defaultAlertLimit
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = parsed
	}

	list, err := s.deps.Alerts.ListAlerts(c.Request().Context(), c.QueryParam("severity"), c.QueryParam("status"), limit)
	if err != nil {
		return fmt.Errorf("failed to list alerts: %w", err)
	}
	return c.JSON(http.StatusOK, envelope(list))
}

// AcknowledgeRequest names the user acknowledging an alert.
type AcknowledgeRequest struct {
	User string `json:"user"`
}

func (s *Server) handleAcknowledgeAlert(c echo.Context) error {
	var req AcknowledgeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	if req.User == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user is required")
	}

	if err := s.deps.Alerts.Acknowledge(c.Request().Context(), c.Param("id"), req.User); err != nil {
		if db.IsNotFound(err) {
			return echo.NewHTTPError(http.StatusNotFound, "alert not found")
		}
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleDismissAlert(c echo.Context) error {
	if err := s.deps.Alerts.Dismiss(c.Request().Context(), c.Param("id")); err != nil {
		if db.IsNotFound(err) {
			return echo.NewHTTPError(http.StatusNotFound, "alert not found")
		}
		return fmt.Errorf("failed to dismiss alert: %w", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "dismissed"})
}

func (s *Server) handleListRules(c echo.Context) error {
	rules, err := s.deps.Alerts.ListRules(c.Request().Context())
	if err != nil {
		return fmt.Errorf("failed to list alert rules: %w", err)
	}
	return c.JSON(http.StatusOK, envelope(rules))
}

func (s *Server) handleAddRule(c echo.Context) error {
	var rule db.AlertRule
	if err := c.Bind(&rule); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid rule")
	}
	if rule.RuleName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "rule_name is required")
	}

	if err := s.deps.Alerts.AddRule(c.Request().Context(), &rule); err != nil {
		return fmt.Errorf("failed to save alert rule: %w", err)
	}
	return c.JSON(http.StatusCreated, envelope(rule))
}

func (s *Server) handleDeleteRule(c echo.Context) error {
	if err := s.deps.Alerts.DeleteRule(c.Request().Context(), c.Param("name")); err != nil {
		if db.IsNotFound(err) {
			return echo.NewHTTPError(http.StatusNotFound, "rule not found")
		}
		return fmt.Errorf("failed to delete alert rule: %w", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}
