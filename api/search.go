package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"krai.services/engine/db"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100
)

// SearchRequest asks for vectors similar to the supplied embedding.
type SearchRequest struct {
	Vector    db.Vector `json:"vector"`
	Limit     int       `json:"limit"`
	Threshold float64   `json:"threshold"`
}

// handleSearch runs a cosine similarity search over stored embeddings.
func (s *Server) handleSearch(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid search request")
	}
	if len(req.Vector) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "vector is required")
	}
	if req.Limit <= 0 {
		req.Limit = defaultSearchLimit
	}
	if req.Limit > maxSearchLimit {
		req.Limit = maxSearchLimit
	}
	if req.Threshold < 0 || req.Threshold > 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "threshold must be within [0, 1]")
	}

	start := time.Now()
	matches, err := s.deps.Port.SearchEmbeddings(c.Request().Context(), req.Vector, req.Limit, req.Threshold)
	if err != nil {
		return fmt.Errorf("failed to search embeddings: %w", err)
	}

	return c.JSON(http.StatusOK, envelopeList(matches, len(matches), time.Since(start)))
}
