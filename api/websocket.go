package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"krai.services/engine/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Cross-origin policy is handled by the CORS middleware; the
	// socket itself is gated by the token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleMonitoringSocket upgrades the connection and attaches the
// client to the realtime hub. Authentication failures close the socket
// with policy violation (1008) after the upgrade so the client sees a
// proper close frame.
func (s *Server) handleMonitoringSocket(c echo.Context) error {
	token := socketToken(c)

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "websocket upgrade failed")
	}

	claims, validErr := s.validateSocketToken(token)
	if validErr != nil {
		closeSocket(conn, websocket.ClosePolicyViolation, "authentication required")
		return nil
	}
	if !claims.HasPermission(realtime.PermissionMonitoringRead) {
		closeSocket(conn, websocket.ClosePolicyViolation, "monitoring:read permission required")
		return nil
	}

	if s.deps.Hub == nil {
		closeSocket(conn, websocket.CloseInternalServerErr, "monitoring unavailable")
		return nil
	}

	s.deps.Hub.Subscribe(c.Request().Context(), conn, claims.UserID, claims.Permissions)
	return nil
}

func (s *Server) validateSocketToken(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	return s.deps.Tokens.ValidateToken(token)
}

// socketToken reads the bearer token from the query string or the
// Authorization header; browsers cannot set headers on websocket
// connects, so the query form is primary.
func socketToken(c echo.Context) string {
	if token := c.QueryParam("token"); token != "" {
		return token
	}
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	return strings.TrimPrefix(header, "Bearer ")
}

func closeSocket(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}
