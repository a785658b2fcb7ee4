package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

type StatusStreamer interface {
	Stream(ctx context.Context, conn *websocket.Conn, workspaceID string) error
}

// handleStream upgrades to a websocket carrying the workspace's status
// events. Browsers cannot set headers on a websocket handshake, so the token
// may also arrive as the access_token query parameter.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, workspaceID string) {
	correlationID := getCorrelationID(r)
	now := time.Now().UTC()
	var claims tokenClaims
	var authErr *authError
	if header := r.Header.Get("Authorization"); header != "" {
		claims, authErr = authorizeBearer(header, s.cfg.JWTSecret, workspaceID, ScopeRead, now)
	} else {
		claims, authErr = authorizeToken(strings.TrimSpace(r.URL.Query().Get("access_token")), s.cfg.JWTSecret, workspaceID, ScopeRead, now)
	}
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.cfg.Streamer == nil {
		writeError(w, http.StatusServiceUnavailable, "stream_unavailable", "status stream is not configured", correlationID)
		return
	}
	if !s.allow(w, workspaceID, claims.AgentName, correlationID) {
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.StreamOriginPatterns})
	if err != nil {
		s.logger.Warn().Err(err).Str("workspace", workspaceID).Msg("status stream upgrade failed")
		return
	}
	defer conn.CloseNow()
	if err := s.cfg.Streamer.Stream(r.Context(), conn, workspaceID); err != nil {
		s.logger.Debug().Err(err).Str("workspace", workspaceID).Str("agent", claims.AgentName).Msg("status stream ended")
	}
}
