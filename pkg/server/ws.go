package server

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lazallen/slack-mcp-relay/pkg/auth"
)

// handleWS upgrades the connection and serves JSON-RPC over it: one
// response message per non-notification request, on the same socket.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, ident *auth.Identity) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.logger.Info("WebSocket connection opened", zap.String("remote", r.RemoteAddr))

	ctx := r.Context()
	if ident != nil {
		ctx = auth.WithIdentity(ctx, ident)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("WebSocket read failed", zap.Error(err))
			}
			return
		}

		resp := s.dispatcher.Dispatch(ctx, msg, ident)
		if resp == nil {
			continue
		}
		if err := conn.WriteJSON(resp); err != nil {
			s.logger.Warn("WebSocket write failed", zap.Error(err))
			return
		}
	}
}
