package server

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/lazallen/slack-mcp-relay/pkg/auth"
)

// handleSSE opens an event stream and pumps queued replies to it until the
// client disconnects or the registry sweeps the connection. The first event
// tells the client where to POST its requests.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request, ident *auth.Identity) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	conn := s.registry.Add(ident)
	defer s.registry.Remove(conn.id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", "/mcp")
	flusher.Flush()

	s.logger.Info("SSE stream opened", zap.Int64("conn_id", conn.id))

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("SSE stream closed by client", zap.Int64("conn_id", conn.id))
			return
		case msg, open := <-conn.ch:
			if !open {
				s.logger.Info("SSE stream closed by sweep", zap.Int64("conn_id", conn.id))
				return
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		}
	}
}
