// Package server binds the MCP dispatcher to its HTTP, SSE, and WebSocket
// transports and exposes the Duo authorization endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lazallen/slack-mcp-relay/pkg/auth"
	"github.com/lazallen/slack-mcp-relay/pkg/config"
	"github.com/lazallen/slack-mcp-relay/pkg/mcp"
	"github.com/lazallen/slack-mcp-relay/pkg/version"
)

const serverName = "slack-mcp-relay"

// maxBodySize caps JSON-RPC request bodies at 1MB.
const maxBodySize = 1 << 20

// Config wires the Server's collaborators.
type Config struct {
	Dispatcher *mcp.Dispatcher
	// Gate enables bearer-token authentication on /mcp when non-nil.
	Gate *auth.Introspector
	// Flow enables the /auth endpoints when non-nil.
	Flow      *auth.FlowManager
	Transport config.Transport
	Logger    *zap.Logger
}

// Server is the HTTP surface for one deployment variant. The transport mode
// only changes how replies travel; the dispatcher is shared.
type Server struct {
	dispatcher *mcp.Dispatcher
	gate       *auth.Introspector
	flow       *auth.FlowManager
	transport  config.Transport
	registry   *connRegistry
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

// New creates a Server from the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		dispatcher: cfg.Dispatcher,
		gate:       cfg.Gate,
		flow:       cfg.Flow,
		transport:  cfg.Transport,
		registry:   newConnRegistry(logger),
		upgrader: websocket.Upgrader{
			// Remote MCP clients are not browsers; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}, nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/mcp", s.handleMCPGet)
	r.Post("/mcp", s.handleMCPPost)
	r.Post("/message", s.handleMessage)

	if s.flow != nil {
		r.Get("/auth/duo-initiate", s.handleAuthInitiate)
		r.Get("/auth/callback", s.handleAuthCallback)
		r.Get("/auth/status", s.handleAuthStatus)
	}

	return r
}

// Run serves HTTP on addr until ctx is cancelled, then drains gracefully.
// The SSE connection sweeper runs alongside.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.registry.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening",
			zap.String("address", addr),
			zap.String("transport", string(s.transport)),
			zap.String("version", version.Version),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// authenticate verifies the caller when a gate is configured. It writes the
// 401 response itself and reports false when the caller must not proceed.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	if s.gate == nil {
		return nil, true
	}
	ident, err := s.gate.VerifyRequest(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		s.logger.Info("Rejected unauthenticated request",
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
		)
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return nil, false
	}
	return ident, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"server":    serverName,
		"version":   version.Version,
		"transport": string(s.transport),
	})
}

func (s *Server) handleMCPGet(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	switch s.transport {
	case config.TransportWS:
		s.handleWS(w, r, ident)
	case config.TransportSSE:
		s.handleSSE(w, r, ident)
	default:
		w.Header().Set("Allow", "POST")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest,
			&mcp.Response{JSONRPC: "2.0", Error: &mcp.RPCError{Code: mcp.CodeParseError, Message: "failed to read request body"}})
		return
	}

	ctx := r.Context()
	if ident != nil {
		ctx = auth.WithIdentity(ctx, ident)
	}

	resp := s.dispatcher.Dispatch(ctx, body, ident)
	if resp == nil {
		// Notification: transport-level acknowledgment only.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if s.transport == config.TransportSSE {
		// The reply path is decoupled from the request path: route the
		// response to the caller's open stream by identity email.
		payload, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error("Failed to marshal response", zap.Error(err))
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		var email string
		if ident != nil {
			email = ident.Email
		}
		if !s.registry.Send(email, payload) {
			s.logger.Warn("No open stream matched the reply", zap.String("email", email))
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleMessage is SSE SDK transport plumbing; clients may POST here but
// nothing is routed.
func (s *Server) handleMessage(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAuthInitiate(w http.ResponseWriter, _ *http.Request) {
	authURL, state, err := s.flow.Initiate()
	if err != nil {
		s.logger.Error("Failed to initiate authorization flow", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"auth_url": authURL,
		"state":    state,
	})
}

func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if errParam := r.FormValue("error"); errParam != "" {
		http.Error(w, fmt.Sprintf("Authorization failed: %s - %s", errParam, r.FormValue("error_description")),
			http.StatusBadRequest)
		return
	}

	code := r.FormValue("code")
	state := r.FormValue("state")
	if code == "" || state == "" {
		http.Error(w, "Missing code or state parameter", http.StatusBadRequest)
		return
	}

	err := s.flow.CompleteCallback(r.Context(), code, state)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrSessionNotFound):
		http.Error(w, "Unknown or expired state", http.StatusBadRequest)
		return
	default:
		var ee *auth.ExchangeError
		if errors.As(err, &ee) {
			http.Error(w, ee.Error(), http.StatusBadGateway)
			return
		}
		s.logger.Error("Authorization callback failed", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "Authentication complete. You can close this window and return to your client.")
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		http.Error(w, "Missing state parameter", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, s.flow.Status(state))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}
