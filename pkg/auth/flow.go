package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// ErrSessionNotFound is returned when a callback or status lookup names a
// state that was never issued or has been swept.
var ErrSessionNotFound = errors.New("unknown or expired state")

// SessionTTL is how long an authorization session may sit unauthenticated
// before the sweep removes it.
const SessionTTL = 10 * time.Minute

const stateEntropyBytes = 32

// Session tracks one authorization-code flow, keyed by its opaque state.
type Session struct {
	CodeVerifier  string
	CreatedAt     time.Time
	Authenticated bool
	AccessToken   string
	RefreshToken  string
	ExpiresAt     time.Time
}

// Status is the externally visible view of a session.
type Status struct {
	Authenticated bool   `json:"authenticated"`
	Token         string `json:"token,omitempty"`
	ExpiresAt     string `json:"expires_at,omitempty"`
	Note          string `json:"note,omitempty"`
}

// ExchangeError reports a non-2xx response from the token endpoint,
// carrying the upstream status and body.
type ExchangeError struct {
	StatusCode int
	Body       string
	err        error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed: upstream status %d: %s", e.StatusCode, e.Body)
}

func (e *ExchangeError) Unwrap() error { return e.err }

// FlowManager owns the in-memory session map and drives the OAuth2
// authorization-code flow with PKCE (S256).
type FlowManager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	oauth  *oauth2.Config
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// FlowOption configures the FlowManager.
type FlowOption func(*FlowManager)

// WithTTL overrides the session idle timeout.
func WithTTL(ttl time.Duration) FlowOption {
	return func(m *FlowManager) { m.ttl = ttl }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) FlowOption {
	return func(m *FlowManager) { m.now = now }
}

// NewFlowManager creates a FlowManager using the given oauth2 client
// configuration.
func NewFlowManager(cfg *oauth2.Config, logger *zap.Logger, opts ...FlowOption) *FlowManager {
	m := &FlowManager{
		sessions: make(map[string]*Session),
		oauth:    cfg,
		ttl:      SessionTTL,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initiate starts a new authorization-code flow. It generates the state key
// and a PKCE verifier, stores the session, and returns the authorization URL
// the caller should visit together with the state. Expired sessions are
// swept opportunistically.
func (m *FlowManager) Initiate() (authURL, state string, err error) {
	buf := make([]byte, stateEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate state: %w", err)
	}
	state = base64.RawURLEncoding.EncodeToString(buf)
	verifier := oauth2.GenerateVerifier()

	m.mu.Lock()
	m.sweepLocked(m.now())
	m.sessions[state] = &Session{
		CodeVerifier: verifier,
		CreatedAt:    m.now(),
	}
	m.mu.Unlock()

	authURL = m.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	m.logger.Info("Authorization flow initiated", zap.String("state", state))
	return authURL, state, nil
}

// CompleteCallback exchanges the authorization code for tokens using the
// session's PKCE verifier and marks the session authenticated. The exchange
// is not atomic with the lookup: a session swept mid-exchange surfaces as
// ErrSessionNotFound.
func (m *FlowManager) CompleteCallback(ctx context.Context, code, state string) error {
	m.mu.Lock()
	sess, ok := m.sessions[state]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	verifier := sess.CodeVerifier
	m.mu.Unlock()

	tok, err := m.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			m.logger.Warn("Token exchange rejected by authorization server",
				zap.Int("status", re.Response.StatusCode),
				zap.String("state", state),
			)
			return &ExchangeError{
				StatusCode: re.Response.StatusCode,
				Body:       string(re.Body),
				err:        err,
			}
		}
		return fmt.Errorf("token exchange: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok = m.sessions[state]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Authenticated = true
	sess.AccessToken = tok.AccessToken
	sess.RefreshToken = tok.RefreshToken
	sess.ExpiresAt = tok.Expiry

	m.logger.Info("Authorization flow completed", zap.String("state", state))
	return nil
}

// Status reports the session state. A missing session is not an error: the
// caller polls this endpoint while the user completes the browser flow.
func (m *FlowManager) Status(state string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[state]
	if !ok {
		return Status{
			Authenticated: false,
			Note:          "no session for this state; it may have expired",
		}
	}
	st := Status{Authenticated: sess.Authenticated}
	if sess.Authenticated {
		st.Token = sess.AccessToken
		st.ExpiresAt = sess.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return st
}

// Sweep removes sessions older than the TTL and returns how many were
// removed.
func (m *FlowManager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepLocked(now)
}

func (m *FlowManager) sweepLocked(now time.Time) int {
	var removed int
	for state, sess := range m.sessions {
		if now.Sub(sess.CreatedAt) > m.ttl {
			delete(m.sessions, state)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("Swept expired authorization sessions", zap.Int("removed", removed))
	}
	return removed
}

// Run sweeps expired sessions periodically until the context is cancelled.
func (m *FlowManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}
