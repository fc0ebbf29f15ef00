package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrInvalidToken is returned for every verification failure: malformed
// header, inactive token, upstream error, or network failure. The specific
// cause is logged, not surfaced.
var ErrInvalidToken = errors.New("invalid or expired token")

// Introspector validates bearer tokens against an OAuth2 token
// introspection endpoint. Every call re-validates over the network; results
// are not cached.
type Introspector struct {
	endpoint     string
	clientID     string
	clientSecret string
	client       *http.Client
	logger       *zap.Logger
}

// NewIntrospector creates an Introspector for the given endpoint,
// authenticating with the client id/secret pair via HTTP Basic auth.
func NewIntrospector(endpoint, clientID, clientSecret string, logger *zap.Logger) *Introspector {
	return &Introspector{
		endpoint:     endpoint,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
	}
}

// WithHTTPClient replaces the HTTP client. Used by tests.
func (i *Introspector) WithHTTPClient(c *http.Client) *Introspector {
	i.client = c
	return i
}

// introspection is the subset of RFC 7662 response fields we use.
type introspection struct {
	Active   bool   `json:"active"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Exp      int64  `json:"exp"`
}

// VerifyToken checks the token with the introspection endpoint and maps the
// claims to an Identity. It never panics past its boundary: all failures
// collapse into ErrInvalidToken.
func (i *Introspector) VerifyToken(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		i.logger.Error("Failed to build introspection request", zap.Error(err))
		return nil, ErrInvalidToken
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(i.clientID, i.clientSecret)

	resp, err := i.client.Do(req)
	if err != nil {
		i.logger.Warn("Token introspection request failed", zap.Error(err))
		return nil, ErrInvalidToken
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		i.logger.Warn("Token introspection returned non-2xx status",
			zap.Int("status", resp.StatusCode),
		)
		return nil, ErrInvalidToken
	}

	var in introspection
	if err := json.NewDecoder(resp.Body).Decode(&in); err != nil {
		i.logger.Warn("Failed to decode introspection response", zap.Error(err))
		return nil, ErrInvalidToken
	}
	if !in.Active {
		i.logger.Info("Token introspection reported inactive token",
			zap.String("username", in.Username),
		)
		return nil, ErrInvalidToken
	}

	id := &Identity{
		Username:    in.Username,
		DisplayName: in.Name,
		Email:       in.Email,
	}
	if id.DisplayName == "" {
		id.DisplayName = in.Username
	}
	if in.Exp > 0 {
		id.ExpiresAt = time.Unix(in.Exp, 0)
	}

	i.logger.Debug("Token verified",
		zap.String("username", id.Username),
		zap.String("email", id.Email),
	)
	return id, nil
}

// VerifyRequest extracts the bearer token from an Authorization header value
// and verifies it. Malformed headers fail without a network round-trip.
func (i *Introspector) VerifyRequest(ctx context.Context, authHeader string) (*Identity, error) {
	token, ok := BearerToken(authHeader)
	if !ok {
		i.logger.Debug("Missing or malformed Authorization header")
		return nil, ErrInvalidToken
	}
	id, err := i.VerifyToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("bearer token rejected: %w", err)
	}
	return id, nil
}
