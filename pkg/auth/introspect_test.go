package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func stubIntrospection(t *testing.T, status int, body map[string]any) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok, "introspection request must carry Basic auth")
		assert.Equal(t, "client-id", user)
		assert.Equal(t, "client-secret", pass)
		require.NoError(t, r.ParseForm())
		assert.NotEmpty(t, r.FormValue("token"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		require.NoError(t, json.NewEncoder(w).Encode(body))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestVerifyTokenActive(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	ts := stubIntrospection(t, http.StatusOK, map[string]any{
		"active":   true,
		"username": "jdoe",
		"name":     "Jane Doe",
		"email":    "jdoe@example.com",
		"exp":      exp,
	})

	i := NewIntrospector(ts.URL, "client-id", "client-secret", zap.NewNop())
	id, err := i.VerifyToken(context.Background(), "tok-123")
	require.NoError(t, err)

	assert.Equal(t, "jdoe", id.Username)
	assert.Equal(t, "Jane Doe", id.DisplayName)
	assert.Equal(t, "jdoe@example.com", id.Email)
	assert.Equal(t, time.Unix(exp, 0), id.ExpiresAt)
}

func TestVerifyTokenDisplayNameFallsBackToUsername(t *testing.T) {
	ts := stubIntrospection(t, http.StatusOK, map[string]any{
		"active":   true,
		"username": "jdoe",
		"email":    "jdoe@example.com",
	})

	i := NewIntrospector(ts.URL, "client-id", "client-secret", zap.NewNop())
	id, err := i.VerifyToken(context.Background(), "tok-123")
	require.NoError(t, err)
	assert.Equal(t, "jdoe", id.DisplayName)
}

func TestVerifyTokenInactive(t *testing.T) {
	ts := stubIntrospection(t, http.StatusOK, map[string]any{"active": false})

	i := NewIntrospector(ts.URL, "client-id", "client-secret", zap.NewNop())
	_, err := i.VerifyToken(context.Background(), "tok-123")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyTokenUpstreamError(t *testing.T) {
	ts := stubIntrospection(t, http.StatusInternalServerError, map[string]any{})

	i := NewIntrospector(ts.URL, "client-id", "client-secret", zap.NewNop())
	_, err := i.VerifyToken(context.Background(), "tok-123")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyTokenNetworkError(t *testing.T) {
	ts := stubIntrospection(t, http.StatusOK, map[string]any{"active": true})
	ts.Close()

	i := NewIntrospector(ts.URL, "client-id", "client-secret", zap.NewNop())
	_, err := i.VerifyToken(context.Background(), "tok-123")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRequestMalformedHeaderSkipsNetwork(t *testing.T) {
	// The stub fails the test if it receives any request.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("malformed header must not trigger an introspection call")
	}))
	t.Cleanup(ts.Close)

	i := NewIntrospector(ts.URL, "client-id", "client-secret", zap.NewNop())

	for _, header := range []string{"", "Basic abc", "Bearer", "Bearer   "} {
		_, err := i.VerifyRequest(context.Background(), header)
		assert.ErrorIs(t, err, ErrInvalidToken, "header %q", header)
	}
}

func TestBearerToken(t *testing.T) {
	token, ok := BearerToken("Bearer abc123")
	require.True(t, ok)
	assert.Equal(t, "abc123", token)

	_, ok = BearerToken("bearer abc123")
	assert.False(t, ok)
}
