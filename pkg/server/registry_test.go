package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lazallen/slack-mcp-relay/pkg/auth"
)

func TestRegistrySendMatchesByEmail(t *testing.T) {
	r := newConnRegistry(zap.NewNop())

	alice := r.Add(&auth.Identity{Email: "alice@example.com"})
	bob := r.Add(&auth.Identity{Email: "bob@example.com"})

	require.True(t, r.Send("bob@example.com", []byte("for-bob")))

	select {
	case msg := <-bob.ch:
		assert.Equal(t, "for-bob", string(msg))
	default:
		t.Fatal("bob's stream should have received the payload")
	}
	select {
	case <-alice.ch:
		t.Fatal("alice's stream must not receive bob's payload")
	default:
	}
}

func TestRegistrySendAnonymousMatchesEmptyEmail(t *testing.T) {
	r := newConnRegistry(zap.NewNop())
	anon := r.Add(nil)

	require.True(t, r.Send("", []byte("reply")))
	assert.Equal(t, "reply", string(<-anon.ch))
}

func TestRegistrySendNoMatch(t *testing.T) {
	r := newConnRegistry(zap.NewNop())
	r.Add(&auth.Identity{Email: "alice@example.com"})

	assert.False(t, r.Send("nobody@example.com", []byte("lost")))
}

func TestRegistrySweepRemovesStaleConnections(t *testing.T) {
	r := newConnRegistry(zap.NewNop())

	stale := r.Add(nil)
	r.conns[stale.id].createdAt = time.Now().Add(-2 * time.Hour)
	fresh := r.Add(nil)

	removed := r.Sweep(time.Now())
	assert.Equal(t, 1, removed)

	// The stale channel is closed so its handler unblocks.
	_, open := <-stale.ch
	assert.False(t, open)

	_, ok := r.conns[fresh.id]
	assert.True(t, ok)
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	r := newConnRegistry(zap.NewNop())
	c := r.Add(nil)
	r.Remove(c.id)
	r.Remove(c.id)
	assert.Empty(t, r.conns)
}
