package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lazallen/slack-mcp-relay/pkg/auth"
)

const (
	connMaxAge        = time.Hour
	connSweepInterval = 10 * time.Minute
	connSendBuffer    = 8
)

// sseConn is one open event stream.
type sseConn struct {
	id        int64
	ch        chan []byte
	identity  *auth.Identity
	createdAt time.Time
}

// connRegistry tracks open SSE streams so out-of-band POST replies can be
// routed back to the caller. Routing is by identity email, first match wins;
// a user with several open streams may receive a reply on any of them.
type connRegistry struct {
	mu     sync.Mutex
	nextID int64
	conns  map[int64]*sseConn

	maxAge time.Duration
	now    func() time.Time
	logger *zap.Logger
}

func newConnRegistry(logger *zap.Logger) *connRegistry {
	return &connRegistry{
		conns:  make(map[int64]*sseConn),
		maxAge: connMaxAge,
		now:    time.Now,
		logger: logger,
	}
}

// Add registers a new stream and returns it. identity may be nil on
// unauthenticated deployments.
func (r *connRegistry) Add(identity *auth.Identity) *sseConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	c := &sseConn{
		id:        r.nextID,
		ch:        make(chan []byte, connSendBuffer),
		identity:  identity,
		createdAt: r.now(),
	}
	r.conns[c.id] = c
	r.logger.Debug("Stream registered",
		zap.Int64("conn_id", c.id),
		zap.Int("open_streams", len(r.conns)),
	)
	return c
}

// Remove unregisters a stream. Safe to call after a sweep already removed it.
func (r *connRegistry) Remove(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Send delivers payload to the first open stream whose identity email
// matches. Unauthenticated streams match the empty email. Returns false
// when no stream matched. Delivery is non-blocking: a stream with a full
// buffer drops the payload.
func (r *connRegistry) Send(email string, payload []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		var connEmail string
		if c.identity != nil {
			connEmail = c.identity.Email
		}
		if connEmail != email {
			continue
		}
		select {
		case c.ch <- payload:
		default:
			r.logger.Warn("Stream buffer full, dropping reply", zap.Int64("conn_id", c.id))
		}
		return true
	}
	return false
}

// Sweep closes and removes streams older than the max age, returning how
// many were removed. Closing the channel makes the stream handler return.
func (r *connRegistry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed int
	for id, c := range r.conns {
		if now.Sub(c.createdAt) > r.maxAge {
			close(c.ch)
			delete(r.conns, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("Swept stale streams", zap.Int("removed", removed))
	}
	return removed
}

// Run sweeps stale streams periodically until ctx is cancelled.
func (r *connRegistry) Run(ctx context.Context) {
	ticker := time.NewTicker(connSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}
