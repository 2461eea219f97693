package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vocalix/vocalix/internal/media"
	"github.com/vocalix/vocalix/internal/session"
)

// drainPollInterval is how often Drain re-checks the live-session count.
const drainPollInterval = 200 * time.Millisecond

// sessionConn is the slice of the media connection the registry needs.
// *media.Conn satisfies it; tests use a fake.
type sessionConn interface {
	CallID() string
	StreamID() string
	Close(reason string) error
}

// SessionRegistry tracks live media sessions so shutdown can wait for calls
// to finish before closing their sockets. All methods are safe for
// concurrent use.
type SessionRegistry struct {
	mu    sync.Mutex
	conns map[string]sessionConn
	log   *slog.Logger
}

// NewSessionRegistry creates an empty registry; logger may be nil.
func NewSessionRegistry(logger *slog.Logger) *SessionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionRegistry{
		conns: make(map[string]sessionConn),
		log:   logger.With("component", "sessions"),
	}
}

// Bind wraps the engine's session loop in registry bookkeeping. The returned
// function satisfies media.BindFunc.
func (r *SessionRegistry) Bind(engine *session.Engine) media.BindFunc {
	return func(ctx context.Context, conn *media.Conn) error {
		r.add(conn)
		defer r.remove(conn)
		return engine.Handle(ctx, conn)
	}
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Drain waits for live sessions to end on their own. When ctx expires first,
// the remaining connections are force-closed so their sessions unwind, and
// their count is returned.
func (r *SessionRegistry) Drain(ctx context.Context) int {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		if r.Count() == 0 {
			return 0
		}
		select {
		case <-ctx.Done():
			return r.closeAll()
		case <-ticker.C:
		}
	}
}

func (r *SessionRegistry) add(conn sessionConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.StreamID()] = conn
	r.log.Debug("session registered",
		"call_id", conn.CallID(), "stream_id", conn.StreamID(), "live", len(r.conns))
}

func (r *SessionRegistry) remove(conn sessionConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, conn.StreamID())
	r.log.Debug("session released",
		"call_id", conn.CallID(), "stream_id", conn.StreamID(), "live", len(r.conns))
}

// closeAll force-closes every live connection and returns how many there
// were. The sessions observe the socket close as a connection loss and
// finish through their normal teardown path.
func (r *SessionRegistry) closeAll() int {
	r.mu.Lock()
	conns := make([]sessionConn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		r.log.Warn("force-closing session at shutdown", "call_id", c.CallID())
		if err := c.Close("shutdown"); err != nil {
			r.log.Debug("closing media connection", "call_id", c.CallID(), "error", err)
		}
	}
	return len(conns)
}
