package sse

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/masrizal/pushbox/pkg/logger"
	"github.com/masrizal/pushbox/pkg/metrics"
)

// DefaultHeartbeatInterval keeps idle channels alive through proxies.
const DefaultHeartbeatInterval = 30 * time.Second

// ErrConnectionClosed is returned for writes against a torn-down connection.
var ErrConnectionClosed = errors.New("sse: connection closed")

// Stream is the writable end of one client's push channel. The registry
// owns it exclusively once registered. Streams that also implement
// http.Flusher are flushed after every frame; io.Closer streams are closed
// on teardown.
type Stream interface {
	io.Writer
}

// Connection is one user's live push channel plus its heartbeat state.
type Connection struct {
	userID      string
	stream      Stream
	connectedAt time.Time
	metadata    map[string]string

	writeMu  sync.Mutex
	done     chan struct{}
	once     sync.Once
	closeErr error
}

// UserID returns the owning user's identifier.
func (c *Connection) UserID() string { return c.userID }

// ConnectedAt returns the instant the connection was registered.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// Metadata returns a copy of the connection's metadata bag.
func (c *Connection) Metadata() map[string]string {
	out := make(map[string]string, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

// Done is closed when the connection has been torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// WriteFrame encodes the frame and writes it to the stream. Writes to the
// same connection are serialized so a heartbeat and a push never interleave
// mid-frame.
func (c *Connection) WriteFrame(frame Frame) error {
	payload, err := frame.Encode()
	if err != nil {
		return err
	}
	return c.write(payload)
}

func (c *Connection) write(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	if _, err := c.stream.Write(p); err != nil {
		return err
	}
	if flusher, ok := c.stream.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// close tears the connection down exactly once. Closing done first makes
// new writes fail fast; taking the write lock afterwards means close does
// not return until an in-flight frame write has drained, so callers may
// release the stream's backing writer once close returns.
func (c *Connection) close() error {
	c.once.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		defer c.writeMu.Unlock()

		if closer, ok := c.stream.(io.Closer); ok {
			c.closeErr = closer.Close()
		}
	})
	return c.closeErr
}

// Registry owns the userID -> Connection mapping and enforces at most one
// live push channel per user. A single instance lives for the process.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	heartbeat time.Duration
	log       *zap.Logger
}

// NewRegistry constructs an empty registry with the supplied heartbeat
// interval (DefaultHeartbeatInterval when non-positive).
func NewRegistry(heartbeat time.Duration) *Registry {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &Registry{
		conns:     make(map[string]*Connection),
		heartbeat: heartbeat,
		log:       logger.WithModule("sse"),
	}
}

// HeartbeatInterval reports the configured heartbeat period.
func (r *Registry) HeartbeatInterval() time.Duration { return r.heartbeat }

// Register installs a connection for the user, tearing down any previous
// connection for the same user first so its timer can never fire against
// the replacement. The returned connection is live and heartbeating.
func (r *Registry) Register(userID string, stream Stream, metadata map[string]string) *Connection {
	conn := &Connection{
		userID:      userID,
		stream:      stream,
		connectedAt: time.Now().UTC(),
		metadata:    metadata,
		done:        make(chan struct{}),
	}

	r.mu.Lock()
	prev := r.conns[userID]
	r.conns[userID] = conn
	total := len(r.conns)
	r.mu.Unlock()

	// Closed outside the map lock: close blocks until any in-flight write
	// on the old stream drains, and that must not stall the registry.
	if prev != nil {
		if err := prev.close(); err != nil {
			r.log.Warn("close replaced connection", zap.String("user_id", userID), zap.Error(err))
		}
	}

	metrics.ActiveConnections.Set(float64(total))
	r.log.Info("client connected", zap.String("user_id", userID))

	go r.heartbeatLoop(conn)
	return conn
}

// Unregister tears down the user's connection. Returns false when no
// connection was present; calling it repeatedly is safe.
func (r *Registry) Unregister(userID string) bool {
	r.mu.Lock()
	conn, ok := r.conns[userID]
	if ok {
		delete(r.conns, userID)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return false
	}

	if err := conn.close(); err != nil {
		// Close failures are logged, never propagated.
		r.log.Warn("close connection", zap.String("user_id", userID), zap.Error(err))
	}
	metrics.ActiveConnections.Set(float64(total))
	r.log.Info("client disconnected", zap.String("user_id", userID))
	return true
}

// Drop tears down this specific connection. Unlike Unregister it is keyed
// by the connection, so a handler returning late cannot evict the user's
// replacement connection.
func (r *Registry) Drop(c *Connection) {
	if c == nil {
		return
	}
	r.drop(c)
}

// drop removes the connection only if it is still the registered one for
// its user. Heartbeat and push failure paths come through here so a stale
// timer can never evict a replacement connection.
func (r *Registry) drop(c *Connection) {
	r.mu.Lock()
	if current, ok := r.conns[c.userID]; ok && current == c {
		delete(r.conns, c.userID)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if err := c.close(); err != nil {
		r.log.Warn("close connection", zap.String("user_id", c.userID), zap.Error(err))
	}
	metrics.ActiveConnections.Set(float64(total))
}

func (r *Registry) heartbeatLoop(c *Connection) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(Comment("heartbeat")); err != nil {
				metrics.HeartbeatsSent.WithLabelValues("failed").Inc()
				r.log.Warn("heartbeat failed", zap.String("user_id", c.userID), zap.Error(err))
				r.drop(c)
				return
			}
			metrics.HeartbeatsSent.WithLabelValues("ok").Inc()
		}
	}
}

// Get returns the user's live connection, if any.
func (r *Registry) Get(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[userID]
	return conn, ok
}

// IsConnected reports whether the user has a live push channel.
func (r *Registry) IsConnected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[userID]
	return ok
}

// ConnectedUserIDs returns a snapshot of users with live connections.
func (r *Registry) ConnectedUserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Send encodes one event frame and writes it to the user's connection.
// Returns false when the user is offline or the write fails; a failed
// write tears the connection down. The map lock is never held across the
// write, so one stalled client cannot block other registry operations.
func (r *Registry) Send(userID string, frame Frame) bool {
	r.mu.RLock()
	conn := r.conns[userID]
	r.mu.RUnlock()

	if conn == nil {
		return false
	}

	if err := conn.WriteFrame(frame); err != nil {
		r.log.Warn("push write failed", zap.String("user_id", userID), zap.Error(err))
		r.drop(conn)
		return false
	}
	return true
}

// ConnectionInfo describes one live connection for the stats surface.
type ConnectionInfo struct {
	UserID      string            `json:"user_id"`
	ConnectedAt time.Time         `json:"connected_at"`
	DurationMS  int64             `json:"duration_ms"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Stats is an aggregate snapshot of the registry.
type Stats struct {
	TotalConnections int              `json:"total_connections"`
	Connections      []ConnectionInfo `json:"connections"`
}

// Stats returns a point-in-time view of every live connection.
func (r *Registry) Stats() Stats {
	now := time.Now().UTC()

	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalConnections: len(r.conns),
		Connections:      make([]ConnectionInfo, 0, len(r.conns)),
	}
	for _, conn := range r.conns {
		stats.Connections = append(stats.Connections, ConnectionInfo{
			UserID:      conn.userID,
			ConnectedAt: conn.connectedAt,
			DurationMS:  now.Sub(conn.connectedAt).Milliseconds(),
			Metadata:    conn.Metadata(),
		})
	}
	return stats
}

// Shutdown drains every connection; used once at process teardown. Stream
// close failures are aggregated into the returned error.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	drained := make([]*Connection, 0, len(r.conns))
	for id, conn := range r.conns {
		drained = append(drained, conn)
		delete(r.conns, id)
	}
	r.mu.Unlock()

	var errs error
	for _, conn := range drained {
		if err := conn.close(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	metrics.ActiveConnections.Set(0)
	r.log.Info("registry drained", zap.Int("connections", len(drained)))
	return errs
}
