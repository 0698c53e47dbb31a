package sse

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeStream records frames and can be told to start failing writes.
type fakeStream struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	failing  bool
	closes   int
	closeErr error
}

func (s *fakeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return 0, errors.New("broken pipe")
	}
	return s.buf.Write(p)
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return s.closeErr
}

func (s *fakeStream) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = true
}

func (s *fakeStream) content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *fakeStream) heartbeats() int {
	return strings.Count(s.content(), ": heartbeat\n\n")
}

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func TestRegisterReplacesExistingConnection(t *testing.T) {
	registry := NewRegistry(time.Hour)

	first := &fakeStream{}
	second := &fakeStream{}

	oldConn := registry.Register("u1", first, nil)
	newConn := registry.Register("u1", second, nil)

	require.Equal(t, 1, registry.Count(), "at most one connection per user")

	current, ok := registry.Get("u1")
	require.True(t, ok)
	require.Same(t, newConn, current)

	// The replaced connection was fully torn down.
	require.Equal(t, 1, first.closeCount())
	select {
	case <-oldConn.Done():
	default:
		t.Fatal("expected replaced connection to be closed")
	}

	// Writes against the replaced connection are rejected.
	require.ErrorIs(t, oldConn.WriteFrame(Frame{Event: "x"}), ErrConnectionClosed)
	require.NoError(t, newConn.WriteFrame(Frame{Event: "x"}))
}

func TestUnregisterIsIdempotent(t *testing.T) {
	registry := NewRegistry(time.Hour)
	stream := &fakeStream{}

	registry.Register("u1", stream, nil)

	require.True(t, registry.Unregister("u1"))
	require.False(t, registry.Unregister("u1"))
	require.False(t, registry.Unregister("missing"))

	// The stream was closed exactly once despite repeated unregisters.
	require.Equal(t, 1, stream.closeCount())
}

func TestUnregisterSwallowsCloseFailure(t *testing.T) {
	registry := NewRegistry(time.Hour)
	stream := &fakeStream{closeErr: errors.New("already gone")}

	registry.Register("u1", stream, nil)
	require.True(t, registry.Unregister("u1"))
	require.False(t, registry.IsConnected("u1"))
}

// slowStream stalls inside Write so tests can observe teardown ordering
// against an in-flight frame.
type slowStream struct {
	delay   time.Duration
	started chan struct{}
	once    sync.Once

	mu       sync.Mutex
	finished time.Time
}

func (s *slowStream) Write(p []byte) (int, error) {
	s.once.Do(func() { close(s.started) })
	time.Sleep(s.delay)
	s.mu.Lock()
	s.finished = time.Now()
	s.mu.Unlock()
	return len(p), nil
}

func (s *slowStream) finishedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func TestUnregisterWaitsForInflightWrite(t *testing.T) {
	registry := NewRegistry(5 * time.Millisecond)
	stream := &slowStream{delay: 100 * time.Millisecond, started: make(chan struct{})}

	registry.Register("u1", stream, nil)

	select {
	case <-stream.started:
	case <-time.After(time.Second):
		t.Fatal("heartbeat never reached the stream")
	}

	// Teardown must not return while the heartbeat is still inside Write:
	// callers release the stream's backing writer once Unregister returns.
	begin := time.Now()
	require.True(t, registry.Unregister("u1"))
	require.False(t, stream.finishedAt().IsZero(), "unregister returned with a write still in flight")
	require.GreaterOrEqual(t, time.Since(begin), 50*time.Millisecond)
}

func TestRegisterReplacementWaitsForInflightWrite(t *testing.T) {
	registry := NewRegistry(5 * time.Millisecond)
	first := &slowStream{delay: 100 * time.Millisecond, started: make(chan struct{})}

	registry.Register("u1", first, nil)

	select {
	case <-first.started:
	case <-time.After(time.Second):
		t.Fatal("heartbeat never reached the stream")
	}

	replacement := registry.Register("u1", &fakeStream{}, nil)
	require.False(t, first.finishedAt().IsZero(), "register returned with a write still in flight on the replaced stream")

	current, ok := registry.Get("u1")
	require.True(t, ok)
	require.Same(t, replacement, current)
}

func TestHeartbeatWritesCommentFrames(t *testing.T) {
	registry := NewRegistry(10 * time.Millisecond)
	stream := &fakeStream{}

	registry.Register("u1", stream, nil)
	defer registry.Unregister("u1")

	require.Eventually(t, func() bool {
		return stream.heartbeats() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeatFailureTearsDownConnection(t *testing.T) {
	registry := NewRegistry(10 * time.Millisecond)
	stream := &fakeStream{}

	registry.Register("u1", stream, nil)
	stream.fail()

	require.Eventually(t, func() bool {
		return !registry.IsConnected("u1")
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, 1, stream.closeCount())
}

func TestStaleHeartbeatCannotEvictReplacement(t *testing.T) {
	registry := NewRegistry(10 * time.Millisecond)
	first := &fakeStream{}

	registry.Register("u1", first, nil)

	// Replace before making the first stream fail: the old connection's
	// heartbeat must observe it is no longer registered and leave the
	// replacement alone.
	second := &fakeStream{}
	replacement := registry.Register("u1", second, nil)
	first.fail()

	time.Sleep(50 * time.Millisecond)

	current, ok := registry.Get("u1")
	require.True(t, ok)
	require.Same(t, replacement, current)
	require.Eventually(t, func() bool {
		return second.heartbeats() >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestReplacedTimerStopsTicking(t *testing.T) {
	registry := NewRegistry(10 * time.Millisecond)
	first := &fakeStream{}

	registry.Register("u1", first, nil)
	require.Eventually(t, func() bool {
		return first.heartbeats() >= 1
	}, time.Second, 5*time.Millisecond)

	registry.Register("u1", &fakeStream{}, nil)

	// The first stream stops accumulating heartbeats once replaced.
	settled := first.heartbeats()
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, settled, first.heartbeats())
}

func TestSendWritesSingleFrame(t *testing.T) {
	registry := NewRegistry(time.Hour)
	stream := &fakeStream{}

	registry.Register("u1", stream, nil)
	require.True(t, registry.Send("u1", Frame{ID: "n-1", Event: EventNotification, Data: map[string]any{"id": "n-1"}}))
	require.False(t, registry.Send("offline", Frame{Event: EventNotification}))

	content := stream.content()
	require.Equal(t, 1, strings.Count(content, "event: notification\n"))
	require.Contains(t, content, "id: n-1\n")
}

func TestSendFailureDropsConnection(t *testing.T) {
	registry := NewRegistry(time.Hour)
	stream := &fakeStream{}

	registry.Register("u1", stream, nil)
	stream.fail()

	require.False(t, registry.Send("u1", Frame{Event: EventNotification}))
	require.False(t, registry.IsConnected("u1"))
}

func TestStatsSnapshot(t *testing.T) {
	registry := NewRegistry(time.Hour)

	registry.Register("u1", &fakeStream{}, map[string]string{"ip": "10.0.0.1"})
	registry.Register("u2", &fakeStream{}, nil)

	stats := registry.Stats()
	require.Equal(t, 2, stats.TotalConnections)
	require.Len(t, stats.Connections, 2)

	byUser := map[string]ConnectionInfo{}
	for _, info := range stats.Connections {
		byUser[info.UserID] = info
	}
	require.Equal(t, "10.0.0.1", byUser["u1"].Metadata["ip"])
	require.GreaterOrEqual(t, byUser["u1"].DurationMS, int64(0))

	require.ElementsMatch(t, []string{"u1", "u2"}, registry.ConnectedUserIDs())
}

func TestShutdownDrainsAll(t *testing.T) {
	registry := NewRegistry(time.Hour)

	streams := []*fakeStream{{}, {}, {closeErr: errors.New("late close")}}
	registry.Register("u1", streams[0], nil)
	registry.Register("u2", streams[1], nil)
	registry.Register("u3", streams[2], nil)

	err := registry.Shutdown()
	require.Error(t, err, "close failures are aggregated")
	require.Zero(t, registry.Count())

	for _, stream := range streams {
		require.Equal(t, 1, stream.closeCount())
	}

	// A second sweep is a no-op.
	require.NoError(t, registry.Shutdown())
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	registry := NewRegistry(5 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				registry.Register("shared", &fakeStream{}, nil)
				registry.Send("shared", Frame{Event: EventMessage, Data: "hi"})
				registry.Unregister("shared")
			}
		}()
	}
	wg.Wait()

	require.Zero(t, registry.Count())
}
