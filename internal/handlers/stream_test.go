package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/masrizal/pushbox/internal/database/testutil"
	"github.com/masrizal/pushbox/internal/middleware"
	"github.com/masrizal/pushbox/internal/services"
	"github.com/masrizal/pushbox/internal/sse"
)

func newStreamFixture(t *testing.T) (*StreamHandler, *sse.Registry, *services.NotificationService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	registry := sse.NewRegistry(time.Hour)
	service, err := services.NewNotificationService(db, registry)
	require.NoError(t, err)

	return NewStreamHandler(registry, service, 5), registry, service
}

func asUser(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.CtxUserIDKey, userID)
		c.Next()
	}
}

func TestConnectEstablishesStream(t *testing.T) {
	h, registry, _ := newStreamFixture(t)

	r := gin.New()
	r.GET("/connect", asUser("user-1"), h.Connect)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/connect", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.ServeHTTP(w, req)
	}()

	require.Eventually(t, func() bool {
		return registry.IsConnected("user-1")
	}, time.Second, 5*time.Millisecond)

	// Client walks away; the handler must unwind and unregister.
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after context cancellation")
	}

	require.False(t, registry.IsConnected("user-1"))

	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	require.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	require.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	body := w.Body.String()
	require.Contains(t, body, "event: "+sse.EventConnected+"\n")
	require.Contains(t, body, "heartbeatInterval")
	require.Contains(t, body, "maxReconnectAttempts")
	require.True(t, strings.Contains(body, "\n\n"), "frames are blank-line terminated")
}

func TestConnectReplacedByNewerConnection(t *testing.T) {
	h, registry, _ := newStreamFixture(t)

	r := gin.New()
	r.GET("/connect", asUser("user-1"), h.Connect)

	first := httptest.NewRecorder()
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		r.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/connect", nil))
	}()

	require.Eventually(t, func() bool {
		return registry.IsConnected("user-1")
	}, time.Second, 5*time.Millisecond)

	// A reconnect from the same user evicts the first handler.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	second := httptest.NewRecorder()
	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		r.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/connect", nil).WithContext(ctx))
	}()

	select {
	case <-firstDone:
	case <-time.After(time.Second):
		t.Fatal("replaced handler did not unwind")
	}

	// The replacement stays live even though the first handler exited.
	require.True(t, registry.IsConnected("user-1"))

	cancel()
	<-secondDone
	require.False(t, registry.IsConnected("user-1"))
}

func TestHealthAndCheck(t *testing.T) {
	h, registry, _ := newStreamFixture(t)

	r := gin.New()
	r.GET("/health", h.Health)
	r.GET("/check/:userId", h.Check)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"healthy"`)
	require.Contains(t, w.Body.String(), `"active_connections":0`)

	registry.Register("user-1", &nopStream{}, nil)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/check/user-1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"connected":true`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/check/user-2", nil))
	require.Contains(t, w.Body.String(), `"connected":false`)
}

func TestStats(t *testing.T) {
	h, registry, _ := newStreamFixture(t)
	registry.Register("user-1", &nopStream{}, map[string]string{"client_ip": "10.0.0.1"})

	r := gin.New()
	r.GET("/stats", h.Stats)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"total_connections":1`)
	require.Contains(t, w.Body.String(), `"user-1"`)
	require.Contains(t, w.Body.String(), `"10.0.0.1"`)
}

func TestSendTest(t *testing.T) {
	h, _, _ := newStreamFixture(t)

	r := gin.New()
	r.POST("/test", asUser("user-1"), h.SendTest)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/test", nil))
	require.Equal(t, http.StatusCreated, w.Code)
	require.Contains(t, w.Body.String(), "Test Notification")
	require.Contains(t, w.Body.String(), `"sent_via_sse":false`)
}

func TestBroadcastEndpoint(t *testing.T) {
	h, registry, _ := newStreamFixture(t)
	registry.Register("user-1", &nopStream{}, nil)
	registry.Register("user-2", &nopStream{}, nil)

	r := gin.New()
	r.POST("/broadcast", h.Broadcast)

	body := strings.NewReader(`{"title":"Maint","message":"Down at midnight"}`)
	req := httptest.NewRequest(http.MethodPost, "/broadcast", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"total":2`)
	require.Contains(t, w.Body.String(), `"success":2`)

	// Transient broadcasts push a message event and skip the store.
	req = httptest.NewRequest(http.MethodPost, "/broadcast",
		strings.NewReader(`{"title":"Heads up","message":"Restart imminent","transient":true}`))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"total":2`)

	// Missing title is rejected before any fan-out.
	req = httptest.NewRequest(http.MethodPost, "/broadcast", strings.NewReader(`{"message":"m"}`))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDisconnectEndpoint(t *testing.T) {
	h, registry, _ := newStreamFixture(t)
	registry.Register("user-1", &nopStream{}, nil)

	r := gin.New()
	r.DELETE("/connections/:userId", h.Disconnect)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/connections/user-1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"disconnected":true`)
	require.False(t, registry.IsConnected("user-1"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/connections/user-1", nil))
	require.Contains(t, w.Body.String(), `"disconnected":false`)
}

// nopStream discards writes; stands in for a healthy client.
type nopStream struct{}

func (nopStream) Write(p []byte) (int, error) { return len(p), nil }
