package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tillware/shopsync-agent/internal/testutil"
	"github.com/tillware/shopsync-agent/pkg/bridge"
	"github.com/tillware/shopsync-agent/pkg/config"
)

func setupTestRedis(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Failed to start Redis container: %v", err)
	}

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	return host + ":" + port.Port(), func() { redisC.Terminate(ctx) }
}

func testAgentConfig(redisAddr, backendURL, queuePath string) config.Config {
	return config.Config{
		BackendURL:          backendURL,
		ListenAddr:          ":0",
		RedisAddr:           redisAddr,
		QueuePath:           queuePath,
		AppID:               "shopsync",
		InitialVersionTag:   "boot",
		UserAgent:           "shopsync-test/1.0",
		LogLevel:            "error",
		RequestTimeout:      5 * time.Second,
		DrainMaxAttempts:    3,
		DrainInitialBackoff: 50 * time.Millisecond,
		DrainMaxBackoff:     time.Second,
		ProbeMinInterval:    time.Millisecond,
		CheckMinInterval:    time.Millisecond,
		PrecachePaths:       []string{"/"},
		ShellPaths:          []string{"/", "/index.html"},
		StaticPrefixes:      []string{"/assets/"},
		StaticSuffixes:      []string{".js", ".css"},
		APIPrefixes:         []string{"/api/"},
	}
}

func setupTestAgent(t *testing.T) (*agent, *testutil.MockShop) {
	t.Helper()

	redisAddr, cleanupRedis := setupTestRedis(t)
	shop := testutil.NewMockShop()

	queuePath := filepath.Join(t.TempDir(), "queue.db")
	a, err := newAgent(testAgentConfig(redisAddr, shop.URL(), queuePath))
	if err != nil {
		shop.Close()
		cleanupRedis()
		t.Fatalf("newAgent() error = %v", err)
	}

	t.Cleanup(func() {
		a.Close()
		shop.Close()
		cleanupRedis()
	})
	return a, shop
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestReadyEndpoint(t *testing.T) {
	a, _ := setupTestAgent(t)

	t.Run("ready", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/ready", nil)
		w := httptest.NewRecorder()

		a.readyHandler(w, req)

		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Result().StatusCode)
		}
	})

	t.Run("not_ready_redis_down", func(t *testing.T) {
		a.redis.Close()

		req := httptest.NewRequest("GET", "/ready", nil)
		w := httptest.NewRecorder()

		a.readyHandler(w, req)

		if w.Result().StatusCode != http.StatusServiceUnavailable {
			t.Errorf("Expected status 503, got %d", w.Result().StatusCode)
		}
	})
}

func TestStatusEndpoint(t *testing.T) {
	a, _ := setupTestAgent(t)

	req := httptest.NewRequest("GET", "/agent/status", nil)
	w := httptest.NewRecorder()

	a.statusHandler(w, req)

	var state bridge.SessionState
	if err := json.NewDecoder(w.Body).Decode(&state); err != nil {
		t.Fatalf("decode status: %v", err)
	}

	if !state.Online {
		t.Error("fresh agent should start online")
	}
	if state.SyncInProgress {
		t.Error("no sync should be running")
	}
	if state.QueueLength != 0 {
		t.Errorf("QueueLength = %d, want 0", state.QueueLength)
	}
}

func TestAppHandler_ShellServedFromCacheWhileOffline(t *testing.T) {
	a, shop := setupTestAgent(t)
	ctx := context.Background()

	shop.SetResponse("/", testutil.NewHTMLResponse("<html>shop</html>"))
	a.bootstrapVersion(ctx)

	serve := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/app/", nil)
		w := httptest.NewRecorder()
		a.appHandler(w, req)
		return w
	}

	w := serve()
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != "<html>shop</html>" {
		t.Fatalf("body = %q, want primed shell", got)
	}

	// The same read must keep working with the backend gone.
	shop.SetDown(true)
	w = serve()
	if w.Code != http.StatusOK {
		t.Errorf("offline status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != "<html>shop</html>" {
		t.Errorf("offline body = %q, want primed shell", got)
	}

	// Priming fetched the shell exactly once; cached reads add nothing.
	if got := len(shop.RequestsTo("/")); got != 1 {
		t.Errorf("backend requests to / = %d, want 1", got)
	}
}

func TestAppHandler_DirectWriteOnline(t *testing.T) {
	a, shop := setupTestAgent(t)
	ctx := context.Background()

	shop.SetResponse("/api/orders", testutil.NewJSONResponse(`{"order":1}`))

	req := httptest.NewRequest("POST", "/app/api/orders", strings.NewReader(`{"sku":"A-1"}`))
	w := httptest.NewRecorder()
	a.appHandler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != `{"order":1}` {
		t.Errorf("body = %q, want backend response", got)
	}

	recorded := shop.RequestsTo("/api/orders")
	if len(recorded) != 1 {
		t.Fatalf("backend writes = %d, want 1", len(recorded))
	}
	if recorded[0].Body != `{"sku":"A-1"}` {
		t.Errorf("forwarded body = %q", recorded[0].Body)
	}

	// The speculative queue row is gone after the direct success.
	n, err := a.queueStore.Length(ctx)
	if err != nil {
		t.Fatalf("Length() error = %v", err)
	}
	if n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestAppHandler_FailedDirectWriteStaysQueued(t *testing.T) {
	a, shop := setupTestAgent(t)
	ctx := context.Background()

	// The backend drops connections but the monitor has not noticed
	// yet, so the write goes out directly.
	shop.SetDown(true)

	req := httptest.NewRequest("POST", "/app/api/orders", strings.NewReader(`{"sku":"C-3"}`))
	w := httptest.NewRecorder()
	a.appHandler(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}

	var receipt queuedReceipt
	if err := json.NewDecoder(w.Body).Decode(&receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}

	// The safety copy joined the replay order and the agent flipped
	// offline.
	pending, err := a.queueStore.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 1 || pending[0].SequenceID != receipt.SequenceID {
		t.Fatalf("Pending() = %+v, want the captured write %d", pending, receipt.SequenceID)
	}
	if a.monitor.IsOnline() {
		t.Error("monitor still online after transport failure")
	}
}

func TestAppHandler_QueuesWriteWhileOffline(t *testing.T) {
	a, shop := setupTestAgent(t)
	ctx := context.Background()

	shop.SetDown(true)
	a.monitor.SetOnline(false)

	req := httptest.NewRequest("POST", "/app/api/orders", strings.NewReader(`{"sku":"B-2"}`))
	w := httptest.NewRecorder()
	a.appHandler(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}

	var receipt queuedReceipt
	if err := json.NewDecoder(w.Body).Decode(&receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if !receipt.Queued || receipt.SequenceID == 0 {
		t.Errorf("receipt = %+v, want queued with sequence id", receipt)
	}

	n, err := a.queueStore.Length(ctx)
	if err != nil {
		t.Fatalf("Length() error = %v", err)
	}
	if n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
}

func TestAppHandler_WriteBehindBacklogIsQueued(t *testing.T) {
	a, shop := setupTestAgent(t)
	ctx := context.Background()

	// One write is already parked; a direct attempt for the next one
	// would overtake it.
	if _, err := a.queueStore.Enqueue(ctx, "POST", "/api/orders", nil, []byte(`{"sku":"first"}`)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	req := httptest.NewRequest("POST", "/app/api/orders", strings.NewReader(`{"sku":"second"}`))
	w := httptest.NewRecorder()
	a.appHandler(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if got := shop.GetRequestCount(); got != 0 {
		t.Errorf("backend requests = %d, want 0 while backlog exists", got)
	}

	n, _ := a.queueStore.Length(ctx)
	if n != 2 {
		t.Errorf("queue length = %d, want 2", n)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	// Metrics register at package init through the agent's imports.
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler := promhttp.Handler()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	bodyStr := string(body)
	if !strings.Contains(bodyStr, "# HELP") || !strings.Contains(bodyStr, "# TYPE") {
		t.Error("Expected Prometheus format metrics output")
	}
	if !strings.Contains(bodyStr, "shopsync_queue_depth") {
		t.Error("Expected metrics output to contain shopsync_queue_depth")
	}
}
