package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tillware/shopsync-agent/internal/testutil"
	"github.com/tillware/shopsync-agent/pkg/backend"
	"github.com/tillware/shopsync-agent/pkg/cache"
	"github.com/tillware/shopsync-agent/pkg/detector"
	"github.com/tillware/shopsync-agent/pkg/lifecycle"
	"github.com/tillware/shopsync-agent/pkg/queue"
	"github.com/tillware/shopsync-agent/pkg/strategy"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

// syncCore bundles the wired read path for one test: backend client,
// cache store, lifecycle manager, and strategy router.
type syncCore struct {
	client   *backend.Client
	store    *cache.Store
	versions *lifecycle.Manager
	router   *strategy.Router
}

func newSyncCore(t *testing.T, redisClient *redis.Client, shopURL string) *syncCore {
	t.Helper()

	client, err := backend.New(backend.Config{
		BaseURL:   shopURL,
		Timeout:   5 * time.Second,
		UserAgent: "shopsync-integration/1.0",
	})
	if err != nil {
		t.Fatalf("Failed to create backend client: %v", err)
	}

	store := cache.NewStore(redisClient, "shoptest")

	versions, err := lifecycle.New(store, client, lifecycle.DefaultConfig("shoptest"))
	if err != nil {
		t.Fatalf("Failed to create lifecycle manager: %v", err)
	}

	classifier := strategy.NewClassifier(strategy.DefaultClassifierConfig())
	router, err := strategy.NewRouter(store, client, versions, classifier, strategy.DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create router: %v", err)
	}

	return &syncCore{client: client, store: store, versions: versions, router: router}
}

// activate installs and activates a version or fails the test.
func (c *syncCore) activate(t *testing.T, ctx context.Context, tag string) {
	t.Helper()
	if err := c.versions.Install(ctx, tag); err != nil {
		t.Fatalf("Install(%s) failed: %v", tag, err)
	}
	if err := c.versions.Activate(ctx, tag); err != nil {
		t.Fatalf("Activate(%s) failed: %v", tag, err)
	}
}

// get pushes one GET through the router and returns status and body.
func (c *syncCore) get(t *testing.T, path string) (int, string) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, path, nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}

	resp, err := c.router.Serve(req)
	if err != nil {
		t.Fatalf("Serve %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Read %s body failed: %v", path, err)
	}
	return resp.StatusCode, string(body)
}

// TestShellServedAcrossOutage tests that the primed shell keeps serving
// after the backend goes away.
func TestShellServedAcrossOutage(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	shop := testutil.NewMockShop()
	defer shop.Close()
	shop.SetResponse("/", testutil.NewHTMLResponse("<html>shop</html>"))

	core := newSyncCore(t, redisClient, shop.URL())
	ctx := context.Background()
	core.activate(t, ctx, "v1")

	// Install priming already fetched the shell once.
	primed := len(shop.RequestsTo("/"))
	if primed != 1 {
		t.Fatalf("Priming fetches of / = %d, want 1", primed)
	}

	t.Log("Read 1: shell from cache while online")
	status, body := core.get(t, "/")
	if status != http.StatusOK {
		t.Errorf("Status = %d, want %d", status, http.StatusOK)
	}
	if body != "<html>shop</html>" {
		t.Errorf("Body = %q, want %q", body, "<html>shop</html>")
	}

	shop.SetDown(true)

	t.Log("Read 2: shell from cache while backend is unreachable")
	status, body = core.get(t, "/")
	if status != http.StatusOK {
		t.Errorf("Offline status = %d, want %d", status, http.StatusOK)
	}
	if body != "<html>shop</html>" {
		t.Errorf("Offline body = %q, want %q", body, "<html>shop</html>")
	}

	if got := len(shop.RequestsTo("/")); got != primed {
		t.Errorf("Backend fetches of / = %d, want %d (reads must stay on cache)", got, primed)
	}
}

// TestStaticAssetFetchedOnce tests that a static asset reaches the
// backend exactly once and every later read is a cache hit.
func TestStaticAssetFetchedOnce(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	shop := testutil.NewMockShop()
	defer shop.Close()
	shop.SetResponse("/assets/app.abc123.js", testutil.MockShopResponse{
		StatusCode: http.StatusOK,
		Body:       "console.log('shop')",
		Headers:    map[string]string{"Content-Type": "application/javascript"},
	})

	core := newSyncCore(t, redisClient, shop.URL())
	ctx := context.Background()
	core.activate(t, ctx, "v1")

	_, first := core.get(t, "/assets/app.abc123.js")
	_, second := core.get(t, "/assets/app.abc123.js")

	if first != "console.log('shop')" || second != first {
		t.Errorf("Asset bodies = %q / %q, want identical %q", first, second, "console.log('shop')")
	}
	if got := len(shop.RequestsTo("/assets/app.abc123.js")); got != 1 {
		t.Errorf("Backend fetches = %d, want 1", got)
	}
}

// TestAPIDataEnvelopeAcrossOutage tests the freshness envelope: fresh
// tag on online reads, offline tag with the preserved payload once the
// backend is unreachable.
func TestAPIDataEnvelopeAcrossOutage(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	shop := testutil.NewMockShop()
	defer shop.Close()
	shop.SetResponse("/api/products", testutil.NewJSONResponse(`{"products":[{"sku":"A-100"}]}`))

	core := newSyncCore(t, redisClient, shop.URL())
	ctx := context.Background()
	core.activate(t, ctx, "v1")

	t.Log("Read 1: online, tagged fresh")
	status, body := core.get(t, "/api/products")
	if status != http.StatusOK {
		t.Fatalf("Online status = %d, want %d", status, http.StatusOK)
	}

	var fresh map[string]any
	if err := json.Unmarshal([]byte(body), &fresh); err != nil {
		t.Fatalf("Online body is not JSON: %v", err)
	}
	if fresh["fresh"] != true {
		t.Errorf("fresh = %v, want true", fresh["fresh"])
	}
	if _, tagged := fresh["offline"]; tagged {
		t.Error("Online response carries the offline tag")
	}

	shop.SetDown(true)

	t.Log("Read 2: offline, cached copy tagged stale")
	status, body = core.get(t, "/api/products")
	if status != http.StatusOK {
		t.Fatalf("Offline status = %d, want %d", status, http.StatusOK)
	}

	var stale map[string]any
	if err := json.Unmarshal([]byte(body), &stale); err != nil {
		t.Fatalf("Offline body is not JSON: %v", err)
	}
	if stale["fresh"] != false {
		t.Errorf("Offline fresh = %v, want false", stale["fresh"])
	}
	if stale["offline"] != true {
		t.Errorf("Offline tag = %v, want true", stale["offline"])
	}
	if stale["products"] == nil {
		t.Error("Cached payload lost the backend fields")
	}
	if stale["fetchedAt"] == nil {
		t.Error("Offline response missing fetchedAt")
	}
}

// TestAPIDataSyntheticWithoutCachedCopy tests the fixed unavailable
// response for api reads that fail with nothing cached.
func TestAPIDataSyntheticWithoutCachedCopy(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	shop := testutil.NewMockShop()
	defer shop.Close()

	core := newSyncCore(t, redisClient, shop.URL())
	ctx := context.Background()
	core.activate(t, ctx, "v1")

	shop.SetDown(true)

	status, body := core.get(t, "/api/orders")
	if status != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want %d", status, http.StatusServiceUnavailable)
	}
	if !strings.Contains(body, "service unavailable") {
		t.Errorf("Body = %q, want synthetic unavailable payload", body)
	}
	if !strings.Contains(body, `"offline":true`) {
		t.Errorf("Body = %q, want offline marker", body)
	}
}

// TestActivationRemovesSupersededBuckets tests that activating a new
// version leaves only its own bucket set in the store.
func TestActivationRemovesSupersededBuckets(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	shop := testutil.NewMockShop()
	defer shop.Close()

	core := newSyncCore(t, redisClient, shop.URL())
	ctx := context.Background()

	core.activate(t, ctx, "v1")
	core.activate(t, ctx, "v2")

	names, err := core.store.BucketNames(ctx)
	if err != nil {
		t.Fatalf("BucketNames failed: %v", err)
	}

	if want := len(cache.AllPurposes()); len(names) != want {
		t.Errorf("Bucket count = %d, want %d: %v", len(names), want, names)
	}
	keep := cache.VersionPrefix("shoptest", "v2")
	for _, name := range names {
		if !strings.HasPrefix(name, keep) {
			t.Errorf("Superseded bucket %s survived activation", name)
		}
	}
}

// TestOfflineWritesReplayInOrder tests that captured writes reach the
// backend in capture order with method, headers, and body intact.
func TestOfflineWritesReplayInOrder(t *testing.T) {
	shop := testutil.NewMockShop()
	defer shop.Close()

	client, err := backend.New(backend.Config{
		BaseURL:   shop.URL(),
		Timeout:   5 * time.Second,
		UserAgent: "shopsync-integration/1.0",
	})
	if err != nil {
		t.Fatalf("Failed to create backend client: %v", err)
	}

	store, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("Failed to open queue: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	writes := []struct {
		method   string
		endpoint string
		body     string
	}{
		{http.MethodPost, "/api/cart", `{"sku":"A-100","qty":1}`},
		{http.MethodPost, "/api/orders", `{"cart":"c-1"}`},
		{http.MethodPut, "/api/profile", `{"name":"Ada"}`},
	}

	header := http.Header{"Content-Type": []string{"application/json"}}
	for _, w := range writes {
		if _, err := store.Enqueue(ctx, w.method, w.endpoint, header, []byte(w.body)); err != nil {
			t.Fatalf("Enqueue %s %s failed: %v", w.method, w.endpoint, err)
		}
	}

	drainer, err := queue.NewDrainer(store, client, queue.DefaultDrainConfig())
	if err != nil {
		t.Fatalf("Failed to create drainer: %v", err)
	}

	result, err := drainer.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if result.Completed != len(writes) {
		t.Errorf("Completed = %d, want %d", result.Completed, len(writes))
	}

	recorded := shop.Requests()
	if len(recorded) != len(writes) {
		t.Fatalf("Backend received %d requests, want %d", len(recorded), len(writes))
	}
	for i, w := range writes {
		if recorded[i].Method != w.method || recorded[i].Path != w.endpoint {
			t.Errorf("Replay %d = %s %s, want %s %s", i, recorded[i].Method, recorded[i].Path, w.method, w.endpoint)
		}
		if recorded[i].Body != w.body {
			t.Errorf("Replay %d body = %q, want %q", i, recorded[i].Body, w.body)
		}
		if ct := recorded[i].Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Replay %d Content-Type = %q, want application/json", i, ct)
		}
	}

	length, err := store.Length(ctx)
	if err != nil {
		t.Fatalf("Length failed: %v", err)
	}
	if length != 0 {
		t.Errorf("Queue length after drain = %d, want 0", length)
	}
}

// TestQueueSurvivesRestart tests that captured writes persist across a
// close and reopen of the queue store and still replay in order.
func TestQueueSurvivesRestart(t *testing.T) {
	shop := testutil.NewMockShop()
	defer shop.Close()

	client, err := backend.New(backend.Config{
		BaseURL:   shop.URL(),
		Timeout:   5 * time.Second,
		UserAgent: "shopsync-integration/1.0",
	})
	if err != nil {
		t.Fatalf("Failed to create backend client: %v", err)
	}

	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	first, err := queue.Open(path)
	if err != nil {
		t.Fatalf("First open failed: %v", err)
	}
	if _, err := first.Enqueue(ctx, http.MethodPost, "/api/cart", nil, []byte(`{"sku":"B-200"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := first.Enqueue(ctx, http.MethodPost, "/api/orders", nil, []byte(`{"cart":"c-2"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second, err := queue.Open(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer second.Close()

	length, err := second.Length(ctx)
	if err != nil {
		t.Fatalf("Length failed: %v", err)
	}
	if length != 2 {
		t.Errorf("Queue length after reopen = %d, want 2", length)
	}

	drainer, err := queue.NewDrainer(second, client, queue.DefaultDrainConfig())
	if err != nil {
		t.Fatalf("Failed to create drainer: %v", err)
	}
	result, err := drainer.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if result.Completed != 2 {
		t.Errorf("Completed = %d, want 2", result.Completed)
	}

	recorded := shop.Requests()
	if len(recorded) != 2 || recorded[0].Path != "/api/cart" || recorded[1].Path != "/api/orders" {
		t.Errorf("Replay order = %+v, want /api/cart then /api/orders", recorded)
	}
}

// TestDeploymentRollover tests the full update path: a moved backend
// fingerprint produces a change, the change installs and activates a
// new version, and the superseded bucket set is removed.
func TestDeploymentRollover(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	shop := testutil.NewMockShop()
	defer shop.Close()
	shop.SetResponse("/", testutil.MockShopResponse{
		StatusCode: http.StatusOK,
		Body:       "<html>shop v1</html>",
		Headers:    map[string]string{"Content-Type": "text/html", "ETag": `"deploy-1"`},
	})

	core := newSyncCore(t, redisClient, shop.URL())
	ctx := context.Background()
	core.activate(t, ctx, "bootstrap")

	probe := detector.NewValidatorProbe(core.client, "/")
	d, err := detector.New([]detector.Probe{probe}, detector.Config{
		ProbeMinInterval: time.Millisecond,
		CheckMinInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	// First check records the baseline fingerprint.
	change, err := d.Check(ctx)
	if err != nil {
		t.Fatalf("Baseline check failed: %v", err)
	}
	if change != nil {
		t.Fatalf("Baseline reported as change: %+v", change)
	}

	shop.SetResponse("/", testutil.MockShopResponse{
		StatusCode: http.StatusOK,
		Body:       "<html>shop v2</html>",
		Headers:    map[string]string{"Content-Type": "text/html", "ETag": `"deploy-2"`},
	})
	time.Sleep(5 * time.Millisecond)

	change, err = d.Check(ctx)
	if err != nil {
		t.Fatalf("Check after deploy failed: %v", err)
	}
	if change == nil {
		t.Fatal("Expected change after the backend fingerprint moved")
	}

	core.activate(t, ctx, change.VersionTag)
	if got := core.versions.ActiveTag(); got != change.VersionTag {
		t.Errorf("ActiveTag = %q, want %q", got, change.VersionTag)
	}

	// The new shell was primed during install.
	status, body := core.get(t, "/")
	if status != http.StatusOK || body != "<html>shop v2</html>" {
		t.Errorf("Shell after rollover = %d %q, want 200 %q", status, body, "<html>shop v2</html>")
	}

	names, err := core.store.BucketNames(ctx)
	if err != nil {
		t.Fatalf("BucketNames failed: %v", err)
	}
	keep := cache.VersionPrefix("shoptest", change.VersionTag)
	for _, name := range names {
		if !strings.HasPrefix(name, keep) {
			t.Errorf("Superseded bucket %s survived rollover", name)
		}
	}
}
