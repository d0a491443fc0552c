package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/botgate/internal/config"
	"github.com/amurg-ai/botgate/internal/gateway"
	"github.com/amurg-ai/botgate/internal/store"
	"github.com/amurg-ai/botgate/pkg/protocol"
)

type fakeUpstream struct {
	mu        sync.Mutex
	connected bool
	sent      []any
}

func (f *fakeUpstream) Send(msg any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	f.sent = append(f.sent, msg)
	return true
}

func (f *fakeUpstream) EnsureConnected() {}

func (f *fakeUpstream) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeUpstream) messages() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.sent...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testEnv struct {
	srv      *Server
	gw       *gateway.Gateway
	upstream *fakeUpstream
	store    store.Store
}

func setupTestServer(t *testing.T, upstreamUp bool) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 100, Burst: 200}

	up := &fakeUpstream{connected: upstreamUp}
	gw := gateway.New(gateway.Options{Upstream: up}, testLogger())
	return &testEnv{
		srv:      NewServer(gw, st, cfg, testLogger()),
		gw:       gw,
		upstream: up,
		store:    st,
	}
}

func (e *testEnv) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func parseJSONResponse(t *testing.T, w *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	env := setupTestServer(t, false)

	w := env.do(http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %q", resp["status"])
	}
	if _, ok := resp["uptime"]; !ok {
		t.Error("expected uptime field in response")
	}
}

func TestReadyz(t *testing.T) {
	env := setupTestServer(t, false)

	w := env.do(http.MethodGet, "/readyz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	parseJSONResponse(t, w, &resp)
	if resp["status"] != "ready" {
		t.Errorf("expected status ready, got %q", resp["status"])
	}
}

func TestReadyzStoreClosed(t *testing.T) {
	env := setupTestServer(t, false)
	_ = env.store.Close()

	if w := env.do(http.MethodGet, "/readyz", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", w.Code)
	}
}

func TestAggregateStatus(t *testing.T) {
	env := setupTestServer(t, true)

	for _, target := range []string{"/", "/status", "/status?bot=all"} {
		w := env.do(http.MethodGet, target, "")
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", target, w.Code)
		}
		var snap gateway.Snapshot
		parseJSONResponse(t, w, &snap)
		if snap.Status != "running" || !snap.AgentServiceConnected {
			t.Errorf("%s: snapshot = %+v", target, snap)
		}
		if snap.ConnectedBots != 0 || snap.ConnectedSDKs != 0 || snap.ConnectedUIs != 0 {
			t.Errorf("%s: expected empty gateway, got %+v", target, snap)
		}
	}
}

func TestBotStatusCreatesSession(t *testing.T) {
	env := setupTestServer(t, false)

	w := env.do(http.MethodGet, "/status?bot=carol", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]any
	parseJSONResponse(t, w, &resp)
	if resp["bot"] != "carol" || resp["running"] != false || resp["logCount"] != float64(0) {
		t.Errorf("unexpected status: %v", resp)
	}
	if resp["sessionId"] != nil || resp["goal"] != nil {
		t.Errorf("idle session should have null sessionId and goal: %v", resp)
	}

	if snap := env.gw.Snapshot(); snap.ConnectedUIs != 1 {
		t.Errorf("expected lazily created operator state, got %d", snap.ConnectedUIs)
	}
}

func TestLogDefaultsToDefaultIdentity(t *testing.T) {
	env := setupTestServer(t, false)

	w := env.do(http.MethodGet, "/log", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("expected empty array, got %s", body)
	}
	if _, ok := env.gw.Snapshot().UIs["default"]; !ok {
		t.Error("expected state for the default identity")
	}
}

func TestStartWithoutOperators(t *testing.T) {
	env := setupTestServer(t, true)

	w := env.do(http.MethodPost, "/start?bot=bob", `{"goal":"collect wood"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	parseJSONResponse(t, w, &resp)
	if resp["ok"] != true || resp["bot"] != "bob" {
		t.Errorf("unexpected response: %v", resp)
	}

	st := env.gw.OperatorStatus("bob")
	if !st.Running || st.Goal == nil || *st.Goal != "collect wood" || st.SessionID == nil {
		t.Errorf("bob should be running: %+v", st)
	}
	sent := env.upstream.messages()
	if len(sent) != 1 {
		t.Fatalf("expected one upstream frame, got %d", len(sent))
	}
	if start, ok := sent[0].(protocol.UpstreamStart); !ok || start.Username != "bob" || start.Goal != "collect wood" {
		t.Errorf("unexpected upstream frame: %#v", sent[0])
	}

	log := env.gw.OperatorLog("bob")
	if len(log) == 0 || log[0].Content != "Starting agent with goal: collect wood" {
		t.Errorf("unexpected log: %+v", log)
	}
}

func TestStartWithoutUpstream(t *testing.T) {
	env := setupTestServer(t, false)

	if w := env.do(http.MethodPost, "/start?bot=bob", `{"goal":"g"}`); w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if st := env.gw.OperatorStatus("bob"); st.Running {
		t.Error("run should revert when the agent service is down")
	}
}

func TestStartValidation(t *testing.T) {
	env := setupTestServer(t, true)

	tests := []struct {
		body string
		want string
	}{
		{``, "No goal provided"},
		{`{}`, "No goal provided"},
		{`{"goal":""}`, "No goal provided"},
		{`{"goal":`, "Invalid JSON"},
		{`not json`, "Invalid JSON"},
	}
	for _, tt := range tests {
		w := env.do(http.MethodPost, "/start", tt.body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected status 400, got %d", tt.body, w.Code)
			continue
		}
		var resp map[string]any
		parseJSONResponse(t, w, &resp)
		if resp["ok"] != false || resp["error"] != tt.want {
			t.Errorf("body %q: got %v, want error %q", tt.body, resp, tt.want)
		}
	}
	if len(env.upstream.messages()) != 0 {
		t.Error("rejected starts must not reach the agent service")
	}
}

func TestStop(t *testing.T) {
	env := setupTestServer(t, true)
	env.do(http.MethodPost, "/start?bot=dave", `{"goal":"g"}`)

	w := env.do(http.MethodPost, "/stop?bot=dave", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]any
	parseJSONResponse(t, w, &resp)
	if resp["ok"] != true || resp["bot"] != "dave" {
		t.Errorf("unexpected response: %v", resp)
	}
	if env.gw.OperatorStatus("dave").Running {
		t.Error("dave should be stopped")
	}
}

func TestCORSPreflight(t *testing.T) {
	env := setupTestServer(t, false)

	w := env.do(http.MethodOptions, "/start", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	w = env.do(http.MethodGet, "/status", "")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("status response missing CORS header, got %q", got)
	}
}

func TestHelpForUnknownPath(t *testing.T) {
	env := setupTestServer(t, false)

	w := env.do(http.MethodGet, "/nope", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
	body := w.Body.String()
	for _, want := range []string{"Gateway Service (port 7780)", "POST /start?bot=<name>", "Agent Service: Disconnected", "Bots: 0 | SDKs: 0 | UIs: 0"} {
		if !strings.Contains(body, want) {
			t.Errorf("help text missing %q:\n%s", want, body)
		}
	}
}

func TestRecordedRuns(t *testing.T) {
	env := setupTestServer(t, false)
	ctx := context.Background()

	started := time.Now().Add(-time.Minute)
	if err := env.store.CreateRun(ctx, &store.Run{ID: "run-a", Identity: "alice", Goal: "g", StartedAt: started}); err != nil {
		t.Fatal(err)
	}
	if err := env.store.CreateRun(ctx, &store.Run{ID: "run-b", Identity: "bob", Goal: "g", StartedAt: started}); err != nil {
		t.Fatal(err)
	}
	for _, content := range []string{"one", "two", "three"} {
		if _, err := env.store.AppendEvent(ctx, &store.Event{RunID: "run-a", Kind: "system", Content: content, CreatedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}

	w := env.do(http.MethodGet, "/runs?bot=alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var runs []store.Run
	parseJSONResponse(t, w, &runs)
	if len(runs) != 1 || runs[0].ID != "run-a" {
		t.Fatalf("unexpected runs: %+v", runs)
	}

	w = env.do(http.MethodGet, "/runs", "")
	parseJSONResponse(t, w, &runs)
	if len(runs) != 2 {
		t.Errorf("expected 2 runs, got %d", len(runs))
	}

	w = env.do(http.MethodGet, "/runs/run-a/events?after_seq=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var events []store.Event
	parseJSONResponse(t, w, &events)
	if len(events) != 2 || events[0].Content != "two" {
		t.Errorf("unexpected events: %+v", events)
	}

	if w := env.do(http.MethodGet, "/runs/run-a", ""); w.Code != http.StatusOK {
		t.Errorf("get run: expected 200, got %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/runs/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing run: expected 404, got %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/runs/missing/events", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing run events: expected 404, got %d", w.Code)
	}
}

func TestRunsWithoutStore(t *testing.T) {
	gw := gateway.New(gateway.Options{Upstream: &fakeUpstream{}}, testLogger())
	srv := NewServer(gw, nil, config.Default(), testLogger())

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/runs", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("readyz without store: expected 200, got %d", w.Code)
	}
}

func TestCommandRateLimit(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2}
	gw := gateway.New(gateway.Options{Upstream: &fakeUpstream{}}, testLogger())
	srv := NewServer(gw, nil, cfg, testLogger())

	codes := make([]int, 3)
	for i := range codes {
		req := httptest.NewRequest(http.MethodPost, "/stop?bot=x", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		codes[i] = w.Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}

	// Reads are not limited.
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status: expected 200, got %d", w.Code)
	}
}

func TestCommandRateLimitDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: -1, Burst: 1}
	gw := gateway.New(gateway.Options{Upstream: &fakeUpstream{}}, testLogger())
	srv := NewServer(gw, nil, cfg, testLogger())
	srv.StartBackgroundTasks(t.Context())

	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodPost, "/stop?bot=x", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 with the limit off, got %d", i, w.Code)
		}
	}
}

func TestIPLimiterSweep(t *testing.T) {
	l := newIPLimiter(1, 1)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	if !l.allow("a") || l.allow("a") {
		t.Fatal("expected one token for a")
	}
	now = now.Add(time.Second)
	if !l.allow("a") {
		t.Error("token should refill after one second")
	}
	l.allow("b")

	now = now.Add(time.Hour)
	if n := l.sweep(10 * time.Minute); n != 2 {
		t.Errorf("swept %d buckets, want 2", n)
	}
}

func TestWebSocketOnAnyPath(t *testing.T) {
	env := setupTestServer(t, true)
	ts := httptest.NewServer(env.srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/console?bot=erin"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var state map[string]any
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatal(err)
	}
	if state["type"] != protocol.TypeState || state["agentServiceConnected"] != true {
		t.Errorf("unexpected first frame: %v", state)
	}
}
