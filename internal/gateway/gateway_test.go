package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/botgate/internal/session/sessiontest"
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

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestGateway(t *testing.T, upstreamUp bool) (*Gateway, *httptest.Server) {
	t.Helper()
	g := New(Options{Upstream: &fakeUpstream{connected: upstreamUp}}, testLogger())
	srv := httptest.NewServer(http.HandlerFunc(g.HandleWS))
	t.Cleanup(srv.Close)
	return g, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, c *websocket.Conn, frame string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readType reads frames until one of type typ arrives.
func readType(t *testing.T, c *websocket.Conn, typ string) map[string]any {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", typ, err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if m["type"] == typ {
			return m
		}
	}
}

func TestScenario_CachedStateOnSubscribe(t *testing.T) {
	g, srv := newTestGateway(t, false)

	bot := dial(t, srv, "")
	send(t, bot, `{"type":"connected","username":"alice"}`)
	if got := readType(t, bot, protocol.TypeStatus); got["status"] != "Connected to gateway" {
		t.Fatalf("bot ack = %v", got)
	}
	send(t, bot, `{"type":"state","state":{"tick":5,"inGame":true,"player":{"name":"Alice"}}}`)

	// Frames on one connection are handled in order, so a round trip through
	// the status snapshot confirms the state was cached.
	waitFor(t, func() bool { return g.Snapshot().Bots["alice"].LastTick == 5 })

	sub := dial(t, srv, "")
	send(t, sub, `{"type":"sdk_connect","username":"alice"}`)
	if got := readType(t, sub, protocol.TypeSDKConnected); got["success"] != true {
		t.Errorf("sdk_connected = %v", got)
	}
	state := readType(t, sub, protocol.TypeSDKState)
	if inner, _ := state["state"].(map[string]any); inner["tick"] != float64(5) {
		t.Errorf("sdk_state = %v", state)
	}

	snap := g.Snapshot()
	alice := snap.Bots["alice"]
	if !alice.Connected || !alice.InGame || alice.Player == nil || *alice.Player != "Alice" {
		t.Errorf("bot summary = %+v", alice)
	}
	if snap.ConnectedSDKs != 1 {
		t.Errorf("connectedSDKs = %d", snap.ConnectedSDKs)
	}
}

func TestScenario_TwoSubscribersGetOneResultEach(t *testing.T) {
	_, srv := newTestGateway(t, false)

	bot := dial(t, srv, "")
	send(t, bot, `{"type":"connected","username":"alice"}`)
	readType(t, bot, protocol.TypeStatus)

	subA := dial(t, srv, "")
	subB := dial(t, srv, "")
	send(t, subA, `{"type":"sdk_connect","clientId":"a","username":"alice"}`)
	send(t, subB, `{"type":"sdk_connect","clientId":"b","username":"alice"}`)
	readType(t, subA, protocol.TypeSDKConnected)
	readType(t, subB, protocol.TypeSDKConnected)

	send(t, subA, `{"type":"sdk_action","action":{"type":"chat","message":"hi"},"actionId":"x1"}`)
	action := readType(t, bot, protocol.TypeAction)
	if action["actionId"] != "x1" {
		t.Fatalf("bot got %v", action)
	}

	send(t, bot, `{"type":"actionResult","actionId":"x1","result":{"success":true,"message":"done"}}`)
	for _, c := range []*websocket.Conn{subA, subB} {
		res := readType(t, c, protocol.TypeSDKActionResult)
		result, _ := res["result"].(map[string]any)
		if res["actionId"] != "x1" || result["success"] != true {
			t.Errorf("result = %v", res)
		}
	}
}

func TestScenario_BotReplacement(t *testing.T) {
	g, srv := newTestGateway(t, false)

	first := dial(t, srv, "")
	send(t, first, `{"type":"connected","username":"alice"}`)
	readType(t, first, protocol.TypeStatus)

	second := dial(t, srv, "")
	send(t, second, `{"type":"connected","clientId":"alice-2"}`)
	readType(t, second, protocol.TypeStatus)

	_ = first.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	// The replaced connection's close must not take the new one offline.
	time.Sleep(50 * time.Millisecond)
	if !g.Snapshot().Bots["alice"].Connected {
		t.Fatal("new bot connection went offline")
	}
	if snap := g.Snapshot(); snap.ConnectedBots != 1 {
		t.Errorf("connected bots = %d, want 1", snap.ConnectedBots)
	}
}

func TestScenario_ActionForOfflineBot(t *testing.T) {
	_, srv := newTestGateway(t, false)

	sub := dial(t, srv, "")
	send(t, sub, `{"type":"sdk_connect","username":"ghost"}`)
	readType(t, sub, protocol.TypeSDKConnected)

	send(t, sub, `{"type":"sdk_action","action":{"type":"jump"},"actionId":"j1"}`)
	got := readType(t, sub, protocol.TypeSDKError)
	if got["error"] != "Bot not connected" || got["actionId"] != "j1" {
		t.Errorf("sdk_error = %v", got)
	}
}

func TestOperatorConsole(t *testing.T) {
	_, srv := newTestGateway(t, false)

	ui := dial(t, srv, "?bot=alice")
	state := readType(t, ui, protocol.TypeState)
	if state["running"] != false || state["agentServiceConnected"] != false {
		t.Fatalf("initial state = %v", state)
	}

	send(t, ui, `{"type":"start","goal":"g"}`)
	if got := readType(t, ui, protocol.TypeStatus); got["status"] != "starting" || got["goal"] != "g" {
		t.Errorf("first status = %v", got)
	}
	if got := readType(t, ui, protocol.TypeStatus); got["status"] != "stopped" {
		t.Errorf("second status = %v", got)
	}

	send(t, ui, `{"type":"getState"}`)
	state = readType(t, ui, protocol.TypeState)
	log, _ := state["actionLog"].([]any)
	if state["running"] != false || len(log) != 2 {
		t.Errorf("state after failed start = %v", state)
	}
}

func TestUnboundNonHelloFramesAreDropped(t *testing.T) {
	g, _ := newTestGateway(t, false)
	conn := sessiontest.NewConn("c")

	g.handleFrame(conn, []byte(`{"type":"state","state":{"tick":1}}`))
	g.handleFrame(conn, []byte(`{"type":"sdk_action","action":{"type":"x"}}`))
	g.handleFrame(conn, []byte(`{"type":"bogus"}`))
	g.handleFrame(conn, []byte(`not json`))

	if _, ok := g.state.Registry.Classify(conn); ok {
		t.Fatal("connection should stay unclassified")
	}
	if len(conn.Messages()) != 0 {
		t.Errorf("unexpected replies: %v", conn.Messages())
	}

	g.handleFrame(conn, []byte(`{"type":"connected","username":"alice"}`))
	g.handleFrame(conn, []byte(`{"type":"sdk_connect","username":"alice"}`))
	role, ok := g.state.Registry.Classify(conn)
	if !ok || role.Identity != "alice" || role.Kind.String() != "bot" {
		t.Errorf("role = %+v", role)
	}
}

func TestDisconnectCleansUp(t *testing.T) {
	g, _ := newTestGateway(t, false)
	sub := sessiontest.NewConn("sub")
	ui := sessiontest.NewConn("ui")

	g.handleFrame(sub, []byte(`{"type":"sdk_connect","clientId":"s1","username":"alice"}`))
	if err := g.attachOperator(ui, "alice"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	g.disconnect(sub)
	g.disconnect(ui)
	g.disconnect(ui)

	snap := g.Snapshot()
	if snap.ConnectedSDKs != 0 || snap.ConnectedUIs != 0 {
		t.Errorf("snapshot after disconnect = %+v", snap)
	}
	if g.state.Registry.Len() != 0 {
		t.Errorf("registry still holds %d connections", g.state.Registry.Len())
	}
}

func TestStartRunWithoutOperators(t *testing.T) {
	g, _ := newTestGateway(t, true)
	g.StartRun("bob", "mine")

	status := g.OperatorStatus("bob")
	if !status.Running || status.Goal == nil || *status.Goal != "mine" || !status.AgentServiceConnected {
		t.Errorf("status = %+v", status)
	}
	if n := len(g.OperatorLog("bob")); n != 1 {
		t.Errorf("log length = %d, want 1", n)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met")
}
