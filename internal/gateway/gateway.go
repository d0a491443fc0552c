// Package gateway is the gateway's WebSocket transport and dispatcher. It
// classifies every connection by role and serializes all session mutation
// behind one lock.
package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/botgate/internal/operator"
	"github.com/amurg-ai/botgate/internal/relay"
	"github.com/amurg-ai/botgate/internal/session"
	"github.com/amurg-ai/botgate/pkg/protocol"
)

const (
	defaultSendQueue      = 256
	defaultMaxMessageSize = 16 << 20 // screenshots arrive as data URLs
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // bots and SDKs send no Origin
			}
			return originSet[origin]
		},
	}
}

// Options configures a Gateway.
type Options struct {
	Upstream       operator.Upstream
	Recorder       operator.Recorder // optional
	AllowedOrigins []string
	SendQueueSize  int
	MaxMessageSize int64
}

// Gateway owns the session state and every connected client.
type Gateway struct {
	mu        sync.Mutex
	state     *session.State
	relay     *relay.Router
	operators *operator.Manager
	upstream  operator.Upstream

	upgrader       websocket.Upgrader
	sendQueue      int
	maxMessageSize int64
	logger         *slog.Logger
}

// New creates a gateway. opts.Upstream is required.
func New(opts Options, logger *slog.Logger) *Gateway {
	g := &Gateway{
		state:          session.NewState(),
		upstream:       opts.Upstream,
		upgrader:       makeUpgrader(opts.AllowedOrigins),
		sendQueue:      opts.SendQueueSize,
		maxMessageSize: opts.MaxMessageSize,
		logger:         logger.With("component", "gateway"),
	}
	if g.sendQueue <= 0 {
		g.sendQueue = defaultSendQueue
	}
	if g.maxMessageSize <= 0 {
		g.maxMessageSize = defaultMaxMessageSize
	}
	g.operators = operator.New(g.state, operator.Options{
		Upstream:          opts.Upstream,
		Recorder:          opts.Recorder,
		RequestScreenshot: func(identity string) { g.RequestScreenshot(identity) },
		Logger:            logger,
	})
	g.relay = relay.New(g.state, g.operators, logger)
	return g
}

// HandleWS upgrades a request and serves the connection until it closes.
// A "bot" query parameter attaches the connection as an operator console;
// anything else is classified by its first frame.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(g.maxMessageSize)

	conn := newWSConn(ws, g.sendQueue, g.logger)
	conn.armReadDeadline()
	go conn.writePump()

	if identity := r.URL.Query().Get("bot"); identity != "" {
		if err := g.attachOperator(conn, identity); err != nil {
			g.logger.Warn("operator attach failed", "identity", identity, "error", err)
		}
	}

	g.readLoop(conn)
	g.disconnect(conn)
	_ = conn.Close()
}

func (g *Gateway) readLoop(conn *wsConn) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				conn.logger.Debug("read error", "error", err)
			}
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(wsPongWait))
		g.handleFrame(conn, data)
	}
}

func (g *Gateway) attachOperator(conn session.Conn, identity string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.operators.Attach(conn, identity)
}

// handleFrame parses and dispatches one inbound frame under the lock.
// Malformed frames are logged and dropped; the connection stays open.
func (g *Gateway) handleFrame(conn session.Conn, data []byte) {
	frameType, err := protocol.ParseType(data)
	if err != nil {
		g.logger.Warn("malformed frame", "conn_id", conn.ID(), "error", err)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	role, bound := g.state.Registry.Classify(conn)
	if !bound {
		g.classify(conn, frameType, data)
		return
	}

	switch role.Kind {
	case session.RoleBot:
		frame, err := protocol.ParseBotFrame(data)
		if err != nil {
			g.dropFrame(conn, role, err)
			return
		}
		g.relay.OnBotFrame(conn, role, frame)
	case session.RoleSubscriber:
		frame, err := protocol.ParseSubscriberFrame(data)
		if err != nil {
			g.dropFrame(conn, role, err)
			return
		}
		g.relay.OnSubscriberFrame(conn, role, frame)
	case session.RoleOperator:
		frame, err := protocol.ParseOperatorFrame(data)
		if err != nil {
			g.dropFrame(conn, role, err)
			return
		}
		g.operators.HandleCommand(conn, role.Identity, frame)
	}
}

// classify handles the first frames of an unbound connection. Only hello
// frames bind a role.
func (g *Gateway) classify(conn session.Conn, frameType string, data []byte) {
	switch protocol.Classify(frameType) {
	case protocol.ClassBot:
		frame, err := protocol.ParseBotFrame(data)
		if err != nil {
			g.logger.Warn("malformed bot frame", "conn_id", conn.ID(), "error", err)
			return
		}
		hello, ok := frame.(protocol.BotHello)
		if !ok {
			g.logger.Debug("bot frame before hello dropped", "conn_id", conn.ID(), "type", frameType)
			return
		}
		g.relay.OnBotHello(conn, hello)
	case protocol.ClassSubscriber:
		frame, err := protocol.ParseSubscriberFrame(data)
		if err != nil {
			g.logger.Warn("malformed subscriber frame", "conn_id", conn.ID(), "error", err)
			return
		}
		hello, ok := frame.(protocol.SubscriberHello)
		if !ok {
			g.logger.Debug("subscriber frame before hello dropped", "conn_id", conn.ID(), "type", frameType)
			return
		}
		g.relay.OnSubscriberHello(conn, hello)
	default:
		g.logger.Debug("unclassifiable frame dropped", "conn_id", conn.ID(), "type", frameType)
	}
}

func (g *Gateway) dropFrame(conn session.Conn, role session.Role, err error) {
	if errors.Is(err, protocol.ErrUnknownType) {
		g.logger.Debug("unsupported frame dropped", "conn_id", conn.ID(), "role", role.Kind.String(), "error", err)
		return
	}
	g.logger.Warn("malformed frame", "conn_id", conn.ID(), "role", role.Kind.String(), "error", err)
}

// disconnect unbinds conn and runs the cleanup for its role.
func (g *Gateway) disconnect(conn session.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	role, ok := g.state.Registry.Unbind(conn)
	if !ok {
		return
	}
	switch role.Kind {
	case session.RoleOperator:
		g.operators.Detach(conn, role.Identity)
	default:
		g.relay.OnDisconnect(conn, role)
	}
}

// HandleUpstreamEvent applies a backend event. It is the upstream link's
// event handler.
func (g *Gateway) HandleUpstreamEvent(ev protocol.UpstreamEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.operators.HandleUpstreamEvent(ev)
}

// RequestScreenshot asks identity's live bot for a screenshot.
func (g *Gateway) RequestScreenshot(identity string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.relay.RequestScreenshot(identity)
}

// StartRun starts a run for identity on behalf of an HTTP caller.
func (g *Gateway) StartRun(identity, goal string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.operators.Start(identity, goal)
}

// StopRun stops identity's run on behalf of an HTTP caller.
func (g *Gateway) StopRun(identity string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.operators.Stop(identity)
}

// OperatorStatus returns identity's run status, creating idle state if needed.
func (g *Gateway) OperatorStatus(identity string) operator.Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.operators.Status(identity)
}

// OperatorLog returns identity's log, creating idle state if needed.
func (g *Gateway) OperatorLog(identity string) []protocol.LogEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.operators.Log(identity)
}

// UpstreamConnected reports whether the backend link is open.
func (g *Gateway) UpstreamConnected() bool {
	return g.upstream.Connected()
}

// Shutdown ends every open recording and closes every client connection.
// Read loops then observe the close and unwind through disconnect.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if n := g.operators.StopRecordings(); n > 0 {
		g.logger.Info("stopped recordings", "count", n)
	}
	for _, b := range g.state.Bots {
		if b.Conn != nil {
			_ = b.Conn.Close()
		}
	}
	for _, sub := range g.state.Subscribers {
		_ = sub.Conn.Close()
	}
	for _, op := range g.state.Operators {
		for _, c := range op.Conns {
			_ = c.Close()
		}
	}
}
