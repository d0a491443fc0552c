// Package upstream manages the gateway's single outbound WebSocket link to
// the automation backend.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/botgate/pkg/protocol"
)

const (
	// DefaultReconnectDelay is the fixed delay between connection attempts.
	DefaultReconnectDelay = 3 * time.Second

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	maxMessageSize   = 4 << 20
	sendQueueSize    = 256
)

// EventHandler receives every well-formed event read from the backend. It
// is called from the link's read goroutine with no link lock held.
type EventHandler func(ev protocol.UpstreamEvent)

// Link is a lazily dialed, self-healing connection. Reconnection retries
// forever at a fixed delay until Close.
type Link struct {
	url     string
	delay   time.Duration
	handler EventHandler
	logger  *slog.Logger
	dialer  websocket.Dialer

	ctx       context.Context
	cancel    context.CancelFunc
	queueSize int

	mu      sync.Mutex
	active  *linkConn
	dialing bool
	timer   *time.Timer
	closed  bool
}

// New creates a link to url. Nothing is dialed until Start or
// EnsureConnected.
func New(url string, reconnectDelay time.Duration, handler EventHandler, logger *slog.Logger) *Link {
	if reconnectDelay <= 0 {
		reconnectDelay = DefaultReconnectDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		url:       url,
		delay:     reconnectDelay,
		handler:   handler,
		logger:    logger.With("component", "upstream", "url", url),
		dialer:    websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		ctx:       ctx,
		cancel:    cancel,
		queueSize: sendQueueSize,
	}
}

// Start dials eagerly and closes the link when ctx is done.
func (l *Link) Start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.ctx.Done():
		}
	}()
	l.EnsureConnected()
}

// EnsureConnected starts a dial unless the link is open, already dialing,
// or closed. It never blocks.
func (l *Link) EnsureConnected() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.active != nil || l.dialing {
		return
	}
	l.dialing = true
	go l.dial()
}

// Connected reports whether the link is open.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active != nil
}

// Send queues msg as one JSON frame for the write pump. It never blocks:
// it returns false when the link is down or its queue is full, and a full
// queue drops the connection so the link reconnects.
func (l *Link) Send(msg any) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		l.logger.Error("marshal upstream message", "error", err)
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.active
	if c == nil || c.stopped() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		l.logger.Warn("upstream send queue full, dropping connection", "queued", len(c.send))
		c.abort()
		return false
	}
}

// Close shuts the link down and cancels any pending reconnect. The write
// pump sends the close frame.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.cancel()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.active != nil {
		l.active.stop()
		l.active = nil
	}
	return nil
}

func (l *Link) dial() {
	l.logger.Debug("dialing upstream")
	conn, _, err := l.dialer.DialContext(l.ctx, l.url, nil)

	l.mu.Lock()
	l.dialing = false
	if err != nil {
		if !l.closed {
			l.logger.Warn("upstream dial failed", "error", err, "retry_in", l.delay)
			l.scheduleReconnectLocked()
		}
		l.mu.Unlock()
		return
	}
	if l.closed {
		l.mu.Unlock()
		_ = conn.Close()
		return
	}
	c := newLinkConn(conn, l.queueSize)
	l.active = c
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.mu.Unlock()

	armReadDeadline(conn)
	go c.writePump(l.logger)

	l.logger.Info("connected to upstream")
	l.readLoop(c)
}

func (l *Link) readLoop(c *linkConn) {
	c.ws.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			l.dropConn(c, err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		ev, err := protocol.ParseUpstreamEvent(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				l.logger.Debug("ignoring upstream event", "error", err)
			} else {
				l.logger.Warn("malformed upstream event", "error", err)
			}
			continue
		}
		if l.handler != nil {
			l.handler(ev)
		}
	}
}

func (l *Link) dropConn(c *linkConn, cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c.stop()
	if l.active != c {
		return
	}
	l.active = nil
	if l.closed {
		return
	}
	l.logger.Info("disconnected from upstream", "error", cause)
	l.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the reconnect timer unless one is pending.
// l.mu must be held.
func (l *Link) scheduleReconnectLocked() {
	if l.closed || l.timer != nil {
		return
	}
	l.timer = time.AfterFunc(l.delay, func() {
		l.mu.Lock()
		l.timer = nil
		l.mu.Unlock()
		l.EnsureConnected()
	})
}
