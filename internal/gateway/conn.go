package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/amurg-ai/botgate/internal/session"
)

const (
	// wsPingInterval is how often the gateway pings each client.
	wsPingInterval = 30 * time.Second
	// wsPongWait is the maximum time to wait for a pong from a client.
	wsPongWait   = 60 * time.Second
	wsWriteWait  = 10 * time.Second
	closeTimeout = time.Second
)

// wsConn adapts a gorilla connection to session.Conn. Send marshals on the
// caller's goroutine and queues the frame; writePump owns every write.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newWSConn(ws *websocket.Conn, queueSize int, logger *slog.Logger) *wsConn {
	id := uuid.NewString()
	return &wsConn{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, queueSize),
		done:   make(chan struct{}),
		logger: logger.With("conn_id", id),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(msg any) session.Delivery {
	select {
	case <-c.done:
		return session.ChannelClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal outbound message", "error", err)
		return session.ChannelClosed
	}

	select {
	case c.send <- data:
		return session.Delivered
	default:
		c.logger.Warn("send queue full, closing connection")
		_ = c.Close()
		return session.ChannelClosed
	}
}

// Close asks the write pump to flush a close frame and tear the socket down.
func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// writePump drains the send queue and keeps the connection alive with
// pings. It closes the socket when it returns, which unblocks the reader.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", "error", err)
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeTimeout))
			return
		}
	}
}

// armReadDeadline sets the initial read deadline and extends it on every pong.
func (c *wsConn) armReadDeadline() {
	_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
}
