package upstream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	closeTimeout = time.Second
)

// linkConn is one open backend connection. Its write pump owns every write;
// stop makes the pump send a close frame and tear the socket down, which in
// turn ends the read loop.
type linkConn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newLinkConn(ws *websocket.Conn, queueSize int) *linkConn {
	return &linkConn{
		ws:   ws,
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

func (c *linkConn) stop() { c.once.Do(func() { close(c.done) }) }

// abort stops the pump and closes the socket at once, unblocking a write
// stuck on a peer that stopped reading.
func (c *linkConn) abort() {
	c.stop()
	_ = c.ws.Close()
}

func (c *linkConn) stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *linkConn) writePump(logger *slog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Warn("upstream write failed", "error", err)
				c.stop()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.stop()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(closeTimeout))
			return
		}
	}
}

// armReadDeadline sets the initial read deadline and extends it on every pong.
func armReadDeadline(ws *websocket.Conn) {
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}
