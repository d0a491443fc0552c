package console

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/botgate/pkg/protocol"
)

const writeWait = 10 * time.Second

// Client is an operator connection to a gateway.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

// Dial opens an operator connection for bot. addr is "host:port" or a
// ws://, wss://, http:// or https:// URL.
func Dial(ctx context.Context, addr, bot string) (*Client, error) {
	u, err := operatorURL(addr, bot)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	return &Client{conn: conn}, nil
}

func operatorURL(addr, bot string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("parse gateway address: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported gateway scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("gateway address %q has no host", addr)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	q := u.Query()
	q.Set("bot", bot)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Send writes one operator command.
func (c *Client) Send(f protocol.OperatorFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

// ReadLoop calls fn with every frame until the connection fails.
func (c *Client) ReadLoop(fn func([]byte)) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		fn(data)
	}
}

// Close says goodbye and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.conn.Close()
}
