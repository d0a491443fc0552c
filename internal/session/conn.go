// Package session holds the gateway's connection registry and the three
// role-keyed session collections. Nothing in this package locks: callers
// serialize access to a State (see gateway.Gateway).
package session

// Delivery is the outcome of handing a message to a channel.
type Delivery int

const (
	// Delivered means the message was accepted for writing.
	Delivered Delivery = iota
	// ChannelClosed means the channel is gone; treat the recipient as absent.
	ChannelClosed
)

func (d Delivery) String() string {
	if d == Delivered {
		return "delivered"
	}
	return "channel_closed"
}

// Conn is a bidirectional message channel owned by the transport layer.
// Send must not block.
type Conn interface {
	ID() string
	Send(msg any) Delivery
	Close() error
}
