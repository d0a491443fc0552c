package session

import (
	"encoding/json"
	"time"

	"github.com/amurg-ai/botgate/pkg/protocol"
)

// BotSession is the gateway's view of one game client. Conn is nil while the
// bot is disconnected; LastState outlives the connection.
type BotSession struct {
	Identity        string
	ClientID        string
	Conn            Conn
	LastState       json.RawMessage
	CurrentActionID string
}

// Live reports whether the bot currently has a channel.
func (b *BotSession) Live() bool { return b != nil && b.Conn != nil }

// SubscriberSession is a programmatic client following one bot.
type SubscriberSession struct {
	ID     string
	Target string
	Conn   Conn
}

// Recording is an open run recording. Implementations must not block and
// must not call back into the gateway synchronously.
type Recording interface {
	Active() bool
	LogEvent(e protocol.LogEntry)
	SaveScreenshot(dataURL string)
	Stop()
}

// OperatorState is the run state of one identity plus its attached consoles.
type OperatorState struct {
	Identity  string
	Running   bool
	RunID     string
	Goal      string
	StartedAt time.Time
	Log       *Log
	Conns     map[string]Conn
	Recording Recording
}

// State owns every keyed collection of the gateway. It is not safe for
// concurrent use.
type State struct {
	Registry    *Registry
	Bots        map[string]*BotSession        // identity -> session
	Subscribers map[string]*SubscriberSession // subscriber id -> session
	Operators   map[string]*OperatorState     // identity -> state

	logCapacity int
}

func NewState() *State {
	return &State{
		Registry:    NewRegistry(),
		Bots:        make(map[string]*BotSession),
		Subscribers: make(map[string]*SubscriberSession),
		Operators:   make(map[string]*OperatorState),
		logCapacity: DefaultLogCapacity,
	}
}

// LiveBot returns the bot session for identity if it has a channel.
func (s *State) LiveBot(identity string) (*BotSession, bool) {
	b, ok := s.Bots[identity]
	if !ok || !b.Live() {
		return nil, false
	}
	return b, true
}

// SubscribersFor returns every subscriber targeting identity.
func (s *State) SubscribersFor(identity string) []*SubscriberSession {
	var out []*SubscriberSession
	for _, sub := range s.Subscribers {
		if sub.Target == identity {
			out = append(out, sub)
		}
	}
	return out
}

// EnsureOperator returns the operator state for identity, creating an idle
// one on first reference.
func (s *State) EnsureOperator(identity string) *OperatorState {
	if op, ok := s.Operators[identity]; ok {
		return op
	}
	op := &OperatorState{
		Identity: identity,
		Log:      NewLog(s.logCapacity),
		Conns:    make(map[string]Conn),
	}
	s.Operators[identity] = op
	return op
}

// LookupOperator returns the operator state for identity without creating it.
func (s *State) LookupOperator(identity string) (*OperatorState, bool) {
	op, ok := s.Operators[identity]
	return op, ok
}
