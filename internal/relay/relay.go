// Package relay translates between bots and the subscribers that follow them.
//
// A Router owns no lock. Every method must be called with the gateway lock
// held, and every method runs to completion without blocking: outbound
// messages go through session.Conn.Send, which only enqueues.
package relay

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/botgate/internal/session"
	"github.com/amurg-ai/botgate/pkg/protocol"
)

const (
	// DefaultIdentity is used when a bot announces neither a username nor a
	// client id an identity can be derived from.
	DefaultIdentity = "default"

	statusConnected    = "Connected to gateway"
	errBotNotConnected = "Bot not connected"
	errBotDisconnected = "Bot disconnected"
)

// ScreenshotSink receives screenshots answered by bots. The operator manager
// implements it; screenshots never reach subscribers.
type ScreenshotSink interface {
	HandleScreenshot(identity, dataURL string)
}

// Router implements the bot and subscriber halves of the gateway.
type Router struct {
	state  *session.State
	sink   ScreenshotSink
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Router over st. sink may be nil, in which case screenshots
// are dropped.
func New(st *session.State, sink ScreenshotSink, logger *slog.Logger) *Router {
	return &Router{
		state:  st,
		sink:   sink,
		logger: logger.With("component", "relay"),
		now:    time.Now,
	}
}

// OnBotHello registers conn as the live channel for the bot's identity. A
// previous live channel for the same identity is closed: the newest
// connection always wins.
func (r *Router) OnBotHello(conn session.Conn, hello protocol.BotHello) {
	identity := DeriveIdentity(hello.Username, hello.ClientID)
	clientID := hello.ClientID
	if clientID == "" {
		clientID = "bot-" + strconv.FormatInt(r.now().UnixMilli(), 10)
	}

	var lastState json.RawMessage
	if prev, ok := r.state.Bots[identity]; ok {
		lastState = prev.LastState
		if prev.Conn != nil && prev.Conn != conn {
			r.logger.Info("replacing bot connection", "identity", identity, "old_conn", prev.Conn.ID(), "conn_id", conn.ID())
			_ = prev.Conn.Close()
		}
	}

	if err := r.state.Registry.Bind(conn, session.BotRole(identity)); err != nil {
		r.logger.Warn("bot hello on bound connection", "conn_id", conn.ID(), "error", err)
		return
	}
	r.state.Bots[identity] = &session.BotSession{
		Identity:  identity,
		ClientID:  clientID,
		Conn:      conn,
		LastState: lastState,
	}

	r.logger.Info("bot connected", "identity", identity, "client_id", clientID, "conn_id", conn.ID())
	r.deliver(conn, protocol.NewBotStatus(statusConnected))
	r.fanOut(identity, protocol.NewSDKConnected())
}

// OnBotFrame dispatches a frame from a bound bot channel.
func (r *Router) OnBotFrame(conn session.Conn, role session.Role, frame protocol.BotFrame) {
	switch f := frame.(type) {
	case protocol.BotHello:
		r.logger.Warn("repeated bot hello dropped", "identity", role.Identity, "conn_id", conn.ID())
	case protocol.BotStateUpdate:
		r.OnBotStateUpdate(role.Identity, f.State)
	case protocol.BotActionResult:
		r.OnBotActionResult(role.Identity, f.ActionID, f.Result)
	case protocol.BotScreenshot:
		r.OnBotScreenshot(role.Identity, f.DataURL)
	}
}

// OnBotStateUpdate caches state and fans it out to the bot's subscribers.
func (r *Router) OnBotStateUpdate(identity string, state json.RawMessage) {
	bot, ok := r.state.Bots[identity]
	if !ok {
		return
	}
	bot.LastState = state
	r.fanOut(identity, protocol.NewSDKState(state))
}

// OnBotActionResult relays a result to the bot's subscribers. A result
// without an action id is attributed to the in-flight action.
func (r *Router) OnBotActionResult(identity, actionID string, result protocol.ActionResult) {
	bot, ok := r.state.Bots[identity]
	if !ok {
		return
	}
	if actionID == "" {
		actionID = bot.CurrentActionID
	}
	bot.CurrentActionID = ""
	r.fanOut(identity, protocol.NewSDKActionResult(actionID, result))
}

// OnBotScreenshot hands a screenshot to the recorder path.
func (r *Router) OnBotScreenshot(identity, dataURL string) {
	if r.sink == nil {
		return
	}
	r.sink.HandleScreenshot(identity, dataURL)
}

// OnSubscriberHello registers conn as a subscriber of hello.Username.
func (r *Router) OnSubscriberHello(conn session.Conn, hello protocol.SubscriberHello) {
	id := hello.ClientID
	if prev, ok := r.state.Subscribers[id]; ok && prev.Conn != conn {
		// The holder is still connected; the newcomer gets its own id so
		// neither silently loses fan-out.
		fresh := "sdk-" + uuid.NewString()
		r.logger.Warn("subscriber id already in use, assigning a new one",
			"subscriber_id", id, "assigned", fresh, "holder_conn", prev.Conn.ID(), "conn_id", conn.ID())
		id = fresh
	}
	if id == "" {
		id = "sdk-" + uuid.NewString()
	}
	if err := r.state.Registry.Bind(conn, session.SubscriberRole(id, hello.Username)); err != nil {
		r.logger.Warn("subscriber hello on bound connection", "conn_id", conn.ID(), "error", err)
		return
	}
	r.state.Subscribers[id] = &session.SubscriberSession{ID: id, Target: hello.Username, Conn: conn}

	r.logger.Info("subscriber connected", "subscriber_id", id, "identity", hello.Username, "conn_id", conn.ID())
	r.deliver(conn, protocol.NewSDKConnected())
	if bot, ok := r.state.Bots[hello.Username]; ok && len(bot.LastState) > 0 {
		r.deliver(conn, protocol.NewSDKState(bot.LastState))
	}
}

// OnSubscriberFrame dispatches a frame from a bound subscriber channel.
func (r *Router) OnSubscriberFrame(conn session.Conn, role session.Role, frame protocol.SubscriberFrame) {
	switch f := frame.(type) {
	case protocol.SubscriberHello:
		r.logger.Warn("repeated subscriber hello dropped", "subscriber_id", role.SubscriberID, "conn_id", conn.ID())
	case protocol.SubscriberAction:
		r.OnSubscriberCommand(conn, role, f)
	}
}

// OnSubscriberCommand forwards an action to its target bot, or answers the
// sender with sdk_error when the bot is not live.
func (r *Router) OnSubscriberCommand(conn session.Conn, role session.Role, cmd protocol.SubscriberAction) {
	target := cmd.Username
	if target == "" {
		target = role.Identity
	}
	bot, ok := r.state.LiveBot(target)
	if !ok {
		r.logger.Debug("action for offline bot", "identity", target, "action_id", cmd.ActionID)
		r.deliver(conn, protocol.NewSDKError(cmd.ActionID, errBotNotConnected))
		return
	}
	bot.CurrentActionID = cmd.ActionID
	r.logger.Debug("forwarding action", "identity", target, "action", protocol.ActionType(cmd.Action), "action_id", cmd.ActionID)
	r.deliver(bot.Conn, protocol.NewBotAction(cmd.Action, cmd.ActionID))
}

// OnDisconnect cleans up after a closed bot or subscriber channel.
func (r *Router) OnDisconnect(conn session.Conn, role session.Role) {
	switch role.Kind {
	case session.RoleBot:
		bot, ok := r.state.Bots[role.Identity]
		// A replaced channel closing late must not take its successor down.
		if !ok || bot.Conn != conn {
			return
		}
		bot.Conn = nil
		r.logger.Info("bot disconnected", "identity", role.Identity, "conn_id", conn.ID())
		r.fanOut(role.Identity, protocol.NewSDKError("", errBotDisconnected))
	case session.RoleSubscriber:
		if sub, ok := r.state.Subscribers[role.SubscriberID]; ok && sub.Conn == conn {
			delete(r.state.Subscribers, role.SubscriberID)
		}
		r.logger.Info("subscriber disconnected", "subscriber_id", role.SubscriberID, "conn_id", conn.ID())
	}
}

// RequestScreenshot asks the live bot for identity to send a screenshot. It
// reports whether the request was handed to a channel.
func (r *Router) RequestScreenshot(identity string) bool {
	bot, ok := r.state.LiveBot(identity)
	if !ok {
		return false
	}
	return r.deliver(bot.Conn, protocol.NewScreenshotRequest())
}

func (r *Router) fanOut(identity string, msg any) {
	for _, sub := range r.state.SubscribersFor(identity) {
		r.deliver(sub.Conn, msg)
	}
}

func (r *Router) deliver(conn session.Conn, msg any) bool {
	if d := conn.Send(msg); d != session.Delivered {
		r.logger.Debug("delivery failed", "conn_id", conn.ID(), "delivery", d.String())
		return false
	}
	return true
}

// DeriveIdentity picks a bot identity from its hello: the username if given,
// else the client id prefix before the first "-" (unless the id is a
// generated "bot-" id or the prefix is numeric), else DefaultIdentity.
func DeriveIdentity(username, clientID string) string {
	if username != "" {
		return username
	}
	if clientID == "" || strings.HasPrefix(clientID, "bot-") {
		return DefaultIdentity
	}
	prefix, _, _ := strings.Cut(clientID, "-")
	if prefix == "" {
		return DefaultIdentity
	}
	if _, err := strconv.Atoi(prefix); err == nil {
		return DefaultIdentity
	}
	return prefix
}
