package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownType is returned when a frame's type is not valid for its direction.
	ErrUnknownType = errors.New("unknown frame type")
	// ErrInvalidFrame is returned when a frame is missing required fields.
	ErrInvalidFrame = errors.New("invalid frame")
)

// Class is the client role implied by a frame type.
type Class int

const (
	ClassUnknown Class = iota
	ClassBot
	ClassSubscriber
)

// Classify maps the type of a first frame to the role of its sender.
func Classify(frameType string) Class {
	switch {
	case strings.HasPrefix(frameType, "sdk_"):
		return ClassSubscriber
	case frameType == TypeConnected, frameType == TypeState,
		frameType == TypeActionResult, frameType == TypeScreenshotResponse:
		return ClassBot
	default:
		return ClassUnknown
	}
}

// ParseType returns the "type" field of a frame.
func ParseType(data []byte) (string, error) {
	var h struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return "", fmt.Errorf("decode frame: %w", err)
	}
	if h.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrInvalidFrame)
	}
	return h.Type, nil
}

// --- Bot frames ---

// BotFrame is one of BotHello, BotStateUpdate, BotActionResult, BotScreenshot.
type BotFrame interface{ botFrame() }

// BotHello is the first frame of a bot connection.
type BotHello struct {
	ClientID string
	Username string
}

// BotStateUpdate carries a world-state snapshot, kept opaque.
type BotStateUpdate struct {
	State json.RawMessage
}

// BotActionResult reports the outcome of a forwarded action.
type BotActionResult struct {
	ActionID string
	Result   ActionResult
}

// BotScreenshot answers a screenshot request with a data URL.
type BotScreenshot struct {
	DataURL string
}

func (BotHello) botFrame()        {}
func (BotStateUpdate) botFrame()  {}
func (BotActionResult) botFrame() {}
func (BotScreenshot) botFrame()   {}

type botWire struct {
	Type     string          `json:"type"`
	ClientID string          `json:"clientId"`
	Username string          `json:"username"`
	State    json.RawMessage `json:"state"`
	ActionID string          `json:"actionId"`
	Result   *ActionResult   `json:"result"`
	DataURL  string          `json:"dataUrl"`
}

// ParseBotFrame decodes a frame sent by a bot.
func ParseBotFrame(data []byte) (BotFrame, error) {
	var w botWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode bot frame: %w", err)
	}
	switch w.Type {
	case TypeConnected:
		return BotHello{ClientID: w.ClientID, Username: w.Username}, nil
	case TypeState:
		if isEmptyJSON(w.State) {
			return nil, fmt.Errorf("%w: state frame without state", ErrInvalidFrame)
		}
		return BotStateUpdate{State: w.State}, nil
	case TypeActionResult:
		if w.Result == nil {
			return nil, fmt.Errorf("%w: actionResult without result", ErrInvalidFrame)
		}
		return BotActionResult{ActionID: w.ActionID, Result: *w.Result}, nil
	case TypeScreenshotResponse:
		if w.DataURL == "" {
			return nil, fmt.Errorf("%w: screenshot_response without dataUrl", ErrInvalidFrame)
		}
		return BotScreenshot{DataURL: w.DataURL}, nil
	default:
		return nil, fmt.Errorf("%w: %q from bot", ErrUnknownType, w.Type)
	}
}

// --- Subscriber frames ---

// SubscriberFrame is one of SubscriberHello, SubscriberAction.
type SubscriberFrame interface{ subscriberFrame() }

// SubscriberHello registers a subscriber for one bot identity.
type SubscriberHello struct {
	ClientID string
	Username string
}

// SubscriberAction asks the gateway to forward an action to a bot.
// Username, when set, overrides the subscriber's registered target.
type SubscriberAction struct {
	Username string
	Action   json.RawMessage
	ActionID string
}

func (SubscriberHello) subscriberFrame()  {}
func (SubscriberAction) subscriberFrame() {}

type subscriberWire struct {
	Type     string          `json:"type"`
	ClientID string          `json:"clientId"`
	Username string          `json:"username"`
	Action   json.RawMessage `json:"action"`
	ActionID string          `json:"actionId"`
}

// ParseSubscriberFrame decodes a frame sent by a subscriber.
func ParseSubscriberFrame(data []byte) (SubscriberFrame, error) {
	var w subscriberWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode subscriber frame: %w", err)
	}
	switch w.Type {
	case TypeSDKConnect:
		if w.Username == "" {
			return nil, fmt.Errorf("%w: sdk_connect without username", ErrInvalidFrame)
		}
		return SubscriberHello{ClientID: w.ClientID, Username: w.Username}, nil
	case TypeSDKAction:
		if isEmptyJSON(w.Action) {
			return nil, fmt.Errorf("%w: sdk_action without action", ErrInvalidFrame)
		}
		return SubscriberAction{Username: w.Username, Action: w.Action, ActionID: w.ActionID}, nil
	default:
		return nil, fmt.Errorf("%w: %q from subscriber", ErrUnknownType, w.Type)
	}
}

// ActionType returns the "type" of an opaque bot action, for logging.
func ActionType(action json.RawMessage) string {
	var a struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(action, &a)
	return a.Type
}

// --- Operator frames ---

// OperatorFrame is one of the operator command types below.
type OperatorFrame interface{ operatorFrame() }

type StartCommand struct{ Goal string }
type StopCommand struct{}
type RestartCommand struct{}
type SendCommand struct{ Message string }
type GetStateCommand struct{}
type ClearLogCommand struct{}

func (StartCommand) operatorFrame()    {}
func (StopCommand) operatorFrame()     {}
func (RestartCommand) operatorFrame()  {}
func (SendCommand) operatorFrame()     {}
func (GetStateCommand) operatorFrame() {}
func (ClearLogCommand) operatorFrame() {}

type operatorWire struct {
	Type    string `json:"type"`
	Goal    string `json:"goal,omitempty"`
	Message string `json:"message,omitempty"`
}

// Operator commands encode to the same frames ParseOperatorFrame reads, so
// console clients can send them directly.

func (c StartCommand) MarshalJSON() ([]byte, error) {
	return json.Marshal(operatorWire{Type: TypeStart, Goal: c.Goal})
}

func (StopCommand) MarshalJSON() ([]byte, error) {
	return json.Marshal(operatorWire{Type: TypeStop})
}

func (RestartCommand) MarshalJSON() ([]byte, error) {
	return json.Marshal(operatorWire{Type: TypeRestart})
}

func (c SendCommand) MarshalJSON() ([]byte, error) {
	return json.Marshal(operatorWire{Type: TypeSend, Message: c.Message})
}

func (GetStateCommand) MarshalJSON() ([]byte, error) {
	return json.Marshal(operatorWire{Type: TypeGetState})
}

func (ClearLogCommand) MarshalJSON() ([]byte, error) {
	return json.Marshal(operatorWire{Type: TypeClearLog})
}

// ParseOperatorFrame decodes a command sent by an operator console.
func ParseOperatorFrame(data []byte) (OperatorFrame, error) {
	var w operatorWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode operator frame: %w", err)
	}
	switch w.Type {
	case TypeStart:
		if w.Goal == "" {
			return nil, fmt.Errorf("%w: start without goal", ErrInvalidFrame)
		}
		return StartCommand{Goal: w.Goal}, nil
	case TypeStop:
		return StopCommand{}, nil
	case TypeRestart:
		return RestartCommand{}, nil
	case TypeSend:
		if w.Message == "" {
			return nil, fmt.Errorf("%w: send without message", ErrInvalidFrame)
		}
		return SendCommand{Message: w.Message}, nil
	case TypeGetState:
		return GetStateCommand{}, nil
	case TypeClearLog:
		return ClearLogCommand{}, nil
	default:
		return nil, fmt.Errorf("%w: %q from operator", ErrUnknownType, w.Type)
	}
}

// --- Upstream events ---

// UpstreamEvent is a frame received from the automation backend.
type UpstreamEvent struct {
	Type     string          `json:"type"`
	Username string          `json:"username"`
	Content  string          `json:"content,omitempty"`
	Todos    json.RawMessage `json:"todos,omitempty"`
	Status   string          `json:"status,omitempty"`
}

// LogKind reports whether the event is appended to the run log, and as what.
func (e UpstreamEvent) LogKind() (LogKind, bool) {
	switch k := LogKind(e.Type); k {
	case LogThinking, LogAction, LogCode, LogResult, LogError, LogSystem, LogState:
		return k, true
	}
	return "", false
}

// ParseUpstreamEvent decodes a backend frame.
func ParseUpstreamEvent(data []byte) (UpstreamEvent, error) {
	var e UpstreamEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return UpstreamEvent{}, fmt.Errorf("decode upstream event: %w", err)
	}
	if _, ok := e.LogKind(); ok {
		return e, nil
	}
	switch e.Type {
	case TypeTodos, TypeStatus:
		return e, nil
	case "":
		return UpstreamEvent{}, fmt.Errorf("%w: upstream event without type", ErrInvalidFrame)
	default:
		return UpstreamEvent{}, fmt.Errorf("%w: %q from upstream", ErrUnknownType, e.Type)
	}
}

func isEmptyJSON(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
