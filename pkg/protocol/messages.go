// Package protocol defines the wire protocol spoken over the gateway's
// WebSocket listener (bot, subscriber and operator clients) and over the
// outbound link to the automation backend.
//
// All frames are flat JSON objects with a "type" field. Inbound frames are
// parsed into closed sets of types per direction (BotFrame, SubscriberFrame,
// OperatorFrame, UpstreamEvent) so routing code never inspects raw maps.
package protocol

import "encoding/json"

// --- Message type constants ---

const (
	// Bot → Gateway
	TypeConnected          = "connected"
	TypeState              = "state"
	TypeActionResult       = "actionResult"
	TypeScreenshotResponse = "screenshot_response"

	// Gateway → Bot
	TypeStatus            = "status"
	TypeAction            = "action"
	TypeScreenshotRequest = "screenshot_request"

	// Subscriber ↔ Gateway
	TypeSDKConnect      = "sdk_connect"
	TypeSDKAction       = "sdk_action"
	TypeSDKConnected    = "sdk_connected"
	TypeSDKState        = "sdk_state"
	TypeSDKActionResult = "sdk_action_result"
	TypeSDKError        = "sdk_error"

	// Operator → Gateway
	TypeStart    = "start"
	TypeStop     = "stop"
	TypeRestart  = "restart"
	TypeSend     = "send"
	TypeGetState = "getState"
	TypeClearLog = "clearLog"

	// Gateway → Operator (plus TypeState and TypeStatus)
	TypeLog        = "log"
	TypeTodos      = "todos"
	TypeLogCleared = "logCleared"

	// Gateway → Upstream (plus TypeStart and TypeStop)
	TypeMessage = "message"
)

// Run status values carried by status frames.
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusStopped  = "stopped"
	StatusIdle     = "idle"
)

// ActionResult is the outcome a bot reports for an executed action.
type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// LogKind classifies an operator log entry.
type LogKind string

const (
	LogThinking    LogKind = "thinking"
	LogAction      LogKind = "action"
	LogCode        LogKind = "code"
	LogResult      LogKind = "result"
	LogError       LogKind = "error"
	LogSystem      LogKind = "system"
	LogState       LogKind = "state"
	LogUserMessage LogKind = "user_message"
)

// LogEntry is one line of an operator run log. Timestamp is unix milliseconds.
type LogEntry struct {
	Timestamp int64   `json:"timestamp"`
	Kind      LogKind `json:"type"`
	Content   string  `json:"content"`
}

// --- Gateway → Bot ---

// BotStatus tells a bot about its gateway connection.
type BotStatus struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// BotAction forwards a subscriber action to a bot. Action is opaque to the gateway.
type BotAction struct {
	Type     string          `json:"type"`
	Action   json.RawMessage `json:"action"`
	ActionID string          `json:"actionId,omitempty"`
}

// ScreenshotRequest asks a bot for a screenshot.
type ScreenshotRequest struct {
	Type string `json:"type"`
}

func NewBotStatus(status string) BotStatus {
	return BotStatus{Type: TypeStatus, Status: status}
}

func NewBotAction(action json.RawMessage, actionID string) BotAction {
	return BotAction{Type: TypeAction, Action: action, ActionID: actionID}
}

func NewScreenshotRequest() ScreenshotRequest {
	return ScreenshotRequest{Type: TypeScreenshotRequest}
}

// --- Gateway → Subscriber ---

// SDKConnected acknowledges a subscriber, or announces its bot came online.
type SDKConnected struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
}

// SDKState carries a world-state snapshot.
type SDKState struct {
	Type  string          `json:"type"`
	State json.RawMessage `json:"state"`
}

// SDKActionResult relays a bot's action result.
type SDKActionResult struct {
	Type     string       `json:"type"`
	ActionID string       `json:"actionId,omitempty"`
	Result   ActionResult `json:"result"`
}

// SDKError reports a routing failure to a subscriber.
type SDKError struct {
	Type     string `json:"type"`
	ActionID string `json:"actionId,omitempty"`
	Error    string `json:"error"`
}

func NewSDKConnected() SDKConnected {
	return SDKConnected{Type: TypeSDKConnected, Success: true}
}

func NewSDKState(state json.RawMessage) SDKState {
	return SDKState{Type: TypeSDKState, State: state}
}

func NewSDKActionResult(actionID string, result ActionResult) SDKActionResult {
	return SDKActionResult{Type: TypeSDKActionResult, ActionID: actionID, Result: result}
}

func NewSDKError(actionID, msg string) SDKError {
	return SDKError{Type: TypeSDKError, ActionID: actionID, Error: msg}
}

// --- Gateway → Operator ---

// RunState is the full operator-visible state of one identity.
type RunState struct {
	Type                  string     `json:"type"`
	Running               bool       `json:"running"`
	SessionID             *string    `json:"sessionId"`
	Goal                  *string    `json:"goal"`
	StartedAt             *int64     `json:"startedAt"`
	ActionLog             []LogEntry `json:"actionLog"`
	AgentServiceConnected *bool      `json:"agentServiceConnected,omitempty"`
}

// LogAppended carries a newly appended log entry.
type LogAppended struct {
	Type  string   `json:"type"`
	Entry LogEntry `json:"entry"`
}

// RunStatus announces a run state transition.
type RunStatus struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Goal   string `json:"goal,omitempty"`
}

// Todos relays the backend's todo list verbatim.
type Todos struct {
	Type  string          `json:"type"`
	Todos json.RawMessage `json:"todos"`
}

// LogCleared tells operators the log was emptied.
type LogCleared struct {
	Type string `json:"type"`
}

func NewLogAppended(e LogEntry) LogAppended {
	return LogAppended{Type: TypeLog, Entry: e}
}

func NewRunStatus(status, goal string) RunStatus {
	return RunStatus{Type: TypeStatus, Status: status, Goal: goal}
}

func NewTodos(todos json.RawMessage) Todos {
	return Todos{Type: TypeTodos, Todos: todos}
}

func NewLogCleared() LogCleared {
	return LogCleared{Type: TypeLogCleared}
}

// --- Gateway → Upstream ---

// UpstreamStart asks the backend to begin a run.
type UpstreamStart struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Goal     string `json:"goal"`
}

// UpstreamStop asks the backend to stop a run.
type UpstreamStop struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

// UpstreamMessage forwards operator text to a running agent.
type UpstreamMessage struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Message  string `json:"message"`
}

func NewUpstreamStart(identity, goal string) UpstreamStart {
	return UpstreamStart{Type: TypeStart, Username: identity, Goal: goal}
}

func NewUpstreamStop(identity string) UpstreamStop {
	return UpstreamStop{Type: TypeStop, Username: identity}
}

func NewUpstreamMessage(identity, msg string) UpstreamMessage {
	return UpstreamMessage{Type: TypeMessage, Username: identity, Message: msg}
}
