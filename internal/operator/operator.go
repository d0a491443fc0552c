// Package operator implements the per-identity run state machine driven by
// operator consoles, HTTP commands and backend events.
//
// Run states are idle, starting, running and stopping. Only the running flag
// is stored; transitions are visible to consoles as status broadcasts.
// Every method expects the gateway lock to be held.
package operator

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/botgate/internal/session"
	"github.com/amurg-ai/botgate/pkg/protocol"
)

const (
	msgUpstreamUnavailable = "Agent service not available. Make sure the agent service is running."
	msgSendFailed          = "Failed to send message - agent service not available"
	msgSent                = "Message sent to agent"
	msgStopping            = "Stopping agent..."
)

// Upstream is the outbound link to the automation backend.
type Upstream interface {
	Send(msg any) bool
	EnsureConnected()
	Connected() bool
}

// RunInfo describes a run when a recording is opened.
type RunInfo struct {
	ID        string
	Identity  string
	Goal      string
	StartedAt time.Time
}

// Recorder opens recordings. requestScreenshot is called from the
// recorder's own goroutine.
type Recorder interface {
	StartRun(run RunInfo, requestScreenshot func()) session.Recording
}

// Options configures a Manager.
type Options struct {
	Upstream Upstream
	// Recorder is optional; without one runs are not recorded.
	Recorder Recorder
	// RequestScreenshot is invoked off the gateway lock by recordings and
	// must acquire it itself.
	RequestScreenshot func(identity string)
	Logger            *slog.Logger
}

// Manager owns the operator half of the gateway.
type Manager struct {
	state    *session.State
	upstream Upstream
	recorder Recorder
	shoot    func(identity string)
	logger   *slog.Logger
	now      func() time.Time
}

func New(st *session.State, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		state:    st,
		upstream: opts.Upstream,
		recorder: opts.Recorder,
		shoot:    opts.RequestScreenshot,
		logger:   logger.With("component", "operator"),
		now:      time.Now,
	}
}

// Attach binds conn as an operator console for identity and sends it the
// current state.
func (m *Manager) Attach(conn session.Conn, identity string) error {
	if err := m.state.Registry.Bind(conn, session.OperatorRole(identity)); err != nil {
		return err
	}
	m.upstream.EnsureConnected()

	op := m.state.EnsureOperator(identity)
	op.Conns[conn.ID()] = conn
	m.logger.Info("operator attached", "identity", identity, "conn_id", conn.ID(), "clients", len(op.Conns))

	msg := m.StateMessage(op)
	connected := m.upstream.Connected()
	msg.AgentServiceConnected = &connected
	m.unicast(conn, msg)
	return nil
}

// Detach removes conn. When the last console leaves, a running run is
// stopped and the identity's state is discarded.
func (m *Manager) Detach(conn session.Conn, identity string) {
	op, ok := m.state.LookupOperator(identity)
	if !ok {
		return
	}
	delete(op.Conns, conn.ID())
	m.logger.Info("operator detached", "identity", identity, "conn_id", conn.ID(), "clients", len(op.Conns))
	if len(op.Conns) > 0 {
		return
	}
	if op.Running {
		m.Stop(identity)
	}
	m.stopRecording(op)
	delete(m.state.Operators, identity)
	m.logger.Info("operator state discarded", "identity", identity)
}

// HandleCommand executes a console command for the identity conn is bound to.
func (m *Manager) HandleCommand(conn session.Conn, identity string, frame protocol.OperatorFrame) {
	switch f := frame.(type) {
	case protocol.StartCommand:
		m.Start(identity, f.Goal)
	case protocol.StopCommand:
		m.Stop(identity)
	case protocol.RestartCommand:
		m.Restart(identity)
	case protocol.SendCommand:
		m.Send(identity, f.Message)
	case protocol.GetStateCommand:
		m.unicast(conn, m.StateMessage(m.state.EnsureOperator(identity)))
	case protocol.ClearLogCommand:
		m.ClearLog(identity)
	}
}

// Start begins a new run for identity with goal.
func (m *Manager) Start(identity, goal string) {
	m.start(identity, goal, nil)
}

// start resets the log to keep (in order) and then performs a normal start.
func (m *Manager) start(identity, goal string, keep []protocol.LogEntry) {
	op := m.state.EnsureOperator(identity)
	m.logger.Info("starting run", "identity", identity, "goal", goal)

	op.Goal = goal
	op.StartedAt = m.now()
	op.RunID = uuid.NewString()
	op.Running = true
	op.Log.Clear()
	for _, e := range keep {
		op.Log.Append(e)
	}

	m.stopRecording(op)
	if m.recorder != nil {
		run := RunInfo{ID: op.RunID, Identity: identity, Goal: goal, StartedAt: op.StartedAt}
		op.Recording = m.recorder.StartRun(run, m.screenshotFunc(identity))
		for _, e := range keep {
			op.Recording.LogEvent(e)
		}
	}

	m.appendLog(op, protocol.LogSystem, "Starting agent with goal: "+goal)
	m.broadcast(op, protocol.NewRunStatus(protocol.StatusStarting, goal))

	if !m.upstream.Send(protocol.NewUpstreamStart(identity, goal)) {
		m.logger.Warn("upstream unavailable, run reverted", "identity", identity)
		m.appendLog(op, protocol.LogError, msgUpstreamUnavailable)
		op.Running = false
		m.stopRecording(op)
		m.broadcast(op, protocol.NewRunStatus(protocol.StatusStopped, ""))
	}
}

// Stop ends the run for identity. It does nothing if identity has no state.
func (m *Manager) Stop(identity string) {
	op, ok := m.state.LookupOperator(identity)
	if !ok {
		return
	}
	m.logger.Info("stopping run", "identity", identity)
	m.appendLog(op, protocol.LogSystem, msgStopping)
	if !m.upstream.Send(protocol.NewUpstreamStop(identity)) {
		m.logger.Debug("stop not delivered upstream", "identity", identity)
	}
	op.Running = false
	m.stopRecording(op)
	m.broadcast(op, protocol.NewRunStatus(protocol.StatusStopped, ""))
}

// Restart stops the current run and starts a new one with the same goal.
func (m *Manager) Restart(identity string) {
	op, ok := m.state.LookupOperator(identity)
	if !ok || op.Goal == "" {
		return
	}
	goal := op.Goal
	m.Stop(identity)
	m.Start(identity, goal)
}

// Send forwards operator text to a running agent, or starts a run with the
// text as its goal.
func (m *Manager) Send(identity, text string) {
	op := m.state.EnsureOperator(identity)
	entry := m.appendLog(op, protocol.LogUserMessage, text)

	if !op.Running {
		m.start(identity, text, []protocol.LogEntry{entry})
		return
	}
	if m.upstream.Send(protocol.NewUpstreamMessage(identity, text)) {
		m.appendLog(op, protocol.LogSystem, msgSent)
	} else {
		m.appendLog(op, protocol.LogError, msgSendFailed)
	}
}

// ClearLog empties the log without touching the run.
func (m *Manager) ClearLog(identity string) {
	op := m.state.EnsureOperator(identity)
	op.Log.Clear()
	m.broadcast(op, protocol.NewLogCleared())
}

// HandleUpstreamEvent applies a backend event to the identity it names.
func (m *Manager) HandleUpstreamEvent(ev protocol.UpstreamEvent) {
	if ev.Username == "" {
		m.logger.Debug("upstream event without username dropped", "type", ev.Type)
		return
	}
	op := m.state.EnsureOperator(ev.Username)

	if kind, ok := ev.LogKind(); ok {
		m.appendLog(op, kind, ev.Content)
		return
	}
	switch ev.Type {
	case protocol.TypeTodos:
		m.broadcast(op, protocol.NewTodos(ev.Todos))
	case protocol.TypeStatus:
		switch ev.Status {
		case protocol.StatusRunning:
			op.Running = true
			m.broadcast(op, protocol.NewRunStatus(protocol.StatusRunning, op.Goal))
		case protocol.StatusStopped, protocol.StatusIdle:
			op.Running = false
			m.broadcast(op, protocol.NewRunStatus(protocol.StatusStopped, ""))
		}
	}
}

// HandleScreenshot stores a bot screenshot in the identity's open recording.
func (m *Manager) HandleScreenshot(identity, dataURL string) {
	op, ok := m.state.LookupOperator(identity)
	if !ok || op.Recording == nil || !op.Recording.Active() {
		return
	}
	op.Recording.SaveScreenshot(dataURL)
}

// StateMessage renders the operator-visible state of op.
func (m *Manager) StateMessage(op *session.OperatorState) protocol.RunState {
	msg := protocol.RunState{
		Type:      protocol.TypeState,
		Running:   op.Running,
		ActionLog: op.Log.Entries(),
	}
	if op.RunID != "" {
		id := op.RunID
		msg.SessionID = &id
	}
	if op.Goal != "" {
		goal := op.Goal
		msg.Goal = &goal
	}
	if !op.StartedAt.IsZero() {
		ms := op.StartedAt.UnixMilli()
		msg.StartedAt = &ms
	}
	return msg
}

// Status is the per-identity view served over HTTP.
type Status struct {
	Bot                   string  `json:"bot"`
	Running               bool    `json:"running"`
	SessionID             *string `json:"sessionId"`
	Goal                  *string `json:"goal"`
	StartedAt             *int64  `json:"startedAt"`
	LogCount              int     `json:"logCount"`
	AgentServiceConnected bool    `json:"agentServiceConnected"`
}

// Status returns identity's run status, creating an idle state if needed.
func (m *Manager) Status(identity string) Status {
	op := m.state.EnsureOperator(identity)
	s := m.StateMessage(op)
	return Status{
		Bot:                   identity,
		Running:               s.Running,
		SessionID:             s.SessionID,
		Goal:                  s.Goal,
		StartedAt:             s.StartedAt,
		LogCount:              op.Log.Len(),
		AgentServiceConnected: m.upstream.Connected(),
	}
}

// Log returns identity's log entries, creating an idle state if needed.
func (m *Manager) Log(identity string) []protocol.LogEntry {
	return m.state.EnsureOperator(identity).Log.Entries()
}

// StopRecordings ends every open recording and returns how many were open.
// In-memory run state is left as is.
func (m *Manager) StopRecordings() int {
	n := 0
	for _, op := range m.state.Operators {
		if op.Recording != nil && op.Recording.Active() {
			op.Recording.Stop()
			n++
		}
	}
	return n
}

func (m *Manager) appendLog(op *session.OperatorState, kind protocol.LogKind, content string) protocol.LogEntry {
	e := protocol.LogEntry{Timestamp: m.now().UnixMilli(), Kind: kind, Content: content}
	op.Log.Append(e)
	m.broadcast(op, protocol.NewLogAppended(e))
	if op.Recording != nil && op.Recording.Active() {
		op.Recording.LogEvent(e)
	}
	return e
}

func (m *Manager) stopRecording(op *session.OperatorState) {
	if op.Recording != nil && op.Recording.Active() {
		op.Recording.Stop()
	}
}

func (m *Manager) screenshotFunc(identity string) func() {
	if m.shoot == nil {
		return nil
	}
	return func() { m.shoot(identity) }
}

func (m *Manager) broadcast(op *session.OperatorState, msg any) {
	for _, c := range op.Conns {
		m.unicast(c, msg)
	}
}

func (m *Manager) unicast(conn session.Conn, msg any) {
	if d := conn.Send(msg); d != session.Delivered {
		m.logger.Debug("delivery failed", "conn_id", conn.ID(), "delivery", d.String())
	}
}
