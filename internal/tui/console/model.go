// Package console is the terminal operator console: it attaches to one bot
// identity on a gateway, shows the run state and log, and sends commands.
package console

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/amurg-ai/botgate/internal/tui"
	"github.com/amurg-ai/botgate/pkg/protocol"
)

const (
	maxEntries = 200
	maxTodos   = 8
)

// Sender delivers a command to the gateway.
type Sender func(protocol.OperatorFrame) error

// FrameMsg carries one frame received from the gateway.
type FrameMsg []byte

// DisconnectedMsg reports that the gateway connection is gone.
type DisconnectedMsg struct{ Err error }

type sendErrMsg struct{ err error }

type todo struct {
	text string
	done bool
	busy bool
}

var (
	keyQuit   = key.NewBinding(key.WithKeys("ctrl+c", "esc"))
	keySubmit = key.NewBinding(key.WithKeys("enter"))
	keyScroll = key.NewBinding(key.WithKeys("pgup", "pgdown", "up", "down"))
)

// Model is the console's bubbletea model.
type Model struct {
	bot  string
	send Sender

	viewport viewport.Model
	input    textinput.Model

	entries        []protocol.LogEntry
	todos          []todo
	running        bool
	status         string
	goal           string
	sessionID      string
	agentConnected bool

	notice       string
	disconnected bool
	width        int
	height       int
}

// NewModel creates a console for bot that sends commands through send.
func NewModel(bot string, send Sender) Model {
	in := textinput.New()
	in.Prompt = "› "
	in.Placeholder = "message the agent, or /start <goal>"
	in.CharLimit = 4000
	in.Focus()

	m := Model{
		bot:      bot,
		send:     send,
		viewport: viewport.New(80, 20),
		input:    in,
		status:   protocol.StatusIdle,
	}
	m.refresh()
	return m
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = max(10, msg.Width-4)
		m.layout()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keyQuit):
			return m, tea.Quit
		case key.Matches(msg, keySubmit):
			return m.submit()
		case key.Matches(msg, keyScroll):
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case FrameMsg:
		if err := m.apply(msg); err != nil {
			m.notice = err.Error()
		}
		m.layout()
		return m, nil

	case DisconnectedMsg:
		m.disconnected = true
		m.notice = "disconnected from gateway"
		if msg.Err != nil {
			m.notice += ": " + msg.Err.Error()
		}
		return m, nil

	case sendErrMsg:
		m.notice = "send failed: " + msg.err.Error()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	line := m.input.Value()
	m.input.Reset()

	switch strings.TrimSpace(line) {
	case "/quit", "/q":
		return m, tea.Quit
	case "/help":
		m.notice = helpText
		return m, nil
	}

	frame, err := ParseInput(line)
	if errors.Is(err, ErrEmptyInput) {
		return m, nil
	}
	if err != nil {
		m.notice = err.Error()
		return m, nil
	}
	if m.disconnected {
		m.notice = "not connected"
		return m, nil
	}
	m.notice = ""
	send := m.send
	return m, func() tea.Msg {
		if err := send(frame); err != nil {
			return sendErrMsg{err}
		}
		return nil
	}
}

// apply updates the model from one gateway frame.
func (m *Model) apply(data []byte) error {
	typ, err := protocol.ParseType(data)
	if err != nil {
		return err
	}
	switch typ {
	case protocol.TypeState:
		var st protocol.RunState
		if err := json.Unmarshal(data, &st); err != nil {
			return fmt.Errorf("decode state: %w", err)
		}
		m.running = st.Running
		m.goal, m.sessionID = deref(st.Goal), deref(st.SessionID)
		if st.AgentServiceConnected != nil {
			m.agentConnected = *st.AgentServiceConnected
		}
		if st.Running {
			m.status = protocol.StatusRunning
		} else {
			m.status = protocol.StatusIdle
		}
		m.entries = append(m.entries[:0], st.ActionLog...)

	case protocol.TypeLog:
		var l protocol.LogAppended
		if err := json.Unmarshal(data, &l); err != nil {
			return fmt.Errorf("decode log: %w", err)
		}
		m.entries = append(m.entries, l.Entry)
		if len(m.entries) > maxEntries {
			m.entries = m.entries[len(m.entries)-maxEntries:]
		}

	case protocol.TypeStatus:
		var s protocol.RunStatus
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}
		m.status = s.Status
		switch s.Status {
		case protocol.StatusStarting, protocol.StatusRunning:
			m.running = true
			if s.Goal != "" {
				m.goal = s.Goal
			}
		default:
			m.running = false
		}

	case protocol.TypeTodos:
		var t protocol.Todos
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("decode todos: %w", err)
		}
		m.todos = parseTodos(t.Todos)

	case protocol.TypeLogCleared:
		m.entries = m.entries[:0]
	}
	return nil
}

// parseTodos accepts a list of strings or of objects with a text field and
// an optional status.
func parseTodos(raw json.RawMessage) []todo {
	var items []json.RawMessage
	if json.Unmarshal(raw, &items) != nil {
		return nil
	}
	out := make([]todo, 0, len(items))
	for _, item := range items {
		var s string
		if json.Unmarshal(item, &s) == nil {
			out = append(out, todo{text: s})
			continue
		}
		var obj struct {
			Content   string `json:"content"`
			Text      string `json:"text"`
			Title     string `json:"title"`
			Status    string `json:"status"`
			Completed bool   `json:"completed"`
		}
		if json.Unmarshal(item, &obj) != nil {
			continue
		}
		t := todo{text: firstNonEmpty(obj.Content, obj.Text, obj.Title)}
		switch strings.ToLower(obj.Status) {
		case "completed", "done":
			t.done = true
		case "in_progress", "active":
			t.busy = true
		}
		t.done = t.done || obj.Completed
		out = append(out, t)
	}
	return out
}

func (m *Model) layout() {
	if m.width == 0 || m.height == 0 {
		m.refresh()
		return
	}
	// header, input, help and notice lines plus the panel border
	reserved := 6 + min(len(m.todos), maxTodos)
	if len(m.todos) > 0 {
		reserved++
	}
	m.viewport.Width = max(10, m.width-4)
	m.viewport.Height = max(3, m.height-reserved)
	m.refresh()
}

func (m *Model) refresh() {
	lines := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		lines = append(lines, formatEntry(e))
	}
	if len(lines) == 0 {
		lines = append(lines, tui.Dimmed.Render("  no log entries"))
	}
	m.viewport.SetContent(strings.Join(lines, "\n"))
	m.viewport.GotoBottom()
}

func formatEntry(e protocol.LogEntry) string {
	ts := time.UnixMilli(e.Timestamp).Format("15:04:05")
	style := tui.LogKindStyle(e.Kind)
	content := strings.ReplaceAll(e.Content, "\n", "\n"+strings.Repeat(" ", 24))
	return fmt.Sprintf("%s %s %s", tui.Dimmed.Render(ts), style.Render(fmt.Sprintf("%-14s", "["+string(e.Kind)+"]")), style.Render(content))
}

func (m Model) View() string {
	var b strings.Builder

	header := fmt.Sprintf("%s  %s  %s %s  agent service %s",
		tui.Title.Render("botgate console"),
		tui.Subtitle.Render(m.bot),
		tui.RunDot(m.status), m.status,
		tui.ConnText(m.agentConnected))
	b.WriteString(header + "\n")
	if m.goal != "" {
		b.WriteString(tui.Dimmed.Render("goal: ") + m.goal + "\n")
	} else {
		b.WriteString(tui.Dimmed.Render("no goal") + "\n")
	}

	if len(m.todos) > 0 {
		b.WriteString(tui.Subtitle.Render("todo") + "\n")
		for _, t := range m.todos[:min(len(m.todos), maxTodos)] {
			mark := "[ ]"
			switch {
			case t.done:
				mark = tui.Success.Render("[x]")
			case t.busy:
				mark = tui.WarningStyle.Render("[~]")
			}
			b.WriteString(" " + mark + " " + t.text + "\n")
		}
	}

	panel := tui.Panel
	if m.width > 0 {
		panel = panel.Width(m.width - 2)
	}
	b.WriteString(panel.Render(m.viewport.View()) + "\n")
	b.WriteString(m.input.View() + "\n")

	if m.notice != "" {
		style := tui.WarningStyle
		if m.disconnected {
			style = tui.ErrorStyle
		}
		b.WriteString(style.Render(m.notice) + "\n")
	}
	b.WriteString(tui.Help.Render("enter send · pgup/pgdn scroll · /help · esc quit"))
	return lipgloss.NewStyle().MaxWidth(max(m.width, 80)).Render(b.String())
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
