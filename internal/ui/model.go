// ABOUTME: Bubbletea model for the player TUI
// ABOUTME: Address entry, connect/disconnect/quit keys and session status display
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/jonect/jonect-go/internal/app"
)

const historySize = 5

// Commander is the part of the coordinator the UI drives
type Commander interface {
	Connect(addr string) error
	Disconnect() error
}

// StatusMsg carries one coordinator status into the program
type StatusMsg struct {
	Status app.Status
}

// statusesClosedMsg means the coordinator has stopped
type statusesClosedMsg struct{}

type commandErrMsg struct {
	err error
}

// Model represents the TUI state
type Model struct {
	commander Commander
	statuses  <-chan app.Status

	input textinput.Model

	// Session
	state      app.State
	status     string
	statusKind app.StatusKind
	server     string
	stream     string
	history    []string
	lastErr    string

	// Dimensions
	width  int
	height int
}

// NewModel creates a model with the address field pre-filled
func NewModel(commander Commander, statuses <-chan app.Status, address string) Model {
	input := textinput.New()
	input.Placeholder = "192.168.1.10 or host:port"
	input.CharLimit = 253
	input.Width = 40
	input.SetValue(address)
	input.Focus()

	return Model{
		commander: commander,
		statuses:  statuses,
		input:     input,
		state:     app.Idle,
		status:    "Disconnected",
	}
}

// Init starts the cursor blink and the status subscription
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForStatus(m.statuses))
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case StatusMsg:
		m.applyStatus(msg.Status)
		return m, waitForStatus(m.statuses)

	case statusesClosedMsg:
		return m, tea.Quit

	case commandErrMsg:
		m.lastErr = msg.err.Error()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// canConnect reports whether a connect request would be accepted
func (m Model) canConnect() bool {
	return m.state == app.Idle || m.state == app.Errored
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit

	case "enter":
		addr := strings.TrimSpace(m.input.Value())
		if !m.canConnect() || addr == "" {
			return m, nil
		}
		m.lastErr = ""
		return m, connectCmd(m.commander, addr)

	case "ctrl+d":
		if m.canConnect() {
			return m, nil
		}
		return m, disconnectCmd(m.commander)
	}

	if !m.input.Focused() {
		switch msg.String() {
		case "q":
			return m, tea.Quit
		case "d":
			return m, disconnectCmd(m.commander)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// applyStatus updates the model from a coordinator status. The address
// field is only editable while a connect would be accepted.
func (m *Model) applyStatus(st app.Status) {
	m.state = st.State
	m.status = st.Text
	m.statusKind = st.Kind

	switch st.Kind {
	case app.StatusServerInfo:
		m.server = st.Text
	case app.StatusAudioStarted:
		m.stream = st.Text
	case app.StatusAudioStreamError, app.StatusDisconnected, app.StatusConnectionError:
		m.stream = ""
	}
	if st.Kind == app.StatusDisconnected || st.Kind == app.StatusConnectionError {
		m.server = ""
	}

	m.history = append(m.history, st.Text)
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}

	if m.canConnect() {
		m.input.Focus()
	} else {
		m.input.Blur()
	}
}

// View renders the TUI
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Jonect Player"))
	b.WriteString("\n\n")
	b.WriteString(labelStyle.Render("Server") + m.input.View() + "\n")
	b.WriteString(labelStyle.Render("State") + m.renderState() + "\n")
	b.WriteString(labelStyle.Render("Status") + m.renderStatus() + "\n")
	if m.server != "" {
		b.WriteString(labelStyle.Render("Info") + truncate(m.server, 50) + "\n")
	}
	if m.stream != "" {
		b.WriteString(labelStyle.Render("Audio") + truncate(m.stream, 50) + "\n")
	}
	if m.lastErr != "" {
		b.WriteString(errStyle.Render(m.lastErr) + "\n")
	}

	if len(m.history) > 0 {
		b.WriteString("\n")
		for _, line := range m.history {
			b.WriteString(mutedStyle.Render("  "+truncate(line, 56)) + "\n")
		}
	}

	b.WriteString("\n" + helpStyle.Render(m.help()))

	return frameStyle.Render(b.String()) + "\n"
}

func (m Model) renderState() string {
	text := m.state.String()
	switch m.state {
	case app.Connected, app.AudioActive:
		return okStyle.Render(text)
	case app.Errored:
		return errStyle.Render(text)
	case app.Connecting, app.Disconnecting:
		return busyStyle.Render(text)
	default:
		return mutedStyle.Render(text)
	}
}

func (m Model) renderStatus() string {
	switch m.statusKind {
	case app.StatusConnectionError, app.StatusAudioStreamError:
		return errStyle.Render(m.status)
	default:
		return m.status
	}
}

func (m Model) help() string {
	if m.canConnect() {
		return "enter:Connect  ctrl+c:Quit"
	}
	return "d:Disconnect  q:Quit"
}

func waitForStatus(statuses <-chan app.Status) tea.Cmd {
	return func() tea.Msg {
		st, ok := <-statuses
		if !ok {
			return statusesClosedMsg{}
		}
		return StatusMsg{Status: st}
	}
}

func connectCmd(c Commander, addr string) tea.Cmd {
	return func() tea.Msg {
		if err := c.Connect(addr); err != nil {
			return commandErrMsg{err: fmt.Errorf("connect: %w", err)}
		}
		return nil
	}
}

func disconnectCmd(c Commander) tea.Cmd {
	return func() tea.Msg {
		if err := c.Disconnect(); err != nil {
			return commandErrMsg{err: fmt.Errorf("disconnect: %w", err)}
		}
		return nil
	}
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
