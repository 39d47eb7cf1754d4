package watch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/ocrbridge/internal/events"
)

// Model is the BubbleTea model for the watch view.
type Model struct {
	// Remote mode.
	ctx    context.Context
	apiURL string
	apiKey string

	// quitOnDone ends the program when the event source closes.
	quitOnDone bool

	width int

	state     State
	connected bool
	lastError string

	spinner spinner.Model
	bar     progress.Model
	theme   Theme

	feed chan events.Event
	src  <-chan events.Event
}

func newModel() Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return Model{
		spinner: sp,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		theme:   NewDefaultTheme(),
	}
}

// NewLocal watches an in-process event channel, e.g. one returned by
// events.Hub.Subscribe. The program exits when ch is closed.
func NewLocal(ch <-chan events.Event) Model {
	m := newModel()
	m.src = ch
	m.connected = true
	m.quitOnDone = true
	return m
}

// NewRemote watches the /events stream of a running server.
func NewRemote(ctx context.Context, apiURL, apiKey string) Model {
	m := newModel()
	m.ctx = ctx
	m.apiURL = strings.TrimSuffix(apiURL, "/")
	m.apiKey = apiKey
	m.feed = make(chan events.Event, 128)
	m.src = m.feed
	return m
}

// State returns the folded state, e.g. for a final summary.
func (m Model) State() State { return m.state }

func (m Model) remote() bool { return m.feed != nil }

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick, receiveNextEvent(m.src)}
	if m.remote() {
		cmds = append(cmds,
			subscribe(m.ctx, m.apiURL, m.apiKey, m.feed),
			func() tea.Msg { return fetchHealth(m.apiURL) },
		)
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		if w := msg.Width - 30; w > 10 {
			m.bar.Width = min(w, 60)
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		m.state.Apply(events.Event(msg))
		m.connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.src)

	case doneMsg:
		if m.quitOnDone {
			return m, tea.Quit
		}

	case healthMsg:
		if m.state.WorkerID == "" {
			m.state.WorkerID = msg.WorkerID
		}
		if m.state.WorkerState == "" {
			m.state.WorkerState = msg.State
		}
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return fetchHealth(m.apiURL) })

	case sseDisconnectedMsg:
		m.connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribe(m.ctx, m.apiURL, m.apiKey, m.feed)

	case errMsg:
		m.lastError = msg.Error()
		if m.remote() {
			return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return fetchHealth(m.apiURL) })
		}
	}
	return m, nil
}

func (m Model) View() string {
	t := m.theme
	st := m.state

	var header strings.Builder
	header.WriteString(t.Title.Render("ocrbridge"))
	if st.WorkerID != "" {
		header.WriteString(" " + st.WorkerID)
	}
	header.WriteString("  ")
	state := orDash(st.WorkerState)
	if st.WorkerState != "ready" && st.WorkerState != "failed" && st.WorkerState != "terminated" {
		header.WriteString(m.spinner.View())
	}
	header.WriteString(t.stateStyle(st.WorkerState).Render(state))
	if len(st.Langs) > 0 {
		header.WriteString(t.Dim.Render("  [" + strings.Join(st.Langs, "+") + "]"))
	}
	if m.remote() && !m.connected {
		header.WriteString(t.StatusFailed.Render("  offline"))
	}

	var jobs []string
	if len(st.Bars) == 0 {
		jobs = append(jobs, t.Dim.Render("Waiting for jobs..."))
	}
	for _, b := range st.Bars {
		label := b.Status
		if b.Job != "" {
			label = b.Job + " " + label
		}
		jobs = append(jobs, fmt.Sprintf("%-28s %s", truncate(label, 28), m.bar.ViewAs(b.Progress)))
	}

	parts := []string{
		header.String(),
		t.Border.Render(strings.Join(jobs, "\n")),
	}
	if len(st.Log) > 0 {
		parts = append(parts, t.Dim.Render(strings.Join(st.Log, "\n")))
	}
	if m.lastError != "" {
		parts = append(parts, t.StatusFailed.Render("! "+m.lastError))
	}
	parts = append(parts, t.Help.Render("[q] quit"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
