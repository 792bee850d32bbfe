package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// feedItem is one line in the live activity feed, adapted from
// internal/tui.ActivityFeed's item shape but sourced from dashboard SSE
// events rather than in-process engine callbacks.
type feedItem struct {
	at      time.Time
	kind    string
	message string
}

const maxFeedItems = 12

// model is borgtop's bubbletea model: a periodic /api/status snapshot for
// the task-count table, plus a rolling feed of whatever the dashboard's
// SSE stream reports (task/phase/chat/log events), styled the way
// internal/tui/activity.go styles its own feed. There is no write path:
// every field here is populated from GET requests or the event stream.
type model struct {
	client *dashboardClient

	connected bool
	lastErr   string
	snap      statusSnapshot
	feed      []feedItem
	events    <-chan sseEvent
	since     time.Time

	width, height int
}

type statusMsg statusSnapshot
type statusErrMsg struct{ err error }
type streamReadyMsg struct{ ch <-chan sseEvent }
type streamErrMsg struct{ err error }
type streamEventMsg sseEvent
type streamClosedMsg struct{}
type tickMsg time.Time

func newModel(client *dashboardClient) model {
	return model{client: client, since: time.Now()}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.pollStatus(), m.connectStream(), tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) pollStatus() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
		defer cancel()
		snap, err := client.FetchStatus(ctx)
		if err != nil {
			return statusErrMsg{err}
		}
		return statusMsg(snap)
	}
}

func (m model) connectStream() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ch, err := client.Stream(context.Background())
		if err != nil {
			return streamErrMsg{err}
		}
		return streamReadyMsg{ch}
	}
}

// waitForEvent returns a command that blocks on the stream channel for one
// event, re-armed after every receive — the standard bubbletea pattern for
// draining an external channel without polling it on every Update call.
func waitForEvent(ch <-chan sseEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return streamEventMsg(ev)
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.pollStatus(), tickCmd())

	case statusMsg:
		m.snap = statusSnapshot(msg)
		m.connected = true
		m.lastErr = ""
		return m, nil

	case statusErrMsg:
		m.lastErr = msg.err.Error()
		return m, nil

	case streamReadyMsg:
		m.events = msg.ch
		m.connected = true
		return m, waitForEvent(msg.ch)

	case streamErrMsg:
		m.connected = false
		m.lastErr = msg.err.Error()
		return m, delayedReconnect()

	case streamClosedMsg:
		m.connected = false
		return m, delayedReconnect()

	case reconnectMsg:
		return m, m.connectStream()

	case streamEventMsg:
		m.pushFeed(sseEvent(msg))
		return m, waitForEvent(m.events)
	}
	return m, nil
}

type reconnectMsg struct{}

func delayedReconnect() tea.Cmd {
	return tea.Tick(2*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })
}

func (m *model) pushFeed(ev sseEvent) {
	line := summarizeEvent(ev)
	if line == "" {
		return
	}
	m.feed = append(m.feed, feedItem{at: time.Now(), kind: ev.Kind, message: line})
	if len(m.feed) > maxFeedItems {
		m.feed = m.feed[len(m.feed)-maxFeedItems:]
	}
}

// summarizeEvent renders a one-line summary per topic kind. Unrecognized
// kinds still show up with their raw payload so a new topic doesn't go
// silently unobserved.
func summarizeEvent(ev sseEvent) string {
	switch ev.Kind {
	case "task.state_changed":
		var p struct{ TaskID, RepoID, OldStatus, NewStatus string }
		if decodeInto(ev.Payload, &p) {
			return fmt.Sprintf("task %s: %s -> %s", shortID(p.TaskID), p.OldStatus, p.NewStatus)
		}
	case "task.created":
		var p struct{ TaskID, Title string }
		if decodeInto(ev.Payload, &p) {
			return fmt.Sprintf("task %s created", shortID(p.TaskID))
		}
	case "task.completed":
		var p struct{ TaskID string }
		if decodeInto(ev.Payload, &p) {
			return fmt.Sprintf("task %s completed", shortID(p.TaskID))
		}
	case "task.failed":
		var p struct{ TaskID string }
		if decodeInto(ev.Payload, &p) {
			return fmt.Sprintf("task %s failed", shortID(p.TaskID))
		}
	case "phase.started":
		var p struct {
			TaskID  string
			Phase   string
			Attempt int
		}
		if decodeInto(ev.Payload, &p) {
			return fmt.Sprintf("task %s phase %s started (attempt %d)", shortID(p.TaskID), p.Phase, p.Attempt)
		}
	case "phase.completed":
		var p struct {
			TaskID   string
			Phase    string
			Success  bool
			ExitCode int
		}
		if decodeInto(ev.Payload, &p) {
			status := "ok"
			if !p.Success {
				status = fmt.Sprintf("failed (exit %d)", p.ExitCode)
			}
			return fmt.Sprintf("task %s phase %s %s", shortID(p.TaskID), p.Phase, status)
		}
	case "log.line":
		var p struct {
			Level   string
			Message string
		}
		if decodeInto(ev.Payload, &p) {
			return fmt.Sprintf("[%s] %s", p.Level, p.Message)
		}
	case "chat.message":
		var p struct{ ChatKey, Text, Direction string }
		if decodeInto(ev.Payload, &p) {
			return fmt.Sprintf("chat %s %s: %s", p.ChatKey, p.Direction, truncate(p.Text, 60))
		}
	}
	return ev.Kind
}

func decodeInto(raw []byte, v any) bool {
	return json.Unmarshal(raw, v) == nil
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("108"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	feedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
)

func (m model) View() string {
	var b strings.Builder

	connLabel := okStyle.Render("connected")
	if !m.connected {
		connLabel = errStyle.Render("disconnected")
	}
	b.WriteString(headerStyle.Render("borgtop") + "  " + connLabel)
	b.WriteString(fmt.Sprintf("  uptime %s\n\n", time.Since(m.since).Truncate(time.Second)))

	b.WriteString(headerStyle.Render("Tasks by status") + "\n")
	if len(m.snap.TasksByStatus) == 0 {
		b.WriteString(dimStyle.Render("  (no data yet)") + "\n")
	} else {
		statuses := make([]string, 0, len(m.snap.TasksByStatus))
		for s := range m.snap.TasksByStatus {
			statuses = append(statuses, s)
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			b.WriteString(fmt.Sprintf("  %-16s %d\n", s, m.snap.TasksByStatus[s]))
		}
	}
	b.WriteString(fmt.Sprintf("  repos: %d   total events: %d\n\n", m.snap.Repos, m.snap.TotalEvents))

	b.WriteString(headerStyle.Render("Activity") + "\n")
	if len(m.feed) == 0 {
		b.WriteString(dimStyle.Render("  (waiting for events)") + "\n")
	} else {
		for _, it := range m.feed {
			ts := it.at.Format("15:04:05")
			b.WriteString(feedStyle.Render(fmt.Sprintf("  %s  %s", ts, it.message)) + "\n")
		}
	}

	if m.lastErr != "" {
		b.WriteString("\n" + errStyle.Render("last error: "+m.lastErr) + "\n")
	}

	b.WriteString("\n" + dimStyle.Render("q to quit") + "\n")
	return b.String()
}
