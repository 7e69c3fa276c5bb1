package main

import (
	"fmt"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// watchEventMsg carries one SSE event into the bubbletea loop.
type watchEventMsg map[string]any

type watchDoneMsg struct{ err error }

type watchModel struct {
	itemID   string
	viewport viewport.Model
	lines    []string
	ready    bool
	finished bool
	err      error
	events   chan map[string]any
}

var watchTitleStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

func runQueueWatch(itemID string) error {
	eventCh := make(chan map[string]any, 64)
	api := newAPIClient()
	go func() {
		defer close(eventCh)
		_ = api.stream("GET", "/api/queue/"+itemID+"/stream", nil, func(ev map[string]any) bool {
			eventCh <- ev
			return ev["type"] != "close"
		})
	}()

	model := watchModel{itemID: itemID, events: eventCh}
	_, err := tea.NewProgram(model, tea.WithAltScreen()).Run()
	return err
}

func (m watchModel) Init() tea.Cmd {
	return m.nextEvent()
}

func (m watchModel) nextEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return watchDoneMsg{}
		}
		return watchEventMsg(ev)
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-2)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - 2
		}
		m.refresh()
	case watchEventMsg:
		m.lines = append(m.lines, formatWatchEvent(msg))
		m.refresh()
		if t, _ := msg["type"].(string); t == "close" || t == "done" || t == "error" {
			m.finished = true
		}
		return m, m.nextEvent()
	case watchDoneMsg:
		m.finished = true
		m.err = msg.err
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *watchModel) refresh() {
	if !m.ready {
		return
	}
	content := ""
	for _, line := range m.lines {
		content += line + "\n"
	}
	m.viewport.SetContent(content)
	m.viewport.GotoBottom()
}

func (m watchModel) View() string {
	status := "streaming"
	if m.finished {
		status = "finished (q to quit)"
	}
	header := watchTitleStyle.Render(fmt.Sprintf("queue %s — %s", m.itemID, status))
	if !m.ready {
		return header
	}
	return header + "\n" + m.viewport.View()
}

func formatWatchEvent(ev map[string]any) string {
	switch ev["type"] {
	case "connected":
		return "[connected]"
	case "init":
		return fmt.Sprintf("[init] upstream=%v", ev["upstreamSessionId"])
	case "text":
		if delta, ok := ev["delta"].(string); ok {
			return delta
		}
		return ""
	case "tool_use":
		return fmt.Sprintf("[tool %v denied=%v]", ev["name"], ev["denied"])
	case "done":
		return "[done]"
	case "error":
		return fmt.Sprintf("[error] %v", ev["error"])
	case "close":
		return "[stream closed]"
	default:
		return fmt.Sprintf("[%v]", ev["type"])
	}
}
