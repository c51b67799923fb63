// Package tui is the terminal monitor for the FieldSync daemon. It
// renders connectivity, queue depth, and live sync progress from the
// daemon's WebSocket feed, and can trigger a manual sync.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fieldledger/fieldsync/internal/api"
	"github.com/fieldledger/fieldsync/internal/netmon"
	"github.com/fieldledger/fieldsync/internal/status"
	"github.com/fieldledger/fieldsync/internal/syncer"
)

type feedEventMsg api.WSEvent

type feedErrMsg struct{ err error }

type statusMsg struct {
	resp api.StatusResponse
	dead int
	err  error
}

type syncDoneMsg struct {
	res syncer.Result
	err error
}

type pollMsg struct{}

// Model is the Bubble Tea model for the monitor.
type Model struct {
	feed   *Feed
	client *Client

	spinner  spinner.Model
	progress progress.Model

	network   netmon.Status
	sync      status.SyncStatus
	queueSize int
	deadCount int
	connected bool
	lastSync  *syncer.Result
	lastErr   error

	width  int
	height int
}

// NewModel creates the monitor model. Run the feed before starting the
// program; the model only consumes its channels.
func NewModel(feed *Feed, client *Client) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(accentColor)

	pr := progress.New(progress.WithDefaultGradient())

	return Model{
		feed:     feed,
		client:   client,
		spinner:  sp,
		progress: pr,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.waitForFeed(),
		m.pollStatus(),
		pollTick(),
	)
}

func (m Model) waitForFeed() tea.Cmd {
	return func() tea.Msg {
		select {
		case ev := <-m.feed.Events():
			return feedEventMsg(ev)
		case err := <-m.feed.Errs():
			return feedErrMsg{err: err}
		}
	}
}

func (m Model) pollStatus() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		resp, err := m.client.Status(ctx)
		if err != nil {
			return statusMsg{err: err}
		}
		dead, err := m.client.DeadLetterCount(ctx)
		if err != nil {
			return statusMsg{resp: resp, err: err}
		}
		return statusMsg{resp: resp, dead: dead}
	}
}

func (m Model) triggerSync() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		res, err := m.client.TriggerSync(ctx)
		return syncDoneMsg{res: res, err: err}
	}
}

func pollTick() tea.Cmd {
	return tea.Tick(2*time.Second, func(time.Time) tea.Msg {
		return pollMsg{}
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "s":
			if !m.sync.Syncing {
				return m, m.triggerSync()
			}
		case "r":
			return m, m.pollStatus()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = m.width - 20

	case feedEventMsg:
		m.connected = true
		switch msg.Type {
		case "sync":
			if msg.Sync != nil {
				m.sync = *msg.Sync
			}
		case "network":
			if msg.Network != nil {
				m.network = *msg.Network
			}
		}
		return m, m.waitForFeed()

	case feedErrMsg:
		m.connected = false
		m.lastErr = msg.err
		return m, m.waitForFeed()

	case statusMsg:
		if msg.err != nil {
			m.lastErr = msg.err
		} else {
			m.connected = true
			m.lastErr = nil
			m.network = msg.resp.Network
			m.queueSize = msg.resp.QueueSize
			m.deadCount = msg.dead
		}

	case syncDoneMsg:
		if msg.err != nil {
			m.lastErr = msg.err
		} else {
			res := msg.res
			m.lastSync = &res
			m.lastErr = nil
		}
		return m, m.pollStatus()

	case pollMsg:
		return m, tea.Batch(m.pollStatus(), pollTick())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) View() string {
	header := headerStyle.Width(max(m.width, 40)).Render("FieldSync Monitor")

	var sb strings.Builder

	sb.WriteString(titleStyle.Render("Network"))
	sb.WriteString("\n")
	switch {
	case !m.connected:
		sb.WriteString(errStyle.Render("daemon unreachable"))
	case m.network.WasOffline:
		sb.WriteString(pulseStyle.Render("● RECONNECTED"))
	case m.network.Online:
		sb.WriteString(onlineStyle.Render("● ONLINE"))
	default:
		sb.WriteString(offlineStyle.Render("● OFFLINE"))
	}
	sb.WriteString("\n\n")

	sb.WriteString(titleStyle.Render("Queue"))
	sb.WriteString("\n")
	sb.WriteString(labelStyle.Render("pending: "))
	sb.WriteString(valueStyle.Render(fmt.Sprintf("%d", m.queueSize)))
	sb.WriteString("\n")
	sb.WriteString(labelStyle.Render("abandoned: "))
	if m.deadCount > 0 {
		sb.WriteString(errStyle.Render(fmt.Sprintf("%d", m.deadCount)))
	} else {
		sb.WriteString(valueStyle.Render("0"))
	}
	sb.WriteString("\n\n")

	sb.WriteString(titleStyle.Render("Sync"))
	sb.WriteString("\n")
	if m.sync.Syncing {
		sb.WriteString(m.spinner.View())
		sb.WriteString(valueStyle.Render(fmt.Sprintf(" replaying %d/%d", m.sync.Progress, m.sync.Total)))
		sb.WriteString("\n")
		if m.sync.Total > 0 {
			sb.WriteString(m.progress.ViewAs(float64(m.sync.Progress) / float64(m.sync.Total)))
			sb.WriteString("\n")
		}
		if m.sync.Current != nil {
			sb.WriteString(labelStyle.Render(fmt.Sprintf("%s %s", m.sync.Current.Method, m.sync.Current.URL)))
			sb.WriteString("\n")
		}
	} else {
		sb.WriteString(labelStyle.Render("idle"))
		sb.WriteString("\n")
		if m.lastSync != nil {
			sb.WriteString(valueStyle.Render(fmt.Sprintf(
				"last pass: %d ok, %d failed of %d",
				m.lastSync.Success, m.lastSync.Failed, m.lastSync.Total)))
			sb.WriteString("\n")
		}
	}

	if m.lastErr != nil {
		sb.WriteString("\n")
		sb.WriteString(errStyle.Render("error: " + m.lastErr.Error()))
		sb.WriteString("\n")
	}

	panel := panelStyle.Width(max(m.width-4, 36)).Render(sb.String())
	footer := footerStyle.Render("  s: sync now │ r: refresh │ q: quit")

	return lipgloss.JoinVertical(lipgloss.Left, header, panel, footer)
}
