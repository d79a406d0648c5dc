// Package monitor is the live TUI dashboard over the sync core: current
// sync state, queued mutations, and the reconciler's visible objects.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/qoda/internal/models"
	"github.com/marcus/qoda/internal/queue"
	"github.com/marcus/qoda/internal/reconcile"
	"github.com/marcus/qoda/internal/status"
	"github.com/marcus/qoda/internal/version"
)

type stateMsg models.SyncState

type tickMsg time.Time

type flushDoneMsg bool

// Model is the bubbletea model for the sync monitor.
type Model struct {
	stat  *status.Coordinator
	q     *queue.Queue
	rec   *reconcile.Reconciler
	spin  spinner.Model
	state models.SyncState

	states   chan models.SyncState
	unsub    func()
	interval time.Duration
	version  string

	flushing  bool
	lastFlush string
	update    string
	width     int
	height    int
}

// NewModel builds the monitor. rec may be nil when no view is attached.
func NewModel(stat *status.Coordinator, q *queue.Queue, rec *reconcile.Reconciler, interval time.Duration, version string) *Model {
	if interval < 500*time.Millisecond {
		interval = 2 * time.Second
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)

	m := &Model{
		stat:     stat,
		q:        q,
		rec:      rec,
		spin:     sp,
		state:    stat.State(),
		states:   make(chan models.SyncState, 16),
		interval: interval,
		version:  version,
	}
	m.unsub = stat.Subscribe(func(s models.SyncState) {
		select {
		case m.states <- s:
		default: // drop rather than block the write path
		}
	})
	return m
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.waitForState(), m.tick(), version.CheckAsync(m.version))
}

func (m *Model) waitForState() tea.Cmd {
	return func() tea.Msg {
		return stateMsg(<-m.states)
	}
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.unsub != nil {
				m.unsub()
			}
			return m, tea.Quit
		case "f":
			if m.flushing {
				return m, nil
			}
			m.flushing = true
			return m, func() tea.Msg {
				return flushDoneMsg(m.q.Flush(context.Background()))
			}
		}
		return m, nil

	case stateMsg:
		m.state = models.SyncState(msg)
		return m, m.waitForState()

	case flushDoneMsg:
		m.flushing = false
		if bool(msg) {
			m.lastFlush = "queue drained"
			m.stat.QueueDrained()
		} else {
			m.lastFlush = fmt.Sprintf("%d record(s) retained", m.q.Len())
		}
		return m, nil

	case version.UpdateAvailableMsg:
		m.update = fmt.Sprintf("update available: %s (%s)", msg.LatestVersion, msg.UpdateCommand)
		return m, nil

	case tickMsg:
		return m, m.tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) View() string {
	var b strings.Builder

	header := titleStyle.Render("qoda sync") + "  " + renderState(m.state)
	if m.state == models.SyncSaving || m.flushing {
		header += " " + m.spin.View()
	}
	if m.version != "" {
		header += "  " + subtleStyle.Render(m.version)
	}
	b.WriteString(header + "\n\n")

	b.WriteString(m.queuePanel() + "\n")
	if m.rec != nil {
		b.WriteString(m.objectsPanel() + "\n")
	}

	help := "f flush  q quit"
	if m.lastFlush != "" {
		help += "  •  " + m.lastFlush
	}
	b.WriteString(helpStyle.Render(help))
	if m.update != "" {
		b.WriteString("\n" + subtleStyle.Render(m.update))
	}
	return b.String()
}

func (m *Model) queuePanel() string {
	records := m.q.Records()
	var rows []string
	if len(records) == 0 {
		rows = append(rows, subtleStyle.Render("no pending mutations"))
	}
	for i, rec := range records {
		age := time.Since(rec.EnqueuedAt).Round(time.Second)
		rows = append(rows, fmt.Sprintf("%2d  %-6s  %-40s  %s", i+1, rec.Type, trim(rec.Path, 40), subtleStyle.Render(age.String())))
	}
	title := panelTitleStyle.Render(fmt.Sprintf(" Queue (%d) ", len(records)))
	return panelStyle.Render(title + "\n" + strings.Join(rows, "\n"))
}

func (m *Model) objectsPanel() string {
	objects := m.rec.Objects()
	var rows []string
	if len(objects) == 0 {
		rows = append(rows, subtleStyle.Render("no visible objects"))
	}
	for _, obj := range objects {
		shared := " "
		if obj.Shared {
			shared = "*"
		}
		rows = append(rows, fmt.Sprintf("%s %-12s  (%.0f,%.0f) %vx%v  %s",
			shared, trim(obj.ID, 12), obj.Position.X, obj.Position.Y, obj.Size.W, obj.Size.H, trim(obj.Content, 36)))
	}
	title := panelTitleStyle.Render(fmt.Sprintf(" Objects (%d) ", len(objects)))
	return panelStyle.Render(title + "\n" + strings.Join(rows, "\n"))
}

func trim(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 1 {
		return s[:max]
	}
	return s[:max-1] + "…"
}
