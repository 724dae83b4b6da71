// Package tui renders a live dashboard of pipeline run state.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/checkpoint"
)

// Snapshot is everything the dashboard shows at one instant.
type Snapshot struct {
	States    []*checkpoint.RunState
	HardStops map[string]int64 // pipeline -> parked envelopes
}

// Source produces snapshots.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// TickMsg triggers a poll of the source
type TickMsg time.Time

type snapshotMsg struct {
	snap Snapshot
	err  error
	at   time.Time
}

// Model is the dashboard model
type Model struct {
	source   Source
	interval time.Duration
	width    int
	height   int
	selected int
	bar      progress.Model

	snap     Snapshot
	err      error
	lastPoll time.Time
}

// New returns a dashboard polling source every interval.
func New(source Source, interval time.Duration) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return Model{
		source:   source,
		interval: interval,
		width:    100,
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(24)),
	}
}

func (m Model) Init() tea.Cmd {
	return m.pollCmd()
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) pollCmd() tea.Cmd {
	source := m.source
	timeout := m.interval
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		snap, err := source.Snapshot(ctx)
		return snapshotMsg{snap: snap, err: err, at: time.Now()}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(m.snap.States)-1 {
				m.selected++
			}
		case "r":
			return m, m.pollCmd()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		return m, m.pollCmd()

	case snapshotMsg:
		m.lastPoll = msg.at
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			if m.selected >= len(m.snap.States) {
				m.selected = max(0, len(m.snap.States)-1)
			}
		}
		return m, m.tickCmd()
	}
	return m, nil
}

const rowFormat = "%-14s %-8s %-12s %12s %10s %8s %6s  %s"

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(styleTitle.Render("Bankruptcy dataflows"))
	b.WriteString("\n")

	b.WriteString(styleHeader.Render(fmt.Sprintf(rowFormat,
		"PIPELINE", "VARIANT", "STATUS", "PROCESSED", "CHILDREN", "ERRORS", "HALTED", "PROGRESS")))
	b.WriteString("\n")

	if len(m.snap.States) == 0 {
		b.WriteString(styleMuted.Render("no pipelines configured"))
		b.WriteString("\n")
	}
	for i, st := range m.snap.States {
		line := m.renderRow(st)
		if i == m.selected {
			line = styleSelected.Render(line)
		} else {
			line = styleRow.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if m.selected < len(m.snap.States) {
		b.WriteString("\n")
		b.WriteString(styleDetail.Render(m.renderDetail(m.snap.States[m.selected])))
		b.WriteString("\n")
	}

	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(styleError.Render("poll failed: " + m.err.Error()))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.statusBarView())
	return b.String()
}

func (m Model) renderRow(st *checkpoint.RunState) string {
	processed := fmt.Sprintf("%d", st.ProcessedCount)
	if st.TotalCount > 0 {
		processed = fmt.Sprintf("%d/%d", st.ProcessedCount, st.TotalCount)
	}
	pct, known := Percent(st)
	bar := styleMuted.Render("n/a")
	if known {
		bar = m.bar.ViewAs(pct)
	}
	status := statusStyle(st.Status).Render(fmt.Sprintf("%-12s", st.Status))
	return fmt.Sprintf("%-14s %-8s %s %12s %10d %8d %6d  %s",
		st.Pipeline, st.Variant, status, processed,
		st.SecondaryProcessedCount, st.ErrorCount, m.snap.HardStops[st.Pipeline], bar)
}

func (m Model) renderDetail(st *checkpoint.RunState) string {
	lines := []string{
		fmt.Sprintf("run       %s (%s, v%d)", st.ID, st.DocumentType, st.Version),
		fmt.Sprintf("cursor    %s", orDash(st.Cursor)),
	}
	if st.PendingCursor != "" {
		lines = append(lines, fmt.Sprintf("pending   %s", st.PendingCursor))
	}
	if st.TotalPartitions > 0 {
		lines = append(lines, fmt.Sprintf("batches   %d/%d committed", len(st.CompletedPartitions), st.TotalPartitions))
	}
	if !st.StartedAt.IsZero() {
		lines = append(lines, fmt.Sprintf("started   %s", st.StartedAt.Local().Format("2006-01-02 15:04:05")))
	}
	if !st.LastUpdatedAt.IsZero() {
		lines = append(lines, fmt.Sprintf("updated   %s ago", time.Since(st.LastUpdatedAt).Round(time.Second)))
	}
	if st.LastError != "" {
		lines = append(lines, styleError.Render("error     "+st.LastError))
	}
	return strings.Join(lines, "\n")
}

func (m Model) statusBarView() string {
	w := lipgloss.Width

	name := styleStatusName.Render("dataflows")
	count := styleStatusText.Render(fmt.Sprintf("%d pipelines", len(m.snap.States)))

	var halted int64
	for _, n := range m.snap.HardStops {
		halted += n
	}
	health := styleStatusOK.Render("no hard-stops")
	if halted > 0 {
		health = styleStatusBad.Render(fmt.Sprintf("%d hard-stops", halted))
	}

	polled := "waiting for first poll"
	if !m.lastPoll.IsZero() {
		polled = "polled " + m.lastPoll.Format("15:04:05")
	}
	help := styleStatusText.Render(polled + "  r refresh  q quit")

	used := w(name) + w(count) + w(help) + w(health)
	spacer := styleStatusBar.Width(max(0, m.width-used)).Render("")
	return lipgloss.JoinHorizontal(lipgloss.Top, name, count, help, spacer, health)
}

// Percent returns the completed fraction of a run and whether it is known.
// Cursor runs have no total until they complete.
func Percent(st *checkpoint.RunState) (float64, bool) {
	switch {
	case st.Status == checkpoint.StatusCompleted:
		return 1, true
	case st.TotalCount > 0:
		return min(1, float64(st.ProcessedCount+st.ErrorCount)/float64(st.TotalCount)), true
	case st.TotalPartitions > 0:
		return float64(len(st.CompletedPartitions)) / float64(st.TotalPartitions), true
	}
	return 0, false
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Run starts the dashboard and blocks until the user quits.
func Run(source Source, interval time.Duration) error {
	p := tea.NewProgram(New(source, interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return err
	}
	return nil
}
