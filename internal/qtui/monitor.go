// Package qtui implements a live terminal monitor over a running Domain:
// a per-CPU state table, a scrolling console pane, and a status footer,
// built on bubbletea/bubbles/lipgloss.
package qtui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/qsimhost/qsim/internal/osdomain"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("4")).Padding(0, 1)
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	runningCell = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	haltedCell  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// tickMsg requests another poll of the Domain's snapshot.
type tickMsg time.Time

// consoleLineMsg carries one guest console line into the model.
type consoleLineMsg struct {
	cpu  int
	line string
}

// Monitor is the bubbletea model behind the --monitor flag of `qsim boot`
// and `qsim restore`.
type Monitor struct {
	domain   *osdomain.Domain
	interval time.Duration

	table    table.Model
	console  viewport.Model
	lines    []string
	maxLines int

	width, height int
	started       time.Time
}

// New constructs a Monitor polling domain every interval. It registers a
// console line listener on domain so console output flows into the TUI
// through the bubbletea message loop rather than being written directly
// from the Domain's own goroutine.
func New(domain *osdomain.Domain, interval time.Duration) *Monitor {
	columns := []table.Column{
		{Title: "CPU", Width: 4},
		{Title: "State", Width: 8},
		{Title: "TID", Width: 6},
		{Title: "Mode", Width: 5},
		{Title: "Prot", Width: 5},
		{Title: "RIP", Width: 18},
		{Title: "IPI Q", Width: 6},
	}
	t := table.New(table.WithColumns(columns), table.WithFocused(false), table.WithHeight(domain.NumCPUs()+1))

	m := &Monitor{
		domain:   domain,
		interval: interval,
		table:    t,
		console:  viewport.New(80, 10),
		maxLines: 500,
		started:  time.Now(),
	}
	return m
}

// ConsoleLineListener returns the callback to register with
// Domain.AddConsoleLineListener before the monitor's Program starts, so
// guest output reaches the TUI as a tea.Msg instead of racing stdout.
func (m *Monitor) ConsoleLineListener(program *tea.Program) func(cpu int, line string) {
	return func(cpu int, line string) {
		program.Send(consoleLineMsg{cpu: cpu, line: line})
	}
}

func (m *Monitor) Init() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.console.Width = msg.Width - 2
		m.console.Height = msg.Height - m.domain.NumCPUs() - 8

	case consoleLineMsg:
		m.lines = append(m.lines, fmt.Sprintf("[cpu%d] %s", msg.cpu, strings.TrimRight(msg.line, "\n")))
		if len(m.lines) > m.maxLines {
			m.lines = m.lines[len(m.lines)-m.maxLines:]
		}
		m.console.SetContent(strings.Join(m.lines, "\n"))
		m.console.GotoBottom()

	case tickMsg:
		m.refreshTable()
		return m, tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
	}

	var cmd tea.Cmd
	m.console, cmd = m.console.Update(msg)
	return m, cmd
}

func (m *Monitor) refreshTable() {
	snap := m.domain.Snapshot()
	rows := make([]table.Row, 0, len(snap.CPUs))
	for _, cpu := range snap.CPUs {
		state := "halted"
		if cpu.Running {
			state = "running"
			if cpu.Idle {
				state = "idle"
			}
		}
		mode := "real"
		if cpu.Mode == osdomain.ModeProt {
			mode = "prot"
		}
		prot := "kern"
		if cpu.Prot == osdomain.ProtUser {
			prot = "user"
		}
		rows = append(rows, table.Row{
			fmt.Sprintf("%d", cpu.ID),
			state,
			fmt.Sprintf("%d", cpu.TID),
			mode,
			prot,
			fmt.Sprintf("0x%016x", cpu.RIP),
			fmt.Sprintf("%d", cpu.Pending),
		})
	}
	m.table.SetRows(rows)
}

func (m *Monitor) View() string {
	snap := m.domain.Snapshot()
	header := headerStyle.Render(fmt.Sprintf(" qsim monitor — %d cpu, %d MiB ram — uptime %s ",
		snap.NCPUs, snap.RAMMB, time.Since(m.started).Round(time.Second)))

	footer := footerStyle.Render("q: quit")

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.table.View(),
		m.console.View(),
		footer,
	)
}

// Run starts the bubbletea program and blocks until the user quits.
func Run(domain *osdomain.Domain, interval time.Duration) error {
	m := New(domain, interval)
	p := tea.NewProgram(m, tea.WithAltScreen())
	domain.AddConsoleLineListener(m.ConsoleLineListener(p))
	_, err := p.Run()
	return err
}
