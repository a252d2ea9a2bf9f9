package qtui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/qsimhost/qsim/internal/emulator"
	"github.com/qsimhost/qsim/internal/osdomain"
)

func newTestDomain(t *testing.T, n uint16) *osdomain.Domain {
	t.Helper()
	d, err := osdomain.New(emulator.NewFakeFactory(), n, "", 8)
	if err != nil {
		t.Fatalf("osdomain.New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestNewBindsDomainAndDefaultLineLimit(t *testing.T) {
	d := newTestDomain(t, 3)
	m := New(d, time.Second)
	if m.domain != d {
		t.Error("Monitor.domain not set to the constructing Domain")
	}
	if m.maxLines != 500 {
		t.Errorf("maxLines = %d, want 500", m.maxLines)
	}
}

func TestUpdateQuitsOnQ(t *testing.T) {
	d := newTestDomain(t, 1)
	m := New(d, time.Hour)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("Update on 'q' key: expected a tea.Cmd, got nil")
	}
	if msg := cmd(); msg != tea.Quit() {
		t.Errorf("Update on 'q' key issued %#v, want tea.Quit", msg)
	}
}

func TestUpdateWindowSizeResizesConsole(t *testing.T) {
	d := newTestDomain(t, 1)
	m := New(d, time.Hour)

	model, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	mm := model.(*Monitor)
	if mm.width != 100 || mm.height != 40 {
		t.Errorf("width,height = %d,%d, want 100,40", mm.width, mm.height)
	}
	if mm.console.Width != 98 {
		t.Errorf("console.Width = %d, want 98", mm.console.Width)
	}
}

func TestUpdateConsoleLineAppendsAndTrims(t *testing.T) {
	d := newTestDomain(t, 1)
	m := New(d, time.Hour)
	m.maxLines = 2

	model, _ := m.Update(consoleLineMsg{cpu: 0, line: "first\n"})
	model, _ = model.(*Monitor).Update(consoleLineMsg{cpu: 0, line: "second"})
	model, _ = model.(*Monitor).Update(consoleLineMsg{cpu: 1, line: "third"})
	mm := model.(*Monitor)

	if len(mm.lines) != 2 {
		t.Fatalf("lines = %v, want 2 entries after trimming to maxLines", mm.lines)
	}
	if mm.lines[0] != "[cpu0] second" || mm.lines[1] != "[cpu1] third" {
		t.Errorf("lines = %v, want [\"[cpu0] second\" \"[cpu1] third\"]", mm.lines)
	}
}

func TestRefreshTableReflectsDomainSnapshot(t *testing.T) {
	d := newTestDomain(t, 2)
	m := New(d, time.Hour)

	m.refreshTable()
	if got := len(m.table.Rows()); got != 2 {
		t.Fatalf("table rows = %d, want 2", got)
	}
	if row := m.table.Rows()[0]; row[1] != "running" {
		t.Errorf("cpu0 state = %q, want running", row[1])
	}
	if row := m.table.Rows()[1]; row[1] != "halted" {
		t.Errorf("cpu1 state = %q, want halted", row[1])
	}
}

func TestViewIncludesHeaderAndFooter(t *testing.T) {
	d := newTestDomain(t, 1)
	m := New(d, time.Hour)

	out := m.View()
	if !strings.Contains(out, "qsim monitor") {
		t.Errorf("View() missing header text: %q", out)
	}
	if !strings.Contains(out, "q: quit") {
		t.Errorf("View() missing footer text: %q", out)
	}
}

func TestInitReturnsTickCommand(t *testing.T) {
	d := newTestDomain(t, 1)
	m := New(d, time.Millisecond)

	cmd := m.Init()
	if cmd == nil {
		t.Fatal("Init() returned nil command")
	}
	msg := cmd()
	if _, ok := msg.(tickMsg); !ok {
		t.Errorf("Init() command produced %T, want tickMsg", msg)
	}
}
