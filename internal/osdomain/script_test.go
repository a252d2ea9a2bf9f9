package osdomain

import "testing"

type stubScript struct {
	consoleLines []string
	started      []int
	ended        []int
}

func (s *stubScript) OnConsoleLine(cpu int, line string) { s.consoleLines = append(s.consoleLines, line) }
func (s *stubScript) OnAppStart(cpu int)                 { s.started = append(s.started, cpu) }
func (s *stubScript) OnAppEnd(cpu int)                   { s.ended = append(s.ended, cpu) }

type stubScriptWithMagic struct {
	stubScript
	magicVotes []uint64
}

func (s *stubScriptWithMagic) OnMagic(cpu int, rax uint64) int {
	s.magicVotes = append(s.magicVotes, rax)
	return 0
}

func TestAttachScriptWiresLifecycleAndConsole(t *testing.T) {
	d := newTestDomain(t, 1)
	s := &stubScript{}
	d.AttachScript(s)

	fake(d, 0).FireMagic(magicAppStartVal)
	fake(d, 0).FireMagic(magicAppEndVal)

	if len(s.started) != 1 || s.started[0] != 0 {
		t.Errorf("OnAppStart calls = %v, want [0]", s.started)
	}
	if len(s.ended) != 1 || s.ended[0] != 0 {
		t.Errorf("OnAppEnd calls = %v, want [0]", s.ended)
	}

	for _, c := range []byte("ok\n") {
		fake(d, 0).FireMagic(magicConsoleVal | uint64(c))
	}
	if len(s.consoleLines) != 1 || s.consoleLines[0] != "ok" {
		t.Errorf("console lines = %v, want [\"ok\"]", s.consoleLines)
	}
}

func TestAttachScriptOptionalMagicObserver(t *testing.T) {
	d := newTestDomain(t, 1)
	s := &stubScriptWithMagic{}
	d.AttachScript(s)

	fake(d, 0).FireMagic(0x12345678)
	if len(s.magicVotes) != 1 || s.magicVotes[0] != 0x12345678 {
		t.Errorf("magic votes = %v, want [0x12345678]", s.magicVotes)
	}
}

func TestAttachScriptWithoutMagicObserverIsSkipped(t *testing.T) {
	d := newTestDomain(t, 1)
	s := &stubScript{}
	d.AttachScript(s)

	// Must not panic for an engine that does not implement magicObserver.
	fake(d, 0).FireMagic(0x12345678)
}
