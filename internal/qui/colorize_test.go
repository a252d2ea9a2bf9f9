package qui

import (
	"os"
	"testing"
)

// withNoColor forces wrap() to be the identity function for the duration of
// the test, so format assertions don't depend on whether the test runner's
// stdout happens to be a terminal.
func withNoColor(t *testing.T) {
	t.Helper()
	old, hadOld := os.LookupEnv("NO_COLOR")
	os.Setenv("NO_COLOR", "1")
	t.Cleanup(func() {
		if hadOld {
			os.Setenv("NO_COLOR", old)
		} else {
			os.Unsetenv("NO_COLOR")
		}
	})
}

func TestIsDisabledHonorsNoColor(t *testing.T) {
	withNoColor(t)
	if !IsDisabled() {
		t.Error("IsDisabled() with NO_COLOR set = false, want true")
	}
}

func TestWrapPassesThroughWhenDisabled(t *testing.T) {
	withNoColor(t)
	if got := wrap("38;2;255;0;0", "plain"); got != "plain" {
		t.Errorf("wrap() with color disabled = %q, want %q", got, "plain")
	}
}

func TestAddrFormatsSixteenHexDigits(t *testing.T) {
	withNoColor(t)
	if got := Addr(0xDEADBEEF); got != "00000000deadbeef" {
		t.Errorf("Addr(0xDEADBEEF) = %q, want %q", got, "00000000deadbeef")
	}
}

func TestCPUFormatsIDTag(t *testing.T) {
	withNoColor(t)
	if got := CPU(3); got != "cpu3" {
		t.Errorf("CPU(3) = %q, want %q", got, "cpu3")
	}
}

func TestMagicFormatsLabel(t *testing.T) {
	withNoColor(t)
	if got := Magic("ipi"); got != "ipi" {
		t.Errorf("Magic(\"ipi\") = %q, want %q", got, "ipi")
	}
}

func TestConsoleFormatsLine(t *testing.T) {
	withNoColor(t)
	if got := Console("boot ok"); got != "boot ok" {
		t.Errorf("Console() = %q, want %q", got, "boot ok")
	}
}

func TestWarnAndGoodFormatMessages(t *testing.T) {
	withNoColor(t)
	if got := Warn("uh oh"); got != "uh oh" {
		t.Errorf("Warn() = %q, want %q", got, "uh oh")
	}
	if got := Good("done"); got != "done" {
		t.Errorf("Good() = %q, want %q", got, "done")
	}
}
