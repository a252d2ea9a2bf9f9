// Package qui provides ANSI colorization helpers for CLI output: a
// disable-switch and truecolor-escape-code shape reduced to the
// console/event fields this simulator actually prints (no disassembly —
// there is nothing here for a syntax-aware lexer to tokenize).
package qui

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// IsDisabled reports whether color output should be suppressed: NO_COLOR
// is set, or stdout is not a terminal.
func IsDisabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return true
	}
	return !term.IsTerminal(int(os.Stdout.Fd()))
}

func wrap(code, s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[%sm%s\033[0m", code, s)
}

// Addr formats a guest address in amber.
func Addr(addr uint64) string {
	return wrap("38;2;255;200;0", fmt.Sprintf("%016x", addr))
}

// CPU formats a CPU id tag in cyan.
func CPU(id int) string {
	return wrap("38;2;100;220;255", fmt.Sprintf("cpu%d", id))
}

// Magic formats a magic-instruction kind label in pink.
func Magic(kind string) string {
	return wrap("38;2;255;180;200", kind)
}

// Console formats a guest console line in white.
func Console(line string) string {
	return wrap("38;2;255;255;255", line)
}

// Warn formats a warning in error pink.
func Warn(s string) string {
	return wrap("38;2;255;128;192", s)
}

// Good formats a success message in green.
func Good(s string) string {
	return wrap("38;2;120;220;120", s)
}
