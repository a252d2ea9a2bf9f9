package qscript

import (
	"path/filepath"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func TestLuaEngineInvokesDefinedHandlers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.lua")
	writeFile(t, path, `
		last_line = nil
		started = -1
		ended = -1
		function on_console_line(cpu, line) last_line = cpu .. ":" .. line end
		function on_app_start(cpu) started = cpu end
		function on_app_end(cpu) ended = cpu end
		function on_magic(cpu, rax) return 9 end
	`)

	e, err := newLuaEngine(path)
	if err != nil {
		t.Fatalf("newLuaEngine: %v", err)
	}
	defer e.Close()

	e.OnConsoleLine(0, "hello")
	e.OnAppStart(1)
	e.OnAppEnd(2)
	if got := e.OnMagic(0, 0x1234); got != 9 {
		t.Errorf("OnMagic() = %d, want 9", got)
	}

	le := e.(*luaEngine)
	if got := le.L.GetGlobal("last_line"); got.String() != "0:hello" {
		t.Errorf("last_line = %q, want %q", got.String(), "0:hello")
	}
	if got := le.L.GetGlobal("started"); got != lua.LNumber(1) {
		t.Errorf("started = %v, want 1", got)
	}
	if got := le.L.GetGlobal("ended"); got != lua.LNumber(2) {
		t.Errorf("ended = %v, want 2", got)
	}
}

func TestLuaEngineToleratesMissingHandlers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.lua")
	writeFile(t, path, "x = 1")

	e, err := newLuaEngine(path)
	if err != nil {
		t.Fatalf("newLuaEngine: %v", err)
	}
	defer e.Close()

	e.OnConsoleLine(0, "ignored")
	e.OnAppStart(0)
	e.OnAppEnd(0)
	if got := e.OnMagic(0, 0); got != 0 {
		t.Errorf("OnMagic() with no handler = %d, want 0", got)
	}
}

func TestNewLuaEngineRejectsSyntaxError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.lua")
	writeFile(t, path, "function (((")

	if _, err := newLuaEngine(path); err == nil {
		t.Fatal("newLuaEngine on malformed script: expected error, got nil")
	}
}
