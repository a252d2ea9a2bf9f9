package qscript

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// luaEngine runs a Lua script through gopher-lua. The script may define any
// of on_console_line(cpu, line), on_app_start(cpu), on_app_end(cpu),
// on_magic(cpu, rax) -> number; absent handlers are no-ops.
type luaEngine struct {
	mu sync.Mutex
	L  *lua.LState
}

func newLuaEngine(path string) (Engine, error) {
	L := lua.NewState()
	if err := L.DoFile(path); err != nil {
		L.Close()
		return nil, fmt.Errorf("qscript: run %s: %w", path, err)
	}
	return &luaEngine{L: L}, nil
}

func (e *luaEngine) callIfDefined(name string, args ...lua.LValue) (lua.LValue, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fn := e.L.GetGlobal(name)
	if fn == lua.LNil {
		return lua.LNil, false
	}
	if err := e.L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, args...); err != nil {
		return lua.LNil, false
	}
	ret := e.L.Get(-1)
	e.L.Pop(1)
	return ret, true
}

func (e *luaEngine) OnConsoleLine(cpu int, line string) {
	e.callIfDefined("on_console_line", lua.LNumber(cpu), lua.LString(line))
}

func (e *luaEngine) OnAppStart(cpu int) {
	e.callIfDefined("on_app_start", lua.LNumber(cpu))
}

func (e *luaEngine) OnAppEnd(cpu int) {
	e.callIfDefined("on_app_end", lua.LNumber(cpu))
}

func (e *luaEngine) OnMagic(cpu int, rax uint64) int {
	ret, ok := e.callIfDefined("on_magic", lua.LNumber(cpu), lua.LNumber(rax))
	if !ok {
		return 0
	}
	if n, ok := ret.(lua.LNumber); ok {
		return int(n)
	}
	return 0
}

func (e *luaEngine) Close() error {
	e.L.Close()
	return nil
}
