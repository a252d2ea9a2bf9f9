package qscript

import (
	"fmt"
	"os"
	"sync"

	"github.com/dop251/goja"
)

// jsEngine runs a JavaScript script through goja. The script may define any
// of the global functions onConsoleLine(cpu, line), onAppStart(cpu),
// onAppEnd(cpu), onMagic(cpu, rax) -> number; absent handlers are no-ops.
type jsEngine struct {
	mu sync.Mutex
	vm *goja.Runtime

	onConsoleLine goja.Callable
	onAppStart    goja.Callable
	onAppEnd      goja.Callable
	onMagic       goja.Callable
}

func newJSEngine(path string) (Engine, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("qscript: read %s: %w", path, err)
	}

	vm := goja.New()
	if _, err := vm.RunScript(path, string(src)); err != nil {
		return nil, fmt.Errorf("qscript: run %s: %w", path, err)
	}

	e := &jsEngine{vm: vm}
	e.onConsoleLine, _ = goja.AssertFunction(vm.Get("onConsoleLine"))
	e.onAppStart, _ = goja.AssertFunction(vm.Get("onAppStart"))
	e.onAppEnd, _ = goja.AssertFunction(vm.Get("onAppEnd"))
	e.onMagic, _ = goja.AssertFunction(vm.Get("onMagic"))
	return e, nil
}

func (e *jsEngine) OnConsoleLine(cpu int, line string) {
	if e.onConsoleLine == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConsoleLine(goja.Undefined(), e.vm.ToValue(cpu), e.vm.ToValue(line))
}

func (e *jsEngine) OnAppStart(cpu int) {
	if e.onAppStart == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onAppStart(goja.Undefined(), e.vm.ToValue(cpu))
}

func (e *jsEngine) OnAppEnd(cpu int) {
	if e.onAppEnd == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onAppEnd(goja.Undefined(), e.vm.ToValue(cpu))
}

func (e *jsEngine) OnMagic(cpu int, rax uint64) int {
	if e.onMagic == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := e.onMagic(goja.Undefined(), e.vm.ToValue(cpu), e.vm.ToValue(rax))
	if err != nil {
		return 0
	}
	return int(v.ToInteger())
}

func (e *jsEngine) Close() error { return nil }
