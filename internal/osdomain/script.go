package osdomain

// ScriptEngine is the subset of qscript.Engine the Domain drives directly:
// a console-line tap and application start/end hooks. Declared locally
// (rather than importing internal/qscript) so osdomain has no dependency on
// the scripting package; qscript.Engine satisfies this interface
// structurally.
type ScriptEngine interface {
	OnConsoleLine(cpu int, line string)
	OnAppStart(cpu int)
	OnAppEnd(cpu int)
}

// magicObserver is satisfied by scripting engines that also want a vote in
// every magic-instruction dispatch (qscript.Engine.OnMagic); it is optional,
// detected with a type assertion, since most uses only need console and
// lifecycle hooks.
type magicObserver interface {
	OnMagic(cpu int, rax uint64) int
}

// AttachScript wires engine's hooks into the Domain: per-CPU console lines,
// the application start/end magic markers, and, if engine implements
// OnMagic, every dispatched magic instruction. The Domain does not take
// ownership of engine's lifecycle; callers Close it themselves.
func (d *Domain) AttachScript(engine ScriptEngine) {
	d.AddConsoleLineListener(engine.OnConsoleLine)
	d.AddStartListener(func(cpu int) { engine.OnAppStart(cpu) })
	d.AddEndListener(func(cpu int) { engine.OnAppEnd(cpu) })
	if m, ok := engine.(magicObserver); ok {
		d.AddMagicListener(func(cpu int, rax uint64) int { return m.OnMagic(cpu, rax) })
	}
}
