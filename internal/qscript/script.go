// Package qscript embeds a guest-observable scripting layer: a script file
// receives console lines and application start/end notifications and may
// react to them (logging, assertions, driving a checkpoint). Two engines
// are supported, dispatched on file extension, both present in the
// dependency surface the rest of this module draws on: goja for
// JavaScript, gopher-lua for Lua.
package qscript

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Engine is what internal/osdomain.AttachScript drives. Implementations
// must tolerate being called from the Domain's execution goroutine and
// should not block.
type Engine interface {
	OnConsoleLine(cpu int, line string)
	OnAppStart(cpu int)
	OnAppEnd(cpu int)
	OnMagic(cpu int, rax uint64) int
	Close() error
}

// Load reads path and returns the Engine appropriate for its extension:
// .js for JavaScript (goja), .lua for Lua (gopher-lua).
func Load(path string) (Engine, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".js":
		return newJSEngine(path)
	case ".lua":
		return newLuaEngine(path)
	default:
		return nil, fmt.Errorf("qscript: unrecognized script extension for %s (want .js or .lua)", path)
	}
}
