// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

import "github.com/rainers/cv2pdb/log"

// MaxNameLen caps the length of a name read from the COFF string table.
// Longer names are cut at that length.
const MaxNameLen = 4096

// Config carries the knobs that the original tool kept in module-level
// globals. It is threaded through constructors and never changes mid-run.
type Config struct {
	// DVersion is the source language version gate. Zero selects foreign
	// (C) mode: no D typedefs, no OEM lowering of D containers.
	DVersion float64

	// DotReplacementChar substitutes '.' in emitted names so debuggers that
	// parse dotted names as scope operators are not confused.
	DotReplacementChar byte

	// DemangleSymbols enables demangling of D-mangled symbol names into
	// their dotted qualified form.
	DemangleSymbols bool

	// UseTypedefEnum emits typedefs as empty enums instead of modifier
	// records, for debugger visualization.
	UseTypedefEnum bool

	// V3 selects zero-terminated (v3) record names; false selects
	// pascal-prefixed (v2) names.
	V3 bool

	// MethodListToOneMethod rewrites single-entry method lists as
	// one-method records.
	MethodListToOneMethod bool

	// RemoveMethodLists drops method entries whose lists cannot be
	// compacted.
	RemoveMethodLists bool

	// ThisIsNotRef emits a separate const pointer type for "this" so that a
	// reference to a class renders as a plain pointer.
	ThisIsNotRef bool

	// UseGlobalMod funnels every translation unit into a single "__Globals"
	// module.
	UseGlobalMod bool

	// Debug enables trace output per pipeline stage.
	Debug DebugLevel

	// Logger receives diagnostics. A nil logger is replaced with a stderr
	// logger filtered to errors.
	Logger log.Logger
}

// DefaultConfig returns the converter defaults used by the CLI.
func DefaultConfig() Config {
	return Config{
		DVersion:              2.072,
		DotReplacementChar:    '@',
		DemangleSymbols:       true,
		V3:                    true,
		MethodListToOneMethod: true,
		RemoveMethodLists:     true,
		ThisIsNotRef:          true,
		UseGlobalMod:          true,
	}
}
