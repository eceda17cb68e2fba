// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

import (
	"encoding/binary"
)

// UDTEntry is one emitted user-defined-type symbol.
type UDTEntry struct {
	Type int
	Name string
}

// UDTTable collects the user-defined-type symbols emitted during
// translation, keyed both by output type index and by name. At most one
// UDT symbol exists per output type; repeated insertion is idempotent on
// the first name.
type UDTTable struct {
	entries []UDTEntry
	byType  map[int]int
	byName  map[string]int
}

// NewUDTTable returns an empty table.
func NewUDTTable() *UDTTable {
	return &UDTTable{
		byType: make(map[int]int),
		byName: make(map[string]int),
	}
}

// Add records a UDT symbol for the given output type. A duplicate type id
// is a no-op; a later differing name for the same type is ignored.
func (t *UDTTable) Add(typ int, name string) bool {
	if _, dup := t.byType[typ]; dup {
		return false
	}
	t.entries = append(t.entries, UDTEntry{Type: typ, Name: name})
	t.byType[typ] = len(t.entries) - 1
	if _, taken := t.byName[name]; !taken {
		t.byName[name] = len(t.entries) - 1
	}
	return true
}

// FindByType returns the canonical record for an output type id.
func (t *UDTTable) FindByType(typ int) (UDTEntry, bool) {
	if i, ok := t.byType[typ]; ok {
		return t.entries[i], true
	}
	return UDTEntry{}, false
}

// FindByName returns the canonical record for a name.
func (t *UDTTable) FindByName(name string) (UDTEntry, bool) {
	if i, ok := t.byName[name]; ok {
		return t.entries[i], true
	}
	return UDTEntry{}, false
}

// Len returns the number of recorded UDT symbols.
func (t *UDTTable) Len() int { return len(t.entries) }

// Marshal flushes the table as a single symbol blob of S_UDT records in
// insertion order.
func (t *UDTTable) Marshal(cfg *Config) []byte {
	var buf []byte
	for _, e := range t.entries {
		buf = appendUDTSymbol(buf, e.Type, e.Name, cfg)
	}
	return buf
}

// appendUDTSymbol appends one S_UDT record to buf.
func appendUDTSymbol(buf []byte, typ int, name string, cfg *Config) []byte {
	id := uint16(S_UDT_V2)
	style := NamePascal
	if cfg.V3 {
		id = S_UDT_V3
		style = NameZero
	}
	start := len(buf)
	buf = append(buf, 0, 0) // length, patched below
	buf = binary.LittleEndian.AppendUint16(buf, id)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(typ))
	buf = CopyName(buf, []byte(name), style, cfg.DotReplacementChar)
	binary.LittleEndian.PutUint16(buf[start:], uint16(len(buf)-start-2))
	return buf
}
