// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureMod records everything handed to the sink.
type captureMod struct {
	types    [][]byte
	symbols  [][]byte
	lines    []capturedLines
	contribs []capturedContrib
	publics  []capturedPublic
}

type capturedLines struct {
	fname    string
	segment  int
	segOff   uint32
	length   uint32
	lineBase int
	entries  []LineInfoEntry
}

type capturedContrib struct {
	segment       int
	offset, size  uint32
	flags         uint32
}

type capturedPublic struct {
	name    string
	segment int
	offset  uint32
	typ     int
}

func (m *captureMod) AddTypes(blob []byte) error   { m.types = append(m.types, blob); return nil }
func (m *captureMod) AddSymbols(blob []byte) error { m.symbols = append(m.symbols, blob); return nil }

func (m *captureMod) AddLines(fname string, segment int, segOff, length uint32, lineBase int, entries []LineInfoEntry) error {
	cp := make([]LineInfoEntry, len(entries))
	copy(cp, entries)
	m.lines = append(m.lines, capturedLines{fname, segment, segOff, length, lineBase, cp})
	return nil
}

func (m *captureMod) AddSecContrib(segment int, offset, size, flags uint32) error {
	m.contribs = append(m.contribs, capturedContrib{segment, offset, size, flags})
	return nil
}

func (m *captureMod) AddPublic(name string, segment int, offset uint32, typ int) error {
	m.publics = append(m.publics, capturedPublic{name, segment, offset, typ})
	return nil
}

func (m *captureMod) Close() error { return nil }

// lineImage builds an in-memory image carrying only a .debug_line payload
// and a text section at RVA 0x1000.
func lineImage(debugLine []byte) *PEImage {
	img := NewBytes(nil, nil)
	img.NtHeader.OptionalHeader = ImageOptionalHeader32{
		Magic:     ImageNtOptionalHeader32Magic,
		ImageBase: 0x400000,
	}
	img.Sections = []ImageSectionHeader{
		{VirtualAddress: 0x1000, VirtualSize: 0x1000},
	}
	copy(img.Sections[0].Name[:], ".text")
	img.CodeSegment = 0
	img.DebugLine = PESlice{Data: debugLine}
	return img
}

// lineProgram assembles a DWARF 2 line program with one file table entry.
func lineProgram(t *testing.T, file string, ops []byte) []byte {
	t.Helper()

	var hdr []byte
	hdr = append(hdr, 2, 0)          // version
	hdr = append(hdr, 0, 0, 0, 0)    // header_length (unused by the VM)
	hdr = append(hdr, 1)             // minimum_instruction_length
	hdr = append(hdr, 1)             // default_is_stmt
	hdr = append(hdr, 0xfb)          // line_base -5
	hdr = append(hdr, 14)            // line_range
	hdr = append(hdr, 13)            // opcode_base
	hdr = append(hdr, []byte{0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1}[:12]...)
	hdr = append(hdr, 0)             // empty include dirs
	hdr = append(hdr, file...)       // file table
	hdr = append(hdr, 0, 0, 0, 0)    // name NUL, dir, mtime, length
	hdr = append(hdr, 0)             // file table terminator

	body := append(hdr, ops...)
	unit := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(unit, uint32(len(body)))
	copy(unit[4:], body)
	return unit
}

func setAddressOp(addr uint32) []byte {
	op := []byte{0, 5, DW_LNE_set_address}
	return binary.LittleEndian.AppendUint32(op, addr)
}

func TestLineReconstructorBasicProgram(t *testing.T) {
	var ops []byte
	ops = append(ops, setAddressOp(0x401000)...)
	ops = append(ops, DW_LNS_copy)
	ops = append(ops, DW_LNS_advance_pc, 4)
	ops = append(ops, DW_LNS_advance_line, 1)
	ops = append(ops, DW_LNS_copy)
	ops = append(ops, 0, 1, DW_LNE_end_sequence)

	img := lineImage(lineProgram(t, "test.d", ops))
	mod := &captureMod{}
	lr := NewLineReconstructor(img, mod, 0)
	require.NoError(t, lr.Run())

	require.Len(t, mod.lines, 1)
	got := mod.lines[0]
	assert.Equal(t, "test.d", got.fname)
	assert.Equal(t, 1, got.segment)
	assert.Equal(t, uint32(0), got.segOff)
	assert.Equal(t, uint32(5), got.length)
	assert.Equal(t, 1, got.lineBase)
	assert.Equal(t, []LineInfoEntry{{Offset: 0, Line: 0}, {Offset: 4, Line: 1}}, got.entries)
}

func TestLineReconstructorSpecialOpcodes(t *testing.T) {
	// opcode_base 13, line_base -5, line_range 14:
	// special (13 + (2-(-5)) + 0*14) advances line by 2, addr by 0
	var ops []byte
	ops = append(ops, setAddressOp(0x401010)...)
	ops = append(ops, DW_LNS_copy)
	ops = append(ops, 13+7+1*14) // addr +1, line +2
	ops = append(ops, 0, 1, DW_LNE_end_sequence)

	img := lineImage(lineProgram(t, "s.d", ops))
	mod := &captureMod{}
	require.NoError(t, NewLineReconstructor(img, mod, 0).Run())

	require.Len(t, mod.lines, 1)
	assert.Equal(t, []LineInfoEntry{{Offset: 0, Line: 0}, {Offset: 1, Line: 2}},
		mod.lines[0].entries)
	assert.Equal(t, uint32(0x10), mod.lines[0].segOff)
}

func TestLineReconstructorAddressZeroReusesLast(t *testing.T) {
	var ops []byte
	ops = append(ops, setAddressOp(0x401020)...)
	ops = append(ops, DW_LNS_copy)
	ops = append(ops, 0, 1, DW_LNE_end_sequence)
	// second sequence with address 0 reuses 0x401020
	ops = append(ops, setAddressOp(0)...)
	ops = append(ops, DW_LNS_advance_line, 5)
	ops = append(ops, DW_LNS_copy)
	ops = append(ops, 0, 1, DW_LNE_end_sequence)

	img := lineImage(lineProgram(t, "z.d", ops))
	mod := &captureMod{}
	require.NoError(t, NewLineReconstructor(img, mod, 0).Run())

	require.Len(t, mod.lines, 2)
	assert.Equal(t, uint32(0x20), mod.lines[0].segOff)
	assert.Equal(t, uint32(0x20), mod.lines[1].segOff)
	assert.Equal(t, 6, mod.lines[1].lineBase)
}

func TestLineReconstructorBackwardAddressFlushes(t *testing.T) {
	var ops []byte
	ops = append(ops, setAddressOp(0x401040)...)
	ops = append(ops, DW_LNS_copy)
	// move backward: a new batch must start
	ops = append(ops, setAddressOp(0x401030)...)
	ops = append(ops, DW_LNS_copy)
	ops = append(ops, 0, 1, DW_LNE_end_sequence)

	img := lineImage(lineProgram(t, "b.d", ops))
	mod := &captureMod{}
	require.NoError(t, NewLineReconstructor(img, mod, 0).Run())

	require.Len(t, mod.lines, 2)
	assert.Equal(t, uint32(0x40), mod.lines[0].segOff)
	assert.Equal(t, uint32(0x30), mod.lines[1].segOff)
}

func TestLineReconstructorMonotonicBatches(t *testing.T) {
	// within a flushed batch, offsets are non-decreasing and lines stay in
	// [base, base+0xffff]
	var ops []byte
	ops = append(ops, setAddressOp(0x401000)...)
	ops = append(ops, DW_LNS_copy)
	ops = append(ops, DW_LNS_advance_pc, 2)
	ops = append(ops, DW_LNS_advance_line, 10)
	ops = append(ops, DW_LNS_copy)
	ops = append(ops, DW_LNS_advance_pc, 2)
	// line goes below the batch base: flush
	ops = append(ops, DW_LNS_advance_line, 0x75) // sleb -11
	ops = append(ops, DW_LNS_copy)
	ops = append(ops, 0, 1, DW_LNE_end_sequence)

	img := lineImage(lineProgram(t, "m.d", ops))
	mod := &captureMod{}
	require.NoError(t, NewLineReconstructor(img, mod, 0).Run())

	require.Len(t, mod.lines, 2)
	for _, batch := range mod.lines {
		last := uint32(0)
		for _, e := range batch.entries {
			assert.GreaterOrEqual(t, e.Offset, last)
			last = e.Offset
		}
	}
}
