// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

import (
	"fmt"
	"os"
	"strings"
)

// lineProgramHeader is the normalized form of the three physical layouts
// (DWARF 2/3, DWARF 4, DWARF 5) of a line number program header.
type lineProgramHeader struct {
	unitLength     uint32
	version        uint16
	headerLength   uint32
	minInstrLength byte
	maxOpsPerInstr byte
	defaultIsStmt  bool
	lineBase       int8
	lineRange      byte
	opcodeBase     byte
}

// DWARFLineFile is one file table entry of a line program.
type DWARFLineFile struct {
	Name     string
	DirIndex int
}

// lineState is the per-program register set of the line number VM plus the
// accumulated batch handed to the sink.
type lineState struct {
	includeDirs []string
	files       []DWARFLineFile
	curFile     DWARFLineFile

	address      uint64
	opIndex      uint32
	file         int
	line         int
	column       int
	isStmt       bool
	basicBlock   bool
	endSequence  bool
	prologueEnd  bool
	epilogueEnd  bool
	isa          uint32
	discriminator uint32

	segOffset uint64
	section   int
	lastAddr  uint64

	lineInfo     []LineInfoEntry
	lineInfoFile int
	lowLine      int
}

func (s *lineState) init(hdr *lineProgramHeader) {
	s.address = 0
	s.opIndex = 0
	s.file = 1
	s.line = 1
	s.column = 0
	s.isStmt = hdr != nil && hdr.defaultIsStmt
	s.basicBlock = false
	s.endSequence = false
	s.prologueEnd = false
	s.epilogueEnd = false
	s.isa = 0
	s.discriminator = 0
}

func (s *lineState) advanceAddr(hdr *lineProgramHeader, operationAdvance int) {
	maxOps := int(hdr.maxOpsPerInstr)
	if maxOps < 1 {
		maxOps = 1
	}
	advance := int(hdr.minInstrLength) * ((int(s.opIndex) + operationAdvance) / maxOps)
	s.address += uint64(advance)
	s.opIndex = uint32((int(s.opIndex) + operationAdvance) % maxOps)
}

// isRelativePath reports whether a file path carries no drive or root.
func isRelativePath(s string) bool {
	if len(s) < 1 {
		return true
	}
	if s[0] == '/' || s[0] == '\\' {
		return false
	}
	if len(s) < 2 {
		return true
	}
	return s[1] != ':'
}

// addTrailingSlash makes sure dirs always end in a trailing slash.
func addTrailingSlash(dir string) string {
	if dir == "" || (dir[len(dir)-1] != '\\' && dir[len(dir)-1] != '/') {
		return dir + "\\"
	}
	return dir
}

// LineReconstructor interprets .debug_line programs and flushes sorted
// per-file line batches to the output module.
type LineReconstructor struct {
	img   *PEImage
	mod   Mod
	debug DebugLevel
}

// NewLineReconstructor returns a reconstructor feeding mod. A nil mod is
// not supported; use a DumpBackend module for inspection.
func NewLineReconstructor(img *PEImage, mod Mod, debug DebugLevel) *LineReconstructor {
	return &LineReconstructor{img: img, mod: mod, debug: debug}
}

// flush emits the accumulated batch: segment index from the PE section
// lookup, file path resolved against the include directories, and a length
// computed from the last row's address, clamped so it never underflows.
func (lr *LineReconstructor) flush(state *lineState) error {
	if len(state.lineInfo) == 0 {
		return nil
	}

	low := uint64(state.lineInfo[0].Offset)
	lastOff := uint64(state.lineInfo[len(state.lineInfo)-1].Offset)

	segIndex := state.section
	if segIndex < 0 {
		segIndex = lr.img.FindSection(low + state.segOffset)
	}
	if segIndex < 0 {
		// Throw away invalid lines (mostly due to "set address to 0").
		state.lineInfo = state.lineInfo[:0]
		return nil
	}

	var dfn *DWARFLineFile
	switch {
	case state.lineInfoFile == 0:
		dfn = &state.curFile
	case state.lineInfoFile > 0 && state.lineInfoFile <= len(state.files):
		dfn = &state.files[state.lineInfoFile-1]
	default:
		return ErrBadLineProgram
	}

	fname := dfn.Name
	if isRelativePath(fname) && dfn.DirIndex > 0 && dfn.DirIndex <= len(state.includeDirs) {
		fname = state.includeDirs[dfn.DirIndex-1] + fname
	}
	fname = strings.ReplaceAll(fname, "/", "\\")

	// Rebase entry offsets onto the batch start.
	entries := make([]LineInfoEntry, len(state.lineInfo))
	for i, e := range state.lineInfo {
		entries[i] = LineInfoEntry{Offset: e.Offset - uint32(low), Line: e.Line}
	}

	// The batch covers through the first byte of its last row; a current
	// address before that is clamped so the length never underflows.
	end := state.address - state.segOffset
	if end < lastOff+1 {
		end = lastOff + 1
	}
	length := uint32(end - low)

	err := lr.mod.AddLines(fname, segIndex+1, uint32(low), length, state.lowLine, entries)
	state.lineInfo = state.lineInfo[:0]
	if err != nil {
		return fmt.Errorf("cannot add line number info to module: %w", err)
	}
	return nil
}

// appendLine registers the current row. The batch is flushed and restarted
// when the file changes, the line goes below the batch base, the line
// delta exceeds 0xFFFF, or the address goes backward.
func (lr *LineReconstructor) appendLine(state *lineState) error {
	// An end_sequence row marks the first byte past the instruction
	// sequence; it closes the batch without adding a row of its own.
	if state.endSequence {
		return lr.flush(state)
	}

	if state.address < state.segOffset {
		return nil
	}
	offset := uint32(state.address - state.segOffset)

	if len(state.lineInfo) > 0 {
		last := state.lineInfo[len(state.lineInfo)-1]
		if state.line < state.lowLine || state.line > state.lowLine+0xffff ||
			offset < last.Offset || state.lineInfoFile != state.file {
			if err := lr.flush(state); err != nil {
				return err
			}
		} else if state.line == state.lowLine+int(last.Line) && offset == last.Offset {
			// No need to add duplicate entries.
			return nil
		}
	}
	if len(state.lineInfo) == 0 {
		state.lowLine = state.line
	}
	state.lineInfo = append(state.lineInfo, LineInfoEntry{
		Offset: offset,
		Line:   uint16(state.line - state.lowLine),
	})
	state.lineInfoFile = state.file
	return nil
}

// Run interprets every line number program in .debug_line.
func (lr *LineReconstructor) Run() error {
	if !lr.img.DebugLine.IsPresent() {
		return ErrNoDebugInfo
	}

	data := lr.img.DebugLine.Data
	for off := 0; off+10 < len(data); {
		hdr, headerEnd, err := decodeLineHeader(data[off:])
		if err != nil {
			return err
		}
		unitEnd := off + 4 + int(hdr.unitLength)
		if unitEnd > len(data) {
			unitEnd = len(data)
		}

		if lr.debug&DbgDwarfLines != 0 {
			fmt.Fprintf(os.Stderr, "line program header offs=%x ver=%d\n", off, hdr.version)
		}

		cur := byteCursor{b: data[:unitEnd], pos: off + headerEnd}

		// Standard opcode argument counts.
		opcodeLengths := make([]uint32, hdr.opcodeBase)
		for o := 1; o < int(hdr.opcodeBase) && !cur.eof; o++ {
			opcodeLengths[o] = uint32(cur.uleb())
		}

		var state lineState
		state.section = -1
		if lr.img.CodeSegment >= 0 {
			state.segOffset = lr.img.imageBase() +
				uint64(lr.img.Sections[lr.img.CodeSegment].VirtualAddress)
		}

		if hdr.version <= 4 {
			lr.decodeTablesV4(&cur, &state)
		} else {
			if err := lr.decodeTablesV5(&cur, &state, off); err != nil {
				return err
			}
		}

		state.init(hdr)
		if err := lr.interpret(&cur, hdr, &state, opcodeLengths); err != nil {
			return err
		}
		if err := lr.flush(&state); err != nil {
			return err
		}

		off += 4 + int(hdr.unitLength)
	}
	return nil
}

// decodeLineHeader normalizes the three physical header layouts.
func decodeLineHeader(b []byte) (*lineProgramHeader, int, error) {
	cur := byteCursor{b: b}
	hdr := &lineProgramHeader{}
	hdr.unitLength = cur.u32()
	if hdr.unitLength == 0xffffffff {
		return nil, 0, ErrBadLineProgram
	}
	hdr.version = cur.u16()
	switch {
	case hdr.version <= 3:
		hdr.headerLength = cur.u32()
		hdr.minInstrLength = cur.u8()
		hdr.maxOpsPerInstr = 1
		hdr.defaultIsStmt = cur.u8() != 0
		hdr.lineBase = int8(cur.u8())
		hdr.lineRange = cur.u8()
		hdr.opcodeBase = cur.u8()
	case hdr.version == 4:
		hdr.headerLength = cur.u32()
		hdr.minInstrLength = cur.u8()
		hdr.maxOpsPerInstr = cur.u8()
		hdr.defaultIsStmt = cur.u8() != 0
		hdr.lineBase = int8(cur.u8())
		hdr.lineRange = cur.u8()
		hdr.opcodeBase = cur.u8()
	default: // version 5
		cur.u8() // address_size
		cur.u8() // segment_selector_size
		hdr.headerLength = cur.u32()
		hdr.minInstrLength = cur.u8()
		hdr.maxOpsPerInstr = cur.u8()
		hdr.defaultIsStmt = cur.u8() != 0
		hdr.lineBase = int8(cur.u8())
		hdr.lineRange = cur.u8()
		hdr.opcodeBase = cur.u8()
	}
	if cur.eof || hdr.lineRange == 0 {
		return nil, 0, ErrBadLineProgram
	}
	return hdr, cur.pos, nil
}

// decodeTablesV4 reads the DWARF 2-4 include directory and file tables.
func (lr *LineReconstructor) decodeTablesV4(cur *byteCursor, state *lineState) {
	// dirs
	for cur.pos < len(cur.b) && cur.b[cur.pos] != 0 {
		state.includeDirs = append(state.includeDirs, addTrailingSlash(cur.cstring()))
	}
	cur.skip(1)

	// files
	for cur.pos < len(cur.b) && cur.b[cur.pos] != 0 {
		var f DWARFLineFile
		f.Name = cur.cstring()
		f.DirIndex = int(cur.uleb())
		cur.uleb() // last modification
		cur.uleb() // file length
		state.files = append(state.files, f)
	}
	cur.skip(1)
}

type dwarfTypeForm struct {
	typ  uint64
	form uint64
}

// decodeTablesV5 reads the DWARF 5 entry-format directory and file tables.
// Directory indices are biased by +1 so the rest of the translator can use
// the v2/v4 convention of "0 means current CU file".
func (lr *LineReconstructor) decodeTablesV5(cur *byteCursor, state *lineState, hdrOff int) error {
	readPath := func(form uint64) (string, error) {
		switch form {
		case DW_FORM_line_strp:
			return stringAt(lr.img.DebugLineStr.Data, cur.u32()), nil
		case DW_FORM_string:
			return cur.cstring(), nil
		default:
			return "", ErrUnsupportedForm
		}
	}

	dirFormatCount := int(cur.u8())
	dirFormats := make([]dwarfTypeForm, 0, dirFormatCount)
	for i := 0; i < dirFormatCount; i++ {
		dirFormats = append(dirFormats, dwarfTypeForm{cur.uleb(), cur.uleb()})
	}
	dirCount := int(cur.uleb())
	for o := 0; o < dirCount; o++ {
		for _, tf := range dirFormats {
			if tf.typ != DW_LNCT_path {
				return fmt.Errorf("%w: unexpected type %d for directory entry at line header %x",
					ErrBadLineProgram, tf.typ, hdrOff)
			}
			dir, err := readPath(tf.form)
			if err != nil {
				return err
			}
			// Relative dirs are relative to the first directory in the
			// table.
			if len(state.includeDirs) > 0 && isRelativePath(dir) {
				dir = state.includeDirs[0] + dir
			}
			state.includeDirs = append(state.includeDirs, addTrailingSlash(dir))
		}
	}

	fileFormatCount := int(cur.u8())
	fileFormats := make([]dwarfTypeForm, 0, fileFormatCount)
	for i := 0; i < fileFormatCount; i++ {
		fileFormats = append(fileFormats, dwarfTypeForm{cur.uleb(), cur.uleb()})
	}
	fileCount := int(cur.uleb())
	for o := 0; o < fileCount; o++ {
		var f DWARFLineFile
		for _, tf := range fileFormats {
			switch tf.typ {
			case DW_LNCT_path:
				name, err := readPath(tf.form)
				if err != nil {
					return err
				}
				f.Name = name
			case DW_LNCT_directory_index:
				switch tf.form {
				case DW_FORM_data1:
					f.DirIndex = int(cur.u8()) + 1
				case DW_FORM_data2:
					f.DirIndex = int(cur.u16()) + 1
				case DW_FORM_udata:
					f.DirIndex = int(cur.uleb()) + 1
				default:
					return ErrUnsupportedForm
				}
			case DW_LNCT_timestamp, DW_LNCT_size:
				cur.uleb()
			case DW_LNCT_MD5:
				cur.skip(16)
			default:
				return fmt.Errorf("%w: unexpected type %d for file entry at line header %x",
					ErrBadLineProgram, tf.typ, hdrOff)
			}
		}
		state.files = append(state.files, f)
	}
	return nil
}

// interpret executes the opcode stream of one program.
func (lr *LineReconstructor) interpret(cur *byteCursor, hdr *lineProgramHeader,
	state *lineState, opcodeLengths []uint32) error {

	ptrSize := 4
	if lr.img.Is64 {
		ptrSize = 8
	}

	for cur.pos < len(cur.b) {
		opcode := cur.u8()
		if opcode >= hdr.opcodeBase {
			// special opcode
			adjusted := int(opcode - hdr.opcodeBase)
			state.advanceAddr(hdr, adjusted/int(hdr.lineRange))
			state.line += int(hdr.lineBase) + adjusted%int(hdr.lineRange)

			if err := lr.appendLine(state); err != nil {
				return err
			}
			state.basicBlock = false
			state.prologueEnd = false
			state.epilogueEnd = false
			state.discriminator = 0
			continue
		}

		switch opcode {
		case 0: // extended
			exlength := int(cur.uleb())
			next := cur.pos + exlength
			excode := cur.u8()
			switch excode {
			case DW_LNE_end_sequence:
				state.endSequence = true
				state.lastAddr = state.address
				if err := lr.appendLine(state); err != nil {
					return err
				}
				state.init(hdr)
			case DW_LNE_set_address:
				if lr.img.NtHeader.OptionalHeader == nil && state.section == -1 {
					state.section = lr.img.relocationInLineSegment(uint32(cur.pos))
				}
				var adr uint64
				if ptrSize == 8 {
					adr = cur.u64()
				} else {
					adr = uint64(cur.u32())
				}
				if adr != 0 {
					state.address = adr
					state.lastAddr = adr
				} else {
					// Address 0 appears for discarded template
					// instantiations; reuse the last real address.
					state.address = state.lastAddr
				}
				state.opIndex = 0
			case DW_LNE_define_file:
				state.curFile.Name = cur.cstring()
				state.curFile.DirIndex = int(cur.uleb())
				cur.uleb()
				cur.uleb()
				state.file = 0
			case DW_LNE_set_discriminator:
				state.discriminator = uint32(cur.uleb())
			}
			if next > len(cur.b) {
				return ErrBadLineProgram
			}
			cur.pos = next

		case DW_LNS_copy:
			if err := lr.appendLine(state); err != nil {
				return err
			}
			state.basicBlock = false
			state.prologueEnd = false
			state.epilogueEnd = false
			state.discriminator = 0
		case DW_LNS_advance_pc:
			state.advanceAddr(hdr, int(cur.uleb()))
		case DW_LNS_advance_line:
			state.line += int(cur.sleb())
		case DW_LNS_set_file:
			state.file = int(cur.uleb())
			// DWARF 5 numbers files starting at zero; bias to the v2/v4
			// convention used everywhere else.
			if hdr.version >= 5 {
				state.file++
			}
		case DW_LNS_set_column:
			state.column = int(cur.uleb())
		case DW_LNS_negate_stmt:
			state.isStmt = !state.isStmt
		case DW_LNS_set_basic_block:
			state.basicBlock = true
		case DW_LNS_const_add_pc:
			state.advanceAddr(hdr, int(255-hdr.opcodeBase)/int(hdr.lineRange))
		case DW_LNS_fixed_advance_pc:
			state.address += uint64(cur.u16())
			state.opIndex = 0
		case DW_LNS_set_prologue_end:
			state.prologueEnd = true
		case DW_LNS_set_epilogue_begin:
			state.epilogueEnd = true
		case DW_LNS_set_isa:
			state.isa = uint32(cur.uleb())
		default:
			// unknown standard opcode
			if int(opcode) < len(opcodeLengths) {
				for arg := uint32(0); arg < opcodeLengths[opcode]; arg++ {
					cur.uleb()
				}
			}
		}
		if cur.eof {
			return ErrBadLineProgram
		}
	}
	return nil
}
