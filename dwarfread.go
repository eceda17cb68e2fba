// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

import (
	"encoding/binary"
)

// DieOffset is a raw byte offset into .debug_info. DWARF cross-references
// are carried as these opaque offsets; the translator keeps a single map
// from DieOffset to output type index instead of pointers into the buffer.
type DieOffset uint32

// byteCursor walks a byte slice with the LEB128 and fixed-width readers
// DWARF decoding needs. Reads past the end stick at the end and flag eof.
type byteCursor struct {
	b   []byte
	pos int
	eof bool
}

func (c *byteCursor) remain() int { return len(c.b) - c.pos }

func (c *byteCursor) u8() byte {
	if c.pos >= len(c.b) {
		c.eof = true
		return 0
	}
	v := c.b[c.pos]
	c.pos++
	return v
}

func (c *byteCursor) u16() uint16 {
	if c.pos+2 > len(c.b) {
		c.eof = true
		c.pos = len(c.b)
		return 0
	}
	v := binary.LittleEndian.Uint16(c.b[c.pos:])
	c.pos += 2
	return v
}

func (c *byteCursor) u32() uint32 {
	if c.pos+4 > len(c.b) {
		c.eof = true
		c.pos = len(c.b)
		return 0
	}
	v := binary.LittleEndian.Uint32(c.b[c.pos:])
	c.pos += 4
	return v
}

func (c *byteCursor) u64() uint64 {
	if c.pos+8 > len(c.b) {
		c.eof = true
		c.pos = len(c.b)
		return 0
	}
	v := binary.LittleEndian.Uint64(c.b[c.pos:])
	c.pos += 8
	return v
}

// usize reads a little-endian integer of the given byte width, capped at 8.
func (c *byteCursor) usize(size int) uint64 {
	if size > 8 {
		size = 8
	}
	var v uint64
	for shift := 0; shift < size*8; shift += 8 {
		v |= uint64(c.u8()) << shift
	}
	return v
}

func (c *byteCursor) uleb() uint64 {
	var v uint64
	var shift uint
	for {
		b := c.u8()
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v
		}
		shift += 7
		if shift >= 64 || c.eof {
			return v
		}
	}
}

func (c *byteCursor) sleb() int64 {
	var v uint64
	var shift uint
	for {
		b := c.u8()
		v |= uint64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				v |= ^uint64(0) << shift
			}
			return int64(v)
		}
		if shift >= 64 || c.eof {
			return int64(v)
		}
	}
}

func (c *byteCursor) cstring() string {
	start := c.pos
	for c.pos < len(c.b) && c.b[c.pos] != 0 {
		c.pos++
	}
	s := string(c.b[start:c.pos])
	if c.pos < len(c.b) {
		c.pos++
	}
	return s
}

func (c *byteCursor) bytes(n int) []byte {
	if n < 0 || c.pos+n > len(c.b) {
		c.eof = true
		n = len(c.b) - c.pos
	}
	v := c.b[c.pos : c.pos+n]
	c.pos += n
	return v
}

func (c *byteCursor) skip(n int) {
	if c.pos+n > len(c.b) {
		c.eof = true
		c.pos = len(c.b)
		return
	}
	c.pos += n
}

// AttrClass tags an attribute value by form class.
type AttrClass int

// Attribute form classes.
const (
	ClassInvalid AttrClass = iota
	ClassAddr
	ClassBlock
	ClassConst
	ClassString
	ClassFlag
	ClassRef
	ClassExprLoc
	ClassSecOffset
)

// Attribute is a decoded attribute value tagged by its form class.
type Attribute struct {
	Class  AttrClass
	Addr   uint64
	Block  []byte
	Const  int64
	Str    string
	Flag   bool
	Ref    DieOffset
	Expr   []byte
	SecOff uint64
}

// CompilationUnit is the normalized header of one unit in .debug_info.
type CompilationUnit struct {
	// Offset of the unit header within .debug_info.
	Offset DieOffset

	UnitLength   uint32
	Version      uint16
	AbbrevOffset uint32
	AddressSize  byte

	// HeaderSize is the number of bytes before the first DIE.
	HeaderSize uint32
}

// End returns the offset one past the unit.
func (cu *CompilationUnit) End() DieOffset {
	return cu.Offset + 4 + DieOffset(cu.UnitLength)
}

// DIE holds the recognized semantic attributes of one debug information
// entry. Attributes outside this set are discarded by the reader.
type DIE struct {
	Offset   DieOffset
	Code     uint64
	Tag      int
	HasChild bool

	Name        string
	LinkageName string
	Dir         string
	ByteSize    int64
	Sibling     DieOffset
	Encoding    int64
	PCLo        uint64
	PCHi        uint64
	Ranges      int64 // -1 when the attribute is not present
	Type        DieOffset
	Containing  DieOffset
	Spec        DieOffset
	Inlined     int64
	External    bool

	Location  Attribute
	MemberLoc Attribute
	FrameBase Attribute

	UpperBound    int64
	LowerBound    int64
	HasLowerBound bool
	Language      int64
	ConstValue    int64
	HasConstValue bool
}

func (d *DIE) clear() {
	*d = DIE{Ranges: -1}
}

type abbrevAttr struct {
	attr          uint64
	form          uint64
	implicitConst int64
}

type abbrevDecl struct {
	tag      int
	hasChild bool
	attrs    []abbrevAttr
}

type abbrevKey struct {
	tableOff uint32
	code     uint64
}

// DWARFReader decodes .debug_info lazily through the per-unit abbreviation
// tables. It owns the abbreviation cache shared by every cursor.
type DWARFReader struct {
	img       *PEImage
	abbrevMap map[abbrevKey]*abbrevDecl
}

// NewDWARFReader returns a reader over the image's DWARF sections.
func NewDWARFReader(img *PEImage) *DWARFReader {
	return &DWARFReader{
		img:       img,
		abbrevMap: make(map[abbrevKey]*abbrevDecl),
	}
}

// abbrevLookup finds the abbreviation declaration for code in the table at
// tableOff, caching every hit under (tableOff, code).
func (r *DWARFReader) abbrevLookup(tableOff uint32, code uint64) *abbrevDecl {
	key := abbrevKey{tableOff, code}
	if decl, ok := r.abbrevMap[key]; ok {
		return decl
	}
	if !r.img.DebugAbbrev.IsPresent() || tableOff >= r.img.DebugAbbrev.Length() {
		return nil
	}
	cur := byteCursor{b: r.img.DebugAbbrev.Data, pos: int(tableOff)}
	for !cur.eof {
		c := cur.uleb()
		if c == 0 {
			return nil
		}
		decl := &abbrevDecl{
			tag:      int(cur.uleb()),
			hasChild: cur.u8() != 0,
		}
		for {
			attr := cur.uleb()
			form := cur.uleb()
			if attr == 0 && form == 0 {
				break
			}
			aa := abbrevAttr{attr: attr, form: form}
			if form == DW_FORM_implicit_const {
				aa.implicitConst = cur.sleb()
			}
			decl.attrs = append(decl.attrs, aa)
		}
		r.abbrevMap[abbrevKey{tableOff, c}] = decl
		if c == code {
			return decl
		}
	}
	return nil
}

// CompilationUnits decodes every unit header in .debug_info. Versions 2-4
// and version 5 differ in field order; the result is normalized.
func (r *DWARFReader) CompilationUnits() []CompilationUnit {
	var units []CompilationUnit
	info := r.img.DebugInfo.Data
	off := uint32(0)
	for off+11 <= uint32(len(info)) {
		cur := byteCursor{b: info, pos: int(off)}
		unitLength := cur.u32()
		if unitLength == 0xffffffff || unitLength == 0 {
			// 64-bit DWARF units are not handled; stop decoding.
			break
		}
		cu := CompilationUnit{
			Offset:     DieOffset(off),
			UnitLength: unitLength,
			Version:    cur.u16(),
		}
		if cu.Version >= 5 {
			// unit_type, address_size, debug_abbrev_offset
			cur.u8()
			cu.AddressSize = cur.u8()
			cu.AbbrevOffset = cur.u32()
		} else {
			cu.AbbrevOffset = cur.u32()
			cu.AddressSize = cur.u8()
		}
		cu.HeaderSize = uint32(cur.pos) - off
		if cur.eof || cu.AddressSize == 0 {
			break
		}
		units = append(units, cu)
		next := off + 4 + unitLength
		if next <= off {
			break
		}
		off = next
	}
	return units
}

// DIECursor reads DIEs of one compilation unit in physical order.
type DIECursor struct {
	r  *DWARFReader
	cu *CompilationUnit

	pos      DieOffset
	level    int
	hasChild bool
	sibling  DieOffset
	err      error
}

// NewDIECursor returns a cursor at the first DIE of cu.
func (r *DWARFReader) NewDIECursor(cu *CompilationUnit) DIECursor {
	return DIECursor{
		r:   r,
		cu:  cu,
		pos: cu.Offset + DieOffset(cu.HeaderSize),
	}
}

// Err returns the first decoding error the cursor hit.
func (c *DIECursor) Err() error { return c.err }

// SubtreeCursor returns a cursor that enumerates the children of the last
// read DIE; level is reset so ReadSibling stops at the subtree end.
func (c *DIECursor) SubtreeCursor() DIECursor {
	sub := *c
	sub.sibling = 0
	if c.hasChild {
		sub.level = 0
		sub.hasChild = false
	} else {
		sub.level = -1
	}
	return sub
}

// ReadSibling reads the next sibling DIE, skipping over any children of the
// last read DIE. Returns false upon reaching the end of the current level.
func (c *DIECursor) ReadSibling(die *DIE) bool {
	if c.sibling != 0 {
		// Use the sibling pointer when available.
		c.pos = c.sibling
		c.hasChild = false
	} else if c.hasChild {
		currLevel := c.level
		c.level = currLevel + 1
		c.hasChild = false

		var dummy DIE
		// Read until we pop back to the level we were at.
		for c.level > currLevel {
			if !c.ReadNext(&dummy, false) {
				return false
			}
		}
	}
	return c.ReadNext(die, true)
}

// ReadNext reads the next DIE in physical order. With stopAtNull true the
// cursor stops at a null DIE (end of the current tree level); otherwise
// null DIEs are skipped and reading stops only at the end of the subtree.
func (c *DIECursor) ReadNext(die *DIE, stopAtNull bool) bool {
	die.clear()

	if c.hasChild {
		c.level++
	}

	for {
		if c.level == -1 {
			return false
		}
		if c.pos >= c.cu.End() || c.err != nil {
			return false
		}

		die.Offset = c.pos
		cur := byteCursor{b: c.r.img.DebugInfo.Data, pos: int(c.pos)}
		die.Code = cur.uleb()
		c.pos = DieOffset(cur.pos)
		if die.Code == 0 {
			c.level--
			if stopAtNull {
				c.hasChild = false
				return false
			}
			continue
		}

		decl := c.r.abbrevLookup(c.cu.AbbrevOffset, die.Code)
		if decl == nil {
			c.err = ErrUnsupportedForm
			return false
		}
		die.Tag = decl.tag
		die.HasChild = decl.hasChild

		if !c.readAttributes(die, decl, &cur) {
			return false
		}
		c.pos = DieOffset(cur.pos)
		break
	}

	c.hasChild = die.HasChild
	c.sibling = die.Sibling
	return true
}

func (c *DIECursor) readAttributes(die *DIE, decl *abbrevDecl, cur *byteCursor) bool {
	for _, spec := range decl.attrs {
		form := spec.form
		for form == DW_FORM_indirect {
			form = cur.uleb()
		}

		var a Attribute
		switch form {
		case DW_FORM_addr:
			a.Class = ClassAddr
			a.Addr = cur.usize(int(c.cu.AddressSize))
		case DW_FORM_block:
			a.Class = ClassBlock
			a.Block = cur.bytes(int(cur.uleb()))
		case DW_FORM_block1:
			a.Class = ClassBlock
			a.Block = cur.bytes(int(cur.u8()))
		case DW_FORM_block2:
			a.Class = ClassBlock
			a.Block = cur.bytes(int(cur.u16()))
		case DW_FORM_block4:
			a.Class = ClassBlock
			a.Block = cur.bytes(int(cur.u32()))
		case DW_FORM_data1:
			a.Class = ClassConst
			a.Const = int64(cur.u8())
		case DW_FORM_data2:
			a.Class = ClassConst
			a.Const = int64(cur.u16())
		case DW_FORM_data4:
			a.Class = ClassConst
			a.Const = int64(cur.u32())
		case DW_FORM_data8:
			a.Class = ClassConst
			a.Const = int64(cur.u64())
		case DW_FORM_data16:
			a.Class = ClassBlock
			a.Block = cur.bytes(16)
		case DW_FORM_sdata:
			a.Class = ClassConst
			a.Const = cur.sleb()
		case DW_FORM_udata:
			a.Class = ClassConst
			a.Const = int64(cur.uleb())
		case DW_FORM_implicit_const:
			a.Class = ClassConst
			a.Const = spec.implicitConst
		case DW_FORM_string:
			a.Class = ClassString
			a.Str = cur.cstring()
		case DW_FORM_strp:
			a.Class = ClassString
			a.Str = stringAt(c.r.img.DebugStr.Data, cur.u32())
		case DW_FORM_line_strp:
			a.Class = ClassString
			a.Str = stringAt(c.r.img.DebugLineStr.Data, cur.u32())
		case DW_FORM_flag:
			a.Class = ClassFlag
			a.Flag = cur.u8() != 0
		case DW_FORM_flag_present:
			a.Class = ClassFlag
			a.Flag = true
		case DW_FORM_ref1:
			a.Class = ClassRef
			a.Ref = c.cu.Offset + DieOffset(cur.u8())
		case DW_FORM_ref2:
			a.Class = ClassRef
			a.Ref = c.cu.Offset + DieOffset(cur.u16())
		case DW_FORM_ref4:
			a.Class = ClassRef
			a.Ref = c.cu.Offset + DieOffset(cur.u32())
		case DW_FORM_ref8:
			a.Class = ClassRef
			a.Ref = c.cu.Offset + DieOffset(cur.u64())
		case DW_FORM_ref_udata:
			a.Class = ClassRef
			a.Ref = c.cu.Offset + DieOffset(cur.uleb())
		case DW_FORM_ref_addr:
			a.Class = ClassRef
			a.Ref = DieOffset(cur.u32())
		case DW_FORM_ref_sig8:
			a.Class = ClassInvalid
			cur.skip(8)
		case DW_FORM_exprloc:
			a.Class = ClassExprLoc
			a.Expr = cur.bytes(int(cur.uleb()))
		case DW_FORM_sec_offset:
			a.Class = ClassSecOffset
			a.SecOff = uint64(cur.u32())
		default:
			// No partial DIE is emitted.
			c.err = ErrUnsupportedForm
			return false
		}
		if cur.eof {
			c.err = ErrHeaderTruncated
			return false
		}

		switch spec.attr {
		case DW_AT_byte_size:
			if a.Class == ClassConst {
				die.ByteSize = a.Const
			}
		case DW_AT_sibling:
			die.Sibling = a.Ref
		case DW_AT_encoding:
			die.Encoding = a.Const
		case DW_AT_name:
			die.Name = a.Str
		case DW_AT_linkage_name, DW_AT_MIPS_linkage_name:
			die.LinkageName = a.Str
		case DW_AT_comp_dir:
			die.Dir = a.Str
		case DW_AT_low_pc:
			die.PCLo = a.Addr
		case DW_AT_high_pc:
			if a.Class == ClassAddr {
				die.PCHi = a.Addr
			} else if a.Class == ClassConst {
				die.PCHi = die.PCLo + uint64(a.Const)
			}
		case DW_AT_ranges:
			if a.Class == ClassSecOffset {
				die.Ranges = int64(a.SecOff)
			}
		case DW_AT_type:
			die.Type = a.Ref
		case DW_AT_inline:
			die.Inlined = a.Const
		case DW_AT_external:
			die.External = a.Flag
		case DW_AT_upper_bound:
			if a.Class == ClassConst {
				die.UpperBound = a.Const
			}
		case DW_AT_lower_bound:
			if a.Class == ClassConst {
				die.LowerBound = a.Const
				die.HasLowerBound = true
			}
		case DW_AT_containing_type:
			die.Containing = a.Ref
		case DW_AT_specification:
			die.Spec = a.Ref
		case DW_AT_data_member_location:
			die.MemberLoc = a
		case DW_AT_location:
			die.Location = a
		case DW_AT_frame_base:
			die.FrameBase = a
		case DW_AT_language:
			die.Language = a.Const
		case DW_AT_const_value:
			if a.Class == ClassConst {
				die.ConstValue = a.Const
				die.HasConstValue = true
			}
		}
	}
	return true
}

// stringAt returns the zero terminated string at off, or "" when out of
// bounds.
func stringAt(b []byte, off uint32) string {
	if b == nil || off >= uint32(len(b)) {
		return ""
	}
	return cstring(b[off:])
}
