// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/rainers/cv2pdb/log"
)

// CodeView register codes for the stack and frame pointers.
const (
	cvRegESP = 21
	cvRegEBP = 22
	cvRegRBP = 0x14e
	cvRegRSP = 0x14f
)

// DWARF register numbers of the frame and stack pointers.
const (
	dwRegEBP = 5
	dwRegESP = 4
	dwRegRBP = 6
	dwRegRSP = 7
)

// DWARFTranslator walks .debug_info twice: pass one assigns output type
// indices for every type-producing DIE by input byte offset, pass two
// emits output records resolving cross-references through the map.
type DWARFTranslator struct {
	img  *PEImage
	cfg  *Config
	sink *Sink
	r    *DWARFReader

	mod Mod

	// userTypes holds one record per mapped DIE plus the up-front typedef
	// and complex types; dwarfTypes collects field lists emitted while
	// aggregates recurse. The latter is appended after the former, so its
	// indices continue where the map ends.
	userTypes  typeBuf
	dwarfTypes typeBuf

	nextUserType  int
	nextDwarfType int

	mapOffsetToType map[DieOffset]int

	typedefs           []int
	translatedTypedefs []int
	emptyFieldListType int

	symbols symWriter
	udt     *UDTTable

	codeSegOff uint64

	logger *log.Helper
}

// NewDWARFTranslator returns a translator over a parsed DWARF image.
func NewDWARFTranslator(img *PEImage, cfg *Config, sink *Sink) *DWARFTranslator {
	tr := &DWARFTranslator{
		img:             img,
		cfg:             cfg,
		sink:            sink,
		r:               NewDWARFReader(img),
		mapOffsetToType: make(map[DieOffset]int),
		udt:             NewUDTTable(),
		nextUserType:    0x1000,
	}
	if cfg.Logger == nil {
		tr.logger = log.NewHelper(log.NewFilter(log.NewStdLogger(os.Stderr),
			log.FilterLevel(log.LevelError)))
	} else {
		tr.logger = log.NewHelper(cfg.Logger)
	}
	return tr
}

func (tr *DWARFTranslator) nameStyle() NameStyle {
	if tr.cfg.V3 {
		return NameZero
	}
	return NamePascal
}

// GlobalMod returns the single module all units funnel into.
func (tr *DWARFTranslator) GlobalMod() (Mod, error) {
	if tr.mod == nil {
		mod, err := tr.sink.Dbi.OpenMod("__Globals", "__Globals")
		if err != nil {
			return nil, fmt.Errorf("cannot create global module: %w", err)
		}
		tr.mod = mod
	}
	return tr.mod, nil
}

// typeProducing reports whether a DIE tag allocates an output type index.
func typeProducing(tag int) bool {
	switch tag {
	case DW_TAG_base_type, DW_TAG_typedef, DW_TAG_pointer_type,
		DW_TAG_subroutine_type, DW_TAG_array_type, DW_TAG_const_type,
		DW_TAG_structure_type, DW_TAG_reference_type, DW_TAG_class_type,
		DW_TAG_enumeration_type, DW_TAG_string_type, DW_TAG_union_type,
		DW_TAG_ptr_to_member_type, DW_TAG_set_type, DW_TAG_subrange_type,
		DW_TAG_file_type, DW_TAG_packed_type, DW_TAG_thrown_type,
		DW_TAG_volatile_type, DW_TAG_restrict_type, DW_TAG_interface_type,
		DW_TAG_unspecified_type, DW_TAG_mutable_type, DW_TAG_shared_type,
		DW_TAG_rvalue_reference_type:
		return true
	}
	return false
}

// getTypeByDWARFOffset resolves a DIE reference through the pass-one map;
// unresolved references fall back to void.
func (tr *DWARFTranslator) getTypeByDWARFOffset(off DieOffset) int {
	if typ, ok := tr.mapOffsetToType[off]; ok {
		return typ
	}
	return T_VOID
}

// translateType maps a basic type through the complex typedef remap.
func (tr *DWARFTranslator) translateType(typ int) int {
	if typ < 0x1000 {
		for i, t := range tr.typedefs {
			if typ == t {
				return tr.translatedTypedefs[i]
			}
		}
	}
	return typ
}

func (tr *DWARFTranslator) defaultPointerAttr() int {
	if tr.img.Is64 {
		return 0x1000C
	}
	return 0x800A
}

func (tr *DWARFTranslator) appendPointerType(pointedType, attr int) int {
	writePointer(&tr.userTypes, pointedType, attr)
	idx := tr.nextUserType
	tr.nextUserType++
	return idx
}

func (tr *DWARFTranslator) appendModifierType(typ, attr int) int {
	writeModifier(&tr.userTypes, typ, attr)
	idx := tr.nextUserType
	tr.nextUserType++
	return idx
}

func (tr *DWARFTranslator) createEmptyFieldListType() int {
	if tr.emptyFieldListType > 0 {
		return tr.emptyFieldListType
	}
	var fields fieldBuf
	writeFieldList(&tr.userTypes, &fields)
	tr.emptyFieldListType = tr.nextUserType
	tr.nextUserType++
	return tr.emptyFieldListType
}

func (tr *DWARFTranslator) writeEnumRecord(tb *typeBuf, count, fieldlist, property, typ int, name string) {
	id := uint16(LF_ENUM_V2)
	if tr.cfg.V3 {
		id = LF_ENUM_V3
	}
	start := tb.begin(id)
	tb.u16(uint16(count))
	tb.u16(uint16(property))
	tb.u32(uint32(typ))
	tb.u32(uint32(fieldlist))
	tb.name([]byte(name), tr.nameStyle(), tr.cfg.DotReplacementChar)
	tb.end(start)
}

func (tr *DWARFTranslator) writeAggregateRecord(tb *typeBuf, nElement, fieldlist, property int,
	structlen int64, name string) {
	id := uint16(LF_STRUCTURE_V2)
	if tr.cfg.V3 {
		id = LF_STRUCTURE_V3
	}
	start := tb.begin(id)
	tb.u16(uint16(nElement))
	tb.u16(uint16(property))
	tb.u32(uint32(fieldlist))
	tb.u32(0) // derived
	tb.u32(0) // vshape
	tb.leaf(structlen)
	tb.name([]byte(name), tr.nameStyle(), tr.cfg.DotReplacementChar)
	tb.end(start)
}

func (tr *DWARFTranslator) appendTypedef(typ int, name string) int {
	basetype := typ
	if typ == T_CHAR32 {
		basetype = T_UINT4
	}
	var typedefType int
	if tr.cfg.UseTypedefEnum {
		fieldlistType := tr.createEmptyFieldListType()
		tr.writeEnumRecord(&tr.userTypes, 0, fieldlistType, 0, basetype, name)
		typedefType = tr.nextUserType
		tr.nextUserType++
	} else {
		typedefType = tr.appendModifierType(typ, 0)
	}
	return typedefType
}

func (tr *DWARFTranslator) appendComplex(cplxType, baseType, elemSize int, name string) int {
	style := tr.nameStyle()
	var fields fieldBuf
	fields.member(1, 0, baseType, []byte("re"), style, tr.cfg.DotReplacementChar)
	fields.member(1, int64(elemSize), baseType, []byte("im"), style, tr.cfg.DotReplacementChar)
	writeFieldList(&tr.userTypes, &fields)
	fieldlistType := tr.nextUserType
	tr.nextUserType++

	tr.writeAggregateRecord(&tr.userTypes, 2, fieldlistType, 0, int64(2*elemSize), name)
	classType := tr.nextUserType
	tr.nextUserType++
	tr.udt.Add(classType, name)

	tr.typedefs = append(tr.typedefs, cplxType)
	tr.translatedTypedefs = append(tr.translatedTypedefs, classType)
	return classType
}

//
// Symbol emission
//

// appendStackVar emits a stack variable: frame-pointer-relative on x86
// frames, register-relative with an explicit base register otherwise.
func (tr *DWARFTranslator) appendStackVar(name string, typ int, loc Location) {
	style := tr.nameStyle()
	isX64 := tr.img.Is64
	esp := loc.Reg == dwRegESP || (isX64 && loc.Reg == dwRegRSP)

	if isX64 || esp {
		var reg uint16
		switch {
		case isX64 && esp:
			reg = cvRegRSP
		case isX64:
			reg = cvRegRBP
		case esp:
			reg = cvRegESP
		default:
			reg = cvRegEBP
		}
		start := tr.symbols.begin(S_REGREL_V3)
		tr.symbols.u32(uint32(int32(loc.Off)))
		tr.symbols.u32(uint32(typ))
		tr.symbols.u16(reg)
		tr.symbols.name([]byte(name), NameZero, tr.cfg.DotReplacementChar)
		tr.symbols.end(start)
		return
	}

	start := tr.symbols.begin(pick16(tr.cfg.V3, S_BPREL_V3, S_BPREL_V2))
	tr.symbols.u32(uint32(int32(loc.Off)))
	tr.symbols.u32(uint32(typ))
	tr.symbols.name([]byte(name), style, tr.cfg.DotReplacementChar)
	tr.symbols.end(start)
}

// appendGlobalVar emits a global data symbol.
func (tr *DWARFTranslator) appendGlobalVar(name string, typ, seg int, offset uint32) {
	start := tr.symbols.begin(pick16(tr.cfg.V3, S_GDATA_V3, S_GDATA_V2))
	tr.symbols.u32(uint32(typ))
	tr.symbols.u32(offset)
	tr.symbols.u16(uint16(seg))
	tr.symbols.name([]byte(name), tr.nameStyle(), tr.cfg.DotReplacementChar)
	tr.symbols.end(start)
}

func (tr *DWARFTranslator) appendEndArg() {
	start := tr.symbols.begin(S_ENDARG_V1)
	tr.symbols.end(start)
}

func (tr *DWARFTranslator) appendEnd() {
	start := tr.symbols.begin(S_END_V1)
	tr.symbols.end(start)
}

// appendLexicalBlock emits a block-start symbol for a lexical scope.
func (tr *DWARFTranslator) appendLexicalBlock(die *DIE) {
	start := tr.symbols.begin(S_BLOCK_V3)
	tr.symbols.u32(0) // parent
	tr.symbols.u32(0) // end
	tr.symbols.u32(uint32(die.PCHi - die.PCLo))
	tr.symbols.u32(uint32(die.PCLo - tr.codeSegOff))
	tr.symbols.u16(uint16(tr.img.CodeSegment + 1))
	tr.symbols.u8(0) // empty name
	tr.symbols.end(start)
}

//
// Pass 1
//

// mapTypes walks every compilation unit and assigns the next output type
// index to every type-producing DIE, keyed by its byte offset. No output
// is produced; this separates index allocation from emission so forward
// references resolve without fix-ups.
func (tr *DWARFTranslator) mapTypes() {
	typeID := tr.nextUserType
	for _, cu := range tr.r.CompilationUnits() {
		cu := cu
		cursor := tr.r.NewDIECursor(&cu)
		var die DIE
		for cursor.ReadNext(&die, false) {
			if typeProducing(die.Tag) {
				tr.mapOffsetToType[die.Offset] = typeID
				typeID++
			}
		}
	}
	tr.nextDwarfType = typeID
}

//
// Pass 2
//

// frameBaseLocation decodes a procedure frame base; a bare register is
// promoted to a register-relative address, and an unrepresentable base
// falls back to the conventional frame pointer slot.
func (tr *DWARFTranslator) frameBaseLocation(die *DIE) Location {
	loc := DecodeLocation(die.FrameBase, nil)
	if loc.IsInReg() {
		return mkRegRel(loc.Reg, 0)
	}
	if loc.IsRegRel() {
		return loc
	}
	if tr.img.Is64 {
		return mkRegRel(dwRegRBP, 16)
	}
	return mkRegRel(dwRegEBP, 8)
}

// addDWARFProc emits a procedure-start symbol, its parameters, local
// variables and lexical blocks, and the closing end symbols.
func (tr *DWARFTranslator) addDWARFProc(procDie *DIE, cursor DIECursor) error {
	pclo := uint32(procDie.PCLo - tr.codeSegOff)
	pchi := uint32(procDie.PCHi - tr.codeSegOff)

	start := tr.symbols.begin(pick16(tr.cfg.V3, S_GPROC_V3, S_GPROC_V2))
	tr.symbols.u32(0)           // pparent
	tr.symbols.u32(0)           // pend
	tr.symbols.u32(0)           // next
	tr.symbols.u32(pchi - pclo) // proc_len
	tr.symbols.u32(0)           // debug_start
	tr.symbols.u32(pchi - pclo) // debug_end
	tr.symbols.u32(0)           // proctype
	tr.symbols.u32(pclo)
	tr.symbols.u16(uint16(tr.img.CodeSegment + 1))
	tr.symbols.u8(0) // flags
	tr.symbols.name([]byte(procDie.Name), tr.nameStyle(), tr.cfg.DotReplacementChar)
	tr.symbols.end(start)

	frameBase := tr.frameBaseLocation(procDie)

	var die DIE
	prev := cursor
	for cursor.ReadSibling(&die) && die.Tag == DW_TAG_formal_parameter {
		if die.Name != "" {
			loc := DecodeLocation(die.Location, &frameBase)
			if loc.IsRegRel() {
				tr.appendStackVar(die.Name, tr.getTypeByDWARFOffset(die.Type), loc)
			}
		}
		prev = cursor
	}
	tr.appendEndArg()

	// Iterative scope walk: each pushed cursor owns one appendEnd.
	blocks := []DIECursor{prev}
	for len(blocks) > 0 {
		cursor = blocks[len(blocks)-1]
		blocks = blocks[:len(blocks)-1]

		for cursor.ReadSibling(&die) {
			switch die.Tag {
			case DW_TAG_variable:
				if die.Name != "" {
					loc := DecodeLocation(die.Location, &frameBase)
					if loc.IsRegRel() {
						tr.appendStackVar(die.Name, tr.getTypeByDWARFOffset(die.Type), loc)
					}
				}
			case DW_TAG_lexical_block:
				if die.HasChild && die.PCHi != die.PCLo {
					tr.appendLexicalBlock(&die)
					blocks = append(blocks, cursor)
					cursor = cursor.SubtreeCursor()
				}
			}
		}
		tr.appendEnd()
	}
	return nil
}

// memberOffset recovers the byte offset of a data-member location. The
// common expression form pushes the aggregate base address first, so a
// leading plus_uconst is read directly.
func memberOffset(attr *Attribute) (int64, bool) {
	switch attr.Class {
	case ClassConst:
		return attr.Const, true
	case ClassExprLoc, ClassBlock:
		expr := attr.Expr
		if attr.Class == ClassBlock {
			expr = attr.Block
		}
		if len(expr) >= 2 && expr[0] == DW_OP_plus_uconst {
			cur := byteCursor{b: expr, pos: 1}
			return int64(cur.uleb()), !cur.eof
		}
		loc := DecodeLocation(*attr, nil)
		if loc.IsAbs() {
			return loc.Off, true
		}
	}
	return 0, false
}

// getDWARFArrayBounds reads the subrange child of an array DIE.
func (tr *DWARFTranslator) getDWARFArrayBounds(cursor DIECursor) (lower, upper int64) {
	var die DIE
	for cursor.ReadSibling(&die) {
		if die.Tag == DW_TAG_subrange_type {
			lower = die.LowerBound
			upper = die.UpperBound
		}
	}
	return lower, upper
}

// getDWARFTypeSize computes the byte size of the type DIE at off.
func (tr *DWARFTranslator) getDWARFTypeSize(off DieOffset) int64 {
	cu := tr.cuContaining(off)
	if cu == nil {
		return 0
	}
	cursor := tr.r.NewDIECursor(cu)
	cursor.pos = off

	var die DIE
	if !cursor.ReadNext(&die, false) {
		return 0
	}
	if die.ByteSize > 0 {
		return die.ByteSize
	}
	switch die.Tag {
	case DW_TAG_ptr_to_member_type, DW_TAG_reference_type, DW_TAG_pointer_type:
		return int64(cu.AddressSize)
	case DW_TAG_array_type:
		lower, upper := tr.getDWARFArrayBounds(cursor.SubtreeCursor())
		return (upper - lower + 1) * tr.getDWARFTypeSize(die.Type)
	default:
		if die.Type != 0 {
			return tr.getDWARFTypeSize(die.Type)
		}
	}
	return 0
}

func (tr *DWARFTranslator) cuContaining(off DieOffset) *CompilationUnit {
	for _, cu := range tr.r.CompilationUnits() {
		if off >= cu.Offset && off < cu.End() {
			cu := cu
			return &cu
		}
	}
	return nil
}

// addDWARFBasicType maps (encoding, byte size) to the nearest basic type
// id and emits a named typedef for it. Mismatched sizes are logged and
// translation continues with a best-effort id.
func (tr *DWARFTranslator) addDWARFBasicType(name string, encoding, byteSize int64) int {
	var kind, size int
	switch encoding {
	case DW_ATE_boolean:
		kind = 3
	case DW_ATE_complex_float:
		kind = 5
		byteSize /= 2
	case DW_ATE_float:
		kind = 4
	case DW_ATE_signed:
		kind = 1
	case DW_ATE_signed_char:
		kind = 7
	case DW_ATE_unsigned:
		kind = 2
	case DW_ATE_unsigned_char:
		kind = 7
	case DW_ATE_imaginary_float:
		kind = 4
	default:
		tr.logger.Warnf("unknown basic type encoding %x", encoding)
		kind = 1
	}
	switch kind {
	case 1, 2, 3: // signed, unsigned, boolean
		switch byteSize {
		case 1:
			size = 0
		case 2:
			size = 1
		case 4:
			size = 2
		case 8:
			size = 3
		default:
			tr.logger.Warnf("unsupported integer type size %d", byteSize)
			size = 2
		}
	case 4, 5: // real, complex
		switch byteSize {
		case 4:
			size = 0
		case 8:
			size = 1
		case 10:
			size = 2
		case 12:
			size = 2 // with padding bytes
		case 16:
			size = 3
		case 6:
			size = 4
		default:
			tr.logger.Warnf("unsupported real type size %d", byteSize)
			size = 1
		}
	case 7: // real int
		switch byteSize {
		case 1:
			size = 0
		case 2:
			size = 2
		case 4:
			size = 4
		case 8:
			size = 6
		default:
			tr.logger.Warnf("unsupported char type size %d", byteSize)
			size = 0
		}
		if encoding != DW_ATE_signed_char && byteSize > 1 {
			size++
		}
	}

	t := tr.translateType(size | kind<<4)
	cvtype := tr.appendTypedef(t, name)
	if tr.cfg.UseTypedefEnum {
		tr.udt.Add(cvtype, name)
	}
	return cvtype
}

// addDWARFStructure builds a field list from the aggregate's children and
// emits the aggregate record.
func (tr *DWARFTranslator) addDWARFStructure(die *DIE, cursor DIECursor) int {
	isUnion := die.Tag == DW_TAG_union_type
	style := tr.nameStyle()

	var fields fieldBuf
	var child DIE
	for cursor.ReadSibling(&child) {
		switch {
		case child.Tag == DW_TAG_member && child.Name != "":
			off, ok := memberOffset(&child.MemberLoc)
			if isUnion {
				off, ok = 0, true
			}
			if ok {
				fields.member(1, off, tr.getTypeByDWARFOffset(child.Type),
					[]byte(child.Name), style, tr.cfg.DotReplacementChar)
			}
		case child.Tag == DW_TAG_inheritance:
			if off, ok := memberOffset(&child.MemberLoc); ok {
				fields.baseClass(3, tr.getTypeByDWARFOffset(child.Type), off)
			}
		}
	}

	writeFieldList(&tr.dwarfTypes, &fields)
	fieldlistType := tr.nextDwarfType
	tr.nextDwarfType++

	name := die.Name
	if name == "" {
		name = "__noname"
	}
	tr.writeAggregateRecord(&tr.userTypes, fields.count, fieldlistType, 0,
		die.ByteSize, name)

	cvtype := tr.nextUserType
	tr.nextUserType++
	tr.udt.Add(cvtype, name)
	return cvtype
}

// addDWARFEnum builds the enumerator field list of an enumeration DIE.
func (tr *DWARFTranslator) addDWARFEnum(die *DIE, cursor DIECursor) int {
	style := tr.nameStyle()

	var fields fieldBuf
	var child DIE
	for cursor.ReadSibling(&child) {
		if child.Tag == DW_TAG_enumerator && child.Name != "" && child.HasConstValue {
			fields.enumerate([]byte(child.Name), child.ConstValue, style, tr.cfg.DotReplacementChar)
		}
	}
	writeFieldList(&tr.dwarfTypes, &fields)
	fieldlistType := tr.nextDwarfType
	tr.nextDwarfType++

	name := die.Name
	if name == "" {
		name = "__noname"
	}
	baseType := T_INT4
	if die.Type != 0 {
		baseType = tr.getTypeByDWARFOffset(die.Type)
	}
	tr.writeEnumRecord(&tr.userTypes, fields.count, fieldlistType, 0, baseType, name)
	cvtype := tr.nextUserType
	tr.nextUserType++
	tr.udt.Add(cvtype, name)
	return cvtype
}

// addDWARFArray computes the array extent from its subrange child and
// emits an array record.
func (tr *DWARFTranslator) addDWARFArray(die *DIE, cursor DIECursor) int {
	lower, upper := tr.getDWARFArrayBounds(cursor)

	id := uint16(LF_ARRAY_V2)
	if tr.cfg.V3 {
		id = LF_ARRAY_V3
	}
	start := tr.userTypes.begin(id)
	tr.userTypes.u32(uint32(tr.getTypeByDWARFOffset(die.Type)))
	tr.userTypes.u32(T_INT4)
	tr.userTypes.leaf((upper - lower + 1) * tr.getDWARFTypeSize(die.Type))
	tr.userTypes.name(nil, tr.nameStyle(), tr.cfg.DotReplacementChar) // empty name
	tr.userTypes.end(start)

	cvtype := tr.nextUserType
	tr.nextUserType++
	return cvtype
}

// addDWARFSectionContrib registers a section contribution covering
// [pclo, pchi).
func (tr *DWARFTranslator) addDWARFSectionContrib(mod Mod, pclo, pchi uint64) error {
	segIndex := tr.img.FindSection(pclo)
	if segIndex < 0 {
		return nil
	}
	segFlags := uint32(0x60101020)
	off := uint32(pclo - tr.img.imageBase() - uint64(tr.img.Sections[segIndex].VirtualAddress))
	if err := mod.AddSecContrib(segIndex+1, off, uint32(pchi-pclo), segFlags); err != nil {
		return fmt.Errorf("cannot add section contribution to module: %w", err)
	}
	return nil
}

// createTypes is the emission pass over all compilation units.
func (tr *DWARFTranslator) createTypes() error {
	mod, err := tr.GlobalMod()
	if err != nil {
		return err
	}
	pointerAttr := tr.defaultPointerAttr()

	for _, cu := range tr.r.CompilationUnits() {
		cu := cu
		cursor := tr.r.NewDIECursor(&cu)
		var die DIE
		for cursor.ReadNext(&die, false) {
			cvtype := -1
			switch die.Tag {
			case DW_TAG_base_type:
				cvtype = tr.addDWARFBasicType(die.Name, die.Encoding, die.ByteSize)
			case DW_TAG_typedef:
				cvtype = tr.appendModifierType(tr.getTypeByDWARFOffset(die.Type), 0)
				tr.udt.Add(cvtype, die.Name)
			case DW_TAG_pointer_type:
				cvtype = tr.appendPointerType(tr.getTypeByDWARFOffset(die.Type), pointerAttr)
			case DW_TAG_const_type:
				cvtype = tr.appendModifierType(tr.getTypeByDWARFOffset(die.Type), 1)
			case DW_TAG_reference_type:
				cvtype = tr.appendPointerType(tr.getTypeByDWARFOffset(die.Type), pointerAttr|0x20)

			case DW_TAG_class_type, DW_TAG_structure_type, DW_TAG_union_type:
				cvtype = tr.addDWARFStructure(&die, cursor.SubtreeCursor())
			case DW_TAG_array_type:
				cvtype = tr.addDWARFArray(&die, cursor.SubtreeCursor())
			case DW_TAG_enumeration_type:
				cvtype = tr.addDWARFEnum(&die, cursor.SubtreeCursor())

			case DW_TAG_subroutine_type, DW_TAG_subrange_type, DW_TAG_string_type,
				DW_TAG_ptr_to_member_type, DW_TAG_set_type, DW_TAG_file_type,
				DW_TAG_packed_type, DW_TAG_thrown_type, DW_TAG_volatile_type,
				DW_TAG_restrict_type, DW_TAG_interface_type, DW_TAG_unspecified_type,
				DW_TAG_mutable_type, DW_TAG_shared_type, DW_TAG_rvalue_reference_type:
				// the residual type-like set becomes a plain pointer
				cvtype = tr.appendPointerType(T_INT4, pointerAttr)

			case DW_TAG_subprogram:
				if die.Name != "" && die.PCLo != 0 && die.PCHi != 0 {
					if err := tr.addDWARFProc(&die, cursor.SubtreeCursor()); err != nil {
						return err
					}
					if err := tr.sink.AddPublic(mod, tr.replaceDots(die.Name),
						tr.img.CodeSegment+1, uint32(die.PCLo-tr.codeSegOff), 0); err != nil {
						return fmt.Errorf("cannot add public: %w", err)
					}
				}

			case DW_TAG_compile_unit:
				if die.Dir != "" && die.Name != "" {
					if die.Ranges >= 0 && die.Ranges < int64(tr.img.DebugRanges.Length()) {
						r := tr.img.DebugRanges.Data[die.Ranges:]
						for pos := 0; pos+8 <= len(r); pos += 8 {
							pclo := binary.LittleEndian.Uint32(r[pos:])
							pchi := binary.LittleEndian.Uint32(r[pos+4:])
							if pclo == 0 && pchi == 0 {
								break
							}
							if err := tr.addDWARFSectionContrib(mod, uint64(pclo), uint64(pchi)); err != nil {
								return err
							}
						}
					} else if die.PCLo != 0 || die.PCHi != 0 {
						if err := tr.addDWARFSectionContrib(mod, die.PCLo, die.PCHi); err != nil {
							return err
						}
					}
				}

			case DW_TAG_variable:
				if die.Name != "" {
					if err := tr.addDWARFVariable(mod, &die); err != nil {
						return err
					}
				}
			}

			if cvtype >= 0 {
				if got := tr.mapOffsetToType[die.Offset]; got != cvtype {
					return fmt.Errorf("type index mismatch at DIE %x: mapped %x, emitted %x",
						die.Offset, got, cvtype)
				}
			}
		}
		if err := cursor.Err(); err != nil {
			return err
		}
	}
	return nil
}

// addDWARFVariable emits a global data symbol for a file-scope variable.
// When the location is absent but the symbol is external with a linkage
// name, the image symbol table recovers section and offset; otherwise the
// location expression is evaluated directly.
func (tr *DWARFTranslator) addDWARFVariable(mod Mod, die *DIE) error {
	seg := -1
	var segOff uint32

	if die.Location.Class == ClassInvalid && die.External && die.LinkageName != "" {
		if info, ok := tr.img.FindSymbol(die.LinkageName); ok {
			seg = info.Section
			segOff = info.Offset
		}
	} else {
		loc := DecodeLocation(die.Location, nil)
		if loc.IsAbs() {
			seg = tr.img.FindSection(uint64(loc.Off))
			if seg >= 0 {
				segOff = uint32(uint64(loc.Off) - tr.img.imageBase() -
					uint64(tr.img.Sections[seg].VirtualAddress))
			}
		}
	}
	if seg < 0 {
		return nil
	}

	typ := tr.getTypeByDWARFOffset(die.Type)
	tr.appendGlobalVar(die.Name, typ, seg+1, segOff)
	if err := tr.sink.AddPublic(mod, tr.replaceDots(die.Name), seg+1, segOff, typ); err != nil {
		return fmt.Errorf("cannot add public: %w", err)
	}
	return nil
}

func (tr *DWARFTranslator) replaceDots(name string) string {
	out := []byte(name)
	for i := range out {
		if out[i] == '.' {
			out[i] = tr.cfg.DotReplacementChar
		}
	}
	return string(out)
}

//
// Pipeline
//

// CreateModules prepares the global module, registers sections, runs both
// passes and hands the type stream to the sink.
func (tr *DWARFTranslator) CreateModules() error {
	if !tr.img.DebugInfo.IsPresent() {
		return fmt.Errorf("no .debug_info section found: %w", ErrNoDebugInfo)
	}
	if tr.img.CodeSegment < 0 {
		return fmt.Errorf("no code section found: %w", ErrNoDebugInfo)
	}

	tr.codeSegOff = tr.img.imageBase() +
		uint64(tr.img.Sections[tr.img.CodeSegment].VirtualAddress)

	mod, err := tr.GlobalMod()
	if err != nil {
		return err
	}
	for s := range tr.img.Sections {
		if err := tr.sink.Dbi.AddSec(s+1, 0x10d, 0, tr.img.Sections[s].SizeOfRawData); err != nil {
			return fmt.Errorf("cannot add section: %w", err)
		}
	}

	tr.createEmptyFieldListType()
	if tr.cfg.DVersion > 0 {
		tr.appendComplex(T_CPLX32, T_REAL32, 4, "cfloat")
		tr.appendComplex(T_CPLX64, T_REAL64, 8, "cdouble")
		tr.appendComplex(T_CPLX80, T_REAL80, 12, "creal")
	}

	tr.mapTypes()
	if err := tr.createTypes(); err != nil {
		return err
	}

	if len(tr.userTypes.b) > 0 || len(tr.dwarfTypes.b) > 0 {
		blob := make([]byte, 0, len(tr.userTypes.b)+len(tr.dwarfTypes.b))
		blob = append(blob, tr.userTypes.b...)
		blob = append(blob, tr.dwarfTypes.b...)
		if err := mod.AddTypes(FrameTypes(blob)); err != nil {
			return fmt.Errorf("cannot add type info to module: %w", err)
		}
	}
	return nil
}

// AddSymbols emits the search anchor, the compiland header and the
// accumulated procedure and variable symbols.
func (tr *DWARFTranslator) AddSymbols() error {
	mod, err := tr.GlobalMod()
	if err != nil {
		return err
	}

	var head symWriter

	// SSEARCH
	start := head.begin(S_SSEARCH_V1)
	head.u32(0)
	head.u16(uint16(tr.img.CodeSegment + 1))
	head.end(start)

	// COMPILAND
	start = head.begin(S_COMPILAND_V1)
	machine := byte(6) // Pentium Pro
	if tr.img.Is64 {
		machine = 0xd0 // x64
	}
	head.u8(machine)
	head.u8(1)      // language: C++
	head.u16(0x80)  // flags
	head.name([]byte("cv2pdb"), NamePascal, tr.cfg.DotReplacementChar)
	head.end(start)

	head.raw(tr.symbols.b)
	head.raw(tr.udt.Marshal(tr.cfg))

	if err := mod.AddSymbols(tr.sink.FrameSymbols(head.b)); err != nil {
		return fmt.Errorf("cannot add symbols to module: %w", err)
	}
	return nil
}

// AddLines runs the line-number reconstructor against the global module.
func (tr *DWARFTranslator) AddLines() error {
	mod, err := tr.GlobalMod()
	if err != nil {
		return err
	}
	lr := NewLineReconstructor(tr.img, mod, tr.cfg.Debug)
	if err := lr.Run(); err != nil {
		return fmt.Errorf("cannot add line number info to module: %w", err)
	}
	return nil
}

// AddPublics registers the catch-all public of the code segment.
func (tr *DWARFTranslator) AddPublics() error {
	mod, err := tr.GlobalMod()
	if err != nil {
		return err
	}
	if err := tr.sink.AddPublic(mod, "public_all", tr.img.CodeSegment+1, 0, 0x1000); err != nil {
		return fmt.Errorf("cannot add public: %w", err)
	}
	return nil
}
