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

// CVTranslator rewrites a CodeView NB09/NB11 directory into v2/v3 records
// fed to the output sink: a replacement global-type blob, synthesized user
// types appended at the end, rewritten symbol blobs, and UDT symbols.
type CVTranslator struct {
	img  *PEImage
	cfg  *Config
	sink *Sink

	mod     Mod
	modules map[int]Mod

	// Input global types: record area plus per-record offsets.
	typeData    []byte
	typeOffsets []uint32

	// Translated records and synthesized user types. Both are arenas of
	// raw records with tracked boundaries; cross-references are indices.
	globalTypes typeBuf
	userTypes   typeBuf

	nextUserType int
	pointerTypes []int

	globalSymbols []byte
	staticSymbols []byte
	udt           *UDTTable

	typedefs           []int
	translatedTypedefs []int

	emptyFieldListType int
	classEnumType      int
	ifaceEnumType      int
	cppIfaceEnumType   int
	structEnumType     int
	classBaseType      int
	ifaceBaseType      int
	cppIfaceBaseType   int
	structBaseType     int

	addClassTypeEnum    bool
	addStringViewHelper bool
	addObjectViewHelper bool

	segMapDesc     []OMFSegMapDesc
	segFrame2Index []int
	libraries      []byte

	srcLineStart [][]bool

	logger *log.Helper
}

// NewCVTranslator returns a translator over a parsed CodeView image.
func NewCVTranslator(img *PEImage, cfg *Config, sink *Sink) *CVTranslator {
	tr := &CVTranslator{
		img:     img,
		cfg:     cfg,
		sink:    sink,
		modules: make(map[int]Mod),
		udt:     NewUDTTable(),
	}
	if cfg.Logger == nil {
		tr.logger = log.NewHelper(log.NewFilter(log.NewStdLogger(os.Stderr),
			log.FilterLevel(log.LevelError)))
	} else {
		tr.logger = log.NewHelper(cfg.Logger)
	}

	// Only add helpers for debugger engines without a language visualizer.
	tr.addClassTypeEnum = sink.Version() < 12
	tr.addStringViewHelper = sink.Version() < 12
	tr.addObjectViewHelper = sink.Version() < 12

	tr.nextUserType = 0x1000
	return tr
}

func (tr *CVTranslator) nameStyle() NameStyle {
	if tr.cfg.V3 {
		return NameZero
	}
	return NamePascal
}

// GlobalMod returns the single module every translation unit funnels into.
func (tr *CVTranslator) GlobalMod() (Mod, error) {
	if tr.mod == nil {
		mod, err := tr.sink.Dbi.OpenMod("__Globals", "__Globals")
		if err != nil {
			return nil, fmt.Errorf("cannot create global module: %w", err)
		}
		tr.mod = mod
	}
	return tr.mod, nil
}

//
// Input record access
//

func (tr *CVTranslator) inputTypeCount() int { return len(tr.typeOffsets) }

// getTypeData returns the raw record of a type index: input records below
// the user-type window, synthesized records above it.
func (tr *CVTranslator) getTypeData(typ int) []byte {
	if typ < 0x1000 || typ >= 0x1000+tr.inputTypeCount()+tr.userTypes.count() {
		return nil
	}
	if typ >= 0x1000+tr.inputTypeCount() {
		return tr.getUserTypeData(typ)
	}
	off := tr.typeOffsets[typ-0x1000]
	if int(off)+4 > len(tr.typeData) {
		return nil
	}
	rec := tr.typeData[off:]
	n := recLen(rec)
	if n > len(rec) {
		return nil
	}
	return rec[:n]
}

func (tr *CVTranslator) getUserTypeData(typ int) []byte {
	return tr.userTypes.record(typ - 0x1000 - tr.inputTypeCount())
}

// getConvertedTypeData returns the already-translated record of an output
// type index.
func (tr *CVTranslator) getConvertedTypeData(typ int) []byte {
	return tr.globalTypes.record(typ - 0x1000)
}

// translateType maps an input type index to the output index, to be used
// when writing new records only. Basic complex ids go through the typedef
// remap table; OEM oddities from the C compiler collapse to integers.
func (tr *CVTranslator) translateType(typ int) int {
	if typ < 0x1000 {
		for i, t := range tr.typedefs {
			if typ == t {
				return tr.translatedTypedefs[i]
			}
		}
		return typ
	}

	rec := tr.getTypeData(typ)
	if rec == nil || recID(rec) != LF_OEM_V1 {
		return typ
	}
	oemid, oemkind := u16at(rec, 4), u16at(rec, 6)
	t1, t2 := u16at(rec, 10), u16at(rec, 12)
	if oemid == OEMVendorD && oemkind == OEMDelegate {
		if t1 == T_32PVOID && t2 == T_INT4 {
			return tr.translateType(T_QUAD)
		}
	}
	if oemid == OEMVendorD && oemkind == OEMDynamicArray && tr.cfg.DVersion == 0 {
		// C has no dynamic arrays, so this encodes unsigned long long.
		if t1 == T_LONG && t2 == T_INT4 {
			return tr.translateType(T_UQUAD)
		}
	}
	return typ
}

func (tr *CVTranslator) sizeofType(typ int) int {
	if typ < 0x1000 {
		return sizeofBasicType(typ)
	}
	rec := tr.getTypeData(typ)
	if rec == nil {
		return 4
	}
	switch recID(rec) {
	case LF_CLASS_V1, LF_STRUCTURE_V1:
		if structProperty(rec)&kPropIncomplete != 0 {
			if complete, _ := tr.findCompleteClassType(rec); complete != nil {
				rec = complete
			}
		}
		return int(structSize(rec))
	case LF_OEM_V1, LF_OEM_V2:
		if u16at(rec, 4) == OEMVendorD {
			return 8 // all D oem containers
		}
	}
	// everything else must be pointer or function pointer
	return 4
}

//
// Field-list processing
//

// Commands of the reentrant field-list walk.
const (
	cmdAdd = iota
	cmdCount
	cmdNestedTypes
	cmdOffsetFirstVirtualMethod
	cmdHasClassTypeEnum
	cmdCountBaseClasses
)

// doFields performs one of six jobs over a field list, selected by cmd:
// copy with rewrite into dst, count entries, count base classes, count
// nested types (optionally matching arg), test for the class-type-enum
// member, or return the offset of the first virtual method. Entries are
// walked strictly in order; 0xF1-0xF4 bytes between entries signal a skip
// count. An unrecognized entry stops the walk; entries already processed
// stay valid.
func (tr *CVTranslator) doFields(cmd int, dst *fieldBuf, fieldlist []byte, arg int) (int, error) {
	list := fieldlist[4:recLen(fieldlist)]
	style := tr.nameStyle()

	nestedTypes := 0
	baseClasses := 0
	cntFields := 0
	testNestedType := 0
	if cmd == cmdNestedTypes {
		testNestedType = arg
	}

	pos := 0
	for pos < len(list) {
		if list[pos] >= 0xf1 {
			pos += int(list[pos] & 0x0f)
			continue
		}
		if pos&3 != 0 {
			return 0, fmt.Errorf("%w: bad field alignment", ErrUnsupportedField)
		}

		entry := list[pos:]
		id := u16at(entry, 0)

		switch id {
		case LF_ENUMERATE_V1:
			_, leafLen, err := NumericLeaf(entry[4:])
			if err != nil {
				return cntFields, err
			}
			nameLen := pstrMemLen(entry[4+leafLen:])
			if dst != nil {
				if tr.cfg.V3 {
					dst.u16(LF_ENUMERATE_V3)
				} else {
					dst.u16(LF_ENUMERATE_V1)
				}
				dst.u16(uint16(u16at(entry, 2)))
				dst.b = append(dst.b, entry[4:4+leafLen]...)
				name, _ := readName(entry[4+leafLen:], NamePascal)
				dst.b = CopyName(dst.b, name, style, tr.cfg.DotReplacementChar)
				dst.pad()
			}
			pos += 4 + leafLen + nameLen

		case LF_ENUMERATE_V3:
			_, leafLen, err := NumericLeaf(entry[4:])
			if err != nil {
				return cntFields, err
			}
			nameLen := cstrMemLen(entry[4+leafLen:])
			if dst != nil {
				dst.b = append(dst.b, entry[:4+leafLen+nameLen]...)
				dst.pad()
			}
			pos += 4 + leafLen + nameLen

		case LF_MEMBER_V1:
			_, leafLen, err := NumericLeaf(entry[6:])
			if err != nil {
				return cntFields, err
			}
			nameLen := pstrMemLen(entry[6+leafLen:])
			if dst != nil {
				if tr.cfg.V3 {
					dst.u16(LF_MEMBER_V3)
				} else {
					dst.u16(LF_MEMBER_V2)
				}
				dst.u16(uint16(u16at(entry, 4)))
				dst.u32(uint32(tr.translateType(u16at(entry, 2))))
				dst.b = append(dst.b, entry[6:6+leafLen]...)
				name, _ := readName(entry[6+leafLen:], NamePascal)
				dst.b = CopyName(dst.b, name, style, tr.cfg.DotReplacementChar)
				dst.pad()
			}
			pos += 6 + leafLen + nameLen

		case LF_MEMBER_V2, LF_MEMBER_V3:
			_, leafLen, err := NumericLeaf(entry[8:])
			if err != nil {
				return cntFields, err
			}
			var nameLen int
			if id == LF_MEMBER_V3 {
				nameLen = cstrMemLen(entry[8+leafLen:])
			} else {
				nameLen = pstrMemLen(entry[8+leafLen:])
			}
			if dst != nil {
				dst.b = append(dst.b, entry[:8+leafLen+nameLen]...)
				dst.pad()
			}
			pos += 8 + leafLen + nameLen

		case LF_BCLASS_V1:
			baseClasses++
			_, leafLen, err := NumericLeaf(entry[6:])
			if err != nil {
				return cntFields, err
			}
			if dst != nil {
				dst.u16(LF_BCLASS_V2)
				dst.u16(uint16(u16at(entry, 4)))
				dst.u32(uint32(tr.translateType(u16at(entry, 2))))
				dst.b = append(dst.b, entry[6:6+leafLen]...)
				dst.pad()
			}
			pos += 6 + leafLen

		case LF_BCLASS_V2:
			baseClasses++
			_, leafLen, err := NumericLeaf(entry[8:])
			if err != nil {
				return cntFields, err
			}
			if dst != nil {
				dst.b = append(dst.b, entry[:8+leafLen]...)
				dst.pad()
			}
			pos += 8 + leafLen

		case LF_METHOD_V1:
			count := u16at(entry, 2)
			mlist := tr.getTypeData(u16at(entry, 4))
			nameLen := pstrMemLen(entry[6:])

			if cmd == cmdOffsetFirstVirtualMethod && mlist != nil &&
				recID(mlist) == LF_METHODLIST_V1 && recLen(mlist) > 4 {
				// just check the first entry
				attr := u16at(mlist, 4)
				if mode := (attr >> 2) & 7; mode == 4 || mode == 6 {
					return u32at(mlist, 8), nil
				}
			}
			if tr.cfg.RemoveMethodLists &&
				!(tr.cfg.MethodListToOneMethod && count == 1 && mlist != nil) {
				// throw away and do not count
				pos += 6 + nameLen
				continue
			}
			if dst != nil {
				if tr.cfg.MethodListToOneMethod && count == 1 && mlist != nil {
					attr := u16at(mlist, 4)
					if tr.cfg.V3 {
						dst.u16(LF_ONEMETHOD_V3)
					} else {
						dst.u16(LF_ONEMETHOD_V2)
					}
					dst.u16(uint16(attr))
					dst.u32(uint32(tr.translateType(u16at(mlist, 6))))
					if mode := (attr >> 2) & 7; mode == 4 || mode == 6 {
						// introducing virtual
						dst.u32(uint32(u32at(mlist, 8)))
					}
				} else {
					if tr.cfg.V3 {
						dst.u16(LF_METHOD_V3)
					} else {
						dst.u16(LF_METHOD_V2)
					}
					dst.u16(uint16(count))
					dst.u32(uint32(u16at(entry, 4)))
				}
				name, _ := readName(entry[6:], NamePascal)
				dst.b = CopyName(dst.b, name, style, tr.cfg.DotReplacementChar)
				dst.pad()
			}
			pos += 6 + nameLen

		case LF_METHOD_V2:
			nameLen := pstrMemLen(entry[8:])
			if dst != nil {
				dst.b = append(dst.b, entry[:8+nameLen]...)
				dst.pad()
			}
			pos += 8 + nameLen

		case LF_METHOD_V3:
			nameLen := cstrMemLen(entry[8:])
			if dst != nil {
				dst.b = append(dst.b, entry[:8+nameLen]...)
				dst.pad()
			}
			pos += 8 + nameLen

		case LF_STMEMBER_V1:
			nameLen := pstrMemLen(entry[6:])
			if dst != nil {
				if tr.cfg.V3 {
					dst.u16(LF_STMEMBER_V3)
				} else {
					dst.u16(LF_STMEMBER_V2)
				}
				dst.u16(uint16(u16at(entry, 4)))
				dst.u32(uint32(tr.translateType(u16at(entry, 2))))
				name, _ := readName(entry[6:], NamePascal)
				dst.b = CopyName(dst.b, name, style, tr.cfg.DotReplacementChar)
				dst.pad()
			}
			pos += 6 + nameLen

		case LF_STMEMBER_V2:
			nameLen := pstrMemLen(entry[8:])
			if dst != nil {
				dst.b = append(dst.b, entry[:8+nameLen]...)
				dst.pad()
			}
			pos += 8 + nameLen

		case LF_STMEMBER_V3:
			nameLen := cstrMemLen(entry[8:])
			if dst != nil {
				dst.b = append(dst.b, entry[:8+nameLen]...)
				dst.pad()
			}
			pos += 8 + nameLen

		case LF_NESTTYPE_V1, LF_NESTTYPE_V2, LF_NESTTYPE_V3:
			var typ, nameOff int
			switch id {
			case LF_NESTTYPE_V1:
				typ = u16at(entry, 2)
				nameOff = 4
			default:
				typ = u32at(entry, 4)
				nameOff = 8
			}
			var name []byte
			var nameLen int
			if id == LF_NESTTYPE_V3 {
				name, nameLen = readName(entry[nameOff:], NameZero)
				nameLen = cstrMemLen(entry[nameOff:])
			} else {
				name, _ = readName(entry[nameOff:], NamePascal)
				nameLen = pstrMemLen(entry[nameOff:])
			}
			if testNestedType == 0 || testNestedType == typ {
				nestedTypes++
			}
			if cmd == cmdHasClassTypeEnum && string(name) == ClassTypeEnumType {
				return 1, nil
			}
			if dst != nil {
				switch id {
				case LF_NESTTYPE_V1:
					if tr.cfg.V3 {
						dst.u16(LF_NESTTYPE_V3)
					} else {
						dst.u16(LF_NESTTYPE_V2)
					}
					dst.u16(0)
					dst.u32(uint32(tr.translateType(typ)))
					dst.b = CopyName(dst.b, name, style, tr.cfg.DotReplacementChar)
					dst.pad()
				default:
					dst.b = append(dst.b, entry[:nameOff+nameLen]...)
					dst.pad()
				}
			}
			pos += nameOff + nameLen

		case LF_VFUNCTAB_V1:
			if dst != nil {
				dst.vfuncTab(u16at(entry, 2))
			}
			pos += 4

		case LF_VFUNCTAB_V2:
			if dst != nil {
				dst.b = append(dst.b, entry[:8]...)
				dst.pad()
			}
			pos += 8

		// Throw away friend function declarations: there is no v3
		// replacement and the debugger won't need them.
		case LF_FRIENDFCN_V1:
			pos += 4 + pstrMemLen(entry[4:])
			continue
		case LF_FRIENDFCN_V2:
			pos += 8 + pstrMemLen(entry[8:])
			continue

		case LF_FRIENDCLS_V1:
			if dst != nil {
				dst.u16(LF_FRIENDCLS_V2)
				dst.u16(0)
				dst.u32(uint32(u16at(entry, 2)))
				dst.pad()
			}
			pos += 4
		case LF_FRIENDCLS_V2:
			if dst != nil {
				dst.b = append(dst.b, entry[:8]...)
				dst.pad()
			}
			pos += 8

		case LF_VBCLASS_V1, LF_IVBCLASS_V1:
			baseClasses++
			_, leafLen1, err := NumericLeaf(entry[8:])
			if err != nil {
				return cntFields, err
			}
			_, leafLen2, err := NumericLeaf(entry[8+leafLen1:])
			if err != nil {
				return cntFields, err
			}
			if dst != nil {
				if id == LF_VBCLASS_V1 {
					dst.u16(LF_VBCLASS_V2)
				} else {
					dst.u16(LF_IVBCLASS_V2)
				}
				dst.u16(uint16(u16at(entry, 6)))
				dst.u32(uint32(u16at(entry, 2)))
				dst.u32(uint32(u16at(entry, 4)))
				dst.b = append(dst.b, entry[8:8+leafLen1+leafLen2]...)
				dst.pad()
			}
			pos += 8 + leafLen1 + leafLen2

		case LF_VBCLASS_V2, LF_IVBCLASS_V2:
			baseClasses++
			_, leafLen1, err := NumericLeaf(entry[12:])
			if err != nil {
				return cntFields, err
			}
			_, leafLen2, err := NumericLeaf(entry[12+leafLen1:])
			if err != nil {
				return cntFields, err
			}
			if dst != nil {
				dst.b = append(dst.b, entry[:12+leafLen1+leafLen2]...)
				dst.pad()
			}
			pos += 12 + leafLen1 + leafLen2

		default:
			return cntFields, fmt.Errorf("%w: field kind %x", ErrUnsupportedField, id)
		}
		cntFields++
	}

	switch cmd {
	case cmdAdd, cmdCount:
		return cntFields, nil
	case cmdNestedTypes:
		return nestedTypes, nil
	case cmdCountBaseClasses:
		return baseClasses, nil
	case cmdOffsetFirstVirtualMethod:
		return -1, nil
	case cmdHasClassTypeEnum:
		return 0, nil
	}
	return 0, fmt.Errorf("doFields: unknown command %d", cmd)
}

func (tr *CVTranslator) countFields(fieldlist []byte) int {
	n, err := tr.doFields(cmdCount, nil, fieldlist, 0)
	if err != nil {
		tr.logger.Warnf("field list walk stopped: %v", err)
	}
	return n
}

func (tr *CVTranslator) countNestedTypes(fieldlist []byte, typ int) int {
	n, err := tr.doFields(cmdNestedTypes, nil, fieldlist, typ)
	if err != nil {
		return 0
	}
	return n
}

//
// Record writers
//

// writeAggregate appends a class or structure record to tb.
func (tr *CVTranslator) writeAggregate(tb *typeBuf, clss bool, nElement, fieldlist, property,
	derived, vshape int, structlen int64, name, uniquename []byte) {

	var id uint16
	switch {
	case clss && tr.cfg.V3:
		id = LF_CLASS_V3
	case clss:
		id = LF_CLASS_V2
	case tr.cfg.V3:
		id = LF_STRUCTURE_V3
	default:
		id = LF_STRUCTURE_V2
	}
	if uniquename != nil {
		property |= kPropUniquename
	}
	start := tb.begin(id)
	tb.u16(uint16(nElement))
	tb.u16(uint16(property))
	tb.u32(uint32(fieldlist))
	tb.u32(uint32(derived))
	tb.u32(uint32(vshape))
	tb.leaf(structlen)
	tb.name(name, tr.nameStyle(), tr.cfg.DotReplacementChar)
	if uniquename != nil {
		tb.name(uniquename, tr.nameStyle(), tr.cfg.DotReplacementChar)
	}
	tb.end(start)
}

func (tr *CVTranslator) writeStruct(tb *typeBuf, nElement, fieldlist, property,
	derived, vshape int, structlen int64, name string) {
	tr.writeAggregate(tb, false, nElement, fieldlist, property, derived, vshape,
		structlen, []byte(name), nil)
}

// writeEnum appends an enumeration record.
func (tr *CVTranslator) writeEnum(tb *typeBuf, count, fieldlist, property, typ int, name string) {
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

// writePointer appends a pointer record; always 12 bytes, no padding
// needed.
func writePointer(tb *typeBuf, typ, attr int) {
	start := tb.begin(LF_POINTER_V2)
	tb.u32(uint32(typ))
	tb.u32(uint32(attr))
	tb.end(start)
}

// writeModifier appends a modifier record.
func writeModifier(tb *typeBuf, typ, attr int) {
	start := tb.begin(LF_MODIFIER_V2)
	tb.u32(uint32(typ))
	tb.u16(uint16(attr))
	tb.end(start)
}

// writeFieldList appends a field-list record holding the accumulated
// entries.
func writeFieldList(tb *typeBuf, fields *fieldBuf) {
	start := tb.begin(LF_FIELDLIST_V2)
	tb.raw(fields.b)
	tb.end(start)
}

//
// Synthesized user types
//

func (tr *CVTranslator) defaultPointerAttr() int {
	if tr.img.Is64 {
		return 0x1000C
	}
	return 0x800A
}

// appendPointerType adds a pointer user type and returns its index.
func (tr *CVTranslator) appendPointerType(pointedType, attr int) int {
	writePointer(&tr.userTypes, tr.translateType(pointedType), attr)
	idx := tr.nextUserType
	tr.nextUserType++
	return idx
}

// appendModifierType adds a modifier user type and returns its index.
func (tr *CVTranslator) appendModifierType(typ, attr int) int {
	writeModifier(&tr.userTypes, tr.translateType(typ), attr)
	idx := tr.nextUserType
	tr.nextUserType++
	return idx
}

// createEmptyFieldListType lazily creates the shared empty field list.
func (tr *CVTranslator) createEmptyFieldListType() int {
	if tr.emptyFieldListType > 0 {
		return tr.emptyFieldListType
	}
	var fields fieldBuf
	writeFieldList(&tr.userTypes, &fields)
	tr.emptyFieldListType = tr.nextUserType
	tr.nextUserType++
	return tr.emptyFieldListType
}

// appendTypedef emits a typedef for a basic type: an empty enum when the
// debugger should visualize by name, a plain modifier otherwise.
func (tr *CVTranslator) appendTypedef(typ int, name string, saveTranslation bool) int {
	basetype := typ
	if typ == T_CHAR32 {
		basetype = T_UINT4 // dchar is not understood by the debugger
	}

	if tr.cfg.Debug&DbgPdbTypes != 0 {
		tr.logger.Debugf("adding typedef %s -> %x", name, typ)
	}

	var typedefType int
	if tr.cfg.UseTypedefEnum {
		fieldlistType := tr.createEmptyFieldListType()
		tr.writeEnum(&tr.userTypes, 0, fieldlistType, 0, basetype, name)
		typedefType = tr.nextUserType
		tr.nextUserType++
	} else {
		typedefType = tr.appendModifierType(typ, 0)
	}
	if saveTranslation {
		tr.typedefs = append(tr.typedefs, typ)
		tr.translatedTypedefs = append(tr.translatedTypedefs, typedefType)
	}
	tr.udt.Add(typedefType, name)
	return typedefType
}

// appendComplex lowers a complex basic type to a two-element {re, im}
// struct and records the remap so later references translate to the
// aggregate.
func (tr *CVTranslator) appendComplex(cplxType, baseType, elemSize int, name string) int {
	baseType = tr.translateType(baseType)

	var fields fieldBuf
	style := tr.nameStyle()
	fields.member(1, 0, baseType, []byte("re"), style, tr.cfg.DotReplacementChar)
	fields.member(1, int64(elemSize), baseType, []byte("im"), style, tr.cfg.DotReplacementChar)
	writeFieldList(&tr.userTypes, &fields)
	fieldlistType := tr.nextUserType
	tr.nextUserType++

	tr.writeStruct(&tr.userTypes, 2, fieldlistType, 0, 0, 0, int64(2*elemSize), name)
	classType := tr.nextUserType
	tr.nextUserType++
	tr.udt.Add(classType, name)

	tr.typedefs = append(tr.typedefs, cplxType)
	tr.translatedTypedefs = append(tr.translatedTypedefs, classType)
	return classType
}

// appendTypedefs emits the D primitive typedef set. Foreign-language mode
// has no language-specific names.
func (tr *CVTranslator) appendTypedefs() {
	if tr.cfg.DVersion == 0 {
		return
	}
	tr.appendTypedef(T_CHAR, "byte", true)
	tr.appendTypedef(T_UCHAR, "ubyte", true)
	tr.appendTypedef(T_USHORT, "ushort", true)
	tr.appendTypedef(T_UINT4, "uint", true)
	tr.appendTypedef(T_QUAD, "dlong", true) // instead of "long"
	tr.appendTypedef(T_UQUAD, "ulong", true)
	tr.appendTypedef(T_REAL80, "real", true)
	// no imaginary types
	tr.appendTypedef(T_WCHAR, "wchar", true)
	tr.appendTypedef(T_CHAR32, "dchar", true)

	tr.appendComplex(T_CPLX32, T_REAL32, 4, "cfloat")
	tr.appendComplex(T_CPLX64, T_REAL64, 8, "cdouble")
	tr.appendComplex(T_CPLX80, T_REAL80, 10, "creal")
}

// appendEnumerator creates a single-value enum type used as a class
// category marker.
func (tr *CVTranslator) appendEnumerator(typeName, enumName string, enumValue int64, prop int) int {
	var fields fieldBuf
	fields.enumerate([]byte(enumName), enumValue, tr.nameStyle(), tr.cfg.DotReplacementChar)
	writeFieldList(&tr.userTypes, &fields)
	fieldlistType := tr.nextUserType
	tr.nextUserType++

	tr.writeEnum(&tr.userTypes, 1, fieldlistType, prop, T_INT4, typeName)
	enumType := tr.nextUserType
	tr.nextUserType++

	tr.udt.Add(enumType, typeName)
	return enumType
}

// appendObjectType creates a top-level helper class for one class
// category, carrying a dummy v-table shape.
func (tr *CVTranslator) appendObjectType(objectKind, enumType int, classSymbol string) int {
	viewHelperType := 0
	if tr.addObjectViewHelper && objectKind == kClassTypeObject {
		var empty fieldBuf
		writeFieldList(&tr.userTypes, &empty)
		helpFieldlistType := tr.nextUserType
		tr.nextUserType++

		tr.writeStruct(&tr.userTypes, 0, helpFieldlistType, 0, 0, 0, 0, "object_viewhelper")
		viewHelperType = tr.nextUserType
		tr.nextUserType++
		tr.udt.Add(viewHelperType, "object_viewhelper")
	}

	// vtable shape with one near entry
	start := tr.userTypes.begin(LF_VTSHAPE_V1)
	tr.userTypes.u16(1)
	tr.userTypes.u16(0xf150)
	tr.userTypes.end(start)
	vtableType := tr.nextUserType
	tr.nextUserType++

	writePointer(&tr.userTypes, vtableType, tr.defaultPointerAttr())
	vtablePtrType := tr.nextUserType
	tr.nextUserType++

	var fields fieldBuf
	fields.vfuncTab(vtablePtrType)
	numElem := 1
	if viewHelperType != 0 {
		fields.member(1, 0, viewHelperType, []byte("__viewhelper"), tr.nameStyle(), tr.cfg.DotReplacementChar)
		numElem++
	}
	if tr.addClassTypeEnum {
		fields.nestedType(enumType, []byte(ClassTypeEnumType), tr.nameStyle(), tr.cfg.DotReplacementChar)
		numElem++
	}
	writeFieldList(&tr.userTypes, &fields)
	fieldListType := tr.nextUserType
	tr.nextUserType++

	prop := 0
	if tr.addClassTypeEnum {
		prop = kPropHasNested
	}
	tr.writeAggregate(&tr.userTypes, true, numElem, fieldListType, prop, 0, vtableType, 4,
		[]byte(classSymbol), nil)
	objType := tr.nextUserType
	tr.nextUserType++

	tr.udt.Add(objType, classSymbol)
	return objType
}

//
// OEM lowering
//

// oemTypeName pretty-prints the name of an OEM container record payload.
func (tr *CVTranslator) oemTypeName(oem []byte) (string, error) {
	oemid, kind := u16at(oem, 0), u16at(oem, 2)
	t1, t2 := u16at(oem, 6), u16at(oem, 8)
	if oemid != OEMVendorD {
		return "", fmt.Errorf("%w: unknown OEM id %x", ErrUnsupportedField, oemid)
	}
	switch kind {
	case OEMDynamicArray:
		return tr.nameOfDynamicArray(t1, t2)
	case OEMAssocArray:
		return tr.nameOfAssocArray(t1, t2)
	case OEMDelegate:
		return tr.nameOfDelegate(t1, t2)
	}
	return "", fmt.Errorf("%w: unknown OEM record %x", ErrUnsupportedField, kind)
}

func (tr *CVTranslator) nameOfDynamicArray(indexType, elemType int) (string, error) {
	name, err := tr.typeName(elemType)
	if err != nil {
		return "", err
	}
	d2 := tr.cfg.DVersion >= 2
	switch {
	case d2 && name == "const char", !d2 && name == "char":
		return "string", nil
	case d2 && name == "const wchar", !d2 && name == "wchar":
		return "wstring", nil
	case d2 && name == "const dchar", !d2 && name == "dchar":
		return "dstring", nil
	}
	return name + "[]", nil
}

func (tr *CVTranslator) nameOfAssocArray(keyType, elemType int) (string, error) {
	// The prefix distinguishes tree from list implementations.
	prefix := "aa<"
	if tr.cfg.DVersion >= 2.068 {
		prefix = "aa3<"
	} else if tr.cfg.DVersion >= 2.043 {
		prefix = "aa2<"
	}
	elem, err := tr.typeName(elemType)
	if err != nil {
		return "", err
	}
	key, err := tr.typeName(keyType)
	if err != nil {
		return "", err
	}
	return prefix + elem + "[" + key + "]>", nil
}

func (tr *CVTranslator) nameOfDelegate(thisType, funcType int) (string, error) {
	fn, err := tr.typeName(funcType)
	if err != nil {
		return "", err
	}
	return "delegate " + fn, nil
}

// appendDynamicArray lowers a dynamic array to a {length, ptr} struct and
// returns its display name. The struct itself lands in the user types; the
// caller emits a forward reference in the rewritten slot.
func (tr *CVTranslator) appendDynamicArray(indexType, elemType int) (string, error) {
	indexType = tr.translateType(indexType)
	elemType = tr.translateType(elemType)

	name, err := tr.nameOfDynamicArray(indexType, elemType)
	if err != nil {
		return "", err
	}

	writePointer(&tr.userTypes, elemType, tr.defaultPointerAttr())
	dataPtrType := tr.nextUserType
	tr.nextUserType++

	dstringType := 0
	if tr.addStringViewHelper &&
		(name == "string" || name == "wstring" || name == "dstring") {
		// A zero-field helper struct the auto-expansion visualizer DLL can
		// latch onto by member name.
		var empty fieldBuf
		writeFieldList(&tr.userTypes, &empty)
		helpFieldlistType := tr.nextUserType
		tr.nextUserType++

		helper := name + "_viewhelper"
		tr.writeStruct(&tr.userTypes, 0, helpFieldlistType, 0, 0, 0, 4, helper)
		dstringType = tr.nextUserType
		tr.nextUserType++
		tr.udt.Add(dstringType, helper)
	}

	style := tr.nameStyle()
	var fields fieldBuf
	fields.member(1, 0, indexType, []byte("length"), style, tr.cfg.DotReplacementChar)
	fields.member(1, 4, dataPtrType, []byte("ptr"), style, tr.cfg.DotReplacementChar)
	numElem := 2
	if dstringType > 0 {
		fields.member(1, 0, dstringType, []byte("__viewhelper"), style, tr.cfg.DotReplacementChar)
		numElem++
	}
	writeFieldList(&tr.userTypes, &fields)
	fieldlistType := tr.nextUserType
	tr.nextUserType++

	tr.writeStruct(&tr.userTypes, numElem, fieldlistType, 0, 0, 0, 8, name)
	udType := tr.nextUserType
	tr.nextUserType++

	tr.udt.Add(udType, name)
	return name, nil
}

// appendDelegate lowers a delegate to a {thisptr, funcptr} struct and
// returns its display name.
func (tr *CVTranslator) appendDelegate(thisType, funcType int) (string, error) {
	thisType = tr.translateType(thisType)
	funcType = tr.translateType(funcType)

	name, err := tr.nameOfDelegate(thisType, funcType)
	if err != nil {
		return "", err
	}

	writePointer(&tr.userTypes, funcType, tr.defaultPointerAttr())
	funcPtrType := tr.nextUserType
	tr.nextUserType++

	thisPtrType := thisType
	if thisType != T_32PVOID {
		writePointer(&tr.userTypes, thisType, tr.defaultPointerAttr())
		thisPtrType = tr.nextUserType
		tr.nextUserType++
	}

	style := tr.nameStyle()
	var fields fieldBuf
	fields.member(1, 0, thisPtrType, []byte("thisptr"), style, tr.cfg.DotReplacementChar)
	fields.member(1, 4, funcPtrType, []byte("funcptr"), style, tr.cfg.DotReplacementChar)
	writeFieldList(&tr.userTypes, &fields)
	fieldlistType := tr.nextUserType
	tr.nextUserType++

	tr.writeStruct(&tr.userTypes, 2, fieldlistType, 0, 0, 0, 8, name)
	udType := tr.nextUserType
	tr.nextUserType++

	tr.udt.Add(udType, name)
	return name, nil
}

// appendAssocArray lowers an associative array. The modern form is a
// struct holding one opaque pointer plus two nested typedefs; older
// runtimes get the concrete tree nodes reconstructed. The final struct
// record is written into dst (the rewritten slot).
func (tr *CVTranslator) appendAssocArray(dst *typeBuf, keyType, elemType int) error {
	keyType = tr.translateType(keyType)
	elemType = tr.translateType(elemType)
	style := tr.nameStyle()

	if tr.cfg.DVersion >= 2.068 {
		// struct AA { void* ptr; typedef keyType __key_t; typedef elemType __val_t; }
		ptrType := T_32PVOID
		if tr.img.Is64 {
			ptrType = T_64PVOID
		}
		var fields fieldBuf
		fields.member(1, 0, ptrType, []byte("ptr"), style, tr.cfg.DotReplacementChar)
		fields.nestedType(keyType, []byte("__key_t"), style, tr.cfg.DotReplacementChar)
		fields.nestedType(elemType, []byte("__val_t"), style, tr.cfg.DotReplacementChar)
		writeFieldList(&tr.userTypes, &fields)
		aaFieldListType := tr.nextUserType
		tr.nextUserType++

		uname, err := tr.nameOfAssocArray(keyType, elemType)
		if err != nil {
			return err
		}
		elemName, err := tr.typeName(elemType)
		if err != nil {
			return err
		}
		keyName, err := tr.typeName(keyType)
		if err != nil {
			return err
		}
		name := elemName + "[" + keyName + "]"

		tr.writeAggregate(dst, false, 3, aaFieldListType, 0, 0, 0, 4,
			[]byte(name), []byte(uname))
		return nil
	}

	keyName, err := tr.typeName(keyType)
	if err != nil {
		return err
	}
	elemName, err := tr.typeName(elemType)
	if err != nil {
		return err
	}

	// struct aaA { aaA* left/right or next; hash_t hash; key; value; }
	aaaName := fmt.Sprintf("internal@aaA<%s,%s>", keyName, elemName)
	tr.writeStruct(&tr.userTypes, 0, 0, kPropIncomplete, 0, 0, 0, aaaName)
	aaAType := tr.nextUserType
	tr.nextUserType++

	writePointer(&tr.userTypes, aaAType, tr.defaultPointerAttr())
	aaAPtrType := tr.nextUserType
	tr.nextUserType++

	var fields fieldBuf
	off := int64(0)
	numElem := 0
	if tr.cfg.DVersion >= 2.043 {
		fields.member(1, off, aaAPtrType, []byte("next"), style, tr.cfg.DotReplacementChar)
		off += 4
		numElem++
	} else {
		fields.member(1, off, aaAPtrType, []byte("left"), style, tr.cfg.DotReplacementChar)
		off += 4
		fields.member(1, off, aaAPtrType, []byte("right"), style, tr.cfg.DotReplacementChar)
		off += 4
		numElem += 2
	}
	fields.member(1, off, T_INT4, []byte("hash"), style, tr.cfg.DotReplacementChar)
	off += 4
	fields.member(1, off, keyType, []byte("key"), style, tr.cfg.DotReplacementChar)
	off += int64(tr.sizeofType(keyType)+3) &^ 3
	fields.member(1, off, elemType, []byte("value"), style, tr.cfg.DotReplacementChar)
	off += int64(tr.sizeofType(elemType)+3) &^ 3
	numElem += 2
	writeFieldList(&tr.userTypes, &fields)
	fieldListType := tr.nextUserType
	tr.nextUserType++

	tr.writeStruct(&tr.userTypes, numElem, fieldListType, 0, 0, 0, off, aaaName)
	tr.udt.Add(tr.nextUserType, aaaName)
	tr.nextUserType++

	// struct BB { aaA*[] b; size_t nodes; }
	if _, err := tr.appendDynamicArray(T_INT4, aaAPtrType); err != nil {
		return err
	}
	dynArrType := tr.nextUserType - 1

	var bbFields fieldBuf
	bbFields.member(1, 0, dynArrType, []byte("b"), style, tr.cfg.DotReplacementChar)
	bbFields.member(1, 8, T_INT4, []byte("nodes"), style, tr.cfg.DotReplacementChar)
	writeFieldList(&tr.userTypes, &bbFields)
	bbFieldListType := tr.nextUserType
	tr.nextUserType++

	bbName := fmt.Sprintf("internal@BB<%s,%s>", keyName, elemName)
	tr.writeStruct(&tr.userTypes, 2, bbFieldListType, 0, 0, 0, 12, bbName)
	tr.udt.Add(tr.nextUserType, bbName)
	bbType := tr.nextUserType
	tr.nextUserType++

	// struct AA { BB* a; }
	writePointer(&tr.userTypes, bbType, tr.defaultPointerAttr())
	bbPtrType := tr.nextUserType
	tr.nextUserType++

	var aaFields fieldBuf
	aaFields.member(1, 0, bbPtrType, []byte("a"), style, tr.cfg.DotReplacementChar)
	writeFieldList(&tr.userTypes, &aaFields)
	aaFieldListType := tr.nextUserType
	tr.nextUserType++

	name, err := tr.nameOfAssocArray(keyType, elemType)
	if err != nil {
		return err
	}
	tr.writeAggregate(dst, false, 1, aaFieldListType, 0, 0, 0, 4, []byte(name), nil)
	return nil
}

//
// Forward-declaration completion and UDT management
//

// findCompleteClassType scans the input and user types for a complete
// aggregate with the same name as the given forward reference. The second
// result is the output type index, or -1 when only the argument itself was
// found.
func (tr *CVTranslator) findCompleteClassType(fwd []byte) ([]byte, int) {
	name, _ := structName(fwd)
	if name == nil {
		return nil, -1
	}

	for t := 0; t < tr.inputTypeCount(); t++ {
		rec := tr.getTypeData(t + 0x1000)
		if rec != nil && isCompleteStruct(rec, name, tr.cfg.DotReplacementChar) {
			return rec, t + 0x1000
		}
	}
	for i := 0; i < tr.userTypes.count(); i++ {
		rec := tr.userTypes.record(i)
		if rec != nil && isCompleteStruct(rec, name, tr.cfg.DotReplacementChar) {
			return rec, 0x1000 + tr.inputTypeCount() + i
		}
	}
	return fwd, -1
}

// symbolStreamFindUDT scans a raw symbol stream for a UDT record of the
// given output type.
func symbolStreamFindUDT(stream []byte, typ int) bool {
	for pos := 0; pos+4 <= len(stream); {
		rec := stream[pos:]
		n := recLen(rec)
		if n < 4 || pos+n > len(stream) {
			break
		}
		switch recID(rec) {
		case S_UDT_V1:
			if u16at(rec, 4) == typ {
				return true
			}
		case S_UDT_V2, S_UDT_V3:
			if u32at(rec, 4) == typ {
				return true
			}
		}
		pos += n
	}
	return false
}

// symbolStreamFindUDTByName scans a raw symbol stream for a UDT record of
// the given name and returns its type.
func symbolStreamFindUDTByName(stream []byte, name string, dotRepl byte) (int, bool) {
	want := []byte(name)
	for pos := 0; pos+4 <= len(stream); {
		rec := stream[pos:]
		n := recLen(rec)
		if n < 4 || pos+n > len(stream) {
			break
		}
		switch recID(rec) {
		case S_UDT_V1:
			if got, _ := readName(rec[6:], NamePascal); NamesEqual(got, want, dotRepl) {
				return u16at(rec, 4), true
			}
		case S_UDT_V2:
			if got, _ := readName(rec[8:], NamePascal); NamesEqual(got, want, dotRepl) {
				return u32at(rec, 4), true
			}
		case S_UDT_V3:
			if got, _ := readName(rec[8:], NameZero); NamesEqual(got, want, dotRepl) {
				return u32at(rec, 4), true
			}
		}
		pos += n
	}
	return 0, false
}

// findUdtSymbol reports whether a UDT symbol for the translated type
// exists in the input streams or in the table of emitted UDTs.
func (tr *CVTranslator) findUdtSymbol(typ int) bool {
	typ = tr.translateType(typ)
	if symbolStreamFindUDT(tr.globalSymbols, typ) {
		return true
	}
	if symbolStreamFindUDT(tr.staticSymbols, typ) {
		return true
	}
	_, ok := tr.udt.FindByType(typ)
	return ok
}

// findUdtSymbolByName looks a UDT up by name across the input streams and
// the emitted table.
func (tr *CVTranslator) findUdtSymbolByName(name string) (int, bool) {
	if typ, ok := symbolStreamFindUDTByName(tr.globalSymbols, name, tr.cfg.DotReplacementChar); ok {
		return typ, true
	}
	if typ, ok := symbolStreamFindUDTByName(tr.staticSymbols, name, tr.cfg.DotReplacementChar); ok {
		return typ, true
	}
	if e, ok := tr.udt.FindByName(name); ok {
		return e.Type, true
	}
	return 0, false
}

// addUdtSymbol records a UDT symbol for the translated type.
func (tr *CVTranslator) addUdtSymbol(typ int, name string) {
	tr.udt.Add(tr.translateType(typ), name)
}

// ensureUDT makes sure a UDT symbol exists for aggregate t. An incomplete
// type is replaced by its complete counterpart when one exists; otherwise
// a minimal stand-in aggregate is synthesized so the debugger has
// something to bind to.
func (tr *CVTranslator) ensureUDT(t int, rec []byte) {
	typ := t + 0x1000
	if structProperty(rec)&kPropIncomplete != 0 {
		if complete, ct := tr.findCompleteClassType(rec); ct >= 0 {
			rec, typ = complete, ct
		}
	}
	if tr.findUdtSymbol(typ) {
		return
	}

	name, _ := structName(rec)
	if structProperty(rec)&kPropIncomplete != 0 {
		var empty fieldBuf
		writeFieldList(&tr.userTypes, &empty)
		helpFieldlistType := tr.nextUserType
		tr.nextUserType++

		tr.writeAggregate(&tr.userTypes, isClassRecord(rec), 0, helpFieldlistType,
			0, 0, 0, 4, name, nil)
		standInType := tr.nextUserType
		tr.nextUserType++
		tr.addUdtSymbol(standInType, string(name))
	} else {
		tr.addUdtSymbol(typ, string(name))
	}
}

//
// Class-type enum helper injection
//

func (tr *CVTranslator) hasClassTypeEnum(fieldlist []byte) bool {
	v, err := tr.doFields(cmdHasClassTypeEnum, nil, fieldlist, 0)
	return err == nil && v != 0
}

// getBaseClass returns the first base class of a translated aggregate, or
// zero.
func (tr *CVTranslator) getBaseClass(rec []byte) int {
	if structProperty(rec)&kPropIncomplete != 0 {
		if complete, _ := tr.findCompleteClassType(rec); complete != nil {
			rec = complete
		}
	}
	fieldlist := tr.getConvertedTypeData(structFieldlist(rec))
	if fieldlist == nil {
		return 0
	}
	switch recID(fieldlist) {
	case LF_FIELDLIST_V1, LF_FIELDLIST_V2:
	default:
		return 0
	}
	if recLen(fieldlist) <= 4 {
		return 0
	}
	switch u16at(fieldlist, 4) {
	case LF_BCLASS_V1:
		return u16at(fieldlist, 6)
	case LF_BCLASS_V2:
		return u32at(fieldlist, 8)
	}
	return 0
}

// derivesFromObject walks base classes up to the language root object.
func (tr *CVTranslator) derivesFromObject(rec []byte) bool {
	name, _ := structName(rec)
	if NamesEqual(name, []byte(ObjectSymbol), tr.cfg.DotReplacementChar) {
		return true
	}
	base := tr.getBaseClass(rec)
	baseRec := tr.getTypeData(base)
	if baseRec == nil {
		return false
	}
	return tr.derivesFromObject(baseRec)
}

// isCppInterface checks whether the first virtual function sits at offset
// 0 (foreign ABI) or 4 (native interface).
func (tr *CVTranslator) isCppInterface(rec []byte) bool {
	if structProperty(rec)&kPropIncomplete != 0 {
		if complete, _ := tr.findCompleteClassType(rec); complete != nil {
			rec = complete
		}
	}
	fieldlist := tr.getTypeData(structFieldlist(rec))
	if fieldlist == nil {
		return false
	}
	switch recID(fieldlist) {
	case LF_FIELDLIST_V1, LF_FIELDLIST_V2:
	default:
		return false
	}

	var baseRec []byte
	if recLen(fieldlist) > 4 {
		switch u16at(fieldlist, 4) {
		case LF_BCLASS_V1:
			baseRec = tr.getTypeData(u16at(fieldlist, 6))
		case LF_BCLASS_V2:
			baseRec = tr.getTypeData(u32at(fieldlist, 8))
		}
	}
	if baseRec != nil {
		return tr.isCppInterface(baseRec)
	}

	off, err := tr.doFields(cmdOffsetFirstVirtualMethod, nil, fieldlist, 0)
	return err == nil && off == 0
}

// fixProperty recomputes the HasNested and IsNested bits of aggregate
// t+0x1000 by scanning the already-decoded type stream.
func (tr *CVTranslator) fixProperty(typ, prop, fieldType int) int {
	if fl := tr.getTypeData(fieldType); fl != nil && tr.countNestedTypes(fl, 0) > 0 {
		prop |= kPropHasNested
	}

	// search types for a field list nesting this type
	for t := 0; t < tr.inputTypeCount(); t++ {
		rec := tr.getTypeData(t + 0x1000)
		if rec == nil {
			continue
		}
		switch recID(rec) {
		case LF_FIELDLIST_V1, LF_FIELDLIST_V2:
			if tr.countNestedTypes(rec, typ) > 0 {
				prop |= kPropIsNested
				return prop
			}
		}
	}
	return prop
}

// insertBytes splices data into the global types arena at off, keeping
// record boundaries consistent.
func (tr *CVTranslator) insertBytes(off int, data []byte) {
	tb := &tr.globalTypes
	tb.b = append(tb.b, data...)
	copy(tb.b[off+len(data):], tb.b[off:])
	copy(tb.b[off:], data)
	for i, o := range tb.offsets {
		if o > off {
			tb.offsets[i] = o + len(data)
		}
	}
}

// appendClassTypeEnum nests the category enum into a field list of the
// translated stream.
func (tr *CVTranslator) appendClassTypeEnum(fieldlistIdx, typ int, name string) {
	rec := tr.getConvertedTypeData(fieldlistIdx)
	if rec == nil {
		return
	}
	var entry fieldBuf
	entry.nestedType(typ, []byte(name), tr.nameStyle(), tr.cfg.DotReplacementChar)

	off := tr.globalTypes.offsets[fieldlistIdx-0x1000]
	end := off + recLen(rec)
	tr.insertBytes(end, entry.b)
	binary.LittleEndian.PutUint16(tr.globalTypes.b[off:],
		uint16(recLen(rec)+len(entry.b)-2))
}

// insertBaseClass prepends a base class entry to a field list of the
// translated stream.
func (tr *CVTranslator) insertBaseClass(fieldlistIdx, typ int) {
	rec := tr.getConvertedTypeData(fieldlistIdx)
	if rec == nil {
		return
	}
	var entry fieldBuf
	entry.baseClass(3, typ, 0) // public

	off := tr.globalTypes.offsets[fieldlistIdx-0x1000]
	tr.insertBytes(off+4, entry.b)
	binary.LittleEndian.PutUint16(tr.globalTypes.b[off:],
		uint16(recLen(rec)+len(entry.b)-2))
}

// insertClassTypeEnums injects, per translated aggregate that does not
// already carry it, the matching category enum member and, for classes
// without a base, the category base class.
func (tr *CVTranslator) insertClassTypeEnums() {
	for t := 0; t < tr.inputTypeCount(); t++ {
		rec := tr.getConvertedTypeData(t + 0x1000)
		if rec == nil {
			continue
		}
		switch recID(rec) {
		case LF_STRUCTURE_V2, LF_STRUCTURE_V3, LF_CLASS_V2, LF_CLASS_V3:
		default:
			continue
		}
		fieldlistIdx := structFieldlist(rec)
		fieldlist := tr.getConvertedTypeData(fieldlistIdx)
		if fieldlist == nil || tr.hasClassTypeEnum(fieldlist) {
			continue
		}

		var enumType, baseType int
		var name string
		inputRec := tr.getTypeData(t + 0x1000)
		switch {
		case recID(rec) == LF_STRUCTURE_V2 || recID(rec) == LF_STRUCTURE_V3:
			enumType, baseType, name = tr.structEnumType, tr.structBaseType, "__StructType"
		case inputRec != nil && tr.derivesFromObject(inputRec):
			enumType, baseType, name = tr.classEnumType, tr.classBaseType, "__ClassType"
		case inputRec != nil && tr.isCppInterface(inputRec):
			enumType, baseType, name = tr.cppIfaceEnumType, tr.cppIfaceBaseType, "__CppIfaceType"
		default:
			enumType, baseType, name = tr.ifaceEnumType, tr.ifaceBaseType, "__IfaceType"
		}

		bump := func() {
			// refresh after splices moved the arena
			rec = tr.getConvertedTypeData(t + 0x1000)
			n := u16at(rec, 4) + 1
			off := tr.globalTypes.offsets[t]
			binary.LittleEndian.PutUint16(tr.globalTypes.b[off+4:], uint16(n))
		}

		if baseType != 0 && tr.getBaseClass(rec) == 0 {
			tr.insertBaseClass(fieldlistIdx, baseType)
			bump()
		}
		if enumType != 0 {
			tr.appendClassTypeEnum(fieldlistIdx, enumType, name)
			bump()
		}
	}
}

//
// Directory-level initialization
//

// InitSegMap registers the segment map with the DBI and builds the
// frame-to-index table.
func (tr *CVTranslator) InitSegMap() error {
	for m := 0; m < tr.img.CVEntryCount(); m++ {
		entry := tr.img.CVEntry(m)
		if entry.SubSection != SstSegMap {
			continue
		}
		raw, err := tr.img.CVData(entry.Lfo, entry.Cb)
		if err != nil {
			return err
		}
		if len(raw) < 4 {
			return ErrHeaderTruncated
		}
		cSeg := int(binary.LittleEndian.Uint16(raw))
		maxFrame := -1
		tr.segMapDesc = tr.segMapDesc[:0]
		for s := 0; s < cSeg; s++ {
			off := 4 + s*20
			if off+20 > len(raw) {
				return ErrHeaderTruncated
			}
			var d OMFSegMapDesc
			d.Flags = binary.LittleEndian.Uint16(raw[off:])
			d.Ovl = binary.LittleEndian.Uint16(raw[off+2:])
			d.Group = binary.LittleEndian.Uint16(raw[off+4:])
			d.Frame = binary.LittleEndian.Uint16(raw[off+6:])
			d.ISegName = binary.LittleEndian.Uint16(raw[off+8:])
			d.IClassName = binary.LittleEndian.Uint16(raw[off+10:])
			d.Offset = binary.LittleEndian.Uint32(raw[off+12:])
			d.CbSeg = binary.LittleEndian.Uint32(raw[off+16:])
			tr.segMapDesc = append(tr.segMapDesc, d)

			if err := tr.sink.Dbi.AddSec(int(d.Frame), d.Flags, d.Offset, d.CbSeg); err != nil {
				return fmt.Errorf("cannot add section: %w", err)
			}
			if int(d.Frame) > maxFrame {
				maxFrame = int(d.Frame)
			}
		}

		tr.segFrame2Index = make([]int, maxFrame+1)
		for i := range tr.segFrame2Index {
			tr.segFrame2Index[i] = -1
		}
		for s := range tr.segMapDesc {
			tr.segFrame2Index[tr.segMapDesc[s].Frame] = s
		}
	}
	return nil
}

// InitLibraries locates the library name list.
func (tr *CVTranslator) InitLibraries() {
	for m := 0; m < tr.img.CVEntryCount(); m++ {
		entry := tr.img.CVEntry(m)
		if entry.SubSection == SstLibraries {
			if raw, err := tr.img.CVData(entry.Lfo, entry.Cb); err == nil {
				tr.libraries = raw
			}
		}
	}
}

// library returns the i-th pascal string of the library list.
func (tr *CVTranslator) library(i int) []byte {
	if tr.libraries == nil {
		return nil
	}
	p := tr.libraries
	for j := 0; j < i; j++ {
		if len(p) == 0 {
			return nil
		}
		p = p[int(p[0])+1:]
	}
	name, _ := readName(p, NamePascal)
	return name
}

// InitGlobalSymbols locates the global and static symbol streams.
func (tr *CVTranslator) InitGlobalSymbols() error {
	if tr.cfg.Debug&DbgBasic != 0 {
		tr.logger.Debugf("countEntries: %d", tr.img.CVEntryCount())
	}
	for m := 0; m < tr.img.CVEntryCount(); m++ {
		entry := tr.img.CVEntry(m)
		switch entry.SubSection {
		case SstGlobalSym, SstStaticSym:
			raw, err := tr.img.CVData(entry.Lfo, entry.Cb)
			if err != nil {
				return err
			}
			if len(raw) < 16 {
				return ErrHeaderTruncated
			}
			cbSymbol := binary.LittleEndian.Uint32(raw[4:])
			if 16+int(cbSymbol) > len(raw) {
				return ErrHeaderTruncated
			}
			if entry.SubSection == SstGlobalSym {
				tr.globalSymbols = raw[16 : 16+cbSymbol]
			} else {
				tr.staticSymbols = raw[16 : 16+cbSymbol]
			}
		}
	}
	return nil
}

// InitGlobalTypes rewrites the global type stream: every legacy record is
// rewritten to its v2/v3 equivalent, OEM containers are lowered, and the
// synthesized user types are appended at the end of the stream.
func (tr *CVTranslator) InitGlobalTypes() error {
	for m := 0; m < tr.img.CVEntryCount(); m++ {
		entry := tr.img.CVEntry(m)
		if entry.SubSection != SstGlobalTypes {
			continue
		}
		if tr.typeData != nil {
			return fmt.Errorf("only one global type entry expected")
		}

		raw, err := tr.img.CVData(entry.Lfo, entry.Cb)
		if err != nil {
			return err
		}
		if len(raw) < 8 {
			return ErrHeaderTruncated
		}
		cTypes := int(binary.LittleEndian.Uint32(raw[4:]))
		if 8+4*cTypes > len(raw) {
			return ErrHeaderTruncated
		}
		tr.typeOffsets = make([]uint32, cTypes)
		for t := 0; t < cTypes; t++ {
			tr.typeOffsets[t] = binary.LittleEndian.Uint32(raw[8+4*t:])
		}
		tr.typeData = raw[8+4*cTypes:]
		tr.pointerTypes = make([]int, cTypes)

		tr.nextUserType = cTypes + 0x1000

		tr.appendTypedefs()
		if tr.cfg.DVersion > 0 {
			if tr.addClassTypeEnum {
				tr.classEnumType = tr.appendEnumerator("__ClassType", ClassTypeEnumName, kClassTypeObject, kPropIsNested)
				tr.ifaceEnumType = tr.appendEnumerator("__IfaceType", ClassTypeEnumName, kClassTypeIface, kPropIsNested)
				tr.cppIfaceEnumType = tr.appendEnumerator("__CppIfaceType", ClassTypeEnumName, kClassTypeCppIface, kPropIsNested)
				tr.structEnumType = tr.appendEnumerator("__StructType", ClassTypeEnumName, kClassTypeStruct, kPropIsNested)

				tr.ifaceBaseType = tr.appendObjectType(kClassTypeIface, tr.ifaceEnumType, IfaceSymbol)
				tr.cppIfaceBaseType = tr.appendObjectType(kClassTypeCppIface, tr.cppIfaceEnumType, CppIfaceSymbol)
			}
			if typ, ok := tr.findUdtSymbolByName(ObjectSymbol); ok {
				tr.classBaseType = typ
			} else {
				tr.classBaseType = tr.appendObjectType(kClassTypeObject, tr.classEnumType, ObjectSymbol)
			}
		}

		for t := 0; t < cTypes; t++ {
			if err := tr.translateTypeRecord(t); err != nil {
				return err
			}
		}

		// Synthesized user types are appended after the rewritten globals,
		// so input type indices keep their values; a rewritten record that
		// uses a user type refers forward to it.
		base := len(tr.globalTypes.b)
		for _, off := range tr.userTypes.offsets {
			tr.globalTypes.offsets = append(tr.globalTypes.offsets, base+off)
		}
		tr.globalTypes.b = append(tr.globalTypes.b, tr.userTypes.b...)

		if tr.addClassTypeEnum {
			tr.insertClassTypeEnums()
		}
	}
	return nil
}

// translateTypeRecord rewrites input record t into the output stream.
func (tr *CVTranslator) translateTypeRecord(t int) error {
	rec := tr.getTypeData(t + 0x1000)
	tb := &tr.globalTypes
	if rec == nil {
		// keep index mapping 1:1 with a null record
		start := tb.begin(LF_NULL_V1)
		tb.end(start)
		return nil
	}

	switch recID(rec) {
	case LF_OEM_V1:
		oemid, kind := u16at(rec, 4), u16at(rec, 6)
		t1, t2 := u16at(rec, 10), u16at(rec, 12)
		switch {
		case oemid == OEMVendorD && kind == OEMDynamicArray:
			if tr.cfg.DVersion == 0 {
				// in dmc, this is used for (u)int64
				writeModifier(tb, T_QUAD, 0)
			} else {
				name, err := tr.appendDynamicArray(t1, t2)
				if err != nil {
					return err
				}
				tr.writeAggregate(tb, false, 0, 0, kPropIncomplete, 0, 0, 0, []byte(name), nil)
			}
		case oemid == OEMVendorD && kind == OEMDelegate:
			name, err := tr.appendDelegate(t1, t2)
			if err != nil {
				return err
			}
			tr.writeAggregate(tb, false, 0, 0, kPropIncomplete, 0, 0, 0, []byte(name), nil)
		case oemid == OEMVendorD && kind == OEMAssocArray:
			if err := tr.appendAssocArray(tb, t1, t2); err != nil {
				return err
			}
		default:
			writePointer(tb, t2, 0x800a)
		}

	case LF_ARGLIST_V1:
		num := u16at(rec, 4)
		start := tb.begin(LF_ARGLIST_V2)
		tb.u32(uint32(num))
		for i := 0; i < num; i++ {
			tb.u32(uint32(tr.translateType(u16at(rec, 6+2*i))))
		}
		tb.end(start)

	case LF_PROCEDURE_V1:
		start := tb.begin(LF_PROCEDURE_V2)
		tb.u32(uint32(tr.translateType(u16at(rec, 4))))
		tb.u8(rec[6]) // call
		tb.u8(rec[7]) // reserved
		tb.u16(uint16(u16at(rec, 8)))
		tb.u32(uint32(u16at(rec, 10)))
		tb.end(start)

	case LF_STRUCTURE_V1, LF_CLASS_V1:
		return tr.translateAggregate(t, rec)

	case LF_UNION_V1:
		count := u16at(rec, 4)
		fieldlist := u16at(rec, 6)
		prop := tr.fixProperty(t+0x1000, u16at(rec, 8), fieldlist)
		_, leafLen, err := NumericLeaf(rec[10:])
		if err != nil {
			return err
		}
		name, _ := readName(rec[10+leafLen:], NamePascal)

		id := uint16(LF_UNION_V2)
		if tr.cfg.V3 {
			id = LF_UNION_V3
		}
		start := tb.begin(id)
		tb.u16(uint16(count))
		tb.u16(uint16(prop))
		tb.u32(uint32(fieldlist))
		tb.raw(rec[10 : 10+leafLen])
		tb.name(name, tr.nameStyle(), tr.cfg.DotReplacementChar)
		tb.end(start)

	case LF_POINTER_V1:
		attr := u16at(rec, 4)
		datatype := u16at(rec, 6)
		outAttr := attr
		if tr.cfg.DVersion > 0 && tr.isClassType(datatype) && attr&0xE0 == 0 {
			if tr.cfg.ThisIsNotRef {
				// const pointer for this
				tr.pointerTypes[t] = tr.appendPointerType(datatype, attr|0x400)
			}
			outAttr = attr | 0x20 // convert to reference
		}
		writePointer(tb, tr.translateType(datatype), outAttr)

	case LF_ARRAY_V1:
		_, leafLen, err := NumericLeaf(rec[8:])
		if err != nil {
			return err
		}
		name, _ := readName(rec[8+leafLen:], NamePascal)

		id := uint16(LF_ARRAY_V2)
		if tr.cfg.V3 {
			id = LF_ARRAY_V3
		}
		start := tb.begin(id)
		tb.u32(uint32(tr.translateType(u16at(rec, 4))))
		tb.u32(uint32(tr.translateType(u16at(rec, 6))))
		tb.raw(rec[8 : 8+leafLen])
		tb.name(name, tr.nameStyle(), tr.cfg.DotReplacementChar)
		tb.end(start)

	case LF_MFUNCTION_V1:
		clssType := u16at(rec, 6)
		outClss := tr.translateType(clssType)
		if clssType >= 0x1000 && clssType < 0x1000+tr.inputTypeCount() {
			// fix class_type to point to class, not pointer to class
			if ctype := tr.getTypeData(clssType); ctype != nil && recID(ctype) == LF_POINTER_V1 {
				outClss = tr.translateType(u16at(ctype, 6))
			}
		}
		start := tb.begin(LF_MFUNCTION_V2)
		tb.u32(uint32(tr.translateType(u16at(rec, 4)))) // rvtype
		tb.u32(uint32(outClss))
		tb.u32(uint32(tr.translateType(u16at(rec, 8)))) // this_type
		tb.u8(rec[10])                                  // call
		tb.u8(rec[11])                                  // reserved
		tb.u16(uint16(u16at(rec, 12)))                  // params
		tb.u32(uint32(u16at(rec, 14)))                  // arglist
		tb.u32(uint32(u32at(rec, 16)))                  // this_adjust
		tb.end(start)

	case LF_ENUM_V1:
		count := u16at(rec, 4)
		typ := tr.translateType(u16at(rec, 6))
		fieldlist := u16at(rec, 8)
		prop := tr.fixProperty(t+0x1000, u16at(rec, 10), fieldlist)
		name, _ := readName(rec[12:], NamePascal)

		id := uint16(LF_ENUM_V2)
		if tr.cfg.V3 {
			id = LF_ENUM_V3
		}
		start := tb.begin(id)
		tb.u16(uint16(count))
		tb.u16(uint16(prop))
		tb.u32(uint32(typ))
		tb.u32(uint32(fieldlist))
		tb.name(name, tr.nameStyle(), tr.cfg.DotReplacementChar)
		tb.end(start)

		if fieldlist != 0 && tr.cfg.V3 && !tr.findUdtSymbol(t+0x1000) {
			tr.addUdtSymbol(t+0x1000, string(name))
		}

	case LF_FIELDLIST_V1, LF_FIELDLIST_V2:
		var fields fieldBuf
		if _, err := tr.doFields(cmdAdd, &fields, rec, 0); err != nil {
			tr.logger.Warnf("type %x: %v", t+0x1000, err)
		}
		writeFieldList(tb, &fields)

	case LF_DERIVED_V1:
		// the derived list emitted by the input compiler is wrong; null it
		start := tb.begin(LF_NULL_V1)
		tb.end(start)

	case LF_VTSHAPE_V1:
		num := u16at(rec, 4)
		n := 6 + (num+1)/2 // cut off extra bytes
		if n > len(rec) {
			n = len(rec)
		}
		start := tb.begin(LF_VTSHAPE_V1)
		tb.raw(rec[4:n])
		tb.end(start)

	case LF_METHODLIST_V1:
		if tr.cfg.MethodListToOneMethod || tr.cfg.RemoveMethodLists {
			start := tb.begin(LF_NULL_V1)
			tb.end(start)
			break
		}
		start := tb.begin(LF_METHODLIST_V2)
		for pos := 4; pos+4 <= recLen(rec); {
			attr := u16at(rec, pos)
			tb.u32(uint32(attr))
			tb.u32(uint32(tr.translateType(u16at(rec, pos+2))))
			pos += 4
			if mode := (attr >> 2) & 7; mode == 4 || mode == 6 {
				tb.u32(uint32(u32at(rec, pos)))
				pos += 4
			}
		}
		tb.end(start)

	case LF_MODIFIER_V1:
		writeModifier(tb, tr.translateType(u16at(rec, 6)), u16at(rec, 4))

	case LF_BITFIELD_V1:
		start := tb.begin(LF_BITFIELD_V2)
		tb.u32(uint32(tr.translateType(u16at(rec, 6))))
		tb.u8(rec[4]) // nbits
		tb.u8(rec[5]) // bitoff
		tb.end(start)

	default:
		start := len(tb.b)
		tb.offsets = append(tb.offsets, start)
		tb.b = append(tb.b, rec...)
		tb.b = padRecord(tb.b, start)
		binary.LittleEndian.PutUint16(tb.b[start:], uint16(len(tb.b)-start-2))
	}
	return nil
}

// translateAggregate rewrites a class or structure record.
func (tr *CVTranslator) translateAggregate(t int, rec []byte) error {
	tb := &tr.globalTypes
	nElement := u16at(rec, 4)
	fieldlist := u16at(rec, 6)
	derived := 0 // derived lists are removed
	vshape := u16at(rec, 12)

	if fieldlist != 0 {
		if fl := tr.getTypeData(fieldlist); fl != nil {
			switch recID(fl) {
			case LF_FIELDLIST_V1, LF_FIELDLIST_V2:
				nElement = tr.countFields(fl)
			}
		}
	}
	prop := tr.fixProperty(t+0x1000, u16at(rec, 8), fieldlist)

	structlen, leafLen, err := NumericLeaf(rec[14:])
	if err != nil {
		return err
	}
	name, _ := readName(rec[14+leafLen:], NamePascal)
	var uniquename []byte
	if prop&kPropUniquename != 0 {
		uniquename = name
	}

	var id uint16
	switch {
	case recID(rec) == LF_CLASS_V1 && tr.cfg.V3:
		id = LF_CLASS_V3
	case recID(rec) == LF_CLASS_V1:
		id = LF_CLASS_V2
	case tr.cfg.V3:
		id = LF_STRUCTURE_V3
	default:
		id = LF_STRUCTURE_V2
	}
	start := tb.begin(id)
	tb.u16(uint16(nElement))
	tb.u16(uint16(prop))
	tb.u32(uint32(fieldlist))
	tb.u32(uint32(derived))
	tb.u32(uint32(vshape))
	tb.leaf(structlen)
	tb.name(name, tr.nameStyle(), tr.cfg.DotReplacementChar)
	if uniquename != nil {
		tb.name(uniquename, tr.nameStyle(), tr.cfg.DotReplacementChar)
	}
	tb.end(start)

	tr.ensureUDT(t, rec)
	return nil
}

// isClassType reports whether an input type index is a class.
func (tr *CVTranslator) isClassType(typ int) bool {
	rec := tr.getTypeData(typ)
	return rec != nil && isClassRecord(rec)
}

// AddTypes hands the rewritten global type stream to the sink.
func (tr *CVTranslator) AddTypes() error {
	if len(tr.globalTypes.b) == 0 {
		return nil
	}
	mod, err := tr.GlobalMod()
	if err != nil {
		return err
	}
	if err := mod.AddTypes(FrameTypes(tr.globalTypes.b)); err != nil {
		return fmt.Errorf("cannot add type info to module: %w", err)
	}
	return nil
}

// CreateModules opens the per-entry modules and registers section
// contributions.
func (tr *CVTranslator) CreateModules() error {
	for m := 0; m < tr.img.CVEntryCount(); m++ {
		entry := tr.img.CVEntry(m)
		if entry.SubSection != SstModule {
			continue
		}
		raw, err := tr.img.CVData(entry.Lfo, entry.Cb)
		if err != nil {
			return err
		}
		if len(raw) < 8 {
			return ErrHeaderTruncated
		}
		iLib := int(binary.LittleEndian.Uint16(raw[2:]))
		cSeg := int(binary.LittleEndian.Uint16(raw[4:]))
		if 8+12*cSeg > len(raw) {
			return ErrHeaderTruncated
		}
		nameRaw, _ := readName(raw[8+12*cSeg:], NamePascal)
		name := string(nameRaw)
		lib := name
		if plib := tr.library(iLib); len(plib) > 0 {
			lib = string(plib)
		}

		var mod Mod
		if tr.cfg.UseGlobalMod {
			mod, err = tr.GlobalMod()
			if err != nil {
				return err
			}
		} else {
			if old := tr.modules[int(entry.IMod)]; old != nil {
				old.Close()
			}
			mod, err = tr.sink.Dbi.OpenMod(name, lib)
			if err != nil {
				return fmt.Errorf("cannot create mod: %w", err)
			}
			tr.modules[int(entry.IMod)] = mod
		}

		for s := 0; s < cSeg; s++ {
			segIndex := int(binary.LittleEndian.Uint16(raw[8+12*s:]))
			segOff := binary.LittleEndian.Uint32(raw[8+12*s+4:])
			segLen := binary.LittleEndian.Uint32(raw[8+12*s+8:])
			segFlags := uint32(0x60101020)
			if err := mod.AddSecContrib(segIndex, segOff, segLen, segFlags); err != nil {
				return fmt.Errorf("cannot add section contribution to module: %w", err)
			}
		}
	}
	return nil
}
