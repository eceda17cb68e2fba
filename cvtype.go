// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

import (
	"encoding/binary"
	"fmt"
)

// Type records are kept as raw byte slices: a u16 length (excluding the
// length field itself), a u16 kind tag, then kind-specific payload. All
// cross-references are type indices, never pointers, so output buffers can
// be grown freely.

func recLen(rec []byte) int { return int(binary.LittleEndian.Uint16(rec)) + 2 }
func recID(rec []byte) int  { return int(binary.LittleEndian.Uint16(rec[2:])) }

func u16at(b []byte, off int) int {
	if off+2 > len(b) {
		return 0
	}
	return int(binary.LittleEndian.Uint16(b[off:]))
}

func u32at(b []byte, off int) int {
	if off+4 > len(b) {
		return 0
	}
	return int(binary.LittleEndian.Uint32(b[off:]))
}

// isStructRecord reports whether the record is a class or structure of any
// version.
func isStructRecord(rec []byte) bool {
	switch recID(rec) {
	case LF_STRUCTURE_V1, LF_CLASS_V1, LF_STRUCTURE_V2, LF_CLASS_V2,
		LF_STRUCTURE_V3, LF_CLASS_V3:
		return true
	}
	return false
}

// isClassRecord reports whether the record is a class of any version.
func isClassRecord(rec []byte) bool {
	switch recID(rec) {
	case LF_CLASS_V1, LF_CLASS_V2, LF_CLASS_V3:
		return true
	}
	return false
}

// structProperty returns the property word of an aggregate record.
func structProperty(rec []byte) int {
	switch recID(rec) {
	case LF_STRUCTURE_V1, LF_CLASS_V1:
		return u16at(rec, 8)
	case LF_STRUCTURE_V2, LF_CLASS_V2, LF_STRUCTURE_V3, LF_CLASS_V3:
		return u16at(rec, 6)
	}
	return 0
}

// structFieldlist returns the field-list type index of an aggregate.
func structFieldlist(rec []byte) int {
	switch recID(rec) {
	case LF_STRUCTURE_V1, LF_CLASS_V1:
		return u16at(rec, 6)
	case LF_STRUCTURE_V2, LF_CLASS_V2, LF_STRUCTURE_V3, LF_CLASS_V3:
		return u32at(rec, 8)
	}
	return 0
}

// structName returns the name of an aggregate and whether it is zero
// terminated.
func structName(rec []byte) (name []byte, zeroTerm bool) {
	var lenOff int
	switch recID(rec) {
	case LF_STRUCTURE_V1, LF_CLASS_V1:
		lenOff = 14
	case LF_STRUCTURE_V2, LF_CLASS_V2:
		lenOff = 20
	case LF_STRUCTURE_V3, LF_CLASS_V3:
		lenOff = 20
		zeroTerm = true
	default:
		return nil, false
	}
	if lenOff >= len(rec) {
		return nil, false
	}
	_, leafLen, err := NumericLeaf(rec[lenOff:])
	if err != nil {
		return nil, false
	}
	style := NamePascal
	if zeroTerm {
		style = NameZero
	}
	name, _ = readName(rec[lenOff+leafLen:], style)
	return name, zeroTerm
}

// structSize returns the byte size leaf of an aggregate.
func structSize(rec []byte) int64 {
	var lenOff int
	switch recID(rec) {
	case LF_STRUCTURE_V1, LF_CLASS_V1:
		lenOff = 14
	case LF_STRUCTURE_V2, LF_CLASS_V2, LF_STRUCTURE_V3, LF_CLASS_V3:
		lenOff = 20
	default:
		return 0
	}
	v, _, err := NumericLeaf(rec[lenOff:])
	if err != nil {
		return 0
	}
	return v
}

// isCompleteStruct reports a non-forward aggregate with the given name,
// compared with the dot replacement applied.
func isCompleteStruct(rec, name []byte, dotRepl byte) bool {
	if !isStructRecord(rec) || structProperty(rec)&kPropIncomplete != 0 {
		return false
	}
	n, _ := structName(rec)
	if n == nil && name == nil {
		return true
	}
	if n == nil || name == nil {
		return false
	}
	return NamesEqual(n, name, dotRepl)
}

// typeBuf is an append-only arena of type records with the boundaries
// tracked per record. Padding uses the F3 F2 F1 sentinels recognized on
// read as non-record bytes.
type typeBuf struct {
	b       []byte
	offsets []int
}

func (t *typeBuf) count() int { return len(t.offsets) }

// record returns the i-th record of the arena.
func (t *typeBuf) record(i int) []byte {
	if i < 0 || i >= len(t.offsets) {
		return nil
	}
	off := t.offsets[i]
	if off+4 > len(t.b) {
		return nil
	}
	end := off + recLen(t.b[off:])
	if end > len(t.b) {
		return nil
	}
	return t.b[off:end]
}

// begin starts a record of the given kind and returns its start offset.
func (t *typeBuf) begin(id uint16) int {
	start := len(t.b)
	t.offsets = append(t.offsets, start)
	t.b = append(t.b, 0, 0)
	t.b = binary.LittleEndian.AppendUint16(t.b, id)
	return start
}

// end pads the open record to a 4-byte boundary and patches its length.
func (t *typeBuf) end(start int) {
	t.b = padRecord(t.b, start)
	binary.LittleEndian.PutUint16(t.b[start:], uint16(len(t.b)-start-2))
}

// padRecord appends the 0xF4-(pos&3) pad sentinels until the record that
// starts at start is 4-byte aligned.
func padRecord(b []byte, start int) []byte {
	for (len(b)-start)&3 != 0 {
		b = append(b, byte(0xf4-((len(b)-start)&3)))
	}
	return b
}

func (t *typeBuf) u16(v uint16) { t.b = binary.LittleEndian.AppendUint16(t.b, v) }
func (t *typeBuf) u32(v uint32) { t.b = binary.LittleEndian.AppendUint32(t.b, v) }
func (t *typeBuf) u8(v byte)    { t.b = append(t.b, v) }
func (t *typeBuf) leaf(v int64) { t.b = WriteNumericLeaf(t.b, v) }
func (t *typeBuf) raw(p []byte) { t.b = append(t.b, p...) }

func (t *typeBuf) name(n []byte, style NameStyle, dotRepl byte) {
	t.b = CopyName(t.b, n, style, dotRepl)
}

// fieldBuf accumulates field-list entries; every entry is 4-byte aligned
// with pad sentinels.
type fieldBuf struct {
	b     []byte
	count int
}

func (f *fieldBuf) u16(v uint16) { f.b = binary.LittleEndian.AppendUint16(f.b, v) }
func (f *fieldBuf) u32(v uint32) { f.b = binary.LittleEndian.AppendUint32(f.b, v) }
func (f *fieldBuf) leaf(v int64) { f.b = WriteNumericLeaf(f.b, v) }

func (f *fieldBuf) pad() {
	for len(f.b)&3 != 0 {
		f.b = append(f.b, byte(0xf4-(len(f.b)&3)))
	}
	f.count++
}

// member appends a data member entry {attr, offset, type, name}.
func (f *fieldBuf) member(attr int, offset int64, typ int, name []byte, style NameStyle, dotRepl byte) {
	if style == NameZero {
		f.u16(LF_MEMBER_V3)
	} else {
		f.u16(LF_MEMBER_V2)
	}
	f.u16(uint16(attr))
	f.u32(uint32(typ))
	f.leaf(offset)
	f.b = CopyName(f.b, name, style, dotRepl)
	f.pad()
}

// staticMember appends a static member entry.
func (f *fieldBuf) staticMember(attr, typ int, name []byte, style NameStyle, dotRepl byte) {
	if style == NameZero {
		f.u16(LF_STMEMBER_V3)
	} else {
		f.u16(LF_STMEMBER_V2)
	}
	f.u16(uint16(attr))
	f.u32(uint32(typ))
	f.b = CopyName(f.b, name, style, dotRepl)
	f.pad()
}

// nestedType appends a nested type entry.
func (f *fieldBuf) nestedType(typ int, name []byte, style NameStyle, dotRepl byte) {
	if style == NameZero {
		f.u16(LF_NESTTYPE_V3)
	} else {
		f.u16(LF_NESTTYPE_V2)
	}
	f.u16(0) // pad
	f.u32(uint32(typ))
	f.b = CopyName(f.b, name, style, dotRepl)
	f.pad()
}

// enumerate appends an enumerator entry {attr=0, value, name}.
func (f *fieldBuf) enumerate(name []byte, val int64, style NameStyle, dotRepl byte) {
	if style == NameZero {
		f.u16(LF_ENUMERATE_V3)
	} else {
		f.u16(LF_ENUMERATE_V1)
	}
	f.u16(0) // attribute
	f.leaf(val)
	f.b = CopyName(f.b, name, style, dotRepl)
	f.pad()
}

// baseClass appends a base class entry at the given offset.
func (f *fieldBuf) baseClass(attr, typ int, offset int64) {
	f.u16(LF_BCLASS_V2)
	f.u16(uint16(attr))
	f.u32(uint32(typ))
	f.leaf(offset)
	f.pad()
}

// vfuncTab appends a virtual function table pointer entry.
func (f *fieldBuf) vfuncTab(typ int) {
	f.u16(LF_VFUNCTAB_V2)
	f.u16(0) // pad
	f.u32(uint32(typ))
	f.pad()
}

// typeName renders a human-readable name of a type index for the
// synthesized container names. Unknown shapes yield an error so callers
// can fall back.
func (tr *CVTranslator) typeName(typ int) (string, error) {
	if typ < 0x1000 {
		return basicTypeName(typ)
	}
	rec := tr.getTypeData(typ)
	if rec == nil {
		return "", fmt.Errorf("%w: no data for type %x", ErrUnsupportedField, typ)
	}

	switch recID(rec) {
	case LF_CLASS_V1, LF_STRUCTURE_V1, LF_CLASS_V2, LF_STRUCTURE_V2,
		LF_CLASS_V3, LF_STRUCTURE_V3:
		name, _ := structName(rec)
		return string(name), nil

	case LF_UNION_V1:
		_, leafLen, err := NumericLeaf(rec[10:])
		if err != nil {
			return "", err
		}
		name, _ := readName(rec[10+leafLen:], NamePascal)
		return string(name), nil

	case LF_POINTER_V1:
		inner, err := tr.typeName(u16at(rec, 6))
		if err != nil {
			return "", err
		}
		return inner + "*", nil
	case LF_POINTER_V2:
		inner, err := tr.typeName(u32at(rec, 4))
		if err != nil {
			return "", err
		}
		return inner + "*", nil

	case LF_ARRAY_V1:
		inner, err := tr.typeName(u16at(rec, 4))
		if err != nil {
			return "", err
		}
		n, _, err := NumericLeaf(rec[8:])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s[%d]", inner, n), nil

	case LF_ENUM_V1:
		name, _ := readName(rec[12:], NamePascal)
		return string(name), nil
	case LF_ENUM_V3:
		name, _ := readName(rec[16:], NameZero)
		return string(name), nil

	case LF_MODIFIER_V1:
		return tr.modifierName(u16at(rec, 6), u16at(rec, 4))
	case LF_MODIFIER_V2:
		return tr.modifierName(u32at(rec, 4), u16at(rec, 8))

	case LF_PROCEDURE_V1:
		inner, err := tr.typeName(u16at(rec, 4))
		if err != nil {
			return "", err
		}
		return inner + "()", nil
	case LF_PROCEDURE_V2:
		inner, err := tr.typeName(u32at(rec, 4))
		if err != nil {
			return "", err
		}
		return inner + "()", nil

	case LF_MFUNCTION_V1:
		inner, err := tr.typeName(u16at(rec, 4))
		if err != nil {
			return "", err
		}
		return inner + "()", nil

	case LF_OEM_V1:
		return tr.oemTypeName(rec[4:])
	}
	return "", fmt.Errorf("%w: unsupported type %x", ErrUnsupportedField, recID(rec))
}

func (tr *CVTranslator) modifierName(typ, mod int) (string, error) {
	prefix := ""
	if mod&1 != 0 {
		prefix += "const "
	}
	if mod&2 != 0 {
		prefix += "volatile "
	}
	if mod&4 != 0 {
		prefix += "unaligned "
	}
	inner, err := tr.typeName(typ)
	if err != nil {
		return "", err
	}
	return prefix + inner, nil
}

// basicTypeName names a primitive type id the way the source language
// spells it.
func basicTypeName(typ int) (string, error) {
	size := typ & 0xf
	kind := (typ & 0xf0) >> 4
	mode := (typ & 0x700) >> 8

	var name string
	switch kind {
	case 0: // special
		if size == 3 {
			name = "void"
		} else {
			return "", fmt.Errorf("%w: special basic type %x", ErrUnsupportedEncoding, typ)
		}
	case 1: // signed integral
		switch size {
		case 0:
			name = "byte"
		case 1:
			name = "short"
		case 2:
			name = "int"
		case 3:
			name = "long"
		default:
			return "", fmt.Errorf("%w: signed basic type %x", ErrUnsupportedEncoding, typ)
		}
	case 2: // unsigned integral
		switch size {
		case 0:
			name = "ubyte"
		case 1:
			name = "ushort"
		case 2:
			name = "uint"
		case 3:
			name = "ulong"
		default:
			return "", fmt.Errorf("%w: unsigned basic type %x", ErrUnsupportedEncoding, typ)
		}
	case 3:
		name = "bool"
	case 4: // imaginary
		switch size {
		case 0:
			name = "ifloat"
		case 1:
			name = "idouble"
		case 2:
			name = "ireal"
		default:
			return "", fmt.Errorf("%w: imaginary basic type %x", ErrUnsupportedEncoding, typ)
		}
	case 5: // real and complex
		switch size {
		case 0:
			name = "float"
		case 1:
			name = "double"
		case 2:
			name = "real"
		default:
			return "", fmt.Errorf("%w: real basic type %x", ErrUnsupportedEncoding, typ)
		}
	case 7: // real int
		switch size {
		case 0:
			name = "char"
		case 1:
			name = "wchar"
		case 2:
			name = "short"
		case 3:
			name = "ushort"
		case 4:
			name = "int"
		case 5:
			name = "uint"
		case 6:
			name = "long"
		case 7:
			name = "ulong"
		case 10:
			name = "wchar"
		case 11:
			name = "dchar"
		default:
			return "", fmt.Errorf("%w: real int basic type %x", ErrUnsupportedEncoding, typ)
		}
	default:
		return "", fmt.Errorf("%w: basic type %x", ErrUnsupportedEncoding, typ)
	}
	if mode != 0 && mode != 7 {
		name += "*"
	}
	return name, nil
}

// sizeofBasicType decodes the size encoded in a primitive type id.
func sizeofBasicType(typ int) int {
	size := typ & 7
	kind := (typ & 0xf0) >> 4
	mode := (typ & 0x700) >> 8

	switch mode {
	case 1, 2, 3, 4, 5: // pointer variations
		return 4
	case 6: // 64-bit pointer
		return 8
	case 7: // reserved
		return 4
	}

	switch kind {
	case 1, 2: // integral
		switch size {
		case 0:
			return 1
		case 1:
			return 2
		case 2:
			return 4
		case 3:
			return 8
		}
		return 4
	case 3: // boolean
		return 1
	case 4, 5: // real and complex
		switch size {
		case 0:
			return 4
		case 1:
			return 8
		case 2:
			return 10
		case 3:
			return 16
		case 4:
			return 6
		}
		return 4
	case 6: // bit or pascal char
		return 1
	case 7: // real int
		switch size {
		case 0:
			return 1
		case 1:
			return 4
		case 2, 3:
			return 2
		case 4, 5:
			return 4
		case 6, 7:
			return 8
		}
	}
	return 4
}
