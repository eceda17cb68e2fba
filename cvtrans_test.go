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

// inputTypeBuilder assembles a fake global-types area (records plus
// offsets) the way a NB09 directory carries them.
type inputTypeBuilder struct {
	data    []byte
	offsets []uint32
}

// record appends one raw record, patching its length field.
func (b *inputTypeBuilder) record(id uint16, payload ...byte) int {
	b.offsets = append(b.offsets, uint32(len(b.data)))
	rec := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint16(rec, uint16(len(payload)+2))
	binary.LittleEndian.PutUint16(rec[2:], id)
	copy(rec[4:], payload)
	b.data = append(b.data, rec...)
	return 0x1000 + len(b.offsets) - 1
}

func newTestCVTranslator(t *testing.T, b *inputTypeBuilder) *CVTranslator {
	t.Helper()
	cfg := DefaultConfig()
	img := NewBytes(nil, nil)
	tr := NewCVTranslator(img, &cfg, testSink(t))
	if b != nil {
		tr.typeData = b.data
		tr.typeOffsets = b.offsets
		tr.pointerTypes = make([]int, len(b.offsets))
		tr.nextUserType = 0x1000 + len(b.offsets)
	}
	return tr
}

func u16le(v uint16) []byte { return binary.LittleEndian.AppendUint16(nil, v) }

func TestOEMDynamicArrayLowering(t *testing.T) {
	var b inputTypeBuilder
	// OEM record: oemid 0x42, id 1 (dynamic array), count 2,
	// index type 0x12, element type 0x74
	var payload []byte
	payload = append(payload, u16le(OEMVendorD)...)
	payload = append(payload, u16le(OEMDynamicArray)...)
	payload = append(payload, u16le(2)...)
	payload = append(payload, u16le(0x12)...)
	payload = append(payload, u16le(0x74)...)
	b.record(LF_OEM_V1, payload...)

	tr := newTestCVTranslator(t, &b)
	require.NoError(t, tr.translateTypeRecord(0))

	// The rewritten slot is a forward reference named after the element.
	slot := tr.getConvertedTypeData(0x1000)
	require.NotNil(t, slot)
	name, _ := structName(slot)
	assert.Equal(t, "int[]", string(name))
	assert.NotZero(t, structProperty(slot)&kPropIncomplete)

	// user types: pointer to the element, the field list, the aggregate
	ptr := tr.getUserTypeData(0x1001)
	require.NotNil(t, ptr)
	assert.Equal(t, LF_POINTER_V2, recID(ptr))
	assert.Equal(t, 0x74, u32at(ptr, 4))

	fl := tr.getUserTypeData(0x1002)
	require.NotNil(t, fl)
	assert.Equal(t, LF_FIELDLIST_V2, recID(fl))
	// first member: length of the index type at offset 0
	assert.Equal(t, LF_MEMBER_V3, u16at(fl, 4))
	assert.Equal(t, 0x12, u32at(fl, 8))
	off, n, err := NumericLeaf(fl[12:])
	require.NoError(t, err)
	assert.Equal(t, int64(0), off)
	assert.Equal(t, "length", cstring(fl[12+n:]))

	agg := tr.getUserTypeData(0x1003)
	require.NotNil(t, agg)
	assert.Equal(t, int64(8), structSize(agg))
	aggName, _ := structName(agg)
	assert.Equal(t, "int[]", string(aggName))

	// second member: ptr to the element type at offset 4
	entry2 := fl[4:]
	entry2 = entry2[fieldEntryLen(t, entry2):]
	assert.Equal(t, LF_MEMBER_V3, u16at(entry2, 0))
	assert.Equal(t, 0x1001, u32at(entry2, 4))
	off2, n2, err := NumericLeaf(entry2[8:])
	require.NoError(t, err)
	assert.Equal(t, int64(4), off2)
	assert.Equal(t, "ptr", cstring(entry2[8+n2:]))

	udt, ok := tr.udt.FindByName("int[]")
	require.True(t, ok)
	assert.Equal(t, 0x1003, udt.Type)
}

// fieldEntryLen returns the padded length of the member entry at the start
// of b.
func fieldEntryLen(t *testing.T, b []byte) int {
	t.Helper()
	require.Equal(t, LF_MEMBER_V3, u16at(b, 0))
	_, n, err := NumericLeaf(b[8:])
	require.NoError(t, err)
	total := 8 + n + cstrMemLen(b[8+n:])
	for total&3 != 0 {
		total++
	}
	return total
}

func TestOEMDelegateLowering(t *testing.T) {
	var b inputTypeBuilder
	// a procedure type returning int, used as the delegate target
	var proc []byte
	proc = append(proc, u16le(0x74)...) // rvtype
	proc = append(proc, 0, 0)           // call, reserved
	proc = append(proc, u16le(0)...)    // params
	proc = append(proc, u16le(0)...)    // arglist
	procType := b.record(LF_PROCEDURE_V1, proc...)

	var payload []byte
	payload = append(payload, u16le(OEMVendorD)...)
	payload = append(payload, u16le(OEMDelegate)...)
	payload = append(payload, u16le(2)...)
	payload = append(payload, u16le(T_32PVOID)...)
	payload = append(payload, u16le(uint16(procType))...)
	b.record(LF_OEM_V1, payload...)

	tr := newTestCVTranslator(t, &b)
	require.NoError(t, tr.translateTypeRecord(0))
	require.NoError(t, tr.translateTypeRecord(1))

	slot := tr.getConvertedTypeData(0x1001)
	require.NotNil(t, slot)
	name, _ := structName(slot)
	assert.Equal(t, "delegate int()", string(name))

	// the synthesized struct has thisptr at 0 and funcptr at 4
	udt, ok := tr.udt.FindByName("delegate int()")
	require.True(t, ok)
	agg := tr.getUserTypeData(udt.Type)
	require.NotNil(t, agg)
	assert.Equal(t, int64(8), structSize(agg))

	fl := tr.getUserTypeData(structFieldlist(agg))
	require.NotNil(t, fl)
	assert.Equal(t, LF_MEMBER_V3, u16at(fl, 4))
	// thisptr keeps the void* basic type
	assert.Equal(t, T_32PVOID, u32at(fl, 8))
	off, n, err := NumericLeaf(fl[12:])
	require.NoError(t, err)
	assert.Equal(t, int64(0), off)
	assert.Equal(t, "thisptr", cstring(fl[12+n:]))
}

func TestFieldListIdempotence(t *testing.T) {
	// an already-v3 field list copies through byte-identically except for
	// padding re-normalization
	var entry fieldBuf
	entry.member(1, 8, 0x74, []byte("count"), NameZero, '@')
	entry.staticMember(1, 0x74, []byte("shared"), NameZero, '@')

	var b inputTypeBuilder
	b.record(LF_FIELDLIST_V2, entry.b...)

	tr := newTestCVTranslator(t, &b)
	var out fieldBuf
	n, err := tr.doFields(cmdAdd, &out, tr.getTypeData(0x1000), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, entry.b, out.b)
}

func TestFieldListConversionV1(t *testing.T) {
	// member_v1 {type, attr, offset leaf, pascal name}
	var v1 []byte
	v1 = append(v1, u16le(LF_MEMBER_V1)...)
	v1 = append(v1, u16le(0x74)...) // type
	v1 = append(v1, u16le(1)...)    // attribute
	v1 = WriteNumericLeaf(v1, 4)
	v1 = CopyName(v1, []byte("value"), NamePascal, '@')
	for len(v1)&3 != 0 {
		v1 = append(v1, byte(0xf4-(len(v1)&3)))
	}

	var b inputTypeBuilder
	b.record(LF_FIELDLIST_V1, v1...)

	tr := newTestCVTranslator(t, &b)
	var out fieldBuf
	n, err := tr.doFields(cmdAdd, &out, tr.getTypeData(0x1000), 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	assert.Equal(t, LF_MEMBER_V3, u16at(out.b, 0))
	assert.Equal(t, 1, u16at(out.b, 2))
	assert.Equal(t, 0x74, u32at(out.b, 4))
	off, leafN, err := NumericLeaf(out.b[8:])
	require.NoError(t, err)
	assert.Equal(t, int64(4), off)
	assert.Equal(t, "value", cstring(out.b[8+leafN:]))
}

func TestFieldListCounters(t *testing.T) {
	var entry fieldBuf
	entry.baseClass(3, 0x1005, 0)
	entry.member(1, 0, 0x74, []byte("a"), NameZero, '@')
	entry.nestedType(0x1006, []byte("Inner"), NameZero, '@')
	entry.nestedType(0x1007, []byte("Other"), NameZero, '@')

	var b inputTypeBuilder
	b.record(LF_FIELDLIST_V2, entry.b...)

	tr := newTestCVTranslator(t, &b)
	fl := tr.getTypeData(0x1000)

	n, err := tr.doFields(cmdCount, nil, fl, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = tr.doFields(cmdCountBaseClasses, nil, fl, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, 2, tr.countNestedTypes(fl, 0))
	assert.Equal(t, 1, tr.countNestedTypes(fl, 0x1006))
}

func TestFieldListClassTypeEnumDetection(t *testing.T) {
	var entry fieldBuf
	entry.nestedType(0x1006, []byte(ClassTypeEnumType), NameZero, '@')

	var b inputTypeBuilder
	b.record(LF_FIELDLIST_V2, entry.b...)

	tr := newTestCVTranslator(t, &b)
	assert.True(t, tr.hasClassTypeEnum(tr.getTypeData(0x1000)))
}

func TestTranslateTypeComplexRemap(t *testing.T) {
	tr := newTestCVTranslator(t, &inputTypeBuilder{})
	classType := tr.appendComplex(T_CPLX32, T_REAL32, 4, "cfloat")
	assert.Equal(t, classType, tr.translateType(T_CPLX32))
	assert.Equal(t, T_REAL32, tr.translateType(T_REAL32))
}

func TestEnsureUDTForwardReference(t *testing.T) {
	var b inputTypeBuilder
	// a forward reference without a complete counterpart
	var fwd []byte
	fwd = append(fwd, u16le(0)...)               // n_element
	fwd = append(fwd, u16le(0)...)               // fieldlist
	fwd = append(fwd, u16le(kPropIncomplete)...) // property
	fwd = append(fwd, u16le(0)...)               // derived
	fwd = append(fwd, u16le(0)...)               // vshape
	fwd = WriteNumericLeaf(fwd, 0)
	fwd = CopyName(fwd, []byte("ghost"), NamePascal, '@')
	b.record(LF_STRUCTURE_V1, fwd...)

	tr := newTestCVTranslator(t, &b)
	tr.ensureUDT(0, tr.getTypeData(0x1000))

	// a stand-in aggregate was synthesized and bound by name
	udt, ok := tr.udt.FindByName("ghost")
	require.True(t, ok)
	standIn := tr.getUserTypeData(udt.Type)
	require.NotNil(t, standIn)
	assert.True(t, isStructRecord(standIn))
	assert.Zero(t, structProperty(standIn)&kPropIncomplete)
}

func TestAggregateTranslationRecountsFields(t *testing.T) {
	var b inputTypeBuilder

	// field list with two members
	var entry fieldBuf
	entry.member(1, 0, 0x74, []byte("a"), NameZero, '@')
	entry.member(1, 4, 0x74, []byte("b"), NameZero, '@')
	flType := b.record(LF_FIELDLIST_V2, entry.b...)

	var agg []byte
	agg = append(agg, u16le(9)...) // bogus n_element, recomputed
	agg = append(agg, u16le(uint16(flType))...)
	agg = append(agg, u16le(0)...) // property
	agg = append(agg, u16le(0)...) // derived
	agg = append(agg, u16le(0)...) // vshape
	agg = WriteNumericLeaf(agg, 8)
	agg = CopyName(agg, []byte("pair"), NamePascal, '@')
	b.record(LF_STRUCTURE_V1, agg...)

	tr := newTestCVTranslator(t, &b)
	require.NoError(t, tr.translateTypeRecord(0))
	require.NoError(t, tr.translateTypeRecord(1))

	out := tr.getConvertedTypeData(0x1001)
	require.NotNil(t, out)
	assert.Equal(t, LF_STRUCTURE_V3, recID(out))
	assert.Equal(t, 2, u16at(out, 4))
	name, zero := structName(out)
	assert.True(t, zero)
	assert.Equal(t, "pair", string(name))
}
