// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

import (
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// abbrevBuilder assembles a .debug_abbrev table.
type abbrevBuilder struct {
	b []byte
}

func (a *abbrevBuilder) uleb(v uint64) {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		a.b = append(a.b, c)
		if v == 0 {
			return
		}
	}
}

func (a *abbrevBuilder) decl(code, tag uint64, children bool, attrForms ...uint64) {
	a.uleb(code)
	a.uleb(tag)
	if children {
		a.b = append(a.b, 1)
	} else {
		a.b = append(a.b, 0)
	}
	for i := 0; i+1 < len(attrForms); i += 2 {
		a.uleb(attrForms[i])
		a.uleb(attrForms[i+1])
	}
	a.uleb(0)
	a.uleb(0)
}

// infoBuilder assembles one DWARF 4 compilation unit.
type infoBuilder struct {
	b []byte
}

func (i *infoBuilder) uleb(v uint64) {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		i.b = append(i.b, c)
		if v == 0 {
			return
		}
	}
}

func (i *infoBuilder) start() {
	i.b = append(i.b, 0, 0, 0, 0) // unit_length, patched by finish
	i.b = append(i.b, 4, 0)       // version
	i.b = append(i.b, 0, 0, 0, 0) // abbrev offset
	i.b = append(i.b, 4)          // address size
}

func (i *infoBuilder) finish() []byte {
	binary.LittleEndian.PutUint32(i.b, uint32(len(i.b)-4))
	return i.b
}

func (i *infoBuilder) offset() DieOffset { return DieOffset(len(i.b)) }

func (i *infoBuilder) die(code uint64, payload ...byte) DieOffset {
	off := i.offset()
	i.uleb(code)
	i.b = append(i.b, payload...)
	return off
}

func (i *infoBuilder) null() { i.b = append(i.b, 0) }

func str(s string) []byte { return append([]byte(s), 0) }

func dwarfTestImage(info, abbrev []byte) *PEImage {
	img := NewBytes(nil, nil)
	img.NtHeader.OptionalHeader = ImageOptionalHeader32{
		Magic:     ImageNtOptionalHeader32Magic,
		ImageBase: 0x400000,
	}
	img.Sections = []ImageSectionHeader{
		{VirtualAddress: 0x1000, VirtualSize: 0x1000, SizeOfRawData: 0x1000},
	}
	copy(img.Sections[0].Name[:], ".text")
	img.CodeSegment = 0
	img.DebugInfo = PESlice{Data: info}
	img.DebugAbbrev = PESlice{Data: abbrev}
	img.Payload = PayloadDWARF
	return img
}

func testSink(t *testing.T) *Sink {
	t.Helper()
	sink, err := OpenSink(&DumpBackend{W: io.Discard}, "test.pdb")
	require.NoError(t, err)
	return sink
}

func buildBasicTypesCU(t *testing.T) (img *PEImage, offLongLong, offUint, offStruct, offMember DieOffset) {
	t.Helper()

	var ab abbrevBuilder
	ab.decl(1, DW_TAG_base_type, false,
		DW_AT_name, DW_FORM_string,
		DW_AT_encoding, DW_FORM_data1,
		DW_AT_byte_size, DW_FORM_data1)
	ab.decl(2, DW_TAG_structure_type, true,
		DW_AT_name, DW_FORM_string,
		DW_AT_byte_size, DW_FORM_data1)
	ab.decl(3, DW_TAG_member, false,
		DW_AT_name, DW_FORM_string,
		DW_AT_type, DW_FORM_ref4,
		DW_AT_data_member_location, DW_FORM_data1)
	ab.uleb(0)

	var ib infoBuilder
	ib.start()

	offLongLong = ib.die(1, append(str("long long"), DW_ATE_signed, 8)...)
	offUint = ib.die(1, append(str("unsigned int"), DW_ATE_unsigned, 4)...)

	offStruct = ib.offset()
	ib.die(2, append(str("S"), 8)...)
	memberPayload := str("x")
	memberPayload = binary.LittleEndian.AppendUint32(memberPayload, uint32(offUint))
	memberPayload = append(memberPayload, 4)
	offMember = ib.die(3, memberPayload...)
	ib.null() // end of struct children

	img = dwarfTestImage(ib.finish(), ab.b)
	return img, offLongLong, offUint, offStruct, offMember
}

func TestDWARFMapTypesTotality(t *testing.T) {
	img, offLongLong, offUint, offStruct, offMember := buildBasicTypesCU(t)
	cfg := DefaultConfig()
	tr := NewDWARFTranslator(img, &cfg, testSink(t))

	tr.createEmptyFieldListType()
	tr.mapTypes()

	assert.Contains(t, tr.mapOffsetToType, offLongLong)
	assert.Contains(t, tr.mapOffsetToType, offUint)
	assert.Contains(t, tr.mapOffsetToType, offStruct)
	assert.NotContains(t, tr.mapOffsetToType, offMember)
	assert.Len(t, tr.mapOffsetToType, 3)

	// indices are dense and follow allocation order
	assert.Equal(t, tr.mapOffsetToType[offLongLong]+1, tr.mapOffsetToType[offUint])
	assert.Equal(t, tr.mapOffsetToType[offUint]+1, tr.mapOffsetToType[offStruct])
}

func TestDWARFMapTypesEmptyInfo(t *testing.T) {
	img := dwarfTestImage(nil, nil)
	cfg := DefaultConfig()
	tr := NewDWARFTranslator(img, &cfg, testSink(t))
	tr.mapTypes()
	assert.Empty(t, tr.mapOffsetToType)
}

func TestDWARFBasicTypeMapping(t *testing.T) {
	img, offLongLong, offUint, _, _ := buildBasicTypesCU(t)
	cfg := DefaultConfig()
	cfg.DVersion = 0 // no complex prelude, keep indices easy to follow
	tr := NewDWARFTranslator(img, &cfg, testSink(t))
	require.NoError(t, tr.CreateModules())

	// "long long" (signed, 8 bytes) becomes a typedef of basic id 0x13
	idx := tr.mapOffsetToType[offLongLong]
	rec := tr.userTypes.record(idx - 0x1000)
	require.NotNil(t, rec)
	assert.Equal(t, LF_MODIFIER_V2, recID(rec))
	assert.Equal(t, T_QUAD, u32at(rec, 4))

	// "unsigned int" maps to the 32-bit unsigned basic id
	rec = tr.userTypes.record(tr.mapOffsetToType[offUint] - 0x1000)
	require.NotNil(t, rec)
	assert.Equal(t, 0x22, u32at(rec, 4))
}

func TestDWARFStructureTranslation(t *testing.T) {
	img, _, offUint, offStruct, _ := buildBasicTypesCU(t)
	cfg := DefaultConfig()
	cfg.DVersion = 0
	tr := NewDWARFTranslator(img, &cfg, testSink(t))
	require.NoError(t, tr.CreateModules())

	idx := tr.mapOffsetToType[offStruct]
	rec := tr.userTypes.record(idx - 0x1000)
	require.NotNil(t, rec)
	assert.Equal(t, LF_STRUCTURE_V3, recID(rec))
	assert.Equal(t, 1, u16at(rec, 4)) // one element
	assert.Equal(t, int64(8), structSize(rec))
	name, _ := structName(rec)
	assert.Equal(t, "S", string(name))

	// the field list is the first record of the dwarf types arena
	fieldlistIdx := structFieldlist(rec)
	fl := tr.dwarfTypes.record(fieldlistIdx - 0x1000 - tr.userTypes.count())
	require.NotNil(t, fl)
	assert.Equal(t, LF_FIELDLIST_V2, recID(fl))
	assert.Equal(t, LF_MEMBER_V3, u16at(fl, 4))
	assert.Equal(t, 1, u16at(fl, 6)) // attribute
	assert.Equal(t, tr.mapOffsetToType[offUint], u32at(fl, 8))
	off, n, err := NumericLeaf(fl[12:])
	require.NoError(t, err)
	assert.Equal(t, int64(4), off)
	assert.Equal(t, "x", string(fl[12+n:12+n+1]))

	// every emitted user type record can be read back by its index
	for i := 0; i < tr.userTypes.count(); i++ {
		r := tr.userTypes.record(i)
		require.NotNil(t, r)
	}

	// UDT registered for the aggregate
	entry, ok := tr.udt.FindByType(idx)
	require.True(t, ok)
	assert.Equal(t, "S", entry.Name)
}

func TestDWARFProcedureSymbols(t *testing.T) {
	var ab abbrevBuilder
	ab.decl(1, DW_TAG_subprogram, true,
		DW_AT_name, DW_FORM_string,
		DW_AT_low_pc, DW_FORM_addr,
		DW_AT_high_pc, DW_FORM_addr,
		DW_AT_frame_base, DW_FORM_exprloc)
	ab.decl(2, DW_TAG_formal_parameter, false,
		DW_AT_name, DW_FORM_string,
		DW_AT_location, DW_FORM_exprloc)
	ab.uleb(0)

	var ib infoBuilder
	ib.start()

	payload := str("fun")
	payload = binary.LittleEndian.AppendUint32(payload, 0x401000) // low_pc
	payload = binary.LittleEndian.AppendUint32(payload, 0x401020) // high_pc
	payload = append(payload, 1, DW_OP_reg0+dwRegEBP)             // frame base: ebp
	ib.die(1, payload...)

	param := str("arg")
	param = append(param, 2, DW_OP_fbreg, 8)
	ib.die(2, param...)
	ib.null()

	img := dwarfTestImage(ib.finish(), ab.b)
	cfg := DefaultConfig()
	cfg.DVersion = 0
	tr := NewDWARFTranslator(img, &cfg, testSink(t))
	require.NoError(t, tr.CreateModules())

	syms := tr.symbols.b
	require.NotEmpty(t, syms)

	// first record: the procedure start
	assert.Equal(t, S_GPROC_V3, recID(syms))
	assert.Equal(t, 0x20, u32at(syms, 16))      // proc_len
	assert.Equal(t, 0, u32at(syms, 32))         // offset = low_pc - code seg base
	assert.Equal(t, 1, u16at(syms, 36))         // segment

	// a frame-relative parameter follows
	next := syms[recLen(syms):]
	assert.Equal(t, S_BPREL_V3, recID(next))
	assert.Equal(t, 8, u32at(next, 4))
}
