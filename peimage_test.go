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

// buildTestPE assembles a minimal 32-bit PE with a .text section and a
// .debug_line section so the DWARF classification path triggers.
func buildTestPE(t *testing.T) []byte {
	t.Helper()

	data := make([]byte, 0x600)

	// DOS header
	binary.LittleEndian.PutUint16(data, ImageDOSSignature)
	binary.LittleEndian.PutUint32(data[0x3c:], 0x80) // e_lfanew

	// NT headers
	binary.LittleEndian.PutUint32(data[0x80:], ImageNTSignature)
	fh := data[0x84:]
	binary.LittleEndian.PutUint16(fh, ImageFileMachineI386)
	binary.LittleEndian.PutUint16(fh[2:], 2)    // sections
	binary.LittleEndian.PutUint16(fh[16:], 224) // optional header size

	oh := data[0x98:]
	binary.LittleEndian.PutUint16(oh, ImageNtOptionalHeader32Magic)
	binary.LittleEndian.PutUint32(oh[28:], 0x400000) // image base
	binary.LittleEndian.PutUint32(oh[32:], 0x1000)   // section alignment
	binary.LittleEndian.PutUint32(oh[36:], 0x200)    // file alignment
	binary.LittleEndian.PutUint32(oh[56:], 0x3000)   // size of image
	binary.LittleEndian.PutUint32(oh[92:], 16)       // rva and sizes

	sec := data[0x178:]
	copy(sec, ".text")
	binary.LittleEndian.PutUint32(sec[8:], 0x200)   // virtual size
	binary.LittleEndian.PutUint32(sec[12:], 0x1000) // virtual address
	binary.LittleEndian.PutUint32(sec[16:], 0x200)  // raw size
	binary.LittleEndian.PutUint32(sec[20:], 0x200)  // raw pointer

	sec = data[0x178+40:]
	// the name is longer than 8 bytes, so it goes through the string
	// table as '/4'
	copy(sec, "/4")
	binary.LittleEndian.PutUint32(sec[8:], 0x100)
	binary.LittleEndian.PutUint32(sec[12:], 0x2000)
	binary.LittleEndian.PutUint32(sec[16:], 0x200)
	binary.LittleEndian.PutUint32(sec[20:], 0x400)

	return data
}

// buildTestPEWithDebugLine adds the COFF string table resolving the '/4'
// section name to .debug_line.
func buildTestPEWithDebugLine(t *testing.T) []byte {
	data := buildTestPE(t)
	fh := data[0x84:]
	binary.LittleEndian.PutUint32(fh[8:], 0x580) // symbol table
	binary.LittleEndian.PutUint32(fh[12:], 1)    // one (empty) symbol
	strTable := data[0x580+18:]
	binary.LittleEndian.PutUint32(strTable, 16)
	copy(strTable[4:], ".debug_line\x00")
	return data
}

func parseHeaders(t *testing.T, data []byte) *PEImage {
	t.Helper()
	img := NewBytes(data, nil)
	require.NoError(t, img.ParseDOSHeader())
	require.NoError(t, img.ParseNTHeader())
	secOff := img.optHeaderOff + uint32(img.NtHeader.FileHeader.SizeOfOptionalHeader)
	require.NoError(t, img.parseSectionTable(secOff, int(img.NtHeader.FileHeader.NumberOfSections)))
	return img
}

func TestParseHeaders(t *testing.T) {
	img := parseHeaders(t, buildTestPE(t))
	assert.False(t, img.Is64)
	assert.Equal(t, uint64(0x400000), img.ImageBase())
	assert.Equal(t, uint32(0x200), img.FileAlignment())
	assert.Equal(t, uint32(0x1000), img.SectionAlignment())
	require.Len(t, img.Sections, 2)
	assert.Equal(t, ".text", img.SectionName(0))
}

func TestParseRejectsGarbage(t *testing.T) {
	img := NewBytes(make([]byte, 0x200), nil)
	assert.ErrorIs(t, img.Parse(), ErrNotAnImage)
}

func TestParseTruncatedHeader(t *testing.T) {
	data := buildTestPE(t)[:0x90]
	img := NewBytes(data, nil)
	err := img.Parse()
	assert.Error(t, err)
}

func TestFindSection(t *testing.T) {
	img := parseHeaders(t, buildTestPE(t))
	assert.Equal(t, 0, img.FindSection(0x401080))
	assert.Equal(t, 1, img.FindSection(0x402000))
	assert.Equal(t, -1, img.FindSection(0x500000))
}

func TestFindSymbolPrefixes(t *testing.T) {
	img := parseHeaders(t, buildTestPE(t))
	mkSym := func(name string, section int32, value uint32) COFFSymbol {
		var s COFFSymbol
		copy(s.Name[:], name)
		s.SectionNumber = section
		s.Value = value
		return s
	}
	img.symbols = []COFFSymbol{
		mkSym("plain", 1, 0x10),
		mkSym("_under", 1, 0x20),
		mkSym("__imp_i1", 2, 0x30),
		mkSym("__imp__k", 2, 0x40),
	}

	info, ok := img.FindSymbol("plain")
	require.True(t, ok)
	assert.Equal(t, 0, info.Section)
	assert.Equal(t, uint32(0x10), info.Offset)
	assert.False(t, info.DllImport)

	info, ok = img.FindSymbol("under")
	require.True(t, ok)
	assert.Equal(t, uint32(0x20), info.Offset)

	info, ok = img.FindSymbol("i1")
	require.True(t, ok)
	assert.True(t, info.DllImport)
	assert.Equal(t, 1, info.Section)

	info, ok = img.FindSymbol("k")
	require.True(t, ok)
	assert.True(t, info.DllImport)

	_, ok = img.FindSymbol("missing")
	assert.False(t, ok)
}

func TestParseClassifiesDWARF(t *testing.T) {
	img := NewBytes(buildTestPEWithDebugLine(t), nil)
	require.NoError(t, img.Parse())
	assert.Equal(t, PayloadDWARF, img.Payload)
	assert.True(t, img.HasDWARF())
	assert.Equal(t, 0, img.CodeSegment)
}

func TestParseBigObject(t *testing.T) {
	data := make([]byte, 0x100)
	// machine 0, section count 0xFFFF
	binary.LittleEndian.PutUint16(data[2:], 0xffff)
	binary.LittleEndian.PutUint16(data[4:], 2) // version
	copy(data[12:], bigObjClassID[:])

	img := NewBytes(data, nil)
	err := img.Parse()
	// a big object without debug sections classifies but carries nothing
	assert.ErrorIs(t, err, ErrNoDebugInfo)
	assert.True(t, img.bigobj)
}

func TestReplaceDebugSection(t *testing.T) {
	img := NewBytes(buildTestPEWithDebugLine(t), nil)
	require.NoError(t, img.Parse())

	payload := make([]byte, 0x10)
	copy(payload, "RSDS")
	require.NoError(t, img.ReplaceDebugSection(payload, false))

	// the rewritten buffer is still a valid PE
	out := parseHeaders(t, img.data)
	require.Len(t, out.Sections, 2)

	// non-.debug sections keep their virtual addresses
	assert.Equal(t, ".text", out.SectionName(0))
	assert.Equal(t, uint32(0x1000), out.Sections[0].VirtualAddress)

	last := out.Sections[1]
	assert.Equal(t, ".debug", out.SectionName(1))
	assert.Equal(t, uint32(0x2000), last.VirtualAddress)
	assert.Equal(t, uint32(0x10+debugDirectorySize), last.SizeOfRawData)
	assert.Equal(t, uint32(0x400), last.PointerToRawData)

	// the optional header's size of image covers the new section
	assert.Equal(t, uint32(0x3000),
		out.NtHeader.OptionalHeader.(ImageOptionalHeader32).SizeOfImage)

	// the debug data directory points at the fresh 28-byte entry
	dd := out.DataDirectory(ImageDirectoryEntryDebug)
	assert.Equal(t, uint32(0x2000+0x10), dd.VirtualAddress)
	assert.Equal(t, uint32(debugDirectorySize), dd.Size)

	ddOff, ok := out.rvaToOffset(dd.VirtualAddress)
	require.True(t, ok)
	var ddir ImageDebugDirectory
	require.NoError(t, out.structUnpack(&ddir, ddOff, debugDirectorySize))
	assert.Equal(t, ImageDebugDirectoryType(ImageDebugTypeCodeView), ddir.Type)
	assert.Equal(t, uint32(0x400), ddir.PointerToRawData)
	assert.Equal(t, uint32(0x2000), ddir.AddressOfRawData)
	assert.Equal(t, uint32(0x10), ddir.SizeOfData)

	// the payload itself landed at the section start
	assert.Equal(t, "RSDS", string(img.data[0x400:0x404]))
}

func TestRelocateDebugLineInfo(t *testing.T) {
	data := buildTestPEWithDebugLine(t)
	// place a value to relocate at the start of .debug_line (file 0x400,
	// RVA 0x2000)
	binary.LittleEndian.PutUint32(data[0x400:], 0x1000)

	img := NewBytes(data, nil)
	require.NoError(t, img.Parse())

	// synthesize a .reloc payload: one block at RVA 0x2000 with a single
	// HIGHLOW entry at offset 0
	reloc := make([]byte, 10)
	binary.LittleEndian.PutUint32(reloc, 0x2000)
	binary.LittleEndian.PutUint32(reloc[4:], 10)
	binary.LittleEndian.PutUint16(reloc[8:], 3<<12|0)
	img.Reloc = PESlice{Data: reloc}

	require.NoError(t, img.RelocateDebugLineInfo(0x400000))
	assert.Equal(t, uint32(0x401000), binary.LittleEndian.Uint32(img.data[0x400:]))
}

func TestCVInfoPDB70Marshal(t *testing.T) {
	info := CVInfoPDB70{
		Signature:   GUID{Data1: 0x11223344, Data2: 0x5566, Data3: 0x7788},
		Age:         2,
		PDBFileName: "out.pdb",
	}
	b := info.Marshal()
	assert.Equal(t, uint32(CVSignatureRSDS), binary.LittleEndian.Uint32(b))
	assert.Equal(t, uint32(0x11223344), binary.LittleEndian.Uint32(b[4:]))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(b[20:]))
	assert.Equal(t, "out.pdb", cstring(b[24:]))
	assert.Equal(t, byte(0), b[len(b)-1])
}
