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

// symBuilder assembles a v1 symbol stream.
type symBuilder struct {
	b []byte
}

func (s *symBuilder) record(id uint16, payload ...byte) {
	rec := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint16(rec, uint16(len(payload)+2))
	binary.LittleEndian.PutUint16(rec[2:], id)
	copy(rec[4:], payload)
	s.b = append(s.b, rec...)
}

func (s *symBuilder) gprocV1(offset uint32, segment uint16, procType uint16, name string) {
	var p []byte
	p = binary.LittleEndian.AppendUint32(p, 0) // pparent
	p = binary.LittleEndian.AppendUint32(p, 0) // pend
	p = binary.LittleEndian.AppendUint32(p, 0) // next
	p = binary.LittleEndian.AppendUint32(p, 0x40)
	p = binary.LittleEndian.AppendUint32(p, 0)
	p = binary.LittleEndian.AppendUint32(p, 0x40)
	p = binary.LittleEndian.AppendUint32(p, offset)
	p = binary.LittleEndian.AppendUint16(p, segment)
	p = binary.LittleEndian.AppendUint16(p, procType)
	p = append(p, 0) // flags
	p = CopyName(p, []byte(name), NamePascal, '@')
	s.record(S_GPROC_V1, p...)
}

func (s *symBuilder) bprelV1(offset uint32, symType uint16, name string) {
	var p []byte
	p = binary.LittleEndian.AppendUint32(p, offset)
	p = binary.LittleEndian.AppendUint16(p, symType)
	p = CopyName(p, []byte(name), NamePascal, '@')
	s.record(S_BPREL_V1, p...)
}

// collectSymbols splits an output stream into records.
func collectSymbols(t *testing.T, b []byte) [][]byte {
	t.Helper()
	var recs [][]byte
	for pos := 0; pos+4 <= len(b); {
		n := recLen(b[pos:])
		require.GreaterOrEqual(t, n, 4)
		require.LessOrEqual(t, pos+n, len(b))
		recs = append(recs, b[pos:pos+n])
		pos += n
	}
	return recs
}

func TestCopySymbolsBlockMarkers(t *testing.T) {
	var src symBuilder
	src.gprocV1(0x100, 1, 0, "fun")
	// @sblk with offset = (len<<16)|off
	src.bprelV1(0x20<<16|0x08, 0, "@sblk")
	src.bprelV1(0, 0, "@send")
	src.record(S_END_V1)

	tr := newTestCVTranslator(t, &inputTypeBuilder{})
	var dst symWriter
	tr.copySymbols(src.b, &dst)

	recs := collectSymbols(t, dst.b)
	require.Len(t, recs, 4)

	assert.Equal(t, S_GPROC_V3, recID(recs[0]))

	block := recs[1]
	assert.Equal(t, S_BLOCK_V3, recID(block))
	assert.Equal(t, 0x20, u32at(block, 12))    // length
	assert.Equal(t, 0x100+0x08, u32at(block, 16)) // offset
	assert.Equal(t, 1, u16at(block, 20))       // segment
	assert.Equal(t, "", cstring(block[22:]))   // empty name

	assert.Equal(t, S_END_V1, recID(recs[2]))
	assert.Equal(t, S_END_V1, recID(recs[3]))
}

func TestCopySymbolsDataUpConversion(t *testing.T) {
	var src symBuilder
	var p []byte
	p = binary.LittleEndian.AppendUint32(p, 0x1234) // offset
	p = binary.LittleEndian.AppendUint16(p, 2)      // segment
	p = binary.LittleEndian.AppendUint16(p, 0x74)   // symtype
	p = CopyName(p, []byte("g_var"), NamePascal, '@')
	src.record(S_GDATA_V1, p...)

	tr := newTestCVTranslator(t, &inputTypeBuilder{})
	var dst symWriter
	tr.copySymbols(src.b, &dst)

	recs := collectSymbols(t, dst.b)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, S_GDATA_V3, recID(rec))
	assert.Equal(t, 0x74, u32at(rec, 4))
	assert.Equal(t, 0x1234, u32at(rec, 8))
	assert.Equal(t, 2, u16at(rec, 12))
	assert.Equal(t, "g_var", cstring(rec[14:]))
}

func TestCopySymbolsDropList(t *testing.T) {
	var src symBuilder
	src.record(S_RETURN_V1)
	src.record(S_ALIGN_V1, 0, 0, 0, 0)
	src.record(S_PROCREF_V1, 0, 0, 0, 0)
	src.record(S_DATAREF_V1, 0, 0, 0, 0)
	src.record(S_LPROCREF_V1, 0, 0, 0, 0)
	src.record(S_ENDARG_V1)

	tr := newTestCVTranslator(t, &inputTypeBuilder{})
	var dst symWriter
	tr.copySymbols(src.b, &dst)

	recs := collectSymbols(t, dst.b)
	require.Len(t, recs, 1)
	assert.Equal(t, S_ENDARG_V1, recID(recs[0]))
}

func TestCopySymbolsUDT(t *testing.T) {
	var src symBuilder
	var p []byte
	p = binary.LittleEndian.AppendUint16(p, 0x74)
	p = CopyName(p, []byte("myint"), NamePascal, '@')
	src.record(S_UDT_V1, p...)

	tr := newTestCVTranslator(t, &inputTypeBuilder{})
	var dst symWriter
	tr.copySymbols(src.b, &dst)

	recs := collectSymbols(t, dst.b)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, S_UDT_V3, recID(rec))
	assert.Equal(t, 0x74, u32at(rec, 4))
	assert.Equal(t, "myint", cstring(rec[8:]))
}

func TestCopySymbolsConstant(t *testing.T) {
	var src symBuilder
	var p []byte
	p = binary.LittleEndian.AppendUint16(p, 0x74)
	p = WriteNumericLeaf(p, 42)
	p = CopyName(p, []byte("answer"), NamePascal, '@')
	src.record(S_CONSTANT_V1, p...)

	tr := newTestCVTranslator(t, &inputTypeBuilder{})
	var dst symWriter
	tr.copySymbols(src.b, &dst)

	recs := collectSymbols(t, dst.b)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, S_CONSTANT_V3, recID(rec))
	assert.Equal(t, 0x74, u32at(rec, 4))
	v, n, err := NumericLeaf(rec[8:])
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
	assert.Equal(t, "answer", cstring(rec[8+n:]))
}

func TestCopySymbolsScopeStripForC(t *testing.T) {
	var src symBuilder
	src.bprelV1(8, 0x74, "fun:local")

	cfg := DefaultConfig()
	cfg.DVersion = 0
	img := NewBytes(nil, nil)
	tr := NewCVTranslator(img, &cfg, testSink(t))

	var dst symWriter
	tr.copySymbols(src.b, &dst)

	recs := collectSymbols(t, dst.b)
	require.Len(t, recs, 1)
	assert.Equal(t, "local", cstring(recs[0][12:]))
}
