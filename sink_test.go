// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameTypesMagic(t *testing.T) {
	blob := FrameTypes([]byte{1, 2, 3, 4})
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(blob))
	assert.Equal(t, []byte{1, 2, 3, 4}, blob[4:])
}

func TestFrameSymbolsNewBackend(t *testing.T) {
	sink, err := OpenSink(&DumpBackend{W: io.Discard, Rev: 14}, "x.pdb")
	require.NoError(t, err)

	raw := []byte{0xaa, 0xbb, 0xcc}
	blob := sink.FrameSymbols(raw)

	// magic, then an 0xF1 chunk of the raw record stream
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(blob))
	assert.Equal(t, uint32(0xf1), binary.LittleEndian.Uint32(blob[4:]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(blob[8:]))
	assert.Equal(t, raw, blob[12:15])
	assert.Zero(t, len(blob)%4)
}

func TestFrameSymbolsOldBackend(t *testing.T) {
	sink, err := OpenSink(&DumpBackend{W: io.Discard, Rev: 9}, "x.pdb")
	require.NoError(t, err)

	raw := []byte{0xaa, 0xbb}
	blob := sink.FrameSymbols(raw)

	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(blob))
	assert.Equal(t, uint32(0xf1), binary.LittleEndian.Uint32(blob[4:]))
	// the older shape carries an extra prefix word counted in the size
	assert.Equal(t, uint32(2+4), binary.LittleEndian.Uint32(blob[8:]))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(blob[12:]))
	assert.Equal(t, raw, blob[16:18])
}

func TestSinkPublicDispatchByVersion(t *testing.T) {
	// newer backends route publics through the DBI
	var out bytes.Buffer
	sink, err := OpenSink(&DumpBackend{W: &out, Rev: 14}, "x.pdb")
	require.NoError(t, err)
	mod := &captureMod{}
	require.NoError(t, sink.AddPublic(mod, "sym", 1, 0x10, 0))
	assert.Empty(t, mod.publics)
	assert.Contains(t, out.String(), "Public: sym")

	// older backends go through the module
	sink, err = OpenSink(&DumpBackend{W: io.Discard, Rev: 9}, "x.pdb")
	require.NoError(t, err)
	mod = &captureMod{}
	require.NoError(t, sink.AddPublic(mod, "sym", 1, 0x10, 0))
	require.Len(t, mod.publics, 1)
	assert.Equal(t, "sym", mod.publics[0].name)
}

func TestSinkMachineTypeDispatch(t *testing.T) {
	var out bytes.Buffer
	sink, err := OpenSink(&DumpBackend{W: &out, Rev: 14}, "x.pdb")
	require.NoError(t, err)
	require.NoError(t, sink.SetMachineType(ImageFileMachineAMD64))
	assert.Contains(t, out.String(), "Machine: 8664")

	// the older vtable has no machine-type slot; the call is dropped
	out.Reset()
	sink, err = OpenSink(&DumpBackend{W: &out, Rev: 9}, "x.pdb")
	require.NoError(t, err)
	require.NoError(t, sink.SetMachineType(ImageFileMachineAMD64))
	assert.NotContains(t, out.String(), "Machine")
}
