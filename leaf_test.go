// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumericLeafRoundTrip(t *testing.T) {
	values := []int64{
		0, 1, 0x7fff, // inline
		-1, -0x80, // LF_CHAR
		-0x81, -0x8000, // LF_SHORT
		0x8000, 0xffff, // LF_USHORT
		-0x8001, -0x80000000, // LF_LONG
		0x10000, 0xffffffff, // LF_ULONG
		-0x80000001, // LF_QUADWORD
		0x100000000, // LF_UQUADWORD
	}
	for _, v := range values {
		buf := WriteNumericLeaf(nil, v)
		got, n, err := NumericLeaf(buf)
		require.NoError(t, err, "value %d", v)
		assert.Equal(t, v, got, "value %d", v)
		assert.Equal(t, len(buf), n, "value %d consumed", v)
	}
}

func TestNumericLeafMinimalWidth(t *testing.T) {
	tests := []struct {
		value int64
		want  int
	}{
		{0, 2},
		{0x7fff, 2},
		{-1, 3},
		{-0x80, 3},
		{0x8000, 4},
		{0xffff, 4},
		{-0x81, 4},
		{0x10000, 6},
		{-0x8001, 6},
		{0x100000000, 10},
	}
	for _, tt := range tests {
		got := WriteNumericLeaf(nil, tt.value)
		assert.Equal(t, tt.want, len(got), "value %d", tt.value)
	}
}

func TestNumericLeafFloatWidths(t *testing.T) {
	tests := []struct {
		tag  uint16
		want int
	}{
		{LF_REAL32, 6},
		{LF_REAL48, 8},
		{LF_REAL64, 10},
		{LF_REAL80, 12},
		{LF_REAL128, 18},
		{LF_COMPLEX32, 6},
		{LF_COMPLEX64, 10},
		{LF_COMPLEX80, 12},
		{LF_COMPLEX128, 18},
	}
	for _, tt := range tests {
		buf := make([]byte, 20)
		buf[0] = byte(tt.tag)
		buf[1] = byte(tt.tag >> 8)
		_, n, err := NumericLeaf(buf)
		require.NoError(t, err, "tag %x", tt.tag)
		assert.Equal(t, tt.want, n, "tag %x", tt.tag)
	}
}

func TestNumericLeafUnknownTag(t *testing.T) {
	_, _, err := NumericLeaf([]byte{0xff, 0x87})
	assert.ErrorIs(t, err, ErrUnsupportedLeaf)
}

func TestNumericLeafVarString(t *testing.T) {
	buf := []byte{0x10, 0x80, 3, 0, 'a', 'b', 'c'}
	_, n, err := NumericLeaf(buf)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestPascalStringLen(t *testing.T) {
	tests := []struct {
		name    string
		in      []byte
		strLen  int
		prefix  int
	}{
		{"short", []byte{3, 'a', 'b', 'c'}, 3, 1},
		{"empty", []byte{0}, 0, 1},
		{"escaped", []byte{0xff, 0, 0x10, 0x02}, 0x210, 4},
		{"ff length", []byte{0xff, 1, 2, 3}, 0xff, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			strLen, prefix := PascalStringLen(tt.in)
			assert.Equal(t, tt.strLen, strLen)
			assert.Equal(t, tt.prefix, prefix)
		})
	}
}

func TestCopyNameDotReplacement(t *testing.T) {
	got := CopyName(nil, []byte("object.Object"), NameZero, '@')
	assert.Equal(t, "object@Object\x00", string(got))

	got = CopyName(nil, []byte("a.b"), NamePascal, '$')
	assert.Equal(t, []byte{3, 'a', '$', 'b'}, got)
}

func TestNamesEqual(t *testing.T) {
	assert.True(t, NamesEqual([]byte("a.b"), []byte("a@b"), '@'))
	assert.True(t, NamesEqual([]byte("a@b"), []byte("a.b"), '@'))
	assert.False(t, NamesEqual([]byte("a.b"), []byte("a@c"), '@'))
	assert.False(t, NamesEqual([]byte("ab"), []byte("abc"), '@'))
}

func TestExpandSymbolPlain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DemangleSymbols = false
	assert.Equal(t, "_D4testFZv", ExpandSymbol([]byte("_D4testFZv"), &cfg))
	assert.Equal(t, "plain_c_name", ExpandSymbol([]byte("plain_c_name"), &cfg))
}

func TestExpandSymbolDemangles(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "test@main", ExpandSymbol([]byte("_D4test4mainFZv"), &cfg))
	// non-D manglings pass through untouched
	assert.Equal(t, "?fn@@YAXXZ", ExpandSymbol([]byte("?fn@@YAXXZ"), &cfg))
}

func TestDemangleDQualifiedName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"_D4test4mainFZv", "test.main"},
		{"_D3std5stdio7writelnFZv", "std.stdio.writeln"},
		{"_Dmain", "_Dmain"},     // no leading digit
		{"_D99x", "_D99x"},       // length past the end
		{"notmangled", "notmangled"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, demangleDQualifiedName([]byte(tt.in)), tt.in)
	}
}

func TestExpandSymbolBackref(t *testing.T) {
	cfg := DefaultConfig()
	// 0xc0|((zpos-1)<<3)|(zlen-1): repeat 2 bytes from 2 back -> "abab"
	in := []byte{'a', 'b', 0xc0 | (1 << 3) | 1}
	assert.Equal(t, "abab", ExpandSymbol(in, &cfg))
}

func TestExpandSymbolDots(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "mod@sub", ExpandSymbol([]byte("mod.sub"), &cfg))
}

func TestReadName(t *testing.T) {
	name, n := readName([]byte{4, 'n', 'a', 'm', 'e', 'x'}, NamePascal)
	assert.Equal(t, "name", string(name))
	assert.Equal(t, 5, n)

	name, n = readName([]byte("abc\x00def"), NameZero)
	assert.Equal(t, "abc", string(name))
	assert.Equal(t, 4, n)
}
