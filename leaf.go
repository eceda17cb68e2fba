// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

import (
	"encoding/binary"
)

// NameStyle selects the string encoding of an emitted record name. The
// pascal-length and zero-terminated forms coexist in the same streams, so
// every copy operation carries an explicit style instead of relying on
// in-band detection.
type NameStyle int

// Name styles.
const (
	NamePascal NameStyle = iota
	NameZero
)

// NumericLeaf decodes a CodeView numeric leaf: a variable-length integer
// or float literal embedded inline in a record. It returns the integral
// value (zero for float leaves) and the number of bytes consumed.
func NumericLeaf(b []byte) (value int64, length int, err error) {
	if len(b) < 2 {
		return 0, 0, ErrUnsupportedLeaf
	}
	tag := binary.LittleEndian.Uint16(b)
	if tag < LF_NUMERIC {
		return int64(tag), 2, nil
	}

	need := func(n int) bool { return len(b) >= 2+n }
	switch tag {
	case LF_CHAR:
		if !need(1) {
			return 0, 0, ErrUnsupportedLeaf
		}
		return int64(int8(b[2])), 3, nil
	case LF_SHORT:
		if !need(2) {
			return 0, 0, ErrUnsupportedLeaf
		}
		return int64(int16(binary.LittleEndian.Uint16(b[2:]))), 4, nil
	case LF_USHORT:
		if !need(2) {
			return 0, 0, ErrUnsupportedLeaf
		}
		return int64(binary.LittleEndian.Uint16(b[2:])), 4, nil
	case LF_LONG:
		if !need(4) {
			return 0, 0, ErrUnsupportedLeaf
		}
		return int64(int32(binary.LittleEndian.Uint32(b[2:]))), 6, nil
	case LF_ULONG:
		if !need(4) {
			return 0, 0, ErrUnsupportedLeaf
		}
		return int64(binary.LittleEndian.Uint32(b[2:])), 6, nil
	case LF_QUADWORD, LF_UQUADWORD:
		if !need(8) {
			return 0, 0, ErrUnsupportedLeaf
		}
		return int64(binary.LittleEndian.Uint64(b[2:])), 10, nil
	case LF_REAL32, LF_COMPLEX32:
		if !need(4) {
			return 0, 0, ErrUnsupportedLeaf
		}
		return 0, 6, nil
	case LF_REAL48:
		if !need(6) {
			return 0, 0, ErrUnsupportedLeaf
		}
		return 0, 8, nil
	case LF_REAL64, LF_COMPLEX64:
		if !need(8) {
			return 0, 0, ErrUnsupportedLeaf
		}
		return 0, 10, nil
	case LF_REAL80, LF_COMPLEX80:
		if !need(10) {
			return 0, 0, ErrUnsupportedLeaf
		}
		return 0, 12, nil
	case LF_REAL128, LF_COMPLEX128:
		if !need(16) {
			return 0, 0, ErrUnsupportedLeaf
		}
		return 0, 18, nil
	case LF_VARSTRING:
		if !need(2) {
			return 0, 0, ErrUnsupportedLeaf
		}
		n := int(binary.LittleEndian.Uint16(b[2:]))
		if !need(2 + n) {
			return 0, 0, ErrUnsupportedLeaf
		}
		return 0, 4 + n, nil
	}
	return 0, 0, ErrUnsupportedLeaf
}

// WriteNumericLeaf appends the smallest encoding of v to buf: inline for
// small non-negative values, then signed/unsigned 16, 32 and 64-bit leaves.
func WriteNumericLeaf(buf []byte, v int64) []byte {
	switch {
	case v >= 0 && v < LF_NUMERIC:
		return binary.LittleEndian.AppendUint16(buf, uint16(v))
	case v >= -0x80 && v < 0:
		buf = binary.LittleEndian.AppendUint16(buf, LF_CHAR)
		return append(buf, byte(int8(v)))
	case v >= -0x8000 && v < 0:
		buf = binary.LittleEndian.AppendUint16(buf, LF_SHORT)
		return binary.LittleEndian.AppendUint16(buf, uint16(int16(v)))
	case v >= 0 && v <= 0xffff:
		buf = binary.LittleEndian.AppendUint16(buf, LF_USHORT)
		return binary.LittleEndian.AppendUint16(buf, uint16(v))
	case v >= -0x80000000 && v < 0:
		buf = binary.LittleEndian.AppendUint16(buf, LF_LONG)
		return binary.LittleEndian.AppendUint32(buf, uint32(int32(v)))
	case v >= 0 && v <= 0xffffffff:
		buf = binary.LittleEndian.AppendUint16(buf, LF_ULONG)
		return binary.LittleEndian.AppendUint32(buf, uint32(v))
	case v < 0:
		buf = binary.LittleEndian.AppendUint16(buf, LF_QUADWORD)
		return binary.LittleEndian.AppendUint64(buf, uint64(v))
	default:
		buf = binary.LittleEndian.AppendUint16(buf, LF_UQUADWORD)
		return binary.LittleEndian.AppendUint64(buf, uint64(v))
	}
}

// PascalStringLen returns the string length and prefix width of a
// length-prefixed string. A sentinel 0xFF first byte with a following zero
// byte escapes to a 16-bit length.
func PascalStringLen(b []byte) (strLen, prefixLen int) {
	if len(b) == 0 {
		return 0, 0
	}
	if b[0] == 0xff && len(b) >= 4 && b[1] == 0 {
		return int(b[2]) | int(b[3])<<8, 4
	}
	return int(b[0]), 1
}

// pstrMemLen returns the total in-record size of a pascal string.
func pstrMemLen(b []byte) int {
	n, p := PascalStringLen(b)
	return n + p
}

// cstrMemLen returns the total in-record size of a zero terminated string.
func cstrMemLen(b []byte) int {
	for i := range b {
		if b[i] == 0 {
			return i + 1
		}
	}
	return len(b)
}

// readName extracts the name bytes at the start of b in the given style.
// It returns the name and the total number of bytes it occupies.
func readName(b []byte, style NameStyle) ([]byte, int) {
	if style == NameZero {
		n := cstrMemLen(b)
		if n == 0 {
			return nil, 0
		}
		return b[:n-1], n
	}
	strLen, prefixLen := PascalStringLen(b)
	if prefixLen == 0 || prefixLen+strLen > len(b) {
		return nil, 0
	}
	return b[prefixLen : prefixLen+strLen], prefixLen + strLen
}

// CopyName appends name to buf in the requested style, rewriting '.' to
// the replacement character so debuggers that parse dotted names as scope
// operators are not confused. Pascal names longer than 255 bytes are
// truncated.
func CopyName(buf []byte, name []byte, style NameStyle, dotRepl byte) []byte {
	if style == NamePascal && len(name) > 255 {
		name = name[:255]
	}
	if style == NamePascal {
		buf = append(buf, byte(len(name)))
	}
	for _, c := range name {
		if c == '.' {
			c = dotRepl
		}
		buf = append(buf, c)
	}
	if style == NameZero {
		buf = append(buf, 0)
	}
	return buf
}

// NamesEqual compares two names with the dot replacement applied on both
// sides.
func NamesEqual(a, b []byte, dotRepl byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if ca == '.' {
			ca = dotRepl
		}
		if cb == '.' {
			cb = dotRepl
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// ExpandSymbol expands a compressed compiler symbol name. Characters with
// the two top bits set encode short back-references into the output;
// 0x80..0xBF open a long back-reference spanning two extra bytes. The
// expansion then applies the dot replacement.
func ExpandSymbol(p []byte, cfg *Config) string {
	out := make([]byte, 0, len(p))
	for i := 0; i < len(p); {
		ch := p[i]
		i++
		if ch == 0 {
			break
		}
		switch {
		case ch&0xc0 == 0xc0:
			zlen := int(ch&0x7) + 1
			zpos := int((ch>>3)&7) + 1
			if zpos > len(out) {
				i = len(p)
				break
			}
			for z := 0; z < zlen; z++ {
				out = append(out, out[len(out)-zpos])
			}
		case ch >= 0x80:
			if i+1 >= len(p) {
				i = len(p)
				break
			}
			ch2, ch3 := p[i], p[i+1]
			i += 2
			zlen := int(ch2&0x7f) | int(ch&0x38)<<4
			zpos := int(ch3&0x7f) | int(ch&7)<<7
			if zpos > len(out) {
				i = len(p)
				break
			}
			for z := 0; z < zlen; z++ {
				out = append(out, out[len(out)-zpos])
			}
		default:
			out = append(out, ch)
		}
	}
	if cfg.DemangleSymbols && isDMangled(out) {
		out = []byte(demangleDQualifiedName(out))
	}
	for i := range out {
		if out[i] == '.' {
			out[i] = cfg.DotReplacementChar
		}
	}
	return string(out)
}
