// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"
)

const (
	// TinyPESize On Windows XP (x32) the smallest PE executable is 97 bytes.
	TinyPESize = 97

	// FileAlignmentHardcodedValue represents the value which PointerToRawData
	// should be at least equal or bigger to, or it will be rounded to zero.
	FileAlignmentHardcodedValue = 0x200
)

// ReadUint64 reads a uint64 from the image buffer.
func (img *PEImage) ReadUint64(offset uint32) (uint64, error) {
	if offset+8 > img.size {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint64(img.data[offset:]), nil
}

// ReadUint32 reads a uint32 from the image buffer.
func (img *PEImage) ReadUint32(offset uint32) (uint32, error) {
	if img.size < 4 || offset > img.size-4 {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint32(img.data[offset:]), nil
}

// ReadUint16 reads a uint16 from the image buffer.
func (img *PEImage) ReadUint16(offset uint32) (uint16, error) {
	if img.size < 2 || offset > img.size-2 {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint16(img.data[offset:]), nil
}

// ReadUint8 reads a uint8 from the image buffer.
func (img *PEImage) ReadUint8(offset uint32) (uint8, error) {
	if offset+1 > img.size {
		return 0, ErrOutsideBoundary
	}
	return img.data[offset], nil
}

// ReadBytesAtOffset returns a byte slice from offset.
func (img *PEImage) ReadBytesAtOffset(offset, size uint32) ([]byte, error) {
	// Boundary check
	totalSize := offset + size

	// Integer overflow
	if (totalSize > offset) != (size > 0) {
		return nil, ErrOutsideBoundary
	}

	if offset >= img.size || totalSize > img.size {
		return nil, ErrOutsideBoundary
	}
	return img.data[offset : offset+size], nil
}

func (img *PEImage) structUnpack(iface interface{}, offset, size uint32) error {
	totalSize := offset + size
	if (totalSize > offset) != (size > 0) {
		return ErrOutsideBoundary
	}
	if offset >= img.size || totalSize > img.size {
		return ErrOutsideBoundary
	}
	buf := bytes.NewReader(img.data[offset : offset+size])
	return binary.Read(buf, binary.LittleEndian, iface)
}

// readASCIIStringAtOffset reads a zero terminated string, returning the
// consumed length and the string.
func (img *PEImage) readASCIIStringAtOffset(offset, maxLength uint32) (uint32, string) {
	var sb strings.Builder
	i := uint32(0)
	for ; i < maxLength; i++ {
		if offset+i >= img.size || img.data[offset+i] == 0 {
			break
		}
		sb.WriteByte(img.data[offset+i])
	}
	return i, sb.String()
}

// resolveLongSectionName resolves a '/NNN' style section name against the
// COFF string table.
func (img *PEImage) resolveLongSectionName(name string) string {
	if !strings.HasPrefix(name, "/") || img.strTableOff == 0 {
		return name
	}
	off, err := strconv.Atoi(name[1:])
	if err != nil {
		return name
	}
	_, long := img.readASCIIStringAtOffset(img.strTableOff+uint32(off), MaxNameLen)
	return long
}

// alignDword aligns the offset on a 32-bit boundary.
func alignDword(offset, base uint32) uint32 {
	return ((offset + base + 3) & 0xfffffffc) - (base & 0xfffffffc)
}

// alignUp rounds v up to the next multiple of align. A zero align returns v.
func alignUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	return (v + align - 1) / align * align
}

// Max returns the larger of x or y.
func Max(x, y uint32) uint32 {
	if x < y {
		return y
	}
	return x
}
