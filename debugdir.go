// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/text/encoding/unicode"
)

// The following values are defined for the Type field of the debug
// directory entry:
const (
	// An unknown value that is ignored by all tools.
	ImageDebugTypeUnknown = 0

	// The COFF debug information (line numbers, symbol table, and string
	// table). This type of debug information is also pointed to by fields
	// in the file headers.
	ImageDebugTypeCOFF = 1

	// The Visual C++ debug information.
	ImageDebugTypeCodeView = 2

	// The frame pointer omission (FPO) information.
	ImageDebugTypeFPO = 3

	// The location of a DBG file.
	ImageDebugTypeMisc = 4
)

const (
	// CVSignatureRSDS represents the CodeView signature 'SDSR'.
	CVSignatureRSDS = 0x53445352

	// CVSignatureNB10 represents the CodeView signature 'NB10'.
	CVSignatureNB10 = 0x3031424e
)

// ImageDebugDirectoryType represents the type of a debug directory.
type ImageDebugDirectoryType uint32

// ImageDebugDirectory represents the IMAGE_DEBUG_DIRECTORY structure.
// This directory indicates what form of debug information is present
// and where it is.
type ImageDebugDirectory struct {
	// Reserved, must be 0.
	Characteristics uint32

	// The time and date that the debug data was created.
	TimeDateStamp uint32

	// The major version number of the debug data format.
	MajorVersion uint16

	// The minor version number of the debug data format.
	MinorVersion uint16

	// The format of debugging information.
	Type ImageDebugDirectoryType

	// The size of the debug data (not including the debug directory
	// itself).
	SizeOfData uint32

	// The address of the debug data when loaded, relative to the image
	// base.
	AddressOfRawData uint32

	// The file pointer to the debug data.
	PointerToRawData uint32
}

// GUID is a 128-bit value consisting of one group of 8 hexadecimal digits,
// followed by three groups of 4 hexadecimal digits each, followed by one
// group of 12 hexadecimal digits.
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// CVInfoPDB70 represents the CodeView data block of a PDB 7.0 reference:
// the RSDS signature, a unique build GUID, an age counter, and the
// zero-terminated UTF-8 PDB path.
type CVInfoPDB70 struct {
	// CodeView signature, equal to `RSDS`.
	CVSignature uint32

	// A unique identifier, which changes with every rebuild of the
	// executable and PDB file.
	Signature GUID

	// Ever-incrementing value, incremented every time a part of the PDB
	// file is updated without rewriting the whole file.
	Age uint32

	// Name of the PDB file, possibly with a full or partial path.
	PDBFileName string
}

// DecodeUTF16String decodes the UTF16 string from the byte slice.
func DecodeUTF16String(b []byte) (string, error) {
	n := bytes.Index(b, []byte{0, 0})
	if n == 0 {
		return "", nil
	}
	if n < 0 {
		n = len(b) - 1
	}
	decoder := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
	s, err := decoder.Bytes(b[0 : n+1])
	if err != nil {
		return "", err
	}
	return string(s), nil
}

// parseDebugMisc decodes an IMAGE_DEBUG_TYPE_MISC payload: a data type, a
// length, a unicode flag and the DBG file name.
func parseDebugMisc(b []byte) (string, bool) {
	if len(b) < 12 {
		return "", false
	}
	length := binary.LittleEndian.Uint32(b[4:])
	if length > uint32(len(b)) {
		length = uint32(len(b))
	}
	isUnicode := b[8] != 0
	data := b[12:length]
	if isUnicode {
		s, err := DecodeUTF16String(data)
		if err != nil {
			return "", false
		}
		return s, s != ""
	}
	s := cstring(data)
	return s, s != ""
}

// Marshal serializes the RSDS blob.
func (cv *CVInfoPDB70) Marshal() []byte {
	b := make([]byte, 24+len(cv.PDBFileName)+1)
	binary.LittleEndian.PutUint32(b, CVSignatureRSDS)
	binary.LittleEndian.PutUint32(b[4:], cv.Signature.Data1)
	binary.LittleEndian.PutUint16(b[8:], cv.Signature.Data2)
	binary.LittleEndian.PutUint16(b[10:], cv.Signature.Data3)
	copy(b[12:20], cv.Signature.Data4[:])
	binary.LittleEndian.PutUint32(b[20:], cv.Age)
	copy(b[24:], cv.PDBFileName)
	return b
}
