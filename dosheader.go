// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

import (
	"encoding/binary"
)

// ImageDOSHeader represents the DOS stub of a PE.
type ImageDOSHeader struct {
	// Magic number.
	Magic uint16

	// Bytes on last page of file.
	BytesOnLastPageOfFile uint16

	// Pages in file.
	PagesInFile uint16

	// Relocations.
	Relocations uint16

	// Size of header in paragraphs.
	SizeOfHeader uint16

	// Minimum extra paragraphs needed.
	MinExtraParagraphsNeeded uint16

	// Maximum extra paragraphs needed.
	MaxExtraParagraphsNeeded uint16

	// Initial (relative) SS value.
	InitialSS uint16

	// Initial SP value.
	InitialSP uint16

	// Checksum.
	Checksum uint16

	// Initial IP value.
	InitialIP uint16

	// Initial (relative) CS value.
	InitialCS uint16

	// File address of relocation table.
	AddressOfRelocationTable uint16

	// Overlay number.
	OverlayNumber uint16

	// Reserved words.
	ReservedWords1 [4]uint16

	// OEM identifier.
	OEMIdentifier uint16

	// OEM information.
	OEMInformation uint16

	// Reserved words.
	ReservedWords2 [10]uint16

	// File address of new exe header (Elfanew).
	AddressOfNewEXEHeader uint32
}

// ParseDOSHeader parses the DOS header stub. Every PE file begins with a
// small MS-DOS stub; the only field the converter needs from it is the
// offset of the NT headers.
func (img *PEImage) ParseDOSHeader() (err error) {
	offset := uint32(0)
	size := uint32(binary.Size(img.DOSHeader))
	err = img.structUnpack(&img.DOSHeader, offset, size)
	if err != nil {
		return ErrNotAnImage
	}

	if img.DOSHeader.Magic != ImageDOSSignature &&
		img.DOSHeader.Magic != ImageDOSZMSignature {
		return ErrNotAnImage
	}

	// e_lfanew is a relative offset to the NT headers. It can't be null,
	// the signatures would overlap.
	if img.DOSHeader.AddressOfNewEXEHeader < 4 ||
		img.DOSHeader.AddressOfNewEXEHeader > img.size {
		return ErrHeaderTruncated
	}

	return nil
}
