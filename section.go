// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

import (
	"encoding/binary"
	"strings"
)

// Section characteristics.
const (
	// ImageScnCntCode indicates the section contains executable code.
	ImageScnCntCode = 0x00000020

	// ImageScnCntInitializedData indicates the section contains initialized
	// data.
	ImageScnCntInitializedData = 0x00000040

	// ImageScnLnkComdat indicates the section contains COMDAT data.
	// This is valid only for object files.
	ImageScnLnkComdat = 0x00001000

	// ImageScnMemDiscardable indicates the section can be discarded as
	// needed.
	ImageScnMemDiscardable = 0x02000000

	// ImageScnMemExecute indicates the section can be executed as code.
	ImageScnMemExecute = 0x20000000

	// ImageScnMemRead indicates the section can be read.
	ImageScnMemRead = 0x40000000

	// ImageScnMemWrite indicates the section can be written to.
	ImageScnMemWrite = 0x80000000
)

// ImageSectionHeader is one row of the section table. Each struct is 40
// bytes and there is no padding.
type ImageSectionHeader struct {
	// An 8-byte, null-padded UTF-8 encoded string. For longer names, this
	// field contains a slash (/) followed by an ASCII representation of a
	// decimal offset into the string table.
	Name [8]uint8

	// The total size of the section when loaded into memory.
	VirtualSize uint32

	// The address of the first byte of the section relative to the image
	// base when loaded into memory.
	VirtualAddress uint32

	// The size of the section on disk, or the section size for object
	// files.
	SizeOfRawData uint32

	// The file pointer to the first page of the section within the COFF
	// file.
	PointerToRawData uint32

	// The file pointer to the beginning of relocation entries for the
	// section. Zero for executable images.
	PointerToRelocations uint32

	// The file pointer to the beginning of line-number entries for the
	// section.
	PointerToLineNumbers uint32

	// The number of relocation entries for the section.
	NumberOfRelocations uint16

	// The number of line-number entries for the section.
	NumberOfLineNumbers uint16

	// The flags that describe the characteristics of the section.
	Characteristics uint32
}

// NameString returns the section name with trailing NULs removed. Long
// names are resolved through the string table by the caller.
func (sh *ImageSectionHeader) NameString() string {
	return strings.TrimRight(string(sh.Name[:]), "\x00")
}

// sizeInImage returns the number of meaningful bytes of the section. Object
// files carry no virtual size.
func (sh *ImageSectionHeader) sizeInImage() uint32 {
	if sh.VirtualSize == 0 {
		return sh.SizeOfRawData
	}
	if sh.SizeOfRawData < sh.VirtualSize {
		return sh.SizeOfRawData
	}
	return sh.VirtualSize
}

// parseSectionTable reads nsec section headers starting at offset.
func (img *PEImage) parseSectionTable(offset uint32, nsec int) error {
	img.sectionTableOff = offset
	img.Sections = make([]ImageSectionHeader, 0, nsec)
	size := uint32(binary.Size(ImageSectionHeader{}))
	for i := 0; i < nsec; i++ {
		var sh ImageSectionHeader
		if err := img.structUnpack(&sh, offset, size); err != nil {
			return ErrHeaderTruncated
		}
		img.Sections = append(img.Sections, sh)
		offset += size
	}
	return nil
}

// SectionName returns the resolved name of section s.
func (img *PEImage) SectionName(s int) string {
	if s < 0 || s >= len(img.Sections) {
		return ""
	}
	return img.resolveLongSectionName(img.Sections[s].NameString())
}

// FindSection returns the index of the section whose virtual extent
// contains the given virtual address, or -1. The address includes the image
// base for executables; object files pass section-relative addresses with a
// zero base.
func (img *PEImage) FindSection(addr uint64) int {
	off := addr - img.imageBase()
	for s := range img.Sections {
		va := uint64(img.Sections[s].VirtualAddress)
		if va <= off && off < va+uint64(img.Sections[s].VirtualSize) {
			return s
		}
	}
	return -1
}

// imageBase returns the load base, or zero when no optional header was
// parsed (object files, DBG files).
func (img *PEImage) imageBase() uint64 {
	if img.NtHeader.OptionalHeader == nil {
		return 0
	}
	return img.ImageBase()
}

// rvaToOffset maps an RVA to a file offset through the section table.
func (img *PEImage) rvaToOffset(rva uint32) (uint32, bool) {
	for s := range img.Sections {
		sec := &img.Sections[s]
		if rva >= sec.VirtualAddress && rva < sec.VirtualAddress+sec.sizeInImage() {
			return sec.PointerToRawData + rva - sec.VirtualAddress, true
		}
	}
	// Data placed in the headers before the first section keeps a 1:1
	// mapping.
	if rva < img.size {
		return rva, true
	}
	return 0, false
}

// sectionData returns the raw bytes of section s limited to its size in the
// image.
func (img *PEImage) sectionData(s int) ([]byte, error) {
	if s < 0 || s >= len(img.Sections) {
		return nil, ErrOutsideBoundary
	}
	sec := &img.Sections[s]
	return img.ReadBytesAtOffset(sec.PointerToRawData, sec.sizeInImage())
}
