// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

import (
	"encoding/binary"
)

// Image executable signatures.
const (
	// The DOS MZ executable format magic.
	ImageDOSSignature   = 0x5A4D // MZ
	ImageDOSZMSignature = 0x4D5A // ZM

	// The Portable Executable (PE) format magic.
	ImageNTSignature = 0x00004550 // PE00

	// Separate debug file (.DBG) magic.
	ImageSeparateDebugSignature = 0x4944 // DI
)

// Optional Header magic.
const (
	ImageNtOptionalHeader32Magic = 0x10b
	ImageNtOptionalHeader64Magic = 0x20b
)

// Image file machine types.
const (
	// The contents of this field are assumed to be applicable to any machine
	// type.
	ImageFileMachineUnknown = uint16(0x0)

	// x64.
	ImageFileMachineAMD64 = uint16(0x8664)

	// Intel 386 or later processors and compatible processors.
	ImageFileMachineI386 = uint16(0x14c)

	// Intel Itanium processor family.
	ImageFileMachineIA64 = uint16(0x200)
)

// ImageDirectoryEntry represents an entry inside the data directories.
type ImageDirectoryEntry int

// DataDirectory entries of an OptionalHeader.
const (
	ImageDirectoryEntryExport       ImageDirectoryEntry = iota // Export Table
	ImageDirectoryEntryImport                                  // Import Table
	ImageDirectoryEntryResource                                // Resource Table
	ImageDirectoryEntryException                               // Exception Table
	ImageDirectoryEntryCertificate                             // Certificate Directory
	ImageDirectoryEntryBaseReloc                               // Base Relocation Table
	ImageDirectoryEntryDebug                                   // Debug
	ImageDirectoryEntryArchitecture                            // Architecture Specific Data
	ImageDirectoryEntryGlobalPtr                               // The RVA of the global pointer register value
	ImageDirectoryEntryTLS                                     // The thread local storage (TLS) table
	ImageDirectoryEntryLoadConfig                              // The load configuration table
	ImageDirectoryEntryBoundImport                             // The bound import table
	ImageDirectoryEntryIAT                                     // Import Address Table
	ImageDirectoryEntryDelayImport                             // Delay Import Descriptor
	ImageDirectoryEntryCLR                                     // CLR Runtime Header
	ImageDirectoryEntryReserved                                // Must be zero
	ImageNumberOfDirectoryEntries                              // Tables count.
)

// ImageFileHeader contains info about the physical layout and properties of
// the file.
type ImageFileHeader struct {
	// The number that identifies the type of target machine.
	Machine uint16

	// The number of sections. This indicates the size of the section table,
	// which immediately follows the headers.
	NumberOfSections uint16

	// The low 32 bits of the number of seconds since 00:00 January 1, 1970,
	// that indicates when the file was created.
	TimeDateStamp uint32

	// The file offset of the COFF symbol table, or zero if no COFF symbol
	// table is present.
	PointerToSymbolTable uint32

	// The number of entries in the symbol table.
	NumberOfSymbols uint32

	// The size of the optional header, which is required for executable
	// files but not for object files.
	SizeOfOptionalHeader uint16

	// The flags that indicate the attributes of the file.
	Characteristics uint16
}

// ImageDataDirectory represents the  directory format.
type ImageDataDirectory struct {
	// The relative virtual address of the table.
	VirtualAddress uint32

	// The size of the table, in bytes.
	Size uint32
}

// ImageOptionalHeader32 represents the PE32 format structure of the optional
// header.
type ImageOptionalHeader32 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	BaseOfData                  uint32
	ImageBase                   uint32
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint32
	SizeOfStackCommit           uint32
	SizeOfHeapReserve           uint32
	SizeOfHeapCommit            uint32
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
	DataDirectory               [ImageNumberOfDirectoryEntries]ImageDataDirectory
}

// ImageOptionalHeader64 represents the PE32+ format structure of the optional
// header.
type ImageOptionalHeader64 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	ImageBase                   uint64
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint64
	SizeOfStackCommit           uint64
	SizeOfHeapReserve           uint64
	SizeOfHeapCommit            uint64
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
	DataDirectory               [ImageNumberOfDirectoryEntries]ImageDataDirectory
}

// ImageNtHeader represents the PE header and is the general term for a
// structure named IMAGE_NT_HEADERS.
type ImageNtHeader struct {
	// Signature is a DWORD containing the value 50h, 45h, 00h, 00h.
	Signature uint32

	// IMAGE_NT_HEADERS privdes a standard COFF header. It is located
	// immediately after the PE signature.
	FileHeader ImageFileHeader

	// OptionalHeader is of type ImageOptionalHeader32 or ImageOptionalHeader64.
	OptionalHeader interface{}
}

// ParseNTHeader parses the PE NT header structure referred as
// IMAGE_NT_HEADERS. The 64-bit header shape is selected for AMD64 and IA64
// machine types; everything else goes through the 32-bit shape.
func (img *PEImage) ParseNTHeader() (err error) {
	ntHeaderOffset := img.DOSHeader.AddressOfNewEXEHeader
	signature, err := img.ReadUint32(ntHeaderOffset)
	if err != nil {
		return ErrHeaderTruncated
	}
	if signature != ImageNTSignature {
		return ErrNotAnImage
	}
	img.NtHeader.Signature = signature

	fileHeaderSize := uint32(binary.Size(img.NtHeader.FileHeader))
	err = img.structUnpack(&img.NtHeader.FileHeader, ntHeaderOffset+4, fileHeaderSize)
	if err != nil {
		return ErrHeaderTruncated
	}

	img.optHeaderOff = ntHeaderOffset + 4 + fileHeaderSize

	switch img.NtHeader.FileHeader.Machine {
	case ImageFileMachineAMD64, ImageFileMachineIA64:
		img.Is64 = true
	default:
		img.Is64 = false
	}

	if img.Is64 {
		var oh64 ImageOptionalHeader64
		err = img.structUnpack(&oh64, img.optHeaderOff, uint32(binary.Size(oh64)))
		if err != nil {
			return ErrHeaderTruncated
		}
		if oh64.Magic != ImageNtOptionalHeader64Magic {
			return ErrNotAnImage
		}
		img.NtHeader.OptionalHeader = oh64
	} else {
		var oh32 ImageOptionalHeader32
		err = img.structUnpack(&oh32, img.optHeaderOff, uint32(binary.Size(oh32)))
		if err != nil {
			return ErrHeaderTruncated
		}
		if oh32.Magic != ImageNtOptionalHeader32Magic {
			return ErrNotAnImage
		}
		img.NtHeader.OptionalHeader = oh32
	}

	return nil
}

// ImageBase returns the preferred load address of the image.
func (img *PEImage) ImageBase() uint64 {
	switch img.Is64 {
	case true:
		return img.NtHeader.OptionalHeader.(ImageOptionalHeader64).ImageBase
	default:
		return uint64(img.NtHeader.OptionalHeader.(ImageOptionalHeader32).ImageBase)
	}
}

// FileAlignment returns the raw-data alignment factor of the image.
func (img *PEImage) FileAlignment() uint32 {
	switch img.Is64 {
	case true:
		return img.NtHeader.OptionalHeader.(ImageOptionalHeader64).FileAlignment
	default:
		return img.NtHeader.OptionalHeader.(ImageOptionalHeader32).FileAlignment
	}
}

// SectionAlignment returns the in-memory alignment of sections.
func (img *PEImage) SectionAlignment() uint32 {
	switch img.Is64 {
	case true:
		return img.NtHeader.OptionalHeader.(ImageOptionalHeader64).SectionAlignment
	default:
		return img.NtHeader.OptionalHeader.(ImageOptionalHeader32).SectionAlignment
	}
}

// DataDirectory returns the given data directory entry.
func (img *PEImage) DataDirectory(entry ImageDirectoryEntry) ImageDataDirectory {
	switch img.Is64 {
	case true:
		return img.NtHeader.OptionalHeader.(ImageOptionalHeader64).DataDirectory[entry]
	default:
		return img.NtHeader.OptionalHeader.(ImageOptionalHeader32).DataDirectory[entry]
	}
}

// Byte offsets of optional-header fields patched by ReplaceDebugSection.
// They are identical in the PE32 and PE32+ shapes up to and including
// SizeOfImage; the data directory moves with the wider stack/heap fields.
const (
	offSizeOfImage       = 56
	offDataDirectory32   = 96
	offDataDirectory64   = 112
	offNumberOfSections  = 2 // within the file header
	offPtrToSymbolTable  = 8
	offNumberOfSymbols   = 12
	ddEntrySize          = 8
	debugDirectorySize   = 28
	imageSectionHdrSize  = 40
	imageSymbolSize      = 18
	imageSymbolSizeBig   = 20
	imageRelocationSize  = 10
)

func (img *PEImage) dataDirectoryFileOff(entry ImageDirectoryEntry) uint32 {
	base := img.optHeaderOff + offDataDirectory32
	if img.Is64 {
		base = img.optHeaderOff + offDataDirectory64
	}
	return base + uint32(entry)*ddEntrySize
}
