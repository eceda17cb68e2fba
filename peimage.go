// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

import (
	"encoding/binary"
	"os"
	"path/filepath"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/rainers/cv2pdb/log"
)

// DebugPayload classifies the debug information found in an image.
type DebugPayload int

// Recognized payload kinds.
const (
	PayloadNone DebugPayload = iota
	PayloadCodeView
	PayloadDWARF
)

// bigObjClassID is the anonymous-object class id identifying big-object
// COFF files: {D1BAA1C7-BAEE-4BA9-AF20-FAF66AA4DCB8}.
var bigObjClassID = [16]byte{
	0xC7, 0xA1, 0xBA, 0xD1, 0xEE, 0xBA, 0xA9, 0x4B,
	0xAF, 0x20, 0xFA, 0xF6, 0x6A, 0xA4, 0xDC, 0xB8,
}

// PESlice is a named byte window of the image, usually one of the .debug_*
// sections. A slice whose bounds fall outside the buffer is reported as
// absent rather than truncated.
type PESlice struct {
	Data    []byte
	FileOff uint32
	SecNo   int
}

// IsPresent reports whether the slice was found and is in bounds.
func (s *PESlice) IsPresent() bool {
	return s.Data != nil && len(s.Data) > 0
}

// Length returns the slice length in bytes.
func (s *PESlice) Length() uint32 {
	return uint32(len(s.Data))
}

// SectOff returns the offset of a position within the slice.
func (s *PESlice) SectOff(pos int) uint32 {
	return uint32(pos)
}

// ImageSeparateDebugHeader is the header of a DBG file.
type ImageSeparateDebugHeader struct {
	Signature          uint16
	Flags              uint16
	Machine            uint16
	Characteristics    uint16
	TimeDateStamp      uint32
	CheckSum           uint32
	ImageBase          uint32
	SizeOfImage        uint32
	NumberOfSections   uint32
	ExportedNamesSize  uint32
	DebugDirectorySize uint32
	SectionAlignment   uint32
	Reserved           [2]uint32
}

// Options for loading an image.
type Options struct {
	// Maximum COFF symbols to parse, by default MaxDefaultCOFFSymbolsCount.
	MaxCOFFSymbolsCount uint32

	// A custom logger.
	Logger log.Logger
}

// PEImage is an input binary mapped into memory together with its decoded
// headers and precomputed .debug_* slices. The buffer is exclusively owned
// by the image and lent as immutable slices to the translators.
type PEImage struct {
	DOSHeader ImageDOSHeader
	NtHeader  ImageNtHeader
	Sections  []ImageSectionHeader

	// Payload holds the classification result of Parse.
	Payload DebugPayload

	// Is64 is true for AMD64 and IA64 images.
	Is64 bool

	// DebugLink names a separate debug file referenced by a
	// .gnu_debuglink section, when present.
	DebugLink string

	// DWARF section slices.
	DebugInfo     PESlice
	DebugAbbrev   PESlice
	DebugLine     PESlice
	DebugLineStr  PESlice
	DebugStr      PESlice
	DebugLoc      PESlice
	DebugLocLists PESlice
	DebugRanges   PESlice
	DebugRngLists PESlice
	DebugFrame    PESlice
	DebugAddr     PESlice
	Reloc         PESlice

	// CodeSegment is the index of the .text section.
	CodeSegment int

	data mmap.MMap
	size uint32
	f    *os.File

	optHeaderOff    uint32
	sectionTableOff uint32
	strTableOff     uint32
	symbols         []COFFSymbol
	symCache        map[string]SymbolInfo
	bigobj          bool
	dbgfile         bool
	linesSegment    int

	// CodeView directory, filled by initCVPtr.
	dbgDirOff uint32
	dbgDir    ImageDebugDirectory
	hasDbgDir bool
	cvBase    uint32
	cvDir     []OMFDirEntry

	opts   *Options
	logger *log.Helper
}

// New maps the named file and returns an unparsed image.
func New(name string, opts *Options) (*PEImage, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}

	// Memory map the file copy-on-write: relocation fix-up patches the
	// mapped view without touching the file.
	data, err := mmap.Map(f, mmap.COPY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}

	img := newImage(data, opts)
	img.f = f
	return img, nil
}

// NewBytes returns an unparsed image over a memory buffer.
func NewBytes(data []byte, opts *Options) *PEImage {
	return newImage(data, opts)
}

func newImage(data []byte, opts *Options) *PEImage {
	img := &PEImage{
		CodeSegment:  -1,
		linesSegment: -1,
	}
	if opts != nil {
		img.opts = opts
	} else {
		img.opts = &Options{}
	}
	if img.opts.MaxCOFFSymbolsCount == 0 {
		img.opts.MaxCOFFSymbolsCount = MaxDefaultCOFFSymbolsCount
	}

	if img.opts.Logger == nil {
		logger := log.NewStdLogger(os.Stderr)
		img.logger = log.NewHelper(log.NewFilter(logger,
			log.FilterLevel(log.LevelError)))
	} else {
		img.logger = log.NewHelper(img.opts.Logger)
	}

	img.data = data
	img.size = uint32(len(data))
	return img
}

// Close unmaps and closes the image.
func (img *PEImage) Close() error {
	if img.f != nil {
		_ = img.data.Unmap()
		err := img.f.Close()
		img.f = nil
		return err
	}
	return nil
}

// IsDBG reports whether the image is a separate DBG file.
func (img *PEImage) IsDBG() bool { return img.dbgfile }

// HasDWARF reports whether DWARF line information is present.
func (img *PEImage) HasDWARF() bool { return img.DebugLine.IsPresent() }

// Parse classifies the image and populates headers, section slices and the
// debug payload pointers. Dispatches among executable (with CodeView or
// DWARF), DBG file, object file and big-object file.
func (img *PEImage) Parse() error {
	if img.size < 4 {
		return ErrNotAnImage
	}

	magic := binary.LittleEndian.Uint16(img.data)
	switch magic {
	case ImageDOSSignature, ImageDOSZMSignature:
		return img.parseExe()
	case ImageSeparateDebugSignature:
		return img.parseDbg()
	default:
		return img.parseObj()
	}
}

func (img *PEImage) parseExe() error {
	if img.size < TinyPESize {
		return ErrNotAnImage
	}
	if err := img.ParseDOSHeader(); err != nil {
		return err
	}
	if err := img.ParseNTHeader(); err != nil {
		return err
	}

	secOff := img.optHeaderOff + uint32(img.NtHeader.FileHeader.SizeOfOptionalHeader)
	if err := img.parseSectionTable(secOff, int(img.NtHeader.FileHeader.NumberOfSections)); err != nil {
		return err
	}
	if err := img.parseSymbolTable(img.NtHeader.FileHeader.PointerToSymbolTable,
		img.NtHeader.FileHeader.NumberOfSymbols, false); err != nil {
		img.logger.Debugf("coff symbols parsing failed: %v", err)
	}

	if err := img.initCVPtr(); err == nil {
		img.Payload = PayloadCodeView
		return nil
	}

	img.initDebugSections()
	if img.HasDWARF() {
		img.Payload = PayloadDWARF
		return nil
	}
	if img.DebugLink != "" {
		img.Payload = PayloadNone
		return nil
	}
	return ErrNoDebugInfo
}

func (img *PEImage) parseDbg() error {
	var hdr ImageSeparateDebugHeader
	if err := img.structUnpack(&hdr, 0, uint32(binary.Size(hdr))); err != nil {
		return ErrHeaderTruncated
	}
	img.dbgfile = true
	img.Is64 = hdr.Machine == ImageFileMachineAMD64 || hdr.Machine == ImageFileMachineIA64

	secOff := uint32(binary.Size(hdr))
	if err := img.parseSectionTable(secOff, int(hdr.NumberOfSections)); err != nil {
		return err
	}

	// The debug directories follow the section table and the exported
	// names blob.
	ddOff := secOff + uint32(hdr.NumberOfSections)*imageSectionHdrSize + hdr.ExportedNamesSize
	n := hdr.DebugDirectorySize / debugDirectorySize
	for i := uint32(0); i < n; i++ {
		var dd ImageDebugDirectory
		if err := img.structUnpack(&dd, ddOff+i*debugDirectorySize, debugDirectorySize); err != nil {
			return ErrHeaderTruncated
		}
		if dd.Type != ImageDebugTypeCodeView {
			continue
		}
		if err := img.initFromCVDebugDir(ddOff+i*debugDirectorySize, dd); err != nil {
			return err
		}
		img.Payload = PayloadCodeView
		return nil
	}
	return ErrNoCodeView
}

func (img *PEImage) parseObj() error {
	machine := binary.LittleEndian.Uint16(img.data)
	nsec := binary.LittleEndian.Uint16(img.data[2:])

	if machine == ImageFileMachineUnknown && nsec == 0xFFFF {
		// Anonymous object header: Sig1, Sig2, Version, Machine,
		// TimeDateStamp, ClassID, SizeOfData, Flags, MetaDataSize,
		// MetaDataOffset / NumberOfSections, PointerToSymbolTable,
		// NumberOfSymbols.
		raw, err := img.ReadBytesAtOffset(0, 56)
		if err != nil {
			return ErrHeaderTruncated
		}
		version := binary.LittleEndian.Uint16(raw[4:])
		var clsid [16]byte
		copy(clsid[:], raw[12:28])
		if version < 2 || clsid != bigObjClassID {
			return ErrNotAnImage
		}
		img.bigobj = true
		sizeOfData := binary.LittleEndian.Uint32(raw[28:])
		nsec32 := binary.LittleEndian.Uint32(raw[44:])
		symOff := binary.LittleEndian.Uint32(raw[48:])
		nsym := binary.LittleEndian.Uint32(raw[52:])

		if err := img.parseSectionTable(56+sizeOfData, int(nsec32)); err != nil {
			return err
		}
		if err := img.parseSymbolTable(symOff, nsym, true); err != nil {
			return err
		}
	} else if machine != ImageFileMachineUnknown {
		var hdr ImageFileHeader
		if err := img.structUnpack(&hdr, 0, uint32(binary.Size(hdr))); err != nil {
			return ErrHeaderTruncated
		}
		img.Is64 = hdr.Machine == ImageFileMachineAMD64 || hdr.Machine == ImageFileMachineIA64
		if err := img.parseSectionTable(uint32(binary.Size(hdr)), int(hdr.NumberOfSections)); err != nil {
			return err
		}
		if err := img.parseSymbolTable(hdr.PointerToSymbolTable, hdr.NumberOfSymbols, false); err != nil {
			return err
		}
	} else {
		return ErrNotAnImage
	}

	img.initDebugSections()
	if !img.HasDWARF() && !img.DebugInfo.IsPresent() {
		return ErrNoDebugInfo
	}
	img.Payload = PayloadDWARF
	return nil
}

// initDebugSections precomputes the named .debug_* slices and the code and
// reloc section indices.
func (img *PEImage) initDebugSections() {
	for s := range img.Sections {
		name := img.SectionName(s)
		switch name {
		case ".debug_info":
			img.initSlice(&img.DebugInfo, s)
		case ".debug_abbrev":
			img.initSlice(&img.DebugAbbrev, s)
		case ".debug_line":
			img.initSlice(&img.DebugLine, s)
			img.linesSegment = s
		case ".debug_line_str":
			img.initSlice(&img.DebugLineStr, s)
		case ".debug_str":
			img.initSlice(&img.DebugStr, s)
		case ".debug_loc":
			img.initSlice(&img.DebugLoc, s)
		case ".debug_loclists":
			img.initSlice(&img.DebugLocLists, s)
		case ".debug_ranges":
			img.initSlice(&img.DebugRanges, s)
		case ".debug_rnglists":
			img.initSlice(&img.DebugRngLists, s)
		case ".debug_frame":
			img.initSlice(&img.DebugFrame, s)
		case ".debug_addr":
			img.initSlice(&img.DebugAddr, s)
		case ".reloc":
			img.initSlice(&img.Reloc, s)
		case ".text":
			img.CodeSegment = s
		case ".gnu_debuglink":
			if data, err := img.sectionData(s); err == nil {
				img.DebugLink = cstring(data)
			}
		}
	}
}

func (img *PEImage) initSlice(sl *PESlice, s int) {
	sec := &img.Sections[s]
	data, err := img.ReadBytesAtOffset(sec.PointerToRawData, sec.sizeInImage())
	if err != nil {
		// Out-of-bounds sections are reported as absent, not truncated.
		return
	}
	sl.Data = data
	sl.FileOff = sec.PointerToRawData
	sl.SecNo = s
}

// initCVPtr locates a CodeView debug directory entry and validates its
// NB09/NB11 signature.
func (img *PEImage) initCVPtr() error {
	dd := img.DataDirectory(ImageDirectoryEntryDebug)
	if dd.VirtualAddress == 0 || dd.Size == 0 {
		return ErrNoCodeView
	}
	n := dd.Size / debugDirectorySize
	for i := uint32(0); i < n; i++ {
		off, ok := img.rvaToOffset(dd.VirtualAddress + i*debugDirectorySize)
		if !ok {
			continue
		}
		var ddir ImageDebugDirectory
		if err := img.structUnpack(&ddir, off, debugDirectorySize); err != nil {
			continue
		}
		switch ddir.Type {
		case ImageDebugTypeMisc:
			// a misc entry names a separate DBG file
			if raw, err := img.ReadBytesAtOffset(ddir.PointerToRawData, ddir.SizeOfData); err == nil {
				if name, ok := parseDebugMisc(raw); ok && img.DebugLink == "" {
					img.DebugLink = name
				}
			}
			continue
		case ImageDebugTypeCodeView:
		default:
			continue
		}
		if err := img.initFromCVDebugDir(off, ddir); err != nil {
			continue
		}
		return nil
	}
	return ErrNoCodeView
}

func (img *PEImage) initFromCVDebugDir(ddOff uint32, ddir ImageDebugDirectory) error {
	sigRaw, err := img.ReadBytesAtOffset(ddir.PointerToRawData, 8)
	if err != nil {
		return ErrHeaderTruncated
	}
	sig := string(sigRaw[:4])
	if sig != "NB09" && sig != "NB11" {
		return ErrNoCodeView
	}
	filepos := binary.LittleEndian.Uint32(sigRaw[4:])

	dir, err := img.parseCVDirectory(ddir.PointerToRawData, filepos)
	if err != nil {
		return err
	}

	img.cvBase = ddir.PointerToRawData
	img.cvDir = dir
	img.dbgDirOff = ddOff
	img.dbgDir = ddir
	img.hasDbgDir = true
	return nil
}

// CVEntryCount returns the number of CodeView directory entries.
func (img *PEImage) CVEntryCount() int { return len(img.cvDir) }

// CVEntry returns directory entry i.
func (img *PEImage) CVEntry(i int) *OMFDirEntry { return &img.cvDir[i] }

// CVData returns size bytes of the CodeView payload at offset lfo.
func (img *PEImage) CVData(lfo, size uint32) ([]byte, error) {
	return img.ReadBytesAtOffset(img.cvBase+lfo, size)
}

// CVSize returns the byte size of the CodeView payload.
func (img *PEImage) CVSize() uint32 {
	if !img.hasDbgDir {
		return 0
	}
	return img.dbgDir.SizeOfData
}

// RelocateDebugLineInfo applies HIGHLOW base relocations falling inside
// .debug_line, rebasing them on imgBase. DWARF line decoding needs the raw
// addresses a loaded image would carry.
func (img *PEImage) RelocateDebugLineInfo(imgBase uint32) error {
	if !img.Reloc.IsPresent() || !img.DebugLine.IsPresent() {
		return nil
	}

	reloc := img.Reloc.Data
	pos := 0
	for pos+8 <= len(reloc) {
		virtAdr := binary.LittleEndian.Uint32(reloc[pos:])
		chkSize := binary.LittleEndian.Uint32(reloc[pos+4:])
		if chkSize == 0 || chkSize > uint32(len(reloc)) {
			break
		}
		pageOff, ok := img.rvaToOffset(virtAdr)
		if ok && pageOff >= img.DebugLine.FileOff &&
			pageOff < img.DebugLine.FileOff+img.DebugLine.Length() {
			for w := uint32(8); w+2 <= chkSize && pos+int(w)+2 <= len(reloc); w += 2 {
				entry := binary.LittleEndian.Uint16(reloc[pos+int(w):])
				typ := (entry >> 12) & 0xf
				off := uint32(entry & 0xfff)

				if typ == 3 { // IMAGE_REL_BASED_HIGHLOW
					patch := pageOff + off
					if patch+4 > img.size {
						return ErrBadRelocation
					}
					v := binary.LittleEndian.Uint32(img.data[patch:])
					binary.LittleEndian.PutUint32(img.data[patch:], v+imgBase)
				}
			}
		}
		pos += int(chkSize)
	}
	return nil
}

// ReplaceDebugSection rewrites the image so that the last section becomes
// .debug containing data followed by a fresh debug-directory entry pointing
// into that same section. Any pre-existing trailing .debug or .debug_*
// sections are cut off first; all other virtual addresses are preserved.
func (img *PEImage) ReplaceDebugSection(data []byte, installDebugDirectory bool) error {
	if img.NtHeader.OptionalHeader == nil {
		return ErrNotAnImage
	}

	debugdir := ImageDebugDirectory{Type: ImageDebugTypeCodeView}
	if img.hasDbgDir {
		debugdir = img.dbgDir
	}

	dataLenRaw := uint32(len(data))
	// Grow the data block to the closest 16-byte boundary so the debug
	// directory entry is aligned.
	dataLen := (dataLenRaw + 0xf) &^ 0xf
	xdataLen := dataLen + debugDirectorySize

	dumpLen := img.size
	var lastVirtualAddress uint32
	firstDWARFSection := -1
	s := len(img.Sections)
	for i := 0; i < len(img.Sections); i++ {
		name := img.SectionName(i)
		if len(name) < 7 || name[:7] != ".debug_" {
			firstDWARFSection = -1
		} else if firstDWARFSection < 0 {
			firstDWARFSection = i
		}
		if name == ".debug" && i == len(img.Sections)-1 {
			s = i
			dumpLen = img.Sections[i].PointerToRawData
			break
		}
		lastVirtualAddress = img.Sections[i].VirtualAddress + img.Sections[i].VirtualSize
	}
	if firstDWARFSection > 0 && s == len(img.Sections) {
		s = firstDWARFSection
		dumpLen = img.Sections[s].PointerToRawData
		lastVirtualAddress = img.Sections[s-1].VirtualAddress + img.Sections[s-1].VirtualSize
	}

	fileAlign := img.FileAlignment()
	fill := uint32(0)
	alignLen := xdataLen
	if fileAlign > 0 {
		fill = (fileAlign - dumpLen%fileAlign) % fileAlign
		alignLen = alignUp(xdataLen, fileAlign)
	}

	secAlign := img.SectionAlignment()
	salignLen := xdataLen
	if secAlign > 0 {
		lastVirtualAddress = alignUp(lastVirtualAddress, secAlign)
		salignLen = alignUp(xdataLen, secAlign)
	}

	var sh ImageSectionHeader
	copy(sh.Name[:], ".debug")
	sh.VirtualSize = alignLen
	sh.VirtualAddress = lastVirtualAddress
	sh.SizeOfRawData = xdataLen
	sh.PointerToRawData = dumpLen + fill
	sh.Characteristics = ImageScnMemWrite | ImageScnMemRead |
		ImageScnMemDiscardable | ImageScnCntInitializedData

	newdata := make([]byte, dumpLen+fill+xdataLen)
	copy(newdata, img.data[:dumpLen])
	copy(newdata[dumpLen+fill:], data)

	// Patch the section header slot, growing the table when appending.
	shOff := img.sectionTableOff + uint32(s)*imageSectionHdrSize
	if shOff+imageSectionHdrSize > dumpLen {
		return ErrHeaderTruncated
	}
	putSectionHeader(newdata[shOff:], &sh)

	// File header: section count.
	fhOff := img.DOSHeader.AddressOfNewEXEHeader + 4
	binary.LittleEndian.PutUint16(newdata[fhOff+offNumberOfSections:], uint16(s+1))

	// Invalidate the symbol table pointer if it now points outside the
	// image.
	if img.NtHeader.FileHeader.PointerToSymbolTable >= dumpLen {
		binary.LittleEndian.PutUint32(newdata[fhOff+offPtrToSymbolTable:], 0)
		binary.LittleEndian.PutUint32(newdata[fhOff+offNumberOfSymbols:], 0)
	}

	// Optional header: size of image and the debug data directory entry.
	binary.LittleEndian.PutUint32(newdata[img.optHeaderOff+offSizeOfImage:],
		sh.VirtualAddress+salignLen)
	ddOff := img.dataDirectoryFileOff(ImageDirectoryEntryDebug)
	binary.LittleEndian.PutUint32(newdata[ddOff:], lastVirtualAddress+dataLen)
	binary.LittleEndian.PutUint32(newdata[ddOff+4:], debugDirectorySize)

	// Fresh debug directory entry at the end of the new section.
	debugdir.PointerToRawData = sh.PointerToRawData
	debugdir.AddressOfRawData = sh.VirtualAddress
	debugdir.SizeOfData = sh.SizeOfRawData - debugDirectorySize
	putDebugDirectory(newdata[dumpLen+fill+dataLen:], &debugdir)

	if img.f != nil {
		_ = img.data.Unmap()
		_ = img.f.Close()
		img.f = nil
	}
	img.data = newdata
	img.size = uint32(len(newdata))

	// Refresh the decoded views of the rewritten image.
	img.Sections = img.Sections[:s:s]
	img.Sections = append(img.Sections, sh)
	img.NtHeader.FileHeader.NumberOfSections = uint16(s + 1)
	img.dbgDir = debugdir
	img.hasDbgDir = true
	return nil
}

// Save writes the owned buffer to disk atomically through a temp file and
// rename.
func (img *PEImage) Save(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".cv2pdb-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err = tmp.Write(img.data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err = tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err = os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

func putSectionHeader(b []byte, sh *ImageSectionHeader) {
	copy(b[:8], sh.Name[:])
	binary.LittleEndian.PutUint32(b[8:], sh.VirtualSize)
	binary.LittleEndian.PutUint32(b[12:], sh.VirtualAddress)
	binary.LittleEndian.PutUint32(b[16:], sh.SizeOfRawData)
	binary.LittleEndian.PutUint32(b[20:], sh.PointerToRawData)
	binary.LittleEndian.PutUint32(b[24:], sh.PointerToRelocations)
	binary.LittleEndian.PutUint32(b[28:], sh.PointerToLineNumbers)
	binary.LittleEndian.PutUint16(b[32:], sh.NumberOfRelocations)
	binary.LittleEndian.PutUint16(b[34:], sh.NumberOfLineNumbers)
	binary.LittleEndian.PutUint32(b[36:], sh.Characteristics)
}

func putDebugDirectory(b []byte, dd *ImageDebugDirectory) {
	binary.LittleEndian.PutUint32(b, dd.Characteristics)
	binary.LittleEndian.PutUint32(b[4:], dd.TimeDateStamp)
	binary.LittleEndian.PutUint16(b[8:], dd.MajorVersion)
	binary.LittleEndian.PutUint16(b[10:], dd.MinorVersion)
	binary.LittleEndian.PutUint32(b[12:], uint32(dd.Type))
	binary.LittleEndian.PutUint32(b[16:], dd.SizeOfData)
	binary.LittleEndian.PutUint32(b[20:], dd.AddressOfRawData)
	binary.LittleEndian.PutUint32(b[24:], dd.PointerToRawData)
}

// cstring returns the leading zero-terminated string of b.
func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
