// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

import (
	"encoding/binary"
	"strings"
)

const (
	// MaxDefaultCOFFSymbolsCount represents the default maximum number of
	// COFF symbols to parse. A corrupt NumberOfSymbols can otherwise cause
	// an OOM exception.
	MaxDefaultCOFFSymbolsCount = 0x10000

	// ImageSymClassExternal indicates a value that Microsoft tools use for
	// external symbols.
	ImageSymClassExternal = 2
)

// COFFSymbol represents an entry in the COFF symbol table. Plain records
// are 18 bytes long; big-object files widen the section number to 32 bits
// for a 20 byte record.
type COFFSymbol struct {
	// The name of the symbol. An array of 8 bytes is used if the name is
	// not more than 8 bytes long; otherwise the second dword is an offset
	// into the string table.
	Name [8]byte

	// The value associated with the symbol; for a symbol inside a section
	// this is the offset within the section.
	Value uint32

	// One-based index into the section table, widened to int32 so both the
	// plain and big-object shapes fit.
	SectionNumber int32

	// A number that represents type.
	Type uint16

	// An enumerated value that represents storage class.
	StorageClass uint8

	// The number of auxiliary symbol table entries that follow this record.
	NumberOfAuxSymbols uint8
}

// SymbolInfo is the result of a symbol cache lookup.
type SymbolInfo struct {
	Section   int
	Offset    uint32
	DllImport bool
}

// parseSymbolTable decodes the COFF symbol table at symTableOff and
// records the string table position. Both the 18-byte and the 20-byte
// big-object entry widths are handled.
func (img *PEImage) parseSymbolTable(symTableOff uint32, nsym uint32, bigobj bool) error {
	if symTableOff == 0 || nsym == 0 {
		return nil
	}
	if nsym > img.opts.MaxCOFFSymbolsCount {
		nsym = img.opts.MaxCOFFSymbolsCount
	}

	entrySize := uint32(imageSymbolSize)
	if bigobj {
		entrySize = imageSymbolSizeBig
	}
	img.strTableOff = symTableOff + nsym*entrySize

	syms := make([]COFFSymbol, 0, nsym)
	offset := symTableOff
	for i := uint32(0); i < nsym; i++ {
		raw, err := img.ReadBytesAtOffset(offset, entrySize)
		if err != nil {
			return err
		}
		var sym COFFSymbol
		copy(sym.Name[:], raw[:8])
		sym.Value = binary.LittleEndian.Uint32(raw[8:])
		if bigobj {
			sym.SectionNumber = int32(binary.LittleEndian.Uint32(raw[12:]))
			sym.Type = binary.LittleEndian.Uint16(raw[16:])
			sym.StorageClass = raw[18]
			sym.NumberOfAuxSymbols = raw[19]
		} else {
			sym.SectionNumber = int32(int16(binary.LittleEndian.Uint16(raw[12:])))
			sym.Type = binary.LittleEndian.Uint16(raw[14:])
			sym.StorageClass = raw[16]
			sym.NumberOfAuxSymbols = raw[17]
		}
		syms = append(syms, sym)
		offset += entrySize
	}
	img.symbols = syms
	return nil
}

// symbolName resolves the name union of a COFF symbol: either the inline 8
// bytes or an offset into the string table.
func (img *PEImage) symbolName(sym *COFFSymbol) string {
	short := binary.LittleEndian.Uint32(sym.Name[:4])
	if short != 0 {
		return strings.TrimRight(string(sym.Name[:]), "\x00")
	}
	long := binary.LittleEndian.Uint32(sym.Name[4:])
	_, name := img.readASCIIStringAtOffset(img.strTableOff+long, MaxNameLen)
	return name
}

// createSymbolCache builds the name-indexed symbol cache lazily consulted
// by FindSymbol.
func (img *PEImage) createSymbolCache() {
	img.symCache = make(map[string]SymbolInfo, len(img.symbols))
	for i := 0; i < len(img.symbols); i++ {
		sym := &img.symbols[i]
		if sym.SectionNumber > 0 {
			name := img.symbolName(sym)
			img.symCache[name] = SymbolInfo{
				Section:   int(sym.SectionNumber),
				Offset:    sym.Value,
				DllImport: strings.HasPrefix(name, "__imp_"),
			}
		}
		i += int(sym.NumberOfAuxSymbols)
	}
}

// FindSymbol looks a name up in the symbol cache, trying in order: exact,
// underscore-prefixed, __imp_-prefixed, __imp__-prefixed. The returned
// section index is zero-based; ok is false when the symbol is absent.
func (img *PEImage) FindSymbol(name string) (info SymbolInfo, ok bool) {
	if img.symCache == nil {
		img.createSymbolCache()
	}
	for _, key := range []string{name, "_" + name, "__imp_" + name, "__imp__" + name} {
		if si, found := img.symCache[key]; found {
			si.Section--
			return si, true
		}
	}
	return SymbolInfo{}, false
}

// sectionSymbolName returns the external symbol naming a COMDAT section, if
// any.
func (img *PEImage) sectionSymbolName(s int) string {
	if s < 0 || s >= len(img.Sections) {
		return ""
	}
	if img.Sections[s].Characteristics&ImageScnLnkComdat == 0 {
		return ""
	}
	for i := 0; i < len(img.symbols); i++ {
		sym := &img.symbols[i]
		if int(sym.SectionNumber) == s && sym.StorageClass == ImageSymClassExternal {
			return img.symbolName(sym)
		}
		i += int(sym.NumberOfAuxSymbols)
	}
	return ""
}

// relocationInSegment returns the section number a COFF relocation at the
// given offset within segment resolves to, or -1.
func (img *PEImage) relocationInSegment(segment int, offset uint32) int {
	if segment < 0 || segment >= len(img.Sections) {
		return -1
	}
	sec := &img.Sections[segment]
	cnt := uint32(sec.NumberOfRelocations)
	relOff := sec.PointerToRelocations
	for i := uint32(0); i < cnt; i++ {
		raw, err := img.ReadBytesAtOffset(relOff+i*imageRelocationSize, imageRelocationSize)
		if err != nil {
			return -1
		}
		va := binary.LittleEndian.Uint32(raw)
		if va != offset {
			continue
		}
		symIdx := binary.LittleEndian.Uint32(raw[4:])
		if symIdx >= uint32(len(img.symbols)) {
			return -1
		}
		return int(img.symbols[symIdx].SectionNumber)
	}
	return -1
}

// relocationInLineSegment resolves a relocation within the .debug_line
// section.
func (img *PEImage) relocationInLineSegment(offset uint32) int {
	return img.relocationInSegment(img.linesSegment, offset)
}
