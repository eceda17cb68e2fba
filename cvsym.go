// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

import (
	"encoding/binary"
	"fmt"
)

// symWriter builds an output symbol stream.
type symWriter struct {
	b []byte
}

func (w *symWriter) begin(id uint16) int {
	start := len(w.b)
	w.b = append(w.b, 0, 0)
	w.b = binary.LittleEndian.AppendUint16(w.b, id)
	return start
}

// end pads the record to 4 bytes and patches the length.
func (w *symWriter) end(start int) {
	w.b = padRecord(w.b, start)
	binary.LittleEndian.PutUint16(w.b[start:], uint16(len(w.b)-start-2))
}

func (w *symWriter) u8(v byte)    { w.b = append(w.b, v) }
func (w *symWriter) u16(v uint16) { w.b = binary.LittleEndian.AppendUint16(w.b, v) }
func (w *symWriter) u32(v uint32) { w.b = binary.LittleEndian.AppendUint32(w.b, v) }
func (w *symWriter) raw(p []byte) { w.b = append(w.b, p...) }

func (w *symWriter) name(n []byte, style NameStyle, dotRepl byte) {
	w.b = CopyName(w.b, n, style, dotRepl)
}

// findMemberFunctionType searches the input types for a member function
// matching the procedure type of the last open procedure with the given
// "this" pointer type.
func (tr *CVTranslator) findMemberFunctionType(procType, thisPtrType int) int {
	proc := tr.getTypeData(procType)
	if proc == nil || recID(proc) != LF_PROCEDURE_V1 {
		return procType
	}
	thisPtr := tr.getTypeData(thisPtrType)
	if thisPtr == nil || recID(thisPtr) != LF_POINTER_V1 {
		return procType
	}

	for t := 0; t < tr.inputTypeCount(); t++ {
		rec := tr.getTypeData(t + 0x1000)
		if rec == nil || recID(rec) != LF_MFUNCTION_V1 {
			continue
		}
		// mfunction_v1.this_type falsely is a pointer, not the class type.
		if u16at(rec, 8) != thisPtrType {
			continue
		}
		if u16at(rec, 14) == u16at(proc, 10) && // arglist
			rec[10] == proc[6] && // calling convention
			u16at(rec, 4) == u16at(proc, 4) { // return type
			return t + 0x1000
		}
	}
	return procType
}

// symName prepares a symbol name for the output stream: v3 names are
// expanded and demangled; pascal names stay raw.
func (tr *CVTranslator) symName(name []byte) []byte {
	if tr.cfg.V3 {
		return []byte(ExpandSymbol(name, tr.cfg))
	}
	return name
}

// copySymbols rewrites one input symbol stream into dst, applying the
// per-kind v1 to v2/v3 up-conversions, the @sblk/@send block synthesis,
// the closure "this" reconciliation, and the drop list.
func (tr *CVTranslator) copySymbols(src []byte, dst *symWriter) {
	style := tr.nameStyle()
	dotRepl := tr.cfg.DotReplacementChar

	// offset of the last open procedure record in dst, or -1
	lastGProc := -1

	var length int
	for i := 0; i+4 <= len(src); i += length {
		rec := src[i:]
		length = recLen(rec)
		if recID(rec) == 0 || length < 4 || i+length > len(src) {
			break
		}
		rec = rec[:length]

		switch recID(rec) {
		case S_UDT_V1:
			name, _ := readName(rec[6:], NamePascal)
			start := dst.begin(pick16(tr.cfg.V3, S_UDT_V3, S_UDT_V2))
			dst.u32(uint32(tr.translateType(u16at(rec, 4))))
			dst.name(tr.symName(name), style, dotRepl)
			dst.end(start)

		case S_LDATA_V1, S_GDATA_V1, S_PUB_V1:
			var id uint16
			switch recID(rec) {
			case S_LDATA_V1:
				id = pick16(tr.cfg.V3, S_LDATA_V3, S_LDATA_V2)
			case S_GDATA_V1:
				id = pick16(tr.cfg.V3, S_GDATA_V3, S_GDATA_V2)
			default:
				id = pick16(tr.cfg.V3, S_PUB_V3, S_PUB_V2)
			}
			name, _ := readName(rec[12:], NamePascal)
			start := dst.begin(id)
			dst.u32(uint32(tr.translateType(u16at(rec, 10)))) // symtype
			dst.u32(uint32(u32at(rec, 4)))                    // offset
			dst.u16(uint16(u16at(rec, 8)))                    // segment
			dst.name(tr.symName(name), style, dotRepl)
			dst.end(start)

		case S_LPROC_V1, S_GPROC_V1:
			var id uint16
			if recID(rec) == S_LPROC_V1 {
				id = pick16(tr.cfg.V3, S_LPROC_V3, S_LPROC_V2)
			} else {
				id = pick16(tr.cfg.V3, S_GPROC_V3, S_GPROC_V2)
			}
			name, _ := readName(rec[37:], NamePascal)
			procType := u16at(rec, 34)

			start := dst.begin(id)
			dst.u32(uint32(u32at(rec, 4)))  // pparent
			dst.u32(uint32(u32at(rec, 8)))  // pend
			dst.u32(uint32(u32at(rec, 12))) // next
			dst.u32(uint32(u32at(rec, 16))) // proc_len
			dst.u32(uint32(u32at(rec, 20))) // debug_start
			dst.u32(uint32(u32at(rec, 24))) // debug_end
			dst.u32(uint32(tr.translateType(procType)))
			dst.u32(uint32(u32at(rec, 28))) // offset
			dst.u16(uint16(u16at(rec, 32))) // segment
			dst.u8(rec[36])                 // flags
			dst.name(tr.symName(name), style, dotRepl)
			dst.end(start)
			lastGProc = start

			// The closure parameter "this" is not part of the type;
			// remove leading parameter symbols to make symbol and type
			// consistent.
			if cvtype := tr.getTypeData(procType); cvtype != nil {
				params := 0
				for j := i + length; j+4 <= len(src); {
					bp := src[j:]
					bpID := recID(bp)
					if bpID != S_BPREL_V1 && bpID != S_BPREL_V2 && bpID != S_BPREL_V3 {
						break
					}
					params++
					j += recLen(bp)
				}
				typeParams := -1
				switch recID(cvtype) {
				case LF_PROCEDURE_V1:
					typeParams = u16at(cvtype, 8)
				case LF_PROCEDURE_V2:
					typeParams = u16at(cvtype, 10)
				}
				for typeParams >= 0 && params > typeParams {
					// skip the first parameters
					skip := src[i+length:]
					length += recLen(skip)
					params--
				}
			}

		case S_BPREL_V1:
			symType := u16at(rec, 8)
			name, _ := readName(rec[10:], NamePascal)

			if symType == 0 && string(name) == "@sblk" {
				// Rewritten as a block-start symbol, deriving segment and
				// offset from the enclosing procedure.
				offset := uint32(u32at(rec, 4)) & 0xffff
				blockLen := uint32(u32at(rec, 4)) >> 16
				var procOff, procSeg uint32
				if lastGProc >= 0 {
					procOff = uint32(u32at(dst.b[lastGProc:], 32))
					procSeg = uint32(u16at(dst.b[lastGProc:], 36))
				}
				start := dst.begin(S_BLOCK_V3)
				dst.u32(0) // parent
				dst.u32(0) // end
				dst.u32(blockLen)
				dst.u32(offset + procOff)
				dst.u16(uint16(procSeg))
				dst.u8(0) // empty name
				dst.end(start)
				continue
			}
			if symType == 0 && string(name) == "@send" {
				start := dst.begin(S_END_V1)
				dst.end(start)
				continue
			}

			if string(name) == "this" {
				if lastGProc >= 0 {
					// patch the proc type of the enclosing procedure to
					// the matching member function type
					procType := u32at(dst.b[lastGProc:], 28)
					fixed := tr.findMemberFunctionType(procType, symType)
					binary.LittleEndian.PutUint32(dst.b[lastGProc+28:], uint32(fixed))
				}
				if tr.cfg.ThisIsNotRef && tr.pointerTypes != nil {
					if symType >= 0x1000 && symType-0x1000 < len(tr.pointerTypes) &&
						tr.pointerTypes[symType-0x1000] != 0 {
						symType = tr.pointerTypes[symType-0x1000]
					}
				}
			}

			if tr.cfg.DVersion == 0 {
				// remove function scope from variable name
				for j := 0; j < len(name); j++ {
					if name[j] == ':' {
						name = name[j+1:]
						break
					}
				}
			}

			start := dst.begin(pick16(tr.cfg.V3, S_BPREL_V3, S_BPREL_V2))
			dst.u32(uint32(u32at(rec, 4)))
			dst.u32(uint32(tr.translateType(symType)))
			dst.name(tr.symName(name), style, dotRepl)
			dst.end(start)

		case S_RETURN_V1:
			continue // not understood by downstream tools

		case S_END_V1:
			lastGProc = -1
			dst.raw(rec)

		case S_COMPILAND_V1:
			start := len(dst.b)
			dst.raw(rec)
			// language byte: 0 means C, patch to the source language
			if dst.b[start+5] == 0 {
				if tr.cfg.DVersion >= 2.072 {
					dst.b[start+5] = 'D'
				} else {
					dst.b[start+5] = 1 // C++
				}
			}

		case S_PROCREF_V1, S_DATAREF_V1, S_LPROCREF_V1, S_ALIGN_V1:
			// throw the entry away; its use causes trouble downstream
			continue

		case S_CONSTANT_V1:
			_, leafLen, err := NumericLeaf(rec[6:])
			if err != nil {
				continue
			}
			name, _ := readName(rec[6+leafLen:], NamePascal)
			start := dst.begin(pick16(tr.cfg.V3, S_CONSTANT_V3, S_CONSTANT_V2))
			dst.u32(uint32(tr.translateType(u16at(rec, 4))))
			dst.raw(rec[6 : 6+leafLen])
			dst.name(tr.symName(name), style, dotRepl)
			dst.end(start)

		case S_BLOCK_V1:
			if tr.cfg.V3 {
				name, _ := readName(rec[22:], NamePascal)
				start := dst.begin(S_BLOCK_V3)
				dst.u32(uint32(u32at(rec, 4)))  // parent
				dst.u32(uint32(u32at(rec, 8)))  // end
				dst.u32(uint32(u32at(rec, 12))) // length
				dst.u32(uint32(u32at(rec, 16))) // offset
				dst.u16(uint16(u16at(rec, 20))) // segment
				dst.name(tr.symName(name), style, dotRepl)
				dst.end(start)
			} else {
				dst.raw(rec)
			}

		case S_ENDARG_V1, S_SSEARCH_V1, S_UDT_V2, S_UDT_V3:
			dst.raw(rec)

		default:
			dst.raw(rec)
		}
	}
}

func pick16(v3 bool, a, b uint16) uint16 {
	if v3 {
		return a
	}
	return b
}

// writeSymbols frames and hands a symbol stream to mod, appending the
// static, global and UDT symbol blobs when addGlobals is set.
func (tr *CVTranslator) writeSymbols(mod Mod, dst *symWriter, addGlobals bool) error {
	if addGlobals {
		tr.copySymbols(tr.staticSymbols, dst)
		tr.copySymbols(tr.globalSymbols, dst)
		dst.raw(tr.udt.Marshal(tr.cfg))
	}
	if err := mod.AddSymbols(tr.sink.FrameSymbols(dst.b)); err != nil {
		return fmt.Errorf("cannot add symbols to module: %w", err)
	}
	return nil
}

// AddSymbols rewrites every per-module symbol subsection and the global
// streams into the sink.
func (tr *CVTranslator) AddSymbols() error {
	var global symWriter
	addGlobals := true

	for m := 0; m < tr.img.CVEntryCount(); m++ {
		entry := tr.img.CVEntry(m)
		if entry.SubSection != SstAlignSym {
			continue
		}
		raw, err := tr.img.CVData(entry.Lfo, entry.Cb)
		if err != nil {
			return err
		}
		if len(raw) < 4 {
			continue
		}
		if tr.cfg.UseGlobalMod {
			tr.copySymbols(raw[4:], &global)
		} else {
			mod := tr.modules[int(entry.IMod)]
			if mod == nil {
				mod, err = tr.GlobalMod()
				if err != nil {
					return err
				}
			}
			var w symWriter
			tr.copySymbols(raw[4:], &w)
			if err := tr.writeSymbols(mod, &w, addGlobals); err != nil {
				return err
			}
			addGlobals = false
		}
	}

	if tr.cfg.UseGlobalMod {
		mod, err := tr.GlobalMod()
		if err != nil {
			return err
		}
		return tr.writeSymbols(mod, &global, true)
	}
	return nil
}

//
// Source line subsections
//

func (tr *CVTranslator) markSrcLineInBitmap(segIndex int, adr uint32) error {
	if segIndex < 0 || segIndex >= len(tr.segMapDesc) {
		return fmt.Errorf("invalid segment info in line number info")
	}
	off := int64(adr) - int64(tr.segMapDesc[segIndex].Offset)
	if off < 0 || off >= int64(tr.segMapDesc[segIndex].CbSeg) {
		return fmt.Errorf("invalid segment offset in line number info")
	}
	tr.srcLineStart[segIndex][off] = true
	return nil
}

// createSrcLineBitmap marks the first byte of every source line and of
// every line-info segment so span lengths can be computed.
func (tr *CVTranslator) createSrcLineBitmap() error {
	if tr.srcLineStart != nil {
		return nil
	}
	if tr.segMapDesc == nil || tr.segFrame2Index == nil {
		return fmt.Errorf("no segment map for line number info")
	}

	tr.srcLineStart = make([][]bool, len(tr.segMapDesc))
	for s := range tr.segMapDesc {
		// cbSeg of -1 was seen in the wild; avoid the huge allocation
		if tr.segMapDesc[s].CbSeg != 0xffffffff {
			tr.srcLineStart[s] = make([]bool, tr.segMapDesc[s].CbSeg)
		}
	}

	for m := 0; m < tr.img.CVEntryCount(); m++ {
		entry := tr.img.CVEntry(m)
		switch entry.SubSection {
		case SstSrcModule:
			raw, err := tr.img.CVData(entry.Lfo, entry.Cb)
			if err != nil {
				return err
			}
			if err := tr.walkSrcModule(raw, func(file string, sourceLine []byte, segStart, segEnd uint32) error {
				seg := u16at(sourceLine, 0)
				cnt := u16at(sourceLine, 2)
				segIndex := tr.frameToIndex(seg)
				if err := tr.markSrcLineInBitmap(segIndex, segStart); err != nil {
					return err
				}
				for ln := 0; ln < cnt; ln++ {
					if err := tr.markSrcLineInBitmap(segIndex, uint32(u32at(sourceLine, 4+4*ln))); err != nil {
						return err
					}
				}
				return nil
			}); err != nil {
				return err
			}

		case SstModule:
			raw, err := tr.img.CVData(entry.Lfo, entry.Cb)
			if err != nil {
				return err
			}
			if len(raw) < 8 {
				continue
			}
			cSeg := u16at(raw, 4)
			for s := 0; s < cSeg && 8+12*s+12 <= len(raw); s++ {
				seg := u16at(raw, 8+12*s)
				off := uint32(u32at(raw, 8+12*s+4))
				segIndex := tr.frameToIndex(seg)
				if err := tr.markSrcLineInBitmap(segIndex, off); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (tr *CVTranslator) frameToIndex(frame int) int {
	if frame < 0 || frame >= len(tr.segFrame2Index) {
		return -1
	}
	return tr.segFrame2Index[frame]
}

// getNextSrcLine returns the address of the next line start after off in
// the given segment frame, 0 when past the segment, or -1 on error.
func (tr *CVTranslator) getNextSrcLine(seg int, off uint32) int64 {
	if err := tr.createSrcLineBitmap(); err != nil {
		return -1
	}
	s := tr.frameToIndex(seg)
	if s < 0 {
		return -1
	}
	rel := int64(off) - int64(tr.segMapDesc[s].Offset)
	if rel < 0 || rel >= int64(len(tr.srcLineStart[s])) {
		return 0
	}
	for rel++; rel < int64(len(tr.srcLineStart[s])); rel++ {
		if tr.srcLineStart[s][rel] {
			break
		}
	}
	return rel + int64(tr.segMapDesc[s].Offset)
}

// walkSrcModule iterates the per-file, per-segment line tables of a
// sstSrcModule payload.
func (tr *CVTranslator) walkSrcModule(raw []byte,
	fn func(file string, sourceLine []byte, segStart, segEnd uint32) error) error {

	if len(raw) < 4 {
		return ErrHeaderTruncated
	}
	cFile := u16at(raw, 0)

	for f := 0; f < cFile; f++ {
		fileOff := u32at(raw, 4+4*f)
		if fileOff+4 > len(raw) {
			return ErrHeaderTruncated
		}
		file := raw[fileOff:]
		cSeg := u16at(file, 0)
		if 4+12*cSeg > len(file) {
			return ErrHeaderTruncated
		}
		startEnd := file[4+4*cSeg:]
		nameRaw, _ := readName(file[4+12*cSeg:], NamePascal)
		name := string(nameRaw)

		for s := 0; s < cSeg; s++ {
			lnOff := u32at(file, 4+4*s)
			if lnOff+4 > len(raw) {
				return ErrHeaderTruncated
			}
			sourceLine := raw[lnOff:]
			segStart := uint32(u32at(startEnd, 8*s))
			segEnd := uint32(u32at(startEnd, 8*s+4))
			if err := fn(name, sourceLine, segStart, segEnd); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddSrcLines feeds the per-file line tables to the sink. Newer backends
// take the subsection-framed form instead.
func (tr *CVTranslator) AddSrcLines() error {
	if tr.sink.Version() >= 14 {
		return tr.addSrcLines14()
	}

	for m := 0; m < tr.img.CVEntryCount(); m++ {
		entry := tr.img.CVEntry(m)
		if entry.SubSection != SstSrcModule {
			continue
		}
		mod := tr.modForEntry(entry)
		if mod == nil {
			return fmt.Errorf("sstSrcModule for non-existing module")
		}
		raw, err := tr.img.CVData(entry.Lfo, entry.Cb)
		if err != nil {
			return err
		}

		err = tr.walkSrcModule(raw, func(name string, sourceLine []byte, segStart, segEnd uint32) error {
			seg := u16at(sourceLine, 0)
			cnt := u16at(sourceLine, 2)
			if cnt <= 0 {
				return nil
			}
			lineNoOff := 4 + 4*cnt

			// The recorded end only spans until the first byte of the
			// last source line; extend to the next line start.
			segLength := int64(segEnd) - int64(segStart)
			lastOff := uint32(u32at(sourceLine, 4+4*(cnt-1)))
			if next := tr.getNextSrcLine(seg, lastOff); next > 0 {
				segLength = next - 1 - int64(segStart)
			}

			lineMin := 1
			for ln := 0; ln < cnt; ln++ {
				n := u16at(sourceLine, lineNoOff+2*ln)
				if ln == 0 || n < lineMin {
					lineMin = n
				}
			}
			if lineMin < 1 {
				lineMin = 1
			}

			entries := make([]LineInfoEntry, cnt)
			for ln := 0; ln < cnt; ln++ {
				n := u16at(sourceLine, lineNoOff+2*ln)
				if n < lineMin {
					n = lineMin
				}
				entries[ln] = LineInfoEntry{
					Offset: uint32(u32at(sourceLine, 4+4*ln)) - segStart,
					Line:   uint16(n - lineMin),
				}
			}
			if err := mod.AddLines(name, seg, segStart, uint32(segLength), lineMin, entries); err != nil {
				return fmt.Errorf("cannot add line number info to module: %w", err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// addSrcLines14 renders the line tables as F2/F3/F4 subsections inside a
// symbol blob, the shape newer backends expect.
func (tr *CVTranslator) addSrcLines14() error {
	if !tr.cfg.UseGlobalMod {
		return fmt.Errorf("unexpected per-module line tables for this backend")
	}

	var f2All, f3, f4 []byte
	f3 = append(f3, 0) // empty string

	addFile := func(name string) int {
		pos := 0
		fileno := -1 // don't count the initial 0
		for pos < len(f3) {
			n := cstring(f3[pos:])
			if pos > 0 && n == name {
				return fileno * 8
			}
			pos += len(n) + 1
			fileno++
		}
		off := len(f3)
		f3 = append(f3, name...)
		f3 = append(f3, 0)
		f4 = binary.LittleEndian.AppendUint32(f4, uint32(off))
		f4 = binary.LittleEndian.AppendUint32(f4, 0) // checksum
		return fileno * 8
	}

	for m := 0; m < tr.img.CVEntryCount(); m++ {
		entry := tr.img.CVEntry(m)
		if entry.SubSection != SstSrcModule {
			continue
		}
		raw, err := tr.img.CVData(entry.Lfo, entry.Cb)
		if err != nil {
			return err
		}

		err = tr.walkSrcModule(raw, func(name string, sourceLine []byte, segStart, segEnd uint32) error {
			seg := u16at(sourceLine, 0)
			cnt := u16at(sourceLine, 2)
			if cnt <= 0 {
				return nil
			}
			lineNoOff := 4 + 4*cnt

			segLength := int64(segEnd) - int64(segStart)
			lastOff := uint32(u32at(sourceLine, 4+4*(cnt-1)))
			if next := tr.getNextSrcLine(seg, lastOff); next > 0 {
				segLength = next - 1 - int64(segStart)
			}

			fileid := addFile(name)

			var f2 []byte
			f2 = binary.LittleEndian.AppendUint32(f2, segStart)
			f2 = binary.LittleEndian.AppendUint16(f2, uint16(seg))
			f2 = binary.LittleEndian.AppendUint16(f2, 0) // flags, no columns
			f2 = binary.LittleEndian.AppendUint32(f2, uint32(segLength))

			f2 = binary.LittleEndian.AppendUint32(f2, uint32(fileid))
			f2 = binary.LittleEndian.AppendUint32(f2, uint32(cnt))
			f2 = binary.LittleEndian.AppendUint32(f2, uint32(cnt*8+12))

			for ln := 0; ln < cnt; ln++ {
				f2 = binary.LittleEndian.AppendUint32(f2,
					uint32(u32at(sourceLine, 4+4*ln))-segStart)
				// mark as statement
				f2 = binary.LittleEndian.AppendUint32(f2,
					uint32(u16at(sourceLine, lineNoOff+2*ln))|0x80000000)
			}

			f2All = binary.LittleEndian.AppendUint32(f2All, 0xf2)
			f2All = binary.LittleEndian.AppendUint32(f2All, uint32(len(f2)))
			f2All = append(f2All, f2...)
			for len(f2All)%4 != 0 {
				f2All = append(f2All, 0)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, 4)
	appendChunk := func(kind uint32, payload []byte) {
		if len(payload) == 0 {
			return
		}
		buf = binary.LittleEndian.AppendUint32(buf, kind)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
		buf = append(buf, payload...)
		for len(buf)%4 != 0 {
			buf = append(buf, 0)
		}
	}
	appendChunk(0xf3, f3)
	appendChunk(0xf4, f4)
	if len(f2All) > 0 {
		buf = append(buf, f2All...)
	}

	mod, err := tr.GlobalMod()
	if err != nil {
		return err
	}
	if err := mod.AddSymbols(buf); err != nil {
		return fmt.Errorf("cannot add line number info to module: %w", err)
	}
	return nil
}

// modForEntry returns the module a directory entry belongs to.
func (tr *CVTranslator) modForEntry(entry *OMFDirEntry) Mod {
	if tr.cfg.UseGlobalMod {
		mod, err := tr.GlobalMod()
		if err != nil {
			return nil
		}
		return mod
	}
	return tr.modules[int(entry.IMod)]
}

// AddPublics feeds the public symbol subsections to the sink, expanding
// compressed names.
func (tr *CVTranslator) AddPublics() error {
	for m := 0; m < tr.img.CVEntryCount(); m++ {
		entry := tr.img.CVEntry(m)
		if entry.SubSection != SstGlobalPub {
			continue
		}
		var mod Mod
		if int(entry.IMod) < tr.img.CVEntryCount() {
			mod = tr.modForEntry(entry)
		}

		raw, err := tr.img.CVData(entry.Lfo, entry.Cb)
		if err != nil {
			return err
		}
		if len(raw) < 16 {
			continue
		}
		cbSymbol := binary.LittleEndian.Uint32(raw[4:])
		if 16+int(cbSymbol) > len(raw) {
			return ErrHeaderTruncated
		}
		stream := raw[16 : 16+cbSymbol]

		var length int
		for i := 0; i+4 <= len(stream); i += length {
			rec := stream[i:]
			length = recLen(rec)
			if recID(rec) == 0 || length < 4 || i+length > len(stream) {
				break
			}

			switch recID(rec) {
			case S_GDATA_V1, S_LDATA_V1, S_PUB_V1:
				name, _ := readName(rec[12:], NamePascal)
				symName := ExpandSymbol(name, tr.cfg)
				typ := tr.translateType(u16at(rec, 10))
				if tr.cfg.Debug&DbgPdbSyms != 0 {
					tr.logger.Debugf("AddPublic %s", symName)
				}
				if err := tr.sink.AddPublic(mod, symName, u16at(rec, 8),
					uint32(u32at(rec, 4)), typ); err != nil {
					return fmt.Errorf("cannot add public: %w", err)
				}
			}
		}
	}
	return nil
}
