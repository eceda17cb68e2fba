// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

import "errors"

// Errors
var (
	// ErrNotAnImage is returned when the DOS or PE magic is absent.
	ErrNotAnImage = errors.New("not a PE image. DOS or PE magic not found")

	// ErrHeaderTruncated is returned when a header structure is cut off by
	// the end of the file.
	ErrHeaderTruncated = errors.New("image header truncated")

	// ErrNoDebugInfo is returned when neither a CodeView directory nor DWARF
	// sections are present in the image.
	ErrNoDebugInfo = errors.New("no debug information found in image")

	// ErrNoCodeView is returned when the debug directory holds no CodeView
	// entry of a supported signature.
	ErrNoCodeView = errors.New("no CodeView debug info data found")

	// ErrUnsupportedLeaf is returned for a numeric leaf with an unknown tag.
	ErrUnsupportedLeaf = errors.New("unsupported numeric leaf")

	// ErrUnsupportedField is returned for a field-list entry of an
	// unrecognized kind.
	ErrUnsupportedField = errors.New("unsupported field entry")

	// ErrUnsupportedForm is returned for a DWARF attribute form the reader
	// does not decode.
	ErrUnsupportedForm = errors.New("unsupported DWARF attribute form")

	// ErrUnsupportedEncoding is returned for a DWARF base type encoding that
	// maps to no basic type id.
	ErrUnsupportedEncoding = errors.New("unsupported base type encoding")

	// ErrBadRelocation is returned when a base relocation block is
	// malformed.
	ErrBadRelocation = errors.New("malformed base relocation block")

	// ErrBadLineProgram is returned when a DWARF line program cannot be
	// decoded.
	ErrBadLineProgram = errors.New("malformed line number program")

	// ErrOutsideBoundary is reported when attempting to read an address
	// beyond file image limits.
	ErrOutsideBoundary = errors.New("reading data outside boundary")

	// ErrBackendRejected is returned when the PDB backend refuses a blob.
	ErrBackendRejected = errors.New("backend rejected debug data")
)

// DebugLevel is a bitmask enabling trace output of individual pipeline
// stages.
type DebugLevel uint32

// Debug trace bits.
const (
	DbgBasic DebugLevel = 1 << iota
	DbgPdbTypes
	DbgPdbSyms
	DbgPdbLines
	DbgDwarfCompilationUnit
	DbgDwarfTagRead
	DbgDwarfAttrRead
	DbgDwarfLines
)
