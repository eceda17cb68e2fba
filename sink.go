// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

import (
	"encoding/binary"
	"fmt"
	"io"
)

// LineInfoEntry is one row of a flushed line batch: a code offset relative
// to the batch base address and a line delta relative to the batch base
// line.
type LineInfoEntry struct {
	Offset uint32
	Line   uint16
}

// Mod is an open module of the PDB backend.
type Mod interface {
	// AddTypes appends a type blob. The blob begins with the 4-byte
	// little-endian magic 0x00000004.
	AddTypes(blob []byte) error

	// AddSymbols appends a symbol blob, framed per backend revision.
	AddSymbols(blob []byte) error

	// AddLines adds a sorted per-file line batch.
	AddLines(fname string, segment int, segOff, length uint32, lineBase int, entries []LineInfoEntry) error

	// AddSecContrib registers a section contribution of the module.
	AddSecContrib(segment int, offset, size, flags uint32) error

	// AddPublic adds a public symbol through the module (newer backends
	// route this through the DBI instead; see Sink.AddPublic).
	AddPublic(name string, segment int, offset uint32, typ int) error

	Close() error
}

// DBI is the debug information stream of the backend.
type DBI interface {
	OpenMod(objName, libName string) (Mod, error)
	AddSec(segment int, flags uint16, offset, size uint32) error
	AddPublic(name string, segment int, offset uint32, typ int) error
	SetMachineType(machine uint16) error
	Close() error
}

// TPI is the type information stream of the backend.
type TPI interface {
	Close() error
}

// Session is an open PDB produced by a Backend.
type Session interface {
	CreateDBI() (DBI, error)
	OpenTPI() (TPI, error)

	// Signature returns the build GUID and age recorded in the RSDS blob.
	Signature() (GUID, uint32)

	// Version reports the backend revision; it decides record framing and
	// the public-symbol dispatch.
	Version() int

	Commit() error
	Close() error
}

// Backend creates PDB sessions. The on-disk PDB layout is entirely the
// backend's business.
type Backend interface {
	OpenPDB(path string) (Session, error)
}

// Sink is a thin veneer over the backend hiding the differences between
// backend revisions. The version is sniffed once at open; the two
// version-polymorphic entry points are AddPublic and SetMachineType.
type Sink struct {
	Session Session
	Dbi     DBI
	Tpi     TPI

	version int
	vs10    bool
}

// OpenSink opens a PDB session and its DBI and TPI streams.
func OpenSink(b Backend, path string) (*Sink, error) {
	session, err := b.OpenPDB(path)
	if err != nil {
		return nil, err
	}
	dbi, err := session.CreateDBI()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("cannot create DBI: %w", err)
	}
	tpi, err := session.OpenTPI()
	if err != nil {
		dbi.Close()
		session.Close()
		return nil, fmt.Errorf("cannot create TPI: %w", err)
	}
	v := session.Version()
	return &Sink{Session: session, Dbi: dbi, Tpi: tpi, version: v, vs10: v >= 10}, nil
}

// Version returns the sniffed backend revision.
func (s *Sink) Version() int { return s.version }

// AddPublic adds a public symbol, routed through the DBI on newer backends
// and through the module on older ones.
func (s *Sink) AddPublic(mod Mod, name string, segment int, offset uint32, typ int) error {
	if s.vs10 || mod == nil {
		return s.Dbi.AddPublic(name, segment, offset, typ)
	}
	return mod.AddPublic(name, segment, offset, typ)
}

// SetMachineType records the target machine; older backends have no such
// slot and the call is dropped.
func (s *Sink) SetMachineType(machine uint16) error {
	if !s.vs10 {
		return nil
	}
	return s.Dbi.SetMachineType(machine)
}

// symbolPrefixWords returns the number of 32-bit prefix words of a symbol
// blob for the backend revision.
func (s *Sink) symbolPrefixWords() int {
	if s.version >= 14 {
		return 3
	}
	return 4
}

// FrameSymbols wraps a raw symbol stream into the blob shape the backend
// expects: the 4-byte magic, then for the newer backend a (kind, size)
// chunk of kind 0xF1 holding the records, and for the older one the
// unwrapped record stream behind an extra flag word.
func (s *Sink) FrameSymbols(raw []byte) []byte {
	prefix := s.symbolPrefixWords()
	data := make([]byte, 4*prefix, 4*prefix+len(raw)+4)
	binary.LittleEndian.PutUint32(data, 4)
	binary.LittleEndian.PutUint32(data[4:], 0xf1)
	binary.LittleEndian.PutUint32(data[8:], uint32(len(raw)+4*(prefix-3)))
	if prefix > 3 {
		binary.LittleEndian.PutUint32(data[12:], 1)
	}
	data = append(data, raw...)
	for len(data)%4 != 0 {
		data = append(data, 0)
	}
	return data
}

// FrameTypes wraps a raw type record stream with the 4-byte magic.
func FrameTypes(raw []byte) []byte {
	data := make([]byte, 4, 4+len(raw))
	binary.LittleEndian.PutUint32(data, 4)
	return append(data, raw...)
}

// Close commits and closes the session in reverse order of acquisition.
func (s *Sink) Close(commit bool) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.Dbi != nil {
		keep(s.Dbi.Close())
	}
	if s.Tpi != nil {
		keep(s.Tpi.Close())
	}
	if commit {
		keep(s.Session.Commit())
	}
	keep(s.Session.Close())
	return firstErr
}

// DumpBackend renders everything handed to the sink as text. It backs the
// object-file inspection mode and the tests.
type DumpBackend struct {
	W io.Writer

	// Rev is the revision the dump session reports; defaults to 14.
	Rev int
}

// OpenPDB implements Backend.
func (d *DumpBackend) OpenPDB(path string) (Session, error) {
	rev := d.Rev
	if rev == 0 {
		rev = 14
	}
	fmt.Fprintf(d.W, "PDB: %s\n", path)
	return &dumpSession{w: d.W, rev: rev}, nil
}

type dumpSession struct {
	w   io.Writer
	rev int
}

func (s *dumpSession) CreateDBI() (DBI, error)   { return &dumpDBI{w: s.w}, nil }
func (s *dumpSession) OpenTPI() (TPI, error)     { return &dumpTPI{}, nil }
func (s *dumpSession) Signature() (GUID, uint32) { return GUID{Data1: 0x1}, 1 }
func (s *dumpSession) Version() int              { return s.rev }
func (s *dumpSession) Commit() error             { return nil }
func (s *dumpSession) Close() error              { return nil }

type dumpTPI struct{}

func (t *dumpTPI) Close() error { return nil }

type dumpDBI struct {
	w io.Writer
}

func (d *dumpDBI) OpenMod(objName, libName string) (Mod, error) {
	fmt.Fprintf(d.w, "Mod: %s (%s)\n", objName, libName)
	return &dumpMod{w: d.w}, nil
}

func (d *dumpDBI) AddSec(segment int, flags uint16, offset, size uint32) error {
	fmt.Fprintf(d.w, "Sec %d: flags=%04x off=%x size=%x\n", segment, flags, offset, size)
	return nil
}

func (d *dumpDBI) AddPublic(name string, segment int, offset uint32, typ int) error {
	fmt.Fprintf(d.w, "Public: %s seg=%d off=%x type=%x\n", name, segment, offset, typ)
	return nil
}

func (d *dumpDBI) SetMachineType(machine uint16) error {
	fmt.Fprintf(d.w, "Machine: %04x\n", machine)
	return nil
}

func (d *dumpDBI) Close() error { return nil }

type dumpMod struct {
	w io.Writer
}

func (m *dumpMod) AddTypes(blob []byte) error {
	fmt.Fprintf(m.w, "Types: %d bytes\n", len(blob))
	return nil
}

func (m *dumpMod) AddSymbols(blob []byte) error {
	fmt.Fprintf(m.w, "Symbols: %d bytes\n", len(blob))
	return nil
}

func (m *dumpMod) AddLines(fname string, segment int, segOff, length uint32, lineBase int, entries []LineInfoEntry) error {
	fmt.Fprintf(m.w, "File: %s\n", fname)
	for _, e := range entries {
		fmt.Fprintf(m.w, "\tOff 0x%x: Line %d\n", segOff+e.Offset, lineBase+int(e.Line))
	}
	return nil
}

func (m *dumpMod) AddSecContrib(segment int, offset, size, flags uint32) error {
	fmt.Fprintf(m.w, "SecContrib: seg=%d off=%x size=%x flags=%08x\n", segment, offset, size, flags)
	return nil
}

func (m *dumpMod) AddPublic(name string, segment int, offset uint32, typ int) error {
	fmt.Fprintf(m.w, "Public: %s seg=%d off=%x type=%x\n", name, segment, offset, typ)
	return nil
}

func (m *dumpMod) Close() error { return nil }
