// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

import (
	"fmt"
)

// Converter drives the whole pipeline for one image: open the PDB session,
// run the CodeView or DWARF translator, and rewrite the PE to point at the
// new PDB.
type Converter struct {
	img  *PEImage
	cfg  Config
	sink *Sink
	rsds []byte

	cv *CVTranslator
	dw *DWARFTranslator
}

// NewConverter returns a converter for a parsed image.
func NewConverter(img *PEImage, cfg Config) *Converter {
	return &Converter{img: img, cfg: cfg}
}

// OpenPDB opens the output PDB through the backend and prepares the RSDS
// reference blob. pdbRef, when non-empty, is the path embedded in the
// image instead of the written file.
func (c *Converter) OpenPDB(backend Backend, pdbPath, pdbRef string) error {
	sink, err := OpenSink(backend, pdbPath)
	if err != nil {
		return fmt.Errorf("cannot create PDB file: %w", err)
	}
	c.sink = sink

	guid, age := sink.Session.Signature()
	ref := pdbPath
	if pdbRef != "" {
		ref = pdbRef
	}
	info := CVInfoPDB70{Signature: guid, Age: age, PDBFileName: ref}
	c.rsds = info.Marshal()
	return nil
}

// Convert runs the translator matching the image payload and writes the
// rewritten executable to outPath. The DBG-file path skips the image
// rewrite.
func (c *Converter) Convert(outPath string) error {
	if c.sink == nil {
		return fmt.Errorf("PDB not opened")
	}

	switch c.img.Payload {
	case PayloadCodeView:
		return c.convertCodeView(outPath)
	case PayloadDWARF:
		return c.convertDWARF(outPath)
	default:
		return ErrNoDebugInfo
	}
}

func (c *Converter) convertCodeView(outPath string) error {
	tr := NewCVTranslator(c.img, &c.cfg, c.sink)
	c.cv = tr

	tr.InitLibraries()
	if err := tr.InitSegMap(); err != nil {
		return err
	}
	if err := tr.InitGlobalSymbols(); err != nil {
		return err
	}
	if err := tr.InitGlobalTypes(); err != nil {
		return err
	}
	if err := tr.CreateModules(); err != nil {
		return err
	}
	if err := tr.AddTypes(); err != nil {
		return err
	}
	if err := tr.AddSymbols(); err != nil {
		return err
	}
	if err := tr.AddSrcLines(); err != nil {
		return err
	}
	if err := tr.AddPublics(); err != nil {
		return err
	}

	if c.img.IsDBG() {
		return nil
	}
	if err := c.img.ReplaceDebugSection(c.rsds, true); err != nil {
		return err
	}
	return c.img.Save(outPath)
}

func (c *Converter) convertDWARF(outPath string) error {
	if err := c.img.RelocateDebugLineInfo(0x400000); err != nil {
		return err
	}

	tr := NewDWARFTranslator(c.img, &c.cfg, c.sink)
	c.dw = tr

	if err := tr.CreateModules(); err != nil {
		return err
	}
	if err := tr.AddSymbols(); err != nil {
		return err
	}
	if err := tr.AddLines(); err != nil {
		return err
	}
	if err := tr.AddPublics(); err != nil {
		return err
	}

	if err := c.img.ReplaceDebugSection(c.rsds, false); err != nil {
		return err
	}
	return c.img.Save(outPath)
}

// Close records the machine type, commits on success and releases the
// session in deterministic reverse order of acquisition.
func (c *Converter) Close(commit bool) error {
	if c.sink == nil {
		return nil
	}
	machine := ImageFileMachineI386
	if c.img.Is64 {
		machine = ImageFileMachineAMD64
	}
	if err := c.sink.SetMachineType(machine); err != nil {
		return err
	}
	return c.sink.Close(commit)
}
