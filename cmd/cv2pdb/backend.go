// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"os"

	"github.com/rainers/cv2pdb"
)

// newBackend selects the PDB backend. The reference build carries the
// textual dump backend; a native build plugs the msobj-backed
// implementation through the same cv2pdb.Backend interface.
func newBackend() cv2pdb.Backend {
	w := os.Stdout
	return &fileDumpBackend{inner: cv2pdb.DumpBackend{W: w}}
}

// fileDumpBackend redirects the dump into the target PDB path so the
// pipeline still produces one artifact per invocation.
type fileDumpBackend struct {
	inner cv2pdb.DumpBackend
}

func (b *fileDumpBackend) OpenPDB(path string) (cv2pdb.Session, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	inner := b.inner
	inner.W = f
	session, err := inner.OpenPDB(path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &closingSession{Session: session, f: f}, nil
}

type closingSession struct {
	cv2pdb.Session
	f *os.File
}

func (s *closingSession) Close() error {
	err := s.Session.Close()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}
