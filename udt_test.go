// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDTTableUniqueness(t *testing.T) {
	tab := NewUDTTable()
	assert.True(t, tab.Add(0x1000, "Foo"))
	assert.False(t, tab.Add(0x1000, "Bar")) // duplicate id is a no-op
	assert.True(t, tab.Add(0x1001, "Bar"))

	e, ok := tab.FindByType(0x1000)
	require.True(t, ok)
	assert.Equal(t, "Foo", e.Name)

	e, ok = tab.FindByName("Bar")
	require.True(t, ok)
	assert.Equal(t, 0x1001, e.Type)

	assert.Equal(t, 2, tab.Len())
}

func TestUDTTableFirstNameWins(t *testing.T) {
	tab := NewUDTTable()
	tab.Add(0x1000, "Name")
	tab.Add(0x1001, "Name")

	e, ok := tab.FindByName("Name")
	require.True(t, ok)
	assert.Equal(t, 0x1000, e.Type)
}

func TestUDTTableMarshal(t *testing.T) {
	cfg := DefaultConfig()
	tab := NewUDTTable()
	tab.Add(0x1500, "object.Object")

	blob := tab.Marshal(&cfg)
	require.GreaterOrEqual(t, len(blob), 8)
	assert.Equal(t, S_UDT_V3, recID(blob))
	assert.Equal(t, 0x1500, u32at(blob, 4))
	// dot replacement applied on flush
	assert.Equal(t, "object@Object", cstring(blob[8:]))
	assert.Equal(t, len(blob), recLen(blob))
}

func TestUDTTableMarshalPascal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.V3 = false
	tab := NewUDTTable()
	tab.Add(0x1000, "T")

	blob := tab.Marshal(&cfg)
	assert.Equal(t, S_UDT_V2, recID(blob))
	name, _ := readName(blob[8:], NamePascal)
	assert.Equal(t, "T", string(name))
}
