// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func exprAttr(b ...byte) Attribute {
	return Attribute{Class: ClassExprLoc, Expr: b}
}

func TestDecodeLocationRegisters(t *testing.T) {
	loc := DecodeLocation(exprAttr(DW_OP_reg0+5), nil)
	assert.Equal(t, mkInReg(5), loc)

	loc = DecodeLocation(exprAttr(DW_OP_regx, 33), nil)
	assert.Equal(t, mkInReg(33), loc)
}

func TestDecodeLocationConstants(t *testing.T) {
	tests := []struct {
		name string
		expr []byte
		want Location
	}{
		{"lit5", []byte{DW_OP_lit0 + 5}, mkAbs(5)},
		{"const1u", []byte{DW_OP_const1u, 0xfe}, mkAbs(0xfe)},
		{"const1s", []byte{DW_OP_const1s, 0xfe}, mkAbs(-2)},
		{"const2u", []byte{DW_OP_const2u, 0x34, 0x12}, mkAbs(0x1234)},
		{"const4s", []byte{DW_OP_const4s, 0xff, 0xff, 0xff, 0xff}, mkAbs(-1)},
		{"constu", []byte{DW_OP_constu, 0x80, 0x01}, mkAbs(128)},
		{"consts", []byte{DW_OP_consts, 0x7f}, mkAbs(-1)},
		{"addr", []byte{DW_OP_addr, 0x00, 0x10, 0x40, 0x00}, mkAbs(0x401000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeLocation(exprAttr(tt.expr...), nil))
		})
	}
}

func TestDecodeLocationBreg(t *testing.T) {
	// breg5 -8
	loc := DecodeLocation(exprAttr(DW_OP_breg0+5, 0x78), nil)
	assert.Equal(t, mkRegRel(5, -8), loc)
}

func TestDecodeLocationArithmetic(t *testing.T) {
	tests := []struct {
		name string
		expr []byte
		want Location
	}{
		{"regrel plus abs", []byte{DW_OP_breg0 + 5, 4, DW_OP_lit0 + 8, DW_OP_plus}, mkRegRel(5, 12)},
		{"abs plus abs", []byte{DW_OP_lit0 + 3, DW_OP_lit0 + 4, DW_OP_plus}, mkAbs(7)},
		{"abs minus abs", []byte{DW_OP_lit0 + 9, DW_OP_lit0 + 4, DW_OP_minus}, mkAbs(5)},
		{"regrel minus abs", []byte{DW_OP_breg0 + 6, 16, DW_OP_lit0 + 4, DW_OP_minus}, mkRegRel(6, 12)},
		{"same reg cancels", []byte{DW_OP_breg0 + 6, 8, DW_OP_breg0 + 6, 8, DW_OP_minus}, mkAbs(0)},
		{"plus_uconst", []byte{DW_OP_lit0 + 2, DW_OP_plus_uconst, 6}, mkAbs(8)},
		{"mul", []byte{DW_OP_lit0 + 3, DW_OP_lit0 + 5, DW_OP_mul}, mkAbs(15)},
		{"shl", []byte{DW_OP_lit0 + 1, DW_OP_lit0 + 4, DW_OP_shl}, mkAbs(16)},
		{"eq true", []byte{DW_OP_lit0 + 4, DW_OP_lit0 + 4, DW_OP_eq}, mkAbs(1)},
		{"lt false", []byte{DW_OP_lit0 + 4, DW_OP_lit0 + 3, DW_OP_lt}, mkAbs(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeLocation(exprAttr(tt.expr...), nil))
		})
	}
}

func TestDecodeLocationAlgebraEscapes(t *testing.T) {
	tests := []struct {
		name string
		expr []byte
	}{
		{"reg plus reg", []byte{DW_OP_reg0, DW_OP_reg0 + 1, DW_OP_plus}},
		{"regrel plus regrel", []byte{DW_OP_breg0, 0, DW_OP_breg0 + 1, 0, DW_OP_plus}},
		{"regrel minus other reg", []byte{DW_OP_breg0, 0, DW_OP_breg0 + 1, 0, DW_OP_minus}},
		{"mul regrel", []byte{DW_OP_breg0, 2, DW_OP_lit0 + 2, DW_OP_mul}},
		{"deref", []byte{DW_OP_lit0 + 4, DW_OP_deref}},
		{"tls", []byte{DW_OP_lit0 + 4, DW_OP_form_tls_address}},
		{"cfa", []byte{DW_OP_call_frame_cfa}},
		{"stack value", []byte{DW_OP_lit0 + 4, DW_OP_stack_value}},
		{"implicit value", []byte{DW_OP_implicit_value, 1, 0}},
		{"empty stack", nil},
		{"underflow", []byte{DW_OP_drop}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, DecodeLocation(exprAttr(tt.expr...), nil).IsInvalid())
		})
	}
}

func TestDecodeLocationStackOps(t *testing.T) {
	// dup + plus doubles
	loc := DecodeLocation(exprAttr(DW_OP_lit0+7, DW_OP_dup, DW_OP_plus), nil)
	assert.Equal(t, mkAbs(14), loc)

	// swap then minus
	loc = DecodeLocation(exprAttr(DW_OP_lit0+3, DW_OP_lit0+10, DW_OP_swap, DW_OP_minus), nil)
	assert.Equal(t, mkAbs(7), loc)

	// over copies the second entry; the result is the bottom of the stack
	loc = DecodeLocation(exprAttr(DW_OP_lit0+1, DW_OP_lit0+2, DW_OP_over, DW_OP_plus, DW_OP_plus), nil)
	assert.Equal(t, mkAbs(4), loc)

	// pick 1
	loc = DecodeLocation(exprAttr(DW_OP_lit0+5, DW_OP_lit0+6, DW_OP_pick, 1, DW_OP_plus, DW_OP_plus), nil)
	assert.Equal(t, mkAbs(16), loc)
}

func TestDecodeLocationFbreg(t *testing.T) {
	// no frame base -> invalid
	assert.True(t, DecodeLocation(exprAttr(DW_OP_fbreg, 8), nil).IsInvalid())

	// bare register base is promoted to reg-relative
	base := mkInReg(dwRegEBP)
	loc := DecodeLocation(exprAttr(DW_OP_fbreg, 8), &base)
	assert.Equal(t, mkRegRel(dwRegEBP, 8), loc)

	// reg-relative base adds through
	base = mkRegRel(dwRegRBP, 16)
	loc = DecodeLocation(exprAttr(DW_OP_fbreg, 0x7c), &base) // -4
	assert.Equal(t, mkRegRel(dwRegRBP, 12), loc)
}

func TestDecodeLocationBranches(t *testing.T) {
	// bra on the non-zero lit1 is taken and skips the nop
	loc := DecodeLocation(exprAttr(
		DW_OP_lit0+1, DW_OP_bra, 1, 0, DW_OP_nop, DW_OP_lit0+9), nil)
	assert.Equal(t, mkAbs(9), loc)

	// skip jumps over a deref that would otherwise invalidate
	loc = DecodeLocation(exprAttr(
		DW_OP_lit0+3, DW_OP_skip, 1, 0, DW_OP_deref), nil)
	assert.Equal(t, mkAbs(3), loc)
}

func TestDecodeLocationConstClass(t *testing.T) {
	loc := DecodeLocation(Attribute{Class: ClassConst, Const: 0x1234}, nil)
	assert.Equal(t, mkAbs(0x1234), loc)
}

func TestDecodeLocationDivByZero(t *testing.T) {
	assert.True(t, DecodeLocation(exprAttr(DW_OP_lit0+4, DW_OP_lit0, DW_OP_div), nil).IsInvalid())
}
