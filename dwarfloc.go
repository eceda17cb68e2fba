// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cv2pdb

// LocationKind discriminates the three representable results of a DWARF
// location expression.
type LocationKind int

// Location kinds.
const (
	// LocInvalid marks a failed evaluation.
	LocInvalid LocationKind = iota
	// LocInReg is a value living in a register.
	LocInReg
	// LocAbs is an absolute address.
	LocAbs
	// LocRegRel is a register-relative address.
	LocRegRel
)

// Location is the partial-evaluation result of a DWARF expression: a
// register, an absolute address, a register-relative address, or invalid.
type Location struct {
	Kind LocationKind
	Reg  int
	Off  int64
}

// IsInvalid reports a failed evaluation.
func (l Location) IsInvalid() bool { return l.Kind == LocInvalid }

// IsInReg reports an in-register location.
func (l Location) IsInReg() bool { return l.Kind == LocInReg }

// IsAbs reports an absolute address.
func (l Location) IsAbs() bool { return l.Kind == LocAbs }

// IsRegRel reports a register-relative address.
func (l Location) IsRegRel() bool { return l.Kind == LocRegRel }

func mkInReg(reg int) Location     { return Location{Kind: LocInReg, Reg: reg} }
func mkAbs(off int64) Location     { return Location{Kind: LocAbs, Off: off} }
func mkRegRel(reg int, off int64) Location {
	return Location{Kind: LocRegRel, Reg: reg, Off: off}
}

const locStackDepth = 256

// DecodeLocation partially evaluates a DWARF location expression. The only
// supported results are those representable as an absolute value, a
// register, or a register-relative address; everything else, including any
// memory dereference, TLS, call or implicit-value opcode, yields an
// invalid location.
func DecodeLocation(attr Attribute, frameBase *Location) Location {
	invalid := Location{}

	if attr.Class == ClassConst {
		return mkAbs(attr.Const)
	}
	if attr.Class != ClassExprLoc && attr.Class != ClassBlock {
		return invalid
	}
	expr := attr.Expr
	if attr.Class == ClassBlock {
		expr = attr.Block
	}

	cur := byteCursor{b: expr}
	var stack [locStackDepth]Location
	depth := 0

	push := func(l Location) bool {
		if depth >= locStackDepth {
			return false
		}
		stack[depth] = l
		depth++
		return true
	}

	for cur.pos < len(expr) {
		op := cur.u8()
		if op == 0 {
			break
		}

		switch {
		case op >= DW_OP_reg0 && op <= DW_OP_reg31:
			if !push(mkInReg(int(op - DW_OP_reg0))) {
				return invalid
			}
		case op == DW_OP_regx:
			if !push(mkInReg(int(cur.uleb()))) {
				return invalid
			}
		case op >= DW_OP_lit0 && op <= DW_OP_lit31:
			if !push(mkAbs(int64(op - DW_OP_lit0))) {
				return invalid
			}
		case op >= DW_OP_breg0 && op <= DW_OP_breg31:
			if !push(mkRegRel(int(op-DW_OP_breg0), cur.sleb())) {
				return invalid
			}
		case op == DW_OP_bregx:
			reg := int(cur.uleb())
			if !push(mkRegRel(reg, cur.sleb())) {
				return invalid
			}
		default:
			switch op {
			case DW_OP_const1u:
				if !push(mkAbs(int64(cur.u8()))) {
					return invalid
				}
			case DW_OP_const1s:
				if !push(mkAbs(int64(int8(cur.u8())))) {
					return invalid
				}
			case DW_OP_const2u:
				if !push(mkAbs(int64(cur.u16()))) {
					return invalid
				}
			case DW_OP_const2s:
				if !push(mkAbs(int64(int16(cur.u16())))) {
					return invalid
				}
			case DW_OP_const4u:
				if !push(mkAbs(int64(cur.u32()))) {
					return invalid
				}
			case DW_OP_const4s:
				if !push(mkAbs(int64(int32(cur.u32())))) {
					return invalid
				}
			case DW_OP_const8u, DW_OP_const8s:
				if !push(mkAbs(int64(cur.u64()))) {
					return invalid
				}
			case DW_OP_constu:
				if !push(mkAbs(int64(cur.uleb()))) {
					return invalid
				}
			case DW_OP_consts:
				if !push(mkAbs(cur.sleb())) {
					return invalid
				}

			case DW_OP_plus_uconst:
				if depth < 1 || stack[depth-1].IsInReg() {
					return invalid
				}
				stack[depth-1].Off += int64(cur.uleb())

			case DW_OP_abs, DW_OP_neg, DW_OP_not:
				if depth < 1 {
					return invalid
				}
				op1 := &stack[depth-1]
				if !op1.IsAbs() {
					return invalid
				}
				switch op {
				case DW_OP_abs:
					if op1.Off < 0 {
						op1.Off = -op1.Off
					}
				case DW_OP_neg:
					op1.Off = -op1.Off
				case DW_OP_not:
					op1.Off = ^op1.Off
				}

			case DW_OP_plus: // op2 + op1
				if depth < 2 {
					return invalid
				}
				op1, op2 := stack[depth-1], stack[depth-2]
				// Can add only two offsets or a regrel and an offset.
				switch {
				case op2.IsRegRel() && op1.IsAbs():
					stack[depth-2] = mkRegRel(op2.Reg, op2.Off+op1.Off)
				case op2.IsAbs() && op1.IsRegRel():
					stack[depth-2] = mkRegRel(op1.Reg, op2.Off+op1.Off)
				case op2.IsAbs() && op1.IsAbs():
					stack[depth-2] = mkAbs(op2.Off + op1.Off)
				default:
					return invalid
				}
				depth--

			case DW_OP_minus: // op2 - op1
				if depth < 2 {
					return invalid
				}
				op1, op2 := stack[depth-1], stack[depth-2]
				switch {
				case op2.IsRegRel() && op1.IsRegRel() && op2.Reg == op1.Reg:
					stack[depth-2] = mkAbs(0) // X - X == 0
				case op2.IsRegRel() && op1.IsAbs():
					stack[depth-2] = mkRegRel(op2.Reg, op2.Off-op1.Off)
				case op2.IsAbs() && op1.IsAbs():
					stack[depth-2] = mkAbs(op2.Off - op1.Off)
				default:
					return invalid
				}
				depth--

			case DW_OP_mul:
				if depth < 2 {
					return invalid
				}
				op1, op2 := stack[depth-1], stack[depth-2]
				switch {
				case (op1.IsAbs() && op1.Off == 0) || (op2.IsAbs() && op2.Off == 0):
					stack[depth-2] = mkAbs(0) // X * 0 == 0
				case op1.IsAbs() && op2.IsAbs():
					stack[depth-2] = mkAbs(op1.Off * op2.Off)
				default:
					return invalid
				}
				depth--

			case DW_OP_and:
				if depth < 2 {
					return invalid
				}
				op1, op2 := stack[depth-1], stack[depth-2]
				switch {
				case (op1.IsAbs() && op1.Off == 0) || (op2.IsAbs() && op2.Off == 0):
					stack[depth-2] = mkAbs(0) // X & 0 == 0
				case op1.IsAbs() && op2.IsAbs():
					stack[depth-2] = mkAbs(op1.Off & op2.Off)
				default:
					return invalid
				}
				depth--

			case DW_OP_div, DW_OP_mod, DW_OP_shl, DW_OP_shr, DW_OP_shra,
				DW_OP_or, DW_OP_xor,
				DW_OP_eq, DW_OP_ge, DW_OP_gt, DW_OP_le, DW_OP_lt, DW_OP_ne:
				if depth < 2 {
					return invalid
				}
				op1, op2 := stack[depth-1], &stack[depth-2]
				// Can't combine unless both are constants.
				if !op1.IsAbs() || !op2.IsAbs() {
					return invalid
				}
				b2i := func(v bool) int64 {
					if v {
						return 1
					}
					return 0
				}
				switch op {
				case DW_OP_div:
					if op1.Off == 0 {
						return invalid
					}
					op2.Off /= op1.Off
				case DW_OP_mod:
					if op1.Off == 0 {
						return invalid
					}
					op2.Off %= op1.Off
				case DW_OP_shl:
					op2.Off <<= uint(op1.Off)
				case DW_OP_shr:
					op2.Off = int64(uint64(op2.Off) >> uint(op1.Off))
				case DW_OP_shra:
					op2.Off >>= uint(op1.Off)
				case DW_OP_or:
					op2.Off |= op1.Off
				case DW_OP_xor:
					op2.Off ^= op1.Off
				case DW_OP_eq:
					op2.Off = b2i(op2.Off == op1.Off)
				case DW_OP_ge:
					op2.Off = b2i(op2.Off >= op1.Off)
				case DW_OP_gt:
					op2.Off = b2i(op2.Off > op1.Off)
				case DW_OP_le:
					op2.Off = b2i(op2.Off <= op1.Off)
				case DW_OP_lt:
					op2.Off = b2i(op2.Off < op1.Off)
				case DW_OP_ne:
					op2.Off = b2i(op2.Off != op1.Off)
				}
				depth--

			case DW_OP_fbreg:
				if frameBase == nil {
					return invalid
				}
				var loc Location
				switch {
				case frameBase.IsInReg():
					// A bare register frame base means "contents of the
					// register", per the frame base rules.
					loc = mkRegRel(frameBase.Reg, cur.sleb())
				case frameBase.IsRegRel():
					loc = mkRegRel(frameBase.Reg, frameBase.Off+cur.sleb())
				default:
					return invalid
				}
				if !push(loc) {
					return invalid
				}

			case DW_OP_dup:
				if depth < 1 || !push(stack[depth-1]) {
					return invalid
				}
			case DW_OP_drop:
				if depth < 1 {
					return invalid
				}
				depth--
			case DW_OP_over:
				if depth < 2 || !push(stack[depth-2]) {
					return invalid
				}
			case DW_OP_pick:
				n := int(cur.u8())
				if n >= depth || !push(stack[depth-1-n]) {
					return invalid
				}
			case DW_OP_swap:
				if depth < 2 {
					return invalid
				}
				stack[depth-1], stack[depth-2] = stack[depth-2], stack[depth-1]
			case DW_OP_rot:
				if depth < 3 {
					return invalid
				}
				tmp := stack[depth-1]
				stack[depth-1] = stack[depth-2]
				stack[depth-2] = stack[depth-3]
				stack[depth-3] = tmp

			case DW_OP_addr:
				if !push(mkAbs(int64(cur.u32()))) {
					return invalid
				}

			case DW_OP_skip:
				off := int(cur.u16())
				cur.skip(off)
			case DW_OP_bra:
				if depth < 1 || !stack[depth-1].IsAbs() {
					return invalid
				}
				off := int(cur.u16())
				if stack[depth-1].Off != 0 {
					cur.skip(off)
				}
				depth--

			case DW_OP_nop:
				// nothing

			default:
				// deref, TLS, call, implicit value, stack value, pieces.
				return invalid
			}
		}
		if cur.eof {
			return invalid
		}
	}

	if depth < 1 {
		return invalid
	}
	return stack[0]
}
