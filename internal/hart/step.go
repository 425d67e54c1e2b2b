package hart

import "context"

// Step fetches, decodes, and executes exactly one instruction at the
// current PC, advancing PC on success. It returns a non-nil Trap when the
// instruction itself raised a synchronous exception (illegal instruction,
// misaligned access, access fault); such a trap is not an error, it is
// normal control flow that stepOnce delivers via deliverTrap. A non-nil
// error indicates something the loop cannot recover from (a failed
// memory translation in the host runtime, not the guest).
func (h *Hart) Step(ctx context.Context) (*Trap, error) {
	if h.pc&0x3 != 0 {
		return &Trap{Cause: ExcInstrMisaligned, Tval: h.pc}, nil
	}

	raw, err := h.fetch(h.pc)
	if err != nil {
		return &Trap{Cause: ExcInstrFault, Tval: h.pc}, nil
	}

	d, err := h.decoder.Decode(raw)
	if err != nil {
		return &Trap{Cause: ExcIllegalInstr, Tval: uint64(raw)}, nil
	}

	nextPC := h.pc + 4

	trap := h.execute(ctx, d, &nextPC)
	if trap != nil {
		return trap, nil
	}

	h.pc = nextPC

	return nil, nil
}

func loadWidth(funct3 uint32) (width int, signed bool, ok bool) {
	switch funct3 {
	case 0b000:
		return 1, true, true
	case 0b001:
		return 2, true, true
	case 0b010:
		return 4, true, true
	case 0b011:
		return 8, false, true
	case 0b100:
		return 1, false, true
	case 0b101:
		return 2, false, true
	case 0b110:
		return 4, false, true
	}

	return 0, false, false
}

func storeWidth(funct3 uint32) (int, bool) {
	switch funct3 {
	case 0b000:
		return 1, true
	case 0b001:
		return 2, true
	case 0b010:
		return 4, true
	case 0b011:
		return 8, true
	}

	return 0, false
}

func signExtendBytes(buf []byte) int64 {
	v := le64(buf)

	switch len(buf) {
	case 1:
		return int64(int8(v))
	case 2:
		return int64(int16(v))
	case 4:
		return int64(int32(v))
	default:
		return int64(v)
	}
}

// execute runs one decoded instruction. Ordinary instructions write
// *nextPC to redirect control flow (branches, jumps); everything else
// falls through to the sequential nextPC already set by Step.
func (h *Hart) execute(ctx context.Context, d Decoded, nextPC *uint64) *Trap {
	switch d.Opcode {
	case opLoad:
		return h.execLoad(d)

	case opStore:
		return h.execStore(d)

	case opOpImm, opOpImm32:
		h.execOpImm(d)
		return nil

	case opOp, opOp32:
		h.execOp(d)
		return nil

	case opLUI:
		h.SetReg(int(d.Rd), uint64(d.Imm))
		return nil

	case opAUIPC:
		h.SetReg(int(d.Rd), h.pc+uint64(d.Imm))
		return nil

	case opJAL:
		target := h.pc + uint64(d.Imm)
		if target&0x3 != 0 {
			return &Trap{Cause: ExcInstrMisaligned, Tval: target}
		}

		h.SetReg(int(d.Rd), h.pc+4)
		*nextPC = target

		return nil

	case opJALR:
		target := (h.Reg(int(d.Rs1)) + uint64(d.Imm)) &^ 1
		if target&0x3 != 0 {
			return &Trap{Cause: ExcInstrMisaligned, Tval: target}
		}

		h.SetReg(int(d.Rd), h.pc+4)
		*nextPC = target

		return nil

	case opBranch:
		return h.execBranch(d, nextPC)

	case opSystem:
		return h.execSystem(ctx, d, nextPC)

	case opAMO:
		return h.execAMO(d)
	}

	return &Trap{Cause: ExcIllegalInstr, Tval: uint64(d.Raw)}
}

func (h *Hart) execLoad(d Decoded) *Trap {
	width, signed, ok := loadWidth(d.Funct3)
	if !ok {
		return &Trap{Cause: ExcIllegalInstr, Tval: uint64(d.Raw)}
	}

	addr := h.Reg(int(d.Rs1)) + uint64(d.Imm)

	buf, err := h.readBytes(addr, width)
	if err != nil {
		return &Trap{Cause: ExcLoadFault, Tval: addr}
	}

	var val uint64
	if signed {
		val = uint64(signExtendBytes(buf))
	} else {
		val = le64(buf)
	}

	h.SetReg(int(d.Rd), val)

	return nil
}

func (h *Hart) execStore(d Decoded) *Trap {
	width, ok := storeWidth(d.Funct3)
	if !ok {
		return &Trap{Cause: ExcIllegalInstr, Tval: uint64(d.Raw)}
	}

	addr := h.Reg(int(d.Rs1)) + uint64(d.Imm)
	data := putLE64(h.Reg(int(d.Rs2)), width)

	if err := h.writeBytes(addr, data); err != nil {
		return &Trap{Cause: ExcStoreFault, Tval: addr}
	}

	return nil
}

func (h *Hart) execOpImm(d Decoded) {
	a := h.Reg(int(d.Rs1))
	imm := uint64(d.Imm)

	var arith bool
	if d.Opcode == opOpImm {
		arith = d.Funct7&0x10 != 0
	} else {
		arith = d.Funct7&0x20 != 0
	}

	var res uint64

	switch d.Funct3 {
	case 0b000:
		res = a + imm
	case 0b010:
		if int64(a) < d.Imm {
			res = 1
		}
	case 0b011:
		if a < imm {
			res = 1
		}
	case 0b100:
		res = a ^ imm
	case 0b110:
		res = a | imm
	case 0b111:
		res = a & imm
	case 0b001:
		res = a << uint(imm)
	case 0b101:
		if d.Opcode == opOpImm32 {
			// SRLIW/SRAIW shift only the low 32 bits; the input must be
			// truncated before shifting, not just the output after.
			a32 := uint32(a)
			if arith {
				res = uint64(int32(a32) >> uint(imm))
			} else {
				res = uint64(a32 >> uint(imm))
			}
		} else if arith {
			res = uint64(h.signMask(a) >> uint(imm))
		} else {
			res = a >> uint(imm)
		}
	}

	if d.Opcode == opOpImm32 {
		res = uint64(int32(res))
	}

	h.SetReg(int(d.Rd), res)
}

func (h *Hart) execOp(d Decoded) {
	a, b := h.Reg(int(d.Rs1)), h.Reg(int(d.Rs2))
	var res uint64

	if d.Funct7 == 0x01 {
		res = h.execMulDiv(d, a, b)
	} else {
		arith := d.Funct7&0x20 != 0

		switch d.Funct3 {
		case 0b000:
			if arith {
				res = a - b
			} else {
				res = a + b
			}
		case 0b001:
			res = a << uint(b&0x3f)
		case 0b010:
			if int64(a) < int64(b) {
				res = 1
			}
		case 0b011:
			if a < b {
				res = 1
			}
		case 0b100:
			res = a ^ b
		case 0b101:
			if arith {
				res = uint64(h.signMask(a) >> uint(b&0x3f))
			} else {
				res = a >> uint(b&0x3f)
			}
		case 0b110:
			res = a | b
		case 0b111:
			res = a & b
		}
	}

	if d.Opcode == opOp32 {
		a32, b32 := uint32(a), uint32(b)
		if d.Funct3 == 0b001 {
			res = uint64(a32 << (b32 & 0x1f))
		} else if d.Funct3 == 0b101 {
			if d.Funct7&0x20 != 0 {
				res = uint64(int32(a32) >> (b32 & 0x1f))
			} else {
				res = uint64(a32 >> (b32 & 0x1f))
			}
		}

		res = uint64(int32(res))
	}

	h.SetReg(int(d.Rd), res)
}

// execMulDiv handles the M-extension opcodes, recognized by funct7==1.
func (h *Hart) execMulDiv(d Decoded, a, b uint64) uint64 {
	sa, sb := int64(a), int64(b)

	if d.Opcode == opOp32 {
		sa, sb = int64(int32(a)), int64(int32(b))
		a, b = uint64(uint32(a)), uint64(uint32(b))
	}

	switch d.Funct3 {
	case 0b000: // MUL/MULW
		return uint64(sa * sb)
	case 0b001: // MULH
		hi, _ := mulh(sa, sb)
		return uint64(hi)
	case 0b010: // MULHSU
		return uint64(mulhsu(sa, b))
	case 0b011: // MULHU
		return mulhu(a, b)
	case 0b100: // DIV/DIVW
		if sb == 0 {
			return ^uint64(0)
		}
		if sa == minInt64(d.Opcode) && sb == -1 {
			return uint64(sa)
		}
		return uint64(sa / sb)
	case 0b101: // DIVU/DIVUW
		if b == 0 {
			return ^uint64(0)
		}
		return a / b
	case 0b110: // REM/REMW
		if sb == 0 {
			return uint64(sa)
		}
		if sa == minInt64(d.Opcode) && sb == -1 {
			return 0
		}
		return uint64(sa % sb)
	case 0b111: // REMU/REMUW
		if b == 0 {
			return a
		}
		return a % b
	}

	return 0
}

func minInt64(opcode uint32) int64 {
	if opcode == opOp32 {
		return int64(int32(-1 << 31))
	}

	return int64(-1 << 63)
}

func mulh(a, b int64) (hi, lo int64) {
	// 64x64->128 signed multiply via unsigned parts, per the standard
	// schoolbook decomposition used by software soft-multiply routines.
	const mask32 = 0xffffffff

	ua, ub := uint64(a), uint64(b)
	neg := (a < 0) != (b < 0)

	if a < 0 {
		ua = uint64(-a)
	}
	if b < 0 {
		ub = uint64(-b)
	}

	aLo, aHi := ua&mask32, ua>>32
	bLo, bHi := ub&mask32, ub>>32

	low := aLo * bLo
	mid1 := aHi * bLo
	mid2 := aLo * bHi
	high := aHi * bHi

	carry := (low>>32 + mid1&mask32 + mid2&mask32) >> 32
	hiU := high + mid1>>32 + mid2>>32 + carry
	loU := low + (mid1&mask32+mid2&mask32)<<32

	if neg {
		loU = ^loU + 1
		hiU = ^hiU
		if loU == 0 {
			hiU++
		}
	}

	return int64(hiU), int64(loU)
}

func mulhu(a, b uint64) uint64 {
	const mask32 = 0xffffffff

	aLo, aHi := a&mask32, a>>32
	bLo, bHi := b&mask32, b>>32

	low := aLo * bLo
	mid1 := aHi * bLo
	mid2 := aLo * bHi
	high := aHi * bHi

	carry := (low>>32 + mid1&mask32 + mid2&mask32) >> 32

	return high + mid1>>32 + mid2>>32 + carry
}

func mulhsu(a int64, b uint64) int64 {
	neg := a < 0

	ua := uint64(a)
	if neg {
		ua = uint64(-a)
	}

	hi := mulhu(ua, b)

	if neg {
		lo := ua * b
		hi = ^hi
		if lo == 0 {
			hi++
		}
	}

	return int64(hi)
}

func (h *Hart) execBranch(d Decoded, nextPC *uint64) *Trap {
	a, b := h.Reg(int(d.Rs1)), h.Reg(int(d.Rs2))

	var taken bool

	switch d.Funct3 {
	case 0b000:
		taken = a == b
	case 0b001:
		taken = a != b
	case 0b100:
		taken = int64(a) < int64(b)
	case 0b101:
		taken = int64(a) >= int64(b)
	case 0b110:
		taken = a < b
	case 0b111:
		taken = a >= b
	default:
		return &Trap{Cause: ExcIllegalInstr, Tval: uint64(d.Raw)}
	}

	if taken {
		target := h.pc + uint64(d.Imm)
		if target&0x3 != 0 {
			return &Trap{Cause: ExcInstrMisaligned, Tval: target}
		}

		*nextPC = target
	}

	return nil
}

func (h *Hart) execSystem(ctx context.Context, d Decoded, nextPC *uint64) *Trap {
	if d.Funct3 == 0 {
		top7 := (uint32(d.Imm) >> 5) & 0x7f

		switch {
		case d.Imm == 0x000:
			cause := ExcECallU
			switch h.priv {
			case PrivSupervisor:
				cause = ExcECallS
			case PrivMachine:
				cause = ExcECallM
			}

			return &Trap{Cause: uint64(cause)}

		case d.Imm == 0x001:
			return &Trap{Cause: ExcBreakpoint}

		case d.Imm == 0x302:
			*nextPC = h.mret()
			return nil

		case d.Imm == 0x102:
			*nextPC = h.sret()
			return nil

		case d.Imm == 0x105:
			h.local.WaitForInterrupt()
			return nil

		case top7 == 0x09:
			h.tlb.FlushAll()
			return nil

		default:
			return &Trap{Cause: ExcIllegalInstr, Tval: uint64(d.Raw)}
		}
	}

	return h.execCSR(d)
}

func (h *Hart) execCSR(d Decoded) *Trap {
	addr := uint32(d.Imm) & 0xfff
	old := h.csrRead(addr)

	var src uint64
	if d.Funct3 >= 5 {
		src = uint64(d.Rs1)
	} else {
		src = h.Reg(int(d.Rs1))
	}

	var newVal uint64
	write := true

	switch d.Funct3 {
	case 1, 5:
		newVal = src
	case 2, 6:
		newVal = old | src
		write = src != 0
	case 3, 7:
		newVal = old &^ src
		write = src != 0
	default:
		return &Trap{Cause: ExcIllegalInstr, Tval: uint64(d.Raw)}
	}

	if write {
		h.csrWrite(addr, newVal)
	}

	h.SetReg(int(d.Rd), old)

	return nil
}

func (h *Hart) execAMO(d Decoded) *Trap {
	var width int

	switch d.Funct3 {
	case 0b010:
		width = 4
	case 0b011:
		width = 8
	default:
		return &Trap{Cause: ExcIllegalInstr, Tval: uint64(d.Raw)}
	}

	addr := h.Reg(int(d.Rs1))

	amoMu.Lock()
	defer amoMu.Unlock()

	switch d.Funct5 {
	case 0x02: // LR
		buf, err := h.readBytes(addr, width)
		if err != nil {
			return &Trap{Cause: ExcLoadFault, Tval: addr}
		}

		h.reservation.valid = true
		h.reservation.addr = addr
		h.SetReg(int(d.Rd), uint64(signExtendBytes(buf)))

		return nil

	case 0x03: // SC
		if h.reservation.valid && h.reservation.addr == addr {
			if err := h.writeBytes(addr, putLE64(h.Reg(int(d.Rs2)), width)); err != nil {
				return &Trap{Cause: ExcStoreFault, Tval: addr}
			}

			h.SetReg(int(d.Rd), 0)
		} else {
			h.SetReg(int(d.Rd), 1)
		}

		h.reservation.valid = false

		return nil
	}

	buf, err := h.readBytes(addr, width)
	if err != nil {
		return &Trap{Cause: ExcLoadFault, Tval: addr}
	}

	old := signExtendBytes(buf)
	rs2v := int64(h.Reg(int(d.Rs2)))

	var result int64

	switch d.Funct5 {
	case 0x00:
		result = old + rs2v
	case 0x01:
		result = rs2v
	case 0x04:
		result = old ^ rs2v
	case 0x0c:
		result = old & rs2v
	case 0x08:
		result = old | rs2v
	case 0x10:
		result = minI64(old, rs2v)
	case 0x14:
		result = maxI64(old, rs2v)
	case 0x18:
		result = int64(minU64(uint64(old), uint64(rs2v)))
	case 0x1c:
		result = int64(maxU64(uint64(old), uint64(rs2v)))
	default:
		return &Trap{Cause: ExcIllegalInstr, Tval: uint64(d.Raw)}
	}

	if err := h.writeBytes(addr, putLE64(uint64(result), width)); err != nil {
		return &Trap{Cause: ExcStoreFault, Tval: addr}
	}

	h.SetReg(int(d.Rd), uint64(old))

	return nil
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
