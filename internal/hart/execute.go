package hart

import "math/bits"

// Opcode constants
const (
	opLoad    = 0b0000011
	opMiscMem = 0b0001111
	opOpImm   = 0b0010011
	opAuipc   = 0b0010111
	opOpImm32 = 0b0011011
	opStore   = 0b0100011
	opOp      = 0b0110011
	opLui     = 0b0110111
	opOp32    = 0b0111011
	opBranch  = 0b1100011
	opJalr    = 0b1100111
	opJal     = 0b1101111
	opSystem  = 0b1110011
)

// Instruction field extraction
func opcode(insn uint32) uint32 { return insn & 0x7f }
func rd(insn uint32) int        { return int(insn>>7) & 0x1f }
func funct3(insn uint32) uint32 { return (insn >> 12) & 0x7 }
func rs1(insn uint32) int       { return int(insn>>15) & 0x1f }
func rs2(insn uint32) int       { return int(insn>>20) & 0x1f }
func funct7(insn uint32) uint32 { return (insn >> 25) & 0x7f }

func signExtend(val uint64, bits int) int64 {
	shift := 64 - bits
	return int64(val<<shift) >> shift
}

// Immediate extraction
func immI(insn uint32) int64 { return signExtend(uint64(insn>>20), 12) }

func immS(insn uint32) int64 {
	imm := (insn>>7)&0x1f | (insn>>25&0x7f)<<5
	return signExtend(uint64(imm), 12)
}

func immB(insn uint32) int64 {
	imm := (insn>>8&0xf)<<1 | (insn>>25&0x3f)<<5 | (insn>>7&1)<<11 | (insn>>31&1)<<12
	return signExtend(uint64(imm), 13)
}

func immU(insn uint32) int64 { return signExtend(uint64(insn&0xfffff000), 32) }

func immJ(insn uint32) int64 {
	imm := (insn>>21&0x3ff)<<1 | (insn>>20&1)<<11 | (insn>>12&0xff)<<12 | (insn>>31&1)<<20
	return signExtend(uint64(imm), 21)
}

func illegal(insn uint32) error { return exception(CauseIllegalInsn, uint64(insn)) }

func (h *Hart) execute(insn uint32) error {
	switch opcode(insn) {
	case opLui:
		h.SetReg(rd(insn), uint64(immU(insn)))
	case opAuipc:
		h.SetReg(rd(insn), uint64(int64(h.PC)+immU(insn)))
	case opJal:
		h.SetReg(rd(insn), h.PC+4)
		h.next = uint64(int64(h.PC) + immJ(insn))
	case opJalr:
		target := uint64(int64(h.Reg(rs1(insn)))+immI(insn)) &^ 1
		h.SetReg(rd(insn), h.PC+4)
		h.next = target
	case opBranch:
		return h.execBranch(insn)
	case opLoad:
		return h.execLoad(insn)
	case opStore:
		return h.execStore(insn)
	case opOpImm:
		return h.execOpImm(insn)
	case opOpImm32:
		return h.execOpImm32(insn)
	case opOp:
		return h.execOp(insn)
	case opOp32:
		return h.execOp32(insn)
	case opMiscMem:
		// FENCE and FENCE.I: a single hart sees its own accesses in order.
		if funct3(insn) > 1 {
			return illegal(insn)
		}
	case opSystem:
		return h.execSystem(insn)
	default:
		return illegal(insn)
	}
	return nil
}

func (h *Hart) execBranch(insn uint32) error {
	r1 := h.Reg(rs1(insn))
	r2 := h.Reg(rs2(insn))

	var taken bool
	switch funct3(insn) {
	case 0b000: // BEQ
		taken = r1 == r2
	case 0b001: // BNE
		taken = r1 != r2
	case 0b100: // BLT
		taken = int64(r1) < int64(r2)
	case 0b101: // BGE
		taken = int64(r1) >= int64(r2)
	case 0b110: // BLTU
		taken = r1 < r2
	case 0b111: // BGEU
		taken = r1 >= r2
	default:
		return illegal(insn)
	}
	if taken {
		h.next = uint64(int64(h.PC) + immB(insn))
	}
	return nil
}

func (h *Hart) execLoad(insn uint32) error {
	addr := uint64(int64(h.Reg(rs1(insn))) + immI(insn))

	f3 := funct3(insn)
	if f3 == 0b111 {
		return illegal(insn)
	}
	size := 1 << (f3 & 3)
	v, err := h.load(addr, size)
	if err != nil {
		return err
	}
	if f3&0b100 == 0 && size < 8 {
		v = uint64(signExtend(v, size*8))
	}
	h.SetReg(rd(insn), v)
	return nil
}

func (h *Hart) execStore(insn uint32) error {
	addr := uint64(int64(h.Reg(rs1(insn))) + immS(insn))
	f3 := funct3(insn)
	if f3 > 0b011 {
		return illegal(insn)
	}
	return h.store(addr, 1<<f3, h.Reg(rs2(insn)))
}

func (h *Hart) execOpImm(insn uint32) error {
	r1 := h.Reg(rs1(insn))
	imm := immI(insn)
	sh := (insn >> 20) & 0x3f

	var val uint64
	switch funct3(insn) {
	case 0b000: // ADDI
		val = uint64(int64(r1) + imm)
	case 0b001: // SLLI
		val = r1 << sh
	case 0b010: // SLTI
		if int64(r1) < imm {
			val = 1
		}
	case 0b011: // SLTIU
		if r1 < uint64(imm) {
			val = 1
		}
	case 0b100: // XORI
		val = r1 ^ uint64(imm)
	case 0b101: // SRLI/SRAI
		if insn>>30&1 == 1 {
			val = uint64(int64(r1) >> sh)
		} else {
			val = r1 >> sh
		}
	case 0b110: // ORI
		val = r1 | uint64(imm)
	case 0b111: // ANDI
		val = r1 & uint64(imm)
	}
	h.SetReg(rd(insn), val)
	return nil
}

func (h *Hart) execOpImm32(insn uint32) error {
	r1 := uint32(h.Reg(rs1(insn)))
	sh := (insn >> 20) & 0x1f

	var val int32
	switch funct3(insn) {
	case 0b000: // ADDIW
		val = int32(r1) + int32(immI(insn))
	case 0b001: // SLLIW
		val = int32(r1 << sh)
	case 0b101: // SRLIW/SRAIW
		if insn>>30&1 == 1 {
			val = int32(r1) >> sh
		} else {
			val = int32(r1 >> sh)
		}
	default:
		return illegal(insn)
	}
	h.SetReg(rd(insn), uint64(int64(val)))
	return nil
}

func (h *Hart) execOp(insn uint32) error {
	r1 := h.Reg(rs1(insn))
	r2 := h.Reg(rs2(insn))
	f7 := funct7(insn)

	if f7 == 0b0000001 {
		return h.execOpM(insn, r1, r2)
	}
	if f7 != 0 && f7 != 0b0100000 {
		return illegal(insn)
	}

	var val uint64
	switch funct3(insn) {
	case 0b000: // ADD/SUB
		if f7 == 0b0100000 {
			val = r1 - r2
		} else {
			val = r1 + r2
		}
	case 0b001: // SLL
		val = r1 << (r2 & 0x3f)
	case 0b010: // SLT
		if int64(r1) < int64(r2) {
			val = 1
		}
	case 0b011: // SLTU
		if r1 < r2 {
			val = 1
		}
	case 0b100: // XOR
		val = r1 ^ r2
	case 0b101: // SRL/SRA
		if f7 == 0b0100000 {
			val = uint64(int64(r1) >> (r2 & 0x3f))
		} else {
			val = r1 >> (r2 & 0x3f)
		}
	case 0b110: // OR
		val = r1 | r2
	case 0b111: // AND
		val = r1 & r2
	}
	h.SetReg(rd(insn), val)
	return nil
}

// M extension
func (h *Hart) execOpM(insn uint32, r1, r2 uint64) error {
	var val uint64
	switch funct3(insn) {
	case 0b000: // MUL
		val = r1 * r2
	case 0b001: // MULH
		hi, _ := bits.Mul64(r1, r2)
		// Correct the unsigned high word for negative operands.
		if int64(r1) < 0 {
			hi -= r2
		}
		if int64(r2) < 0 {
			hi -= r1
		}
		val = hi
	case 0b010: // MULHSU
		hi, _ := bits.Mul64(r1, r2)
		if int64(r1) < 0 {
			hi -= r2
		}
		val = hi
	case 0b011: // MULHU
		val, _ = bits.Mul64(r1, r2)
	case 0b100: // DIV
		switch {
		case r2 == 0:
			val = ^uint64(0)
		case r1 == 1<<63 && r2 == ^uint64(0):
			val = r1
		default:
			val = uint64(int64(r1) / int64(r2))
		}
	case 0b101: // DIVU
		if r2 == 0 {
			val = ^uint64(0)
		} else {
			val = r1 / r2
		}
	case 0b110: // REM
		switch {
		case r2 == 0:
			val = r1
		case r1 == 1<<63 && r2 == ^uint64(0):
			val = 0
		default:
			val = uint64(int64(r1) % int64(r2))
		}
	case 0b111: // REMU
		if r2 == 0 {
			val = r1
		} else {
			val = r1 % r2
		}
	}
	h.SetReg(rd(insn), val)
	return nil
}

func (h *Hart) execOp32(insn uint32) error {
	r1 := uint32(h.Reg(rs1(insn)))
	r2 := uint32(h.Reg(rs2(insn)))
	f7 := funct7(insn)

	var val int32
	switch {
	case f7 == 0b0000001:
		switch funct3(insn) {
		case 0b000: // MULW
			val = int32(r1 * r2)
		case 0b100: // DIVW
			switch {
			case r2 == 0:
				val = -1
			case r1 == 1<<31 && r2 == ^uint32(0):
				val = int32(r1)
			default:
				val = int32(r1) / int32(r2)
			}
		case 0b101: // DIVUW
			if r2 == 0 {
				val = -1
			} else {
				val = int32(r1 / r2)
			}
		case 0b110: // REMW
			switch {
			case r2 == 0:
				val = int32(r1)
			case r1 == 1<<31 && r2 == ^uint32(0):
				val = 0
			default:
				val = int32(r1) % int32(r2)
			}
		case 0b111: // REMUW
			if r2 == 0 {
				val = int32(r1)
			} else {
				val = int32(r1 % r2)
			}
		default:
			return illegal(insn)
		}
	case funct3(insn) == 0b000: // ADDW/SUBW
		if f7 == 0b0100000 {
			val = int32(r1 - r2)
		} else {
			val = int32(r1 + r2)
		}
	case funct3(insn) == 0b001: // SLLW
		val = int32(r1 << (r2 & 0x1f))
	case funct3(insn) == 0b101: // SRLW/SRAW
		if f7 == 0b0100000 {
			val = int32(r1) >> (r2 & 0x1f)
		} else {
			val = int32(r1 >> (r2 & 0x1f))
		}
	default:
		return illegal(insn)
	}
	h.SetReg(rd(insn), uint64(int64(val)))
	return nil
}

func (h *Hart) execSystem(insn uint32) error {
	if funct3(insn) != 0 {
		// CSR access is not implemented.
		return illegal(insn)
	}
	switch insn >> 20 {
	case 0: // ECALL
		return h.ecall()
	case 1: // EBREAK
		return exception(CauseBreakpoint, h.PC)
	default:
		return illegal(insn)
	}
}
