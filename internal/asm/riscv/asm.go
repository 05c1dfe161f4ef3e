// Package riscv assembles RV64IM fragments and wraps them in ELF images.
package riscv

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/plash/internal/asm"
)

const (
	X0 asm.Variable = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
	X31
)

// ABI register names.
const (
	Zero = X0
	RA   = X1
	SP   = X2
	GP   = X3
	TP   = X4
	T0   = X5
	T1   = X6
	T2   = X7
	S0   = X8
	S1   = X9
	A0   = X10
	A1   = X11
	A2   = X12
	A3   = X13
	A4   = X14
	A5   = X15
	A6   = X16
	A7   = X17
	S2   = X18
	T3   = X28
)

// Opcodes.
const (
	opLoad   = 0x03
	opOpImm  = 0x13
	opAuipc  = 0x17
	opStore  = 0x23
	opOp     = 0x33
	opLui    = 0x37
	opBranch = 0x63
	opJalr   = 0x67
	opJal    = 0x6f
	opSystem = 0x73
)

type addImmediate struct {
	rd  asm.Variable
	rs1 asm.Variable
	imm int32
}

type shiftImmediate struct {
	rd    asm.Variable
	shamt uint32
	f3    uint32
	f6    uint32
}

// AddRegImm emits ADDI rd, rd, imm.
func AddRegImm(rd asm.Variable, imm int32) asm.Fragment {
	return addImmediate{rd: rd, rs1: rd, imm: imm}
}

// Addi emits ADDI rd, rs1, imm.
func Addi(rd, rs1 asm.Variable, imm int32) asm.Fragment {
	return addImmediate{rd: rd, rs1: rs1, imm: imm}
}

// Mv copies rs into rd.
func Mv(rd, rs asm.Variable) asm.Fragment {
	return addImmediate{rd: rd, rs1: rs}
}

// Nop emits ADDI x0, x0, 0.
func Nop() asm.Fragment { return addImmediate{} }

// MovImmediate loads an immediate into rd, using ADDI when possible and LUI+ADDI
// for wider values. When emitting values with bit 31 set, the result is
// zero-extended to avoid LUI sign-extension on RV64.
func MovImmediate(rd asm.Variable, value int64) asm.Fragment {
	return &loadImmediate{rd: rd, value: value}
}

type loadImmediate struct {
	rd    asm.Variable
	value int64
}

// Slli shifts rd left by shamt bits.
func Slli(rd asm.Variable, shamt uint32) asm.Fragment {
	return shiftImmediate{rd: rd, shamt: shamt, f3: 1}
}

// Srli shifts rd right logically by shamt bits.
func Srli(rd asm.Variable, shamt uint32) asm.Fragment {
	return shiftImmediate{rd: rd, shamt: shamt, f3: 5}
}

// Srai shifts rd right arithmetically by shamt bits.
func Srai(rd asm.Variable, shamt uint32) asm.Fragment {
	return shiftImmediate{rd: rd, shamt: shamt, f3: 5, f6: 0x10}
}

type memAccess struct {
	reg  asm.Variable // rd for loads, rs2 for stores
	base asm.Variable
	imm  int32
	f3   uint32
	op   uint32
}

// Access widths for Load and Store.
const (
	Byte   = 0
	Half   = 1
	Word   = 2
	Double = 3

	unsigned = 4
)

// MovToMemory writes rs2 to [rs1+imm] using SD.
func MovToMemory(base asm.Variable, src asm.Variable, imm int32) asm.Fragment {
	return Store(Double, base, src, imm)
}

// MovFromMemory loads [rs1+imm] into rd using LD.
func MovFromMemory(rd asm.Variable, base asm.Variable, imm int32) asm.Fragment {
	return Load(Double, rd, base, imm)
}

// Store writes the low bytes of src to [base+imm].
func Store(width uint32, base, src asm.Variable, imm int32) asm.Fragment {
	return memAccess{reg: src, base: base, imm: imm, f3: width, op: opStore}
}

// Load reads [base+imm] into rd, sign-extending sub-doubleword values.
func Load(width uint32, rd, base asm.Variable, imm int32) asm.Fragment {
	return memAccess{reg: rd, base: base, imm: imm, f3: width, op: opLoad}
}

// LoadUnsigned is Load with zero extension.
func LoadUnsigned(width uint32, rd, base asm.Variable, imm int32) asm.Fragment {
	return memAccess{reg: rd, base: base, imm: imm, f3: width | unsigned, op: opLoad}
}

type regOp struct {
	rd, rs1, rs2 asm.Variable
	f3, f7       uint32
}

func Add(rd, rs1, rs2 asm.Variable) asm.Fragment  { return regOp{rd, rs1, rs2, 0, 0} }
func Sub(rd, rs1, rs2 asm.Variable) asm.Fragment  { return regOp{rd, rs1, rs2, 0, 0x20} }
func And(rd, rs1, rs2 asm.Variable) asm.Fragment  { return regOp{rd, rs1, rs2, 7, 0} }
func Or(rd, rs1, rs2 asm.Variable) asm.Fragment   { return regOp{rd, rs1, rs2, 6, 0} }
func Xor(rd, rs1, rs2 asm.Variable) asm.Fragment  { return regOp{rd, rs1, rs2, 4, 0} }
func Mul(rd, rs1, rs2 asm.Variable) asm.Fragment  { return regOp{rd, rs1, rs2, 0, 1} }
func Div(rd, rs1, rs2 asm.Variable) asm.Fragment  { return regOp{rd, rs1, rs2, 4, 1} }
func Remu(rd, rs1, rs2 asm.Variable) asm.Fragment { return regOp{rd, rs1, rs2, 7, 1} }

type jumpReg struct {
	rd, rs1 asm.Variable
	imm     int32
}

// Jalr jumps to rs1+imm, writing the return address to rd.
func Jalr(rd, rs1 asm.Variable, imm int32) asm.Fragment {
	return jumpReg{rd: rd, rs1: rs1, imm: imm}
}

// Ret returns through ra.
func Ret() asm.Fragment { return jumpReg{rd: X0, rs1: RA} }

type system uint32

// Ecall traps to the execution environment.
func Ecall() asm.Fragment { return system(0) }

// Ebreak raises a breakpoint exception.
func Ebreak() asm.Fragment { return system(1) }

// Exit emits the exit system call with the status in a0 already set.
func Exit() asm.Fragment {
	return asm.Group{MovImmediate(A7, 93), Ecall()}
}

func (l addImmediate) Emit(ctx asm.Context) error {
	insn, err := encodeI(l.imm, uint32(l.rs1), 0, uint32(l.rd), opOpImm)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

func (l *loadImmediate) Emit(ctx asm.Context) error {
	// If the value fits in a 12-bit signed immediate, a single ADDI is enough.
	if l.value >= -2048 && l.value <= 2047 {
		insn, err := encodeI(int32(l.value), uint32(X0), 0, uint32(l.rd), opOpImm)
		if err != nil {
			return err
		}
		emitInsn(ctx, insn)
		return nil
	}
	if l.value < math.MinInt32 || l.value > math.MaxUint32 {
		return fmt.Errorf("riscv: immediate %#x wider than 32 bits", l.value)
	}

	zeroExtend := l.value > math.MaxInt32

	hi := (l.value + (1 << 11)) >> 12
	lo := l.value - (hi << 12)

	lui, err := encodeU(int32(hi), uint32(l.rd), opLui)
	if err != nil {
		return err
	}
	addi, err := encodeI(int32(lo), uint32(l.rd), 0, uint32(l.rd), opOpImm)
	if err != nil {
		return err
	}

	emitInsn(ctx, lui)
	emitInsn(ctx, addi)
	if zeroExtend {
		emitInsn(ctx, mustEncodeShift(l.rd, 32, 1, 0))
		emitInsn(ctx, mustEncodeShift(l.rd, 32, 5, 0))
	}
	return nil
}

func (m memAccess) Emit(ctx asm.Context) error {
	var (
		insn uint32
		err  error
	)
	if m.op == opStore {
		insn, err = encodeS(m.imm, uint32(m.base), uint32(m.reg), m.f3, m.op)
	} else {
		insn, err = encodeI(m.imm, uint32(m.base), m.f3, uint32(m.reg), m.op)
	}
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

func (s shiftImmediate) Emit(ctx asm.Context) error {
	if s.shamt > 63 {
		return fmt.Errorf("riscv: shift amount %d out of range", s.shamt)
	}
	emitInsn(ctx, mustEncodeShift(s.rd, s.shamt, s.f3, s.f6))
	return nil
}

func (r regOp) Emit(ctx asm.Context) error {
	emitInsn(ctx, encodeR(r.f7, uint32(r.rs2), uint32(r.rs1), r.f3, uint32(r.rd), opOp))
	return nil
}

func (j jumpReg) Emit(ctx asm.Context) error {
	insn, err := encodeI(j.imm, uint32(j.rs1), 0, uint32(j.rd), opJalr)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

func (s system) Emit(ctx asm.Context) error {
	insn, err := encodeI(int32(s), 0, 0, 0, opSystem)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

func emitInsn(ctx asm.Context, insn uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], insn)
	ctx.EmitBytes(buf[:])
}

func encodeR(funct7, rs2, rs1, funct3, rd, opcode uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encodeI(imm int32, rs1 uint32, funct3 uint32, rd uint32, opcode uint32) (uint32, error) {
	if imm < -2048 || imm > 2047 {
		return 0, fmt.Errorf("riscv: immediate %d out of range for I-type", imm)
	}
	uimm := uint32(imm) & 0xfff
	return (uimm << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode, nil
}

func encodeS(imm int32, rs1 uint32, rs2 uint32, funct3 uint32, opcode uint32) (uint32, error) {
	if imm < -2048 || imm > 2047 {
		return 0, fmt.Errorf("riscv: immediate %d out of range for S-type", imm)
	}
	uimm := uint32(imm) & 0xfff
	immHi := (uimm >> 5) & 0x7f
	immLo := uimm & 0x1f

	return (immHi << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (immLo << 7) | opcode, nil
}

func encodeU(imm int32, rd uint32, opcode uint32) (uint32, error) {
	uimm := uint32(imm) & 0xfffff
	return (uimm << 12) | (rd << 7) | opcode, nil
}

func encodeB(imm int32, rs1, rs2, funct3 uint32) (uint32, error) {
	if imm%2 != 0 || imm < -4096 || imm > 4094 {
		return 0, fmt.Errorf("riscv: branch offset %d out of range", imm)
	}
	u := uint32(imm)
	return (u>>12&1)<<31 | (u>>5&0x3f)<<25 | rs2<<20 | rs1<<15 | funct3<<12 |
		(u>>1&0xf)<<8 | (u>>11&1)<<7 | opBranch, nil
}

func encodeJ(imm int32, rd uint32) (uint32, error) {
	if imm%2 != 0 || imm < -(1<<20) || imm >= 1<<20 {
		return 0, fmt.Errorf("riscv: jump offset %d out of range", imm)
	}
	u := uint32(imm)
	return (u>>20&1)<<31 | (u>>1&0x3ff)<<21 | (u>>11&1)<<20 | (u>>12&0xff)<<12 | rd<<7 | opJal, nil
}

func mustEncodeShift(rd asm.Variable, shamt uint32, f3 uint32, f6 uint32) uint32 {
	insn, err := encodeI(int32(f6<<6|shamt), uint32(rd), f3, uint32(rd), opOpImm)
	if err != nil {
		panic(err)
	}
	return insn
}
