package riscv

import (
	"fmt"

	"github.com/tinyrange/plash/internal/asm"
)

type labelRef struct {
	label asm.Label
	kind  fixupKind
	// placeholder instructions, patched once the label is known
	insns []uint32
}

func (r labelRef) Emit(ctx asm.Context) error {
	fc, ok := ctx.(fixupContext)
	if !ok {
		return fmt.Errorf("riscv: context %T cannot resolve label %q", ctx, r.label)
	}
	fc.addFixup(fixup{at: ctx.Len(), label: r.label, kind: r.kind})
	for _, insn := range r.insns {
		emitInsn(ctx, insn)
	}
	return nil
}

func branch(f3 uint32, rs1, rs2 asm.Variable, target asm.Label) asm.Fragment {
	return labelRef{
		label: target,
		kind:  fixupBranch,
		insns: []uint32{uint32(rs2)<<20 | uint32(rs1)<<15 | f3<<12 | opBranch},
	}
}

func Beq(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment  { return branch(0, rs1, rs2, target) }
func Bne(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment  { return branch(1, rs1, rs2, target) }
func Blt(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment  { return branch(4, rs1, rs2, target) }
func Bge(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment  { return branch(5, rs1, rs2, target) }
func Bltu(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment { return branch(6, rs1, rs2, target) }
func Bgeu(rs1, rs2 asm.Variable, target asm.Label) asm.Fragment { return branch(7, rs1, rs2, target) }

// Beqz branches to target when rs is zero.
func Beqz(rs asm.Variable, target asm.Label) asm.Fragment { return Beq(rs, X0, target) }

// Jal jumps to target, writing the return address to rd.
func Jal(rd asm.Variable, target asm.Label) asm.Fragment {
	return labelRef{label: target, kind: fixupJal, insns: []uint32{uint32(rd)<<7 | opJal}}
}

// J jumps to target.
func J(target asm.Label) asm.Fragment { return Jal(X0, target) }

// Call jumps to target, linking through ra.
func Call(target asm.Label) asm.Fragment { return Jal(RA, target) }

// La loads the address of target into rd (AUIPC + ADDI).
func La(rd asm.Variable, target asm.Label) asm.Fragment {
	return labelRef{
		label: target,
		kind:  fixupPCRel,
		insns: []uint32{
			uint32(rd)<<7 | opAuipc,
			uint32(rd)<<15 | uint32(rd)<<7 | opOpImm,
		},
	}
}

// LoadLabel loads the doubleword stored at target into rd (AUIPC + LD).
func LoadLabel(rd asm.Variable, target asm.Label) asm.Fragment {
	return labelRef{
		label: target,
		kind:  fixupPCRel,
		insns: []uint32{
			uint32(rd)<<7 | opAuipc,
			uint32(rd)<<15 | Double<<12 | uint32(rd)<<7 | opLoad,
		},
	}
}

// Dword emits a little-endian doubleword, typically a GOT slot.
func Dword(v uint64) asm.Fragment {
	var b [8]byte
	for i := range b {
		b[i] = byte(v >> (8 * i))
	}
	return asm.Bytes(b[:])
}
