package riscv

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/plash/internal/asm"
)

type fixupKind int

const (
	fixupBranch fixupKind = iota
	fixupJal
	fixupPCRel // AUIPC at the fixup offset, I- or S-type low half right after
)

type fixup struct {
	at    int
	label asm.Label
	kind  fixupKind
}

// fixupContext is implemented by emitters that can patch forward references.
type fixupContext interface {
	asm.Context
	addFixup(f fixup)
}

type emitter struct {
	code   []byte
	labels map[asm.Label]int
	fixups []fixup
}

// EmitBytes implements asm.Context.
func (e *emitter) EmitBytes(data []byte) {
	e.code = append(e.code, data...)
}

// Len implements asm.Context.
func (e *emitter) Len() int { return len(e.code) }

// GetLabel implements asm.Context.
func (e *emitter) GetLabel(label asm.Label) (int, bool) {
	if e.labels == nil {
		return 0, false
	}
	offset, ok := e.labels[label]
	return offset, ok
}

// SetLabel implements asm.Context.
func (e *emitter) SetLabel(label asm.Label) {
	if e.labels == nil {
		e.labels = make(map[asm.Label]int)
	}
	e.labels[label] = len(e.code)
}

func (e *emitter) addFixup(f fixup) {
	e.fixups = append(e.fixups, f)
}

func (e *emitter) resolve() error {
	for _, f := range e.fixups {
		target, ok := e.labels[f.label]
		if !ok {
			return fmt.Errorf("riscv: undefined label %q", f.label)
		}
		rel := int64(target - f.at)

		insn := binary.LittleEndian.Uint32(e.code[f.at:])
		switch f.kind {
		case fixupBranch:
			patched, err := encodeB(int32(rel), insn>>15&0x1f, insn>>20&0x1f, insn>>12&7)
			if err != nil {
				return fmt.Errorf("riscv: branch to %q: %w", f.label, err)
			}
			binary.LittleEndian.PutUint32(e.code[f.at:], patched)
		case fixupJal:
			patched, err := encodeJ(int32(rel), insn>>7&0x1f)
			if err != nil {
				return fmt.Errorf("riscv: jump to %q: %w", f.label, err)
			}
			binary.LittleEndian.PutUint32(e.code[f.at:], patched)
		case fixupPCRel:
			hi := (rel + 1<<11) >> 12
			lo := rel - hi<<12
			auipc, _ := encodeU(int32(hi), insn>>7&0x1f, opAuipc)
			binary.LittleEndian.PutUint32(e.code[f.at:], auipc)

			next := binary.LittleEndian.Uint32(e.code[f.at+4:])
			var (
				patched uint32
				err     error
			)
			if next&0x7f == opStore {
				patched, err = encodeS(int32(lo), next>>15&0x1f, next>>20&0x1f, next>>12&7, opStore)
			} else {
				patched, err = encodeI(int32(lo), next>>15&0x1f, next>>12&7, next>>7&0x1f, next&0x7f)
			}
			if err != nil {
				return fmt.Errorf("riscv: pc-relative reference to %q: %w", f.label, err)
			}
			binary.LittleEndian.PutUint32(e.code[f.at+4:], patched)
		}
	}
	return nil
}

// EmitProgram lowers the provided fragment into an asm.Program.
func EmitProgram(frag asm.Fragment) (asm.Program, error) {
	if frag == nil {
		return asm.Program{}, fmt.Errorf("riscv: fragment must be non-nil")
	}

	em := &emitter{
		code:   make([]byte, 0, 64),
		labels: make(map[asm.Label]int),
	}

	if err := frag.Emit(em); err != nil {
		return asm.Program{}, err
	}
	if err := em.resolve(); err != nil {
		return asm.Program{}, err
	}

	return asm.NewProgram(em.code, em.labels), nil
}
