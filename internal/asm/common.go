// Package asm is a tiny fragment-based assembler core. Architecture packages
// provide the instruction fragments and the emitter.
package asm

import (
	"fmt"
	"maps"
)

type Variable int

type Context interface {
	EmitBytes(data []byte)
	// Len returns the number of bytes emitted so far.
	Len() int

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Label string

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

type rawBytes []byte

// Bytes emits data verbatim.
func Bytes(data []byte) Fragment {
	return rawBytes(append([]byte(nil), data...))
}

// String emits s followed by a NUL byte.
func String(s string) Fragment {
	return rawBytes(append([]byte(s), 0))
}

func (b rawBytes) Emit(ctx Context) error {
	ctx.EmitBytes(b)
	return nil
}

type align int

// Align pads with zero bytes up to the next multiple of n, which must be a
// power of two.
func Align(n int) Fragment { return align(n) }

func (a align) Emit(ctx Context) error {
	n := int(a)
	if n <= 0 || n&(n-1) != 0 {
		return fmt.Errorf("alignment %d is not a power of two", n)
	}
	if pad := (n - ctx.Len()%n) % n; pad > 0 {
		ctx.EmitBytes(make([]byte, pad))
	}
	return nil
}

type Program struct {
	code   []byte
	labels map[Label]int
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Len() int { return len(p.code) }

// Label returns the offset of a label defined while emitting the program.
func (p Program) Label(l Label) (int, bool) {
	off, ok := p.labels[l]
	return off, ok
}

// MustLabel is Label for callers that defined the label themselves.
func (p Program) MustLabel(l Label) int {
	off, ok := p.labels[l]
	if !ok {
		panic(fmt.Sprintf("asm: label %q not defined", l))
	}
	return off
}

func (p Program) Clone() Program {
	return NewProgram(p.code, p.labels)
}

func NewProgram(code []byte, labels map[Label]int) Program {
	return Program{
		code:   append([]byte(nil), code...),
		labels: maps.Clone(labels),
	}
}
