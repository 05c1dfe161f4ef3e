package testutil

import (
	"fmt"
	"strings"
	"testing"
)

// Expectation is one instruction the disassembly must contain. Operands are
// substrings of the normalized text, where operands are joined by a bare
// comma and registers use their numeric x names.
type Expectation struct {
	Name     string
	Mnemonic string
	Operands []string
}

func (e Expectation) mismatch(line DisasmLine) string {
	var problems []string
	if e.Mnemonic != "" && line.Mnemonic != e.Mnemonic {
		problems = append(problems, fmt.Sprintf("mnemonic %s, want %s", line.Mnemonic, e.Mnemonic))
	}
	for _, op := range e.Operands {
		if !line.Contains(op) {
			problems = append(problems, fmt.Sprintf("no %q", op))
		}
	}
	return strings.Join(problems, "; ")
}

// VerifyExpectations matches lines against expect position by position and
// reports every mismatch. Padding after the last expectation is ignored.
func VerifyExpectations(t *testing.T, lines []DisasmLine, expect []Expectation) {
	t.Helper()
	for idx, exp := range expect {
		if idx >= len(lines) {
			t.Errorf("%s: missing, disassembly ended after %d instructions", exp.Name, len(lines))
			return
		}
		if msg := exp.mismatch(lines[idx]); msg != "" {
			t.Errorf("%s at %d: %s\n\t%s", exp.Name, idx, msg, lines[idx].Text)
		}
	}
}
