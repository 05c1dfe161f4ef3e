// Package testutil cross-checks assembled code against an external RISC-V
// disassembler. Tests skip when no disassembler is installed.
package testutil

import (
	"bufio"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// DisasmLine represents a single instruction line emitted by objdump.
type DisasmLine struct {
	Text       string
	Normalized string
	Mnemonic   string
}

// Contains reports whether the normalized instruction text contains the provided substring.
func (l DisasmLine) Contains(substr string) bool {
	return strings.Contains(l.Normalized, substr)
}

// disassemblers are tried in order. llvm-objdump needs the target spelled
// out; the GNU cross tools infer it from e_machine.
var disassemblers = []struct {
	tool string
	args []string
}{
	{"riscv64-linux-gnu-objdump", []string{"-d", "--no-show-raw-insn", "-M", "no-aliases,numeric"}},
	{"riscv64-unknown-elf-objdump", []string{"-d", "--no-show-raw-insn", "-M", "no-aliases,numeric"}},
	{"llvm-objdump", []string{"-d", "--no-show-raw-insn", "--triple=riscv64", "--mattr=+m", "-M", "no-aliases", "-M", "numeric"}},
}

// Disassemble wraps code in a relocatable RISC-V ELF and disassembles it with
// the first tool found on PATH.
func Disassemble(t *testing.T, code []byte) []DisasmLine {
	t.Helper()

	var (
		toolPath string
		args     []string
	)
	for _, d := range disassemblers {
		if p, err := exec.LookPath(d.tool); err == nil {
			toolPath, args = p, d.args
			break
		}
	}
	if toolPath == "" {
		t.Skip("no RISC-V disassembler found")
	}

	obj, err := wrapText(code)
	if err != nil {
		t.Fatalf("wrap code: %v", err)
	}
	path := filepath.Join(t.TempDir(), "code.o")
	if err := os.WriteFile(path, obj, 0o644); err != nil {
		t.Fatalf("write temp ELF: %v", err)
	}

	output, err := exec.Command(toolPath, append(args, path)...).CombinedOutput()
	if err != nil {
		t.Fatalf("%s failed: %v\n\n%s", filepath.Base(toolPath), err, output)
	}

	lines, err := parseObjdumpOutput(string(output))
	if err != nil {
		t.Fatalf("parse objdump output: %v", err)
	}
	if len(lines) == 0 {
		t.Fatalf("objdump produced no instructions:\n%s", output)
	}
	return lines
}

// wrapText builds an ELF64 ET_REL with a single .text section holding code.
func wrapText(code []byte) ([]byte, error) {
	const (
		headerSize  = 64
		sectionSize = 64
	)
	shstr := []byte("\x00.text\x00.shstrtab\x00")
	textOff := uint64(headerSize)
	shstrOff := textOff + uint64(len(code))
	shoff := (shstrOff + uint64(len(shstr)) + 7) &^ 7

	hdr := elf.Header64{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    headerSize,
		Shentsize: sectionSize,
		Shnum:     3,
		Shstrndx:  2,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	sections := []elf.Section64{
		{},
		{
			Name:      1,
			Type:      uint32(elf.SHT_PROGBITS),
			Flags:     uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Off:       textOff,
			Size:      uint64(len(code)),
			Addralign: 4,
		},
		{
			Name:      7,
			Type:      uint32(elf.SHT_STRTAB),
			Off:       shstrOff,
			Size:      uint64(len(shstr)),
			Addralign: 1,
		},
	}

	out, err := binary.Append(nil, binary.LittleEndian, &hdr)
	if err != nil {
		return nil, err
	}
	out = append(out, code...)
	out = append(out, shstr...)
	for uint64(len(out)) < shoff {
		out = append(out, 0)
	}
	for i := range sections {
		if out, err = binary.Append(out, binary.LittleEndian, &sections[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func parseObjdumpOutput(out string) ([]DisasmLine, error) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	var lines []DisasmLine
	for scanner.Scan() {
		line := scanner.Text()
		colon := strings.IndexRune(line, ':')
		if colon == -1 {
			continue
		}
		text := strings.TrimSpace(line[colon+1:])
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "<unknown>") {
			return nil, fmt.Errorf("undecodable instruction: %s", strings.TrimSpace(line))
		}
		if strings.HasPrefix(text, "<") {
			continue
		}
		if strings.HasPrefix(text, ".") || strings.HasPrefix(text, "file format") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		lines = append(lines, DisasmLine{
			Text:       text,
			Normalized: strings.ReplaceAll(strings.Join(fields, " "), ", ", ","),
			Mnemonic:   strings.ToLower(fields[0]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan objdump output: %w", err)
	}
	return lines, nil
}
