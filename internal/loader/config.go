package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/plash/internal/paging"
)

// Allocator kinds accepted by Config.Allocator.
const (
	AllocatorBitmap = "bitmap"
	AllocatorEarly  = "early"
)

// Hex is an integer that reads from YAML as hex (0x...) or decimal, with
// optional underscores between digits.
type Hex uint64

// UnmarshalYAML implements yaml.Unmarshaler for Hex.
func (h *Hex) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", s, err)
	}
	*h = Hex(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Hex.
func (h Hex) MarshalYAML() (any, error) {
	return h.String(), nil
}

func (h Hex) String() string { return fmt.Sprintf("%#x", uint64(h)) }

// Config describes the simulated platform and the limits applied to every
// application.
type Config struct {
	// FlashBase is the physical address the image is mapped at.
	FlashBase Hex `yaml:"flash_base"`
	// PhysVirtOffset is the kernel identity window: kva = pa + offset.
	PhysVirtOffset Hex `yaml:"phys_virt_offset"`

	RAMBase Hex `yaml:"ram_base"`
	RAMSize Hex `yaml:"ram_size"`

	// The kernel block is mapped into every address space as a single
	// gigapage leaf so tasks can reach their stacks, heaps and the export
	// trampolines.
	KernelBase Hex `yaml:"kernel_base"`
	KernelPhys Hex `yaml:"kernel_phys"`
	KernelSize Hex `yaml:"kernel_size"`

	Allocator string `yaml:"allocator"`
	StackSize Hex    `yaml:"stack_size"`

	// MaxSteps bounds each application; zero means unbounded.
	MaxSteps uint64 `yaml:"max_steps"`
	// Seed drives the rand export.
	Seed uint64 `yaml:"seed"`
}

// DefaultConfig returns the platform layout of the reference board.
func DefaultConfig() Config {
	return Config{
		FlashBase:      0x2200_0000,
		PhysVirtOffset: 0xffff_ffc0_0000_0000,
		RAMBase:        0x8000_0000,
		RAMSize:        16 << 20,
		KernelBase:     0xffff_ffc0_8000_0000,
		KernelPhys:     0x8000_0000,
		KernelSize:     paging.BlockSize,
		Allocator:      AllocatorBitmap,
		StackSize:      4096,
	}
}

// ParseConfig decodes YAML over the defaults. Unknown keys are rejected.
func ParseConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := ParseConfig(bytes.NewReader(data))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the layout is consistent: RAM must sit inside the
// kernel block, and the block must agree with the identity window.
func (c Config) Validate() error {
	switch {
	case c.RAMSize == 0 || c.RAMSize%paging.PageSize != 0:
		return fmt.Errorf("%w: ram_size %s must be a non-zero multiple of %#x", ErrInvalidConfig, c.RAMSize, paging.PageSize)
	case c.RAMBase%paging.PageSize != 0:
		return fmt.Errorf("%w: ram_base %s is not page aligned", ErrInvalidConfig, c.RAMBase)
	case c.FlashBase%paging.PageSize != 0:
		return fmt.Errorf("%w: flash_base %s is not page aligned", ErrInvalidConfig, c.FlashBase)
	case c.KernelSize == 0 || c.KernelSize%paging.BlockSize != 0:
		return fmt.Errorf("%w: kernel_size %s must be a non-zero multiple of %#x", ErrInvalidConfig, c.KernelSize, paging.BlockSize)
	case c.KernelBase%paging.BlockSize != 0 || c.KernelPhys%paging.BlockSize != 0:
		return fmt.Errorf("%w: kernel block %s -> %s is not gigapage aligned", ErrInvalidConfig, c.KernelBase, c.KernelPhys)
	case !paging.Canonical(uint64(c.KernelBase)) || !paging.Canonical(uint64(c.KernelBase+c.KernelSize-1)):
		return fmt.Errorf("%w: kernel block %s is not a canonical Sv39 range", ErrInvalidConfig, c.KernelBase)
	case c.KernelBase-c.KernelPhys != c.PhysVirtOffset:
		return fmt.Errorf("%w: kernel block %s -> %s disagrees with phys_virt_offset %s", ErrInvalidConfig, c.KernelBase, c.KernelPhys, c.PhysVirtOffset)
	case c.RAMBase < c.KernelPhys || c.RAMBase+c.RAMSize > c.KernelPhys+c.KernelSize:
		return fmt.Errorf("%w: ram [%s, +%s) is outside the kernel block", ErrInvalidConfig, c.RAMBase, c.RAMSize)
	}
	switch c.Allocator {
	case AllocatorBitmap, AllocatorEarly:
	default:
		return fmt.Errorf("%w: unknown allocator %q", ErrInvalidConfig, c.Allocator)
	}
	return nil
}
