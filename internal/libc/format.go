package libc

import (
	"fmt"
	"strings"

	"github.com/tinyrange/plash/internal/hart"
)

// maxString bounds every string read out of application memory.
const maxString = 64 << 10

type argReader interface {
	next() (uint64, error)
	str(ptr uint64) (string, error)
}

// varargs walks the RISC-V variadic convention: integer arguments in a0-a7,
// the rest on the stack starting at sp.
type varargs struct {
	h   *hart.Hart
	reg int
	sp  uint64
}

func newVarargs(h *hart.Hart, first int) *varargs {
	return &varargs{h: h, reg: first, sp: h.Reg(hart.RegSP)}
}

func (v *varargs) next() (uint64, error) {
	if v.reg < 8 {
		x := v.h.Arg(v.reg)
		v.reg++
		return x, nil
	}
	x, err := v.h.Read64(v.sp)
	v.sp += 8
	return x, err
}

func (v *varargs) str(ptr uint64) (string, error) {
	return v.h.ReadString(ptr, maxString)
}

// format expands a C format string. Floating-point conversions are not
// supported and are copied through verbatim.
func format(f string, args argReader) (string, error) {
	var sb strings.Builder
	for i := 0; i < len(f); i++ {
		c := f[i]
		if c != '%' {
			sb.WriteByte(c)
			continue
		}
		start := i
		i++
		if i >= len(f) {
			sb.WriteByte('%')
			break
		}

		var spec strings.Builder
		spec.WriteByte('%')

		for ; i < len(f) && strings.IndexByte("-0+ #", f[i]) >= 0; i++ {
			spec.WriteByte(f[i])
		}
		if i < len(f) && f[i] == '*' {
			w, err := args.next()
			if err != nil {
				return sb.String(), err
			}
			fmt.Fprintf(&spec, "%d", int32(w))
			i++
		}
		for ; i < len(f) && f[i] >= '0' && f[i] <= '9'; i++ {
			spec.WriteByte(f[i])
		}
		if i < len(f) && f[i] == '.' {
			spec.WriteByte('.')
			i++
			if i < len(f) && f[i] == '*' {
				p, err := args.next()
				if err != nil {
					return sb.String(), err
				}
				fmt.Fprintf(&spec, "%d", max(int32(p), 0))
				i++
			}
			for ; i < len(f) && f[i] >= '0' && f[i] <= '9'; i++ {
				spec.WriteByte(f[i])
			}
		}

		bits := 32
	length:
		for ; i < len(f); i++ {
			switch f[i] {
			case 'h':
				bits /= 2
			case 'l', 'z', 'j', 't':
				bits = 64
			default:
				break length
			}
		}
		if i >= len(f) {
			sb.WriteString(f[start:])
			break
		}

		conv := f[i]
		switch conv {
		case '%':
			sb.WriteByte('%')
			continue
		case 'd', 'i', 'u', 'x', 'X', 'o', 'c', 's', 'p':
		default:
			sb.WriteString(f[start : i+1])
			continue
		}

		v, err := args.next()
		if err != nil {
			return sb.String(), err
		}
		switch conv {
		case 'd', 'i':
			spec.WriteByte('d')
			fmt.Fprintf(&sb, spec.String(), signed(v, bits))
		case 'u', 'x', 'X', 'o':
			if conv == 'u' {
				conv = 'd'
			}
			spec.WriteByte(conv)
			fmt.Fprintf(&sb, spec.String(), unsigned(v, bits))
		case 'c':
			spec.WriteByte('c')
			fmt.Fprintf(&sb, spec.String(), rune(byte(v)))
		case 's':
			s := "(null)"
			if v != 0 {
				if s, err = args.str(v); err != nil {
					return sb.String(), err
				}
			}
			spec.WriteByte('s')
			fmt.Fprintf(&sb, spec.String(), s)
		case 'p':
			if v == 0 {
				sb.WriteString("(nil)")
			} else {
				fmt.Fprintf(&sb, "%#x", v)
			}
		}
	}
	return sb.String(), nil
}

func signed(v uint64, bits int) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}

func unsigned(v uint64, bits int) uint64 {
	if bits >= 64 {
		return v
	}
	return v & (1<<bits - 1)
}
