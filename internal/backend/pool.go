package backend

import (
	"fmt"
	"strings"
)

// Pool selects how token-level outputs are reduced to one embedding per
// sequence. The arithmetic itself lives in the concrete backends.
type Pool int

const (
	// PoolCls uses the representation of the first (classification) token.
	PoolCls Pool = iota + 1
	// PoolMean averages every token representation of the sequence.
	PoolMean
)

// Pools lists every supported pooling strategy in declaration order.
func Pools() []Pool {
	return []Pool{PoolCls, PoolMean}
}

func (p Pool) String() string {
	switch p {
	case PoolCls:
		return "cls"
	case PoolMean:
		return "mean"
	default:
		return fmt.Sprintf("Pool(%d)", int(p))
	}
}

// Valid reports whether p is one of the declared strategies.
func (p Pool) Valid() bool {
	return p == PoolCls || p == PoolMean
}

// ParsePool parses the lowercase rendering produced by String.
func ParsePool(s string) (Pool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cls":
		return PoolCls, nil
	case "mean":
		return PoolMean, nil
	default:
		return 0, fmt.Errorf("invalid pool %q (must be one of: cls, mean)", s)
	}
}

// Set implements pflag.Value so a Pool can be bound to a command-line flag.
func (p *Pool) Set(s string) error {
	parsed, err := ParsePool(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Type implements pflag.Value.
func (p *Pool) Type() string {
	return "pool"
}

// MarshalText implements encoding.TextMarshaler.
func (p Pool) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid pool %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler; config decoding relies on it.
func (p *Pool) UnmarshalText(text []byte) error {
	return p.Set(string(text))
}
