// Package throttle defines the closed set of power mitigations, the bitmask
// that records which are active, and the actuator that drives them.
package throttle

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// Limits of the bit layout.
const (
	MaxTypeAGroups = 4
	MaxTypeCPorts  = 8
)

const (
	typeAShift = 1
	typeCShift = typeAShift + MaxTypeAGroups
)

// Bit is a single mitigation.
type Bit uint32

// Prochot asserts the CPU throttle signal.
const Prochot Bit = 1 << 0

// TypeA returns the bit restricting Type-A current-limit group g.
func TypeA(g int) Bit {
	if g < 0 || g >= MaxTypeAGroups {
		return 0
	}
	return Bit(1) << (typeAShift + g)
}

// TypeC returns the bit reducing the source current advertisement of Type-C
// port p.
func TypeC(p int) Bit {
	if p < 0 || p >= MaxTypeCPorts {
		return 0
	}
	return Bit(1) << (typeCShift + p)
}

// Kind classifies a bit.
type Kind int

const (
	KindInvalid Kind = iota
	KindProchot
	KindTypeA
	KindTypeC
)

// Kind returns the mitigation class of a single bit.
func (b Bit) Kind() Kind {
	if bits.OnesCount32(uint32(b)) != 1 {
		return KindInvalid
	}
	i := bits.TrailingZeros32(uint32(b))
	switch {
	case b == Prochot:
		return KindProchot
	case i >= typeAShift && i < typeCShift:
		return KindTypeA
	case i >= typeCShift && i < typeCShift+MaxTypeCPorts:
		return KindTypeC
	default:
		return KindInvalid
	}
}

// Index returns the Type-A group or Type-C port a bit refers to, or -1.
func (b Bit) Index() int {
	i := bits.TrailingZeros32(uint32(b))
	switch b.Kind() {
	case KindTypeA:
		return i - typeAShift
	case KindTypeC:
		return i - typeCShift
	default:
		return -1
	}
}

// String returns "prochot", "typea:<g>" or "typec:<p>".
func (b Bit) String() string {
	switch b.Kind() {
	case KindProchot:
		return "prochot"
	case KindTypeA:
		return "typea:" + strconv.Itoa(b.Index())
	case KindTypeC:
		return "typec:" + strconv.Itoa(b.Index())
	default:
		return fmt.Sprintf("invalid(%#x)", uint32(b))
	}
}

// ParseBit parses the String form of a bit.
func ParseBit(s string) (Bit, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "prochot" {
		return Prochot, nil
	}
	kind, idx, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("throttle bit %q: want prochot, typea:<n> or typec:<n>", s)
	}
	n, err := strconv.Atoi(idx)
	if err != nil {
		return 0, fmt.Errorf("throttle bit %q: %w", s, err)
	}
	var b Bit
	switch kind {
	case "typea":
		b = TypeA(n)
	case "typec":
		b = TypeC(n)
	}
	if b == 0 {
		return 0, fmt.Errorf("throttle bit %q: out of range", s)
	}
	return b, nil
}

// State is the set of active mitigations.
type State uint32

// Has reports whether b is set.
func (s State) Has(b Bit) bool { return uint32(s)&uint32(b) != 0 }

// With returns s with b set.
func (s State) With(b Bit) State { return State(uint32(s) | uint32(b)) }

// Without returns s with b cleared.
func (s State) Without(b Bit) State { return State(uint32(s) &^ uint32(b)) }

// Diff returns the bits that differ between s and other.
func (s State) Diff(other State) State { return State(uint32(s) ^ uint32(other)) }

// Empty reports whether no bit is set.
func (s State) Empty() bool { return s == 0 }

// Len returns the number of set bits.
func (s State) Len() int { return bits.OnesCount32(uint32(s)) }

// Bits returns the set bits, lowest first.
func (s State) Bits() []Bit {
	if s == 0 {
		return nil
	}
	out := make([]Bit, 0, s.Len())
	for v := uint32(s); v != 0; v &= v - 1 {
		out = append(out, Bit(v&-v))
	}
	return out
}

// Names returns the String form of every set bit.
func (s State) Names() []string {
	bs := s.Bits()
	names := make([]string, len(bs))
	for i, b := range bs {
		names[i] = b.String()
	}
	return names
}

func (s State) String() string {
	if s == 0 {
		return "none"
	}
	return strings.Join(s.Names(), ",")
}
