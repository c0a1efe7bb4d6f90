package unity

import (
	"fmt"
	"strconv"
	"strings"
)

// Hop is one step of a pointer path: a literal byte offset, or the name of a field
// resolved against the class of the object reached so far
type Hop struct {
	offset int
	field  string
	named  bool
}

// Offset creates a literal hop
func Offset(n int) Hop {
	return Hop{offset: n}
}

// FieldHop creates a hop resolved by field name. Property names resolve to their
// backing field.
func FieldHop(name string) Hop {
	return Hop{field: name, named: true}
}

// IsNamed reports whether the hop still needs a field lookup
func (h Hop) IsNamed() bool {
	return h.named
}

// FieldName returns the field name of a named hop
func (h Hop) FieldName() string {
	return h.field
}

// Literal returns the byte offset of a literal hop
func (h Hop) Literal() int {
	return h.offset
}

func (h Hop) String() string {
	if h.named {
		return h.field
	}
	if h.offset < 0 {
		return fmt.Sprintf("-0x%X", -h.offset)
	}
	return fmt.Sprintf("0x%X", h.offset)
}

// ParseHop turns "0x10", "16" or "-8" into a literal hop and anything else into a
// named hop
func ParseHop(s string) (Hop, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Hop{}, fmt.Errorf("empty hop")
	}
	if n, err := strconv.ParseInt(s, 0, 32); err == nil {
		return Offset(int(n)), nil
	}
	if c := s[0]; c == '-' || c == '+' || (c >= '0' && c <= '9') {
		return Hop{}, fmt.Errorf("invalid offset %q", s)
	}
	return FieldHop(s), nil
}

// ParseHops parses every element of a path with ParseHop
func ParseHops(path []string) ([]Hop, error) {
	hops := make([]Hop, 0, len(path))
	for i, s := range path {
		h, err := ParseHop(s)
		if err != nil {
			return nil, fmt.Errorf("hop %d: %w", i, err)
		}
		hops = append(hops, h)
	}
	return hops, nil
}
