package unitymemory

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// StringToPattern converts an ASCII string to an AOB (Array of Bytes) pattern.
// Wildcard characters (?) are converted to "??". The pattern is padded to the specified length.
func StringToPattern(searchStr string, minLength int) string {
	if searchStr == "" {
		return ""
	}

	var builder strings.Builder
	bytes := []byte(searchStr)
	patternLength := len(bytes)
	if minLength > patternLength {
		patternLength = minLength
	}

	for i := 0; i < patternLength; i++ {
		if i > 0 {
			builder.WriteString(" ")
		}

		if i < len(bytes) {
			b := bytes[i]
			if b == '?' {
				builder.WriteString("??")
			} else {
				builder.WriteString(fmt.Sprintf("%02X", b))
			}
		} else {
			builder.WriteString("??")
		}
	}

	return builder.String()
}

// PatternMatcher handles pattern matching logic
type PatternMatcher struct {
	patternBytes  []byte
	wildcardMask  []bool
	patternLength int
}

// NewPatternMatcher creates a new pattern matcher from an AOB pattern string
func NewPatternMatcher(pattern string) (*PatternMatcher, error) {
	parts := strings.Fields(pattern)
	if len(parts) == 0 {
		return nil, errors.New("empty pattern")
	}

	patternBytes := make([]byte, len(parts))
	wildcardMask := make([]bool, len(parts))

	for i, part := range parts {
		if part == "??" || part == "?" {
			wildcardMask[i] = true
		} else {
			decoded, err := hex.DecodeString(part)
			if err != nil || len(decoded) != 1 {
				return nil, fmt.Errorf("invalid hex pattern: %s", part)
			}
			patternBytes[i] = decoded[0]
		}
	}

	return &PatternMatcher{
		patternBytes:  patternBytes,
		wildcardMask:  wildcardMask,
		patternLength: len(parts),
	}, nil
}

// Index returns the position of the first match at or after from, or -1
func (pm *PatternMatcher) Index(data []byte, from int) int {
	if pm.patternLength == 0 || from < 0 {
		return -1
	}

	for i := from; i <= len(data)-pm.patternLength; i++ {
		if pm.matchesAt(data, i) {
			return i
		}
	}

	return -1
}

// matchesAt checks if the pattern matches at the given position
func (pm *PatternMatcher) matchesAt(data []byte, pos int) bool {
	for j := 0; j < pm.patternLength; j++ {
		if pm.wildcardMask[j] {
			continue // Skip wildcards
		}

		if data[pos+j] != pm.patternBytes[j] {
			return false
		}
	}

	return true
}

// GetPatternLength returns the length of the pattern in bytes
func (pm *PatternMatcher) GetPatternLength() int {
	return pm.patternLength
}

// ScanPattern is an immutable signature: the byte pattern to look for, the signed
// offset added to the match address, and an optional resolver run on the result.
type ScanPattern struct {
	matcher *PatternMatcher
	offset  int
	onFound func(Address) Address
}

// NewScanPattern builds a scan pattern from AOB text such as "48 8B 0D ?? ?? ?? ??".
// offset is added to the address of the first pattern byte when reporting a match.
func NewScanPattern(offset int, pattern string) (*ScanPattern, error) {
	matcher, err := NewPatternMatcher(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}

	return &ScanPattern{matcher: matcher, offset: offset}, nil
}

// MustScanPattern is like NewScanPattern but panics on a malformed pattern.
// It is meant for package-level signature tables.
func MustScanPattern(offset int, pattern string) *ScanPattern {
	p, err := NewScanPattern(offset, pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// WithResolver returns a copy of the pattern that passes every adjusted match
// address through onFound before reporting it
func (p *ScanPattern) WithResolver(onFound func(Address) Address) *ScanPattern {
	return &ScanPattern{matcher: p.matcher, offset: p.offset, onFound: onFound}
}

// Len returns the number of bytes in the pattern
func (p *ScanPattern) Len() int {
	return p.matcher.GetPatternLength()
}

// Offset returns the signed adjustment applied to match addresses
func (p *ScanPattern) Offset() int {
	return p.offset
}

func (p *ScanPattern) resolve(match Address) Address {
	addr := match.Add(p.offset)
	if p.onFound != nil {
		return p.onFound(addr)
	}
	return addr
}

// RIPRelative returns a resolver that treats the 4 bytes at the match as a signed
// x86-64 displacement relative to the end of that operand.
func RIPRelative(mem Memory) func(Address) Address {
	return func(addr Address) Address {
		disp, ok := ReadInt32(mem, addr)
		if !ok {
			return InvalidAddress
		}
		return addr.Add(4 + int(disp))
	}
}

// Absolute32 returns a resolver that reads a 32-bit absolute address at the match
func Absolute32(mem Memory) func(Address) Address {
	return func(addr Address) Address {
		value, ok := ReadUint32(mem, addr)
		if !ok {
			return InvalidAddress
		}
		return Address(value)
	}
}
