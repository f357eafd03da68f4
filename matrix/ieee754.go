package matrix

import (
	"fmt"
	"math"
	"strconv"
)

// ToIEEE754 returns the raw IEEE-754 bit pattern of f.
func ToIEEE754(f float32) uint32 {
	return math.Float32bits(f)
}

// FromIEEE754 is the inverse of ToIEEE754.
func FromIEEE754(u uint32) float32 {
	return math.Float32frombits(u)
}

// EncodeFloat renders f as the 8 uppercase hex characters of its big-endian
// IEEE-754 representation, the form floats take on the wire.
func EncodeFloat(f float32) string {
	return fmt.Sprintf("%08X", ToIEEE754(f))
}

// DecodeFloat parses the output of EncodeFloat. Lowercase hex is accepted.
func DecodeFloat(s string) (float32, error) {
	if len(s) != 8 {
		return 0, fmt.Errorf("float %q: want 8 hex characters, got %d", s, len(s))
	}
	u, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("float %q: %w", s, err)
	}
	return FromIEEE754(uint32(u)), nil
}

// IsFinite reports whether f is neither NaN nor infinite.
func IsFinite(f float32) bool {
	v := float64(f)
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
