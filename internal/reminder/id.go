package reminder

import (
	"encoding/binary"
	"strings"

	"github.com/google/uuid"
)

const (
	// DefaultIDLength gives 32^6 (about 1e9) possible IDs.
	DefaultIDLength = 6

	maxIDLength = 9 // 48 random bits / 5 bits per symbol

	// Crockford's base32 in lowercase: no i, l, o or u.
	idAlphabet = "0123456789abcdefghjkmnpqrstvwxyz"
)

// IDGenerator produces short, human-typeable reminder IDs.
// Uniqueness is enforced by the caller; a generator only needs to be random enough
// that collisions are rare.
type IDGenerator interface {
	NewID() string
}

type uuidIDs struct{ n int }

// NewIDGenerator returns a generator drawing entropy from random (v4) UUIDs.
func NewIDGenerator() IDGenerator { return uuidIDs{n: DefaultIDLength} }

// NewIDGeneratorLen is NewIDGenerator with a custom length (clamped to 4..9).
func NewIDGeneratorLen(n int) IDGenerator {
	return uuidIDs{n: min(max(n, 4), maxIDLength)}
}

func (g uuidIDs) NewID() string {
	u := uuid.New()
	// The first 6 bytes of a v4 UUID carry no version or variant bits.
	var buf [8]byte
	copy(buf[2:], u[:6])
	bits := binary.BigEndian.Uint64(buf[:])

	out := make([]byte, g.n)
	for i := range out {
		out[i] = idAlphabet[bits&31]
		bits >>= 5
	}
	return string(out)
}

// NormalizeID turns user input into canonical ID form: trimmed, lowercase, with
// the look-alike letters o, i and l folded onto 0 and 1.
func NormalizeID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch r {
		case 'o':
			return '0'
		case 'i', 'l':
			return '1'
		}
		return r
	}, s)
}

// ValidID reports whether s (already normalized) could have come from a generator.
func ValidID(s string) bool {
	if len(s) < 4 || len(s) > maxIDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(idAlphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}
