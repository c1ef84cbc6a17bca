package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// HashSize is the size in bytes of a block hash.
const HashSize = sha256.Size

// Hash identifies a block. It is an array so it can key maps directly.
type Hash [HashSize]byte

// HashFromBytes copies bz into a Hash. bz must be exactly HashSize bytes.
func HashFromBytes(bz []byte) (Hash, error) {
	var h Hash
	if len(bz) != HashSize {
		return h, fmt.Errorf("invalid hash length: expected %d, got %d", HashSize, len(bz))
	}
	copy(h[:], bz)
	return h, nil
}

// HashFromHex parses an upper or lower case hex string.
func HashFromHex(s string) (Hash, error) {
	bz, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("decoding hash %q: %w", s, err)
	}
	return HashFromBytes(bz)
}

// Bytes returns a copy of the hash as a slice.
func (h Hash) Bytes() []byte {
	bz := make([]byte, HashSize)
	copy(bz, h[:])
	return bz
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) String() string { return strings.ToUpper(hex.EncodeToString(h[:])) }

// MarshalText encodes the hash as upper-case hex, so hashes log and
// serialize as strings rather than byte arrays.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes a hex encoded hash.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HashFromHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Short returns the first 8 hex characters, for logging.
func (h Hash) Short() string { return h.String()[:8] }

func checksum(bz []byte) Hash { return sha256.Sum256(bz) }
