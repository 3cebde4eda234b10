// Package mining provides the core work-template, target, and solution types
// shared by the dispatcher, aggregator, and node client.
package mining

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
)

// TargetSize is the width of a mining target in bytes (256 bits).
const TargetSize = 32

// Target is a 256-bit threshold a block hash must not exceed. It is stored
// and compared big-endian: byte 0 is the most significant.
type Target [TargetSize]byte

// MaxTarget returns the easiest possible target (every hash qualifies).
func MaxTarget() Target {
	var t Target
	for i := range t {
		t[i] = 0xff
	}
	return t
}

// ParseTarget parses a fixed-width hexadecimal target string.
func ParseTarget(s string) (Target, error) {
	var t Target
	raw, err := hex.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("invalid target hex: %w", err)
	}
	if len(raw) != TargetSize {
		return t, fmt.Errorf("invalid target length: got %d bytes, want %d", len(raw), TargetSize)
	}
	copy(t[:], raw)
	return t, nil
}

// TargetFromBits derives a target from a compact "bits" difficulty encoding
// as found in block headers.
func TargetFromBits(bits uint32) Target {
	exponent := bits >> 24
	mantissa := bits & 0x007fffff

	value := new(big.Int).SetUint64(uint64(mantissa))
	if exponent <= 3 {
		value.Rsh(value, 8*(3-uint(exponent)))
	} else {
		value.Lsh(value, 8*(uint(exponent)-3))
	}

	return targetFromBig(value)
}

// TargetFromDifficulty converts a floating-point difficulty to a target,
// relative to the difficulty-1 pool maximum.
func TargetFromDifficulty(difficulty float64) Target {
	if difficulty <= 0 {
		return diff1Target()
	}

	maxTarget := new(big.Float).SetInt(new(big.Int).SetBytes(diff1TargetBytes()))
	quot := new(big.Float).Quo(maxTarget, big.NewFloat(difficulty))

	value, _ := quot.Int(nil)
	return targetFromBig(value)
}

// Hex returns the fixed-width hexadecimal form of the target.
func (t Target) Hex() string {
	return hex.EncodeToString(t[:])
}

// Meets reports whether a 32-byte big-endian hash satisfies the target
// (hash <= target).
func (t Target) Meets(hash []byte) bool {
	if len(hash) != TargetSize {
		return false
	}
	return bytes.Compare(hash, t[:]) <= 0
}

// Big returns the target as a big integer.
func (t Target) Big() *big.Int {
	return new(big.Int).SetBytes(t[:])
}

func targetFromBig(value *big.Int) Target {
	var t Target
	raw := value.Bytes()
	if len(raw) > TargetSize {
		return MaxTarget()
	}
	copy(t[TargetSize-len(raw):], raw)
	return t
}

func diff1TargetBytes() []byte {
	b := make([]byte, TargetSize)
	b[4] = 0xff
	b[5] = 0xff
	return b
}

func diff1Target() Target {
	var t Target
	copy(t[:], diff1TargetBytes())
	return t
}

// Hasher derives the 32-byte hash for a header at a given nonce. The default
// appends the nonce little-endian and double-SHA256s the result; tests and
// alternative chains can inject their own derivation.
type Hasher func(header []byte, nonce uint64) [TargetSize]byte

// DoubleSHA256 is the default Hasher.
func DoubleSHA256(header []byte, nonce uint64) [TargetSize]byte {
	buf := make([]byte, len(header)+8)
	copy(buf, header)
	binary.LittleEndian.PutUint64(buf[len(header):], nonce)

	first := sha256.Sum256(buf)
	return sha256.Sum256(first[:])
}
