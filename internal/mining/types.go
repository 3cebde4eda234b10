package mining

import (
	"encoding/hex"
	"time"
)

// WorkTemplate is one round of mining work from the node. It is immutable;
// new work supersedes it under a strictly higher ID, and responses carrying
// assignments from a superseded template are discarded.
type WorkTemplate struct {
	ID         uint64
	Header     []byte
	Target     Target
	NonceSpace uint64
	Height     int64
	CreatedAt  time.Time
}

// WorkHex returns the header bytes as a hexadecimal string for the wire.
func (t *WorkTemplate) WorkHex() string {
	return hex.EncodeToString(t.Header)
}

// Range is a contiguous, half-open nonce sub-range [Start, Start+Count).
type Range struct {
	Start uint64
	Count uint64
}

// End returns the exclusive upper bound of the range.
func (r Range) End() uint64 {
	return r.Start + r.Count
}

// Overlaps reports whether two ranges share any nonce.
func (r Range) Overlaps(other Range) bool {
	return r.Start < other.End() && other.Start < r.End()
}

// Solution is a validated or candidate proof-of-work result.
type Solution struct {
	TemplateID uint64
	WorkerID   string
	Nonce      uint64
	Hash       string
	FoundAt    time.Time
}
