// Package validation provides solution validation for the mining coordinator.
// Claimed solutions from external workers are checked against the active
// template's target, optionally re-deriving the hash rather than trusting
// the worker's report.
package validation

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/hashforge/minerd/internal/mining"
)

// Validation failure sentinels.
var (
	// ErrHashMismatch reports a worker-claimed hash that does not match the
	// independent re-derivation.
	ErrHashMismatch = errors.New("claimed hash does not match re-derived hash")
	// ErrTargetNotMet reports a hash above the template target.
	ErrTargetNotMet = errors.New("hash does not meet target")
)

// Validator checks candidate solutions. External workers are untrusted by
// default: the hash is re-derived from the template header and nonce and
// must match the claim. Setting trustWorkerHash skips the re-derivation and
// checks the claimed hash against the target directly.
//
// A per-worker consecutive-failure count is kept so a single bad claim does
// not kill an otherwise-working worker, while a persistently bad one can be
// escalated to termination.
type Validator struct {
	trustWorkerHash bool
	hasher          mining.Hasher
	maxConsecutive  int

	mu       sync.Mutex
	failures map[string]int
}

// NewValidator creates a validator. A nil hasher selects the default
// double-SHA256 derivation; maxConsecutive <= 0 disables escalation.
func NewValidator(trustWorkerHash bool, hasher mining.Hasher, maxConsecutive int) *Validator {
	if hasher == nil {
		hasher = mining.DoubleSHA256
	}
	return &Validator{
		trustWorkerHash: trustWorkerHash,
		hasher:          hasher,
		maxConsecutive:  maxConsecutive,
		failures:        make(map[string]int),
	}
}

// Validate checks one claimed solution against the template. A nil return
// resets the worker's consecutive-failure count; an error increments it.
func (v *Validator) Validate(tmpl *mining.WorkTemplate, workerID string, nonce uint64, hashHex string) error {
	if err := v.validate(tmpl, nonce, hashHex); err != nil {
		v.mu.Lock()
		v.failures[workerID]++
		v.mu.Unlock()
		return err
	}

	v.mu.Lock()
	delete(v.failures, workerID)
	v.mu.Unlock()
	return nil
}

func (v *Validator) validate(tmpl *mining.WorkTemplate, nonce uint64, hashHex string) error {
	claimed, err := hex.DecodeString(hashHex)
	if err != nil {
		return fmt.Errorf("invalid hash hex: %w", err)
	}
	if len(claimed) != mining.TargetSize {
		return fmt.Errorf("invalid hash length: got %d bytes, want %d", len(claimed), mining.TargetSize)
	}

	effective := claimed
	if !v.trustWorkerHash {
		derived := v.hasher(tmpl.Header, nonce)
		if derived != [mining.TargetSize]byte(claimed) {
			return fmt.Errorf("%w: claimed %s, derived %s",
				ErrHashMismatch, hashHex, hex.EncodeToString(derived[:]))
		}
		effective = derived[:]
	}

	if !tmpl.Target.Meets(effective) {
		return fmt.Errorf("%w: hash %s, target %s", ErrTargetNotMet, hashHex, tmpl.Target.Hex())
	}
	return nil
}

// ConsecutiveFailures returns the worker's current failure streak.
func (v *Validator) ConsecutiveFailures(workerID string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.failures[workerID]
}

// Exceeded reports whether the worker's failure streak has crossed the
// escalation threshold.
func (v *Validator) Exceeded(workerID string) bool {
	if v.maxConsecutive <= 0 {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.failures[workerID] >= v.maxConsecutive
}

// Forget drops the failure streak for a departed worker.
func (v *Validator) Forget(workerID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.failures, workerID)
}
