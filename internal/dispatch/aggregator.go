package dispatch

import (
	"sync"
	"time"

	"github.com/hashforge/minerd/internal/mining"
	"github.com/hashforge/minerd/internal/validation"
	"github.com/hashforge/minerd/pkg/log"
)

// Aggregator applies the first-accept policy: the first solution that passes
// validation for a template wins, and every later one for the same template
// is discarded without error. Resubmitting the accepted solution is
// idempotent.
type Aggregator struct {
	validator *validation.Validator
	logger    *log.Logger

	mu       sync.Mutex
	solvedID uint64 // template id of the latched solution, 0 if none
	accepted *mining.Solution
}

// NewAggregator creates an aggregator over the given validator.
func NewAggregator(validator *validation.Validator, logger *log.Logger) *Aggregator {
	return &Aggregator{
		validator: validator,
		logger:    logger.WithComponent("aggregator"),
	}
}

// Accept submits one claimed solution. It returns the accepted solution when
// this claim wins the latch, nil with a nil error when the template is
// already solved, and nil with the validation error when the claim is
// invalid. The latch is compare-and-set under the aggregator's lock, so
// concurrent claims for one template admit exactly one winner.
func (a *Aggregator) Accept(tmpl *mining.WorkTemplate, workerID string, nonce uint64, hashHex string) (*mining.Solution, error) {
	a.mu.Lock()
	if a.solvedID == tmpl.ID {
		already := a.accepted
		a.mu.Unlock()
		if already != nil && already.WorkerID == workerID && already.Nonce == nonce {
			a.logger.WithWorker(workerID).Debug("duplicate submission of accepted solution")
		} else {
			a.logger.WithWorker(workerID).Debug("discarding solution for solved template",
				"template_id", tmpl.ID, "nonce", nonce)
		}
		return nil, nil
	}
	a.mu.Unlock()

	// Validation runs outside the latch lock; the winner is still decided
	// under it below.
	if err := a.validator.Validate(tmpl, workerID, nonce, hashHex); err != nil {
		a.logger.WithWorker(workerID).WithError(err).Warn("rejected solution",
			"template_id", tmpl.ID, "nonce", nonce)
		return nil, err
	}

	sol := &mining.Solution{
		TemplateID: tmpl.ID,
		WorkerID:   workerID,
		Nonce:      nonce,
		Hash:       hashHex,
		FoundAt:    time.Now().UTC(),
	}

	a.mu.Lock()
	if a.solvedID == tmpl.ID {
		a.mu.Unlock()
		a.logger.WithWorker(workerID).Debug("lost solution race", "template_id", tmpl.ID)
		return nil, nil
	}
	a.solvedID = tmpl.ID
	a.accepted = sol
	a.mu.Unlock()

	a.logger.LogSolution(workerID, tmpl.ID, nonce, hashHex, "accepted")
	return sol, nil
}

// Solved reports whether the given template already has an accepted solution.
func (a *Aggregator) Solved(templateID uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.solvedID == templateID
}

// Accepted returns the latched solution for the template, or nil.
func (a *Aggregator) Accepted(templateID uint64) *mining.Solution {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.solvedID != templateID {
		return nil
	}
	return a.accepted
}

// ValidationExceeded reports whether the worker's consecutive validation
// failures have crossed the termination threshold.
func (a *Aggregator) ValidationExceeded(workerID string) bool {
	return a.validator.Exceeded(workerID)
}

// ForgetWorker drops per-worker validation state for a departed worker.
func (a *Aggregator) ForgetWorker(workerID string) {
	a.validator.Forget(workerID)
}
