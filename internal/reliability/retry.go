// Package reliability holds the retry policy and the dead-letter archive.
package reliability

import (
	"context"
	"time"

	"github.com/jpillora/backoff"

	"ims/internal/domain"
)

// RetryPolicy drives classification-aware retries. Transient and Timeout
// failures back off exponentially; a Conflict gets exactly one immediate
// retry; everything else returns to the caller untouched.
type RetryPolicy struct {
	Base     time.Duration
	Cap      time.Duration
	Attempts int
}

// Run executes fn under the policy. On exhaustion the last Transient or
// Conflict error is reclassified as Permanent so the caller dead-letters
// instead of looping forever.
func (p RetryPolicy) Run(ctx context.Context, fn func() error) error {
	b := &backoff.Backoff{
		Min:    p.Base,
		Max:    p.Cap,
		Factor: 2,
		Jitter: true,
	}

	conflictRetried := false
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		switch domain.Classify(err) {
		case domain.ClassConflict:
			// One immediate retry; a second conflict is Permanent.
			if conflictRetried {
				return domain.NewPermanent("conflict persisted after retry", err)
			}
			conflictRetried = true
			continue
		case domain.ClassTransient, domain.ClassTimeout:
			// A Timeout here means an operation budget expired (a lock
			// wait, usually), not that the caller is gone: the partition
			// may simply be contended, so it retries like a Transient.
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return &domain.Error{Class: domain.ClassTimeout, Reason: "retry interrupted", Err: ctx.Err()}
			}
		default:
			return err
		}
	}
	return domain.NewPermanent("retries exhausted", err)
}
