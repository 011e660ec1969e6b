package loop

import (
	"context"
	"errors"

	"helmsman/internal/agent"
	"helmsman/internal/memory"
)

// FailureKind classifies a task or orchestration failure for logging,
// metrics, and retry decisions.
type FailureKind string

const (
	// FailureTransient covers network blips, timeouts, and temporary
	// unavailability; these were already retried with backoff.
	FailureTransient FailureKind = "transient"

	// FailureRateLimited means a provider or the limit tracker refused the
	// work until a window resets.
	FailureRateLimited FailureKind = "rate_limited"

	// FailureFatalAgent means the model rejected the task or produced
	// unusable output; never retried.
	FailureFatalAgent FailureKind = "fatal_agent"

	// FailurePersistence means the memory store could not commit a
	// critical-path write.
	FailurePersistence FailureKind = "persistence"

	// FailureInvariant means a claim or transition rule was violated; the
	// caller must abort its current operation cleanly.
	FailureInvariant FailureKind = "invariant"

	// FailureReviewRequired is not an error in the usual sense: progress is
	// blocked pending a human decision.
	FailureReviewRequired FailureKind = "review_required"
)

// ClassifyFailure maps an error to its taxonomy bucket.
func ClassifyFailure(err error) FailureKind {
	switch {
	case errors.Is(err, memory.ErrPersistenceUnavailable):
		return FailurePersistence
	case errors.Is(err, memory.ErrClaimContended),
		errors.Is(err, memory.ErrNotClaimOwner),
		errors.Is(err, memory.ErrBadTransition):
		return FailureInvariant
	case errors.Is(err, errStopped):
		return FailureReviewRequired
	case errors.Is(err, errWrapUp):
		return FailureRateLimited
	case agent.IsRetriable(err), errors.Is(err, context.DeadlineExceeded):
		return FailureTransient
	default:
		return FailureFatalAgent
	}
}
