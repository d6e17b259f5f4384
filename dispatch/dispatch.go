// Package dispatch defines the contract between the auction service and the
// untrusted-code batch executor, plus an in-process executor implementation
// for tests and local runs.
package dispatch

import (
	"context"
	"errors"
)

// UDF entry points dispatched by the auction service.
const (
	HandlerScoreAd      = "scoreAdEntryFunction"
	HandlerReportResult = "reportResultEntryFunction"
	HandlerReportWin    = "reportWinEntryFunction"
	// HandlerReporting is the legacy combined reporting entry point used when
	// seller and buyer code are not isolated.
	HandlerReporting = "reportingEntryFunction"
)

// Timeout tags attached per request and consumed opaquely by the executor.
const (
	TimeoutTagScoring   = "scoring"
	TimeoutTagReporting = "reporting"
)

// ErrCancelled marks a per-item result whose execution was cancelled before
// completion. A cancelled batch still invokes its completion callback.
var ErrCancelled = errors.New("dispatch cancelled")

// Request is one untrusted-code invocation within a batch.
// It is not mutated after creation except to attach the batch-shared
// metadata just before submission.
type Request struct {
	// ID correlates the result back to its ad candidate. Unique within the
	// batch (typically the render URL).
	ID string

	// Handler is the UDF entry point name.
	Handler string

	// Version selects the adtech code version to run.
	Version string

	// Args is the ordered positional argument list, each entry a JSON value
	// serialized to a string.
	Args []string

	// TimeoutTag selects the executor-side timeout class.
	TimeoutTag string

	// Metadata is opaque batch-shared context (request id, logging context).
	Metadata map[string]string
}

// Result is the per-item outcome of a batch execution. Exactly one of
// Payload and Err is meaningful.
type Result struct {
	ID      string
	Payload string
	Err     error
}

// DoneCallback receives one result per submitted request, in submission
// order. It is invoked exactly once per accepted batch.
type DoneCallback func(results []Result)

// BatchExecutor executes a batch of untrusted-code invocations.
//
// A nil error return means the batch was scheduled and onDone will be invoked
// exactly once with one result per request in the submitted order. A non-nil
// error means nothing was scheduled and onDone will never run; callers must
// treat this as a whole-batch rejection. Cancellation of ctx yields
// ErrCancelled item results rather than a silent drop.
type BatchExecutor interface {
	BatchExecute(ctx context.Context, requests []Request, onDone DoneCallback) error
}
