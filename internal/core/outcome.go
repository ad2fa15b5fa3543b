package core

import (
	"context"
	"fmt"
)

// Outcome classifies one attempt at a work item.
type Outcome int

const (
	// NotAttempted marks a batch position whose result was never produced
	// or was discarded after a rate-limit abort.
	NotAttempted Outcome = iota
	Success
	PermanentEmpty
	PermanentError
	TransientError
	RateLimited
)

func (o Outcome) String() string {
	switch o {
	case NotAttempted:
		return "not_attempted"
	case Success:
		return "success"
	case PermanentEmpty:
		return "permanent_empty"
	case PermanentError:
		return "permanent_error"
	case TransientError:
		return "transient_error"
	case RateLimited:
		return "rate_limited"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Terminal reports whether the outcome ends processing of the key.
func (o Outcome) Terminal() bool {
	return o == Success || o == PermanentEmpty || o == PermanentError
}

// Result is what a worker returns for one key. Workers never write to a
// store; everything they want persisted goes into Effects.
type Result struct {
	Key     string
	Outcome Outcome
	Reason  string
	// Output is the produced artifact for Success.
	Output string
	// Existing is set when the key already has a durable output, so an
	// "already processed" skip keeps the key marked as done with output.
	Existing bool
	// Resource is an external reference created by the worker, if any.
	Resource string
	Effects  []Effect
}

// Worker processes one key end to end.
type Worker interface {
	Process(ctx context.Context, key string) Result
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, key string) Result

func (f WorkerFunc) Process(ctx context.Context, key string) Result { return f(ctx, key) }

// GroupWorker is implemented by workers that handle several keys sharing a
// group in one call, e.g. all ad groups of one customer. ProcessGroup must
// return one result per key, in the order given.
type GroupWorker interface {
	Worker
	Group(key string) string
	ProcessGroup(ctx context.Context, group string, keys []string) []Result
}

// Succeeded builds a Success result carrying output.
func Succeeded(key, output string) Result {
	return Result{Key: key, Outcome: Success, Output: output}
}

// Skipped builds a PermanentEmpty result.
func Skipped(key, reason string) Result {
	return Result{Key: key, Outcome: PermanentEmpty, Reason: reason}
}

// Failed builds a PermanentError result.
func Failed(key, reason string) Result {
	return Result{Key: key, Outcome: PermanentError, Reason: reason}
}

// Retry builds a TransientError result.
func Retry(key, reason string) Result {
	return Result{Key: key, Outcome: TransientError, Reason: reason}
}

// Throttled builds a RateLimited result.
func Throttled(key, reason string) Result {
	return Result{Key: key, Outcome: RateLimited, Reason: reason}
}
