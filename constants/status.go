package constants

import "fmt"

// Flag is the durable state of a work item in the primary store.
// Stored as a small integer column; never collapse it to a boolean.
type Flag int

const (
	FlagPending        Flag = 0 // retryable
	FlagDoneWithOutput Flag = 1 // output produced and durable
	FlagDoneNoOutput   Flag = 2 // permanently nothing to produce
)

// IsDone reports whether the flag is terminal.
func (f Flag) IsDone() bool {
	return f == FlagDoneWithOutput || f == FlagDoneNoOutput
}

func (f Flag) Valid() bool {
	return f == FlagPending || f.IsDone()
}

func (f Flag) String() string {
	switch f {
	case FlagPending:
		return "pending"
	case FlagDoneWithOutput:
		return "done_with_output"
	case FlagDoneNoOutput:
		return "done_no_output"
	default:
		return fmt.Sprintf("flag(%d)", int(f))
	}
}

// TrackingStatus is the outcome of one attempt as recorded in the ledger.
type TrackingStatus string

// Stable values (store these exact strings in DB).
const (
	TrackingSuccess TrackingStatus = "success"
	TrackingSkipped TrackingStatus = "skipped"
	TrackingFailed  TrackingStatus = "failed"
)

// Excludes reports whether a tracking row with this status removes a key from the pending set.
// Failed rows do not: transient failures stay retryable.
func (s TrackingStatus) Excludes() bool {
	return s == TrackingSuccess || s == TrackingSkipped
}

// TerminalTrackingStatuses are the statuses used by the pending anti-join.
var TerminalTrackingStatuses = []TrackingStatus{TrackingSuccess, TrackingSkipped}

// JobStatus is the canonical status for rows in jobs.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"   // created, not started
	JobStatusRunning   JobStatus = "running"   // batch loop active
	JobStatusPaused    JobStatus = "paused"    // user-requested halt
	JobStatusCompleted JobStatus = "completed" // all items terminal
	JobStatusFailed    JobStatus = "failed"    // loop aborted by an unexpected error
	JobStatusCancelled JobStatus = "cancelled" // deleted by the user
)

// JobItemStatus mirrors one work item inside a job's namespace.
type JobItemStatus string

const (
	JobItemPending    JobItemStatus = "pending"
	JobItemProcessing JobItemStatus = "processing"
	JobItemCompleted  JobItemStatus = "completed"
	JobItemFailed     JobItemStatus = "failed"
	JobItemSkipped    JobItemStatus = "skipped"
)

// IsTerminal reports whether a job item needs no further processing in its job.
func (s JobItemStatus) IsTerminal() bool {
	return s == JobItemCompleted || s == JobItemFailed || s == JobItemSkipped
}
