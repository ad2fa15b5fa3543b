package jobs

import (
	"fmt"

	"github.com/joseph-ayodele/workledger/constants"
	"github.com/joseph-ayodele/workledger/internal/common"
	"github.com/joseph-ayodele/workledger/internal/entity"
)

var validTransitions = map[constants.JobStatus][]constants.JobStatus{
	constants.JobStatusPending: {
		constants.JobStatusRunning,   // start
		constants.JobStatusCancelled, // delete before start
	},
	constants.JobStatusRunning: {
		constants.JobStatusPaused,    // pause request, rate limit, interruption
		constants.JobStatusCompleted, // no unfinished items left
		constants.JobStatusFailed,    // loop error or breaker open
	},
	constants.JobStatusPaused: {
		constants.JobStatusRunning, // resume
		constants.JobStatusCancelled,
	},
	constants.JobStatusFailed: {
		constants.JobStatusRunning, // resume
		constants.JobStatusPaused,  // retry failed items
		constants.JobStatusCancelled,
	},
	constants.JobStatusCompleted: {
		constants.JobStatusPaused, // retry failed items
		constants.JobStatusCancelled,
	},
	constants.JobStatusCancelled: {},
}

// ValidateStateTransition returns an error wrapping common.ErrInvalidState
// when a job may not move from one status to the other.
func ValidateStateTransition(from, to constants.JobStatus) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown source state %s: %w", from, common.ErrInvalidState)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid state transition from %s to %s: %w", from, to, common.ErrInvalidState)
}

// sourcesFor lists every status that may move to to.
func sourcesFor(to constants.JobStatus) []constants.JobStatus {
	var out []constants.JobStatus
	for _, from := range stateOrder {
		if ValidateStateTransition(from, to) == nil {
			out = append(out, from)
		}
	}
	return out
}

var stateOrder = []constants.JobStatus{
	constants.JobStatusPending,
	constants.JobStatusRunning,
	constants.JobStatusPaused,
	constants.JobStatusFailed,
	constants.JobStatusCompleted,
	constants.JobStatusCancelled,
}

func CanStart(job *entity.Job) bool {
	return ValidateStateTransition(job.Status, constants.JobStatusRunning) == nil
}

func CanPause(job *entity.Job) bool {
	return job.Status == constants.JobStatusRunning
}

func CanResume(job *entity.Job) bool {
	return job.Status == constants.JobStatusPaused || job.Status == constants.JobStatusFailed
}

// CanDelete reports whether the job may be cancelled and removed. A running
// job has to be paused first.
func CanDelete(job *entity.Job) bool {
	return ValidateStateTransition(job.Status, constants.JobStatusCancelled) == nil ||
		job.Status == constants.JobStatusCancelled
}

func CanRetry(job *entity.Job) bool {
	return job.Status == constants.JobStatusFailed ||
		job.Status == constants.JobStatusCompleted ||
		job.Status == constants.JobStatusPaused
}

// IsTerminalState reports whether the job needs no further work.
func IsTerminalState(s constants.JobStatus) bool {
	return s == constants.JobStatusCompleted || s == constants.JobStatusCancelled
}
