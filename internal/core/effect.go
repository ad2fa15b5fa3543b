package core

import (
	"fmt"

	"github.com/joseph-ayodele/workledger/constants"
	"github.com/joseph-ayodele/workledger/internal/entity"
)

// EffectKind tags an Effect variant.
type EffectKind int

const (
	EffectWriteOutput EffectKind = iota + 1
	EffectSetFlag
	EffectRecordTracking
	EffectSaveLinkReport
	EffectSetJobItem
)

func (k EffectKind) String() string {
	switch k {
	case EffectWriteOutput:
		return "write_output"
	case EffectSetFlag:
		return "set_flag"
	case EffectRecordTracking:
		return "record_tracking"
	case EffectSaveLinkReport:
		return "save_link_report"
	case EffectSetJobItem:
		return "set_job_item"
	default:
		return fmt.Sprintf("effect(%d)", int(k))
	}
}

// Effect is a deferred write produced by a worker and applied by the
// Reconciler. Only the fields relevant to Kind are set.
type Effect struct {
	Kind    EffectKind
	Key     string
	Content string
	Flag    constants.Flag
	Status  constants.TrackingStatus
	Reason  string
	Report  *entity.LinkReport
	JobItem *entity.JobItemUpdate
}

func WriteOutput(key, content string) Effect {
	return Effect{Kind: EffectWriteOutput, Key: key, Content: content}
}

func SetFlag(key string, flag constants.Flag) Effect {
	return Effect{Kind: EffectSetFlag, Key: key, Flag: flag}
}

func RecordTracking(key string, status constants.TrackingStatus, reason string) Effect {
	return Effect{Kind: EffectRecordTracking, Key: key, Status: status, Reason: reason}
}

func SaveLinkReport(r entity.LinkReport) Effect {
	return Effect{Kind: EffectSaveLinkReport, Key: r.Key, Report: &r}
}

func SetJobItem(u entity.JobItemUpdate) Effect {
	return Effect{Kind: EffectSetJobItem, Key: u.ItemKey, JobItem: &u}
}

// StandardEffects maps an outcome to the work item and tracking writes it
// implies:
//
//	Success         output, flag DONE_WITH_OUTPUT, tracking success
//	PermanentEmpty  flag DONE_NO_OUTPUT, tracking skipped
//	PermanentError  flag DONE_NO_OUTPUT, tracking failed
//	TransientError  tracking failed, flag stays PENDING
//	RateLimited     nothing
//
// A PermanentEmpty result for a key that already has output keeps the key
// DONE_WITH_OUTPUT with a success record.
func StandardEffects(r Result) []Effect {
	switch r.Outcome {
	case Success:
		return []Effect{
			WriteOutput(r.Key, r.Output),
			SetFlag(r.Key, constants.FlagDoneWithOutput),
			RecordTracking(r.Key, constants.TrackingSuccess, r.Reason),
		}
	case PermanentEmpty:
		if r.Existing {
			return []Effect{
				SetFlag(r.Key, constants.FlagDoneWithOutput),
				RecordTracking(r.Key, constants.TrackingSuccess, r.Reason),
			}
		}
		return []Effect{
			SetFlag(r.Key, constants.FlagDoneNoOutput),
			RecordTracking(r.Key, constants.TrackingSkipped, r.Reason),
		}
	case PermanentError:
		return []Effect{
			SetFlag(r.Key, constants.FlagDoneNoOutput),
			RecordTracking(r.Key, constants.TrackingFailed, r.Reason),
		}
	case TransientError:
		return []Effect{RecordTracking(r.Key, constants.TrackingFailed, r.Reason)}
	default:
		return nil
	}
}

// WithStandardEffects returns r with StandardEffects appended.
func WithStandardEffects(r Result) Result {
	r.Effects = append(r.Effects, StandardEffects(r)...)
	return r
}

// JobItemStatusFor maps an outcome to the status a job item should take.
// ok is false when the item must stay where it is.
func JobItemStatusFor(o Outcome) (constants.JobItemStatus, bool) {
	switch o {
	case Success:
		return constants.JobItemCompleted, true
	case PermanentEmpty:
		return constants.JobItemSkipped, true
	case PermanentError, TransientError:
		return constants.JobItemFailed, true
	default:
		return "", false
	}
}
