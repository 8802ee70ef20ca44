package models

import (
	"bytes"
	"fmt"
	"time"
)

var allowedTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailure},
	StatusRunning: {StatusSuccess, StatusFailure},
}

// CanTransition reports whether a record may move from one status to another.
// Keeping the same status is not a transition and is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckUpdate validates that next is a legal successor of prev. Stores call
// it inside the per-record critical section before persisting a mutation.
func CheckUpdate(prev, next Record) error {
	if next.ID != prev.ID || next.JobKind != prev.JobKind || !bytes.Equal(next.Parameters, prev.Parameters) {
		return fmt.Errorf("%w: immutable fields changed", ErrInvalidTransition)
	}
	if !next.CreatedAt.Equal(prev.CreatedAt) {
		return fmt.Errorf("%w: created_at changed", ErrInvalidTransition)
	}
	if !next.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next.Status)
	}
	if !CanTransition(prev.Status, next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, next.Status)
	}
	if err := checkOnce("started_at", prev.StartedAt, next.StartedAt); err != nil {
		return err
	}
	if err := checkOnce("finished_at", prev.FinishedAt, next.FinishedAt); err != nil {
		return err
	}
	if next.StartedAt != nil && next.StartedAt.Before(next.CreatedAt) {
		return fmt.Errorf("%w: started_at before created_at", ErrInvalidTransition)
	}
	// Begin and Finish clamp, so these only trip on hand-set timestamps.
	if next.FinishedAt != nil && next.FinishedAt.Before(next.CreatedAt) {
		return fmt.Errorf("%w: finished_at before created_at", ErrInvalidTransition)
	}
	if next.FinishedAt != nil && next.StartedAt != nil && next.FinishedAt.Before(*next.StartedAt) {
		return fmt.Errorf("%w: finished_at before started_at", ErrInvalidTransition)
	}
	if next.Status.Terminal() && next.FinishedAt == nil {
		return fmt.Errorf("%w: terminal status without finished_at", ErrInvalidTransition)
	}
	if len(next.Log) < len(prev.Log) {
		return fmt.Errorf("%w: log entries removed", ErrInvalidTransition)
	}
	for i := range prev.Log {
		if next.Log[i] != prev.Log[i] {
			return fmt.Errorf("%w: log entry %d rewritten", ErrInvalidTransition, i)
		}
	}
	if !refsEqual(prev.ResultRefs, next.ResultRefs) {
		if prev.Status != StatusRunning || next.Status != StatusSuccess {
			return fmt.Errorf("%w: result_refs only change on success", ErrInvalidTransition)
		}
	}
	return nil
}

func checkOnce(field string, prev, next *time.Time) error {
	if prev == nil {
		return nil
	}
	if next == nil || !next.Equal(*prev) {
		return fmt.Errorf("%w: %s already set", ErrInvalidTransition, field)
	}
	return nil
}

func refsEqual(a, b []ArtifactRef) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
