package models

import (
	"errors"
	"time"
)

// Status enumerates lifecycle states persisted for a job record.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailure:
		return true
	}
	return false
}

var (
	ErrNotFound          = errors.New("job record not found")
	ErrInvalidTransition = errors.New("invalid job record transition")
	ErrStorage           = errors.New("job record storage failure")
)

// Record is the durable state of one submitted job.
type Record struct {
	ID         string        `json:"id"`
	JobKind    string        `json:"job_kind"`
	Parameters []byte        `json:"-"`
	Status     Status        `json:"status"`
	Log        []LogEntry    `json:"log_entries"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	ResultRefs []ArtifactRef `json:"result_refs"`
}

// LogEntry is one timestamped line of a job's log.
type LogEntry struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// ArtifactRef points at a complete artifact owned by a job.
type ArtifactRef struct {
	Name      string `json:"name"`
	DataKind  string `json:"data_kind"`
	MediaType string `json:"media_type"`
	URI       string `json:"uri,omitempty"`
	Size      int64  `json:"size"`
}

// AppendLog adds a log line stamped with the current time.
func (r *Record) AppendLog(text string) {
	r.Log = append(r.Log, LogEntry{At: time.Now().UTC(), Text: text})
}

// Begin sets started_at unless it is already set. Timestamps come from
// different hosts, so at is raised to created_at when that clock is ahead.
func (r *Record) Begin(at time.Time) {
	if r.StartedAt != nil {
		return
	}
	if at.Before(r.CreatedAt) {
		at = r.CreatedAt
	}
	r.StartedAt = &at
}

// Finish sets finished_at unless it is already set, never earlier than the
// record's previous timestamps.
func (r *Record) Finish(at time.Time) {
	if r.FinishedAt != nil {
		return
	}
	floor := r.CreatedAt
	if r.StartedAt != nil && r.StartedAt.After(floor) {
		floor = *r.StartedAt
	}
	if at.Before(floor) {
		at = floor
	}
	r.FinishedAt = &at
}

// Ref returns the result reference with the given name.
func (r Record) Ref(name string) (ArtifactRef, bool) {
	for _, ref := range r.ResultRefs {
		if ref.Name == name {
			return ref, true
		}
	}
	return ArtifactRef{}, false
}

// Clone returns a deep copy so stores never share slices with callers.
func (r Record) Clone() Record {
	cp := r
	cp.Parameters = append([]byte(nil), r.Parameters...)
	cp.Log = append([]LogEntry(nil), r.Log...)
	cp.ResultRefs = append([]ArtifactRef(nil), r.ResultRefs...)
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	return cp
}
