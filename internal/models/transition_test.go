package models

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusFailure, true},
		{StatusPending, StatusSuccess, false},
		{StatusRunning, StatusSuccess, true},
		{StatusRunning, StatusFailure, true},
		{StatusRunning, StatusPending, false},
		{StatusSuccess, StatusFailure, false},
		{StatusFailure, StatusRunning, false},
		{StatusFailure, StatusPending, false},
		{StatusSuccess, StatusSuccess, true},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func baseRecord() Record {
	return Record{
		ID:         "job-1",
		JobKind:    "echo",
		Parameters: []byte(`{"example_value":"abc"}`),
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC().Add(-time.Minute),
	}
}

func TestCheckUpdate(t *testing.T) {
	started := time.Now().UTC().Add(-30 * time.Second)
	finished := time.Now().UTC()

	tests := []struct {
		name    string
		prev    func() Record
		mutate  func(*Record)
		wantErr bool
	}{
		{
			name:   "begin",
			prev:   baseRecord,
			mutate: func(r *Record) { r.Status = StatusRunning; r.StartedAt = &started },
		},
		{
			name:    "success from pending",
			prev:    baseRecord,
			mutate:  func(r *Record) { r.Status = StatusSuccess; r.Finish(finished) },
			wantErr: true,
		},
		{
			name: "terminal needs finished_at",
			prev: func() Record {
				r := baseRecord()
				r.Status = StatusRunning
				r.StartedAt = &started
				return r
			},
			mutate:  func(r *Record) { r.Status = StatusFailure },
			wantErr: true,
		},
		{
			name: "finished_at overwrite",
			prev: func() Record {
				r := baseRecord()
				r.Status = StatusFailure
				r.FinishedAt = &started
				return r
			},
			mutate:  func(r *Record) { r.FinishedAt = &finished },
			wantErr: true,
		},
		{
			name:    "parameters are immutable",
			prev:    baseRecord,
			mutate:  func(r *Record) { r.Parameters = []byte(`{}`) },
			wantErr: true,
		},
		{
			name: "log history is append only",
			prev: func() Record {
				r := baseRecord()
				r.AppendLog("first")
				return r
			},
			mutate:  func(r *Record) { r.Log[0].Text = "rewritten" },
			wantErr: true,
		},
		{
			name: "refs only on success",
			prev: func() Record {
				r := baseRecord()
				r.Status = StatusRunning
				r.StartedAt = &started
				return r
			},
			mutate: func(r *Record) {
				r.Status = StatusFailure
				r.Finish(finished)
				r.ResultRefs = []ArtifactRef{{Name: "out.txt"}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := tt.prev()
			next := prev.Clone()
			tt.mutate(&next)
			err := CheckUpdate(prev, next)
			if tt.wantErr && !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestBeginAndFinishClampToCreatedAt(t *testing.T) {
	prev := baseRecord()
	// The admitting host's clock runs ahead of the worker's.
	prev.CreatedAt = time.Now().UTC().Add(5 * time.Millisecond)
	workerNow := time.Now().UTC()

	running := prev.Clone()
	running.Status = StatusRunning
	running.Begin(workerNow)
	if err := CheckUpdate(prev, running); err != nil {
		t.Fatalf("begin with a lagging clock rejected: %v", err)
	}
	if !running.StartedAt.Equal(prev.CreatedAt) {
		t.Fatalf("expected started_at raised to created_at, got %v", running.StartedAt)
	}

	done := running.Clone()
	done.Status = StatusSuccess
	done.Finish(workerNow.Add(-time.Second))
	if err := CheckUpdate(running, done); err != nil {
		t.Fatalf("finish with a lagging clock rejected: %v", err)
	}
	if done.FinishedAt.Before(*done.StartedAt) {
		t.Fatalf("finished_at %v before started_at %v", done.FinishedAt, done.StartedAt)
	}

	// A failure straight from PENDING is floored at created_at as well.
	failed := prev.Clone()
	failed.Status = StatusFailure
	failed.Finish(workerNow)
	if err := CheckUpdate(prev, failed); err != nil {
		t.Fatalf("schedule failure with a lagging clock rejected: %v", err)
	}
}

func TestCheckUpdateRejectsFinishBeforeCreate(t *testing.T) {
	prev := baseRecord()
	next := prev.Clone()
	next.Status = StatusFailure
	early := prev.CreatedAt.Add(-time.Second)
	next.FinishedAt = &early
	if err := CheckUpdate(prev, next); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}
