package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"plugin-runner/internal/models"
	"plugin-runner/internal/queue"
	"plugin-runner/internal/store"
)

type recordingEscalator struct {
	mu   sync.Mutex
	jobs []string
}

func (r *recordingEscalator) Escalate(_ context.Context, jobID string, _, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, jobID)
}

type rejectingPublisher struct{}

func (rejectingPublisher) Publish(context.Context, models.Chain) error {
	return errors.New("broker unreachable")
}

type brokenRecords struct {
	store.Records
}

func (brokenRecords) Update(context.Context, string, store.Mutation) (models.Record, error) {
	return models.Record{}, models.ErrStorage
}

func TestBuildChain(t *testing.T) {
	c := BuildChain(models.Record{ID: "abc", JobKind: "echo"})
	if c.JobID != "abc" || c.JobKind != "echo" {
		t.Fatalf("unexpected chain %+v", c)
	}
	if len(c.Steps) != 2 || c.Steps[0] != models.StepExecute || c.Steps[1] != models.StepPersistResult {
		t.Fatalf("unexpected steps %v", c.Steps)
	}
	if c.OnError != models.StepCaptureError {
		t.Fatalf("unexpected error link %q", c.OnError)
	}
}

func TestAdmissionPublishesPendingRecord(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemory()
	q := queue.NewMemory(time.Minute)
	a := NewAdmission(records, NewDispatcher(records, q, &recordingEscalator{}, zap.NewNop()), zap.NewNop())

	rec, err := a.Submit(ctx, "echo", []byte(`{"example_value":"abc"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Status != models.StatusPending {
		t.Fatalf("expected PENDING, got %s", rec.Status)
	}

	d, ok, err := q.Receive(ctx)
	if err != nil || !ok {
		t.Fatalf("expected a delivery, got ok=%v err=%v", ok, err)
	}
	if d.Chain.JobID != rec.ID || d.Chain.OnError != models.StepCaptureError {
		t.Fatalf("unexpected chain %+v", d.Chain)
	}
}

func TestAdmissionSchedulingFailure(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemory()
	a := NewAdmission(records, NewDispatcher(records, rejectingPublisher{}, &recordingEscalator{}, zap.NewNop()), zap.NewNop())

	rec, err := a.Submit(ctx, "echo", []byte(`{"example_value":"abc"}`))
	if !errors.Is(err, ErrScheduling) {
		t.Fatalf("expected ErrScheduling, got %v", err)
	}
	if rec.Status != models.StatusFailure {
		t.Fatalf("expected FAILURE, got %s", rec.Status)
	}
	if rec.StartedAt != nil {
		t.Fatalf("record should never have been RUNNING")
	}
	if rec.FinishedAt == nil {
		t.Fatalf("expected finished_at")
	}
	found := false
	for _, e := range rec.Log {
		if strings.Contains(e.Text, "scheduling") && strings.Contains(e.Text, "broker unreachable") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected scheduling log entry, got %+v", rec.Log)
	}
}

func TestDispatcherClosedQueue(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemory()
	q := queue.NewMemory(time.Minute)
	q.Close()
	rec, _ := records.Create(ctx, "echo", []byte(`{}`))

	err := NewDispatcher(records, q, &recordingEscalator{}, zap.NewNop()).Submit(ctx, BuildChain(rec))
	if !errors.Is(err, ErrScheduling) {
		t.Fatalf("expected ErrScheduling, got %v", err)
	}
	got, _ := records.Load(ctx, rec.ID)
	if got.Status != models.StatusFailure {
		t.Fatalf("expected FAILURE, got %s", got.Status)
	}
}

func TestDispatcherEscalatesUnrecordableFailure(t *testing.T) {
	ctx := context.Background()
	esc := &recordingEscalator{}
	records := brokenRecords{Records: store.NewMemory()}
	rec, _ := records.Create(ctx, "echo", []byte(`{}`))

	err := NewDispatcher(records, rejectingPublisher{}, esc, zap.NewNop()).Submit(ctx, BuildChain(rec))
	if !errors.Is(err, ErrScheduling) {
		t.Fatalf("expected ErrScheduling, got %v", err)
	}
	if len(esc.jobs) != 1 || esc.jobs[0] != rec.ID {
		t.Fatalf("expected escalation, got %v", esc.jobs)
	}
}

func TestErrorLinkCapture(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemory()
	link := NewErrorLink(records, &recordingEscalator{}, zap.NewNop())
	rec, _ := records.Create(ctx, "echo", []byte(`{}`))

	if err := link.Capture(ctx, rec.ID, errors.New("x")); err != nil {
		t.Fatalf("capture: %v", err)
	}
	first, _ := records.Load(ctx, rec.ID)
	if first.Status != models.StatusFailure || first.FinishedAt == nil {
		t.Fatalf("expected FAILURE with finished_at, got %+v", first)
	}

	// A second capture only adds to the log.
	if err := link.Capture(ctx, rec.ID, errors.New("y")); err != nil {
		t.Fatalf("second capture: %v", err)
	}
	second, _ := records.Load(ctx, rec.ID)
	if second.Status != models.StatusFailure || !second.FinishedAt.Equal(*first.FinishedAt) {
		t.Fatalf("terminal fields changed: %+v", second)
	}
	if len(second.Log) != len(first.Log)+1 {
		t.Fatalf("expected one more log entry, got %+v", second.Log)
	}
}

func TestErrorLinkEscalatesOnWriteFailure(t *testing.T) {
	ctx := context.Background()
	esc := &recordingEscalator{}
	link := NewErrorLink(brokenRecords{Records: store.NewMemory()}, esc, zap.NewNop())

	err := link.Capture(ctx, "job-1", errors.New("x"))
	if !errors.Is(err, models.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if len(esc.jobs) != 1 || esc.jobs[0] != "job-1" {
		t.Fatalf("expected escalation, got %v", esc.jobs)
	}
}

func TestOperatorChannelPushesToSink(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory(time.Minute)
	NewOperatorChannel(zap.NewNop(), q).Escalate(ctx, "job-9", errors.New("x"), errors.New("db down"))

	items, err := q.PeekEscalations(ctx, 10)
	if err != nil || len(items) != 1 || items[0] != "job-9" {
		t.Fatalf("expected escalation entry, got %v err=%v", items, err)
	}
}
