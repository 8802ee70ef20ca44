package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(time.Minute)

	if err := q.Publish(ctx, testChain("job-1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	d, ok, err := q.Receive(ctx)
	if err != nil || !ok || d.Chain.JobID != "job-1" {
		t.Fatalf("receive: ok=%v err=%v chain=%+v", ok, err, d.Chain)
	}
	if _, ok, _ := q.Receive(ctx); ok {
		t.Fatalf("leased message must not be delivered twice")
	}

	// Nothing expired yet.
	if ids, _ := q.RequeueExpired(ctx, time.Now(), 10); len(ids) != 0 {
		t.Fatalf("unexpected requeue %v", ids)
	}
	ids, _ := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if len(ids) != 1 || ids[0] != d.ID {
		t.Fatalf("expected %s requeued, got %v", d.ID, ids)
	}

	d2, ok, _ := q.Receive(ctx)
	if !ok || d2.ID != d.ID {
		t.Fatalf("expected redelivery of %s", d.ID)
	}
	_ = q.Ack(ctx, d2.ID)
	if n, _ := q.InflightDepth(ctx); n != 0 {
		t.Fatalf("expected empty inflight, got %d", n)
	}
}

func TestMemoryClosedRejectsPublish(t *testing.T) {
	q := NewMemory(0)
	q.Close()
	if err := q.Publish(context.Background(), testChain("job-1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestMemoryPeekEscalationsCount(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(time.Minute)
	for _, id := range []string{"job-1", "job-2", "job-3"} {
		_ = q.PushEscalation(ctx, id)
	}

	for _, tt := range []struct {
		count int64
		want  int
	}{{1, 1}, {3, 3}, {10, 3}, {0, 3}, {-5, 3}} {
		ids, err := q.PeekEscalations(ctx, tt.count)
		if err != nil || len(ids) != tt.want {
			t.Errorf("PeekEscalations(%d) = %v, %v; want %d ids", tt.count, ids, err, tt.want)
		}
	}
}
