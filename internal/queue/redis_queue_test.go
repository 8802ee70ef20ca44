package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"plugin-runner/internal/config"
	"plugin-runner/internal/models"
)

func newTestQueue(t *testing.T, visibility time.Duration) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, config.Config{QueueName: "test", VisibilityTimeout: visibility}), mr
}

func testChain(id string) models.Chain {
	return models.Chain{
		JobID:   id,
		JobKind: "echo",
		Steps:   []models.Step{models.StepExecute, models.StepPersistResult},
		OnError: models.StepCaptureError,
	}
}

func TestRedisQueuePublishReceiveAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)

	if err := q.Publish(ctx, testChain("job-1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("expected ready depth 1, got %d", depth)
	}

	d, ok, err := q.Receive(ctx)
	if err != nil || !ok {
		t.Fatalf("receive: ok=%v err=%v", ok, err)
	}
	if d.Chain.JobID != "job-1" || len(d.Chain.Steps) != 2 || d.Chain.OnError != models.StepCaptureError {
		t.Fatalf("unexpected chain %+v", d.Chain)
	}
	if depth, _ := q.InflightDepth(ctx); depth != 1 {
		t.Fatalf("expected 1 in flight, got %d", depth)
	}

	if _, ok, _ := q.Receive(ctx); ok {
		t.Fatalf("leased message must not be delivered twice")
	}

	if err := q.Ack(ctx, d.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if depth, _ := q.InflightDepth(ctx); depth != 0 {
		t.Fatalf("expected empty in-flight set, got %d", depth)
	}
}

func TestRedisQueueRequeueExpired(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Millisecond)

	_ = q.Publish(ctx, testChain("job-1"))
	d, ok, _ := q.Receive(ctx)
	if !ok {
		t.Fatalf("expected a delivery")
	}

	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 1 || ids[0] != d.ID {
		t.Fatalf("expected %s requeued, got %v", d.ID, ids)
	}

	again, ok, _ := q.Receive(ctx)
	if !ok || again.ID != d.ID || again.Chain.JobID != "job-1" {
		t.Fatalf("expected redelivery of %s, got %+v ok=%v", d.ID, again, ok)
	}
}

func TestRedisQueueExtendLease(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Millisecond)

	_ = q.Publish(ctx, testChain("job-1"))
	d, _, _ := q.Receive(ctx)
	if err := q.ExtendLease(ctx, d.ID, time.Hour); err != nil {
		t.Fatalf("extend: %v", err)
	}
	ids, _ := q.RequeueExpired(ctx, time.Now().Add(time.Second), 10)
	if len(ids) != 0 {
		t.Fatalf("extended lease must not be requeued, got %v", ids)
	}
}

func TestRedisQueuePublishFailsWhenUnavailable(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t, time.Minute)
	mr.Close()

	if err := q.Publish(ctx, testChain("job-1")); err == nil {
		t.Fatalf("expected publish error with redis down")
	}
}

func TestRedisQueueEscalations(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)

	_ = q.PushEscalation(ctx, "job-1")
	_ = q.PushEscalation(ctx, "job-2")
	ids, err := q.PeekEscalations(ctx, 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(ids) != 2 || ids[0] != "job-1" {
		t.Fatalf("unexpected escalations %v", ids)
	}
}

func TestRedisQueuePeekEscalationsCount(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, time.Minute)
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
