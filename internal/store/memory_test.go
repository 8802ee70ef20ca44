package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"plugin-runner/internal/models"
)

func TestMemoryCreateAndLoad(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	rec, err := s.Create(ctx, "echo", []byte(`{"example_value":"abc"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Status != models.StatusPending {
		t.Fatalf("expected PENDING, got %s", rec.Status)
	}

	loaded, err := s.Load(ctx, rec.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.JobKind != "echo" || string(loaded.Parameters) != `{"example_value":"abc"}` {
		t.Fatalf("unexpected record %+v", loaded)
	}

	if _, err := s.Load(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryUpdateRejectsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	rec, _ := s.Create(ctx, "echo", []byte(`{}`))

	_, err := s.Update(ctx, rec.ID, func(r *models.Record) error {
		r.Status = models.StatusSuccess
		r.Finish(time.Now().UTC())
		return nil
	})
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	loaded, _ := s.Load(ctx, rec.ID)
	if loaded.Status != models.StatusPending || loaded.FinishedAt != nil {
		t.Fatalf("rejected update must not be visible, got %+v", loaded)
	}
}

func TestMemoryUpdateMutationErrorAborts(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	rec, _ := s.Create(ctx, "echo", []byte(`{}`))

	sentinel := errors.New("stop")
	_, err := s.Update(ctx, rec.ID, func(r *models.Record) error {
		r.AppendLog("partial")
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected mutation error, got %v", err)
	}
	loaded, _ := s.Load(ctx, rec.ID)
	if len(loaded.Log) != 0 {
		t.Fatalf("aborted mutation leaked log entries: %+v", loaded.Log)
	}
}

func TestMemoryAppendLogAfterTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	rec, _ := s.Create(ctx, "echo", []byte(`{}`))

	_, err := s.Update(ctx, rec.ID, func(r *models.Record) error {
		r.Status = models.StatusFailure
		r.Finish(time.Now().UTC())
		return nil
	})
	if err != nil {
		t.Fatalf("fail record: %v", err)
	}
	if err := s.AppendLog(ctx, rec.ID, "diagnostic"); err != nil {
		t.Fatalf("append log after terminal: %v", err)
	}
	loaded, _ := s.Load(ctx, rec.ID)
	if len(loaded.Log) != 1 || loaded.Log[0].Text != "diagnostic" {
		t.Fatalf("unexpected log %+v", loaded.Log)
	}
}

func TestMemoryConcurrentUpdatesAreSerialized(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	rec, _ := s.Create(ctx, "echo", []byte(`{}`))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Update(ctx, rec.ID, func(r *models.Record) error {
				r.AppendLog("tick")
				return nil
			})
		}()
	}
	wg.Wait()

	loaded, _ := s.Load(ctx, rec.ID)
	if len(loaded.Log) != 50 {
		t.Fatalf("expected 50 log entries, got %d", len(loaded.Log))
	}
}

func TestMemoryBeginOnlyOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	rec, _ := s.Create(ctx, "echo", []byte(`{}`))

	begin := func(r *models.Record) error {
		now := time.Now().UTC()
		r.Status = models.StatusRunning
		r.StartedAt = &now
		return nil
	}
	if _, err := s.Update(ctx, rec.ID, begin); err != nil {
		t.Fatalf("first begin: %v", err)
	}
	if _, err := s.Update(ctx, rec.ID, begin); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("second begin should overwrite started_at and fail, got %v", err)
	}
}
