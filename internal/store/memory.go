package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"plugin-runner/internal/models"
)

var _ Records = (*Memory)(nil)

// Memory is an in-process record store. Safe for concurrent access.
type Memory struct {
	mu      sync.Mutex
	records map[string]models.Record
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]models.Record)}
}

// Create inserts a pending record.
func (m *Memory) Create(_ context.Context, jobKind string, parameters []byte) (models.Record, error) {
	rec := models.Record{
		ID:         uuid.New().String(),
		JobKind:    jobKind,
		Parameters: append([]byte(nil), parameters...),
		Status:     models.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec.Clone()
	return rec, nil
}

// Load returns a copy of the record.
func (m *Memory) Load(_ context.Context, id string) (models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return models.Record{}, fmt.Errorf("load %s: %w", id, models.ErrNotFound)
	}
	return rec.Clone(), nil
}

// Update applies mutate under the store lock and keeps the result only if it
// passes transition validation.
func (m *Memory) Update(_ context.Context, id string, mutate Mutation) (models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.records[id]
	if !ok {
		return models.Record{}, fmt.Errorf("update %s: %w", id, models.ErrNotFound)
	}
	next := prev.Clone()
	if err := mutate(&next); err != nil {
		return models.Record{}, err
	}
	if err := models.CheckUpdate(prev, next); err != nil {
		return models.Record{}, fmt.Errorf("update %s: %w", id, err)
	}
	m.records[id] = next.Clone()
	return next, nil
}

// AppendLog adds a log entry regardless of status.
func (m *Memory) AppendLog(_ context.Context, id string, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("append log %s: %w", id, models.ErrNotFound)
	}
	rec.AppendLog(text)
	m.records[id] = rec
	return nil
}
