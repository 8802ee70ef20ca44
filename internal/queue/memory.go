package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"plugin-runner/internal/models"
)

// Memory is an in-process transport with the same lease semantics as
// RedisQueue. Used by tests and single-process setups.
type Memory struct {
	mu          sync.Mutex
	ready       []message
	inflight    map[string]inflightMsg
	visibility  time.Duration
	escalations []string
	closed      bool
}

type inflightMsg struct {
	msg      message
	deadline time.Time
}

func NewMemory(visibility time.Duration) *Memory {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &Memory{inflight: make(map[string]inflightMsg), visibility: visibility}
}

func (m *Memory) Publish(_ context.Context, chain models.Chain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.ready = append(m.ready, message{ID: uuid.New().String(), Chain: chain, EnqueuedAt: time.Now().UTC()})
	return nil
}

func (m *Memory) Receive(_ context.Context) (Delivery, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ready) == 0 {
		return Delivery{}, false, nil
	}
	msg := m.ready[0]
	m.ready = m.ready[1:]
	m.inflight[msg.ID] = inflightMsg{msg: msg, deadline: time.Now().Add(m.visibility)}
	return Delivery{ID: msg.ID, Chain: msg.Chain, EnqueuedAt: msg.EnqueuedAt}, true, nil
}

func (m *Memory) ExtendLease(_ context.Context, id string, extension time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in, ok := m.inflight[id]; ok {
		in.deadline = time.Now().Add(extension)
		m.inflight[id] = in
	}
	return nil
}

func (m *Memory) Ack(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, id)
	return nil
}

func (m *Memory) RequeueExpired(_ context.Context, now time.Time, limit int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, in := range m.inflight {
		if limit > 0 && int64(len(ids)) >= limit {
			break
		}
		if in.deadline.After(now) {
			continue
		}
		delete(m.inflight, id)
		m.ready = append(m.ready, in.msg)
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Memory) ReadyDepth(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.ready)), nil
}

func (m *Memory) InflightDepth(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.inflight)), nil
}

func (m *Memory) PushEscalation(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escalations = append(m.escalations, jobID)
	return nil
}

func (m *Memory) PeekEscalations(_ context.Context, count int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// count <= 0 means all, as with the Redis driver.
	n := int64(len(m.escalations))
	if count > 0 && count < n {
		n = count
	}
	return append([]string(nil), m.escalations[:n]...), nil
}

// Close makes further Publish calls fail with ErrClosed.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}
