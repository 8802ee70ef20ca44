// Package queue moves chains from the admission path to workers.
package queue

import (
	"errors"
	"time"

	"plugin-runner/internal/models"
)

// ErrClosed is returned by transports that no longer accept work.
var ErrClosed = errors.New("queue closed")

// Delivery is one leased message. Ack it once the chain has run.
type Delivery struct {
	ID         string
	Chain      models.Chain
	EnqueuedAt time.Time
}

// message is the wire envelope stored in the transport.
type message struct {
	ID         string       `json:"id"`
	Chain      models.Chain `json:"chain"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}
