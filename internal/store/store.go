// Package store persists job records. Every driver applies mutations
// atomically per record and validates them with models.CheckUpdate.
package store

import (
	"context"

	"plugin-runner/internal/models"
)

// Mutation edits a record in place inside the per-record critical section.
// Returning an error aborts the update.
type Mutation func(*models.Record) error

// Records is the job record store contract shared by all drivers.
type Records interface {
	Create(ctx context.Context, jobKind string, parameters []byte) (models.Record, error)
	Load(ctx context.Context, id string) (models.Record, error)
	Update(ctx context.Context, id string, mutate Mutation) (models.Record, error)
	AppendLog(ctx context.Context, id string, text string) error
}
