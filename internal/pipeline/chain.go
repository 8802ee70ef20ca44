// Package pipeline admits jobs, builds their chains, hands them to the queue
// and finalizes failed runs.
package pipeline

import (
	"plugin-runner/internal/models"
)

// BuildChain composes execute and persist-result as ordered steps with
// capture-error as the side-link that fires when either of them fails.
func BuildChain(rec models.Record) models.Chain {
	return models.Chain{
		JobID:   rec.ID,
		JobKind: rec.JobKind,
		Steps:   []models.Step{models.StepExecute, models.StepPersistResult},
		OnError: models.StepCaptureError,
	}
}
