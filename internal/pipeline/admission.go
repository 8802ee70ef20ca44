package pipeline

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"plugin-runner/internal/models"
	"plugin-runner/internal/store"
	"plugin-runner/internal/telemetry"
)

// Admission is the synchronous submission path: record first, then dispatch.
type Admission struct {
	records    store.Records
	dispatcher *Dispatcher
	log        *zap.Logger
}

func NewAdmission(records store.Records, dispatcher *Dispatcher, log *zap.Logger) *Admission {
	return &Admission{records: records, dispatcher: dispatcher, log: log.Named("admission")}
}

// Submit creates the job record and dispatches its chain. On a scheduling
// failure it returns the FAILURE record together with the error, so the
// caller can report it right away.
func (a *Admission) Submit(ctx context.Context, jobKind string, parameters []byte) (models.Record, error) {
	rec, err := a.records.Create(ctx, jobKind, parameters)
	if err != nil {
		return models.Record{}, err
	}
	telemetry.JobsAdmitted.WithLabelValues(jobKind).Inc()
	a.log.Info("job admitted", zap.String("job_id", rec.ID), zap.String("job_kind", jobKind))

	if err := a.dispatcher.Submit(ctx, BuildChain(rec)); err != nil {
		if failed, loadErr := a.records.Load(context.WithoutCancel(ctx), rec.ID); loadErr == nil {
			rec = failed
		} else {
			err = errors.Join(err, loadErr)
		}
		return rec, err
	}
	return rec, nil
}
