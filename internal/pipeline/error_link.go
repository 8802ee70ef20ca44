package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"plugin-runner/internal/models"
	"plugin-runner/internal/store"
	"plugin-runner/internal/telemetry"
)

// ErrorLink finalizes a job whose chain failed.
type ErrorLink struct {
	records   store.Records
	escalator Escalator
	log       *zap.Logger
}

func NewErrorLink(records store.Records, escalator Escalator, log *zap.Logger) *ErrorLink {
	return &ErrorLink{records: records, escalator: escalator, log: log.Named("error_link")}
}

// Capture moves the record to FAILURE and appends the cause. On a record
// that is already terminal it only appends the cause; status and
// finished_at are left alone. If the record cannot be written the failure
// is escalated and the write error returned.
func (l *ErrorLink) Capture(ctx context.Context, jobID string, cause error) error {
	transitioned := false
	rec, err := l.records.Update(ctx, jobID, func(r *models.Record) error {
		transitioned = false
		if r.Status.Terminal() {
			r.AppendLog(fmt.Sprintf("Error after task reached %s: %v", r.Status, cause))
			return nil
		}
		r.Status = models.StatusFailure
		r.Finish(time.Now().UTC())
		r.AppendLog(fmt.Sprintf("Task failed: %v", cause))
		transitioned = true
		return nil
	})
	if err != nil {
		l.escalator.Escalate(ctx, jobID, cause, err)
		return fmt.Errorf("capture failure of %s: %w", jobID, err)
	}

	if transitioned {
		telemetry.JobsFailed.WithLabelValues(rec.JobKind).Inc()
		l.log.Warn("job failed", zap.String("job_id", jobID), zap.String("job_kind", rec.JobKind), zap.NamedError("cause", cause))
	} else {
		l.log.Info("error captured on terminal job", zap.String("job_id", jobID), zap.String("status", string(rec.Status)), zap.NamedError("cause", cause))
	}
	return nil
}
