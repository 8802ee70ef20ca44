package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"plugin-runner/internal/models"
	"plugin-runner/internal/store"
	"plugin-runner/internal/telemetry"
)

// ErrScheduling marks a chain the transport did not accept.
var ErrScheduling = errors.New("scheduling failed")

// Publisher is the producer side of the queue transport.
type Publisher interface {
	Publish(ctx context.Context, chain models.Chain) error
}

// Dispatcher hands chains to the transport.
type Dispatcher struct {
	records   store.Records
	transport Publisher
	escalator Escalator
	log       *zap.Logger
}

func NewDispatcher(records store.Records, transport Publisher, escalator Escalator, log *zap.Logger) *Dispatcher {
	return &Dispatcher{records: records, transport: transport, escalator: escalator, log: log.Named("dispatcher")}
}

// Submit publishes the chain of a PENDING record. When the transport rejects
// it the record goes straight to FAILURE, since no worker will ever run it,
// and the returned error wraps ErrScheduling.
func (d *Dispatcher) Submit(ctx context.Context, chain models.Chain) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "job.dispatch",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("job.id", chain.JobID), attribute.String("job.kind", chain.JobKind)),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	pubErr := d.transport.Publish(ctx, chain)
	if pubErr == nil {
		d.log.Debug("chain dispatched", zap.String("job_id", chain.JobID), zap.String("job_kind", chain.JobKind))
		return nil
	}

	telemetry.SchedulingFailures.Inc()
	d.log.Error("chain rejected by transport", zap.String("job_id", chain.JobID), zap.Error(pubErr))

	// The caller's context may be the reason publishing failed.
	recCtx := context.WithoutCancel(ctx)
	_, recErr := d.records.Update(recCtx, chain.JobID, func(r *models.Record) error {
		if r.Status != models.StatusPending {
			return fmt.Errorf("%w: dispatch failure on %s record", models.ErrInvalidTransition, r.Status)
		}
		r.Status = models.StatusFailure
		r.Finish(time.Now().UTC())
		r.AppendLog(fmt.Sprintf("Error scheduling task: %v", pubErr))
		return nil
	})
	if recErr != nil {
		d.escalator.Escalate(recCtx, chain.JobID, pubErr, recErr)
	}
	return fmt.Errorf("%w: %v", ErrScheduling, pubErr)
}
