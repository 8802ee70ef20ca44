package pipeline

import (
	"context"

	"go.uber.org/zap"

	"plugin-runner/internal/telemetry"
)

// Escalator receives failures that could not be recorded on the job record.
type Escalator interface {
	Escalate(ctx context.Context, jobID string, cause, recordErr error)
}

type escalationSink interface {
	PushEscalation(ctx context.Context, jobID string) error
}

// OperatorChannel logs at error level, counts the event and, when a sink is
// configured, pushes the job id to the operator escalation list.
type OperatorChannel struct {
	log  *zap.Logger
	sink escalationSink
}

func NewOperatorChannel(log *zap.Logger, sink escalationSink) *OperatorChannel {
	return &OperatorChannel{log: log.Named("escalation"), sink: sink}
}

func (o *OperatorChannel) Escalate(ctx context.Context, jobID string, cause, recordErr error) {
	telemetry.FinalizationFailures.Inc()
	o.log.Error("job failure could not be recorded",
		zap.String("job_id", jobID),
		zap.NamedError("cause", cause),
		zap.NamedError("record_error", recordErr),
	)
	if o.sink == nil {
		return
	}
	// The record context may be the one that failed; the push gets its own.
	if err := o.sink.PushEscalation(context.WithoutCancel(ctx), jobID); err != nil {
		o.log.Error("push escalation", zap.String("job_id", jobID), zap.Error(err))
	}
}
