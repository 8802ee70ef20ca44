package worker

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"plugin-runner/internal/config"
	"plugin-runner/internal/queue"
	"plugin-runner/internal/telemetry"
)

// minVisibility keeps the lease heartbeat (a third of the lease) well above
// a Redis round trip.
const minVisibility = time.Second

// Consumer is the worker side of the queue transport.
type Consumer interface {
	Receive(ctx context.Context) (queue.Delivery, bool, error)
	Ack(ctx context.Context, id string) error
	ExtendLease(ctx context.Context, id string, extension time.Duration) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// Processor drives the worker execution loops.
type Processor struct {
	cfg      config.Config
	queue    Consumer
	executor *Executor
	workerID string
	log      *zap.Logger
}

// NewProcessor creates a processor with a worker ID for log correlation.
func NewProcessor(cfg config.Config, q Consumer, executor *Executor, workerID string, log *zap.Logger) *Processor {
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.VisibilityTimeout < minVisibility {
		log.Warn("visibility timeout raised to minimum", zap.Duration("configured", cfg.VisibilityTimeout), zap.Duration("minimum", minVisibility))
		cfg.VisibilityTimeout = minVisibility
	}
	if cfg.RequeueBatchSize <= 0 {
		cfg.RequeueBatchSize = 100
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		executor: executor,
		workerID: workerID,
		log:      log.Named("processor").With(zap.String("worker_id", workerID)),
	}
}

// Run starts the consumer loops and the lease reaper until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("worker pool starting", zap.Int("concurrency", p.cfg.WorkerConcurrency), zap.Duration("visibility", p.cfg.VisibilityTimeout))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.maintain(gctx) })
	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		slot := i
		g.Go(func() error { return p.consume(gctx, slot) })
	}
	err := g.Wait()
	p.log.Info("worker pool stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Processor) consume(ctx context.Context, slot int) error {
	log := p.log.With(zap.Int("slot", slot))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		handled, err := p.ProcessOne(ctx)
		if err != nil {
			log.Warn("receive failed", zap.Error(err))
		}
		if !handled {
			if err := sleepCtx(ctx, p.cfg.WorkerPollInterval); err != nil {
				return err
			}
		}
	}
}

// ProcessOne receives and runs at most one chain. It reports whether a
// delivery was handled.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	d, ok, err := p.queue.Receive(ctx)
	if err != nil || !ok {
		return false, err
	}
	p.handle(ctx, d)
	return true, nil
}

func (p *Processor) handle(ctx context.Context, d queue.Delivery) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	ctx, span := telemetry.Tracer().Start(ctx, "job.run",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("job.id", d.Chain.JobID),
			attribute.String("job.kind", d.Chain.JobKind),
			attribute.String("queue.delivery_id", d.ID),
			attribute.String("worker.id", p.workerID),
		),
	)
	stop := p.keepLeased(ctx, d.ID)
	start := time.Now()
	err := p.executor.Run(ctx, d.Chain)
	stop()
	telemetry.EndSpan(span, err)
	telemetry.JobDuration.WithLabelValues(d.Chain.JobKind).Observe(time.Since(start).Seconds())

	if err != nil {
		p.log.Info("chain ended with error", zap.String("job_id", d.Chain.JobID), zap.String("delivery_id", d.ID), zap.Error(err))
	}
	// Every path has already been recorded or escalated; no redelivery.
	if ackErr := p.queue.Ack(context.WithoutCancel(ctx), d.ID); ackErr != nil {
		p.log.Error("ack failed", zap.String("delivery_id", d.ID), zap.Error(ackErr))
	}
}

// keepLeased extends the delivery lease until the returned stop is called.
func (p *Processor) keepLeased(ctx context.Context, id string) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.VisibilityTimeout / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, id, p.cfg.VisibilityTimeout); err != nil && ctx.Err() == nil {
					p.log.Warn("extend lease failed", zap.String("delivery_id", id), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// maintain requeues deliveries whose worker stopped extending the lease and
// exports the queue depth.
func (p *Processor) maintain(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if ids, err := p.queue.RequeueExpired(ctx, time.Now(), int64(p.cfg.RequeueBatchSize)); err != nil {
			p.log.Warn("requeue expired leases", zap.Error(err))
		} else if len(ids) > 0 {
			p.log.Warn("requeued deliveries with expired leases", zap.Strings("delivery_ids", ids))
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
