// Package worker runs chains pulled from the queue: the Executor drives the
// steps of one chain and the Processor is the pool polling for them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"plugin-runner/internal/artifacts"
	"plugin-runner/internal/models"
	"plugin-runner/internal/plugin"
	"plugin-runner/internal/store"
	"plugin-runner/internal/telemetry"
)

var (
	// ErrRecordMissing is returned when a delivery names a record that does
	// not exist. Nothing can be finalized, so the error link is not used.
	ErrRecordMissing = errors.New("job record missing")

	errTerminal  = errors.New("job record already terminal")
	errAbandoned = errors.New("task was already running when delivered; the previous worker lost its lease")
)

// FailureCapturer is the error side-link of a chain.
type FailureCapturer interface {
	Capture(ctx context.Context, jobID string, cause error) error
}

// Executor runs the steps of one chain.
type Executor struct {
	records   store.Records
	artifacts artifacts.Store
	registry  *plugin.Registry
	link      FailureCapturer
	log       *zap.Logger
	now       func() time.Time
}

func NewExecutor(records store.Records, arts artifacts.Store, registry *plugin.Registry, link FailureCapturer, log *zap.Logger) *Executor {
	return &Executor{
		records:   records,
		artifacts: arts,
		registry:  registry,
		link:      link,
		log:       log.Named("executor"),
		now:       time.Now,
	}
}

// run is the state shared by the steps of one chain.
type run struct {
	chain  models.Chain
	plugin plugin.Plugin
	params plugin.Params
	output *plugin.Output
}

// Run executes the chain steps in order. Any step error or panic ends the
// run and is handed to the error link exactly once. A delivery for a
// terminal record is skipped and returns nil.
func (e *Executor) Run(ctx context.Context, chain models.Chain) (err error) {
	r := &run{chain: chain}
	defer func() {
		if r.output != nil {
			_ = r.output.Cleanup()
		}
	}()

	var current models.Step
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("step panicked",
				zap.String("job_id", chain.JobID),
				zap.String("step", string(current)),
				zap.Any("panic", p),
				zap.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in step %s: %v", current, p)
		}
		switch {
		case err == nil:
		case errors.Is(err, errTerminal):
			err = nil
		case errors.Is(err, ErrRecordMissing):
		default:
			err = e.capture(ctx, chain, err)
		}
	}()

	for _, step := range chain.Steps {
		current = step
		switch step {
		case models.StepExecute:
			err = e.execute(ctx, r)
		case models.StepPersistResult:
			err = e.persistResult(ctx, r)
		default:
			err = fmt.Errorf("unknown step %q", step)
		}
		if err != nil {
			return err
		}
	}
	if r.output == nil {
		return errors.New("chain finished without running the job")
	}
	return nil
}

func (e *Executor) capture(ctx context.Context, chain models.Chain, cause error) error {
	if chain.OnError != models.StepCaptureError {
		e.log.Warn("chain without capture-error link, capturing anyway", zap.String("job_id", chain.JobID), zap.String("on_error", string(chain.OnError)))
	}
	// The failure must be recorded even while the worker shuts down.
	capCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.link.Capture(capCtx, chain.JobID, cause); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// execute loads the record, moves it to RUNNING and runs the plugin.
func (e *Executor) execute(ctx context.Context, r *run) error {
	id := r.chain.JobID
	rec, err := e.records.Load(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		telemetry.LoadFailures.Inc()
		e.log.Error(fmt.Sprintf("Could not load task data with id %s to read parameters!", id), zap.String("job_id", id))
		return fmt.Errorf("%w: %v", ErrRecordMissing, err)
	}
	if err != nil {
		return fmt.Errorf("load job record: %w", err)
	}

	switch rec.Status {
	case models.StatusSuccess, models.StatusFailure:
		e.log.Info("delivery for finished job skipped", zap.String("job_id", id), zap.String("status", string(rec.Status)))
		return errTerminal
	case models.StatusRunning:
		return errAbandoned
	}

	_, err = e.records.Update(ctx, id, func(rec *models.Record) error {
		if rec.Status != models.StatusPending {
			if rec.Status.Terminal() {
				return errTerminal
			}
			return errAbandoned
		}
		rec.Status = models.StatusRunning
		rec.Begin(e.now().UTC())
		rec.AppendLog(fmt.Sprintf("Starting new background task for plugin %s with db id '%s'", rec.JobKind, rec.ID))
		return nil
	})
	if err != nil {
		return err
	}
	e.log.Info("job started", zap.String("job_id", id), zap.String("job_kind", rec.JobKind))

	if r.chain.JobKind != "" && r.chain.JobKind != rec.JobKind {
		return fmt.Errorf("chain job kind %q does not match record job kind %q", r.chain.JobKind, rec.JobKind)
	}
	p, ok := e.registry.Get(rec.JobKind)
	if !ok {
		return fmt.Errorf("no plugin registered for job kind %q", rec.JobKind)
	}
	r.plugin = p

	params, err := plugin.DecodeParams(rec.Parameters)
	if err != nil {
		return fmt.Errorf("could not deserialize task parameters: %w", err)
	}
	r.params = params

	out, err := plugin.NewOutput()
	if err != nil {
		return err
	}
	r.output = out

	return p.Run(ctx, params, out)
}

// persistResult stores every staged output and then, in one record update,
// attaches the references and marks the job SUCCESS.
func (e *Executor) persistResult(ctx context.Context, r *run) error {
	if r.output == nil {
		return errors.New("persist-result ran before execute")
	}
	id := r.chain.JobID

	files, err := r.output.Seal()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("plugin %s produced no output", r.plugin.Name)
	}

	refs := make([]models.ArtifactRef, 0, len(files))
	for _, f := range files {
		ref, err := e.persistFile(ctx, id, f)
		if err != nil {
			return err
		}
		refs = append(refs, ref)
	}

	rec, err := e.records.Update(ctx, id, func(rec *models.Record) error {
		if rec.Status != models.StatusRunning {
			return fmt.Errorf("%w: cannot store results on %s record", models.ErrInvalidTransition, rec.Status)
		}
		rec.ResultRefs = append(rec.ResultRefs, refs...)
		rec.Status = models.StatusSuccess
		rec.Finish(e.now().UTC())
		rec.AppendLog(fmt.Sprintf("Task finished with %d result(s)", len(refs)))
		return nil
	})
	if err != nil {
		return fmt.Errorf("record result: %w", err)
	}

	telemetry.JobsSucceeded.WithLabelValues(rec.JobKind).Inc()
	e.log.Info("job succeeded", zap.String("job_id", id), zap.String("job_kind", rec.JobKind), zap.Int("artifacts", len(refs)))
	return nil
}

func (e *Executor) persistFile(ctx context.Context, jobID string, f plugin.StagedFile) (models.ArtifactRef, error) {
	rc, err := f.Open()
	if err != nil {
		return models.ArtifactRef{}, fmt.Errorf("open staged output %s: %w", f.Name, err)
	}
	defer rc.Close()
	ref, err := e.artifacts.Persist(ctx, jobID, rc, f.Name, f.DataKind, f.MediaType)
	if err != nil {
		return models.ArtifactRef{}, fmt.Errorf("persist artifact %s: %w", f.Name, err)
	}
	return ref, nil
}
