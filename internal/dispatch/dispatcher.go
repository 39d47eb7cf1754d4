package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/ocrbridge/internal/log"
	"github.com/mattjoyce/ocrbridge/internal/pending"
	"github.com/mattjoyce/ocrbridge/internal/protocol"
)

// Sender delivers a job envelope to the sandbox.
type Sender interface {
	Send(ctx context.Context, env protocol.Envelope) error
}

// JobError is how a rejected job surfaces to its caller.
type JobError struct {
	Action  string
	JobID   string
	Message string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s %s rejected: %s", e.Action, e.JobID, e.Message)
}

// Observer is told about every job the dispatcher starts and settles.
type Observer interface {
	JobStarted(ctx context.Context, workerID, jobID, action string)
	JobFinished(ctx context.Context, workerID, jobID, action string, err error, elapsed time.Duration)
}

type jobMeta struct {
	jobID     string
	action    string
	userJobID string
	started   time.Time
}

// Dispatcher submits jobs and pairs them with their status envelopes.
type Dispatcher struct {
	workerID string
	send     Sender
	ids      pending.IDSource
	jobs     *pending.Table[json.RawMessage]
	logger   *slog.Logger

	onReject   func(*JobError)
	onProgress func(protocol.Progress)
	observer   Observer

	mu   sync.Mutex
	meta map[string]jobMeta
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithIDSource overrides the default "Job-<n>" ids.
func WithIDSource(ids pending.IDSource) Option {
	return func(d *Dispatcher) { d.ids = ids }
}

// WithRejectSink receives every reject status, matched or not.
func WithRejectSink(fn func(*JobError)) Option {
	return func(d *Dispatcher) { d.onReject = fn }
}

// WithProgressSink receives progress reports.
func WithProgressSink(fn func(protocol.Progress)) Option {
	return func(d *Dispatcher) { d.onProgress = fn }
}

// WithObserver attaches a job observer, e.g. the job journal.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// New creates a dispatcher for workerID sending through send.
func New(workerID string, send Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		workerID: workerID,
		send:     send,
		ids:      pending.NewCounter("Job"),
		jobs:     pending.NewTable[json.RawMessage](),
		logger:   log.WithWorker(workerID, "dispatch"),
		meta:     make(map[string]jobMeta),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type submitConfig struct {
	jobID     string
	userJobID string
}

// SubmitOption configures a single submission.
type SubmitOption func(*submitConfig)

// WithJobID uses id instead of a generated one.
func WithJobID(id string) SubmitOption {
	return func(c *submitConfig) { c.jobID = id }
}

// WithUserJobID sets the id progress reports carry back to the caller.
func WithUserJobID(id string) SubmitOption {
	return func(c *submitConfig) { c.userJobID = id }
}

// Submit sends a job and returns the future its status will settle.
func (d *Dispatcher) Submit(ctx context.Context, action string, payload any, opts ...SubmitOption) (*pending.Future[json.RawMessage], error) {
	cfg := submitConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.jobID == "" {
		cfg.jobID = d.ids.Next()
	}
	if cfg.userJobID == "" {
		cfg.userJobID = cfg.jobID
	}

	env, err := protocol.NewJob(d.workerID, cfg.jobID, action, payload)
	if err != nil {
		return nil, fmt.Errorf("build %s job: %w", action, err)
	}

	key := protocol.JobKey(action, cfg.jobID)
	fut, err := d.jobs.Register(key)
	if err != nil {
		return nil, fmt.Errorf("submit %s %s: %w", action, cfg.jobID, err)
	}

	d.mu.Lock()
	d.meta[key] = jobMeta{jobID: cfg.jobID, action: action, userJobID: cfg.userJobID, started: time.Now()}
	d.mu.Unlock()

	if d.observer != nil {
		d.observer.JobStarted(ctx, d.workerID, cfg.jobID, action)
	}
	d.logger.Debug("submitting job", "job_id", cfg.jobID, "action", action)

	if err := d.send.Send(ctx, env); err != nil {
		err = fmt.Errorf("send %s %s: %w", action, cfg.jobID, err)
		d.jobs.Remove(key)
		d.finish(ctx, key, err)
		return nil, err
	}
	return fut, nil
}

// Call submits a job, waits for it and decodes the resolved payload into
// out when out is non-nil.
func (d *Dispatcher) Call(ctx context.Context, action string, payload, out any, opts ...SubmitOption) error {
	fut, err := d.Submit(ctx, action, payload, opts...)
	if err != nil {
		return err
	}
	raw, err := fut.Wait(ctx)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", action, err)
	}
	return nil
}

// HandleStatus settles or advances the job env refers to. It reports whether
// a job was in flight for env.
func (d *Dispatcher) HandleStatus(env protocol.Envelope) bool {
	key := protocol.JobKey(env.Action, env.JobID)

	switch env.Status {
	case protocol.OutcomeProgress:
		return d.progress(key, env)

	case protocol.OutcomeResolve:
		payload := env.Payload
		if payload == nil {
			payload = json.RawMessage("null")
		}
		if !d.jobs.Has(key) {
			d.logger.Debug("resolve for unknown job", "job_id", env.JobID, "action", env.Action)
			return false
		}
		// Observers see the outcome before the caller does.
		d.finish(context.Background(), key, nil)
		d.jobs.Resolve(key, payload)
		return true

	case protocol.OutcomeReject:
		jerr := &JobError{Action: env.Action, JobID: env.JobID, Message: protocol.ErrorMessage(env.Payload)}
		matched := d.jobs.Has(key)
		if matched {
			d.finish(context.Background(), key, jerr)
			d.jobs.Reject(key, jerr)
		} else {
			d.logger.Debug("reject for unknown job", "job_id", env.JobID, "action", env.Action)
		}
		if d.onReject != nil {
			d.onReject(jerr)
		}
		return matched
	}

	d.logger.Warn("status envelope with unknown outcome", "job_id", env.JobID, "status", env.Status)
	return false
}

func (d *Dispatcher) progress(key string, env protocol.Envelope) bool {
	if !d.jobs.Has(key) {
		return false
	}

	var p protocol.Progress
	if err := env.DecodePayload(&p); err != nil {
		d.logger.Debug("undecodable progress payload", "job_id", env.JobID, "error", err)
		return true
	}

	d.mu.Lock()
	meta := d.meta[key]
	d.mu.Unlock()

	p.WorkerID = d.workerID
	p.UserJobID = meta.userJobID
	if p.Action == "" {
		p.Action = env.Action
	}
	if d.onProgress != nil {
		d.onProgress(p)
	}
	return true
}

func (d *Dispatcher) finish(ctx context.Context, key string, err error) {
	d.mu.Lock()
	meta, ok := d.meta[key]
	delete(d.meta, key)
	d.mu.Unlock()
	if !ok {
		return
	}
	if d.observer != nil {
		d.observer.JobFinished(ctx, d.workerID, meta.jobID, meta.action, err, time.Since(meta.started))
	}
}

// Pending returns how many jobs are in flight.
func (d *Dispatcher) Pending() int {
	return d.jobs.Len()
}

// Close rejects every in-flight job with err and refuses new submissions.
// It returns how many jobs were rejected.
func (d *Dispatcher) Close(err error) int {
	n := d.jobs.Close(err)

	d.mu.Lock()
	keys := make([]string, 0, len(d.meta))
	for k := range d.meta {
		keys = append(keys, k)
	}
	d.mu.Unlock()

	for _, k := range keys {
		d.finish(context.Background(), k, err)
	}
	if n > 0 {
		d.logger.Info("rejected in-flight jobs", "count", n, "error", err)
	}
	return n
}
