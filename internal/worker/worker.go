// Package worker is the host-facing handle to one sandboxed recognition
// engine. It spawns the restricted context, demultiplexes its channel
// between the job dispatcher and the capability responder, and drives the
// lifecycle through startup, reinitialization and termination.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/ocrbridge/internal/capability"
	"github.com/mattjoyce/ocrbridge/internal/dispatch"
	"github.com/mattjoyce/ocrbridge/internal/engine"
	"github.com/mattjoyce/ocrbridge/internal/events"
	"github.com/mattjoyce/ocrbridge/internal/lifecycle"
	"github.com/mattjoyce/ocrbridge/internal/log"
	"github.com/mattjoyce/ocrbridge/internal/pending"
	"github.com/mattjoyce/ocrbridge/internal/protocol"
	"github.com/mattjoyce/ocrbridge/internal/transport"
)

var (
	// ErrTerminated rejects every job on a terminated worker.
	ErrTerminated = lifecycle.ErrTerminated
	// ErrNoErrorSink is returned by New when Options.ErrorSink is nil.
	ErrNoErrorSink = errors.New("worker: an error sink is required")
)

// Event types published on Options.Events.
const (
	EventState    = "worker.state"
	EventProgress = "job.progress"
)

var workerIDs = pending.NewCounter("Worker")

// Options configure a worker.
type Options struct {
	// ID defaults to Worker-<n>.
	ID string
	// JobIDs replaces the worker's Job-<n> counter.
	JobIDs pending.IDSource

	Langs      []string
	Mode       engine.Mode
	Config     engine.Settings
	LegacyCore bool
	LegacyLang bool
	Core       engine.CoreOptions
	Language   engine.LanguageOptions

	// Spawner defaults to InProcess with the simulated engine.
	Spawner Spawner

	// Fetcher, Storage and BaseDir back the capability responder. A nil
	// Fetcher or Storage answers the matching requests with a failure.
	Fetcher capability.Fetcher
	Storage capability.FS
	BaseDir string

	// ErrorSink receives every job rejection and channel failure. Required.
	ErrorSink func(error)
	// Progress receives progress reports.
	Progress func(protocol.Progress)
	// Events, when set, receives state and progress events.
	Events *events.Hub
	// Observer is told about every job start and finish.
	Observer dispatch.Observer
}

// Worker is a handle to one running sandbox.
type Worker struct {
	id     string
	opts   Options
	proc   Process
	conn   transport.Conn
	jobs   *dispatch.Dispatcher
	resp   *capability.Responder
	ctrl   *lifecycle.Controller
	logger *slog.Logger

	cancel context.CancelFunc
	group  *errgroup.Group

	once    sync.Once
	stopErr error
}

// sender encodes envelopes onto the worker's channel.
type sender struct {
	conn transport.Conn
}

func (s sender) Send(ctx context.Context, env protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return s.conn.Send(ctx, frame)
}

// New spawns a worker and starts its load sequence. It returns once the
// restricted context is running; use Ready to wait for initialization.
func New(ctx context.Context, opts Options) (*Worker, error) {
	if opts.ErrorSink == nil {
		return nil, ErrNoErrorSink
	}
	if opts.ID == "" {
		opts.ID = workerIDs.Next()
	}
	if opts.Spawner == nil {
		opts.Spawner = InProcess{}
	}

	w := &Worker{
		id:     opts.ID,
		opts:   opts,
		logger: log.WithWorker(opts.ID, "worker"),
	}

	jobOpts := []dispatch.Option{
		dispatch.WithRejectSink(func(e *dispatch.JobError) { opts.ErrorSink(e) }),
		dispatch.WithProgressSink(w.progress),
	}
	if opts.Observer != nil {
		jobOpts = append(jobOpts, dispatch.WithObserver(opts.Observer))
	}
	if opts.JobIDs != nil {
		jobOpts = append(jobOpts, dispatch.WithIDSource(opts.JobIDs))
	}

	proc, err := opts.Spawner.Spawn(ctx)
	if err != nil {
		return nil, fmt.Errorf("spawn worker %s: %w", opts.ID, err)
	}
	w.proc = proc
	w.conn = proc.Conn()
	send := sender{conn: w.conn}
	w.jobs = dispatch.New(opts.ID, send, jobOpts...)
	w.resp = capability.NewResponder(send, opts.Fetcher, opts.Storage, opts.BaseDir)

	w.ctrl, err = lifecycle.New(w.jobs, lifecycle.Options{
		Langs:      opts.Langs,
		Mode:       opts.Mode,
		Config:     opts.Config,
		LegacyCore: opts.LegacyCore,
		LegacyLang: opts.LegacyLang,
		Core:       opts.Core,
		Language:   opts.Language,
		OnState:    w.publishState,
	})
	if err != nil {
		_ = proc.Stop()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	w.group = g
	g.Go(func() error { return w.demux(gctx) })
	g.Go(func() error {
		// Startup failures settle Ready; they are not group failures.
		_ = w.ctrl.Start(gctx)
		return nil
	})

	w.logger.Info("worker spawned", "langs", opts.Langs, "mode", opts.Mode.String())
	return w, nil
}

// demux routes every inbound envelope to the dispatcher or the responder.
func (w *Worker) demux(ctx context.Context) error {
	for {
		raw, err := w.conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			cause := fmt.Errorf("%w: channel lost: %v", ErrTerminated, err)
			if w.ctrl.State() != lifecycle.StateTerminated {
				w.logger.Error("worker channel lost", "error", err)
				w.opts.ErrorSink(cause)
			}
			go w.shutdown(cause)
			return nil
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			w.logger.Warn("unrecognized message", "error", err)
			continue
		}
		switch env.Kind {
		case protocol.KindStatus:
			w.jobs.HandleStatus(env)
		case protocol.KindCapabilityRequest:
			w.resp.Handle(ctx, env)
		default:
			w.logger.Warn("unexpected message kind", "kind", env.Kind, "action", env.Action)
		}
	}
}

// Terminate rejects every in-flight job with ErrTerminated and stops the
// sandbox. It is idempotent.
func (w *Worker) Terminate() error {
	return w.shutdown(ErrTerminated)
}

func (w *Worker) shutdown(cause error) error {
	w.once.Do(func() {
		w.ctrl.Terminate()
		w.jobs.Close(cause)
		w.cancel()
		w.stopErr = w.proc.Stop()
		// The receive loop feeds the responder, so it must be gone before
		// the responder is drained.
		_ = w.group.Wait()
		w.resp.Wait()
	})
	return w.stopErr
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.id }

// State returns the lifecycle state.
func (w *Worker) State() lifecycle.State { return w.ctrl.State() }

// Languages returns the loaded languages.
func (w *Worker) Languages() []string { return w.ctrl.Languages() }

// Mode returns the current engine mode.
func (w *Worker) Mode() engine.Mode { return w.ctrl.Mode() }

// Pending returns the number of jobs in flight.
func (w *Worker) Pending() int { return w.jobs.Pending() }

// Ready waits for the load sequence to finish.
func (w *Worker) Ready(ctx context.Context) error { return w.ctrl.Ready(ctx) }

// Reinitialize reloads the engine with langs. See lifecycle.Controller.
func (w *Worker) Reinitialize(ctx context.Context, langs []string, opts ...lifecycle.ReinitOption) error {
	return w.ctrl.Reinitialize(ctx, langs, opts...)
}

// Submit sends a raw job once the worker is ready.
func (w *Worker) Submit(ctx context.Context, action string, payload any, opts ...dispatch.SubmitOption) (*pending.Future[json.RawMessage], error) {
	if err := w.Ready(ctx); err != nil {
		return nil, err
	}
	return w.jobs.Submit(ctx, action, payload, opts...)
}

func (w *Worker) call(ctx context.Context, action string, payload, out any, opts ...dispatch.SubmitOption) error {
	if err := w.Ready(ctx); err != nil {
		return err
	}
	return w.jobs.Call(ctx, action, payload, out, opts...)
}

// Recognize runs text recognition on image. A nil output asks for text only.
func (w *Worker) Recognize(ctx context.Context, image []byte, opts engine.RecognizeOptions, output engine.OutputSpec, jobOpts ...dispatch.SubmitOption) (*engine.RecognizeResult, error) {
	if output == nil {
		output = engine.DefaultOutput()
	}
	var res engine.RecognizeResult
	payload := engine.RecognizePayload{Image: image, Options: opts, Output: output}
	if err := w.call(ctx, protocol.ActionRecognize, payload, &res, jobOpts...); err != nil {
		return nil, err
	}
	return &res, nil
}

// Detect reports orientation and script. It needs a core loaded with the
// legacy recognizer.
func (w *Worker) Detect(ctx context.Context, image []byte, jobOpts ...dispatch.SubmitOption) (*engine.DetectResult, error) {
	if err := w.ctrl.CheckDetect(); err != nil {
		return nil, err
	}
	var res engine.DetectResult
	if err := w.call(ctx, protocol.ActionDetect, engine.DetectPayload{Image: image}, &res, jobOpts...); err != nil {
		return nil, err
	}
	return &res, nil
}

// SetParameters sets engine variables on the initialized engine.
func (w *Worker) SetParameters(ctx context.Context, params engine.Settings) error {
	return w.call(ctx, protocol.ActionSetParameters, engine.SetParametersPayload{Params: params}, nil)
}

// FS calls method on the engine's own storage and returns its raw result.
func (w *Worker) FS(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	payload, err := engine.NewFSPayload(method, args...)
	if err != nil {
		return nil, err
	}
	var out json.RawMessage
	if err := w.call(ctx, protocol.ActionFS, payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteText stores text at path in engine storage.
func (w *Worker) WriteText(ctx context.Context, path, text string) error {
	_, err := w.FS(ctx, "writeFile", path, text)
	return err
}

// ReadText reads path from engine storage as UTF-8.
func (w *Worker) ReadText(ctx context.Context, path string) (string, error) {
	raw, err := w.FS(ctx, "readFile", path, map[string]string{"encoding": "utf8"})
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("readFile %s: %w", path, err)
	}
	return s, nil
}

// RemoveFile deletes path from engine storage.
func (w *Worker) RemoveFile(ctx context.Context, path string) error {
	_, err := w.FS(ctx, "unlink", path)
	return err
}

func (w *Worker) progress(p protocol.Progress) {
	if w.opts.Progress != nil {
		w.opts.Progress(p)
	}
	if w.opts.Events != nil {
		w.opts.Events.Publish(EventProgress, p)
	}
}

// StateEvent is the payload of a worker.state event.
type StateEvent struct {
	WorkerID string   `json:"worker_id"`
	State    string   `json:"state"`
	Langs    []string `json:"langs,omitempty"`
}

func (w *Worker) publishState(s lifecycle.State) {
	if w.opts.Events == nil {
		return
	}
	w.opts.Events.Publish(EventState, StateEvent{WorkerID: w.id, State: s.String(), Langs: w.ctrl.Languages()})
}
