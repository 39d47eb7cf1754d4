// Package router is the sandbox half of the job protocol. It runs each job
// against the recognition engine and answers with exactly one terminal
// status envelope, preceded by any number of progress envelopes.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattjoyce/ocrbridge/internal/engine"
	"github.com/mattjoyce/ocrbridge/internal/log"
	"github.com/mattjoyce/ocrbridge/internal/protocol"
)

// Router queues incoming jobs and runs them one at a time, in arrival order.
// Jobs never run on the caller's goroutine, so the loop feeding Enqueue stays
// free to deliver capability responses the running job is waiting on.
type Router struct {
	adapter  engine.Adapter
	send     Sender
	handlers map[string]Handler
	logger   *slog.Logger

	mu    sync.Mutex
	queue []protocol.Envelope
	wake  chan struct{}
}

// New creates a router driving adapter.
func New(adapter engine.Adapter, send Sender) *Router {
	r := &Router{
		adapter: adapter,
		send:    send,
		logger:  log.WithComponent("router"),
		wake:    make(chan struct{}, 1),
	}
	r.handlers = map[string]Handler{
		protocol.ActionLoad:          r.load,
		protocol.ActionLoadLanguage:  r.loadLanguage,
		protocol.ActionInitialize:    r.initialize,
		protocol.ActionSetParameters: r.setParameters,
		protocol.ActionRecognize:     r.recognize,
		protocol.ActionDetect:        r.detect,
		protocol.ActionFS:            r.storage,
	}
	return r
}

// Enqueue schedules env. It never blocks.
func (r *Router) Enqueue(env protocol.Envelope) {
	r.mu.Lock()
	r.queue = append(r.queue, env)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Queued returns how many jobs are waiting to run.
func (r *Router) Queued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Run processes queued jobs until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	for {
		env, ok := r.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.wake:
				continue
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		r.Serve(ctx, env)
	}
}

func (r *Router) next() (protocol.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return protocol.Envelope{}, false
	}
	env := r.queue[0]
	r.queue[0] = protocol.Envelope{}
	r.queue = r.queue[1:]
	return env, true
}

// Serve runs env to completion and sends its terminal status.
func (r *Router) Serve(ctx context.Context, env protocol.Envelope) {
	logger := r.logger.With("job_id", env.JobID, "action", env.Action)
	logger.Debug("running job")

	progress := func(status string, p float64) {
		out, err := protocol.NewStatus(env, protocol.OutcomeProgress, protocol.Progress{
			WorkerID: env.WorkerID,
			Action:   env.Action,
			Status:   status,
			Progress: p,
		})
		if err == nil {
			err = r.send.Send(ctx, out)
		}
		if err != nil {
			logger.Debug("progress not delivered", "error", err)
		}
	}

	result, err := r.run(ctx, env, progress)

	var out protocol.Envelope
	if err != nil {
		logger.Warn("job rejected", "error", err)
		out, _ = protocol.NewStatus(env, protocol.OutcomeReject, nil)
		out.Payload = protocol.ErrorPayload(err)
	} else {
		out, err = protocol.NewStatus(env, protocol.OutcomeResolve, result)
		if err != nil {
			logger.Error("job result not encodable", "error", err)
			out, _ = protocol.NewStatus(env, protocol.OutcomeReject, nil)
			out.Payload = protocol.ErrorPayload(err)
		}
	}

	if err := r.send.Send(ctx, out); err != nil {
		logger.Warn("status not delivered", "error", err)
	}
}

func (r *Router) run(ctx context.Context, env protocol.Envelope, progress func(string, float64)) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			result, err = nil, fmt.Errorf("%s failed: %v", env.Action, p)
		}
	}()

	h, ok := r.handlers[env.Action]
	if !ok {
		return nil, fmt.Errorf("unknown action %q", env.Action)
	}
	return h(ctx, env, progress)
}

func (r *Router) load(ctx context.Context, env protocol.Envelope, progress func(string, float64)) (any, error) {
	var p engine.LoadPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	if err := r.adapter.LoadCore(ctx, p.Options, progress); err != nil {
		return nil, err
	}
	return map[string]bool{"loaded": true}, nil
}

func (r *Router) loadLanguage(ctx context.Context, env protocol.Envelope, progress func(string, float64)) (any, error) {
	var p engine.LoadLanguagePayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	if len(p.Langs) == 0 {
		return nil, errors.New("no languages requested")
	}
	if err := r.adapter.LoadLanguageData(ctx, p.Langs, p.Options, progress); err != nil {
		return nil, err
	}
	return map[string]any{"langs": p.Langs}, nil
}

func (r *Router) initialize(ctx context.Context, env protocol.Envelope, progress func(string, float64)) (any, error) {
	p := engine.InitializePayload{OEM: engine.ModeDefault}
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	if err := r.adapter.Initialize(ctx, p.Langs, p.OEM, p.Config, progress); err != nil {
		return nil, err
	}
	return map[string]any{"langs": p.Langs, "oem": p.OEM}, nil
}

func (r *Router) setParameters(ctx context.Context, env protocol.Envelope, _ func(string, float64)) (any, error) {
	var p engine.SetParametersPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	if err := r.adapter.SetParameters(ctx, p.Params); err != nil {
		return nil, err
	}
	return map[string]any{"params": p.Params}, nil
}

func (r *Router) recognize(ctx context.Context, env protocol.Envelope, progress func(string, float64)) (any, error) {
	var p engine.RecognizePayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	if len(p.Image) == 0 {
		return nil, errors.New("recognize: no image")
	}
	return r.adapter.Recognize(ctx, p.Image, p.Options, p.Output, progress)
}

func (r *Router) detect(ctx context.Context, env protocol.Envelope, _ func(string, float64)) (any, error) {
	var p engine.DetectPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	if len(p.Image) == 0 {
		return nil, errors.New("detect: no image")
	}
	return r.adapter.DetectOrientation(ctx, p.Image)
}

func (r *Router) storage(ctx context.Context, env protocol.Envelope, _ func(string, float64)) (any, error) {
	var p engine.FSPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	if p.Method == "" {
		return nil, errors.New("FS: no method")
	}
	return r.adapter.Storage(ctx, p.Method, p.Args)
}
