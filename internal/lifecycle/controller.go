// Package lifecycle sequences a worker through core load, language load and
// initialization, and reinitializes it on demand.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattjoyce/ocrbridge/internal/dispatch"
	"github.com/mattjoyce/ocrbridge/internal/engine"
	"github.com/mattjoyce/ocrbridge/internal/log"
	"github.com/mattjoyce/ocrbridge/internal/protocol"
)

var (
	// ErrTerminated is returned by every operation on a terminated worker.
	ErrTerminated = errors.New("worker terminated")
	// ErrLegacyUnavailable is a configuration error: the running core was
	// loaded without the legacy recognizer.
	ErrLegacyUnavailable = errors.New("legacy engine unavailable: core was loaded lstm-only")
)

// State is a lifecycle state.
type State int

const (
	StateSpawned State = iota
	StateCoreLoading
	StateLanguageLoading
	StateInitializing
	StateReady
	StateFailed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateCoreLoading:
		return "core_loading"
	case StateLanguageLoading:
		return "language_loading"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Jobs is the job channel the controller drives. *dispatch.Dispatcher
// implements it.
type Jobs interface {
	Call(ctx context.Context, action string, payload, out any, opts ...dispatch.SubmitOption) error
}

// Options describe the worker being brought up.
type Options struct {
	Langs  []string
	Mode   engine.Mode
	Config engine.Settings

	// LegacyCore loads the core with the legacy recognizer even when Mode
	// does not need it, so later reinitialization may switch to a legacy mode.
	LegacyCore bool
	// LegacyLang loads language data usable by the legacy recognizer.
	LegacyLang bool

	Core     engine.CoreOptions
	Language engine.LanguageOptions

	// OnState is called after every state change.
	OnState func(State)
}

// Controller is the lifecycle state machine of one worker handle.
type Controller struct {
	jobs     Jobs
	opts     Options
	lstmCore bool
	langs    *LanguageSet
	logger   *slog.Logger

	mu     sync.Mutex
	state  State
	mode   engine.Mode
	config engine.Settings

	ready    chan struct{}
	readyErr error
	started  sync.Once

	reinit sync.Mutex
}

// New returns a controller in StateSpawned. It validates opts but submits
// nothing until Start.
func New(jobs Jobs, opts Options) (*Controller, error) {
	if !opts.Mode.Valid() {
		return nil, fmt.Errorf("invalid engine mode %d", int(opts.Mode))
	}
	langs := Normalize(opts.Langs)
	if len(langs) == 0 {
		return nil, errors.New("at least one language is required")
	}
	opts.Langs = langs

	return &Controller{
		jobs:     jobs,
		opts:     opts,
		lstmCore: opts.Mode.LSTMOnly() && !opts.LegacyCore,
		langs:    NewLanguageSet(),
		logger:   log.WithComponent("lifecycle"),
		state:    StateSpawned,
		mode:     opts.Mode,
		config:   opts.Config.Clone(),
		ready:    make(chan struct{}),
	}, nil
}

// Start runs the startup sequence. Each step is submitted only after the
// previous one resolved. The ready future settles when Start returns.
// Calling Start more than once has no further effect.
func (c *Controller) Start(ctx context.Context) error {
	ran := false
	c.started.Do(func() {
		ran = true
		err := c.startup(ctx)
		c.mu.Lock()
		c.readyErr = err
		if err != nil && c.state != StateTerminated {
			c.state = StateFailed
		}
		state := c.state
		c.mu.Unlock()
		close(c.ready)

		if state == StateFailed {
			c.logger.Error("worker startup failed", "error", err)
			c.notify(state)
		}
	})
	if !ran {
		return c.Ready(ctx)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyErr
}

func (c *Controller) startup(ctx context.Context) error {
	if !c.transition(StateCoreLoading) {
		return ErrTerminated
	}
	core := c.opts.Core
	core.LSTMOnly = c.lstmCore
	if err := c.jobs.Call(ctx, protocol.ActionLoad, engine.LoadPayload{Options: core}, nil); err != nil {
		return fmt.Errorf("load core: %w", err)
	}

	if !c.transition(StateLanguageLoading) {
		return ErrTerminated
	}
	if err := c.loadLanguages(ctx, c.opts.Langs, c.opts.Mode); err != nil {
		return err
	}
	c.langs.Add(c.opts.Langs...)

	if !c.transition(StateInitializing) {
		return ErrTerminated
	}
	if err := c.initialize(ctx, c.opts.Langs, c.opts.Mode, c.opts.Config); err != nil {
		return err
	}

	if !c.transition(StateReady) {
		return ErrTerminated
	}
	c.logger.Info("worker ready", "langs", c.opts.Langs, "mode", c.opts.Mode.String())
	return nil
}

func (c *Controller) loadLanguages(ctx context.Context, langs []string, mode engine.Mode) error {
	opts := c.opts.Language
	opts.LSTMOnly = mode.LSTMOnly() && !c.opts.LegacyLang
	payload := engine.LoadLanguagePayload{Langs: langs, Options: opts}
	if err := c.jobs.Call(ctx, protocol.ActionLoadLanguage, payload, nil); err != nil {
		return fmt.Errorf("load languages %v: %w", langs, err)
	}
	return nil
}

func (c *Controller) initialize(ctx context.Context, langs []string, mode engine.Mode, config engine.Settings) error {
	payload := engine.InitializePayload{Langs: langs, OEM: mode, Config: config}
	if err := c.jobs.Call(ctx, protocol.ActionInitialize, payload, nil); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return nil
}

// Ready waits until startup finished and returns its outcome.
func (c *Controller) Ready(ctx context.Context) error {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateTerminated {
		return ErrTerminated
	}
	return c.readyErr
}

type reinitConfig struct {
	mode      engine.Mode
	config    engine.Settings
	hasConfig bool
	reset     bool
}

// ReinitOption adjusts a reinitialization.
type ReinitOption func(*reinitConfig)

// WithMode switches the engine mode.
func WithMode(m engine.Mode) ReinitOption {
	return func(c *reinitConfig) { c.mode = m }
}

// WithConfig replaces the engine configuration.
func WithConfig(s engine.Settings) ReinitOption {
	return func(c *reinitConfig) { c.config, c.hasConfig = s, true }
}

// WithReset reloads every requested language and makes the loaded set equal
// to exactly the requested languages.
func WithReset() ReinitOption {
	return func(c *reinitConfig) { c.reset = true }
}

// Reinitialize brings the engine up with langs, loading only languages not
// already loaded. An empty langs keeps the current languages.
func (c *Controller) Reinitialize(ctx context.Context, langs []string, opts ...ReinitOption) error {
	c.reinit.Lock()
	defer c.reinit.Unlock()

	if err := c.Ready(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	cfg := reinitConfig{mode: c.mode, config: c.config}
	c.mu.Unlock()
	for _, opt := range opts {
		opt(&cfg)
	}

	if !cfg.mode.Valid() {
		return fmt.Errorf("invalid engine mode %d", int(cfg.mode))
	}
	if cfg.mode.Legacy() && c.lstmCore {
		return fmt.Errorf("reinitialize with mode %s: %w", cfg.mode, ErrLegacyUnavailable)
	}

	requested := Normalize(langs)
	if len(requested) == 0 {
		requested = c.langs.List()
	}
	toLoad := c.langs.Missing(requested)
	if cfg.reset {
		toLoad = requested
	}

	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		return ErrTerminated
	}
	c.mode = cfg.mode
	if cfg.hasConfig {
		c.config = cfg.config.Clone()
	}
	config := c.config.Clone()
	c.mu.Unlock()

	logger := c.logger.With("langs", requested, "load", toLoad, "mode", cfg.mode.String())
	logger.Info("reinitializing worker")

	err := c.reinitialize(ctx, requested, toLoad, cfg, config)
	if !c.transition(StateReady) {
		return ErrTerminated
	}
	if err != nil {
		logger.Warn("reinitialize failed", "error", err)
		return err
	}
	return nil
}

func (c *Controller) reinitialize(ctx context.Context, requested, toLoad []string, cfg reinitConfig, config engine.Settings) error {
	if len(toLoad) > 0 {
		if !c.transition(StateLanguageLoading) {
			return ErrTerminated
		}
		if err := c.loadLanguages(ctx, toLoad, cfg.mode); err != nil {
			return err
		}
		if cfg.reset {
			c.langs.Replace(requested...)
		} else {
			c.langs.Add(toLoad...)
		}
	}

	if !c.transition(StateInitializing) {
		return ErrTerminated
	}
	return c.initialize(ctx, requested, cfg.mode, config)
}

// CheckDetect reports whether orientation detection is available.
func (c *Controller) CheckDetect() error {
	if c.State() == StateTerminated {
		return ErrTerminated
	}
	if c.lstmCore {
		return fmt.Errorf("detect: %w", ErrLegacyUnavailable)
	}
	return nil
}

// Terminate moves the controller to StateTerminated. It reports whether
// this call did so; later calls are no-ops.
func (c *Controller) Terminate() bool {
	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		return false
	}
	c.state = StateTerminated
	c.mu.Unlock()

	c.logger.Info("worker terminated")
	c.notify(StateTerminated)
	return true
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Languages returns the loaded languages.
func (c *Controller) Languages() []string {
	return c.langs.List()
}

// Mode returns the current engine mode.
func (c *Controller) Mode() engine.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Config returns the current engine configuration.
func (c *Controller) Config() engine.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config.Clone()
}

// LSTMOnlyCore reports whether the core was loaded without the legacy
// recognizer.
func (c *Controller) LSTMOnlyCore() bool { return c.lstmCore }

// transition moves to s unless the controller was terminated.
func (c *Controller) transition(s State) bool {
	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		return false
	}
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed {
		c.logger.Debug("state changed", "state", s.String())
		c.notify(s)
	}
	return true
}

func (c *Controller) notify(s State) {
	if c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}
