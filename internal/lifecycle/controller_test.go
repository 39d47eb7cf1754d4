package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ocrbridge/internal/dispatch"
	"github.com/mattjoyce/ocrbridge/internal/engine"
	"github.com/mattjoyce/ocrbridge/internal/log"
	"github.com/mattjoyce/ocrbridge/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type call struct {
	Action  string
	Payload json.RawMessage
}

// fakeJobs records every job and answers from fail, keyed by action.
type fakeJobs struct {
	mu    sync.Mutex
	calls []call
	fail  map[string]error
	gate  chan struct{}
}

func (f *fakeJobs) Call(ctx context.Context, action string, payload, _ any, _ ...dispatch.SubmitOption) error {
	raw, _ := json.Marshal(payload)
	f.mu.Lock()
	f.calls = append(f.calls, call{Action: action, Payload: raw})
	err := f.fail[action]
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeJobs) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Action
	}
	return out
}

func (f *fakeJobs) payload(t *testing.T, i int, v any) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(t, len(f.calls), i)
	require.NoError(t, json.Unmarshal(f.calls[i].Payload, v))
}

func (f *fakeJobs) setFail(action string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = map[string]error{}
	}
	f.fail[action] = err
}

func started(t *testing.T, jobs *fakeJobs, opts Options) *Controller {
	t.Helper()
	c, err := New(jobs, opts)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	return c
}

func TestStartupRunsInOrder(t *testing.T) {
	jobs := &fakeJobs{}
	var states []State
	var mu sync.Mutex
	c := started(t, jobs, Options{
		Langs: []string{"eng+fra"},
		Mode:  engine.ModeLSTMOnly,
		OnState: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})

	assert.Equal(t, []string{protocol.ActionLoad, protocol.ActionLoadLanguage, protocol.ActionInitialize}, jobs.actions())
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, []string{"eng", "fra"}, c.Languages())
	assert.Equal(t, []State{StateCoreLoading, StateLanguageLoading, StateInitializing, StateReady}, states)

	var load engine.LoadPayload
	jobs.payload(t, 0, &load)
	assert.True(t, load.Options.LSTMOnly, "lstm mode loads the lstm-only core")

	var init engine.InitializePayload
	jobs.payload(t, 2, &init)
	assert.Equal(t, engine.Languages{"eng", "fra"}, init.Langs)
	assert.Equal(t, engine.ModeLSTMOnly, init.OEM)
}

func TestStartupFailureFailsReady(t *testing.T) {
	jobs := &fakeJobs{}
	jobs.setFail(protocol.ActionLoadLanguage, errors.New("no such language"))

	c, err := New(jobs, Options{Langs: []string{"xyz"}, Mode: engine.ModeDefault})
	require.NoError(t, err)
	require.Error(t, c.Start(context.Background()))

	err = c.Ready(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such language")
	assert.Equal(t, StateFailed, c.State())
	assert.NotContains(t, jobs.actions(), protocol.ActionInitialize, "initialize is never sent after a failed step")
}

func TestNewValidates(t *testing.T) {
	_, err := New(&fakeJobs{}, Options{Langs: []string{"eng"}, Mode: engine.Mode(9)})
	assert.Error(t, err)
	_, err = New(&fakeJobs{}, Options{Langs: []string{" ", "+"}, Mode: engine.ModeDefault})
	assert.Error(t, err)
}

func TestReinitializeLoadsOnlyMissingLanguages(t *testing.T) {
	jobs := &fakeJobs{}
	c := started(t, jobs, Options{Langs: []string{"eng"}, Mode: engine.ModeDefault})

	require.NoError(t, c.Reinitialize(context.Background(), []string{"eng", "deu"}))
	assert.Equal(t, []string{
		protocol.ActionLoad, protocol.ActionLoadLanguage, protocol.ActionInitialize,
		protocol.ActionLoadLanguage, protocol.ActionInitialize,
	}, jobs.actions())

	var load engine.LoadLanguagePayload
	jobs.payload(t, 3, &load)
	assert.Equal(t, engine.Languages{"deu"}, load.Langs)
	assert.Equal(t, []string{"eng", "deu"}, c.Languages())

	// Everything is loaded now: only initialize goes out.
	require.NoError(t, c.Reinitialize(context.Background(), []string{"deu"}))
	assert.Equal(t, protocol.ActionInitialize, jobs.actions()[5])
	assert.Len(t, jobs.actions(), 6)
	assert.Equal(t, []string{"eng", "deu"}, c.Languages(), "the set never shrinks without a reset")
}

func TestReinitializeWithReset(t *testing.T) {
	jobs := &fakeJobs{}
	c := started(t, jobs, Options{Langs: []string{"eng", "fra"}, Mode: engine.ModeDefault})

	require.NoError(t, c.Reinitialize(context.Background(), []string{"fra"}, WithReset()))
	var load engine.LoadLanguagePayload
	jobs.payload(t, 3, &load)
	assert.Equal(t, engine.Languages{"fra"}, load.Langs)
	assert.Equal(t, []string{"fra"}, c.Languages())
}

func TestLegacyModeOnLSTMOnlyCore(t *testing.T) {
	jobs := &fakeJobs{}
	c := started(t, jobs, Options{Langs: []string{"eng"}, Mode: engine.ModeLSTMOnly})
	before := len(jobs.actions())

	err := c.Reinitialize(context.Background(), nil, WithMode(engine.ModeTesseractOnly))
	assert.ErrorIs(t, err, ErrLegacyUnavailable)
	assert.Len(t, jobs.actions(), before, "no job is submitted")
	assert.Equal(t, engine.ModeLSTMOnly, c.Mode())
	assert.ErrorIs(t, c.CheckDetect(), ErrLegacyUnavailable)

	legacy := started(t, &fakeJobs{}, Options{Langs: []string{"eng"}, Mode: engine.ModeLSTMOnly, LegacyCore: true})
	require.NoError(t, legacy.Reinitialize(context.Background(), nil, WithMode(engine.ModeTesseractOnly)))
	assert.Equal(t, engine.ModeTesseractOnly, legacy.Mode())
	assert.NoError(t, legacy.CheckDetect())
}

func TestReinitializeFailureReturnsToReady(t *testing.T) {
	jobs := &fakeJobs{}
	c := started(t, jobs, Options{Langs: []string{"eng"}, Mode: engine.ModeDefault})

	jobs.setFail(protocol.ActionLoadLanguage, errors.New("fetch failed: 404"))
	err := c.Reinitialize(context.Background(), []string{"eng", "xyz"})
	require.Error(t, err)
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, []string{"eng"}, c.Languages())
}

func TestReinitializeKeepsConfigUnlessReplaced(t *testing.T) {
	jobs := &fakeJobs{}
	c := started(t, jobs, Options{Langs: []string{"eng"}, Mode: engine.ModeDefault, Config: engine.Settings{"preserve_interword_spaces": "1"}})

	require.NoError(t, c.Reinitialize(context.Background(), nil))
	var init engine.InitializePayload
	jobs.payload(t, 3, &init)
	assert.Equal(t, engine.Settings{"preserve_interword_spaces": "1"}, init.Config)
	assert.Equal(t, engine.Languages{"eng"}, init.Langs)

	require.NoError(t, c.Reinitialize(context.Background(), nil, WithConfig(engine.Settings{"x": "y"})))
	assert.Equal(t, engine.Settings{"x": "y"}, c.Config())
}

func TestReinitializeWaitsForReady(t *testing.T) {
	jobs := &fakeJobs{gate: make(chan struct{})}
	c, err := New(jobs, Options{Langs: []string{"eng"}, Mode: engine.ModeDefault})
	require.NoError(t, err)
	go c.Start(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Reinitialize(context.Background(), []string{"deu"}) }()

	select {
	case <-done:
		t.Fatal("reinitialize finished before the worker was ready")
	case <-time.After(50 * time.Millisecond):
	}
	close(jobs.gate)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"eng", "deu"}, c.Languages())
}

func TestTerminateIsIdempotent(t *testing.T) {
	jobs := &fakeJobs{}
	c := started(t, jobs, Options{Langs: []string{"eng"}, Mode: engine.ModeDefault})

	assert.True(t, c.Terminate())
	assert.False(t, c.Terminate())
	assert.Equal(t, StateTerminated, c.State())
	assert.ErrorIs(t, c.Ready(context.Background()), ErrTerminated)
	assert.ErrorIs(t, c.Reinitialize(context.Background(), []string{"eng"}), ErrTerminated)
	assert.ErrorIs(t, c.CheckDetect(), ErrTerminated)
}

func TestTerminateDuringStartup(t *testing.T) {
	jobs := &fakeJobs{gate: make(chan struct{})}
	c, err := New(jobs, Options{Langs: []string{"eng"}, Mode: engine.ModeDefault})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	assert.Eventually(t, func() bool { return c.State() == StateCoreLoading }, time.Second, 5*time.Millisecond)
	c.Terminate()
	cancel()

	require.Error(t, <-done)
	assert.Equal(t, StateTerminated, c.State())
	assert.ErrorIs(t, c.Ready(context.Background()), ErrTerminated)
}

func TestLanguageSet(t *testing.T) {
	s := NewLanguageSet("eng")
	s.Add("fra+eng", " deu ")
	assert.Equal(t, []string{"eng", "fra", "deu"}, s.List())
	assert.True(t, s.Has("deu"))
	assert.Equal(t, []string{"spa"}, s.Missing([]string{"eng", "spa", "spa"}))
	s.Replace("jpn")
	assert.Equal(t, 1, s.Len())
	assert.False(t, s.Has("eng"))
}
