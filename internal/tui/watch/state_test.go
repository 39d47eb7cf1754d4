package watch

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ocrbridge/internal/events"
	"github.com/mattjoyce/ocrbridge/internal/protocol"
	"github.com/mattjoyce/ocrbridge/internal/scheduler"
	"github.com/mattjoyce/ocrbridge/internal/worker"
)

func event(t *testing.T, typ string, v any) events.Event {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return events.Event{Type: typ, At: time.Now(), Data: b}
}

func TestStateApply(t *testing.T) {
	var s State
	s.Apply(event(t, worker.EventState, worker.StateEvent{WorkerID: "Worker-3", State: "language_loading"}))
	s.Apply(event(t, worker.EventState, worker.StateEvent{WorkerID: "Worker-3", State: "ready", Langs: []string{"eng", "fra"}}))
	s.Apply(event(t, worker.EventProgress, protocol.Progress{UserJobID: "a", Action: "recognize", Status: "recognizing text", Progress: 0.25}))
	s.Apply(event(t, worker.EventProgress, protocol.Progress{UserJobID: "a", Action: "recognize", Status: "recognizing text", Progress: 1.5}))
	s.Apply(event(t, worker.EventProgress, protocol.Progress{UserJobID: "b", Action: "recognize", Status: "recognizing text", Progress: 0.1}))
	s.Apply(events.Event{Type: "something.else", Data: json.RawMessage(`{}`)})
	s.Apply(events.Event{Type: worker.EventState, Data: json.RawMessage(`not json`)})

	assert.Equal(t, "Worker-3", s.WorkerID)
	assert.Equal(t, "ready", s.WorkerState)
	assert.Equal(t, []string{"eng", "fra"}, s.Langs)
	require.Len(t, s.Bars, 2)
	assert.Equal(t, 1.0, s.Bars[0].Progress)
	assert.Equal(t, "b", s.Bars[1].Job)

	require.Len(t, s.Log, 2)
	assert.True(t, strings.HasSuffix(s.Log[0], "- -> language_loading"), s.Log[0])
	assert.True(t, strings.HasSuffix(s.Log[1], "language_loading -> ready"), s.Log[1])
}

func TestStateLogsMaintenance(t *testing.T) {
	var s State
	s.Apply(event(t, scheduler.EventPruned, map[string]any{"task": "cache", "removed": 3, "freed_bytes": 10}))
	s.Apply(event(t, scheduler.EventFailed, map[string]any{"task": "journal", "error": "locked"}))

	require.Len(t, s.Log, 2)
	assert.True(t, strings.HasSuffix(s.Log[0], "pruned 3 from cache"), s.Log[0])
	assert.True(t, strings.HasSuffix(s.Log[1], "prune journal failed: locked"), s.Log[1])
}

func TestStateLogIsBounded(t *testing.T) {
	var s State
	for i := 0; i < 20; i++ {
		state := "ready"
		if i%2 == 0 {
			state = "initializing"
		}
		s.Apply(event(t, worker.EventState, worker.StateEvent{State: state}))
	}
	assert.Len(t, s.Log, maxLogLines)
}

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"",
		"id: 7",
		"event: worker.state",
		`data: {"worker_id":"Worker-1","state":"ready"}`,
		"",
		"id: 8",
		"event: job.progress",
		`data: {"status":"recognizing text","progress":0.5}`,
		"",
		"",
	}, "\n")

	ch := make(chan events.Event, 4)
	require.NoError(t, ReadSSE(strings.NewReader(stream), ch))
	close(ch)

	var got []events.Event
	for ev := range ch {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(7), got[0].ID)
	assert.Equal(t, "worker.state", got[0].Type)
	assert.JSONEq(t, `{"worker_id":"Worker-1","state":"ready"}`, string(got[0].Data))
	assert.Equal(t, "job.progress", got[1].Type)
}

func TestReadSSEDropsUnterminatedEvent(t *testing.T) {
	stream := "event: worker.state\ndata: {\"state\":\"ready\"}\n\n" +
		"event: job.progress\ndata: {\"progress\":1}\n"

	ch := make(chan events.Event, 4)
	require.NoError(t, ReadSSE(strings.NewReader(stream), ch))
	close(ch)

	var got []events.Event
	for ev := range ch {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "worker.state", got[0].Type)
}

func TestLocalModelQuitsWhenSourceCloses(t *testing.T) {
	ch := make(chan events.Event, 1)
	ch <- event(t, worker.EventState, worker.StateEvent{WorkerID: "Worker-1", State: "ready"})
	close(ch)

	m := NewLocal(ch)
	next, cmd := m.Update(receiveNextEvent(ch)())
	m = next.(Model)
	assert.Equal(t, "ready", m.State().WorkerState)
	require.NotNil(t, cmd)

	_, cmd = m.Update(cmd())
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())

	view := m.View()
	assert.Contains(t, view, "Worker-1")
	assert.Contains(t, view, "ready")
}
