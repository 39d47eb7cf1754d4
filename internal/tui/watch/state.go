package watch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mattjoyce/ocrbridge/internal/events"
	"github.com/mattjoyce/ocrbridge/internal/protocol"
	"github.com/mattjoyce/ocrbridge/internal/scheduler"
	"github.com/mattjoyce/ocrbridge/internal/worker"
)

const maxLogLines = 8

// Bar is the latest progress seen for one job phase.
type Bar struct {
	Job      string
	Action   string
	Status   string
	Progress float64
	Updated  time.Time
}

// State is everything the view draws, folded from events.
type State struct {
	WorkerID    string
	WorkerState string
	Langs       []string

	Bars  []*Bar
	index map[string]*Bar

	Log []string
}

// Apply folds one event into the state. Unknown types are ignored.
func (s *State) Apply(e events.Event) {
	switch e.Type {
	case worker.EventState:
		var ev worker.StateEvent
		if err := json.Unmarshal(e.Data, &ev); err != nil {
			return
		}
		s.WorkerID = ev.WorkerID
		if ev.State != s.WorkerState {
			s.log(e.At, fmt.Sprintf("%s -> %s", orDash(s.WorkerState), ev.State))
		}
		s.WorkerState = ev.State
		if len(ev.Langs) > 0 {
			s.Langs = ev.Langs
		}

	case worker.EventProgress:
		var p protocol.Progress
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return
		}
		if p.WorkerID != "" {
			s.WorkerID = p.WorkerID
		}
		s.progress(e.At, p)

	case scheduler.EventPruned, scheduler.EventFailed:
		var m struct {
			Task    string `json:"task"`
			Removed int64  `json:"removed"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal(e.Data, &m); err != nil {
			return
		}
		if e.Type == scheduler.EventFailed {
			s.log(e.At, fmt.Sprintf("prune %s failed: %s", m.Task, m.Error))
		} else {
			s.log(e.At, fmt.Sprintf("pruned %d from %s", m.Removed, m.Task))
		}
	}
}

func (s *State) progress(at time.Time, p protocol.Progress) {
	if s.index == nil {
		s.index = make(map[string]*Bar)
	}
	key := p.UserJobID + "/" + p.Action + "/" + p.Status
	b, ok := s.index[key]
	if !ok {
		b = &Bar{Job: p.UserJobID, Action: p.Action, Status: p.Status}
		s.index[key] = b
		s.Bars = append(s.Bars, b)
	}
	b.Progress = clamp(p.Progress)
	b.Updated = at
}

func (s *State) log(at time.Time, line string) {
	if at.IsZero() {
		at = time.Now()
	}
	s.Log = append(s.Log, at.Local().Format("15:04:05")+" "+line)
	if len(s.Log) > maxLogLines {
		s.Log = s.Log[len(s.Log)-maxLogLines:]
	}
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
