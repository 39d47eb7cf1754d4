package api

import (
	"time"

	"github.com/mattjoyce/ocrbridge/internal/engine"
	"github.com/mattjoyce/ocrbridge/internal/journal"
)

// RecognizeRequest is the JSON body for POST /recognize. Image is base64.
type RecognizeRequest struct {
	Image   []byte                  `json:"image"`
	Options engine.RecognizeOptions `json:"options,omitempty"`
	Output  engine.OutputSpec       `json:"output,omitempty"`
	JobID   string                  `json:"job_id,omitempty"`
}

// DetectRequest is the JSON body for POST /detect.
type DetectRequest struct {
	Image []byte `json:"image"`
	JobID string `json:"job_id,omitempty"`
}

// ReinitializeRequest is the JSON body for POST /reinitialize.
type ReinitializeRequest struct {
	Langs  engine.Languages `json:"langs,omitempty"`
	Mode   *string          `json:"mode,omitempty"`
	Config engine.Settings  `json:"config,omitempty"`
	Reset  bool             `json:"reset,omitempty"`
}

// ParametersRequest is the JSON body for POST /parameters.
type ParametersRequest struct {
	Params engine.Settings `json:"params"`
}

// WorkerResponse describes the worker after a state-changing call.
type WorkerResponse struct {
	WorkerID  string   `json:"worker_id"`
	State     string   `json:"state"`
	Languages []string `json:"languages"`
	Mode      string   `json:"mode"`
}

// JobEntry is one row of GET /jobs.
type JobEntry struct {
	WorkerID   string     `json:"worker_id"`
	JobID      string     `json:"job_id"`
	Action     string     `json:"action"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ElapsedMS  int64      `json:"elapsed_ms"`
	Error      *string    `json:"error,omitempty"`
}

// JobEntries converts journal rows to their wire form.
func JobEntries(entries []journal.Entry) []JobEntry {
	out := make([]JobEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, JobEntry{
			WorkerID:   e.WorkerID,
			JobID:      e.JobID,
			Action:     e.Action,
			Status:     string(e.Status),
			StartedAt:  e.StartedAt,
			FinishedAt: e.FinishedAt,
			ElapsedMS:  e.Elapsed.Milliseconds(),
			Error:      e.LastError,
		})
	}
	return out
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	WorkerID      string `json:"worker_id"`
	State         string `json:"state"`
	Pending       int    `json:"pending"`
}
