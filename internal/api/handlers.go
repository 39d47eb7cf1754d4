package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/ocrbridge/internal/dispatch"
	"github.com/mattjoyce/ocrbridge/internal/engine"
	"github.com/mattjoyce/ocrbridge/internal/journal"
	"github.com/mattjoyce/ocrbridge/internal/lifecycle"
)

// handleHealthz handles GET /healthz (no auth). It reports 503 until the
// worker is ready.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := s.worker.State()
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		WorkerID:      s.worker.ID(),
		State:         state.String(),
		Pending:       s.worker.Pending(),
	}
	code := http.StatusOK
	if state != lifecycle.StateReady {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.workerResponse())
}

func (s *Server) workerResponse() WorkerResponse {
	return WorkerResponse{
		WorkerID:  s.worker.ID(),
		State:     s.worker.State().String(),
		Languages: s.worker.Languages(),
		Mode:      s.worker.Mode().String(),
	}
}

// handleRecognize accepts either a JSON RecognizeRequest or a raw image
// body, with job_id taken from the query string in the raw case.
func (s *Server) handleRecognize(w http.ResponseWriter, r *http.Request) {
	var req RecognizeRequest
	if isJSON(r) {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	} else {
		image, err := io.ReadAll(r.Body)
		if err != nil {
			s.writeError(w, http.StatusRequestEntityTooLarge, "failed to read image")
			return
		}
		req.Image = image
		req.JobID = r.URL.Query().Get("job_id")
	}
	if len(req.Image) == 0 {
		s.writeError(w, http.StatusBadRequest, "image is required")
		return
	}

	res, err := s.worker.Recognize(r.Context(), req.Image, req.Options, req.Output, jobOptions(req.JobID)...)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req DetectRequest
	if isJSON(r) {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	} else {
		image, err := io.ReadAll(r.Body)
		if err != nil {
			s.writeError(w, http.StatusRequestEntityTooLarge, "failed to read image")
			return
		}
		req.Image = image
		req.JobID = r.URL.Query().Get("job_id")
	}
	if len(req.Image) == 0 {
		s.writeError(w, http.StatusBadRequest, "image is required")
		return
	}

	res, err := s.worker.Detect(r.Context(), req.Image, jobOptions(req.JobID)...)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReinitialize(w http.ResponseWriter, r *http.Request) {
	var req ReinitializeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	var opts []lifecycle.ReinitOption
	if req.Mode != nil {
		mode, err := engine.ParseMode(*req.Mode)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts = append(opts, lifecycle.WithMode(mode))
	}
	if req.Config != nil {
		opts = append(opts, lifecycle.WithConfig(req.Config))
	}
	if req.Reset {
		opts = append(opts, lifecycle.WithReset())
	}

	if err := s.worker.Reinitialize(r.Context(), req.Langs, opts...); err != nil {
		s.writeJobError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.workerResponse())
}

func (s *Server) handleParameters(w http.ResponseWriter, r *http.Request) {
	var req ParametersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Params) == 0 {
		s.writeError(w, http.StatusBadRequest, "params is required")
		return
	}
	if err := s.worker.SetParameters(r.Context(), req.Params); err != nil {
		s.writeJobError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.writeError(w, http.StatusNotFound, "job journal is disabled")
		return
	}
	q := r.URL.Query()
	f := journal.Filter{
		WorkerID: q.Get("worker"),
		Action:   q.Get("action"),
		Status:   journal.Status(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	entries, err := s.jobs.List(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	s.writeJSON(w, http.StatusOK, JobEntries(entries))
}

func jobOptions(jobID string) []dispatch.SubmitOption {
	if jobID == "" {
		return nil
	}
	return []dispatch.SubmitOption{dispatch.WithUserJobID(jobID)}
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

// writeJobError maps worker and job failures onto HTTP statuses.
func (s *Server) writeJobError(w http.ResponseWriter, err error) {
	var jobErr *dispatch.JobError
	switch {
	case errors.As(err, &jobErr):
		s.writeError(w, http.StatusUnprocessableEntity, jobErr.Message)
	case errors.Is(err, lifecycle.ErrLegacyUnavailable):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrTerminated):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, context.Canceled):
		// Client went away.
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("worker call failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, ErrorResponse{Error: msg})
}
