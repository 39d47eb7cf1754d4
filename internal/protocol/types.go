package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind names the four envelope shapes exchanged between host and sandbox.
type Kind string

const (
	KindJob                Kind = "job"
	KindStatus             Kind = "status"
	KindCapabilityRequest  Kind = "capability-request"
	KindCapabilityResponse Kind = "capability-response"
)

// Outcome is carried by status envelopes.
type Outcome string

const (
	OutcomeResolve  Outcome = "resolve"
	OutcomeReject   Outcome = "reject"
	OutcomeProgress Outcome = "progress"
)

// Job actions understood by the sandbox router.
const (
	ActionLoad          = "load"
	ActionLoadLanguage  = "loadLanguage"
	ActionInitialize    = "initialize"
	ActionSetParameters = "setParameters"
	ActionRecognize     = "recognize"
	ActionDetect        = "detect"
	ActionFS            = "FS"
)

// Capability actions. Requests flow sandbox -> host, responses host -> sandbox.
const (
	ActionFetch         = "fetch"
	ActionFetchResponse = "fetch-response"
	ActionFSRead        = "fs-read"
	ActionFSWrite       = "fs-write"
	ActionFSDelete      = "fs-delete"
	ActionFSCheck       = "fs-check"
	ActionFSResponse    = "fs-response"
)

// Envelope is the unit exchanged over the channel.
//
// Job and status envelopes are correlated by Action+JobID; capability
// envelopes by RequestID alone.
type Envelope struct {
	Kind      Kind            `json:"kind,omitempty"`
	WorkerID  string          `json:"workerId,omitempty"`
	JobID     string          `json:"jobId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Action    string          `json:"action"`
	Status    Outcome         `json:"status,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// CorrelationID returns the id that pairs this envelope with its counterpart.
func (e Envelope) CorrelationID() string {
	if e.Kind == KindCapabilityRequest || e.Kind == KindCapabilityResponse {
		return e.RequestID
	}
	return e.JobID
}

// PendingKey returns the key under which the waiting side tracks this envelope.
func (e Envelope) PendingKey() string {
	switch e.Kind {
	case KindCapabilityRequest, KindCapabilityResponse:
		return e.RequestID
	default:
		return JobKey(e.Action, e.JobID)
	}
}

// JobKey pairs a job action with its id. Callers may pick non-unique ids, so
// the action is part of the key.
func JobKey(action, jobID string) string {
	return action + "-" + jobID
}

// DecodePayload unmarshals the payload into v. An empty payload leaves v untouched.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Action, err)
	}
	return nil
}

// CapabilityRequest is the payload of a capability-request envelope.
type CapabilityRequest struct {
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
	Data Bytes  `json:"data,omitempty"`
}

// CapabilityResponse is the payload of a capability-response envelope.
type CapabilityResponse struct {
	OK     bool   `json:"ok"`
	Status int    `json:"status,omitempty"`
	Data   Bytes  `json:"data,omitempty"`
	Exists bool   `json:"exists,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Progress is the payload of a progress status envelope, merged with the
// user-visible job id on the host side. Fields beyond the known ones are
// kept in Extra and written back out by MarshalJSON; known fields win.
type Progress struct {
	WorkerID  string  `json:"workerId,omitempty"`
	UserJobID string  `json:"userJobId,omitempty"`
	Action    string  `json:"action,omitempty"`
	Status    string  `json:"status"`
	Progress  float64 `json:"progress"`

	Extra map[string]json.RawMessage `json:"-"`
}

// progressFields is Progress without its JSON methods.
type progressFields Progress

var progressKeys = []string{"workerId", "userJobId", "action", "status", "progress"}

func (p *Progress) UnmarshalJSON(data []byte) error {
	var known progressFields
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range progressKeys {
		delete(all, k)
	}
	known.Extra = nil
	if len(all) > 0 {
		known.Extra = all
	}
	*p = Progress(known)
	return nil
}

func (p Progress) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(progressFields(p))
	if err != nil || len(p.Extra) == 0 {
		return known, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(p.Extra)+len(fields))
	for k, v := range p.Extra {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return json.Marshal(out)
}

func marshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

// NewJob builds a job envelope.
func NewJob(workerID, jobID, action string, payload any) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: KindJob, WorkerID: workerID, JobID: jobID, Action: action, Payload: raw}, nil
}

// NewStatus builds a status envelope answering job.
func NewStatus(job Envelope, outcome Outcome, data any) (Envelope, error) {
	raw, err := marshalPayload(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Kind:     KindStatus,
		WorkerID: job.WorkerID,
		JobID:    job.JobID,
		Action:   job.Action,
		Status:   outcome,
		Payload:  raw,
	}, nil
}

// NewCapabilityRequest builds a capability-request envelope.
func NewCapabilityRequest(action, requestID string, req CapabilityRequest) (Envelope, error) {
	raw, err := marshalPayload(req)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: KindCapabilityRequest, RequestID: requestID, Action: action, Payload: raw}, nil
}

// NewCapabilityResponse builds the response paired with a request action.
func NewCapabilityResponse(requestAction, requestID string, resp CapabilityResponse) (Envelope, error) {
	raw, err := marshalPayload(resp)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Kind:      KindCapabilityResponse,
		RequestID: requestID,
		Action:    ResponseAction(requestAction),
		Payload:   raw,
	}, nil
}

// ResponseAction maps a capability request action to its response action.
func ResponseAction(requestAction string) string {
	if requestAction == ActionFetch {
		return ActionFetchResponse
	}
	return ActionFSResponse
}

// ErrorPayload flattens err to the string form that crosses the boundary.
func ErrorPayload(err error) json.RawMessage {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	b, _ := json.Marshal(msg)
	return b
}

// ErrorMessage recovers a human readable message from a reject payload.
// Peers that send structured errors are tolerated.
func ErrorMessage(payload json.RawMessage) string {
	if len(payload) == 0 || string(payload) == "null" {
		return "unknown error"
	}
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(payload, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Error != "" {
			return obj.Error
		}
	}
	return string(payload)
}
