package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MaxUnwrapDepth bounds how many "data" wrappers Decode looks through.
const MaxUnwrapDepth = 3

var (
	// ErrUnrecognized means no envelope shape was found in the message.
	ErrUnrecognized = errors.New("unrecognized message")
	// ErrMalformed means an envelope shape was found but failed validation.
	ErrMalformed = errors.New("malformed envelope")
)

// Encode validates env and serializes it to a single JSON frame.
func Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return b, nil
}

// Decode classifies a raw message by its structural signature and returns
// the envelope it carries.
//
// Messages relayed through some runtimes arrive wrapped in one or more
// {"data": ...} objects, sometimes as JSON text inside a string. Decode
// unwraps up to MaxUnwrapDepth levels before giving up with ErrUnrecognized.
// This is a compatibility shim for the transport; every envelope it returns
// has passed Validate.
func Decode(raw []byte) (Envelope, error) {
	current := bytes.TrimSpace(raw)
	unquoted := false
	for depth := 0; depth <= MaxUnwrapDepth; {
		if len(current) == 0 {
			break
		}

		if current[0] == '"' {
			var s string
			if unquoted || json.Unmarshal(current, &s) != nil {
				break
			}
			current = bytes.TrimSpace([]byte(s))
			unquoted = true
			continue
		}
		unquoted = false

		var fields map[string]json.RawMessage
		if current[0] != '{' || json.Unmarshal(current, &fields) != nil {
			break
		}

		if kind, ok := signature(fields); ok {
			return build(current, kind)
		}

		inner, ok := fields["data"]
		if !ok {
			break
		}
		current = bytes.TrimSpace(inner)
		depth++
	}
	return Envelope{}, ErrUnrecognized
}

// signature infers the envelope kind from which fields are present.
func signature(fields map[string]json.RawMessage) (Kind, bool) {
	if _, ok := fields["requestId"]; ok {
		var action string
		_ = json.Unmarshal(fields["action"], &action)
		if strings.HasSuffix(action, "-response") {
			return KindCapabilityResponse, true
		}
		return KindCapabilityRequest, true
	}

	_, hasAction := fields["action"]
	_, hasJob := fields["jobId"]
	if hasAction && hasJob {
		if _, ok := fields["status"]; ok {
			return KindStatus, true
		}
		return KindJob, true
	}
	return "", false
}

func build(raw []byte, kind Kind) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Kind != "" && env.Kind != kind {
		return Envelope{}, fmt.Errorf("%w: kind %q contradicts %s shape", ErrMalformed, env.Kind, kind)
	}
	env.Kind = kind
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the envelope against the schema for its kind.
func (e Envelope) Validate() error {
	if e.Action == "" {
		return fmt.Errorf("%w: missing action", ErrMalformed)
	}

	switch e.Kind {
	case KindJob:
		if e.JobID == "" {
			return fmt.Errorf("%w: job %q missing jobId", ErrMalformed, e.Action)
		}
		if e.Status != "" {
			return fmt.Errorf("%w: job %q carries a status", ErrMalformed, e.Action)
		}
	case KindStatus:
		if e.JobID == "" {
			return fmt.Errorf("%w: status for %q missing jobId", ErrMalformed, e.Action)
		}
		switch e.Status {
		case OutcomeResolve, OutcomeReject, OutcomeProgress:
		default:
			return fmt.Errorf("%w: invalid status %q (must be resolve, reject or progress)", ErrMalformed, e.Status)
		}
	case KindCapabilityRequest:
		if e.RequestID == "" {
			return fmt.Errorf("%w: capability request missing requestId", ErrMalformed)
		}
		// Unknown actions still validate so the responder can answer them.
	case KindCapabilityResponse:
		if e.RequestID == "" {
			return fmt.Errorf("%w: capability response missing requestId", ErrMalformed)
		}
		if e.Action != ActionFetchResponse && e.Action != ActionFSResponse {
			return fmt.Errorf("%w: unknown capability response %q", ErrMalformed, e.Action)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, e.Kind)
	}
	return nil
}

// IsCapabilityAction reports whether action is a capability request action.
func IsCapabilityAction(action string) bool {
	switch action {
	case ActionFetch, ActionFSRead, ActionFSWrite, ActionFSDelete, ActionFSCheck:
		return true
	}
	return false
}
