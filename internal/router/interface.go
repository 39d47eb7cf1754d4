package router

import (
	"context"

	"github.com/mattjoyce/ocrbridge/internal/protocol"
)

// Sender delivers status envelopes back to the host.
type Sender interface {
	Send(ctx context.Context, env protocol.Envelope) error
}

// Handler runs one job action against the engine and returns the value the
// job resolves with.
type Handler func(ctx context.Context, env protocol.Envelope, progress func(status string, p float64)) (any, error)
