// Package sandbox is the restricted-context runtime. It owns the engine and
// reaches the outside world only through capability requests on its one
// channel to the host.
package sandbox

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/ocrbridge/internal/capability"
	"github.com/mattjoyce/ocrbridge/internal/engine"
	"github.com/mattjoyce/ocrbridge/internal/engine/simulated"
	"github.com/mattjoyce/ocrbridge/internal/log"
	"github.com/mattjoyce/ocrbridge/internal/protocol"
	"github.com/mattjoyce/ocrbridge/internal/router"
	"github.com/mattjoyce/ocrbridge/internal/transport"
)

// Factory builds the engine for one sandbox. host is its only way out.
type Factory func(host engine.Host) engine.Adapter

// DefaultFactory builds the simulated engine.
func DefaultFactory(host engine.Host) engine.Adapter {
	return simulated.New(host)
}

// Options configure a sandbox.
type Options struct {
	Mirrors   []capability.Mirror
	NewEngine Factory
}

// connSender encodes envelopes onto a Conn.
type connSender struct {
	conn transport.Conn
}

func (s connSender) Send(ctx context.Context, env protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return s.conn.Send(ctx, frame)
}

// Run serves jobs arriving on conn until conn closes or ctx is done. A
// closed channel is a normal shutdown and returns nil.
func Run(ctx context.Context, conn transport.Conn, opts Options) error {
	logger := log.WithComponent("sandbox")
	if opts.NewEngine == nil {
		opts.NewEngine = DefaultFactory
	}
	if opts.Mirrors == nil {
		opts.Mirrors = capability.DefaultMirrors
	}

	send := connSender{conn: conn}
	proxy := capability.NewProxy(send, capability.WithMirrors(opts.Mirrors))
	r := router.New(opts.NewEngine(proxy), send)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.Run(gctx)
	})
	g.Go(func() error {
		defer proxy.Close(transport.ErrClosed)
		for {
			raw, err := conn.Recv(gctx)
			if err != nil {
				return err
			}
			env, err := protocol.Decode(raw)
			if err != nil {
				logger.Warn("unrecognized message", "error", err)
				continue
			}
			switch env.Kind {
			case protocol.KindJob:
				r.Enqueue(env)
			case protocol.KindCapabilityResponse:
				proxy.HandleResponse(env)
			default:
				logger.Warn("unexpected message kind", "kind", env.Kind, "action", env.Action)
			}
		}
	})

	logger.Debug("sandbox running")
	err := g.Wait()
	if r.Queued() > 0 {
		logger.Debug("dropping queued jobs", "count", r.Queued())
	}
	if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}
	return nil
}
