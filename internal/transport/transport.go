// Package transport carries encoded envelopes between the host and the
// sandbox. A Conn is an ordered, reliable, asynchronous frame channel with
// exactly two ends; nothing above this package depends on how frames
// physically cross.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrClosed is returned once either end of a Conn has been closed.
var ErrClosed = errors.New("transport closed")

// Conn is one end of a frame channel.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// pipeBuffer is how many frames each direction holds before Send blocks.
const pipeBuffer = 256

type pipeShared struct {
	once   sync.Once
	closed chan struct{}
}

type pipeEnd struct {
	in     <-chan []byte
	out    chan<- []byte
	shared *pipeShared
}

// Pipe returns the two ends of an in-memory channel. Closing either end
// closes both.
func Pipe() (Conn, Conn) {
	a2b := make(chan []byte, pipeBuffer)
	b2a := make(chan []byte, pipeBuffer)
	shared := &pipeShared{closed: make(chan struct{})}
	return &pipeEnd{in: b2a, out: a2b, shared: shared},
		&pipeEnd{in: a2b, out: b2a, shared: shared}
}

func (p *pipeEnd) Send(ctx context.Context, frame []byte) error {
	select {
	case <-p.shared.closed:
		return ErrClosed
	default:
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)

	select {
	case p.out <- buf:
		return nil
	case <-p.shared.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.shared.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.shared.once.Do(func() { close(p.shared.closed) })
	return nil
}

// stream frames envelopes as newline-delimited JSON over a byte stream,
// e.g. a subprocess's stdin/stdout.
type stream struct {
	r *bufio.Reader
	w io.Writer

	closers []io.Closer

	wmu       sync.Mutex
	rmu       sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewStream wraps r and w as a Conn. If either implements io.Closer it is
// closed by Close.
//
// Recv honours ctx only between frames: a read already blocked on r returns
// when r is closed or yields data.
func NewStream(r io.Reader, w io.Writer) Conn {
	s := &stream{
		r:      bufio.NewReaderSize(r, 64*1024),
		w:      w,
		closed: make(chan struct{}),
	}
	if c, ok := w.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}
	if c, ok := r.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}
	return s
}

func (s *stream) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if bytes.IndexByte(frame, '\n') >= 0 {
		return fmt.Errorf("frame contains a newline")
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	if _, err := s.w.Write(buf); err != nil {
		if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) {
			return ErrClosed
		}
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (s *stream) Recv(ctx context.Context) ([]byte, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		select {
		case <-s.closed:
			return nil, ErrClosed
		default:
		}

		line, err := s.r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("read frame: %w", err)
		}
	}
}

func (s *stream) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		close(s.closed)
		for _, c := range s.closers {
			if err := c.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
