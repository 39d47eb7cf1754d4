package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/ocrbridge/internal/capability"
	"github.com/mattjoyce/ocrbridge/internal/log"
	"github.com/mattjoyce/ocrbridge/internal/sandbox"
	"github.com/mattjoyce/ocrbridge/internal/transport"
)

// ErrKilled is returned by Stop when the sandbox ignored SIGTERM and had to
// be killed.
var ErrKilled = errors.New("sandbox killed")

// terminationGracePeriod is how long a sandbox process gets after SIGTERM
// before it is killed.
const terminationGracePeriod = 5 * time.Second

// Process is a running restricted context.
type Process interface {
	Conn() transport.Conn
	// Stop shuts the context down and waits for it to exit.
	Stop() error
}

// Spawner starts restricted contexts.
type Spawner interface {
	Spawn(ctx context.Context) (Process, error)
}

// InProcess runs the sandbox as goroutines in this process, connected
// through an in-memory pipe.
type InProcess struct {
	Mirrors   []capability.Mirror
	NewEngine sandbox.Factory
}

type inProcess struct {
	conn   transport.Conn
	cancel context.CancelFunc
	done   chan error
}

func (s InProcess) Spawn(_ context.Context) (Process, error) {
	host, guest := transport.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	p := &inProcess{conn: host, cancel: cancel, done: make(chan error, 1)}
	go func() {
		p.done <- sandbox.Run(ctx, guest, sandbox.Options{Mirrors: s.Mirrors, NewEngine: s.NewEngine})
	}()
	return p, nil
}

func (p *inProcess) Conn() transport.Conn { return p.conn }

func (p *inProcess) Stop() error {
	p.conn.Close()
	p.cancel()
	return <-p.done
}

// Subprocess runs "<Path> sandbox" and talks to it over stdin/stdout.
type Subprocess struct {
	Path string
	Args []string
	Env  []string
	// Grace overrides terminationGracePeriod.
	Grace time.Duration
}

type subprocess struct {
	cmd     *exec.Cmd
	conn    transport.Conn
	grace   time.Duration
	waitErr chan error
	logger  *slog.Logger

	once sync.Once
	err  error
}

func (s Subprocess) Spawn(_ context.Context) (Process, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}
	args := s.Args
	if args == nil {
		args = []string{"sandbox"}
	}

	// Not CommandContext: termination is managed in Stop.
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	// Wait finishes copying stdout before it returns, so the last frames
	// are not lost when the process exits.
	stdoutR, stdoutW := io.Pipe()
	cmd.Stdout = stdoutW

	logger := log.WithComponent("worker").With("sandbox", path)
	logger.Debug("spawning sandbox process", "args", args)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start sandbox: %w", err)
	}

	grace := s.Grace
	if grace <= 0 {
		grace = terminationGracePeriod
	}
	p := &subprocess{
		cmd:     cmd,
		conn:    transport.NewStream(stdoutR, stdin),
		grace:   grace,
		waitErr: make(chan error, 1),
		logger:  logger,
	}
	go func() {
		err := cmd.Wait()
		stdoutW.Close()
		p.waitErr <- err
	}()
	return p, nil
}

func (p *subprocess) Conn() transport.Conn { return p.conn }

// Stop closes stdin, then sends SIGTERM and finally SIGKILL if the process
// is still running after the grace period.
func (p *subprocess) Stop() error {
	p.once.Do(func() {
		p.conn.Close()

		select {
		case err := <-p.waitErr:
			p.err = exitError(err)
			return
		default:
		}

		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			p.logger.Debug("failed to send SIGTERM", "error", err)
		}

		grace := time.NewTimer(p.grace)
		defer grace.Stop()

		select {
		case err := <-p.waitErr:
			p.logger.Debug("sandbox exited after SIGTERM")
			p.err = exitError(err)
		case <-grace.C:
			p.logger.Warn("sandbox did not exit after SIGTERM, sending SIGKILL")
			if err := p.cmd.Process.Kill(); err != nil {
				p.logger.Error("failed to send SIGKILL", "error", err)
			}
			<-p.waitErr
			p.err = fmt.Errorf("%w after %s grace period", ErrKilled, p.grace)
		}
	})
	return p.err
}

// exitError drops the errors a terminated sandbox is expected to report.
func exitError(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() && ws.Signal() == syscall.SIGTERM {
			return nil
		}
	}
	return fmt.Errorf("sandbox process: %w", err)
}
