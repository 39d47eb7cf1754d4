package capability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/ocrbridge/internal/log"
	"github.com/mattjoyce/ocrbridge/internal/protocol"
)

// Fetcher performs the network half of a fetch request.
type Fetcher interface {
	Get(ctx context.Context, url string) (status int, body []byte, err error)
}

// FS is the host storage the responder writes to. Paths are already resolved.
type FS interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	Remove(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	MkdirAll(ctx context.Context, dir string) error
}

// ResolvePath maps a path requested by the sandbox onto the host storage
// root. Absolute-looking paths pass through unchanged.
func ResolvePath(base, p string) string {
	if p == "" || p == "." || p == "./" {
		if base == "" {
			return p
		}
		return base
	}
	n := strings.ReplaceAll(p, `\`, "/")
	n = strings.TrimPrefix(n, "./")
	if strings.HasPrefix(n, "/") || base == "" {
		return n
	}
	return strings.TrimSuffix(base, "/") + "/" + n
}

// Responder performs capability requests on behalf of the sandbox. Every
// request it is handed gets exactly one response, failures included.
type Responder struct {
	send    Sender
	fetcher Fetcher
	fs      FS
	base    string
	logger  *slog.Logger

	wg sync.WaitGroup
}

// NewResponder builds a responder. A nil fetcher or fs makes the matching
// requests fail with a descriptive error rather than go unanswered.
func NewResponder(send Sender, fetcher Fetcher, storage FS, baseDir string) *Responder {
	return &Responder{
		send:    send,
		fetcher: fetcher,
		fs:      storage,
		base:    baseDir,
		logger:  log.WithComponent("responder"),
	}
}

// Handle answers env asynchronously.
func (r *Responder) Handle(ctx context.Context, env protocol.Envelope) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Serve(ctx, env)
	}()
}

// Serve answers env synchronously.
func (r *Responder) Serve(ctx context.Context, env protocol.Envelope) {
	resp := r.perform(ctx, env)
	if !resp.OK {
		r.logger.Debug("capability request failed", "action", env.Action, "request_id", env.RequestID, "error", resp.Error)
	}

	out, err := protocol.NewCapabilityResponse(env.Action, env.RequestID, resp)
	if err != nil {
		r.logger.Error("build capability response", "request_id", env.RequestID, "error", err)
		return
	}
	if err := r.send.Send(ctx, out); err != nil {
		r.logger.Warn("send capability response", "request_id", env.RequestID, "error", err)
	}
}

// Wait blocks until every request handed to Handle has been answered.
func (r *Responder) Wait() {
	r.wg.Wait()
}

func (r *Responder) perform(ctx context.Context, env protocol.Envelope) (resp protocol.CapabilityResponse) {
	defer func() {
		if p := recover(); p != nil {
			resp = failure(fmt.Errorf("panic handling %s: %v", env.Action, p))
		}
	}()

	var req protocol.CapabilityRequest
	if err := env.DecodePayload(&req); err != nil {
		return failure(err)
	}

	switch env.Action {
	case protocol.ActionFetch:
		return r.fetch(ctx, req)
	case protocol.ActionFSRead, protocol.ActionFSWrite, protocol.ActionFSDelete, protocol.ActionFSCheck:
		if r.fs == nil {
			return failure(errors.New("storage capability unavailable"))
		}
		return r.storage(ctx, env.Action, ResolvePath(r.base, req.Path), req.Data)
	default:
		return failure(fmt.Errorf("unknown capability action %q", env.Action))
	}
}

func (r *Responder) fetch(ctx context.Context, req protocol.CapabilityRequest) protocol.CapabilityResponse {
	if req.URL == "" {
		return failure(errors.New("fetch request missing url"))
	}
	if r.fetcher == nil {
		return failure(errors.New("network capability unavailable"))
	}

	status, body, err := r.fetcher.Get(ctx, req.URL)
	if err != nil {
		resp := failure(err)
		resp.Status = status
		return resp
	}
	if status < 200 || status > 299 {
		return protocol.CapabilityResponse{Status: status, Error: fmt.Sprintf("request failed: %d", status)}
	}
	return protocol.CapabilityResponse{OK: true, Status: status, Data: body}
}

func (r *Responder) storage(ctx context.Context, action, path string, data []byte) protocol.CapabilityResponse {
	if path == "" {
		return failure(errors.New("storage request missing path"))
	}

	switch action {
	case protocol.ActionFSRead:
		b, err := r.fs.ReadFile(ctx, path)
		if err != nil {
			return failure(err)
		}
		return protocol.CapabilityResponse{OK: true, Data: b}

	case protocol.ActionFSWrite:
		if dir := filepath.Dir(path); dir != "." && dir != "/" {
			if err := r.fs.MkdirAll(ctx, dir); err != nil {
				return failure(fmt.Errorf("create %s: %w", dir, err))
			}
		}
		if err := r.fs.WriteFile(ctx, path, data); err != nil {
			return failure(err)
		}
		return protocol.CapabilityResponse{OK: true}

	case protocol.ActionFSDelete:
		if err := r.fs.Remove(ctx, path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return failure(err)
		}
		return protocol.CapabilityResponse{OK: true}

	default: // fs-check
		ok, err := r.fs.Exists(ctx, path)
		if err != nil {
			return failure(err)
		}
		return protocol.CapabilityResponse{OK: true, Exists: ok}
	}
}

func failure(err error) protocol.CapabilityResponse {
	return protocol.CapabilityResponse{Error: err.Error()}
}

// HTTPFetcher fetches over HTTP(S).
type HTTPFetcher struct {
	Client    *http.Client
	UserAgent string
	// MaxBytes bounds the body; zero means unbounded.
	MaxBytes int64
}

// NewHTTPFetcher returns a fetcher whose requests time out after timeout.
func NewHTTPFetcher(timeout time.Duration, maxBytes int64) *HTTPFetcher {
	return &HTTPFetcher{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: "ocrbridge",
		MaxBytes:  maxBytes,
	}
}

// Get implements Fetcher.
func (f *HTTPFetcher) Get(ctx context.Context, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if f.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, f.MaxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read body: %w", err)
	}
	if f.MaxBytes > 0 && int64(len(data)) > f.MaxBytes {
		return resp.StatusCode, nil, fmt.Errorf("response exceeds %d bytes", f.MaxBytes)
	}
	return resp.StatusCode, data, nil
}
