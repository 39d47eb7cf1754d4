// Package capability relays privileged I/O from the sandbox to the host.
//
// The Proxy runs inside the sandbox and turns fetch and storage calls into
// capability-request envelopes; the Responder runs in the host, performs the
// real operation and always answers with a capability-response envelope.
package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mattjoyce/ocrbridge/internal/log"
	"github.com/mattjoyce/ocrbridge/internal/pending"
	"github.com/mattjoyce/ocrbridge/internal/protocol"
)

// Sender delivers an envelope to the other side of the channel.
type Sender interface {
	Send(ctx context.Context, env protocol.Envelope) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, env protocol.Envelope) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, env protocol.Envelope) error { return f(ctx, env) }

// Mirror rewrites URLs starting with From to start with To.
type Mirror struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// DefaultMirrors sends jsDelivr traffic to a mirror reachable from
// networks where the CDN is slow or blocked.
var DefaultMirrors = []Mirror{
	{From: "https://cdn.jsdelivr.net", To: "https://cdn.jsdmirror.com"},
	{From: "http://cdn.jsdelivr.net", To: "https://cdn.jsdmirror.com"},
}

// RewriteURL applies the first matching mirror to url.
func RewriteURL(url string, mirrors []Mirror) string {
	for _, m := range mirrors {
		from := strings.TrimSuffix(m.From, "/")
		if from == "" {
			continue
		}
		if strings.HasPrefix(url, from+"/") {
			return strings.TrimSuffix(m.To, "/") + strings.TrimPrefix(url, from)
		}
	}
	return url
}

// Error is a capability failure reported by the host.
type Error struct {
	Action    string
	RequestID string
	Status    int
	Message   string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s %s failed (status %d): %s", e.Action, e.RequestID, e.Status, e.Message)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Action, e.RequestID, e.Message)
}

// FetchResult is a successful fetch.
type FetchResult struct {
	URL    string
	Status int
	body   []byte
}

// NewFetchResult wraps a body fetched outside the proxy.
func NewFetchResult(url string, status int, body []byte) *FetchResult {
	return &FetchResult{URL: url, Status: status, body: body}
}

// Bytes returns the response body.
func (r *FetchResult) Bytes() []byte { return r.body }

// Proxy exposes host capabilities to code running in the sandbox as ordinary
// calls. It never times out on its own; callers bound calls with ctx.
type Proxy struct {
	send    Sender
	mirrors []Mirror
	logger  *slog.Logger

	fetchIDs pending.IDSource
	fsIDs    pending.IDSource
	fetches  *pending.Table[protocol.CapabilityResponse]
	storage  *pending.Table[protocol.CapabilityResponse]
}

// ProxyOption configures a Proxy.
type ProxyOption func(*Proxy)

// WithMirrors replaces DefaultMirrors.
func WithMirrors(m []Mirror) ProxyOption {
	return func(p *Proxy) { p.mirrors = m }
}

// WithIDSources overrides the per-family request id sources.
func WithIDSources(fetch, fs pending.IDSource) ProxyOption {
	return func(p *Proxy) {
		if fetch != nil {
			p.fetchIDs = fetch
		}
		if fs != nil {
			p.fsIDs = fs
		}
	}
}

// NewProxy returns a proxy sending its requests through send.
func NewProxy(send Sender, opts ...ProxyOption) *Proxy {
	p := &Proxy{
		send:     send,
		mirrors:  DefaultMirrors,
		logger:   log.WithComponent("capability"),
		fetchIDs: pending.NewCounter("fetch"),
		fsIDs:    pending.NewCounter("fs"),
		fetches:  pending.NewTable[protocol.CapabilityResponse](),
		storage:  pending.NewTable[protocol.CapabilityResponse](),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fetch GETs url through the host.
func (p *Proxy) Fetch(ctx context.Context, url string) (*FetchResult, error) {
	target := RewriteURL(url, p.mirrors)
	if target != url {
		p.logger.Debug("rewrote fetch url", "from", url, "to", target)
	}

	id, resp, err := p.call(ctx, p.fetches, p.fetchIDs, protocol.ActionFetch, protocol.CapabilityRequest{URL: target})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		msg := resp.Error
		if msg == "" {
			msg = fmt.Sprintf("fetch failed: %d", resp.Status)
		}
		return nil, &Error{Action: protocol.ActionFetch, RequestID: id, Status: resp.Status, Message: fmt.Sprintf("%s: %s", target, msg)}
	}

	status := resp.Status
	if status == 0 {
		status = 200
	}
	return &FetchResult{URL: target, Status: status, body: []byte(resp.Data)}, nil
}

// Read returns the contents of path. A host-side failure is reported as a
// miss, mirroring a cache lookup.
func (p *Proxy) Read(ctx context.Context, path string) ([]byte, bool, error) {
	_, resp, err := p.call(ctx, p.storage, p.fsIDs, protocol.ActionFSRead, protocol.CapabilityRequest{Path: path})
	if err != nil {
		return nil, false, err
	}
	if !resp.OK {
		p.logger.Debug("storage read miss", "path", path, "error", resp.Error)
		return nil, false, nil
	}
	if resp.Data == nil {
		return []byte{}, true, nil
	}
	return []byte(resp.Data), true, nil
}

// Write stores data at path, creating parent directories.
func (p *Proxy) Write(ctx context.Context, path string, data []byte) error {
	id, resp, err := p.call(ctx, p.storage, p.fsIDs, protocol.ActionFSWrite, protocol.CapabilityRequest{Path: path, Data: data})
	if err != nil {
		return err
	}
	if !resp.OK {
		return &Error{Action: protocol.ActionFSWrite, RequestID: id, Message: fmt.Sprintf("%s: %s", path, resp.Error)}
	}
	return nil
}

// Delete removes path. Deleting a missing path succeeds.
func (p *Proxy) Delete(ctx context.Context, path string) error {
	id, resp, err := p.call(ctx, p.storage, p.fsIDs, protocol.ActionFSDelete, protocol.CapabilityRequest{Path: path})
	if err != nil {
		return err
	}
	if !resp.OK {
		return &Error{Action: protocol.ActionFSDelete, RequestID: id, Message: fmt.Sprintf("%s: %s", path, resp.Error)}
	}
	return nil
}

// Exists reports whether path exists on the host.
func (p *Proxy) Exists(ctx context.Context, path string) (bool, error) {
	id, resp, err := p.call(ctx, p.storage, p.fsIDs, protocol.ActionFSCheck, protocol.CapabilityRequest{Path: path})
	if err != nil {
		return false, err
	}
	if !resp.OK {
		return false, &Error{Action: protocol.ActionFSCheck, RequestID: id, Message: fmt.Sprintf("%s: %s", path, resp.Error)}
	}
	return resp.Exists, nil
}

// HandleResponse settles the request env answers. It reports false for
// responses nobody is waiting on.
func (p *Proxy) HandleResponse(env protocol.Envelope) bool {
	var table *pending.Table[protocol.CapabilityResponse]
	switch env.Action {
	case protocol.ActionFetchResponse:
		table = p.fetches
	case protocol.ActionFSResponse:
		table = p.storage
	default:
		p.logger.Warn("unexpected capability response", "action", env.Action, "request_id", env.RequestID)
		return false
	}

	var resp protocol.CapabilityResponse
	if err := env.DecodePayload(&resp); err != nil {
		return table.Reject(env.RequestID, err)
	}
	if !table.Resolve(env.RequestID, resp) {
		p.logger.Debug("response for unknown request", "action", env.Action, "request_id", env.RequestID)
		return false
	}
	return true
}

// Pending returns how many capability requests are awaiting a response.
func (p *Proxy) Pending() int {
	return p.fetches.Len() + p.storage.Len()
}

// Close rejects every outstanding request with err.
func (p *Proxy) Close(err error) {
	n := p.fetches.Close(err) + p.storage.Close(err)
	if n > 0 {
		p.logger.Debug("rejected outstanding capability requests", "count", n, "error", err)
	}
}

func (p *Proxy) call(
	ctx context.Context,
	table *pending.Table[protocol.CapabilityResponse],
	ids pending.IDSource,
	action string,
	req protocol.CapabilityRequest,
) (string, protocol.CapabilityResponse, error) {
	id := ids.Next()
	fut, err := table.Register(id)
	if err != nil {
		return id, protocol.CapabilityResponse{}, fmt.Errorf("%s: %w", action, err)
	}

	env, err := protocol.NewCapabilityRequest(action, id, req)
	if err == nil {
		err = p.send.Send(ctx, env)
	}
	if err != nil {
		table.Remove(id)
		return id, protocol.CapabilityResponse{}, fmt.Errorf("send %s %s: %w", action, id, err)
	}

	resp, err := fut.Wait(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			table.Remove(id)
		}
		return id, protocol.CapabilityResponse{}, err
	}
	return id, resp, nil
}
