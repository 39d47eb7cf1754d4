package capability

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ocrbridge/internal/protocol"
)

type memFS struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
	panic bool
}

func newMemFS() *memFS {
	return &memFS{files: map[string][]byte{}, dirs: map[string]bool{}}
}

func (m *memFS) ReadFile(_ context.Context, p string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panic {
		panic("disk on fire")
	}
	b, ok := m.files[p]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", p, fs.ErrNotExist)
	}
	return b, nil
}

func (m *memFS) WriteFile(_ context.Context, p string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[p] = append([]byte(nil), data...)
	return nil
}

func (m *memFS) Remove(_ context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[p]; !ok {
		return fs.ErrNotExist
	}
	delete(m.files, p)
	return nil
}

func (m *memFS) Exists(_ context.Context, p string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[p]
	return ok, nil
}

func (m *memFS) MkdirAll(_ context.Context, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs[dir] = true
	return nil
}

// wire connects a proxy to a responder through the real codec.
func wire(t *testing.T, fetcher Fetcher, storage FS, base string, opts ...ProxyOption) (*Proxy, *Responder) {
	t.Helper()
	var proxy *Proxy
	responder := NewResponder(SenderFunc(func(_ context.Context, env protocol.Envelope) error {
		raw, err := protocol.Encode(env)
		if err != nil {
			return err
		}
		decoded, err := protocol.Decode(raw)
		if err != nil {
			return err
		}
		proxy.HandleResponse(decoded)
		return nil
	}), fetcher, storage, base)

	proxy = NewProxy(SenderFunc(func(ctx context.Context, env protocol.Envelope) error {
		raw, err := protocol.Encode(env)
		if err != nil {
			return err
		}
		decoded, err := protocol.Decode(raw)
		if err != nil {
			return err
		}
		responder.Handle(ctx, decoded)
		return nil
	}), opts...)
	t.Cleanup(responder.Wait)
	return proxy, responder
}

func TestRewriteURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://cdn.jsdelivr.net/npm/x/eng.traineddata.gz", "https://cdn.jsdmirror.com/npm/x/eng.traineddata.gz"},
		{"http://cdn.jsdelivr.net/npm/x", "https://cdn.jsdmirror.com/npm/x"},
		{"https://cdn.jsdelivr.net.evil.com/x", "https://cdn.jsdelivr.net.evil.com/x"},
		{"https://example.com/cdn.jsdelivr.net/x", "https://example.com/cdn.jsdelivr.net/x"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RewriteURL(tt.in, DefaultMirrors), tt.in)
	}
	assert.Equal(t, "https://cdn.jsdelivr.net/a", RewriteURL("https://cdn.jsdelivr.net/a", nil))
}

func TestResolvePath(t *testing.T) {
	tests := []struct {
		base, in, want string
	}{
		{"/data", "", "/data"},
		{"/data", ".", "/data"},
		{"/data", "./", "/data"},
		{"", ".", "."},
		{"/data", "eng.traineddata", "/data/eng.traineddata"},
		{"/data/", "./tess/eng", "/data/tess/eng"},
		{"/data", `tess\eng`, "/data/tess/eng"},
		{"/data", "/abs/eng", "/abs/eng"},
		{"", "rel/eng", "rel/eng"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolvePath(tt.base, tt.in), "%q + %q", tt.base, tt.in)
	}
}

func TestStorageRoundTrip(t *testing.T) {
	storage := newMemFS()
	proxy, _ := wire(t, nil, storage, "/root")
	ctx := context.Background()

	require.NoError(t, proxy.Write(ctx, "tess/eng.traineddata", []byte{0, 1, 2, 255}))
	assert.True(t, storage.dirs["/root/tess"], "parent directory created before write")

	got, ok, err := proxy.Read(ctx, "tess/eng.traineddata")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{0, 1, 2, 255}, got)

	exists, err := proxy.Exists(ctx, "tess/eng.traineddata")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, proxy.Delete(ctx, "tess/eng.traineddata"))
	require.NoError(t, proxy.Delete(ctx, "tess/eng.traineddata"), "deleting a missing file succeeds")

	exists, err = proxy.Exists(ctx, "tess/eng.traineddata")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Zero(t, proxy.Pending())
}

func TestReadMissIsNotAnError(t *testing.T) {
	proxy, _ := wire(t, nil, newMemFS(), "")
	got, ok, err := proxy.Read(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestFetchThroughHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/npm/eng.traineddata":
			_, _ = w.Write([]byte("weights"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	proxy, _ := wire(t, NewHTTPFetcher(5*time.Second, 0), nil, "",
		WithMirrors([]Mirror{{From: "https://cdn.example.test", To: srv.URL}}))
	ctx := context.Background()

	res, err := proxy.Fetch(ctx, "https://cdn.example.test/npm/eng.traineddata")
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, "weights", string(res.Bytes()))
	assert.Equal(t, srv.URL+"/npm/eng.traineddata", res.URL)

	_, err = proxy.Fetch(ctx, srv.URL+"/missing")
	require.Error(t, err)
	var capErr *Error
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, 404, capErr.Status)
	assert.Contains(t, err.Error(), "404")
	assert.Zero(t, proxy.Pending())
}

func TestFetchWithoutNetwork(t *testing.T) {
	proxy, _ := wire(t, nil, nil, "")
	_, err := proxy.Fetch(context.Background(), "https://example.test/x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network capability unavailable")

	_, _, err = proxy.Read(context.Background(), "x")
	require.NoError(t, err, "read failures surface as a miss")
	assert.Error(t, proxy.Write(context.Background(), "x", []byte("y")))
}

func TestFetchBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	status, _, err := NewHTTPFetcher(time.Second, 16).Get(context.Background(), srv.URL)
	assert.Equal(t, 200, status)
	assert.Error(t, err)
}

func TestResponderAlwaysAnswers(t *testing.T) {
	storage := newMemFS()
	storage.panic = true

	var (
		mu   sync.Mutex
		sent []protocol.Envelope
	)
	r := NewResponder(SenderFunc(func(_ context.Context, env protocol.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, env)
		return nil
	}), nil, storage, "")

	ctx := context.Background()
	readReq, err := protocol.NewCapabilityRequest(protocol.ActionFSRead, "fs-1", protocol.CapabilityRequest{Path: "x"})
	require.NoError(t, err)
	oddReq, err := protocol.NewCapabilityRequest("fs-chmod", "fs-2", protocol.CapabilityRequest{Path: "x"})
	require.NoError(t, err)
	noPath, err := protocol.NewCapabilityRequest(protocol.ActionFSCheck, "fs-3", protocol.CapabilityRequest{})
	require.NoError(t, err)

	r.Serve(ctx, readReq)
	r.Serve(ctx, oddReq)
	r.Serve(ctx, noPath)

	require.Len(t, sent, 3)
	want := map[string]string{
		"fs-1": "panic handling fs-read",
		"fs-2": "unknown capability action",
		"fs-3": "missing path",
	}
	for _, env := range sent {
		assert.Equal(t, protocol.KindCapabilityResponse, env.Kind)
		assert.Equal(t, protocol.ActionFSResponse, env.Action)
		var resp protocol.CapabilityResponse
		require.NoError(t, env.DecodePayload(&resp))
		assert.False(t, resp.OK)
		assert.Contains(t, resp.Error, want[env.RequestID])
	}
}

func TestConcurrentReadsSettleByRequestID(t *testing.T) {
	const n = 100
	requests := make(chan protocol.Envelope, n)
	proxy := NewProxy(SenderFunc(func(_ context.Context, env protocol.Envelope) error {
		requests <- env
		return nil
	}))

	type result struct {
		path string
		data string
		err  error
	}
	results := make(chan result, n)
	for i := 0; i < n; i++ {
		path := fmt.Sprintf("file-%03d", i)
		go func() {
			b, _, err := proxy.Read(context.Background(), path)
			results <- result{path: path, data: string(b), err: err}
		}()
	}

	received := make([]protocol.Envelope, 0, n)
	for i := 0; i < n; i++ {
		received = append(received, <-requests)
	}

	ids := map[string]bool{}
	for i := len(received) - 1; i >= 0; i-- {
		env := received[i]
		assert.False(t, ids[env.RequestID], "request ids are unique")
		ids[env.RequestID] = true

		var req protocol.CapabilityRequest
		require.NoError(t, env.DecodePayload(&req))
		resp, err := protocol.NewCapabilityResponse(env.Action, env.RequestID,
			protocol.CapabilityResponse{OK: true, Data: []byte("contents of " + req.Path)})
		require.NoError(t, err)
		assert.True(t, proxy.HandleResponse(resp))
	}

	for i := 0; i < n; i++ {
		r := <-results
		require.NoError(t, r.err)
		assert.Equal(t, "contents of "+r.path, r.data)
	}
	assert.Zero(t, proxy.Pending())
}

func TestRequestIDsPerFamily(t *testing.T) {
	var ids []string
	proxy := NewProxy(SenderFunc(func(_ context.Context, env protocol.Envelope) error {
		ids = append(ids, env.RequestID)
		return errors.New("offline")
	}))
	ctx := context.Background()

	_, _ = proxy.Fetch(ctx, "https://a")
	_, _, _ = proxy.Read(ctx, "a")
	_, _ = proxy.Exists(ctx, "a")
	_, _ = proxy.Fetch(ctx, "https://b")

	assert.Equal(t, []string{"fetch-1", "fs-1", "fs-2", "fetch-2"}, ids)
	assert.Zero(t, proxy.Pending(), "failed sends do not leave entries behind")
}

func TestCloseRejectsOutstanding(t *testing.T) {
	sent := make(chan struct{}, 2)
	proxy := NewProxy(SenderFunc(func(context.Context, protocol.Envelope) error {
		sent <- struct{}{}
		return nil
	}))
	done := make(chan error, 2)
	go func() {
		_, err := proxy.Fetch(context.Background(), "https://a")
		done <- err
	}()
	go func() {
		_, err := proxy.Exists(context.Background(), "a")
		done <- err
	}()
	<-sent
	<-sent

	closeErr := errors.New("terminated")
	proxy.Close(closeErr)
	assert.ErrorIs(t, <-done, closeErr)
	assert.ErrorIs(t, <-done, closeErr)

	_, err := proxy.Fetch(context.Background(), "https://b")
	assert.ErrorIs(t, err, closeErr)
}

func TestCancelledCallerDropsEntry(t *testing.T) {
	sent := make(chan protocol.Envelope, 1)
	proxy := NewProxy(SenderFunc(func(_ context.Context, env protocol.Envelope) error {
		sent <- env
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := proxy.Read(ctx, "slow")
		done <- err
	}()
	env := <-sent
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Zero(t, proxy.Pending())

	late, err := protocol.NewCapabilityResponse(env.Action, env.RequestID, protocol.CapabilityResponse{OK: true})
	require.NoError(t, err)
	assert.False(t, proxy.HandleResponse(late), "late response is ignored")
}
