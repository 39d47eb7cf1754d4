package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/ocrbridge/internal/api"
	"github.com/mattjoyce/ocrbridge/internal/capability"
	"github.com/mattjoyce/ocrbridge/internal/engine"
	"github.com/mattjoyce/ocrbridge/internal/events"
	"github.com/mattjoyce/ocrbridge/internal/journal"
	"github.com/mattjoyce/ocrbridge/internal/log"
	"github.com/mattjoyce/ocrbridge/internal/storage"
	"github.com/mattjoyce/ocrbridge/internal/worker"
)

// langServer serves fake trained data and counts requests per file.
type langServer struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func newLangServer(t *testing.T) *langServer {
	t.Helper()
	ls := &langServer{hits: map[string]int{}}
	ls.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := filepath.Base(r.URL.Path)
		ls.mu.Lock()
		ls.hits[name]++
		ls.mu.Unlock()
		_, _ = fmt.Fprintf(w, "model %s", name)
	}))
	t.Cleanup(ls.Close)
	return ls
}

func (ls *langServer) count(name string) int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.hits[name]
}

type stack struct {
	worker  *worker.Worker
	blobs   *storage.BlobStore
	journal *journal.Journal
	hub     *events.Hub
	api     *httptest.Server
}

// startStack wires a worker over a SQLite blob store with the journal and
// the HTTP API in front, the way the serve command does.
func startStack(t *testing.T, dbPath string, ls *langServer) *stack {
	t.Helper()
	ctx := context.Background()

	db, err := storage.OpenSQLite(ctx, dbPath)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s := &stack{
		blobs:   storage.NewBlobStore(db),
		journal: journal.New(db),
		hub:     events.NewHub(512),
	}

	w, err := worker.New(ctx, worker.Options{
		Langs:    []string{"eng"},
		Mode:     engine.ModeDefault,
		Language: engine.LanguageOptions{LangPath: ls.URL, CacheMethod: engine.CacheWrite},
		Fetcher:  capability.NewHTTPFetcher(5*time.Second, 1<<20),
		Storage:  s.blobs,
		Events:   s.hub,
		Observer: s.journal,
		ErrorSink: func(err error) {
			t.Logf("worker error: %v", err)
		},
	})
	if err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	s.worker = w
	t.Cleanup(func() {
		_ = w.Terminate()
		s.hub.Close()
	})

	server := api.New(api.Config{APIKey: "e2e-key"}, w, s.hub, s.journal, log.WithComponent("api"))
	s.api = httptest.NewServer(server.Handler())
	t.Cleanup(s.api.Close)
	return s
}

func (s *stack) post(t *testing.T, path string, body any, out any) int {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodPost, s.api.URL+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer e2e-key")
	return s.do(t, req, out)
}

func (s *stack) get(t *testing.T, path string, out any) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, s.api.URL+path, nil)
	req.Header.Set("Authorization", "Bearer e2e-key")
	return s.do(t, req, out)
}

func (s *stack) do(t *testing.T, req *http.Request, out any) int {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s response: %v", req.URL.Path, err)
		}
	}
	return resp.StatusCode
}

func TestServeRecognizeJournalAndCache(t *testing.T) {
	log.Setup("ERROR")
	ls := newLangServer(t)
	dbPath := filepath.Join(t.TempDir(), "ocrbridge.db")
	s := startStack(t, dbPath, ls)

	var res engine.RecognizeResult
	code := s.post(t, "/recognize", api.RecognizeRequest{
		Image:  []byte("Hello end to end"),
		Output: engine.OutputSpec{"text": true, "tsv": true},
		JobID:  "page-1",
	}, &res)
	if code != http.StatusOK {
		t.Fatalf("POST /recognize = %d", code)
	}
	if res.Text != "Hello end to end" || res.TSV == "" {
		t.Fatalf("result = %+v", res)
	}

	// Trained data landed in the blob store.
	ok, err := s.blobs.Exists(context.Background(), "eng.traineddata")
	if err != nil || !ok {
		t.Fatalf("cached trained data missing: %v, %v", ok, err)
	}
	if n := ls.count("eng.traineddata"); n != 1 {
		t.Fatalf("eng fetched %d times, want 1", n)
	}

	var jobs []api.JobEntry
	if code := s.get(t, "/jobs?action=recognize", &jobs); code != http.StatusOK {
		t.Fatalf("GET /jobs = %d", code)
	}
	if len(jobs) != 1 || jobs[0].Status != string(journal.StatusSucceeded) {
		t.Fatalf("jobs = %+v", jobs)
	}

	// Startup jobs are journaled too.
	var all []api.JobEntry
	s.get(t, "/jobs", &all)
	actions := map[string]bool{}
	for _, j := range all {
		actions[j.Action] = true
	}
	for _, want := range []string{"load", "loadLanguage", "initialize", "recognize"} {
		if !actions[want] {
			t.Errorf("journal missing %s job: %+v", want, all)
		}
	}

	// A second worker on the same store reads the cache.
	_ = s.worker.Terminate()
	s2 := startStack(t, dbPath, ls)
	code = s2.post(t, "/recognize", api.RecognizeRequest{Image: []byte("again")}, &res)
	if code != http.StatusOK || res.Text != "again" {
		t.Fatalf("second worker: %d %+v", code, res)
	}
	if n := ls.count("eng.traineddata"); n != 1 {
		t.Fatalf("eng fetched %d times after restart, want 1", n)
	}
}

func TestServeReinitializeAddsLanguage(t *testing.T) {
	log.Setup("ERROR")
	ls := newLangServer(t)
	s := startStack(t, filepath.Join(t.TempDir(), "ocrbridge.db"), ls)

	var resp api.WorkerResponse
	code := s.post(t, "/reinitialize", api.ReinitializeRequest{Langs: engine.Languages{"eng", "fra"}}, &resp)
	if code != http.StatusOK {
		t.Fatalf("POST /reinitialize = %d", code)
	}
	if resp.State != "ready" || strings.Join(resp.Languages, "+") != "eng+fra" {
		t.Fatalf("worker = %+v", resp)
	}
	if eng, fra := ls.count("eng.traineddata"), ls.count("fra.traineddata"); eng != 1 || fra != 1 {
		t.Fatalf("fetched eng %d and fra %d times, want once each", eng, fra)
	}

	var health api.HealthzResponse
	if code := s.get(t, "/healthz", &health); code != http.StatusOK || health.Status != "ok" {
		t.Fatalf("healthz = %d %+v", code, health)
	}
}

func TestServeStreamsProgress(t *testing.T) {
	log.Setup("ERROR")
	ls := newLangServer(t)
	s := startStack(t, filepath.Join(t.TempDir(), "ocrbridge.db"), ls)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, s.api.URL+"/events?type=job.", nil)
	req.Header.Set("Authorization", "Bearer e2e-key")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	go func() {
		body := `{"image":"` + base64.StdEncoding.EncodeToString([]byte("stream me")) + `","job_id":"stream-1"}`
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.api.URL+"/recognize", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer e2e-key")
		if resp, err := http.DefaultClient.Do(req); err == nil {
			resp.Body.Close()
		}
	}()

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"userJobId":"stream-1"`) {
			return
		}
	}
	t.Fatalf("no progress for stream-1 before the stream ended: %v", sc.Err())
}
