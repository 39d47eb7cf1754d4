package engine

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ocrbridge/internal/capability"
)

type fakeHost struct {
	mu      sync.Mutex
	files   map[string][]byte
	remote  map[string][]byte
	fetched []string
	writes  []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{files: map[string][]byte{}, remote: map[string][]byte{}}
}

func (h *fakeHost) Fetch(_ context.Context, url string) (*capability.FetchResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fetched = append(h.fetched, url)
	b, ok := h.remote[url]
	if !ok {
		return nil, &capability.Error{Action: "fetch", RequestID: "fetch-1", Status: 404, Message: url + ": request failed: 404"}
	}
	return capability.NewFetchResult(url, 200, b), nil
}

func (h *fakeHost) Read(_ context.Context, path string) ([]byte, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.files[path]
	return b, ok, nil
}

func (h *fakeHost) Write(_ context.Context, path string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writes = append(h.writes, path)
	h.files[path] = data
	return nil
}

func (h *fakeHost) Delete(_ context.Context, path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.files, path)
	return nil
}

func (h *fakeHost) Exists(_ context.Context, path string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.files[path]
	return ok, nil
}

func gz(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestSourceURL(t *testing.T) {
	assert.Equal(t,
		"https://cdn.jsdelivr.net/npm/@tesseract.js-data/eng/4.0.0/eng.traineddata.gz",
		SourceURL("eng", LanguageOptions{Gzip: true}))
	assert.Equal(t,
		"https://cdn.jsdelivr.net/npm/@tesseract.js-data/chi_sim/4.0.0_best_int/chi_sim.traineddata",
		SourceURL("chi_sim", LanguageOptions{LSTMOnly: true}))
	assert.Equal(t, "https://example.test/lang/fra.traineddata",
		SourceURL("fra", LanguageOptions{LangPath: "https://example.test/lang/"}))
	assert.Equal(t, "eng.traineddata", CacheKey("eng", LanguageOptions{}))
	assert.Equal(t, "tess/eng.traineddata", CacheKey("eng", LanguageOptions{CachePath: "tess"}))
}

func TestLoadLanguagesFetchesAndCaches(t *testing.T) {
	host := newFakeHost()
	opts := LanguageOptions{LangPath: "https://example.test", Gzip: true}
	host.remote["https://example.test/eng.traineddata.gz"] = gz(t, "english")

	var steps []string
	data, err := LoadLanguages(context.Background(), host, []string{"eng"}, opts, func(status string, _ float64) {
		steps = append(steps, status)
	})
	require.NoError(t, err)
	assert.Equal(t, "english", string(data["eng"]))
	assert.Equal(t, []string{"eng.traineddata"}, host.writes)
	assert.Equal(t, "english", string(host.files["eng.traineddata"]), "cache holds decompressed data")
	assert.Contains(t, steps, "loaded language traineddata")

	// Second load is served from cache.
	_, err = LoadLanguages(context.Background(), host, []string{"eng"}, opts, nil)
	require.NoError(t, err)
	assert.Len(t, host.fetched, 1)
}

func TestLoadLanguagesCacheMethods(t *testing.T) {
	tests := []struct {
		method      string
		wantFetches int
		wantWrites  int
	}{
		{CacheWrite, 0, 0},
		{CacheReadOnly, 0, 0},
		{CacheRefresh, 1, 1},
		{CacheNone, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			host := newFakeHost()
			host.files["eng.traineddata"] = []byte("cached")
			host.remote["https://example.test/eng.traineddata"] = []byte("fresh")

			data, err := LoadLanguages(context.Background(), host, []string{"eng"},
				LanguageOptions{LangPath: "https://example.test", CacheMethod: tt.method}, nil)
			require.NoError(t, err)
			assert.Len(t, host.fetched, tt.wantFetches)
			assert.Len(t, host.writes, tt.wantWrites)
			if tt.wantFetches > 0 {
				assert.Equal(t, "fresh", string(data["eng"]))
			} else {
				assert.Equal(t, "cached", string(data["eng"]))
			}
		})
	}
}

func TestLoadLanguagesReadOnlyMissDoesNotWrite(t *testing.T) {
	host := newFakeHost()
	host.remote["https://example.test/eng.traineddata"] = []byte("fresh")
	_, err := LoadLanguages(context.Background(), host, []string{"eng"},
		LanguageOptions{LangPath: "https://example.test", CacheMethod: CacheReadOnly}, nil)
	require.NoError(t, err)
	assert.Empty(t, host.writes)
}

func TestLoadLanguagesFailedFetchWritesNothing(t *testing.T) {
	host := newFakeHost()
	_, err := LoadLanguages(context.Background(), host, []string{"xyz"},
		LanguageOptions{LangPath: "https://example.test"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	var capErr *capability.Error
	assert.True(t, errors.As(err, &capErr))
	assert.Empty(t, host.writes)
	assert.Empty(t, host.files)
}

func TestLoadLanguagesFromHostPath(t *testing.T) {
	host := newFakeHost()
	host.files["/opt/tessdata/deu.traineddata"] = []byte("german")
	data, err := LoadLanguages(context.Background(), host, []string{"deu"},
		LanguageOptions{LangPath: "/opt/tessdata", CacheMethod: CacheNone}, nil)
	require.NoError(t, err)
	assert.Equal(t, "german", string(data["deu"]))
	assert.Empty(t, host.fetched)

	_, err = LoadLanguages(context.Background(), host, []string{"ita"},
		LanguageOptions{LangPath: "/opt/tessdata", CacheMethod: CacheNone}, nil)
	assert.Error(t, err)
}

func TestLoadLanguagesCorruptGzip(t *testing.T) {
	host := newFakeHost()
	host.remote["https://example.test/eng.traineddata"] = []byte{0x1f, 0x8b, 0x00, 0x01}
	_, err := LoadLanguages(context.Background(), host, []string{"eng"},
		LanguageOptions{LangPath: "https://example.test"}, nil)
	require.Error(t, err)
	assert.Empty(t, host.writes)
}
