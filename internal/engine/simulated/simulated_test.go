package simulated

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ocrbridge/internal/capability"
	"github.com/mattjoyce/ocrbridge/internal/engine"
	"github.com/mattjoyce/ocrbridge/internal/protocol"
)

type staticHost map[string][]byte

func (h staticHost) Fetch(_ context.Context, url string) (*capability.FetchResult, error) {
	b, ok := h[url]
	if !ok {
		return nil, &capability.Error{Action: "fetch", Status: 404, Message: "request failed: 404"}
	}
	return capability.NewFetchResult(url, 200, b), nil
}

func (h staticHost) Read(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (h staticHost) Write(context.Context, string, []byte) error        { return nil }
func (h staticHost) Delete(context.Context, string) error               { return nil }
func (h staticHost) Exists(context.Context, string) (bool, error)       { return false, nil }

func ready(t *testing.T, lstmOnly bool, mode engine.Mode) *Engine {
	t.Helper()
	ctx := context.Background()
	e := New(staticHost{
		"https://example.test/eng.traineddata": []byte("eng-data"),
		"https://example.test/rus.traineddata": []byte("rus-data"),
	})
	require.NoError(t, e.LoadCore(ctx, engine.CoreOptions{LSTMOnly: lstmOnly}, nil))
	require.NoError(t, e.LoadLanguageData(ctx, []string{"eng", "rus"},
		engine.LanguageOptions{LangPath: "https://example.test"}, nil))
	require.NoError(t, e.Initialize(ctx, []string{"eng"}, mode, engine.Settings{"user_defined_dpi": "300"}, nil))
	return e
}

func TestLifecycleOrderEnforced(t *testing.T) {
	ctx := context.Background()
	e := New(staticHost{})

	assert.ErrorIs(t, e.LoadLanguageData(ctx, []string{"eng"}, engine.LanguageOptions{}, nil), ErrCoreNotLoaded)
	assert.ErrorIs(t, e.Initialize(ctx, []string{"eng"}, engine.ModeDefault, nil, nil), ErrCoreNotLoaded)
	_, err := e.Recognize(ctx, []byte("x"), nil, nil, nil)
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, e.LoadCore(ctx, engine.CoreOptions{}, nil))
	err = e.Initialize(ctx, []string{"eng"}, engine.ModeDefault, nil, nil)
	assert.ErrorContains(t, err, "has not been loaded")
}

func TestRecognize(t *testing.T) {
	e := ready(t, true, engine.ModeLSTMOnly)
	var progress []float64
	res, err := e.Recognize(context.Background(), []byte("  Hello <world>\nsecond line "), nil,
		engine.OutputSpec{"text": true, "hocr": true, "tsv": true},
		func(_ string, p float64) { progress = append(progress, p) })
	require.NoError(t, err)

	assert.Equal(t, "Hello <world>\nsecond line", res.Text)
	assert.Contains(t, res.HOCR, "Hello &lt;world&gt;")
	assert.Contains(t, res.TSV, "5\t1\t2\t2\tline")
	assert.Equal(t, 95.0, res.Confidence)
	assert.Equal(t, []string{"eng"}, res.Languages)
	assert.Equal(t, []float64{0, 1}, progress)

	_, err = e.Recognize(context.Background(), []byte{0xff, 0xfe}, nil, nil, nil)
	assert.Error(t, err)
}

func TestParametersApplyToRecognition(t *testing.T) {
	e := ready(t, true, engine.ModeDefault)
	ctx := context.Background()

	require.NoError(t, e.SetParameters(ctx, engine.Settings{"tessedit_char_whitelist": "0123456789"}))
	res, err := e.Recognize(ctx, []byte("Order 42 ships 7 May"), nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "42  7", res.Text)
	assert.Equal(t, "300", e.Parameters()["user_defined_dpi"])

	err = e.SetParameters(ctx, engine.Settings{"tessedit_ocr_engine_mode": "0"})
	assert.ErrorContains(t, err, "reinitialize")
}

func TestLegacyModeNeedsLegacyCore(t *testing.T) {
	ctx := context.Background()
	e := ready(t, true, engine.ModeDefault)
	assert.Error(t, e.Initialize(ctx, []string{"eng"}, engine.ModeTesseractOnly, nil, nil))
	_, err := e.DetectOrientation(ctx, []byte("text"))
	assert.ErrorContains(t, err, "legacy")

	full := ready(t, false, engine.ModeCombined)
	res, err := full.DetectOrientation(ctx, []byte("Привет"))
	require.NoError(t, err)
	assert.Equal(t, "Cyrillic", res.Script)
	assert.Equal(t, 0, res.OrientationDegrees)
}

func TestStorage(t *testing.T) {
	e := New(nil)
	ctx := context.Background()
	args := func(vs ...any) []json.RawMessage {
		p, err := engine.NewFSPayload("", vs...)
		require.NoError(t, err)
		return p.Args
	}

	_, err := e.Storage(ctx, "writeFile", args("note.txt", "hello"))
	require.NoError(t, err)

	got, err := e.Storage(ctx, "readFile", args("note.txt", map[string]string{"encoding": "utf8"}))
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	got, err = e.Storage(ctx, "readFile", args("note.txt"))
	require.NoError(t, err)
	assert.Equal(t, protocol.Bytes("hello"), got)

	names, err := e.Storage(ctx, "readdir", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"note.txt"}, names)

	_, err = e.Storage(ctx, "unlink", args("note.txt"))
	require.NoError(t, err)
	_, err = e.Storage(ctx, "readFile", args("note.txt"))
	assert.Error(t, err)
	_, err = e.Storage(ctx, "chmod", args("note.txt"))
	assert.ErrorContains(t, err, "unsupported FS method")
	_, err = e.Storage(ctx, "writeFile", args("only-path"))
	assert.Error(t, err)
}
