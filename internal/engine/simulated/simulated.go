// Package simulated is a deterministic recognition engine. It treats image
// bytes as already-recognized UTF-8 text, which keeps the whole job and
// capability protocol exercisable without native recognition libraries.
package simulated

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/mattjoyce/ocrbridge/internal/engine"
	"github.com/mattjoyce/ocrbridge/internal/protocol"
)

var (
	ErrCoreNotLoaded  = errors.New("core not loaded")
	ErrNotInitialized = errors.New("engine not initialized")
)

// Engine implements engine.Adapter.
type Engine struct {
	host engine.Host

	mu          sync.Mutex
	coreLoaded  bool
	lstmOnly    bool
	data        map[string][]byte
	initialized bool
	langs       []string
	mode        engine.Mode
	params      engine.Settings
	files       map[string][]byte
}

var _ engine.Adapter = (*Engine)(nil)

// New returns an engine that loads language data through host.
func New(host engine.Host) *Engine {
	return &Engine{
		host:  host,
		data:  map[string][]byte{},
		files: map[string][]byte{},
	}
}

func report(progress engine.ProgressFunc, status string, p float64) {
	if progress != nil {
		progress(status, p)
	}
}

func (e *Engine) LoadCore(ctx context.Context, opts engine.CoreOptions, progress engine.ProgressFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	report(progress, "loading tesseract core", 0)

	e.mu.Lock()
	e.coreLoaded = true
	e.lstmOnly = opts.LSTMOnly
	e.mu.Unlock()

	report(progress, "loaded tesseract core", 1)
	return nil
}

func (e *Engine) LoadLanguageData(ctx context.Context, langs []string, opts engine.LanguageOptions, progress engine.ProgressFunc) error {
	e.mu.Lock()
	loaded := e.coreLoaded
	e.mu.Unlock()
	if !loaded {
		return ErrCoreNotLoaded
	}
	if e.host == nil {
		return errors.New("no host capabilities available for language data")
	}

	data, err := engine.LoadLanguages(ctx, e.host, langs, opts, progress)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for lang, b := range data {
		e.data[lang] = b
		e.files[lang+".traineddata"] = b
	}
	return nil
}

func (e *Engine) Initialize(ctx context.Context, langs []string, mode engine.Mode, config engine.Settings, progress engine.ProgressFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	report(progress, "initializing api", 0)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.coreLoaded {
		return ErrCoreNotLoaded
	}
	if !mode.Valid() {
		return fmt.Errorf("invalid engine mode %d", int(mode))
	}
	if mode.Legacy() && e.lstmOnly {
		return fmt.Errorf("engine mode %s needs the legacy recognizer, which this core does not include", mode)
	}
	if len(langs) == 0 {
		return errors.New("no languages to initialize")
	}
	for _, lang := range langs {
		if _, ok := e.data[lang]; !ok {
			return fmt.Errorf("language %q has not been loaded", lang)
		}
	}

	e.langs = append([]string(nil), langs...)
	e.mode = mode
	e.params = config.Clone()
	if e.params == nil {
		e.params = engine.Settings{}
	}
	e.initialized = true

	report(progress, "initialized api", 1)
	return nil
}

func (e *Engine) SetParameters(ctx context.Context, params engine.Settings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return ErrNotInitialized
	}
	if _, ok := params["tessedit_ocr_engine_mode"]; ok {
		return errors.New("tessedit_ocr_engine_mode cannot be set with setParameters; reinitialize with a new mode instead")
	}
	for k, v := range params {
		e.params[k] = v
	}
	return nil
}

// Parameters returns a copy of the current engine variables.
func (e *Engine) Parameters() engine.Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params.Clone()
}

func (e *Engine) Recognize(ctx context.Context, image []byte, opts engine.RecognizeOptions, output engine.OutputSpec, progress engine.ProgressFunc) (*engine.RecognizeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return nil, ErrNotInitialized
	}
	langs := append([]string(nil), e.langs...)
	whitelist := e.params["tessedit_char_whitelist"]
	blacklist := e.params["tessedit_char_blacklist"]
	e.mu.Unlock()

	if len(image) == 0 {
		return nil, errors.New("empty image")
	}
	if !utf8.Valid(image) {
		return nil, errors.New("unsupported image format")
	}

	report(progress, "recognizing text", 0)
	text := strings.TrimSpace(filter(string(image), whitelist, blacklist))
	if len(output) == 0 {
		output = engine.DefaultOutput()
	}

	res := &engine.RecognizeResult{Languages: langs}
	if text != "" {
		res.Confidence = 95
	}
	if output["text"] {
		res.Text = text
	}
	if output["hocr"] {
		res.HOCR = hocr(text)
	}
	if output["tsv"] {
		res.TSV = tsv(text)
	}
	report(progress, "recognizing text", 1)
	return res, nil
}

func (e *Engine) DetectOrientation(ctx context.Context, image []byte) (*engine.DetectResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	initialized, lstmOnly := e.initialized, e.lstmOnly
	e.mu.Unlock()
	if !initialized {
		return nil, ErrNotInitialized
	}
	if lstmOnly {
		return nil, errors.New("orientation detection needs the legacy recognizer, which this core does not include")
	}
	if !utf8.Valid(image) {
		return nil, errors.New("unsupported image format")
	}

	res := &engine.DetectResult{
		TesseractScriptID:     1,
		Script:                "Latin",
		ScriptConfidence:      90,
		OrientationConfidence: 90,
	}
	for _, r := range string(image) {
		if unicode.Is(unicode.Han, r) {
			res.TesseractScriptID, res.Script = 24, "Han"
			break
		}
		if unicode.Is(unicode.Cyrillic, r) {
			res.TesseractScriptID, res.Script = 8, "Cyrillic"
			break
		}
	}
	return res, nil
}

// Storage exposes the engine's in-memory filesystem. Supported methods are
// writeFile(path, data), readFile(path[, {encoding}]), unlink(path) and
// readdir().
func (e *Engine) Storage(ctx context.Context, method string, args []json.RawMessage) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	arg := func(i int, v any) error {
		if i >= len(args) {
			return fmt.Errorf("%s: missing argument %d", method, i)
		}
		if err := json.Unmarshal(args[i], v); err != nil {
			return fmt.Errorf("%s: argument %d: %w", method, i, err)
		}
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch method {
	case "writeFile":
		var p string
		if err := arg(0, &p); err != nil {
			return nil, err
		}
		data, err := fileData(args, method)
		if err != nil {
			return nil, err
		}
		e.files[p] = data
		return nil, nil

	case "readFile":
		var p string
		if err := arg(0, &p); err != nil {
			return nil, err
		}
		data, ok := e.files[p]
		if !ok {
			return nil, fmt.Errorf("readFile: %s: no such file", p)
		}
		var opts struct {
			Encoding string `json:"encoding"`
		}
		if len(args) > 1 {
			_ = json.Unmarshal(args[1], &opts)
		}
		if opts.Encoding == "utf8" || opts.Encoding == "utf-8" {
			return string(data), nil
		}
		return protocol.Bytes(data), nil

	case "unlink":
		var p string
		if err := arg(0, &p); err != nil {
			return nil, err
		}
		if _, ok := e.files[p]; !ok {
			return nil, fmt.Errorf("unlink: %s: no such file", p)
		}
		delete(e.files, p)
		return nil, nil

	case "readdir":
		names := make([]string, 0, len(e.files))
		for name := range e.files {
			names = append(names, name)
		}
		sort.Strings(names)
		return names, nil
	}
	return nil, fmt.Errorf("unsupported FS method %q", method)
}

// fileData accepts text or a byte payload as the second argument.
func fileData(args []json.RawMessage, method string) ([]byte, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("%s: missing data argument", method)
	}
	var s string
	if err := json.Unmarshal(args[1], &s); err == nil {
		return []byte(s), nil
	}
	var b protocol.Bytes
	if err := json.Unmarshal(args[1], &b); err != nil {
		return nil, fmt.Errorf("%s: data: %w", method, err)
	}
	return b, nil
}

func filter(text, whitelist, blacklist string) string {
	if whitelist == "" && blacklist == "" {
		return text
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return r
		}
		if whitelist != "" && !strings.ContainsRune(whitelist, r) {
			return -1
		}
		if strings.ContainsRune(blacklist, r) {
			return -1
		}
		return r
	}, text)
}

func hocr(text string) string {
	var b strings.Builder
	b.WriteString("<div class='ocr_page' id='page_1'>\n")
	for i, line := range strings.Split(text, "\n") {
		fmt.Fprintf(&b, "  <span class='ocr_line' id='line_1_%d'>%s</span>\n", i+1, html.EscapeString(line))
	}
	b.WriteString("</div>\n")
	return b.String()
}

func tsv(text string) string {
	var b strings.Builder
	b.WriteString("level\tpage_num\tline_num\tword_num\ttext\n")
	for li, line := range strings.Split(text, "\n") {
		for wi, word := range strings.Fields(line) {
			fmt.Fprintf(&b, "5\t1\t%d\t%d\t%s\n", li+1, wi+1, word)
		}
	}
	return b.String()
}
