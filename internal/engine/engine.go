// Package engine defines the contract between the sandbox job router and the
// recognition engine it drives, plus the payloads those jobs carry.
//
// The engine itself is an external collaborator: this package only fixes the
// surface. internal/engine/simulated provides a deterministic implementation
// for development and tests.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Mode selects the recognition engine variant (OEM).
type Mode int

const (
	ModeTesseractOnly Mode = 0
	ModeLSTMOnly      Mode = 1
	ModeCombined      Mode = 2
	ModeDefault       Mode = 3
)

// Legacy reports whether the mode needs the legacy recognizer compiled into
// the core.
func (m Mode) Legacy() bool {
	return m == ModeTesseractOnly || m == ModeCombined
}

// LSTMOnly reports whether the mode runs on the LSTM recognizer alone.
func (m Mode) LSTMOnly() bool {
	return m == ModeDefault || m == ModeLSTMOnly
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	return m >= ModeTesseractOnly && m <= ModeDefault
}

func (m Mode) String() string {
	switch m {
	case ModeTesseractOnly:
		return "tesseract_only"
	case ModeLSTMOnly:
		return "lstm_only"
	case ModeCombined:
		return "combined"
	case ModeDefault:
		return "default"
	}
	return "mode(" + strconv.Itoa(int(m)) + ")"
}

// ParseMode accepts a mode name or its numeric value.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "tesseract_only", "legacy":
		return ModeTesseractOnly, nil
	case "lstm_only", "lstm":
		return ModeLSTMOnly, nil
	case "combined", "tesseract_lstm_combined":
		return ModeCombined, nil
	case "default", "":
		return ModeDefault, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || !Mode(n).Valid() {
		return 0, fmt.Errorf("unknown engine mode %q", s)
	}
	return Mode(n), nil
}

// ProgressFunc reports progress of a long-running engine call.
type ProgressFunc func(status string, progress float64)

//go:generate mockgen -destination=mocks/mock_adapter.go -package=mocks github.com/mattjoyce/ocrbridge/internal/engine Adapter

// Adapter is what the sandbox job router drives.
type Adapter interface {
	LoadCore(ctx context.Context, opts CoreOptions, progress ProgressFunc) error
	LoadLanguageData(ctx context.Context, langs []string, opts LanguageOptions, progress ProgressFunc) error
	Initialize(ctx context.Context, langs []string, mode Mode, config Settings, progress ProgressFunc) error
	SetParameters(ctx context.Context, params Settings) error
	Recognize(ctx context.Context, image []byte, opts RecognizeOptions, output OutputSpec, progress ProgressFunc) (*RecognizeResult, error)
	DetectOrientation(ctx context.Context, image []byte) (*DetectResult, error)
	// Storage is a raw passthrough to the engine's private filesystem.
	Storage(ctx context.Context, method string, args []json.RawMessage) (any, error)
}

// CoreOptions is sent with the load job.
type CoreOptions struct {
	LSTMOnly bool   `json:"lstmOnly"`
	CorePath string `json:"corePath,omitempty"`
	Logging  bool   `json:"logging,omitempty"`
}

// Cache methods for language data.
const (
	CacheWrite    = "write"
	CacheReadOnly = "readOnly"
	CacheRefresh  = "refresh"
	CacheNone     = "none"
)

// LanguageOptions is sent with the loadLanguage job.
type LanguageOptions struct {
	LangPath    string `json:"langPath,omitempty"`
	DataPath    string `json:"dataPath,omitempty"`
	CachePath   string `json:"cachePath,omitempty"`
	CacheMethod string `json:"cacheMethod,omitempty"`
	Gzip        bool   `json:"gzip"`
	LSTMOnly    bool   `json:"lstmOnly"`
}

// RecognizeOptions are engine-specific recognition options.
type RecognizeOptions map[string]any

// OutputSpec selects which result formats to produce.
type OutputSpec map[string]bool

// DefaultOutput requests plain text only.
func DefaultOutput() OutputSpec { return OutputSpec{"text": true} }

// RecognizeResult is what recognize resolves with.
type RecognizeResult struct {
	Text       string   `json:"text,omitempty"`
	HOCR       string   `json:"hocr,omitempty"`
	TSV        string   `json:"tsv,omitempty"`
	Confidence float64  `json:"confidence"`
	Languages  []string `json:"languages,omitempty"`
}

// DetectResult is what detect resolves with.
type DetectResult struct {
	TesseractScriptID     int     `json:"tesseract_script_id"`
	Script                string  `json:"script"`
	ScriptConfidence      float64 `json:"script_confidence"`
	OrientationDegrees    int     `json:"orientation_degrees"`
	OrientationConfidence float64 `json:"orientation_confidence"`
}

// Settings is a set of engine variables. Values arrive from callers as JSON
// strings, numbers or booleans and are held in their string form.
type Settings map[string]string

// UnmarshalJSON stringifies scalar values.
func (s *Settings) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	out := make(Settings, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			if val {
				out[k] = "1"
			} else {
				out[k] = "0"
			}
		case nil:
			out[k] = ""
		default:
			return fmt.Errorf("setting %q must be a scalar", k)
		}
	}
	*s = out
	return nil
}

// Clone returns a copy of s.
func (s Settings) Clone() Settings {
	if s == nil {
		return nil
	}
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
