package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattjoyce/ocrbridge/internal/protocol"
)

// Languages is a list of language codes. On the wire it may also be the
// "eng+fra" string form.
type Languages []string

// ParseLanguages splits a "eng+fra" string, dropping blanks.
func ParseLanguages(s string) Languages {
	var out Languages
	for _, part := range strings.Split(s, "+") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// UnmarshalJSON accepts an array or a '+'-joined string.
func (l *Languages) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = ParseLanguages(s)
		return nil
	}
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("languages must be a string or an array: %w", err)
	}
	*l = Languages(arr)
	return nil
}

// LoadPayload is the payload of a load job.
type LoadPayload struct {
	Options CoreOptions `json:"options"`
}

// LoadLanguagePayload is the payload of a loadLanguage job.
type LoadLanguagePayload struct {
	Langs   Languages       `json:"langs"`
	Options LanguageOptions `json:"options"`
}

// InitializePayload is the payload of an initialize job.
type InitializePayload struct {
	Langs  Languages `json:"langs"`
	OEM    Mode      `json:"oem"`
	Config Settings  `json:"config,omitempty"`
}

// SetParametersPayload is the payload of a setParameters job.
type SetParametersPayload struct {
	Params Settings `json:"params"`
}

// RecognizePayload is the payload of a recognize job.
type RecognizePayload struct {
	Image   protocol.Bytes   `json:"image"`
	Options RecognizeOptions `json:"options,omitempty"`
	Output  OutputSpec       `json:"output,omitempty"`
}

// DetectPayload is the payload of a detect job.
type DetectPayload struct {
	Image protocol.Bytes `json:"image"`
}

// FSPayload is the payload of an FS job, a raw call into engine storage.
type FSPayload struct {
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args"`
}

// NewFSPayload marshals args for an FS job.
func NewFSPayload(method string, args ...any) (FSPayload, error) {
	p := FSPayload{Method: method, Args: make([]json.RawMessage, 0, len(args))}
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return FSPayload{}, fmt.Errorf("marshal FS arg %d: %w", i, err)
		}
		p.Args = append(p.Args, b)
	}
	return p, nil
}
