package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Bytes is binary data crossing the boundary. It is written as base64 and
// read back from any of the shapes peers are known to produce: base64
// strings, arrays of byte values, Node Buffer objects ({"type":"Buffer",
// "data":[...]}) and typed-array objects keyed by index.
type Bytes []byte

// MarshalJSON encodes b as a base64 string.
func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(b))
}

// UnmarshalJSON normalizes any supported representation to raw bytes.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	out, err := normalizeBytes(bytes.TrimSpace(data), 0)
	if err != nil {
		return err
	}
	*b = out
	return nil
}

func normalizeBytes(data []byte, depth int) ([]byte, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	if depth > MaxUnwrapDepth {
		return nil, fmt.Errorf("binary data nested too deeply")
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode binary string: %w", err)
		}
		out, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode base64: %w", err)
		}
		return out, nil

	case '[':
		var values []int
		if err := json.Unmarshal(data, &values); err != nil {
			return nil, fmt.Errorf("decode byte array: %w", err)
		}
		return fromInts(values)

	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("decode binary object: %w", err)
		}
		if inner, ok := fields["data"]; ok {
			return normalizeBytes(bytes.TrimSpace(inner), depth+1)
		}
		return fromIndexedObject(fields)
	}

	return nil, fmt.Errorf("unsupported binary representation")
}

func fromInts(values []int) ([]byte, error) {
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("byte value out of range at %d: %d", i, v)
		}
		out[i] = byte(v)
	}
	return out, nil
}

func fromIndexedObject(fields map[string]json.RawMessage) ([]byte, error) {
	type entry struct {
		idx int
		val int
	}
	entries := make([]entry, 0, len(fields))
	for k, raw := range fields {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("unsupported binary object key %q", k)
		}
		var v int
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode byte at %q: %w", k, err)
		}
		entries = append(entries, entry{idx: idx, val: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].idx < entries[j].idx })

	values := make([]int, len(entries))
	for i, e := range entries {
		if e.idx != i {
			return nil, fmt.Errorf("binary object has a gap at index %d", i)
		}
		values[i] = e.val
	}
	return fromInts(values)
}
