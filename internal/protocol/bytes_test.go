package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesUnmarshalRepresentations(t *testing.T) {
	want := []byte{1, 2, 250}
	tests := []struct {
		name  string
		input string
	}{
		{"base64", `"AQL6"`},
		{"array", `[1,2,250]`},
		{"node buffer", `{"type":"Buffer","data":[1,2,250]}`},
		{"typed array object", `{"0":1,"2":250,"1":2}`},
		{"wrapped base64", `{"data":"AQL6"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b Bytes
			require.NoError(t, json.Unmarshal([]byte(tt.input), &b))
			assert.Equal(t, want, []byte(b))
		})
	}
}

func TestBytesUnmarshalRejects(t *testing.T) {
	for _, input := range []string{`[1,256]`, `[-1]`, `{"0":1,"2":3}`, `"!!notbase64"`, `true`, `{"x":1}`} {
		var b Bytes
		assert.Error(t, json.Unmarshal([]byte(input), &b), input)
	}
}

func TestBytesNull(t *testing.T) {
	var b Bytes
	require.NoError(t, json.Unmarshal([]byte(`null`), &b))
	assert.Nil(t, b)

	out, err := json.Marshal(struct {
		Data Bytes `json:"data,omitempty"`
	}{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(out))
}
