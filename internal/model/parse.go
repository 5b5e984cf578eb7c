package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

var (
	emptyObject = []byte("{}")
	jsonNull    = []byte("null")
)

// ParseHandlerOutput decodes the raw JSON a handler returned. A trivially
// empty result ("{}" or "null" — a handler that changed nothing and
// reported nothing) is recognized by a byte comparison and returned without
// invoking the decoder at all; everything else falls back to
// json.Unmarshal, mirroring the teacher's scan-then-fallback idiom for its
// own hot-path result parsing.
func ParseHandlerOutput(data []byte) (*HandlerOutput, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, emptyObject) || bytes.Equal(trimmed, jsonNull) {
		return &HandlerOutput{}, nil
	}

	var out HandlerOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("model: parsing handler output: %w", err)
	}
	return &out, nil
}
