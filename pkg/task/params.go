package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// FilenameKey is the parameter field set by the enumerator for each input.
const FilenameKey = "filename"

// Params is a structured task parameter record.
//
// Parameter strings travel through the runtime as JSON object text and are
// only ever decoded as data.
type Params map[string]any

// ParseParams decodes a parameter string into a Params record.
func ParseParams(text string) (Params, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Params{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var p Params
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse task parameters: %w", err)
	}
	if p == nil {
		p = Params{}
	}
	return p, nil
}

// Encode serializes the record as compact JSON object text.
func (p Params) Encode() (string, error) {
	if p == nil {
		return "{}", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any(p)); err != nil {
		return "", fmt.Errorf("encode task parameters: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// String returns the encoded record, or "{}" if it cannot be encoded.
func (p Params) String() string {
	s, err := p.Encode()
	if err != nil {
		return "{}"
	}
	return s
}

// GetString returns the string value for key.
func (p Params) GetString(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetFloat returns a numeric value for key.
//
// Numbers decoded by ParseParams arrive as json.Number; values set in Go
// code may be any of the builtin numeric types.
func (p Params) GetFloat(key string) (float64, error) {
	v, ok := p[key]
	if !ok {
		return 0, fmt.Errorf("parameter %q is missing", key)
	}
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("parameter %q: %w", key, err)
		}
		return f, nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("parameter %q is not numeric (%T)", key, v)
	}
}
