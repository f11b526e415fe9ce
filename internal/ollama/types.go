// Package ollama holds the subset of the Ollama wire format the proxy inspects.
package ollama

import (
	"bytes"
	"encoding/json"
	"errors"
)

// UnknownModel labels requests whose body carries no usable model name.
const UnknownModel = "unknown"

// ErrNotObject is returned when a payload is valid JSON but not an object.
var ErrNotObject = errors.New("payload is not a JSON object")

// Number is a numeric field that decodes to 0 when the JSON value is absent,
// null or not a number, instead of failing the whole object.
type Number float64

func (n *Number) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		*n = 0
		return nil
	}
	*n = Number(f)
	return nil
}

// Flag is true only for the JSON literal true.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	*f = Flag(bytes.Equal(data, []byte("true")))
	return nil
}

// Stats is the summary block Ollama attaches to a final response.
// Durations are nanoseconds, counts are tokens.
type Stats struct {
	Done               Flag   `json:"done"`
	TotalDuration      Number `json:"total_duration"`
	LoadDuration       Number `json:"load_duration"`
	PromptEvalDuration Number `json:"prompt_eval_duration"`
	PromptEvalCount    Number `json:"prompt_eval_count"`
	EvalDuration       Number `json:"eval_duration"`
	EvalCount          Number `json:"eval_count"`
}

// ParseStats strictly decodes a single JSON object.
func ParseStats(data []byte) (Stats, error) {
	var s Stats
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return s, ErrNotObject
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return Stats{}, err
	}
	return s, nil
}

// Request is what the proxy needs from a chat or generate request body.
type Request struct {
	Model  string
	Stream bool
}

// ParseRequest extracts the model and stream mode from a request body.
// It never fails: the model falls back to UnknownModel and streaming follows
// Ollama's default of true unless the body says "stream": false.
func ParseRequest(body []byte) Request {
	req := Request{Model: UnknownModel, Stream: true}

	var payload struct {
		Model  json.RawMessage `json:"model"`
		Stream json.RawMessage `json:"stream"`
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return req
	}
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return req
	}

	var model string
	if err := json.Unmarshal(payload.Model, &model); err == nil && model != "" {
		req.Model = model
	}
	if bytes.Equal(payload.Stream, []byte("false")) {
		req.Stream = false
	}
	return req
}
