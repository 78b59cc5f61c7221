// Package response holds the REST envelope shared by the client and the
// development backend.
package response

import (
	"bytes"
	"encoding/json"
	"errors"
)

var ErrNoData = errors.New("envelope has no data")

// Envelope is the body shape every backend endpoint answers with.
type Envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	Code      int             `json:"code,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	RequestID string          `json:"request_id,omitempty"`

	// Detail is set by validation failures.
	Detail string `json:"detail,omitempty"`
}

// Parse decodes body as an envelope. Bodies that are not JSON objects
// carrying a "success" field are wrapped as successful envelopes whose data
// is the raw body.
func Parse(body []byte) *Envelope {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return &Envelope{Success: true}
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err == nil {
		if _, ok := probe["success"]; ok {
			var env Envelope
			if err := json.Unmarshal(trimmed, &env); err == nil {
				return &env
			}
		}
	}

	data := trimmed
	if !json.Valid(trimmed) {
		data, _ = json.Marshal(string(trimmed))
	}
	return &Envelope{Success: true, Data: json.RawMessage(data)}
}

// Decode unmarshals the envelope data into v.
func (e *Envelope) Decode(v any) error {
	if e == nil || len(e.Data) == 0 || string(e.Data) == "null" {
		return ErrNoData
	}
	return json.Unmarshal(e.Data, v)
}

// ErrorMessage returns the most specific message the server provided.
func (e *Envelope) ErrorMessage() string {
	if e == nil {
		return ""
	}
	if e.Detail != "" {
		return e.Detail
	}
	return e.Message
}
