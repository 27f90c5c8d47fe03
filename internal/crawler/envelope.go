package crawler

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeType tags the payload of an Envelope.
type EnvelopeType string

// Envelope payload types.
const (
	EnvelopeTask   EnvelopeType = "task"
	EnvelopeRecord EnvelopeType = "record"
)

// Envelope is the wire format for tasks and records crossing process boundaries.
type Envelope struct {
	Type     EnvelopeType    `json:"type"`
	Spider   string          `json:"spider"`
	Payload  json.RawMessage `json:"payload"`
	Reason   string          `json:"reason,omitempty"`
	Attempts int             `json:"attempts,omitempty"`
	FailedAt *time.Time      `json:"failed_at,omitempty"`
}

// NewTaskEnvelope wraps a task.
func NewTaskEnvelope(spider string, t *Task) (Envelope, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal task: %w", err)
	}
	return Envelope{Type: EnvelopeTask, Spider: spider, Payload: raw}, nil
}

// NewRecordEnvelope wraps a record.
func NewRecordEnvelope(spider string, r *Record) (Envelope, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal record: %w", err)
	}
	return Envelope{Type: EnvelopeRecord, Spider: spider, Payload: raw}, nil
}

// Task decodes the payload as a task.
func (e Envelope) Task() (*Task, error) {
	if e.Type != EnvelopeTask {
		return nil, fmt.Errorf("envelope type %q is not a task", e.Type)
	}
	var t Task
	if err := json.Unmarshal(e.Payload, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}

// Record decodes the payload as a record.
func (e Envelope) Record() (*Record, error) {
	if e.Type != EnvelopeRecord {
		return nil, fmt.Errorf("envelope type %q is not a record", e.Type)
	}
	var r Record
	if err := json.Unmarshal(e.Payload, &r); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &r, nil
}

// MarshalEnvelope encodes e to JSON.
func MarshalEnvelope(e Envelope) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return raw, nil
}

// UnmarshalEnvelope decodes an envelope from JSON.
func UnmarshalEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return e, nil
}
