package redis

import (
	"github.com/JakeFAU/swarmcrawl/internal/crawler"
)

// TaskCodec encodes tasks as tagged envelopes.
type TaskCodec struct {
	Spider string
}

// Encode implements Codec.
func (c TaskCodec) Encode(t *crawler.Task) ([]byte, error) {
	env, err := crawler.NewTaskEnvelope(c.Spider, t)
	if err != nil {
		return nil, err
	}
	return crawler.MarshalEnvelope(env)
}

// Decode implements Codec.
func (TaskCodec) Decode(raw []byte) (*crawler.Task, error) {
	env, err := crawler.UnmarshalEnvelope(raw)
	if err != nil {
		return nil, err
	}
	return env.Task()
}

// RecordCodec encodes records as tagged envelopes.
type RecordCodec struct {
	Spider string
}

// Encode implements Codec.
func (c RecordCodec) Encode(r *crawler.Record) ([]byte, error) {
	env, err := crawler.NewRecordEnvelope(c.Spider, r)
	if err != nil {
		return nil, err
	}
	return crawler.MarshalEnvelope(env)
}

// Decode implements Codec.
func (RecordCodec) Decode(raw []byte) (*crawler.Record, error) {
	env, err := crawler.UnmarshalEnvelope(raw)
	if err != nil {
		return nil, err
	}
	return env.Record()
}
