package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
)

// BlobStore writes one object. storage/gcs and storage/local satisfy it.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}

// BlobConfig places batch objects.
type BlobConfig struct {
	Spider string
	Prefix string
}

const jsonlContentType = "application/x-ndjson"

// Blob writes each batch as a JSON-lines object named
// <prefix>/<spider>/<yyyy>/<mm>/<dd>/<id>.jsonl.
type Blob struct {
	cfg   BlobConfig
	store BlobStore
	clock crawler.Clock
	ids   crawler.IDGenerator
}

// NewBlob builds a Blob pipeline over store.
func NewBlob(cfg BlobConfig, store BlobStore, clock crawler.Clock, ids crawler.IDGenerator) (*Blob, error) {
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	if clock == nil || ids == nil {
		return nil, errors.New("clock and id generator are required")
	}
	if cfg.Spider == "" {
		return nil, errors.New("spider name is required")
	}
	return &Blob{cfg: cfg, store: store, clock: clock, ids: ids}, nil
}

// Save implements crawler.Pipeline.
func (b *Blob) Save(ctx context.Context, records []*crawler.Record) error {
	if len(records) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}
	id, err := b.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate object id: %w", err)
	}
	name := path.Join(b.cfg.Prefix, b.cfg.Spider, b.clock.Now().UTC().Format("2006/01/02"), id+".jsonl")
	if _, err := b.store.PutObject(ctx, name, jsonlContentType, &buf); err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	return nil
}

// Close releases the store if it holds a client.
func (b *Blob) Close(context.Context) error {
	if c, ok := b.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("close blob store: %w", err)
		}
	}
	return nil
}
