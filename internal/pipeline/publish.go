package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
)

// Publisher sends one message. publisher/pubsub and publisher/memory satisfy it.
type Publisher interface {
	Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error)
}

// Publish emits one record envelope per message, tagged with its kind and spider.
type Publish struct {
	spider    string
	publisher Publisher
}

// NewPublish builds a Publish pipeline.
func NewPublish(spider string, publisher Publisher) (*Publish, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	return &Publish{spider: spider, publisher: publisher}, nil
}

// Save implements crawler.Pipeline. A failed message fails the whole batch, so a retried
// batch may publish some records twice.
func (p *Publish) Save(ctx context.Context, records []*crawler.Record) error {
	for _, r := range records {
		env, err := crawler.NewRecordEnvelope(p.spider, r)
		if err != nil {
			return err
		}
		data, err := crawler.MarshalEnvelope(env)
		if err != nil {
			return err
		}
		attrs := map[string]string{"kind": r.Kind, "spider": p.spider}
		if _, err := p.publisher.Publish(ctx, data, attrs); err != nil {
			return fmt.Errorf("publish %s record: %w", r.Kind, err)
		}
	}
	return nil
}

// Close implements crawler.Pipeline.
func (p *Publish) Close(context.Context) error {
	if c, ok := p.publisher.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("close publisher: %w", err)
		}
	}
	return nil
}
