package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
	"github.com/JakeFAU/swarmcrawl/internal/deadletter"
)

// Dedup drops records whose fingerprint the filter has already seen.
type Dedup struct {
	crawler.BaseRecordObserver

	filter crawler.Filter
	hasher crawler.Hasher
	logger *zap.Logger
}

// NewDedup builds a Dedup over f.
func NewDedup(f crawler.Filter, hasher crawler.Hasher, logger *zap.Logger) *Dedup {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dedup{filter: f, hasher: hasher, logger: logger}
}

// RecordIn implements crawler.RecordObserver. Filter errors let the record through.
func (d *Dedup) RecordIn(ctx context.Context, rec *crawler.Record) error {
	fp, err := crawler.RecordFingerprint(d.hasher, rec)
	if err != nil {
		d.logger.Warn("fingerprint record", zap.String("kind", rec.Kind), zap.Error(err))
		return nil
	}
	repeat, err := d.filter.IsRepeat(ctx, fp)
	if err != nil {
		d.logger.Warn("record filter unavailable", zap.Error(err))
		return nil
	}
	if repeat {
		return crawler.Drop("duplicate record")
	}
	return nil
}

// DeadLetter stores every record of a batch that exhausted its flush retries.
type DeadLetter struct {
	crawler.BaseRecordObserver

	spider string
	store  deadletter.Store
	clock  crawler.Clock
	logger *zap.Logger

	attempts int
}

// NewDeadLetter builds a DeadLetter. attempts is the number of saves made before giving up.
func NewDeadLetter(spider string, store deadletter.Store, clock crawler.Clock, attempts int, logger *zap.Logger) *DeadLetter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadLetter{spider: spider, store: store, clock: clock, attempts: attempts, logger: logger}
}

// RecordFailed implements crawler.RecordObserver.
func (d *DeadLetter) RecordFailed(ctx context.Context, batch []*crawler.Record, err error) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	now := d.clock.Now()
	ctx = context.WithoutCancel(ctx)
	for _, rec := range batch {
		env, encErr := crawler.NewRecordEnvelope(d.spider, rec)
		if encErr != nil {
			d.logger.Error("encode dead record", zap.String("kind", rec.Kind), zap.Error(encErr))
			continue
		}
		if addErr := d.store.Add(ctx, deadletter.Stamp(env, reason, d.attempts, now)); addErr != nil {
			d.logger.Error("dead-letter record", zap.String("kind", rec.Kind), zap.Error(addErr))
		}
	}
}
