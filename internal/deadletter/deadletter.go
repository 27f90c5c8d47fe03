// Package deadletter persists tasks and records that exhausted their retries and replays them.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/swarmcrawl/internal/crawler"
)

// Kind selects a dead-letter set.
type Kind string

// Dead-letter kinds, named after their shared-store keys.
const (
	KindRequest Kind = "request"
	KindItem    Kind = "item"
)

// ParseKind accepts request/task and item/record.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "request", "requests", "task", "tasks":
		return KindRequest, nil
	case "item", "items", "record", "records":
		return KindItem, nil
	default:
		return "", fmt.Errorf("unknown dead-letter kind %q", raw)
	}
}

// KindOf maps an envelope type onto its dead-letter set.
func KindOf(t crawler.EnvelopeType) Kind {
	if t == crawler.EnvelopeRecord {
		return KindItem
	}
	return KindRequest
}

// Store is a set of dead envelopes per kind.
type Store interface {
	Add(ctx context.Context, env crawler.Envelope) error
	List(ctx context.Context, kind Kind, limit int) ([]crawler.Envelope, error)
	Pop(ctx context.Context, kind Kind, n int) ([]crawler.Envelope, error)
	Count(ctx context.Context, kind Kind) (int64, error)
}

// Stamp fills the failure metadata on env.
func Stamp(env crawler.Envelope, reason string, attempts int, at time.Time) crawler.Envelope {
	env.Reason = reason
	env.Attempts = attempts
	ts := at.UTC()
	env.FailedAt = &ts
	return env
}

// ReplayResult counts what Replay moved back into the queues.
type ReplayResult struct {
	Tasks   int `json:"tasks"`
	Records int `json:"records"`
}

const replayBatch = 100

// Replay drains the dead-letter set of kind into the matching queue. Replayed tasks start
// over with zero retries. An entry that cannot be enqueued is put back before returning.
func Replay(
	ctx context.Context,
	store Store,
	kind Kind,
	tasks crawler.TaskQueue,
	records crawler.RecordQueue,
	logger *zap.Logger,
) (ReplayResult, error) {
	var res ReplayResult
	for {
		batch, err := store.Pop(ctx, kind, replayBatch)
		if err != nil {
			return res, err
		}
		if len(batch) == 0 {
			break
		}
		for i, env := range batch {
			if err := replayOne(ctx, env, tasks, records, &res); err != nil {
				for _, back := range batch[i:] {
					if addErr := store.Add(ctx, back); addErr != nil {
						logger.Error("return dead-letter entry", zap.Error(addErr))
					}
				}
				return res, err
			}
		}
	}
	if res.Tasks+res.Records > 0 {
		logger.Info("replayed dead letters",
			zap.String("kind", string(kind)),
			zap.Int("tasks", res.Tasks),
			zap.Int("records", res.Records),
		)
	}
	return res, nil
}

func replayOne(
	ctx context.Context,
	env crawler.Envelope,
	tasks crawler.TaskQueue,
	records crawler.RecordQueue,
	res *ReplayResult,
) error {
	switch env.Type {
	case crawler.EnvelopeTask:
		if tasks == nil {
			return errors.New("replay task: no task queue")
		}
		task, err := env.Task()
		if err != nil {
			return err
		}
		task.Retries = 0
		if err := tasks.Put(ctx, task); err != nil {
			return fmt.Errorf("replay task %s: %w", task.ID, err)
		}
		res.Tasks++
	case crawler.EnvelopeRecord:
		if records == nil {
			return errors.New("replay record: no record queue")
		}
		rec, err := env.Record()
		if err != nil {
			return err
		}
		if err := records.Put(ctx, rec); err != nil {
			return fmt.Errorf("replay record: %w", err)
		}
		res.Records++
	default:
		return fmt.Errorf("replay: unknown envelope type %q", env.Type)
	}
	return nil
}
