package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/swarmcrawl/internal/clock/manual"
	"github.com/JakeFAU/swarmcrawl/internal/crawler"
	"github.com/JakeFAU/swarmcrawl/internal/deadletter"
	filtermem "github.com/JakeFAU/swarmcrawl/internal/filter/memory"
	"github.com/JakeFAU/swarmcrawl/internal/hash/sha256"
	pubmem "github.com/JakeFAU/swarmcrawl/internal/publisher/memory"
	"github.com/JakeFAU/swarmcrawl/internal/storage/local"
)

var fixedNow = time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)

func quote(text string) *crawler.Record {
	return &crawler.Record{Kind: "quote", Data: map[string]any{"text": text}, Lineage: []string{"seed"}}
}

func TestMemoryPipeline(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Save(ctx, []*crawler.Record{quote("a"), quote("b")}))
	require.NoError(t, m.Save(ctx, []*crawler.Record{quote("c")}))
	require.Len(t, m.Records(), 3)
	require.Equal(t, 2, m.Batches())

	require.NoError(t, m.Close(ctx))
	require.ErrorIs(t, m.Save(ctx, []*crawler.Record{quote("d")}), crawler.ErrClosed)
}

func TestFanoutStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	first, last := NewMemory(), NewMemory()
	broken := &failingPipeline{err: errors.New("boom")}
	f := NewFanout(first, broken, last)

	err := f.Save(context.Background(), []*crawler.Record{quote("a")})
	require.ErrorContains(t, err, "pipeline 1: boom")
	require.Len(t, first.Records(), 1)
	require.Empty(t, last.Records())

	broken.closeErr = errors.New("close boom")
	require.ErrorContains(t, f.Close(context.Background()), "close boom")
	require.Same(t, first, NewFanout(first))
}

func TestBlobWritesJSONLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	b, err := NewBlob(BlobConfig{Spider: "quotes", Prefix: "raw"}, store, manual.New(fixedNow), staticIDs("batch1"))
	require.NoError(t, err)

	require.NoError(t, b.Save(context.Background(), []*crawler.Record{quote("a"), quote("b")}))
	require.NoError(t, b.Save(context.Background(), nil))

	f, err := os.Open(filepath.Join(dir, "raw", "quotes", "2025", "03", "09", "batch1.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	var texts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec crawler.Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		texts = append(texts, rec.Data["text"].(string))
		require.Equal(t, []string{"seed"}, rec.Lineage)
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, []string{"a", "b"}, texts)
	require.NoError(t, b.Close(context.Background()))
}

func TestBlobReportsStoreErrors(t *testing.T) {
	t.Parallel()

	store := &recordingStore{err: errors.New("bucket gone")}
	b, err := NewBlob(BlobConfig{Spider: "quotes"}, store, manual.New(fixedNow), staticIDs("x"))
	require.NoError(t, err)

	err = b.Save(context.Background(), []*crawler.Record{quote("a")})
	require.ErrorContains(t, err, "bucket gone")
	require.Equal(t, "quotes/2025/03/09/x.jsonl", store.path)
	require.Equal(t, jsonlContentType, store.contentType)
	require.NoError(t, b.Close(context.Background()))
	require.True(t, store.closed)

	_, err = NewBlob(BlobConfig{}, store, manual.New(fixedNow), staticIDs("x"))
	require.Error(t, err)
}

func TestPublishSendsOneMessagePerRecord(t *testing.T) {
	t.Parallel()

	pub := pubmem.New()
	p, err := NewPublish("quotes", pub)
	require.NoError(t, err)

	require.NoError(t, p.Save(context.Background(), []*crawler.Record{quote("a"), {Kind: "author", Data: map[string]any{}}}))
	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, map[string]string{"kind": "quote", "spider": "quotes"}, msgs[0].Attributes)
	require.Equal(t, "author", msgs[1].Attributes["kind"])

	env, err := crawler.UnmarshalEnvelope(msgs[0].Data)
	require.NoError(t, err)
	rec, err := env.Record()
	require.NoError(t, err)
	require.Equal(t, "a", rec.Data["text"])

	pub.FailWith(errors.New("topic deleted"))
	require.ErrorContains(t, p.Save(context.Background(), []*crawler.Record{quote("b")}), "topic deleted")
	require.NoError(t, p.Close(context.Background()))
}

func TestDedupDropsRepeatedRecords(t *testing.T) {
	t.Parallel()

	d := NewDedup(filtermem.NewSet(), sha256.New(), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, d.RecordIn(ctx, quote("a")))
	require.True(t, crawler.IsDrop(d.RecordIn(ctx, quote("a"))))
	require.NoError(t, d.RecordIn(ctx, quote("b")))
	require.NoError(t, d.RecordIn(ctx, &crawler.Record{Kind: "author", Data: map[string]any{"text": "a"}}))
}

func TestDeadLetterStoresFailedBatch(t *testing.T) {
	t.Parallel()

	store := deadletter.NewMemory()
	d := NewDeadLetter("quotes", store, manual.New(fixedNow), 3, zap.NewNop())

	d.RecordFailed(context.Background(), []*crawler.Record{quote("a"), quote("b")}, errors.New("db down"))

	count, err := store.Count(context.Background(), deadletter.KindItem)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	envs, err := store.List(context.Background(), deadletter.KindItem, 10)
	require.NoError(t, err)
	for _, env := range envs {
		require.Equal(t, "db down", env.Reason)
		require.Equal(t, 3, env.Attempts)
		require.True(t, fixedNow.Equal(*env.FailedAt))
		require.Equal(t, "quotes", env.Spider)
	}
}

type staticIDs string

func (s staticIDs) NewID() (string, error) { return string(s), nil }

type failingPipeline struct {
	err      error
	closeErr error
}

func (f *failingPipeline) Save(context.Context, []*crawler.Record) error { return f.err }
func (f *failingPipeline) Close(context.Context) error                   { return f.closeErr }

type recordingStore struct {
	err error

	mu          sync.Mutex
	path        string
	contentType string
	body        bytes.Buffer
	closed      bool
}

func (s *recordingStore) PutObject(_ context.Context, path, contentType string, r io.Reader) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = path
	s.contentType = contentType
	if _, err := io.Copy(&s.body, r); err != nil {
		return "", err
	}
	if s.err != nil {
		return "", s.err
	}
	return "mem://" + strings.TrimPrefix(path, "/"), nil
}

func (s *recordingStore) Close() error {
	s.closed = true
	return nil
}
