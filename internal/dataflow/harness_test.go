package dataflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/checkpoint"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/config"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/queue"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/source"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/target"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/transform"
)

func record(id string) source.Record {
	return source.Record{ID: id, Fields: map[string]any{"id": id, "name": "case " + id}}
}

func records(n int) []source.Record {
	out := make([]source.Record, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, record(strconv.Itoa(i)))
	}
	return out
}

type changeSet struct {
	ids  []string
	next string
}

// fakeSource serves records in id order; staged rows are the same records
// in the same order.
type fakeSource struct {
	mu          sync.Mutex
	records     []source.Record
	changes     map[string]changeSet
	loadErr     error
	fetchErr    error
	staged      int
	noLookahead bool // FetchPage returns at most pageSize rows and no HasMore
	pageFetches int
}

func (f *fakeSource) ClearStaging(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staged = 0
	return nil
}

func (f *fakeSource) LoadStaging(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return f.loadErr
	}
	f.staged = len(f.records)
	return nil
}

func (f *fakeSource) CountStaged(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(f.staged), nil
}

func (f *fakeSource) FetchPage(_ context.Context, afterID string, pageSize int) (source.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageFetches++
	if f.fetchErr != nil {
		return source.Page{}, f.fetchErr
	}
	// f.records is in source key order; afterID names a position in it.
	from := 0
	if afterID != "" {
		from = len(f.records)
		for i, rec := range f.records {
			if rec.ID == afterID {
				from = i + 1
				break
			}
		}
	}
	limit := pageSize + 1
	if f.noLookahead {
		limit = pageSize
	}
	out := append([]source.Record(nil), f.records[from:min(from+limit, len(f.records))]...)
	if f.noLookahead {
		return source.Page{Records: out}, nil
	}
	page := source.Page{Records: out, Lookahead: true}
	if len(out) > pageSize {
		page.Records = out[:pageSize]
		page.HasMore = true
	}
	return page, nil
}

func (f *fakeSource) FetchRange(_ context.Context, start, end int64) ([]source.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []source.Record
	for i := start; i <= end && i <= int64(f.staged); i++ {
		out = append(out, f.records[i-1])
	}
	return out, nil
}

func (f *fakeSource) FetchByIDs(_ context.Context, ids []string) ([]source.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []source.Record
	for _, rec := range f.records {
		if slices.Contains(ids, rec.ID) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeSource) FetchRecord(_ context.Context, id string) (*source.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.ID == id {
			return &rec, nil
		}
	}
	return nil, source.ErrNotFound
}

func (f *fakeSource) ChangedSince(_ context.Context, watermark string) ([]string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs, ok := f.changes[watermark]
	if !ok {
		return nil, watermark, nil
	}
	return cs.ids, cs.next, nil
}

func (f *fakeSource) setFetchErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

// fakeDestination keeps documents by key. failures[legacyID] is the number
// of upserts of that record that fail; -1 fails forever.
type fakeDestination struct {
	mu       sync.Mutex
	docs     map[string]target.Document
	failures map[string]int
	attempts map[string]int
	upserts  int
}

func newFakeDestination() *fakeDestination {
	return &fakeDestination{
		docs:     make(map[string]target.Document),
		failures: make(map[string]int),
		attempts: make(map[string]int),
	}
}

func (d *fakeDestination) Upsert(_ context.Context, doc target.Document) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts[doc.LegacyID]++
	if n := d.failures[doc.LegacyID]; n != 0 {
		if n > 0 {
			d.failures[doc.LegacyID] = n - 1
		}
		return fmt.Errorf("write conflict on %s", doc.Key)
	}
	d.upserts++
	d.docs[doc.Key] = doc
	return nil
}

func (d *fakeDestination) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.docs)
}

func (d *fakeDestination) upsertCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.upserts
}

func (d *fakeDestination) attemptsFor(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[id]
}

type notification struct {
	kind   string
	entity string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notification
}

func (n *fakeNotifier) record(kind, entity string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification{kind, entity})
}

func (n *fakeNotifier) HardStop(_ context.Context, _, entity, _, _ string, _ int) error {
	n.record("hard-stop", entity)
	return nil
}

func (n *fakeNotifier) RunCompleted(_ context.Context, pipeline string, _ time.Time, _, _, _ int64) error {
	n.record("completed", pipeline)
	return nil
}

func (n *fakeNotifier) StartFailed(_ context.Context, pipeline string, _ error) error {
	n.record("start-failed", pipeline)
	return nil
}

func (n *fakeNotifier) count(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, call := range n.calls {
		if call.kind == kind {
			c++
		}
	}
	return c
}

type harness struct {
	t        *testing.T
	q        *queue.Memory
	store    checkpoint.Store
	src      *fakeSource
	dest     *fakeDestination
	notifier *fakeNotifier
	p        *Pipeline
	handlers map[string]Handler
}

func newHarness(t *testing.T, variant string, pageSize int, recs []source.Record) *harness {
	t.Helper()
	store, err := checkpoint.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.PipelineConfig{
		Name:         "cases",
		Variant:      variant,
		DocumentType: "CASE",
		PageSize:     pageSize,
		RetryLimit:   3,
		Concurrency:  4,
		Target: config.TargetMapping{
			Collection: "cases",
			Required:   []string{"name"},
		},
	}

	h := &harness{
		t:        t,
		q:        queue.NewMemory(),
		store:    store,
		src:      &fakeSource{records: recs, changes: map[string]changeSet{}},
		dest:     newFakeDestination(),
		notifier: &fakeNotifier{},
	}
	t.Cleanup(func() { h.q.Close() })
	h.p = NewPipeline(cfg, store, queue.ChannelsFor(h.q, cfg.Name), h.src, h.dest, transform.New(cfg), nil, h.notifier)
	h.handlers = h.p.Handlers()
	return h
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, NewDispatcher(h.p).Start(context.Background(), StartMessage{Pipeline: h.p.Name, Trigger: "test"}))
}

// step handles one message from ch. It reports false when ch is empty.
func (h *harness) step(ch queue.Channel) bool {
	h.t.Helper()
	ctx := context.Background()
	msg, err := h.q.Receive(ctx, ch.Name(), time.Millisecond)
	require.NoError(h.t, err)
	if msg == nil {
		return false
	}
	if err := h.handlers[ch.Name()](ctx, msg); err != nil {
		require.NoError(h.t, h.q.Nack(ctx, msg))
		return true
	}
	require.NoError(h.t, h.q.Ack(ctx, msg))
	return true
}

// drain runs every stage until no consumed channel has work left.
func (h *harness) drain() {
	h.t.Helper()
	for i := 0; i < 10000; i++ {
		worked := false
		for _, ch := range h.p.Channels.Consumed() {
			if h.step(ch) {
				worked = true
			}
		}
		if !worked {
			return
		}
	}
	h.t.Fatal("pipeline did not settle")
}

// discard drops every waiting message of ch, as if the process died.
func (h *harness) discard(ch queue.Channel) int {
	h.t.Helper()
	n := 0
	for {
		msg, err := h.q.Receive(context.Background(), ch.Name(), time.Millisecond)
		require.NoError(h.t, err)
		if msg == nil {
			return n
		}
		require.NoError(h.t, h.q.Ack(context.Background(), msg))
		n++
	}
}

func (h *harness) state() *checkpoint.RunState {
	h.t.Helper()
	st, err := h.store.Get(context.Background(), h.p.Name)
	require.NoError(h.t, err)
	return st
}

func (h *harness) depth(ch queue.Channel) int64 {
	h.t.Helper()
	n, err := ch.Len(context.Background())
	require.NoError(h.t, err)
	return n
}

func (h *harness) hardStops() []RetryEnvelope {
	h.t.Helper()
	msgs, err := h.q.Peek(context.Background(), h.p.Channels.HardStop.Name(), 0)
	require.NoError(h.t, err)
	out := make([]RetryEnvelope, 0, len(msgs))
	for i := range msgs {
		var env RetryEnvelope
		require.NoError(h.t, queue.Decode(&msgs[i], &env))
		out = append(out, env)
	}
	return out
}

var errBoom = errors.New("boom")
