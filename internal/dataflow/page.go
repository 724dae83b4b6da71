package dataflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/checkpoint"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/logging"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/queue"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/source"
)

// PageProcessor is the page stage. It reads one partition, writes every
// record it can, commits progress and hands failed records to the dlq.
type PageProcessor struct {
	p   *Pipeline
	log logging.Component
}

// NewPageProcessor returns the page stage of p.
func NewPageProcessor(p *Pipeline) *PageProcessor {
	return &PageProcessor{p: p, log: logging.For(StagePage)}
}

// Handle consumes a page message.
func (pp *PageProcessor) Handle(ctx context.Context, msg *queue.Message) error {
	started := time.Now()
	defer func() { pp.p.Metrics.ObserveStage(pp.p.Name, StagePage, time.Since(started)) }()

	var pm PageMessage
	if err := queue.Decode(msg, &pm); err != nil {
		pp.log.Error("%s: %v", pp.p.Name, err)
		return nil
	}
	return pp.Process(ctx, pm.Partition)
}

// Process runs one partition. A returned error means nothing was committed
// and the message should be redelivered.
func (pp *PageProcessor) Process(ctx context.Context, part Partition) error {
	st, err := pp.p.Store.Get(ctx, pp.p.Name)
	if errors.Is(err, checkpoint.ErrNotFound) {
		pp.log.Warn("%s: dropping %s, run has no state (reset?)", pp.p.Name, part)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading run state: %w", err)
	}
	if why := stale(st, part); why != "" {
		pp.log.Debug("%s: dropping %s: %s", pp.p.Name, part, why)
		return nil
	}

	if part.Kind == KindCursor {
		return pp.cursorPage(ctx, st, part)
	}
	return pp.partition(ctx, st, part)
}

// stale explains why a partition must not run against st, or returns "".
func stale(st *checkpoint.RunState, part Partition) string {
	switch {
	case st.Status == checkpoint.StatusFailed:
		return "run is halted"
	case st.Status == checkpoint.StatusNotStarted:
		return "run is not started"
	case st.Status == checkpoint.StatusCompleted:
		return "run is completed"
	case part.Cycle != 0 && part.Cycle != cycleOf(st):
		return "planned by an earlier run"
	case part.Kind == KindCursor && part.LastID != st.Cursor:
		return fmt.Sprintf("cursor has moved to %q", st.Cursor)
	case part.Kind != KindCursor && st.HasCompleted(part.Key()):
		return "already committed"
	}
	return ""
}

func (pp *PageProcessor) cursorPage(ctx context.Context, st *checkpoint.RunState, part Partition) error {
	page, err := pp.p.Source.FetchPage(ctx, part.LastID, pp.p.PageSize)
	if err != nil {
		return pp.partitionFailed(ctx, part, "fetch-page", err)
	}

	if len(page.Records) == 0 {
		st.Status = checkpoint.StatusCompleted
		if err := pp.p.Store.Update(ctx, st); err != nil {
			return fmt.Errorf("completing run: %w", err)
		}
		pp.completed(ctx, st)
		return nil
	}

	t := tallyOf(pp.processRecords(ctx, StagePage, page.Records))
	hasMore := len(page.Records) == pp.p.PageSize
	if page.Lookahead {
		hasMore = page.HasMore
	}
	last := page.Records[len(page.Records)-1].ID

	st.Cursor = last
	st.ProcessedCount += int64(t.processed)
	st.SecondaryProcessedCount += int64(t.secondary)
	st.ErrorCount += int64(len(t.failed))
	if !hasMore {
		st.Status = checkpoint.StatusCompleted
	}
	if err := pp.p.Store.Update(ctx, st); err != nil {
		return fmt.Errorf("committing page after %q: %w", part.LastID, err)
	}
	pp.committed(part, t)

	routeErr := pp.routeFailures(ctx, t.failed)
	if !hasMore {
		pp.completed(ctx, st)
		return routeErr
	}
	next := CursorPartition(last, cycleOf(st))
	if err := pp.p.Channels.Page.Send(ctx, PageMessage{Pipeline: pp.p.Name, Partition: next}); err != nil {
		return errors.Join(routeErr, fmt.Errorf("emitting %s: %w", next, err))
	}
	return routeErr
}

func (pp *PageProcessor) partition(ctx context.Context, st *checkpoint.RunState, part Partition) error {
	var (
		records  []source.Record
		err      error
		activity = "fetch-range"
	)
	if part.Kind == KindBatch {
		activity = "fetch-batch"
		records, err = pp.p.Source.FetchByIDs(ctx, part.IDs)
	} else {
		records, err = pp.p.Source.FetchRange(ctx, part.Start, part.End)
	}
	if err != nil {
		return pp.partitionFailed(ctx, part, activity, err)
	}

	t := tallyOf(pp.processRecords(ctx, StagePage, records))

	var done bool
	st, err = checkpoint.Mutate(ctx, pp.p.Store, pp.p.Name, func(s *checkpoint.RunState) error {
		done = false
		if s.Status != checkpoint.StatusInProgress || (part.Cycle != 0 && part.Cycle != cycleOf(s)) {
			return checkpoint.ErrSkip
		}
		if !s.MarkCompleted(part.Key()) {
			return checkpoint.ErrSkip
		}
		s.ProcessedCount += int64(t.processed)
		s.SecondaryProcessedCount += int64(t.secondary)
		s.ErrorCount += int64(len(t.failed))
		if part.Kind == KindRange {
			s.Cursor = formatOffset(contiguousOffset(s.CompletedPartitions, s.PageSize, s.TotalCount))
		}
		if s.AllPartitionsCompleted() {
			s.Status = checkpoint.StatusCompleted
			if s.PendingCursor != "" {
				s.Cursor = s.PendingCursor
				s.PendingCursor = ""
			}
			done = true
		}
		return nil
	})
	if errors.Is(err, checkpoint.ErrSkip) {
		pp.log.Debug("%s: %s committed by another delivery", pp.p.Name, part)
		return nil
	}
	if err != nil {
		return fmt.Errorf("committing %s: %w", part, err)
	}
	pp.committed(part, t)

	routeErr := pp.routeFailures(ctx, t.failed)
	if done {
		pp.completed(ctx, st)
	}
	return routeErr
}

// outcome is what happened to one record.
type outcome struct {
	event     SyncEvent
	secondary int
	duplicate bool
}

type tally struct {
	processed  int
	secondary  int
	duplicates int
	failed     []SyncEvent
}

func tallyOf(results []Result[outcome]) tally {
	var t tally
	for _, r := range results {
		switch {
		case r.Err != nil:
			t.failed = append(t.failed, r.Value.event)
		case r.Value.duplicate:
			t.duplicates++
		default:
			t.processed++
			t.secondary += r.Value.secondary
		}
	}
	return t
}

// dedupSet holds the document keys written so far within one page.
type dedupSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newDedupSet() *dedupSet {
	return &dedupSet{keys: make(map[string]struct{})}
}

// add returns false if key was already present.
func (d *dedupSet) add(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.keys[key]; ok {
		return false
	}
	d.keys[key] = struct{}{}
	return true
}

// processRecords runs every record of a page, Concurrency at a time. One
// record failing never stops the others.
func (pp *PageProcessor) processRecords(ctx context.Context, stage string, records []source.Record) []Result[outcome] {
	results := make([]Result[outcome], len(records))
	seen := newDedupSet()

	var g errgroup.Group
	g.SetLimit(max(1, pp.p.Concurrency))
	for i, rec := range records {
		g.Go(func() error {
			results[i] = pp.processRecord(ctx, stage, rec, seen)
			return nil
		})
	}
	g.Wait()
	return results
}

// processRecord transforms and writes one record. The failure, if any, is
// also set on the returned event.
func (pp *PageProcessor) processRecord(ctx context.Context, stage string, rec source.Record, seen *dedupSet) Result[outcome] {
	ev := SyncEvent{Kind: pp.p.eventKind(), EntityID: rec.ID, Payload: &rec}
	fail := func(activity string, err error) Result[outcome] {
		ev.Error = NewQueueError(pp.p.Name, stage, activity, err)
		return Result[outcome]{Value: outcome{event: ev}, Err: ev.Error}
	}

	out, err := pp.p.Transformer.Transform(rec)
	if err != nil {
		return fail("transform", err)
	}
	if !seen.add(out.Primary.Key) {
		pp.log.Debug("%s: skipping duplicate %s", pp.p.Name, out.Primary.Key)
		return Result[outcome]{Value: outcome{event: ev, duplicate: true}}
	}
	if err := pp.p.Destination.Upsert(ctx, out.Primary); err != nil {
		return fail("upsert", err)
	}

	written := 0
	for _, doc := range out.Secondary {
		if !seen.add(doc.Key) {
			continue
		}
		if err := pp.p.Destination.Upsert(ctx, doc); err != nil {
			return fail("upsert-secondary", err)
		}
		written++
	}
	return Result[outcome]{Value: outcome{event: ev, secondary: written}}
}

// routeFailures sends each failed event to the dlq. Progress is already
// committed, so a send failure is reported but not retried here.
func (pp *PageProcessor) routeFailures(ctx context.Context, failed []SyncEvent) error {
	var errs []error
	for i := range failed {
		ev := failed[i]
		pp.log.Warn("%s: %s failed: %v", pp.p.Name, ev.EntityID, ev.Error)
		if err := pp.p.Channels.DLQ.Send(ctx, DeadLetter{Error: ev.Error, Event: &ev}); err != nil {
			pp.log.Error("%s: routing %s to dlq: %v", pp.p.Name, ev.EntityID, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// partitionFailed routes a failure that hit the whole partition. The run
// does not advance past it until the partition is requeued.
func (pp *PageProcessor) partitionFailed(ctx context.Context, part Partition, activity string, err error) error {
	qe := NewQueueError(pp.p.Name, StagePage, activity, err)
	if qe.Partition == nil {
		qe.Partition = &part
	}
	pp.log.Error("%s: %s %s failed: %v", pp.p.Name, part, activity, err)

	_, serr := checkpoint.Mutate(ctx, pp.p.Store, pp.p.Name, func(s *checkpoint.RunState) error {
		s.LastError = qe.Error()
		return nil
	})
	if serr != nil {
		pp.log.Warn("%s: recording last error: %v", pp.p.Name, serr)
	}

	if err := pp.p.Channels.DLQ.Send(ctx, DeadLetter{Error: qe}); err != nil {
		return fmt.Errorf("routing %s failure: %w", part, err)
	}
	return nil
}

func (pp *PageProcessor) committed(part Partition, t tally) {
	m := pp.p.Metrics
	m.PageProcessed(pp.p.Name)
	m.RecordsProcessed(pp.p.Name, "success", t.processed)
	m.RecordsProcessed(pp.p.Name, "failed", len(t.failed))
	m.RecordsProcessed(pp.p.Name, "duplicate", t.duplicates)
	pp.log.Info("%s: %s: %d written, %d secondary, %d failed, %d duplicate",
		pp.p.Name, part, t.processed, t.secondary, len(t.failed), t.duplicates)
}

func (pp *PageProcessor) completed(ctx context.Context, st *checkpoint.RunState) {
	pp.p.Metrics.SetStatus(pp.p.Name, string(st.Status))
	pp.log.Info("%s: run completed: %d processed, %d secondary, %d errors",
		pp.p.Name, st.ProcessedCount, st.SecondaryProcessedCount, st.ErrorCount)
	err := pp.p.Notifier.RunCompleted(ctx, pp.p.Name, st.StartedAt,
		st.ProcessedCount, st.SecondaryProcessedCount, st.ErrorCount)
	if err != nil {
		pp.log.Warn("%s: completion notification: %v", pp.p.Name, err)
	}
}
