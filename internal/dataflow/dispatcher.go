package dataflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/checkpoint"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/config"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/logging"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/queue"
)

// Dispatcher is the start stage: it decides between fresh start and resume,
// plans partitions and emits the first unit(s) of work.
type Dispatcher struct {
	p   *Pipeline
	log logging.Component
}

// NewDispatcher returns the start stage of p.
func NewDispatcher(p *Pipeline) *Dispatcher {
	return &Dispatcher{p: p, log: logging.For(StageStart)}
}

// Handle consumes a start message.
func (d *Dispatcher) Handle(ctx context.Context, msg *queue.Message) error {
	started := time.Now()
	defer func() { d.p.Metrics.ObserveStage(d.p.Name, StageStart, time.Since(started)) }()

	var start StartMessage
	if err := queue.Decode(msg, &start); err != nil {
		// A malformed trigger can never succeed; drop it
		d.log.Error("%s: %v", d.p.Name, err)
		return nil
	}
	return d.Start(ctx, start)
}

// Start runs the dispatcher for one trigger. Failures are routed to the dlq
// as a start QueueError and leave the run NOT_STARTED; the returned error is
// non-nil only when routing itself failed and the trigger must be redelivered.
func (d *Dispatcher) Start(ctx context.Context, trigger StartMessage) error {
	d.log.Info("%s: start requested (trigger=%s)", d.p.Name, trigger.Trigger)

	st, err := checkpoint.GetOrCreate(ctx, d.p.Store, d.p.freshState())
	if err != nil {
		return d.fail(ctx, "read-state", err)
	}
	d.p.Metrics.SetStatus(d.p.Name, string(st.Status))

	switch st.Status {
	case checkpoint.StatusCompleted:
		if !d.p.IsSync() {
			d.log.Info("%s: already completed, nothing to do", d.p.Name)
			return nil
		}
		err = d.planSync(ctx, st)
	case checkpoint.StatusFailed:
		d.log.Warn("%s: run is halted (FAILED); reset it before starting again", d.p.Name)
		return nil
	case checkpoint.StatusInProgress:
		err = d.resume(ctx, st)
	default:
		err = d.fresh(ctx, st)
	}
	if errors.Is(err, errConcurrentStart) {
		return nil
	}
	return err
}

func (d *Dispatcher) fresh(ctx context.Context, st *checkpoint.RunState) error {
	switch d.p.Variant {
	case config.VariantRange:
		return d.planRange(ctx, st)
	case config.VariantChanged:
		return d.planSync(ctx, st)
	default:
		st.Status = checkpoint.StatusInProgress
		st.StartedAt = stampNow()
		st.PageSize = d.p.PageSize
		if err := d.persist(ctx, st); err != nil {
			return err
		}
		d.log.Info("%s: starting cursor run", d.p.Name)
		return d.emit(ctx, []Partition{CursorPartition(st.Cursor, cycleOf(st))})
	}
}

func (d *Dispatcher) planRange(ctx context.Context, st *checkpoint.RunState) error {
	src := d.p.Source
	if err := src.ClearStaging(ctx); err != nil {
		return d.fail(ctx, "clear-staging", err)
	}
	if err := src.LoadStaging(ctx); err != nil {
		return d.fail(ctx, "load-staging", err)
	}
	count, err := src.CountStaged(ctx)
	if err != nil {
		return d.fail(ctx, "count-staged", err)
	}
	if count == 0 {
		d.log.Info("%s: nothing staged, nothing to do", d.p.Name)
		return nil
	}

	st.Status = checkpoint.StatusInProgress
	st.StartedAt = stampNow()
	st.PageSize = d.p.PageSize
	st.TotalCount = count
	plan := PlanRanges(count, d.p.PageSize, cycleOf(st))
	st.TotalPartitions = len(plan)
	st.CompletedPartitions = nil
	if err := d.persist(ctx, st); err != nil {
		return err
	}

	d.log.Info("%s: staged %d records in %d partitions of %d", d.p.Name, count, len(plan), d.p.PageSize)
	return d.emit(ctx, plan)
}

// planSync starts a sync cycle from the stored watermark.
func (d *Dispatcher) planSync(ctx context.Context, st *checkpoint.RunState) error {
	ids, next, err := d.p.Source.ChangedSince(ctx, st.Cursor)
	if err != nil {
		return d.fail(ctx, "changed-since", err)
	}
	if len(ids) == 0 {
		d.log.Info("%s: no changes since %q", d.p.Name, st.Cursor)
		return nil
	}
	if next == "" {
		next = st.Cursor
	}

	st.Status = checkpoint.StatusInProgress
	st.StartedAt = stampNow()
	st.PageSize = d.p.PageSize
	st.PendingCursor = next
	st.TotalCount = int64(len(ids))
	plan := PlanBatches(ids, d.p.PageSize, cycleOf(st))
	st.TotalPartitions = len(plan)
	st.CompletedPartitions = nil
	if err := d.persist(ctx, st); err != nil {
		return err
	}

	d.log.Info("%s: %d changed records since %q in %d batches", d.p.Name, len(ids), st.Cursor, len(plan))
	return d.emit(ctx, plan)
}

func (d *Dispatcher) resume(ctx context.Context, st *checkpoint.RunState) error {
	switch d.p.Variant {
	case config.VariantRange:
		plan := PlanRanges(st.TotalCount, st.PageSize, cycleOf(st))
		var pending []Partition
		for _, part := range plan {
			if !st.HasCompleted(part.Key()) {
				pending = append(pending, part)
			}
		}
		d.log.Info("%s: resuming range run, %d of %d partitions outstanding", d.p.Name, len(pending), len(plan))
		return d.emit(ctx, pending)
	case config.VariantChanged:
		// Batches are not stored; re-plan from the unchanged watermark under a new cycle
		d.log.Info("%s: resuming sync cycle from %q", d.p.Name, st.Cursor)
		return d.planSync(ctx, st)
	default:
		d.log.Info("%s: resuming cursor run after %q", d.p.Name, st.Cursor)
		return d.emit(ctx, []Partition{CursorPartition(st.Cursor, cycleOf(st))})
	}
}

// persist writes the planned state. Losing the version race to another
// dispatcher means that dispatcher owns the run; errConcurrentStart tells
// the caller to stop quietly.
func (d *Dispatcher) persist(ctx context.Context, st *checkpoint.RunState) error {
	err := d.p.Store.Update(ctx, st)
	if err == nil {
		d.p.Metrics.SetStatus(d.p.Name, string(st.Status))
		return nil
	}
	if errors.Is(err, checkpoint.ErrConflict) {
		d.log.Warn("%s: another dispatcher updated the run first, leaving it to that one", d.p.Name)
		return errConcurrentStart
	}
	return d.fail(ctx, "persist-state", err)
}

var errConcurrentStart = errors.New("concurrent start")

func (d *Dispatcher) emit(ctx context.Context, plan []Partition) error {
	for _, part := range plan {
		if err := d.p.Channels.Page.Send(ctx, PageMessage{Pipeline: d.p.Name, Partition: part}); err != nil {
			// State is IN_PROGRESS already, so redelivery takes the resume path
			return fmt.Errorf("emitting %s: %w", part, err)
		}
	}
	return nil
}

// fail routes a start failure to the dlq.
func (d *Dispatcher) fail(ctx context.Context, activity string, err error) error {
	qe := NewQueueError(d.p.Name, StageStart, activity, err)
	d.log.Error("%s: %s failed: %v", d.p.Name, activity, err)

	if nerr := d.p.Notifier.StartFailed(ctx, d.p.Name, qe); nerr != nil {
		d.log.Warn("%s: start failure notification: %v", d.p.Name, nerr)
	}
	if serr := d.p.Channels.DLQ.Send(ctx, DeadLetter{Error: qe}); serr != nil {
		return fmt.Errorf("routing start failure: %w", serr)
	}
	return nil
}
