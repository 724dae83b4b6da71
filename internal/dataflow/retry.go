package dataflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/checkpoint"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/logging"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/queue"
)

// RetryStage re-runs failed records up to RetryLimit times and parks
// everything else in the hard-stop channel.
type RetryStage struct {
	p     *Pipeline
	pages *PageProcessor
	log   logging.Component
}

// NewRetryStage returns the retry stage of p. Records are re-run through
// the same path the page stage uses.
func NewRetryStage(p *Pipeline, pages *PageProcessor) *RetryStage {
	return &RetryStage{p: p, pages: pages, log: logging.For(StageRetry)}
}

// Handle consumes a retry envelope.
func (r *RetryStage) Handle(ctx context.Context, msg *queue.Message) error {
	started := time.Now()
	defer func() { r.p.Metrics.ObserveStage(r.p.Name, StageRetry, time.Since(started)) }()

	var env RetryEnvelope
	if err := queue.Decode(msg, &env); err != nil {
		r.log.Error("%s: %v", r.p.Name, err)
		return nil
	}
	return r.Retry(ctx, env)
}

// Retry makes one attempt for env.
func (r *RetryStage) Retry(ctx context.Context, env RetryEnvelope) error {
	env.RetryCount++
	if env.Event == nil || env.RetryCount > r.p.RetryLimit {
		return r.hardStop(ctx, env)
	}

	ev := *env.Event
	ev.Error = nil
	if ev.Payload == nil {
		rec, err := r.p.Source.FetchRecord(ctx, ev.EntityID)
		if err != nil {
			return r.failed(ctx, env, ev, NewQueueError(r.p.Name, StageRetry, "fetch-record", err))
		}
		ev.Payload = rec
	}

	res := r.pages.processRecord(ctx, StageRetry, *ev.Payload, newDedupSet())
	if res.Err != nil {
		return r.failed(ctx, env, ev, res.Value.event.Error)
	}

	r.p.Metrics.RetryAttempted(r.p.Name, "success")
	r.log.Info("%s: %s succeeded on retry %d", r.p.Name, ev.EntityID, env.RetryCount)
	if res.Value.duplicate {
		return nil
	}
	_, err := checkpoint.Mutate(ctx, r.p.Store, r.p.Name, func(s *checkpoint.RunState) error {
		s.ProcessedCount++
		s.SecondaryProcessedCount += int64(res.Value.secondary)
		return nil
	})
	if err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		r.log.Warn("%s: counting retried %s: %v", r.p.Name, ev.EntityID, err)
	}
	return nil
}

// failed sends the event back to the dlq carrying the attempt count.
func (r *RetryStage) failed(ctx context.Context, env RetryEnvelope, ev SyncEvent, qe *QueueError) error {
	r.p.Metrics.RetryAttempted(r.p.Name, "failed")
	r.log.Warn("%s: retry %d of %d for %s failed: %s", r.p.Name, env.RetryCount, r.p.RetryLimit, ev.EntityID, qe.Message)

	ev.Error = qe
	dl := DeadLetter{Error: qe, Event: &ev, RetryCount: env.RetryCount}
	if err := r.p.Channels.DLQ.Send(ctx, dl); err != nil {
		return fmt.Errorf("routing %s back to dlq: %w", ev.EntityID, err)
	}
	return nil
}

// hardStop parks env for manual review. It publishes once per envelope;
// nothing consumes the hard-stop channel.
func (r *RetryStage) hardStop(ctx context.Context, env RetryEnvelope) error {
	if err := r.p.Channels.HardStop.Send(ctx, env); err != nil {
		return fmt.Errorf("parking %s in hard-stop: %w", env.Entity(), err)
	}
	r.p.Metrics.HardStopped(r.p.Name)

	stage, cause := "", ""
	if env.Failure != nil {
		stage, cause = env.Failure.Stage, env.Failure.Message
	}
	r.log.Error("%s: %s moved to hard-stop after %d attempts: %s", r.p.Name, env.Entity(), env.RetryCount-1, cause)
	if err := r.p.Notifier.HardStop(ctx, r.p.Name, env.Entity(), stage, cause, env.RetryCount-1); err != nil {
		r.log.Warn("%s: hard-stop notification: %v", r.p.Name, err)
	}
	return nil
}

// Requeue puts a hard-stopped envelope back to work: record failures get a
// fresh set of retries, partition failures go back to the page stage and
// anything else re-triggers the dispatcher.
func Requeue(ctx context.Context, p *Pipeline, env RetryEnvelope) error {
	switch {
	case env.Event != nil:
		env.RetryCount = 0
		return p.Channels.Retry.Send(ctx, env)
	case env.Failure != nil && env.Failure.Partition != nil:
		return p.Channels.Page.Send(ctx, PageMessage{Pipeline: p.Name, Partition: *env.Failure.Partition})
	default:
		return p.Channels.Start.Send(ctx, StartMessage{
			Pipeline:    p.Name,
			Trigger:     "requeue",
			RequestedAt: time.Now().UTC(),
		})
	}
}
