package dataflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/logging"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/queue"
)

// ErrorRouter is the dlq stage. Every dead letter becomes a retry envelope.
type ErrorRouter struct {
	p   *Pipeline
	log logging.Component
}

// NewErrorRouter returns the dlq stage of p.
func NewErrorRouter(p *Pipeline) *ErrorRouter {
	return &ErrorRouter{p: p, log: logging.For(StageDLQ)}
}

// Handle consumes a dead letter.
func (r *ErrorRouter) Handle(ctx context.Context, msg *queue.Message) error {
	started := time.Now()
	defer func() { r.p.Metrics.ObserveStage(r.p.Name, StageDLQ, time.Since(started)) }()

	var dl DeadLetter
	if err := queue.Decode(msg, &dl); err != nil {
		r.log.Error("%s: %v", r.p.Name, err)
		return nil
	}
	return r.Route(ctx, dl)
}

// Route forwards one dead letter to the retry channel.
func (r *ErrorRouter) Route(ctx context.Context, dl DeadLetter) error {
	failure := dl.Error
	if failure == nil && dl.Event != nil {
		failure = dl.Event.Error
	}
	if failure == nil {
		failure = NewQueueError(r.p.Name, StageDLQ, "route", errors.New("dead letter without error"))
	}

	event := dl.Event
	if event != nil {
		ev := *event
		ev.Error = nil
		event = &ev
	}

	env := RetryEnvelope{Pipeline: r.p.Name, Event: event, Failure: failure, RetryCount: dl.RetryCount}
	r.p.Metrics.Routed(r.p.Name, failure.Stage)
	r.log.Warn("%s: %s failed at %s/%s (retries so far %d): %s",
		r.p.Name, env.Entity(), failure.Stage, failure.Activity, dl.RetryCount, failure.Message)

	if err := r.p.Channels.Retry.Send(ctx, env); err != nil {
		return fmt.Errorf("routing %s to retry: %w", env.Entity(), err)
	}
	return nil
}
