// Package worker runs queue consumers: a fixed number of goroutines per
// channel, each receiving, handling and acknowledging one message at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/logging"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/queue"
)

// Handler consumes one message. A nil return acks it; an error releases it
// for redelivery.
type Handler func(ctx context.Context, msg *queue.Message) error

// Options tunes the consumers.
type Options struct {
	Concurrency     int           // goroutines per channel
	PollWait        time.Duration // blocking receive timeout
	RedeliveryDelay time.Duration // pause before a failed message is released
}

func (o Options) withDefaults() Options {
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.PollWait <= 0 {
		o.PollWait = time.Second
	}
	return o
}

type binding struct {
	channel string
	handler Handler
}

// Pool consumes a set of channels from one queue.
type Pool struct {
	q        queue.Queue
	opts     Options
	bindings []binding
	busy     atomic.Int64
	log      logging.Component
}

// New returns a pool with no channels registered.
func New(q queue.Queue, opts Options) *Pool {
	return &Pool{q: q, opts: opts.withDefaults(), log: logging.For("worker")}
}

// Register adds a consumer for channel. Call before Run or Drain.
func (p *Pool) Register(channel string, h Handler) {
	p.bindings = append(p.bindings, binding{channel: channel, handler: h})
}

// Channels returns the registered channel names in registration order.
func (p *Pool) Channels() []string {
	names := make([]string, 0, len(p.bindings))
	for _, b := range p.bindings {
		names = append(names, b.channel)
	}
	return names
}

// Run consumes until ctx is cancelled or the queue is closed.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.bindings) == 0 {
		return errors.New("no channels registered")
	}
	if err := p.recover(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range p.bindings {
		for i := 0; i < p.opts.Concurrency; i++ {
			g.Go(func() error {
				return p.consume(gctx, b)
			})
		}
	}
	p.log.Info("consuming %d channels with %d workers each", len(p.bindings), p.opts.Concurrency)
	return g.Wait()
}

// Drain consumes until every registered channel is empty and no handler is
// running, then returns. It is the in-process equivalent of a deployment
// going idle.
func (p *Pool) Drain(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	idle := 0
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
		}

		quiet, err := p.quiet(ctx)
		if err != nil {
			cancel()
			<-done
			return err
		}
		if !quiet {
			idle = 0
			continue
		}
		// one quiet sample can fall between a receive and its handler
		if idle++; idle >= 2 {
			cancel()
			if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}
	}
}

// Busy returns the number of messages currently being handled.
func (p *Pool) Busy() int64 {
	return p.busy.Load()
}

func (p *Pool) quiet(ctx context.Context) (bool, error) {
	if p.busy.Load() > 0 {
		return false, nil
	}
	for _, b := range p.bindings {
		n, err := p.q.Len(ctx, b.channel)
		if err != nil {
			return false, fmt.Errorf("reading depth of %s: %w", b.channel, err)
		}
		if n > 0 {
			return false, nil
		}
	}
	return true, nil
}

// recover returns messages a dead consumer left in flight.
func (p *Pool) recover(ctx context.Context) error {
	r, ok := p.q.(queue.Recoverer)
	if !ok {
		return nil
	}
	for _, b := range p.bindings {
		n, err := r.Recover(ctx, b.channel)
		if err != nil {
			return fmt.Errorf("recovering %s: %w", b.channel, err)
		}
		if n > 0 {
			p.log.Warn("%s: recovered %d unacknowledged messages", b.channel, n)
		}
	}
	return nil
}

func (p *Pool) consume(ctx context.Context, b binding) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := p.q.Receive(ctx, b.channel, p.opts.PollWait)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			p.log.Warn("%s: receive failed: %v", b.channel, err)
			sleep(ctx, time.Second)
			continue
		}
		if msg == nil {
			continue
		}

		p.busy.Add(1)
		p.handle(ctx, b, msg)
		p.busy.Add(-1)
	}
}

func (p *Pool) handle(ctx context.Context, b binding, msg *queue.Message) {
	err := safeCall(ctx, b.handler, msg)

	// Settle the message even when shutting down
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err == nil {
		if aerr := p.q.Ack(settleCtx, msg); aerr != nil {
			p.log.Warn("%s: ack of %s failed: %v", b.channel, msg.ID, aerr)
		}
		return
	}

	p.log.Warn("%s: message %s failed on attempt %d: %v", b.channel, msg.ID, msg.Attempts, err)
	sleep(ctx, p.opts.RedeliveryDelay)
	if nerr := p.q.Nack(settleCtx, msg); nerr != nil {
		p.log.Warn("%s: nack of %s failed: %v", b.channel, msg.ID, nerr)
	}
}

// safeCall turns a handler panic into an error so one bad message cannot
// take the consumer down.
func safeCall(ctx context.Context, h Handler, msg *queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Debug("handler panic stack:\n%s", debug.Stack())
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
