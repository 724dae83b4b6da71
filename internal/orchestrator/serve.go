package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/checkpoint"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/progress"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/schedule"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/server"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/stats"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/tui"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/worker"
)

const depthSampleInterval = 5 * time.Second

// workerPool registers the stage handlers of the named pipelines.
func (o *Orchestrator) workerPool(names ...string) (*worker.Pool, error) {
	pool := worker.New(o.queue, worker.Options{
		Concurrency:     o.config.Worker.Concurrency,
		PollWait:        o.config.Worker.PollWait,
		RedeliveryDelay: o.config.Worker.RedeliveryDelay,
	})
	for _, name := range names {
		p, err := o.pipeline(name)
		if err != nil {
			return nil, err
		}
		handlers := p.Handlers()
		channels := make([]string, 0, len(handlers))
		for ch := range handlers {
			channels = append(channels, ch)
		}
		sort.Strings(channels)
		for _, ch := range channels {
			pool.Register(ch, worker.Handler(handlers[ch]))
		}
	}
	return pool, nil
}

// Serve runs the consumers of every pipeline, the HTTP server and the timer
// triggers until ctx is cancelled.
func (o *Orchestrator) Serve(ctx context.Context) error {
	if err := o.Connect(ctx); err != nil {
		return err
	}
	pool, err := o.workerPool(o.config.PipelineNames()...)
	if err != nil {
		return err
	}
	sched, err := schedule.New(o.config.Pipelines, o)
	if err != nil {
		return err
	}

	metricsPath := ""
	if o.config.Metrics.Enabled {
		metricsPath = o.config.Metrics.Path
	}
	srv := server.New(server.Options{
		Addr:        o.config.Server.Addr,
		APIKey:      o.config.Server.APIKey,
		MetricsPath: metricsPath,
		Gatherer:    o.registry,
	}, o, o)

	o.log.Info("serving %d pipelines (%d scheduled)", len(o.pipelines), sched.Len())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return o.sampleDepths(gctx) })
	return g.Wait()
}

// sampleDepths publishes channel depths and pool usage as gauges.
func (o *Orchestrator) sampleDepths(ctx context.Context) error {
	ticker := time.NewTicker(depthSampleInterval)
	defer ticker.Stop()
	for {
		for _, name := range o.channelNames() {
			n, err := o.queue.Len(ctx, name)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				o.log.Debug("sampling depth of %s: %v", name, err)
				continue
			}
			o.metrics.SetDepth(name, n)
		}
		for _, ps := range o.poolStats() {
			o.metrics.SetPool(ps)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunLocal starts pipeline and consumes its channels in process until they
// drain, reporting progress to tracker. It returns the final run state.
func (o *Orchestrator) RunLocal(ctx context.Context, pipeline string, tracker *progress.Tracker) (*checkpoint.RunState, error) {
	if err := o.Connect(ctx); err != nil {
		return nil, err
	}
	pool, err := o.workerPool(pipeline)
	if err != nil {
		return nil, err
	}
	if _, err := o.Trigger(ctx, pipeline, "cli", uuid.NewString()); err != nil {
		return nil, err
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		o.watch(watchCtx, pipeline, tracker)
	}()

	drainErr := pool.Drain(ctx)
	stopWatch()
	<-watched

	st, err := o.Status(context.WithoutCancel(ctx), pipeline)
	if tracker != nil {
		tracker.Finish(st)
	}
	for _, ps := range o.poolStats() {
		o.log.Debug("pool %s", ps)
	}
	if drainErr != nil {
		return st, fmt.Errorf("running %s: %w", pipeline, drainErr)
	}
	return st, err
}

func (o *Orchestrator) watch(ctx context.Context, pipeline string, tracker *progress.Tracker) {
	if tracker == nil {
		return
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st, err := o.Status(ctx, pipeline)
		if err != nil {
			continue
		}
		tracker.Observe(st)
	}
}

// poolStats lists the pools of connected backends that can describe themselves.
func (o *Orchestrator) poolStats() []stats.PoolStats {
	var out []stats.PoolStats
	if o.sourceDB != nil {
		out = append(out, stats.FromDB("source", "mssql", o.sourceDB.Stats()))
	}
	if r, ok := o.destination.(stats.Reporter); ok {
		out = append(out, r.PoolStats())
	}
	return out
}

// Snapshot implements tui.Source.
func (o *Orchestrator) Snapshot(ctx context.Context) (tui.Snapshot, error) {
	states, err := o.StatusAll(ctx)
	if err != nil {
		return tui.Snapshot{}, err
	}
	snap := tui.Snapshot{States: states, HardStops: make(map[string]int64, len(states))}
	for _, st := range states {
		n, err := o.HardStopCount(ctx, st.Pipeline)
		if err != nil {
			return tui.Snapshot{}, err
		}
		snap.HardStops[st.Pipeline] = n
	}
	return snap, nil
}
