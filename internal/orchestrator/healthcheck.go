package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/config"
)

// HealthCheckResult reports connectivity of every backend.
type HealthCheckResult struct {
	Timestamp          string `json:"timestamp"`
	Healthy            bool   `json:"healthy"`
	SourceConnected    bool   `json:"sourceConnected"`
	SourceLatencyMs    int64  `json:"sourceLatencyMs"`
	SourceError        string `json:"sourceError,omitempty"`
	TargetType         string `json:"targetType"`
	TargetConnected    bool   `json:"targetConnected"`
	TargetLatencyMs    int64  `json:"targetLatencyMs"`
	TargetError        string `json:"targetError,omitempty"`
	StateBackend       string `json:"stateBackend"`
	StateConnected     bool   `json:"stateConnected"`
	StateError         string `json:"stateError,omitempty"`
	QueueBackend       string `json:"queueBackend"`
	QueueConnected     bool   `json:"queueConnected"`
	QueueError         string `json:"queueError,omitempty"`
	PipelineCount      int    `json:"pipelineCount"`
	ScheduledPipelines int    `json:"scheduledPipelines"`

	Host config.HostResources `json:"host"`
}

// HealthCheck tests connectivity to the source, destination, state store and
// queue. Each check runs in parallel with its own timeout so one slow backend
// cannot fail the others with "context deadline exceeded".
func (o *Orchestrator) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	if err := o.Connect(ctx); err != nil {
		return nil, err
	}

	result := &HealthCheckResult{
		Timestamp:     time.Now().Format(time.RFC3339),
		TargetType:    o.config.Destination.Type,
		StateBackend:  o.config.State.Backend,
		QueueBackend:  o.config.Queue.Backend,
		PipelineCount: len(o.config.Pipelines),
		Host:          config.DetectHost(),
	}
	for _, p := range o.config.Pipelines {
		if p.Schedule != "" {
			result.ScheduledPipelines++
		}
	}

	const checkTimeout = 30 * time.Second

	var wg sync.WaitGroup
	check := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			fn(cctx)
		}()
	}

	check(func(ctx context.Context) {
		start := time.Now()
		if err := o.sourceDB.PingContext(ctx); err != nil {
			result.SourceError = err.Error()
		} else {
			result.SourceConnected = true
		}
		result.SourceLatencyMs = time.Since(start).Milliseconds()
	})

	check(func(ctx context.Context) {
		start := time.Now()
		if err := o.destination.Ping(ctx); err != nil {
			result.TargetError = err.Error()
		} else {
			result.TargetConnected = true
		}
		result.TargetLatencyMs = time.Since(start).Milliseconds()
	})

	check(func(ctx context.Context) {
		if _, err := o.store.List(ctx); err != nil {
			result.StateError = err.Error()
		} else {
			result.StateConnected = true
		}
	})

	check(func(ctx context.Context) {
		names := o.channelNames()
		if len(names) == 0 {
			result.QueueConnected = true
			return
		}
		if _, err := o.queue.Len(ctx, names[0]); err != nil {
			result.QueueError = err.Error()
		} else {
			result.QueueConnected = true
		}
	})

	wg.Wait()

	result.Healthy = result.SourceConnected && result.TargetConnected &&
		result.StateConnected && result.QueueConnected
	return result, nil
}
