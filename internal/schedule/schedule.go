// Package schedule fires timer triggers for pipelines that declare a cron
// schedule.
package schedule

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/config"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/dataflow"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/logging"
)

// Trigger is the timer trigger name carried on start messages.
const Trigger = "timer"

// Starter queues a start message for a pipeline.
type Starter interface {
	Trigger(ctx context.Context, pipeline, trigger, requestID string) (dataflow.StartMessage, error)
}

// Scheduler owns one cron entry per scheduled pipeline.
type Scheduler struct {
	cron    *cron.Cron
	starter Starter
	entries map[string]cron.EntryID
	log     logging.Component
}

// New registers every pipeline with a non-empty schedule. Pipelines without
// one are only started by HTTP or CLI triggers.
func New(pipelines []config.PipelineConfig, starter Starter, opts ...cron.Option) (*Scheduler, error) {
	opts = append([]cron.Option{cron.WithParser(config.ScheduleParser)}, opts...)
	s := &Scheduler{
		cron:    cron.New(opts...),
		starter: starter,
		entries: make(map[string]cron.EntryID),
		log:     logging.For("schedule"),
	}
	for _, p := range pipelines {
		if p.Schedule == "" {
			continue
		}
		name := p.Name
		id, err := s.cron.AddFunc(p.Schedule, func() { s.Fire(context.Background(), name) })
		if err != nil {
			return nil, fmt.Errorf("scheduling %s: %w", name, err)
		}
		s.entries[name] = id
	}
	return s, nil
}

// Len returns the number of scheduled pipelines.
func (s *Scheduler) Len() int {
	return len(s.entries)
}

// Fire queues a timer start for pipeline. Failures are logged; the next tick
// tries again.
func (s *Scheduler) Fire(ctx context.Context, pipeline string) {
	msg, err := s.starter.Trigger(ctx, pipeline, Trigger, uuid.NewString())
	if err != nil {
		s.log.Error("%s: timer trigger failed: %v", pipeline, err)
		return
	}
	s.log.Info("%s: timer trigger queued (%s)", pipeline, msg.RequestID)
}

// Run starts the scheduler and blocks until ctx is cancelled. Running jobs
// finish before it returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.entries) == 0 {
		<-ctx.Done()
		return nil
	}
	s.cron.Start()
	for name, id := range s.entries {
		s.log.Info("%s: next run at %s", name, s.cron.Entry(id).Next.Format("2006-01-02 15:04:05"))
	}
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
