package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/checkpoint"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/dataflow"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/queue"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/target"
)

// StatusResult is the machine-readable status of one pipeline.
type StatusResult struct {
	*checkpoint.RunState
	HardStops int64 `json:"hardStops"`
}

// HardStopEntry is one parked envelope.
type HardStopEntry struct {
	MessageID  string                 `json:"messageId"`
	EnqueuedAt time.Time              `json:"enqueuedAt"`
	Entity     string                 `json:"entity"`
	Envelope   dataflow.RetryEnvelope `json:"envelope"`
}

// GetStatusResults returns the status of every pipeline with its hard-stop count.
func (o *Orchestrator) GetStatusResults(ctx context.Context) ([]StatusResult, error) {
	snap, err := o.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]StatusResult, 0, len(snap.States))
	for _, st := range snap.States {
		results = append(results, StatusResult{RunState: st, HardStops: snap.HardStops[st.Pipeline]})
	}
	return results, nil
}

// ShowStatus prints a status table of every pipeline.
func (o *Orchestrator) ShowStatus(ctx context.Context, w io.Writer) error {
	results, err := o.GetStatusResults(ctx)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(w, "No pipelines configured")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PIPELINE\tVARIANT\tSTATUS\tPROCESSED\tCHILDREN\tERRORS\tHARD-STOPS\tCURSOR\tUPDATED")
	for _, r := range results {
		processed := fmt.Sprintf("%d", r.ProcessedCount)
		if r.TotalCount > 0 {
			processed = fmt.Sprintf("%d/%d", r.ProcessedCount, r.TotalCount)
		}
		updated := "-"
		if !r.LastUpdatedAt.IsZero() {
			updated = r.LastUpdatedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			r.Pipeline, r.Variant, r.Status, processed, r.SecondaryProcessedCount,
			r.ErrorCount, r.HardStops, orDash(r.Cursor), updated)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, r := range results {
		if r.LastError != "" {
			fmt.Fprintf(w, "\n%s last error: %s\n", r.Pipeline, r.LastError)
		}
		if r.Status == checkpoint.StatusInProgress && r.TotalPartitions > 0 {
			fmt.Fprintf(w, "%s: %d/%d partitions committed\n", r.Pipeline, len(r.CompletedPartitions), r.TotalPartitions)
		}
	}
	return nil
}

// Reset deletes the run state of pipeline so the next trigger starts fresh.
func (o *Orchestrator) Reset(ctx context.Context, pipeline string) error {
	if _, err := o.pipelineConfig(pipeline); err != nil {
		return err
	}
	err := o.store.Delete(ctx, pipeline)
	if errors.Is(err, checkpoint.ErrNotFound) {
		o.log.Info("%s: no state to reset", pipeline)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resetting %s: %w", pipeline, err)
	}
	o.log.Info("%s: state deleted", pipeline)
	return nil
}

// Halt marks an in-progress run FAILED. Stages drop further work for it and
// triggers are ignored until Reset. A run that never started has nothing to
// halt.
func (o *Orchestrator) Halt(ctx context.Context, pipeline, reason string) (*checkpoint.RunState, error) {
	if _, err := o.pipelineConfig(pipeline); err != nil {
		return nil, err
	}

	if reason == "" {
		reason = "halted by operator"
	}
	st, err := checkpoint.Mutate(ctx, o.store, pipeline, func(st *checkpoint.RunState) error {
		switch st.Status {
		case checkpoint.StatusFailed:
			return checkpoint.ErrSkip
		case checkpoint.StatusCompleted:
			return fmt.Errorf("%w: %s is completed", checkpoint.ErrInvalidUpdate, pipeline)
		case checkpoint.StatusNotStarted:
			return fmt.Errorf("%w: %s has not started", checkpoint.ErrInvalidUpdate, pipeline)
		}
		st.Status = checkpoint.StatusFailed
		st.LastError = reason
		return nil
	})
	if errors.Is(err, checkpoint.ErrSkip) {
		return o.Status(ctx, pipeline)
	}
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s has not started", checkpoint.ErrInvalidUpdate, pipeline)
	}
	if err != nil {
		return nil, fmt.Errorf("halting %s: %w", pipeline, err)
	}
	o.metrics.SetStatus(pipeline, string(st.Status))
	o.log.Warn("%s: halted (%s)", pipeline, reason)
	return st, nil
}

// HardStops lists up to limit parked envelopes without removing them.
func (o *Orchestrator) HardStops(ctx context.Context, pipeline string, limit int) ([]HardStopEntry, error) {
	channels, ok := o.channels[pipeline]
	if !ok {
		return nil, fmt.Errorf("%w: %s", dataflow.ErrUnknownPipeline, pipeline)
	}
	msgs, err := o.queue.Peek(ctx, channels.HardStop.Name(), limit)
	if err != nil {
		return nil, fmt.Errorf("reading hard-stops of %s: %w", pipeline, err)
	}
	entries := make([]HardStopEntry, 0, len(msgs))
	for i := range msgs {
		var env dataflow.RetryEnvelope
		if err := queue.Decode(&msgs[i], &env); err != nil {
			o.log.Warn("%v", err)
			continue
		}
		entries = append(entries, HardStopEntry{
			MessageID:  msgs[i].ID,
			EnqueuedAt: msgs[i].EnqueuedAt,
			Entity:     env.Entity(),
			Envelope:   env,
		})
	}
	return entries, nil
}

// Requeue moves up to limit parked envelopes back into the pipeline (limit
// <= 0 moves all). Record envelopes restart their retry budget.
func (o *Orchestrator) Requeue(ctx context.Context, pipeline string, limit int) (int, error) {
	pc, err := o.pipelineConfig(pipeline)
	if err != nil {
		return 0, err
	}
	// requeueing only publishes, so no source or destination is needed
	p := dataflow.NewPipeline(pc, o.store, o.channels[pipeline], nil, nil, nil, o.metrics, o.notifier)
	hardStop := o.channels[pipeline].HardStop.Name()

	moved := 0
	for limit <= 0 || moved < limit {
		msg, err := o.queue.Receive(ctx, hardStop, 0)
		if err != nil {
			return moved, fmt.Errorf("reading %s: %w", hardStop, err)
		}
		if msg == nil {
			break
		}

		var env dataflow.RetryEnvelope
		if err := queue.Decode(msg, &env); err != nil {
			o.nack(ctx, msg)
			return moved, err
		}
		if err := dataflow.Requeue(ctx, p, env); err != nil {
			o.nack(ctx, msg)
			return moved, fmt.Errorf("requeueing %s: %w", env.Entity(), err)
		}
		if err := o.queue.Ack(ctx, msg); err != nil {
			return moved, fmt.Errorf("removing %s from %s: %w", msg.ID, hardStop, err)
		}
		o.log.Info("%s: requeued %s", pipeline, env.Entity())
		moved++
	}
	return moved, nil
}

func (o *Orchestrator) nack(ctx context.Context, msg *queue.Message) {
	if err := o.queue.Nack(context.WithoutCancel(ctx), msg); err != nil {
		o.log.Warn("returning %s to %s: %v", msg.ID, msg.Channel, err)
	}
}

// Inspect returns the primary document written for a legacy id.
func (o *Orchestrator) Inspect(ctx context.Context, pipeline, legacyID string) (*target.Document, error) {
	pc, err := o.pipelineConfig(pipeline)
	if err != nil {
		return nil, err
	}
	if o.destination == nil {
		return nil, errors.New("not connected to destination")
	}
	return o.destination.FindByLegacyID(ctx, pc.Target.Collection, legacyID)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
