// Package dataflow implements the queue-driven migration and sync stages:
// the dispatcher, the page processor, the error router and the retry stage.
package dataflow

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/source"
)

// Partition kinds
const (
	KindRange  = "range"
	KindCursor = "cursor"
	KindBatch  = "batch"
)

// Sync event kinds
const (
	EventMigration = "MIGRATION"
	EventChanged   = "CHANGED"
)

// Stage names used in QueueError and logs
const (
	StageStart = "start"
	StagePage  = "page"
	StageDLQ   = "dlq"
	StageRetry = "retry"
)

// Partition is the unit of work handed from the dispatcher to the page stage.
// Range partitions cover staged rows Start..End inclusive, cursor partitions
// read the page after LastID, and batch partitions carry the changed ids at
// positions Start..End of a sync cycle.
type Partition struct {
	Kind   string   `json:"kind"`
	Start  int64    `json:"start,omitempty"`
	End    int64    `json:"end,omitempty"`
	LastID string   `json:"lastId,omitempty"`
	IDs    []string `json:"ids,omitempty"`
	// Cycle ties the partition to the run that planned it (StartedAt in ms)
	Cycle int64 `json:"cycle,omitempty"`
}

// RangePartition returns the window start..end.
func RangePartition(start, end, cycle int64) Partition {
	return Partition{Kind: KindRange, Start: start, End: end, Cycle: cycle}
}

// CursorPartition returns the page after lastID.
func CursorPartition(lastID string, cycle int64) Partition {
	return Partition{Kind: KindCursor, LastID: lastID, Cycle: cycle}
}

// Key identifies a range or batch partition in the completed set.
func (p Partition) Key() int64 { return p.Start }

func (p Partition) String() string {
	switch p.Kind {
	case KindCursor:
		if p.LastID == "" {
			return "cursor(start)"
		}
		return "cursor(" + p.LastID + ")"
	case KindBatch:
		return fmt.Sprintf("batch[%d,%d]", p.Start, p.End)
	default:
		return fmt.Sprintf("range[%d,%d]", p.Start, p.End)
	}
}

// PlanRanges tiles [1, total] with windows of pageSize. The last window is
// not clipped; reading past the staged rows returns nothing.
func PlanRanges(total int64, pageSize int, cycle int64) []Partition {
	if total <= 0 || pageSize <= 0 {
		return nil
	}
	size := int64(pageSize)
	plan := make([]Partition, 0, (total+size-1)/size)
	for start := int64(1); start <= total; start += size {
		plan = append(plan, RangePartition(start, start+size-1, cycle))
	}
	return plan
}

// PlanBatches splits changed ids into batches of pageSize.
func PlanBatches(ids []string, pageSize int, cycle int64) []Partition {
	if len(ids) == 0 || pageSize <= 0 {
		return nil
	}
	var plan []Partition
	for i := 0; i < len(ids); i += pageSize {
		end := min(i+pageSize, len(ids))
		plan = append(plan, Partition{
			Kind:  KindBatch,
			Start: int64(i + 1),
			End:   int64(end),
			IDs:   append([]string(nil), ids[i:end]...),
			Cycle: cycle,
		})
	}
	return plan
}

// contiguousOffset returns the highest row n such that every range
// partition covering 1..n has committed, clipped to total.
func contiguousOffset(completed []int64, pageSize int, total int64) int64 {
	next := int64(1)
	for _, k := range completed {
		if k != next {
			break
		}
		next += int64(pageSize)
	}
	return min(next-1, total)
}

func formatOffset(n int64) string {
	if n <= 0 {
		return ""
	}
	return strconv.FormatInt(n, 10)
}

// StartMessage triggers the dispatcher.
type StartMessage struct {
	Pipeline    string    `json:"pipeline"`
	Trigger     string    `json:"trigger"` // http, timer, cli, requeue
	RequestID   string    `json:"requestId,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

// PageMessage carries one partition to the page stage.
type PageMessage struct {
	Pipeline  string    `json:"pipeline"`
	Partition Partition `json:"partition"`
}

// SyncEvent is the record-level unit of work. Error is set in place so a
// batch can carry successes and failures side by side.
type SyncEvent struct {
	Kind     string         `json:"kind"`
	EntityID string         `json:"entityId"`
	Payload  *source.Record `json:"payload,omitempty"`
	Error    *QueueError    `json:"error,omitempty"`
}

// QueueError is the one failure envelope every stage emits. It is built at
// the failure site and passed along as is.
type QueueError struct {
	Pipeline   string     `json:"pipeline"`
	Stage      string     `json:"stage"`
	Activity   string     `json:"activity"`
	Message    string     `json:"message"`
	Partition  *Partition `json:"partition,omitempty"`
	OccurredAt time.Time  `json:"occurredAt"`

	cause error
}

// NewQueueError wraps err with its failure site. An error that already
// carries a QueueError is returned unchanged.
func NewQueueError(pipeline, stage, activity string, err error) *QueueError {
	var qe *QueueError
	if errors.As(err, &qe) {
		return qe
	}
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &QueueError{
		Pipeline:   pipeline,
		Stage:      stage,
		Activity:   activity,
		Message:    msg,
		OccurredAt: time.Now().UTC(),
		cause:      err,
	}
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("%s %s/%s: %s", e.Pipeline, e.Stage, e.Activity, e.Message)
}

func (e *QueueError) Unwrap() error { return e.cause }

// DeadLetter is what the stages publish to the dlq channel.
type DeadLetter struct {
	Error      *QueueError `json:"error"`
	Event      *SyncEvent  `json:"event,omitempty"`
	RetryCount int         `json:"retryCount"`
}

// RetryEnvelope is what the router publishes to retry and what lands in
// hard-stop. Event is nil for partition and start failures.
type RetryEnvelope struct {
	Pipeline   string      `json:"pipeline"`
	Event      *SyncEvent  `json:"event,omitempty"`
	Failure    *QueueError `json:"failure"`
	RetryCount int         `json:"retryCount"`
}

// Entity names the thing an envelope is about, for logs and notifications.
func (e RetryEnvelope) Entity() string {
	switch {
	case e.Event != nil:
		return e.Event.EntityID
	case e.Failure != nil && e.Failure.Partition != nil:
		return e.Failure.Partition.String()
	default:
		return "run"
	}
}

// Result is the outcome of one item of a batch.
type Result[T any] struct {
	Value T
	Err   error
}
