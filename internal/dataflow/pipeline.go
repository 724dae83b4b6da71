package dataflow

import (
	"context"
	"errors"
	"time"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/checkpoint"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/config"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/notify"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/queue"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/source"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/target"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/transform"
)

// ErrUnknownPipeline is returned when a trigger names no configured pipeline
var ErrUnknownPipeline = errors.New("unknown pipeline")

// SourceGateway reads legacy records.
type SourceGateway interface {
	ClearStaging(ctx context.Context) error
	LoadStaging(ctx context.Context) error
	CountStaged(ctx context.Context) (int64, error)
	FetchPage(ctx context.Context, afterID string, pageSize int) (source.Page, error)
	FetchRange(ctx context.Context, start, end int64) ([]source.Record, error)
	FetchByIDs(ctx context.Context, ids []string) ([]source.Record, error)
	FetchRecord(ctx context.Context, id string) (*source.Record, error)
	ChangedSince(ctx context.Context, watermark string) ([]string, string, error)
}

// Destination writes documents. Upsert must be keyed so replays overwrite.
type Destination interface {
	Upsert(ctx context.Context, doc target.Document) error
}

// Transformer maps a record to documents.
type Transformer interface {
	Transform(rec source.Record) (transform.Output, error)
}

// Metrics receives stage counters.
type Metrics interface {
	RecordsProcessed(pipeline, outcome string, n int)
	PageProcessed(pipeline string)
	Routed(pipeline, stage string)
	RetryAttempted(pipeline, outcome string)
	HardStopped(pipeline string)
	ObserveStage(pipeline, stage string, d time.Duration)
	SetStatus(pipeline, status string)
}

// Pipeline is everything the stages of one dataflow share. It is assembled
// once at process start; the stages never look anything up themselves.
type Pipeline struct {
	Name        string
	Variant     string
	PageSize    int
	RetryLimit  int
	Concurrency int

	Store       checkpoint.Store
	Channels    queue.Channels
	Source      SourceGateway
	Destination Destination
	Transformer Transformer
	Metrics     Metrics
	Notifier    notify.Provider
}

// NewPipeline builds a pipeline from its config and collaborators. Nil
// metrics and notifier are replaced by no-ops.
func NewPipeline(cfg *config.PipelineConfig, store checkpoint.Store, channels queue.Channels,
	src SourceGateway, dest Destination, tr Transformer, m Metrics, n notify.Provider) *Pipeline {
	if m == nil {
		m = nopMetrics{}
	}
	if n == nil {
		n = nopNotifier{}
	}
	return &Pipeline{
		Name:        cfg.Name,
		Variant:     cfg.Variant,
		PageSize:    cfg.PageSize,
		RetryLimit:  cfg.RetryLimit,
		Concurrency: cfg.Concurrency,
		Store:       store,
		Channels:    channels,
		Source:      src,
		Destination: dest,
		Transformer: tr,
		Metrics:     m,
		Notifier:    n,
	}
}

// IsSync reports whether the pipeline keeps a sync (cyclic) run state.
func (p *Pipeline) IsSync() bool {
	return p.Variant == config.VariantChanged
}

func (p *Pipeline) freshState() *checkpoint.RunState {
	return checkpoint.NewRunState(p.Name, p.Variant, p.IsSync())
}

func (p *Pipeline) eventKind() string {
	if p.IsSync() {
		return EventChanged
	}
	return EventMigration
}

// Handler consumes one message.
type Handler func(ctx context.Context, msg *queue.Message) error

// Handlers maps each consumed channel to its stage.
func (p *Pipeline) Handlers() map[string]Handler {
	pages := NewPageProcessor(p)
	return map[string]Handler{
		p.Channels.Start.Name(): NewDispatcher(p).Handle,
		p.Channels.Page.Name():  pages.Handle,
		p.Channels.DLQ.Name():   NewErrorRouter(p).Handle,
		p.Channels.Retry.Name(): NewRetryStage(p, pages).Handle,
	}
}

// cycleOf returns the plan identity of a run.
func cycleOf(st *checkpoint.RunState) int64 {
	if st.StartedAt.IsZero() {
		return 0
	}
	return st.StartedAt.UnixMilli()
}

// stampNow returns a start time that survives every state backend unchanged.
func stampNow() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

type nopMetrics struct{}

func (nopMetrics) RecordsProcessed(string, string, int)       {}
func (nopMetrics) PageProcessed(string)                       {}
func (nopMetrics) Routed(string, string)                      {}
func (nopMetrics) RetryAttempted(string, string)              {}
func (nopMetrics) HardStopped(string)                         {}
func (nopMetrics) ObserveStage(string, string, time.Duration) {}
func (nopMetrics) SetStatus(string, string)                   {}

type nopNotifier struct{}

func (nopNotifier) HardStop(context.Context, string, string, string, string, int) error { return nil }
func (nopNotifier) RunCompleted(context.Context, string, time.Time, int64, int64, int64) error {
	return nil
}
func (nopNotifier) StartFailed(context.Context, string, error) error { return nil }
