// Package orchestrator assembles the dataflow service from configuration and
// exposes what the CLI and the HTTP server need.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/checkpoint"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/config"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/dataflow"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/logging"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/metrics"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/notify"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/queue"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/source"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/target"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/transform"
)

// Options overrides parts of the configuration for one invocation.
type Options struct {
	// QueueBackend replaces queue.backend (e.g. "memory" for a local run)
	QueueBackend string
	// StateFile switches the state store to the YAML file backend
	StateFile string
}

// Destination is the document store as the orchestrator uses it.
type Destination interface {
	dataflow.Destination
	FindByLegacyID(ctx context.Context, collection, legacyID string) (*target.Document, error)
	Ping(ctx context.Context) error
	Close() error
}

// Orchestrator owns every shared resource of the process. The control plane
// (state store and queue) is opened by New; the data plane (legacy source and
// destination) by Connect.
type Orchestrator struct {
	config   *config.Config
	store    checkpoint.Store
	queue    queue.Queue
	registry *prometheus.Registry
	metrics  *metrics.Collector
	notifier notify.Provider
	channels map[string]queue.Channels

	sourceDB    *sql.DB
	destination Destination
	pipelines   map[string]*dataflow.Pipeline

	log logging.Component
}

// New opens the state store and the queue.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Orchestrator, error) {
	store, err := openStore(ctx, cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	q, err := openQueue(ctx, cfg, opts)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening queue: %w", err)
	}

	return newOrchestrator(cfg, store, q, notify.New(&cfg.Slack)), nil
}

func newOrchestrator(cfg *config.Config, store checkpoint.Store, q queue.Queue, n notify.Provider) *Orchestrator {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	channels := make(map[string]queue.Channels, len(cfg.Pipelines))
	for _, p := range cfg.Pipelines {
		channels[p.Name] = queue.ChannelsFor(q, p.Name)
	}

	return &Orchestrator{
		config:   cfg,
		store:    store,
		queue:    q,
		registry: reg,
		metrics:  metrics.New(reg),
		notifier: n,
		channels: channels,
		log:      logging.For("orchestrator"),
	}
}

func openStore(ctx context.Context, cfg *config.Config, opts Options) (checkpoint.Store, error) {
	if opts.StateFile != "" {
		return checkpoint.NewFileState(opts.StateFile)
	}
	switch cfg.State.Backend {
	case "file":
		return checkpoint.NewFileState(cfg.State.File)
	case "mongo":
		return checkpoint.NewMongoStore(ctx, cfg.State.MongoURI, cfg.State.Database, cfg.State.Collection)
	default:
		return checkpoint.New(cfg.State.DataDir)
	}
}

func openQueue(ctx context.Context, cfg *config.Config, opts Options) (queue.Queue, error) {
	backend := cfg.Queue.Backend
	if opts.QueueBackend != "" {
		backend = opts.QueueBackend
	}
	switch backend {
	case "memory":
		return queue.NewMemory(), nil
	case "redis":
		return queue.NewRedis(ctx, queue.RedisOptions{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
			Prefix:   cfg.Queue.Prefix,
			Lease:    cfg.Queue.VisibilityTimeout,
		})
	case "sqlite":
		return queue.NewSQLite(cfg.Queue.DataDir, cfg.Queue.VisibilityTimeout)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", backend)
	}
}

// Connect opens the legacy source and the destination and assembles the
// pipelines. Commands that only read state never call it.
func (o *Orchestrator) Connect(ctx context.Context) error {
	if o.pipelines != nil {
		return nil
	}

	db, err := source.Open(ctx, o.config)
	if err != nil {
		return fmt.Errorf("connecting to source: %w", err)
	}

	dest, err := openDestination(ctx, o.config)
	if err != nil {
		db.Close()
		return fmt.Errorf("connecting to destination: %w", err)
	}

	o.sourceDB = db
	schema := o.config.Source.Schema
	o.assemble(func(p *config.PipelineConfig) dataflow.SourceGateway {
		return source.NewMSSQLGateway(db, schema, p.Source)
	}, dest)
	return nil
}

func openDestination(ctx context.Context, cfg *config.Config) (Destination, error) {
	switch cfg.Destination.Type {
	case "postgres":
		return target.NewPostgresDestination(ctx, cfg.DestinationDSN(), cfg.Destination.Schema, cfg.Destination.MaxConnections)
	default:
		return target.NewMongoDestination(ctx, cfg.Destination.URI, cfg.Destination.Database)
	}
}

// assemble builds one pipeline per configured dataflow.
func (o *Orchestrator) assemble(newSource func(*config.PipelineConfig) dataflow.SourceGateway, dest Destination) {
	o.destination = dest
	o.pipelines = make(map[string]*dataflow.Pipeline, len(o.config.Pipelines))
	for i := range o.config.Pipelines {
		pc := &o.config.Pipelines[i]
		o.pipelines[pc.Name] = dataflow.NewPipeline(pc, o.store, o.channels[pc.Name],
			newSource(pc), dest, transform.New(pc), o.metrics, o.notifier)
	}
}

// Close releases all resources
func (o *Orchestrator) Close() {
	if o.destination != nil {
		if err := o.destination.Close(); err != nil {
			o.log.Warn("closing destination: %v", err)
		}
	}
	if o.sourceDB != nil {
		o.sourceDB.Close()
	}
	if err := o.queue.Close(); err != nil {
		o.log.Warn("closing queue: %v", err)
	}
	if err := o.store.Close(); err != nil {
		o.log.Warn("closing state store: %v", err)
	}
}

// Registry returns the Prometheus registry of the process.
func (o *Orchestrator) Registry() *prometheus.Registry {
	return o.registry
}

func (o *Orchestrator) pipelineConfig(name string) (*config.PipelineConfig, error) {
	pc, err := o.config.Pipeline(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", dataflow.ErrUnknownPipeline, name)
	}
	return pc, nil
}

func (o *Orchestrator) pipeline(name string) (*dataflow.Pipeline, error) {
	if _, err := o.pipelineConfig(name); err != nil {
		return nil, err
	}
	if o.pipelines == nil {
		return nil, errors.New("not connected to source and destination")
	}
	return o.pipelines[name], nil
}

// Trigger queues a start message for pipeline.
func (o *Orchestrator) Trigger(ctx context.Context, pipeline, trigger, requestID string) (dataflow.StartMessage, error) {
	channels, ok := o.channels[pipeline]
	if !ok {
		return dataflow.StartMessage{}, fmt.Errorf("%w: %s", dataflow.ErrUnknownPipeline, pipeline)
	}
	msg := dataflow.StartMessage{
		Pipeline:    pipeline,
		Trigger:     trigger,
		RequestID:   requestID,
		RequestedAt: time.Now().UTC(),
	}
	if err := channels.Start.Send(ctx, msg); err != nil {
		return dataflow.StartMessage{}, err
	}
	o.log.Info("%s: start queued by %s trigger (%s)", pipeline, trigger, requestID)
	return msg, nil
}

// Status returns the persisted run state of pipeline, or a NOT_STARTED view
// when it has never run.
func (o *Orchestrator) Status(ctx context.Context, pipeline string) (*checkpoint.RunState, error) {
	pc, err := o.pipelineConfig(pipeline)
	if err != nil {
		return nil, err
	}
	st, err := o.store.Get(ctx, pipeline)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return checkpoint.NewRunState(pc.Name, pc.Variant, pc.Variant == config.VariantChanged), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state of %s: %w", pipeline, err)
	}
	return st, nil
}

// StatusAll returns the state of every configured pipeline in config order.
func (o *Orchestrator) StatusAll(ctx context.Context) ([]*checkpoint.RunState, error) {
	states := make([]*checkpoint.RunState, 0, len(o.config.Pipelines))
	for _, name := range o.config.PipelineNames() {
		st, err := o.Status(ctx, name)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, nil
}

// HardStopCount returns the number of envelopes parked for pipeline.
func (o *Orchestrator) HardStopCount(ctx context.Context, pipeline string) (int64, error) {
	channels, ok := o.channels[pipeline]
	if !ok {
		return 0, fmt.Errorf("%w: %s", dataflow.ErrUnknownPipeline, pipeline)
	}
	return channels.HardStop.Len(ctx)
}

// channelNames returns every channel of every pipeline, sorted.
func (o *Orchestrator) channelNames() []string {
	var names []string
	for _, ch := range o.channels {
		names = append(names,
			ch.Start.Name(), ch.Page.Name(), ch.DLQ.Name(), ch.Retry.Name(), ch.HardStop.Name())
	}
	sort.Strings(names)
	return names
}
