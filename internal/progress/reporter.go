package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/logging"
)

// ProgressUpdate is one JSON progress line for unattended runs.
type ProgressUpdate struct {
	Timestamp          string  `json:"timestamp"`
	Phase              string  `json:"phase"`
	Pipeline           string  `json:"pipeline"`
	Status             string  `json:"status"`
	RecordsProcessed   int64   `json:"records_processed"`
	ChildrenProcessed  int64   `json:"children_processed,omitempty"`
	ErrorCount         int64   `json:"error_count,omitempty"`
	RecordsTotal       int64   `json:"records_total,omitempty"`
	PartitionsComplete int     `json:"partitions_complete,omitempty"`
	PartitionsTotal    int     `json:"partitions_total,omitempty"`
	ProgressPct        float64 `json:"progress_pct,omitempty"`
	RecordsPerSecond   int64   `json:"records_per_second,omitempty"`
	Cursor             string  `json:"cursor,omitempty"`
}

// Reporter defines the interface for progress reporting.
type Reporter interface {
	// Report emits a progress update (may be throttled)
	Report(update ProgressUpdate)
	// ReportImmediate emits a progress update immediately, bypassing throttling
	ReportImmediate(update ProgressUpdate)
	Close()
}

// JSONReporter writes throttled JSON progress lines, typically to stderr.
type JSONReporter struct {
	writer     io.Writer
	mu         sync.Mutex
	interval   time.Duration
	lastReport time.Time
	closed     bool
}

// NewJSONReporter creates a reporter that emits at most one line per interval.
func NewJSONReporter(writer io.Writer, interval time.Duration) *JSONReporter {
	if writer == nil {
		writer = os.Stderr
	}
	return &JSONReporter{writer: writer, interval: interval}
}

func (r *JSONReporter) Report(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	now := time.Now()
	if r.interval > 0 && !r.lastReport.IsZero() && now.Sub(r.lastReport) < r.interval {
		return
	}
	r.write(update, now)
}

func (r *JSONReporter) ReportImmediate(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.write(update, time.Now())
}

// write must be called with r.mu held
func (r *JSONReporter) write(update ProgressUpdate, now time.Time) {
	if update.Timestamp == "" {
		update.Timestamp = now.Format(time.RFC3339)
	}
	data, err := json.Marshal(update)
	if err != nil {
		logging.Warn("Failed to marshal progress update: %v", err)
		return
	}
	fmt.Fprintln(r.writer, string(data))
	r.lastReport = now
}

// Close stops further output.
func (r *JSONReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// NullReporter is a no-op reporter for when progress reporting is disabled.
type NullReporter struct{}

func (r *NullReporter) Report(ProgressUpdate)          {}
func (r *NullReporter) ReportImmediate(ProgressUpdate) {}
func (r *NullReporter) Close()                         {}
