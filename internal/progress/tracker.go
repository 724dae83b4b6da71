package progress

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/checkpoint"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/logging"
)

// IsTerminal reports whether f is attached to a terminal
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Tracker follows one pipeline run from its persisted state
type Tracker struct {
	pipeline  string
	reporter  Reporter
	startTime time.Time
	bar       *progressbar.ProgressBar
	barMax    int64

	mu   sync.Mutex
	last *checkpoint.RunState
}

// New creates a tracker. With interactive set it draws a progress bar on
// stderr; otherwise snapshots go to reporter.
func New(pipeline string, interactive bool, reporter Reporter) *Tracker {
	if reporter == nil {
		reporter = &NullReporter{}
	}
	t := &Tracker{pipeline: pipeline, reporter: reporter, startTime: time.Now()}
	if interactive {
		t.bar = newBar(pipeline, -1)
		t.barMax = -1
	}
	return t
}

func newBar(pipeline string, total int64) *progressbar.ProgressBar {
	return progressbar.NewOptions64(
		total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(fmt.Sprintf("Migrating %s", pipeline)),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("records"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Observe updates the display from a state snapshot
func (t *Tracker) Observe(st *checkpoint.RunState) {
	if st == nil {
		return
	}
	t.mu.Lock()
	t.last = st.Clone()
	t.mu.Unlock()

	done := st.ProcessedCount + st.ErrorCount
	if t.bar != nil {
		// range plans know their total up front; cursor runs stay a spinner
		if st.TotalCount > 0 && st.TotalCount != t.barMax {
			t.bar.ChangeMax64(st.TotalCount)
			t.barMax = st.TotalCount
		}
		_ = t.bar.Set64(done)
		if st.ErrorCount > 0 {
			t.bar.Describe(fmt.Sprintf("Migrating %s (%d errors)", t.pipeline, st.ErrorCount))
		}
	}
	t.reporter.Report(t.snapshot(st, "running"))
}

// Current returns the last observed state, or nil
func (t *Tracker) Current() *checkpoint.RunState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return nil
	}
	return t.last.Clone()
}

// Finish closes the display and logs the run summary
func (t *Tracker) Finish(st *checkpoint.RunState) {
	if st == nil {
		st = t.Current()
	}
	if t.bar != nil {
		_ = t.bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
	if st == nil {
		t.reporter.Close()
		return
	}

	t.reporter.ReportImmediate(t.snapshot(st, "finished"))
	t.reporter.Close()

	elapsed := time.Since(t.startTime)
	rate := float64(st.ProcessedCount) / elapsed.Seconds()
	logging.Info("%s %s: %d records, %d child records, %d errors in %s (%.0f records/sec)",
		t.pipeline, st.Status, st.ProcessedCount, st.SecondaryProcessedCount, st.ErrorCount,
		elapsed.Round(time.Second), rate)
}

func (t *Tracker) snapshot(st *checkpoint.RunState, phase string) ProgressUpdate {
	u := ProgressUpdate{
		Phase:              phase,
		Pipeline:           t.pipeline,
		Status:             string(st.Status),
		RecordsProcessed:   st.ProcessedCount,
		ChildrenProcessed:  st.SecondaryProcessedCount,
		ErrorCount:         st.ErrorCount,
		RecordsTotal:       st.TotalCount,
		PartitionsComplete: len(st.CompletedPartitions),
		PartitionsTotal:    st.TotalPartitions,
		Cursor:             st.Cursor,
	}
	if st.TotalCount > 0 {
		u.ProgressPct = float64(st.ProcessedCount+st.ErrorCount) / float64(st.TotalCount) * 100
	}
	if secs := time.Since(t.startTime).Seconds(); secs > 0 {
		u.RecordsPerSecond = int64(float64(st.ProcessedCount) / secs)
	}
	return u
}
