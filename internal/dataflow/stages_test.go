package dataflow

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/checkpoint"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/config"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/queue"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/source"
)

func TestCursorRunMigratesEveryRecord(t *testing.T) {
	h := newHarness(t, config.VariantCursor, 3, records(7))

	h.start()
	h.drain()

	st := h.state()
	assert.Equal(t, checkpoint.StatusCompleted, st.Status)
	assert.Equal(t, int64(7), st.ProcessedCount)
	assert.Equal(t, "7", st.Cursor)
	assert.Equal(t, 7, h.dest.count())
	assert.Equal(t, 1, h.notifier.count("completed"))
}

func TestCursorRunCompletesOnEmptySource(t *testing.T) {
	h := newHarness(t, config.VariantCursor, 3, nil)

	h.start()
	h.drain()

	st := h.state()
	assert.Equal(t, checkpoint.StatusCompleted, st.Status)
	assert.Zero(t, st.ProcessedCount)
	assert.Empty(t, st.Cursor)
}

func TestRangeRunTilesStagedRows(t *testing.T) {
	h := newHarness(t, config.VariantRange, 1000, records(2500))

	h.start()
	assert.Equal(t, int64(3), h.depth(h.p.Channels.Page))

	st := h.state()
	assert.Equal(t, checkpoint.StatusInProgress, st.Status)
	assert.Equal(t, int64(2500), st.TotalCount)
	assert.Equal(t, 3, st.TotalPartitions)

	h.drain()

	st = h.state()
	assert.Equal(t, checkpoint.StatusCompleted, st.Status)
	assert.Equal(t, int64(2500), st.ProcessedCount)
	assert.Equal(t, []int64{1, 1001, 2001}, st.CompletedPartitions)
	assert.Equal(t, "2500", st.Cursor)
	assert.Equal(t, 2500, h.dest.count())
}

func TestRangeRunWithNothingStagedIsNoOp(t *testing.T) {
	h := newHarness(t, config.VariantRange, 10, nil)

	h.start()

	assert.Equal(t, checkpoint.StatusNotStarted, h.state().Status)
	assert.Zero(t, h.depth(h.p.Channels.Page))
}

func TestDuplicateRecordsInPageAreWrittenOnce(t *testing.T) {
	recs := []source.Record{record("1"), record("1"), record("2")}
	h := newHarness(t, config.VariantRange, 10, recs)

	h.start()
	h.drain()

	st := h.state()
	assert.Equal(t, int64(2), st.ProcessedCount)
	assert.Zero(t, st.ErrorCount)
	assert.Equal(t, 2, h.dest.upsertCount())
}

func TestPartialBatchSurvivesOneFailure(t *testing.T) {
	h := newHarness(t, config.VariantRange, 10, records(10))
	h.dest.failures["5"] = -1

	h.start()
	h.drain()

	st := h.state()
	assert.Equal(t, checkpoint.StatusCompleted, st.Status)
	assert.Equal(t, int64(9), st.ProcessedCount)
	assert.Equal(t, int64(1), st.ErrorCount)
	assert.Equal(t, 9, h.dest.count())

	// one page attempt plus three retries, then parked exactly once
	assert.Equal(t, 4, h.dest.attemptsFor("5"))
	stops := h.hardStops()
	require.Len(t, stops, 1)
	assert.Equal(t, "5", stops[0].Entity())
	assert.Equal(t, 4, stops[0].RetryCount)
	assert.Equal(t, StageRetry, stops[0].Failure.Stage)
	assert.Equal(t, "upsert", stops[0].Failure.Activity)
	assert.Equal(t, 1, h.notifier.count("hard-stop"))
}

func TestRetryRecoversTransientFailure(t *testing.T) {
	h := newHarness(t, config.VariantCursor, 5, records(5))
	h.dest.failures["3"] = 2

	h.start()
	h.drain()

	st := h.state()
	assert.Equal(t, int64(5), st.ProcessedCount)
	assert.Equal(t, int64(1), st.ErrorCount)
	assert.Equal(t, 5, h.dest.count())
	assert.Equal(t, 3, h.dest.attemptsFor("3"))
	assert.Empty(t, h.hardStops())
}

func TestRetryStageBoundsAttempts(t *testing.T) {
	h := newHarness(t, config.VariantCursor, 5, records(1))
	h.dest.failures["1"] = -1
	ctx := context.Background()
	rs := NewRetryStage(h.p, NewPageProcessor(h.p))
	rec := record("1")

	for count := 0; count < 3; count++ {
		env := RetryEnvelope{Pipeline: h.p.Name, Event: &SyncEvent{Kind: EventMigration, EntityID: "1", Payload: &rec}, RetryCount: count}
		require.NoError(t, rs.Retry(ctx, env))
	}
	assert.Equal(t, 3, h.dest.attemptsFor("1"))
	assert.Equal(t, int64(3), h.depth(h.p.Channels.DLQ))
	assert.Empty(t, h.hardStops())

	env := RetryEnvelope{Pipeline: h.p.Name, Event: &SyncEvent{Kind: EventMigration, EntityID: "1", Payload: &rec}, RetryCount: 3}
	require.NoError(t, rs.Retry(ctx, env))
	assert.Equal(t, 3, h.dest.attemptsFor("1"), "no attempt past the limit")
	assert.Len(t, h.hardStops(), 1)
}

func TestRetryFetchesMissingPayload(t *testing.T) {
	h := newHarness(t, config.VariantCursor, 5, records(3))
	ctx := context.Background()
	h.start()
	h.drain()
	before := h.state().ProcessedCount

	rs := NewRetryStage(h.p, NewPageProcessor(h.p))
	require.NoError(t, rs.Retry(ctx, RetryEnvelope{Pipeline: h.p.Name, Event: &SyncEvent{Kind: EventMigration, EntityID: "2"}}))
	assert.Equal(t, before+1, h.state().ProcessedCount)

	require.NoError(t, rs.Retry(ctx, RetryEnvelope{Pipeline: h.p.Name, Event: &SyncEvent{Kind: EventMigration, EntityID: "404"}}))
	assert.Equal(t, int64(1), h.depth(h.p.Channels.DLQ))
}

func TestStartFailureLeavesRunNotStarted(t *testing.T) {
	h := newHarness(t, config.VariantRange, 10, records(10))
	h.src.loadErr = errBoom

	h.start()

	assert.Equal(t, checkpoint.StatusNotStarted, h.state().Status)
	assert.Zero(t, h.depth(h.p.Channels.Page))
	assert.Equal(t, int64(1), h.depth(h.p.Channels.DLQ))
	assert.Equal(t, 1, h.notifier.count("start-failed"))

	h.drain()
	stops := h.hardStops()
	require.Len(t, stops, 1)
	assert.Nil(t, stops[0].Event)
	assert.Equal(t, StageStart, stops[0].Failure.Stage)
	assert.Equal(t, "load-staging", stops[0].Failure.Activity)

	// a fixed source and a requeue start the run
	h.src.loadErr = nil
	require.NoError(t, Requeue(context.Background(), h.p, stops[0]))
	h.drain()
	assert.Equal(t, checkpoint.StatusCompleted, h.state().Status)
	assert.Equal(t, int64(10), h.state().ProcessedCount)
}

func TestRangeRunResumesAfterCrash(t *testing.T) {
	h := newHarness(t, config.VariantRange, 10, records(30))

	h.start()
	require.True(t, h.step(h.p.Channels.Page))
	require.Equal(t, 2, h.discard(h.p.Channels.Page))
	require.Equal(t, []int64{1}, h.state().CompletedPartitions)

	h.start()
	assert.Equal(t, int64(2), h.depth(h.p.Channels.Page), "only outstanding partitions are re-emitted")
	h.drain()

	st := h.state()
	assert.Equal(t, checkpoint.StatusCompleted, st.Status)
	assert.Equal(t, int64(30), st.ProcessedCount)
	assert.Equal(t, 30, h.dest.upsertCount(), "committed partitions are not rewritten")
}

func TestCursorRunResumesAfterCrash(t *testing.T) {
	h := newHarness(t, config.VariantCursor, 3, records(7))

	h.start()
	require.True(t, h.step(h.p.Channels.Page))
	require.Equal(t, 1, h.discard(h.p.Channels.Page))
	require.Equal(t, "3", h.state().Cursor)

	h.start()
	h.drain()

	st := h.state()
	assert.Equal(t, checkpoint.StatusCompleted, st.Status)
	assert.Equal(t, int64(7), st.ProcessedCount)
	assert.Equal(t, 7, h.dest.upsertCount())
}

func TestStalePartitionsAreDropped(t *testing.T) {
	h := newHarness(t, config.VariantRange, 10, records(20))
	ctx := context.Background()
	pages := NewPageProcessor(h.p)

	h.start()
	st := h.state()

	// planned by some other run
	require.NoError(t, pages.Process(ctx, RangePartition(1, 10, cycleOf(st)+1)))
	assert.Zero(t, h.state().ProcessedCount)

	// delivered twice
	require.NoError(t, pages.Process(ctx, RangePartition(1, 10, cycleOf(st))))
	require.NoError(t, pages.Process(ctx, RangePartition(1, 10, cycleOf(st))))
	assert.Equal(t, int64(10), h.state().ProcessedCount)
	assert.Equal(t, 10, h.dest.upsertCount())
}

func TestCursorNeverMovesBackwards(t *testing.T) {
	h := newHarness(t, config.VariantCursor, 3, records(9))
	ctx := context.Background()

	h.start()
	require.True(t, h.step(h.p.Channels.Page))
	st := h.state()
	require.Equal(t, "3", st.Cursor)

	// a redelivered first page must not rewind the run
	require.NoError(t, NewPageProcessor(h.p).Process(ctx, CursorPartition("", cycleOf(st))))
	assert.Equal(t, "3", h.state().Cursor)
	assert.Equal(t, int64(3), h.state().ProcessedCount)
	assert.Equal(t, 3, h.dest.upsertCount())
}

func TestCursorFollowsSourceKeyOrder(t *testing.T) {
	// NVARCHAR keys under a text collation come back as 1, 10, 2, 3
	recs := []source.Record{record("1"), record("10"), record("2"), record("3")}
	h := newHarness(t, config.VariantCursor, 2, recs)

	h.start()
	h.drain()

	st := h.state()
	assert.Equal(t, checkpoint.StatusCompleted, st.Status)
	assert.Equal(t, "3", st.Cursor)
	assert.Equal(t, int64(4), st.ProcessedCount)
	assert.Equal(t, 4, h.dest.count())
	assert.Equal(t, 4, h.dest.upsertCount())
	assert.Equal(t, 2, h.src.pageFetches)
}

func TestCursorRunWithoutLookahead(t *testing.T) {
	tests := []struct {
		name        string
		records     int
		wantFetches int
	}{
		{"short final page completes", 5, 3},
		{"full final page chains an empty one", 4, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, config.VariantCursor, 2, records(tt.records))
			h.src.noLookahead = true

			h.start()
			h.drain()

			st := h.state()
			assert.Equal(t, checkpoint.StatusCompleted, st.Status)
			assert.Equal(t, strconv.Itoa(tt.records), st.Cursor)
			assert.Equal(t, int64(tt.records), st.ProcessedCount)
			assert.Equal(t, tt.records, h.dest.count())
			assert.Equal(t, tt.wantFetches, h.src.pageFetches)
			assert.Equal(t, 1, h.notifier.count("completed"))
			assert.Zero(t, h.depth(h.p.Channels.Page))
		})
	}
}

func TestCompletedMigrationIgnoresTriggers(t *testing.T) {
	h := newHarness(t, config.VariantCursor, 3, records(4))
	h.start()
	h.drain()

	h.start()

	assert.Zero(t, h.depth(h.p.Channels.Page))
	assert.Equal(t, checkpoint.StatusCompleted, h.state().Status)
}

func TestHaltedRunIgnoresTriggers(t *testing.T) {
	h := newHarness(t, config.VariantCursor, 3, records(4))
	h.start()
	h.discard(h.p.Channels.Page)
	_, err := checkpoint.Mutate(context.Background(), h.store, h.p.Name, func(s *checkpoint.RunState) error {
		s.Status = checkpoint.StatusFailed
		return nil
	})
	require.NoError(t, err)

	h.start()
	assert.Zero(t, h.depth(h.p.Channels.Page))

	require.NoError(t, NewPageProcessor(h.p).Process(context.Background(), CursorPartition("", cycleOf(h.state()))))
	assert.Zero(t, h.dest.upsertCount())
}

func TestPageFetchFailureParksPartition(t *testing.T) {
	h := newHarness(t, config.VariantRange, 10, records(20))
	h.start()
	h.src.setFetchErr(errBoom)
	h.drain()

	st := h.state()
	assert.Equal(t, checkpoint.StatusInProgress, st.Status)
	assert.Contains(t, st.LastError, "boom")
	stops := h.hardStops()
	require.Len(t, stops, 2)
	require.NotNil(t, stops[0].Failure.Partition)
	assert.Equal(t, "fetch-range", stops[0].Failure.Activity)

	h.src.setFetchErr(nil)
	for _, env := range stops {
		require.NoError(t, Requeue(context.Background(), h.p, env))
	}
	h.drain()
	assert.Equal(t, checkpoint.StatusCompleted, h.state().Status)
	assert.Equal(t, int64(20), h.state().ProcessedCount)
}

func TestSyncCyclesAdvanceWatermark(t *testing.T) {
	recs := []source.Record{record("a"), record("b"), record("c"), record("d")}
	h := newHarness(t, config.VariantChanged, 2, recs)
	h.src.changes[""] = changeSet{ids: []string{"a", "b", "c"}, next: "100"}
	h.src.changes["100"] = changeSet{ids: []string{"d"}, next: "105"}

	h.start()
	assert.Equal(t, "100", h.state().PendingCursor)
	assert.Empty(t, h.state().Cursor, "watermark moves only when the cycle completes")
	h.drain()

	st := h.state()
	assert.Equal(t, checkpoint.StatusCompleted, st.Status)
	assert.Equal(t, "100", st.Cursor)
	assert.Empty(t, st.PendingCursor)
	assert.Equal(t, int64(3), st.ProcessedCount)
	firstCycle := cycleOf(st)

	time.Sleep(2 * time.Millisecond)
	h.start()
	h.drain()

	st = h.state()
	assert.Equal(t, checkpoint.StatusCompleted, st.Status)
	assert.Equal(t, "105", st.Cursor)
	assert.Equal(t, int64(4), st.ProcessedCount)
	assert.NotEqual(t, firstCycle, cycleOf(st))

	// nothing changed since 105
	h.start()
	assert.Zero(t, h.depth(h.p.Channels.Page))
	assert.Equal(t, "105", h.state().Cursor)
}

func TestSyncWatermarkIsTakenFromSource(t *testing.T) {
	recs := []source.Record{record("a"), record("b")}
	h := newHarness(t, config.VariantChanged, 2, recs)
	// the second watermark is later in time but sorts lower as text
	h.src.changes[""] = changeSet{ids: []string{"a"}, next: "2024-01-01T09:30:00Z"}
	h.src.changes["2024-01-01T09:30:00Z"] = changeSet{ids: []string{"b"}, next: "2024-01-01T09:30:00.5Z"}

	h.start()
	h.drain()
	require.Equal(t, "2024-01-01T09:30:00Z", h.state().Cursor)

	time.Sleep(2 * time.Millisecond)
	h.start()
	assert.Equal(t, "2024-01-01T09:30:00.5Z", h.state().PendingCursor)
	h.drain()

	st := h.state()
	assert.Equal(t, checkpoint.StatusCompleted, st.Status)
	assert.Equal(t, "2024-01-01T09:30:00.5Z", st.Cursor)
	assert.Equal(t, int64(2), st.ProcessedCount)
}

func TestSyncResumeReplansUnderNewCycle(t *testing.T) {
	recs := []source.Record{record("a"), record("b"), record("c")}
	h := newHarness(t, config.VariantChanged, 1, recs)
	h.src.changes[""] = changeSet{ids: []string{"a", "b", "c"}, next: "7"}

	h.start()
	require.True(t, h.step(h.p.Channels.Page))
	old := cycleOf(h.state())

	time.Sleep(2 * time.Millisecond)
	h.start()
	assert.NotEqual(t, old, cycleOf(h.state()))
	h.drain()

	st := h.state()
	assert.Equal(t, checkpoint.StatusCompleted, st.Status)
	assert.Equal(t, "7", st.Cursor)
	assert.Equal(t, 3, st.TotalPartitions)
}

func TestErrorRouterClearsEventError(t *testing.T) {
	h := newHarness(t, config.VariantCursor, 5, nil)
	ctx := context.Background()
	qe := NewQueueError(h.p.Name, StagePage, "upsert", errBoom)
	dl := DeadLetter{Error: qe, Event: &SyncEvent{Kind: EventMigration, EntityID: "9", Error: qe}, RetryCount: 2}

	require.NoError(t, NewErrorRouter(h.p).Route(ctx, dl))

	msgs, err := h.q.Peek(ctx, h.p.Channels.Retry.Name(), 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var env RetryEnvelope
	require.NoError(t, queue.Decode(&msgs[0], &env))
	assert.Nil(t, env.Event.Error)
	assert.Equal(t, 2, env.RetryCount)
	assert.Equal(t, "upsert", env.Failure.Activity)
	assert.Equal(t, "9", env.Entity())
}
