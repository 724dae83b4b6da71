package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/config"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/dataflow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingStarter struct {
	mu    sync.Mutex
	calls []dataflow.StartMessage
	err   error
	fired chan struct{}
}

func newRecordingStarter() *recordingStarter {
	return &recordingStarter{fired: make(chan struct{}, 16)}
}

func (r *recordingStarter) Trigger(_ context.Context, pipeline, trigger, requestID string) (dataflow.StartMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return dataflow.StartMessage{}, r.err
	}
	msg := dataflow.StartMessage{Pipeline: pipeline, Trigger: trigger, RequestID: requestID}
	r.calls = append(r.calls, msg)
	select {
	case r.fired <- struct{}{}:
	default:
	}
	return msg, nil
}

func (r *recordingStarter) snapshot() []dataflow.StartMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dataflow.StartMessage(nil), r.calls...)
}

func TestNewRegistersOnlyScheduledPipelines(t *testing.T) {
	s, err := New([]config.PipelineConfig{
		{Name: "cases", Schedule: "0 30 9 * * *"},
		{Name: "trustees"},
	}, newRecordingStarter())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
}

func TestNewRejectsBadExpression(t *testing.T) {
	_, err := New([]config.PipelineConfig{{Name: "cases", Schedule: "every morning"}}, newRecordingStarter())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduling cases")
}

func TestFireQueuesTimerStart(t *testing.T) {
	starter := newRecordingStarter()
	s, err := New(nil, starter)
	require.NoError(t, err)

	s.Fire(context.Background(), "cases")

	calls := starter.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "cases", calls[0].Pipeline)
	assert.Equal(t, Trigger, calls[0].Trigger)
	assert.NotEmpty(t, calls[0].RequestID)
}

func TestFireSwallowsTriggerErrors(t *testing.T) {
	starter := newRecordingStarter()
	starter.err = errors.New("queue unavailable")
	s, err := New(nil, starter)
	require.NoError(t, err)

	s.Fire(context.Background(), "cases")
	assert.Empty(t, starter.snapshot())
}

func TestRunFiresOnSchedule(t *testing.T) {
	starter := newRecordingStarter()
	s, err := New([]config.PipelineConfig{{Name: "cases", Schedule: "* * * * * *"}}, starter)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-starter.fired:
	case <-time.After(3 * time.Second):
		t.Fatal("schedule did not fire")
	}
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, "cases", starter.snapshot()[0].Pipeline)
}

func TestRunWithoutEntriesWaitsForCancel(t *testing.T) {
	s, err := New(nil, newRecordingStarter())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.Run(ctx))
}
