package notify

import (
	"context"
	"time"
)

// Provider defines the notification contract for pipeline events.
// This interface allows for different notification backends and enables
// easier testing through mock implementations.
type Provider interface {
	// HardStop reports an entity that exhausted its retries or a unit of
	// work that needs a manual requeue.
	HardStop(ctx context.Context, pipeline, entity, stage, cause string, retryCount int) error

	// RunCompleted reports a run or sync cycle reaching COMPLETED.
	RunCompleted(ctx context.Context, pipeline string, startedAt time.Time, processed, secondary, errors int64) error

	// StartFailed reports a dispatcher failure that left the run NOT_STARTED.
	StartFailed(ctx context.Context, pipeline string, err error) error
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)
