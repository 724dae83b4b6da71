package stats

import (
	"database/sql"
	"testing"
	"time"
)

func TestFromDB(t *testing.T) {
	s := FromDB("source", "mssql", sql.DBStats{
		MaxOpenConnections: 8,
		InUse:              3,
		Idle:               2,
		WaitCount:          4,
		WaitDuration:       100 * time.Millisecond,
	})

	if s.MaxConns != 8 || s.ActiveConns != 3 || s.IdleConns != 2 {
		t.Errorf("unexpected counts: %+v", s)
	}
	if s.AvgWaitMs() != 25 {
		t.Errorf("AvgWaitMs() = %v, want 25", s.AvgWaitMs())
	}
	want := "source (mssql): 3/8 active, 2 idle, 4 waits (25.0ms avg)"
	if got := s.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestAvgWaitWithoutWaits(t *testing.T) {
	s := PoolStats{WaitTimeMs: 0}
	if s.AvgWaitMs() != 0 {
		t.Errorf("AvgWaitMs() = %v, want 0", s.AvgWaitMs())
	}
}
