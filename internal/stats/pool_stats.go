// Package stats summarizes connection pool usage of the source and
// destination databases.
package stats

import (
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolStats is a driver-neutral view of one connection pool.
type PoolStats struct {
	Name        string // "source" or "destination"
	DBType      string // "mssql" or "postgres"
	MaxConns    int
	ActiveConns int
	IdleConns   int
	WaitCount   int64
	WaitTimeMs  int64
}

// Reporter is implemented by backends that can describe their pool.
type Reporter interface {
	PoolStats() PoolStats
}

// FromDB converts database/sql pool statistics.
func FromDB(name, dbType string, s sql.DBStats) PoolStats {
	return PoolStats{
		Name:        name,
		DBType:      dbType,
		MaxConns:    s.MaxOpenConnections,
		ActiveConns: s.InUse,
		IdleConns:   s.Idle,
		WaitCount:   s.WaitCount,
		WaitTimeMs:  s.WaitDuration.Milliseconds(),
	}
}

// FromPGX converts pgxpool statistics.
func FromPGX(name string, s *pgxpool.Stat) PoolStats {
	return PoolStats{
		Name:        name,
		DBType:      "postgres",
		MaxConns:    int(s.MaxConns()),
		ActiveConns: int(s.AcquiredConns()),
		IdleConns:   int(s.IdleConns()),
		WaitCount:   s.EmptyAcquireCount(),
		WaitTimeMs:  s.AcquireDuration().Milliseconds(),
	}
}

// AvgWaitMs is the mean time spent waiting for a connection.
func (s PoolStats) AvgWaitMs() float64 {
	return float64(s.WaitTimeMs) / float64(max(s.WaitCount, 1))
}

// String returns a formatted string for logging pool stats.
func (s PoolStats) String() string {
	return fmt.Sprintf("%s (%s): %d/%d active, %d idle, %d waits (%.1fms avg)",
		s.Name, s.DBType, s.ActiveConns, s.MaxConns, s.IdleConns, s.WaitCount, s.AvgWaitMs())
}
