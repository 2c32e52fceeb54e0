package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// BuildDBCheck returns the readiness probe for the database pool. A nil pool
// (persistence not wired) reads as not ready.
func BuildDBCheck(pool Pinger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
}
