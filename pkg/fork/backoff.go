package fork

import "time"

// backoff produces the wait before retry n (0-indexed), doubling from an
// initial delay and capping at max. Standard library only: none of the
// pack's dependencies (chi, pgx, redis, kafka-go, otel) address retry
// scheduling, and a doubling-with-cap sequence is a handful of lines that
// doesn't warrant pulling one in.
func backoff(n int, initial, max time.Duration) time.Duration {
	d := initial
	for i := 0; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}
