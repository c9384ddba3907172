package logging

import (
	"time"

	"golang.org/x/time/rate"
)

// Every returns a throttle that lets the first `first` calls through and
// afterwards at most one call per interval. It is used to keep per-datagram
// diagnostics (decode failures, filter matches) out of tight loops.
//
//	warn := logging.Every(5, time.Second)
//	warn.Do(func() { logger.Warn("decode failed", "error", err) })
//
// The returned value is safe for concurrent use.
func Every(first int, interval time.Duration) *rate.Sometimes {
	return &rate.Sometimes{First: first, Interval: interval}
}
