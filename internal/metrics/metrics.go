// Package metrics exposes the transport's observability counters: message
// send/retry volume, room lifecycle events, reachability state, and
// circuit-breaker transitions. It mirrors the dual in-process/Prometheus
// design used elsewhere in this codebase: a package-level start time for
// uptime reporting, and a lazily-initialized Prometheus registry that the
// daemon entrypoint wires to an HTTP handler.
package metrics

import "time"

var startTime = time.Now()

// StartTime returns the process start time, used to compute uptime.
func StartTime() time.Time {
	return startTime
}
