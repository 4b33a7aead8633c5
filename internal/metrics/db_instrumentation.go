package metrics

import (
	"time"
)

// MeasureDBQuery wraps a document store operation with timing instrumentation.
// It is safe to call with a nil Metrics, so storage backends can stay agnostic
// of whether instrumentation is wired.
//
// Usage:
//
//	defer metrics.MeasureDBQuery(g.metrics, "get_checkout", "mongodb")()
func MeasureDBQuery(m *Metrics, operation, backend string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.ObserveDBQuery(operation, backend, time.Since(start))
	}
}
