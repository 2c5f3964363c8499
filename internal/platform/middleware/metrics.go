package middleware

import (
	"net/http"

	"github.com/b1gate/b1gate/internal/platform/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics instruments the handler with in-flight and latency collectors.
func Metrics(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return promhttp.InstrumentHandlerInFlight(m.HTTPInFlight,
			promhttp.InstrumentHandlerDuration(m.HTTPDuration, next),
		)
	}
}
