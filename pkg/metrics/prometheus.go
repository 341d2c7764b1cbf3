package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the HTTP handler cmd/chordnode mounts at /metrics,
// serving gatherer in the standard Prometheus text exposition format.
//
// Grounded on pkg/metrics/prometheus.go's WriteMetrics entry point,
// generalized from a hand-rolled text writer to promhttp's generated
// handler, which already covers histogram buckets, label escaping, and
// the exposition format's content negotiation.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
