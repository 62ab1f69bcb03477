// Package metrics defines telemetry primitives used across the node. It
// uses the Prometheus format.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StartCollectingMetrics begins listening on port `metricsPort` of every
// interface and supplying metrics at /metrics.
func StartCollectingMetrics(metricsPort int, log *zap.Logger) {
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		err := http.ListenAndServe(fmt.Sprintf(":%d", metricsPort), nil)
		log.Warn("metrics server stopped", zap.Error(err))
	}()
}
