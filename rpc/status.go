package rpc

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	outcomeOK            = "ok"
	outcomeFault         = "fault"
	outcomeUnknownMethod = "unknown_method"
	outcomeMalformed     = "malformed"

	// unknown and undecodable method names are not used as label values, since callers choose them
	unknownMethodLabel = "_unknown"
)

type metrics struct {
	registry *prometheus.Registry
	calls    *prometheus.CounterVec
	inFlight prometheus.Gauge
	latency  *prometheus.HistogramVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "teleport_rpc_calls_total",
				Help: "RPC calls handled, by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "teleport_rpc_calls_in_flight",
				Help: "RPC handlers currently running",
			},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "teleport_rpc_handler_duration_seconds",
				Help:    "RPC handler latency",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"method"},
		),
	}
	m.registry.MustRegister(m.calls, m.inFlight, m.latency)
	return m
}

// StatusHandler serves the server's health and metrics over HTTP:
// GET /heartbeat, GET /methods (a JSON list) and GET /metrics (Prometheus).
func (s *Server) StatusHandler() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", s.heartbeat)
	router.GET("/methods", s.methods)
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	return router
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) methods(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Methods()); err != nil {
		s.log.Debugw("writing methods", "Error", err)
	}
}
