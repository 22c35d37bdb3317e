// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// gateway_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// gateway_relay_requests_total{mode,status}
	relayRequests *prometheus.CounterVec

	// gateway_relay_streamed_chars_total
	relayChars prometheus.Counter

	// gateway_relay_disconnects_total{reason}
	relayDisconnects *prometheus.CounterVec

	// gateway_active_channels
	activeChannels prometheus.Gauge

	// gateway_engine_status{engine} — 1=up, 0=unchecked, -1=down
	engineStatus *prometheus.GaugeVec

	// gateway_model_status{model}
	modelStatus *prometheus.GaugeVec

	// gateway_probes_total{model,outcome}
	probesTotal *prometheus.CounterVec

	// gateway_generate_attempts_total{model,outcome}
	generateAttempts *prometheus.CounterVec

	// gateway_generate_attempt_duration_seconds{model,outcome}
	generateDuration *prometheus.HistogramVec

	// gateway_failover_events_total{from,to,reason}
	failoverEvents *prometheus.CounterVec

	// gateway_failover_exhausted_total
	failoverExhausted prometheus.Counter

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_transcripts_total{result}
	transcriptsTotal *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes relay tail)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		relayRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_relay_requests_total",
				Help: "Relay completion calls by delivery mode and terminal status",
			},
			[]string{"mode", "status"},
		),

		relayChars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_relay_streamed_chars_total",
			Help: "Total characters delivered to clients by the relay",
		}),

		relayDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_relay_disconnects_total",
				Help: "Confirmed mid-call disconnects by side",
			},
			[]string{"reason"},
		),

		activeChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_channels",
			Help: "Currently registered relay channels",
		}),

		engineStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_engine_status",
				Help: "Engine health (1=up, 0=unchecked, -1=down)",
			},
			[]string{"engine"},
		),

		modelStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_model_status",
				Help: "Model health (1=up, 0=unchecked, -1=down)",
			},
			[]string{"model"},
		),

		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_probes_total",
				Help: "Health probe attempts by model and outcome",
			},
			[]string{"model", "outcome"},
		),

		generateAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_generate_attempts_total",
				Help: "Engine generation attempts (includes failovers)",
			},
			[]string{"model", "outcome"},
		),

		generateDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_generate_attempt_duration_seconds",
				Help:    "Engine generation attempt duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"model", "outcome"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_failover_events_total",
				Help: "Failover events between models (emitted when switching to the next catalog entry)",
			},
			[]string{"from", "to", "reason"},
		),

		failoverExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_failover_exhausted_total",
			Help: "Requests that exhausted the model catalog without success",
		}),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		transcriptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_transcripts_total",
				Help: "Transcript submissions by outcome",
			},
			[]string{"result"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.relayRequests,
		r.relayChars,
		r.relayDisconnects,
		r.activeChannels,
		r.engineStatus,
		r.modelStatus,
		r.probesTotal,
		r.generateAttempts,
		r.generateDuration,
		r.failoverEvents,
		r.failoverExhausted,
		r.rateLimitTotal,
		r.transcriptsTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

func (r *Registry) RecordRelayRequest(mode, status string) {
	r.relayRequests.WithLabelValues(mode, status).Inc()
}

func (r *Registry) AddRelayChars(n int) {
	if n > 0 {
		r.relayChars.Add(float64(n))
	}
}

func (r *Registry) RecordRelayDisconnect(reason string) {
	r.relayDisconnects.WithLabelValues(reason).Inc()
}

func (r *Registry) SetActiveChannels(n int) {
	r.activeChannels.Set(float64(n))
}

func (r *Registry) SetEngineStatus(engine string, status int) {
	r.engineStatus.WithLabelValues(engine).Set(float64(status))
}

func (r *Registry) SetModelStatus(model string, status int) {
	r.modelStatus.WithLabelValues(model).Set(float64(status))
}

func (r *Registry) RecordProbe(model, outcome string) {
	r.probesTotal.WithLabelValues(model, outcome).Inc()
}

// ObserveGenerateAttempt records one engine generation attempt.
func (r *Registry) ObserveGenerateAttempt(model, outcome string, dur time.Duration) {
	r.generateAttempts.WithLabelValues(model, outcome).Inc()
	r.generateDuration.WithLabelValues(model, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordFailover(from, to, reason string) {
	r.failoverEvents.WithLabelValues(from, to, reason).Inc()
}

func (r *Registry) RecordFailoverExhausted() {
	r.failoverExhausted.Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) RecordTranscript(result string) {
	r.transcriptsTotal.WithLabelValues(result).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
