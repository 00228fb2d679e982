// Package metrics provides Prometheus metrics for the register bridge.
package metrics

import (
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bridge"

// Registry holds all Prometheus metrics for the service.
type Registry struct {
	reg *prometheus.Registry

	// Transport metrics
	ConnectionsTotal  prometheus.Counter
	ConnectionErrors  prometheus.Counter
	ConnectionLatency prometheus.Histogram
	BusTransactions   *prometheus.CounterVec
	BusRetries        *prometheus.CounterVec
	AbandonedRanges   *prometheus.CounterVec
	AdaptiveDelay     *prometheus.GaugeVec

	// Cycle metrics
	CyclesTotal    *prometheus.CounterVec
	CycleDuration  *prometheus.HistogramVec
	CycleErrors    *prometheus.CounterVec
	RegistersRead  *prometheus.CounterVec
	ValuesDecoded  *prometheus.CounterVec
	ValidityScore  *prometheus.GaugeVec
	DetectorScores *prometheus.GaugeVec

	// Write metrics
	WriteCommands *prometheus.CounterVec

	// MQTT metrics
	MQTTMessagesPublished prometheus.Counter
	MQTTMessagesFailed    prometheus.Counter
	MQTTBufferSize        prometheus.Gauge
	MQTTPublishLatency    prometheus.Histogram
	MQTTReconnects        prometheus.Counter

	// System metrics
	GoroutineCount prometheus.Gauge
}

// NewRegistry creates a metrics registry backed by its own prometheus.Registry,
// so several instances can coexist in one process.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Registry{
		reg: reg,

		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "connections_total",
			Help:      "Total number of Modbus connection attempts",
		}),
		ConnectionErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "connection_errors_total",
			Help:      "Total number of Modbus connection errors",
		}),
		ConnectionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "connection_latency_seconds",
			Help:      "Modbus connection establishment latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		BusTransactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reader",
			Name:      "transactions_total",
			Help:      "Bus transactions by outcome",
		}, []string{"device_id", "bank", "status"}),
		BusRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reader",
			Name:      "retries_total",
			Help:      "Ranges retried after a no-response error",
		}, []string{"device_id"}),
		AbandonedRanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reader",
			Name:      "abandoned_ranges_total",
			Help:      "Ranges skipped after the retry budget was spent",
		}, []string{"device_id", "bank"}),
		AdaptiveDelay: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reader",
			Name:      "delay_seconds",
			Help:      "Current inter-request delay of the range reader",
		}, []string{"device_id"}),

		CyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "cycles_total",
			Help:      "Total number of read cycles",
		}, []string{"device_id", "status"}),
		CycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "cycle_duration_seconds",
			Help:      "Read-decode-publish cycle duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"device_id", "protocol"}),
		CycleErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "errors_total",
			Help:      "Total number of cycle errors",
		}, []string{"device_id", "error_type"}),
		RegistersRead: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "registers_read_total",
			Help:      "Total number of register words read",
		}, []string{"device_id", "bank"}),
		ValuesDecoded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "values_decoded_total",
			Help:      "Total number of decoded values published",
		}, []string{"device_id"}),
		ValidityScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "score_percent",
			Help:      "Last validity percentage per bank",
		}, []string{"device_id", "bank"}),
		DetectorScores: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "score",
			Help:      "Total detection score per candidate protocol",
		}, []string{"protocol"}),

		WriteCommands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "writes_total",
			Help:      "Write commands by outcome",
		}, []string{"device_id", "status"}),

		MQTTMessagesPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "Total number of MQTT messages published",
		}),
		MQTTMessagesFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_failed_total",
			Help:      "Total number of failed MQTT publishes",
		}),
		MQTTBufferSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "buffer_size",
			Help:      "Current MQTT message buffer size",
		}),
		MQTTPublishLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "publish_latency_seconds",
			Help:      "MQTT publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),
		MQTTReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "reconnects_total",
			Help:      "Total number of MQTT reconnection attempts",
		}),

		GoroutineCount: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines",
			Help:      "Number of running goroutines",
		}),
	}
}

// Handler returns an HTTP handler exposing this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// RecordCycleSuccess records a completed read cycle.
func (r *Registry) RecordCycleSuccess(deviceID, protocol string, duration float64, values int) {
	r.CyclesTotal.WithLabelValues(deviceID, "success").Inc()
	r.CycleDuration.WithLabelValues(deviceID, protocol).Observe(duration)
	r.ValuesDecoded.WithLabelValues(deviceID).Add(float64(values))
}

// RecordCycleError records a failed read cycle.
func (r *Registry) RecordCycleError(deviceID, errorType string) {
	r.CyclesTotal.WithLabelValues(deviceID, "error").Inc()
	r.CycleErrors.WithLabelValues(deviceID, errorType).Inc()
}

// RecordTransaction records one bus transaction of the range reader.
func (r *Registry) RecordTransaction(deviceID, bank string, words int, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	r.BusTransactions.WithLabelValues(deviceID, bank, status).Inc()
	if words > 0 {
		r.RegistersRead.WithLabelValues(deviceID, bank).Add(float64(words))
	}
}

// RecordRetry records a retried range and the reader's new delay.
func (r *Registry) RecordRetry(deviceID string, delaySeconds float64) {
	r.BusRetries.WithLabelValues(deviceID).Inc()
	r.AdaptiveDelay.WithLabelValues(deviceID).Set(delaySeconds)
}

// RecordAbandoned records a range dropped after its retry budget.
func (r *Registry) RecordAbandoned(deviceID, bank string) {
	r.AbandonedRanges.WithLabelValues(deviceID, bank).Inc()
}

// RecordWrite records the outcome of a write command.
func (r *Registry) RecordWrite(deviceID string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	r.WriteCommands.WithLabelValues(deviceID, status).Inc()
}

// RecordMQTTPublish records an MQTT publish operation.
func (r *Registry) RecordMQTTPublish(success bool, latency float64) {
	if success {
		r.MQTTMessagesPublished.Inc()
	} else {
		r.MQTTMessagesFailed.Inc()
	}
	r.MQTTPublishLatency.Observe(latency)
}

// UpdateMQTTBufferSize updates the MQTT buffer size gauge.
func (r *Registry) UpdateMQTTBufferSize(size int) {
	r.MQTTBufferSize.Set(float64(size))
}

// RecordConnection records a connection event.
func (r *Registry) RecordConnection(success bool, latency float64) {
	r.ConnectionsTotal.Inc()
	if !success {
		r.ConnectionErrors.Inc()
	}
	r.ConnectionLatency.Observe(latency)
}

// SetValidity records the last validity percentage for a bank.
func (r *Registry) SetValidity(deviceID, bank string, percent float64) {
	r.ValidityScore.WithLabelValues(deviceID, bank).Set(percent)
}

// SetDetectorScore records a candidate's total detection score.
func (r *Registry) SetDetectorScore(protocol string, score float64) {
	r.DetectorScores.WithLabelValues(protocol).Set(score)
}

// UpdateSystem refreshes process-level gauges.
func (r *Registry) UpdateSystem() {
	r.GoroutineCount.Set(float64(runtime.NumGoroutine()))
}
