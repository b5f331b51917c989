// ABOUTME: Prometheus metrics for the transport core
// ABOUTME: Registered on the default registry and served by the monitor's /metrics endpoint
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Seek outcomes
const (
	SeekDispatched = "dispatched"
	SeekCoalesced  = "coalesced"
	SeekDropped    = "dropped"
)

var (
	// Spectrum metrics
	SpectrumFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hiresti_spectrum_frames_total",
			Help: "Total number of spectrum frames delivered to the renderer",
		},
	)

	SpectrumResyncs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hiresti_spectrum_resyncs_total",
			Help: "Total number of reader cursor resets after a frame stall",
		},
	)

	// Transport metrics
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hiresti_errors_total",
			Help: "Pipeline errors by category",
		},
		[]string{"category"},
	)

	Seeks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hiresti_seeks_total",
			Help: "Seek requests by outcome",
		},
		[]string{"result"},
	)

	OutputSwitches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hiresti_output_switches_total",
			Help: "Output switch attempts by driver and result",
		},
		[]string{"driver", "result"},
	)

	PumpTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hiresti_pump_ticks_total",
			Help: "Total number of event pump ticks",
		},
	)

	VisualDelayMs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hiresti_visual_delay_ms",
			Help: "Current visual delay applied to spectrum frames in milliseconds",
		},
	)

	OutputLatencySeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hiresti_output_latency_seconds",
			Help: "Last measured output latency in seconds",
		},
	)

	// PipeWire clock metrics
	ForceRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hiresti_pipewire_force_rate_hz",
			Help: "clock.force-rate currently owned by the player, 0 when released",
		},
	)

	ForceRateWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hiresti_pipewire_force_rate_writes_total",
			Help: "Total number of clock.force-rate writes",
		},
	)

	ForceRateVerifyFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hiresti_pipewire_force_rate_verify_failures_total",
			Help: "Total number of clock.force-rate writes that did not verify",
		},
	)

	// Monitor metrics
	MonitorClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hiresti_monitor_clients",
			Help: "Number of connected monitor watchers",
		},
	)

	MonitorDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hiresti_monitor_dropped_total",
			Help: "Monitor messages dropped for slow watchers by type",
		},
		[]string{"type"},
	)
)
