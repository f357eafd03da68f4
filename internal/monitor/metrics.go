// Package monitor exposes prometheus metrics for the serial session and the
// sensor probe.
package monitor

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/dektronics/densitometer-desktop-sub000/probe"
	"github.com/dektronics/densitometer-desktop-sub000/sensor"
	"github.com/dektronics/densitometer-desktop-sub000/session"
)

const namespace = "densitometer"

// Monitor owns a registry with every metric the tools export.
type Monitor struct {
	log      *logrus.Entry
	registry *prometheus.Registry

	SessionEvents    *prometheus.CounterVec
	CommandsRejected prometheus.Counter
	ConnectionErrors prometheus.Counter
	Connected        prometheus.Gauge

	DensityReadings *prometheus.CounterVec
	LastDensity     *prometheus.GaugeVec

	ProbeEvents    *prometheus.CounterVec
	SensorReadings *prometheus.CounterVec
	LastBasic      prometheus.Gauge
	GainSweeps     *prometheus.CounterVec
	ProbeErrors    prometheus.Counter

	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge
}

func NewMonitor(log *logrus.Logger) *Monitor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &Monitor{
		log:      log.WithField("component", "monitor"),
		registry: prometheus.NewRegistry(),

		SessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Events produced by the serial session.",
		}, []string{"type"}),
		CommandsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_rejected_total",
			Help:      "Commands the device answered with NAK.",
		}),
		ConnectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Serial transport faults.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the serial session is connected.",
		}),
		DensityReadings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "density_readings_total",
			Help:      "Density readings pushed by the device.",
		}, []string{"mode"}),
		LastDensity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_density",
			Help:      "Most recent density per measurement mode.",
		}, []string{"mode"}),
		ProbeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_events_total",
			Help:      "Events produced by the sensor probe.",
		}, []string{"type"}),
		SensorReadings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_readings_total",
			Help:      "Raw sensor readings by status.",
		}, []string{"status"}),
		LastBasic: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_basic_reading",
			Help:      "Most recent normalized probe reading.",
		}),
		GainSweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gain_calibrations_total",
			Help:      "Finished gain calibration runs by result.",
		}, []string{"result"}),
		ProbeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_errors_total",
			Help:      "Errors reported by the probe loop.",
		}),
		GoroutineCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines",
			Help:      "Current goroutine count.",
		}),
		MemoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Allocated heap bytes.",
		}),
	}

	m.registry.MustRegister(
		m.SessionEvents,
		m.CommandsRejected,
		m.ConnectionErrors,
		m.Connected,
		m.DensityReadings,
		m.LastDensity,
		m.ProbeEvents,
		m.SensorReadings,
		m.LastBasic,
		m.GainSweeps,
		m.ProbeErrors,
		m.GoroutineCount,
		m.MemoryUsage,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Monitor) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus exposition format.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSession updates the metrics from a session event.
func (m *Monitor) ObserveSession(e session.Event) {
	m.SessionEvents.WithLabelValues(e.Type.String()).Inc()
	switch e.Type {
	case session.EventConnectionOpened:
		m.Connected.Set(1)
	case session.EventConnectionClosed:
		m.Connected.Set(0)
	case session.EventConnectionError:
		m.ConnectionErrors.Inc()
	case session.EventCommandRejected:
		m.CommandsRejected.Inc()
	case session.EventDensityReading:
		mode := e.Density.Type.String()
		m.DensityReadings.WithLabelValues(mode).Inc()
		m.LastDensity.WithLabelValues(mode).Set(e.Density.Value)
	}
}

// ObserveProbe updates the metrics from a probe event.
func (m *Monitor) ObserveProbe(e probe.Event) {
	m.ProbeEvents.WithLabelValues(e.Type.String()).Inc()
	switch e.Type {
	case probe.EventSensorReading:
		m.SensorReadings.WithLabelValues(e.Reading.Status.String()).Inc()
		if e.Reading.Status == sensor.StatusValid {
			m.LastBasic.Set(e.Basic)
		}
	case probe.EventGainCalibrationComplete:
		m.GainSweeps.WithLabelValues("complete").Inc()
	case probe.EventGainCalibrationFailed:
		m.GainSweeps.WithLabelValues("failed").Inc()
	case probe.EventError:
		m.ProbeErrors.Inc()
	}
}

// StartRuntimeMonitor refreshes the goroutine and memory gauges every
// interval until ctx is done.
func (m *Monitor) StartRuntimeMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			m.sampleRuntime()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (m *Monitor) sampleRuntime() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.GoroutineCount.Set(float64(runtime.NumGoroutine()))
	m.MemoryUsage.Set(float64(memStats.Alloc))
	m.log.Debugf("goroutines: %d, memory: %.2f MB",
		runtime.NumGoroutine(),
		float64(memStats.Alloc)/1024/1024,
	)
}
