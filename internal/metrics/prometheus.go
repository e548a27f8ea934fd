package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds the pipeline's Prometheus instruments on a private
// registry so tests can build as many pipelines as they like. All methods
// are safe on a nil receiver.
type Collectors struct {
	registry *prometheus.Registry

	EventsRecorded *prometheus.CounterVec
	SinkFailures   prometheus.Counter
	SinkDropped    prometheus.Counter
	Ticks          *prometheus.CounterVec
	Anomalies      *prometheus.CounterVec
	Dispatch       *prometheus.CounterVec
	WindowSize     prometheus.Gauge
	Suppressed     prometheus.Gauge
	TickDuration   prometheus.Histogram
}

func NewCollectors() *Collectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Collectors{
		registry: reg,
		EventsRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "insiderwatch_events_recorded_total",
			Help: "Activity events accepted by the recorder",
		}, []string{"kind"}),
		SinkFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "insiderwatch_activity_sink_failures_total",
			Help: "Activity log writes that returned an error",
		}),
		SinkDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "insiderwatch_activity_sink_dropped_total",
			Help: "Activity events dropped because the sink queue was full",
		}),
		Ticks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "insiderwatch_ticks_total",
			Help: "Evaluation cycles by result",
		}, []string{"result"}),
		Anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "insiderwatch_anomalies_total",
			Help: "Window points flagged during evaluation",
		}, []string{"source"}),
		Dispatch: f.NewCounterVec(prometheus.CounterOpts{
			Name: "insiderwatch_dispatch_total",
			Help: "Alert dispatch attempts by outcome",
		}, []string{"status"}),
		WindowSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "insiderwatch_window_size",
			Help: "Feature tuples currently held in the rolling window",
		}),
		Suppressed: f.NewGauge(prometheus.GaugeOpts{
			Name: "insiderwatch_suppressed_employees",
			Help: "Employees currently suppressed from re-alerting",
		}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "insiderwatch_tick_duration_seconds",
			Help:    "Wall time of one evaluation cycle",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collectors) EventRecorded(kind string) {
	if c == nil {
		return
	}
	c.EventsRecorded.WithLabelValues(kind).Inc()
}

func (c *Collectors) SinkFailed() {
	if c == nil {
		return
	}
	c.SinkFailures.Inc()
}

func (c *Collectors) SinkDrop() {
	if c == nil {
		return
	}
	c.SinkDropped.Inc()
}

func (c *Collectors) Tick(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.Ticks.WithLabelValues(result).Inc()
	if d > 0 {
		c.TickDuration.Observe(d.Seconds())
	}
}

func (c *Collectors) Flagged(source string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.Anomalies.WithLabelValues(source).Add(float64(n))
}

func (c *Collectors) Dispatched(status string) {
	if c == nil {
		return
	}
	c.Dispatch.WithLabelValues(status).Inc()
}

func (c *Collectors) SetWindowSize(n int) {
	if c == nil {
		return
	}
	c.WindowSize.Set(float64(n))
}

func (c *Collectors) SetSuppressed(n int) {
	if c == nil {
		return
	}
	c.Suppressed.Set(float64(n))
}
