// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "picoquote"

// Collector owns a private registry so tests can build as many as they like.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	commands    *prometheus.CounterVec
	render      prometheus.Histogram
	mined       prometheus.Counter
	sent        *prometheus.CounterVec
	cronRuns    *prometheus.CounterVec
	quotesGauge prometheus.Collector
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Chat commands executed, by command and result.",
		}, []string{"command", "result"}),
		render: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "render_seconds",
			Help:      "Time spent rasterizing quote cards.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		mined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mined_quotes_total",
			Help:      "Quotes added by history mining.",
		}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound messages delivered, by channel and result.",
		}, []string{"channel", "result"}),
		cronRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cron_runs_total",
			Help:      "Scheduled job executions, by kind and result.",
		}, []string{"kind", "result"}),
	}

	c.registry.MustRegister(
		c.commands,
		c.render,
		c.mined,
		c.sent,
		c.cronRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry is what the HTTP handler gathers from.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// TrackQuotes exports the store size as picoquote_quotes. Only the first call
// registers the gauge.
func (c *Collector) TrackQuotes(count func() int) {
	if c == nil || c.quotesGauge != nil {
		return
	}
	c.quotesGauge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "quotes",
		Help:      "Quotes currently stored.",
	}, func() float64 { return float64(count()) })
	c.registry.MustRegister(c.quotesGauge)
}

func (c *Collector) ObserveCommand(command, result string) {
	if c == nil {
		return
	}
	c.commands.WithLabelValues(command, result).Inc()
}

func (c *Collector) ObserveRender(d time.Duration) {
	if c == nil {
		return
	}
	c.render.Observe(d.Seconds())
}

func (c *Collector) AddMined(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.mined.Add(float64(n))
}

func (c *Collector) ObserveSend(channel string, err error) {
	if c == nil {
		return
	}
	c.sent.WithLabelValues(channel, resultLabel(err)).Inc()
}

func (c *Collector) ObserveCronRun(kind string, err error) {
	if c == nil {
		return
	}
	c.cronRuns.WithLabelValues(kind, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
