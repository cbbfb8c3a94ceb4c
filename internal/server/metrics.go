package server

import (
	"sync"

	"github.com/casualjim/chanman/internal/broker"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "chanman"

// Collector is a prometheus.Collector reporting live sessions, per-topic
// subscriber counts and accepted publishes.
type Collector struct {
	broker broker.Registry

	sessions  prometheus.Gauge
	publishes prometheus.Counter

	mu          sync.Mutex // serializes refreshing subscribers from the broker
	subscribers *prometheus.GaugeVec
}

// NewMetricsCollector returns a Collector reading topic counts from reg.
func NewMetricsCollector(reg broker.Registry) *Collector {
	return &Collector{
		broker: reg,
		sessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "sessions",
				Help:      "The number of open websocket sessions.",
			},
		),
		publishes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "publishes_total",
				Help:      "The number of messages accepted on /pub.",
			},
		),
		subscribers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "topic_subscribers",
				Help:      "The number of sessions subscribed to each topic.",
			}, []string{"topic"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.sessions.Describe(ch)
	c.publishes.Describe(ch)
	c.subscribers.Describe(ch)
}

// Collect is part of the prometheus.Collector interface. Topic gauges are
// rebuilt from the broker on every scrape so pruned topics disappear.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.sessions.Collect(ch)
	c.publishes.Collect(ch)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers.Reset()
	for topic, n := range c.broker.Topics() {
		c.subscribers.WithLabelValues(topic).Set(float64(n))
	}
	c.subscribers.Collect(ch)
}
