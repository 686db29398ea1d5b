package monitor

import (
	"net/http"
	"time"

	"github.com/glimte/agentmsg/contracts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector exports delivery events as Prometheus series on its
// own registry.
type PrometheusCollector struct {
	registry *prometheus.Registry

	created   *prometheus.CounterVec
	delivered *prometheus.CounterVec
	expired   *prometheus.CounterVec
	failed    *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	depth     *prometheus.GaugeVec
	latency   *prometheus.HistogramVec
	age       *prometheus.HistogramVec
}

// NewPrometheusCollector registers the agentmsg series under namespace.
// Pass an empty namespace for the default "agentmsg".
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "agentmsg"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	labels := []string{"agent_type", "priority"}

	return &PrometheusCollector{
		registry: reg,
		created: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_created_total",
			Help:      "Messages accepted into a delivery queue",
		}, labels),
		delivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages handed to a transport successfully",
		}, labels),
		expired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_expired_total",
			Help:      "Messages whose TTL ran out before delivery",
		}, labels),
		failed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Messages that exhausted their delivery attempts",
		}, labels),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Submissions refused at admission",
		}, []string{"agent_type", "reason"}),
		depth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Live entries per delivery queue",
		}, []string{"queue"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_latency_seconds",
			Help:      "Time from enqueue to successful delivery",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
		}, labels),
		age: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "expired_age_seconds",
			Help:      "Age of messages when they expired",
			Buckets:   []float64{1, 5, 30, 60, 300, 3600},
		}, labels),
	}
}

// Registry returns the underlying registry
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *PrometheusCollector) MessageCreated(a contracts.AgentType, pr contracts.Priority) {
	p.created.WithLabelValues(string(a), string(pr)).Inc()
}

func (p *PrometheusCollector) MessageDelivered(a contracts.AgentType, pr contracts.Priority, latency time.Duration) {
	p.delivered.WithLabelValues(string(a), string(pr)).Inc()
	p.latency.WithLabelValues(string(a), string(pr)).Observe(latency.Seconds())
}

func (p *PrometheusCollector) MessageExpired(a contracts.AgentType, pr contracts.Priority, age time.Duration) {
	p.expired.WithLabelValues(string(a), string(pr)).Inc()
	p.age.WithLabelValues(string(a), string(pr)).Observe(age.Seconds())
}

func (p *PrometheusCollector) MessageFailed(a contracts.AgentType, pr contracts.Priority) {
	p.failed.WithLabelValues(string(a), string(pr)).Inc()
}

func (p *PrometheusCollector) MessageRejected(a contracts.AgentType, reason string) {
	p.rejected.WithLabelValues(string(a), reason).Inc()
}

func (p *PrometheusCollector) QueueDepth(queue string, depth int) {
	p.depth.WithLabelValues(queue).Set(float64(depth))
}

var _ Collector = (*PrometheusCollector)(nil)
