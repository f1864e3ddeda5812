package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "campaign_mailer"

// Metrics holds all Prometheus collectors of the pipeline. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	MessagesTotal      *prometheus.CounterVec
	ScheduledTotal     prometheus.Counter
	EmailsSentTotal    *prometheus.CounterVec
	BouncesTotal       *prometheus.CounterVec
	RateLimitedTotal   *prometheus.CounterVec
	DeadLetteredTotal  *prometheus.CounterVec
	SendDuration       *prometheus.HistogramVec
	CampaignsCompleted prometheus.Counter

	registry *prometheus.Registry
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		MessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Queue messages settled per stage and outcome",
		}, []string{"stage", "outcome"}),
		ScheduledTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_total",
			Help:      "Work items emitted by the scheduler",
		}),
		EmailsSentTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_sent_total",
			Help:      "Emails handed off to a transport",
		}, []string{"provider"}),
		BouncesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bounces_total",
			Help:      "Bounce events recorded by type",
		}, []string{"type"}),
		RateLimitedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Routing requests deferred by the provider rate limit",
		}, []string{"provider"}),
		DeadLetteredTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_lettered_total",
			Help:      "Messages moved to a dead-letter queue",
		}, []string{"topic"}),
		SendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Transport delivery latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"transport"}),
		CampaignsCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "campaigns_completed_total",
			Help:      "Campaigns promoted to completed",
		}),
		registry: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Message(stage, outcome string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) Scheduled(n int) {
	if m == nil {
		return
	}
	m.ScheduledTotal.Add(float64(n))
}

func (m *Metrics) EmailSent(provider string) {
	if m == nil {
		return
	}
	m.EmailsSentTotal.WithLabelValues(provider).Inc()
}

func (m *Metrics) Bounce(bounceType string) {
	if m == nil {
		return
	}
	m.BouncesTotal.WithLabelValues(bounceType).Inc()
}

func (m *Metrics) RateLimited(provider string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(provider).Inc()
}

func (m *Metrics) DeadLettered(topic string) {
	if m == nil {
		return
	}
	m.DeadLetteredTotal.WithLabelValues(topic).Inc()
}

func (m *Metrics) ObserveSend(transport string, d time.Duration) {
	if m == nil {
		return
	}
	m.SendDuration.WithLabelValues(transport).Observe(d.Seconds())
}

func (m *Metrics) CampaignCompleted() {
	if m == nil {
		return
	}
	m.CampaignsCompleted.Inc()
}
