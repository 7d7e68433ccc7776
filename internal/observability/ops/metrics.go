package ops

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"medremind/internal/eventbus"
)

const namespace = "medremind"

// Metrics turns bus events into Prometheus series on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	liveJobs   prometheus.Gauge
	jobChanges *prometheus.CounterVec
	fired      prometheus.Counter
	deliveries *prometheus.CounterVec
	latency    prometheus.Histogram
	recovery   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		liveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_jobs",
			Help:      "Jobs currently in the job table.",
		}),
		jobChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_changes_total",
			Help:      "Jobs registered or cancelled.",
		}, []string{"op"}),
		fired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "firings_total",
			Help:      "Jobs handed to the dispatcher.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Reminder deliveries by result.",
		}, []string{"result"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_seconds",
			Help:      "Time spent sending one reminder.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30},
		}),
		recovery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_schedules_total",
			Help:      "Schedules seen by startup recovery, by outcome.",
		}, []string{"outcome"}),
	}
	m.reg.MustRegister(
		m.liveJobs, m.jobChanges, m.fired, m.deliveries, m.latency, m.recovery,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe folds one event into the series. Unknown types are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.JobsRegistered, eventbus.JobsCancelled:
		ch, ok := e.Data.(eventbus.JobsChange)
		if !ok {
			return
		}
		op := "registered"
		if e.Type == eventbus.JobsCancelled {
			op = "cancelled"
		}
		m.jobChanges.WithLabelValues(op).Add(float64(len(ch.IDs)))
		m.liveJobs.Set(float64(ch.Live))
	case eventbus.JobFired:
		m.fired.Inc()
	case eventbus.DeliverySent, eventbus.DeliveryFailed:
		d, _ := e.Data.(eventbus.Delivery)
		result := "sent"
		if e.Type == eventbus.DeliveryFailed {
			result = "failed"
		}
		m.deliveries.WithLabelValues(result).Inc()
		m.latency.Observe(d.Took.Seconds())
	case eventbus.DeliveryDedup:
		m.deliveries.WithLabelValues("deduped").Inc()
	case eventbus.Recovered:
		r, ok := e.Data.(eventbus.Recovery)
		if !ok {
			return
		}
		m.recovery.WithLabelValues("restored").Add(float64(r.Restored))
		m.recovery.WithLabelValues("expired").Add(float64(r.Expired))
		m.recovery.WithLabelValues("no_contact").Add(float64(r.NoContact))
		m.recovery.WithLabelValues("failed").Add(float64(r.Failed))
	}
}

// Run observes bus events until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	if bus == nil {
		<-ctx.Done()
		return nil
	}
	events, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
