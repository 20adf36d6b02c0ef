package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the pipeline counters. The publisher side counts leased
// and published events, the consumer side counts delivery outcomes.
type Metrics struct {
	EventsLeased    prometheus.Counter
	EventsPublished prometheus.Counter
	EventsFailed    prometheus.Counter
	EventsSkipped   prometheus.Counter

	MessagesAcked    prometheus.Counter
	MessagesRetried  prometheus.Counter
	MessagesRejected prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsLeased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_events_leased_total",
			Help: "Staged events leased for publishing.",
		}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_events_published_total",
			Help: "Staged events confirmed by the broker.",
		}),
		EventsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_events_failed_total",
			Help: "Publish attempts that failed and were rescheduled.",
		}),
		EventsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_events_skipped_total",
			Help: "Staged events skipped because their type has no route.",
		}),
		MessagesAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consumer_messages_acked_total",
			Help: "Deliveries acknowledged after successful handling.",
		}),
		MessagesRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consumer_messages_retried_total",
			Help: "Deliveries republished to the retry queue.",
		}),
		MessagesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consumer_messages_rejected_total",
			Help: "Deliveries rejected to the dead letter queue.",
		}),
	}

	reg.MustRegister(
		m.EventsLeased,
		m.EventsPublished,
		m.EventsFailed,
		m.EventsSkipped,
		m.MessagesAcked,
		m.MessagesRetried,
		m.MessagesRejected,
	)

	return m
}

// NewRegistry builds a registry with the standard process collectors
// already attached.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return reg
}
