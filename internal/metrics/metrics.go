package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"bitespeed-identity/internal/models"
)

const (
	OutcomeOK      = "ok"
	OutcomeInvalid = "invalid"
	OutcomeError   = "error"
)

// Metrics provides observability for identity reconciliation.
type Metrics struct {
	IdentifyRequests *prometheus.CounterVec
	IdentifyDuration prometheus.Histogram
	ContactsCreated  *prometheus.CounterVec
	Merges           prometheus.Counter
	ContactsDemoted  prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IdentifyRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bitespeed_identify_requests_total",
			Help: "Total number of identify requests by outcome",
		}, []string{"outcome"}),
		IdentifyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bitespeed_identify_duration_seconds",
			Help:    "Duration of identify operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		ContactsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bitespeed_contacts_created_total",
			Help: "Total number of contacts created by link precedence",
		}, []string{"precedence"}),
		Merges: factory.NewCounter(prometheus.CounterOpts{
			Name: "bitespeed_merges_total",
			Help: "Total number of identify requests that merged two or more groups",
		}),
		ContactsDemoted: factory.NewCounter(prometheus.CounterOpts{
			Name: "bitespeed_contacts_demoted_total",
			Help: "Total number of primary contacts demoted to secondary",
		}),
	}
}

// ObserveIdentify records the outcome and duration of an identify call.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveIdentify(start time.Time, outcome string) {
	m.IdentifyRequests.WithLabelValues(outcome).Inc()
	m.IdentifyDuration.Observe(time.Since(start).Seconds())
}

// IncrementContactsCreated records a new contact row.
func (m *Metrics) IncrementContactsCreated(precedence models.LinkPrecedence) {
	m.ContactsCreated.WithLabelValues(string(precedence)).Inc()
}

// RecordMerge records a merge event that demoted the given number of primaries.
func (m *Metrics) RecordMerge(demoted int) {
	m.Merges.Inc()
	m.ContactsDemoted.Add(float64(demoted))
}
