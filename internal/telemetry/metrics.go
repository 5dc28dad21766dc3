package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	WavesSent         = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_waves_sent_total", Help: "Offer waves sent"})
	OffersSent        = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_offers_sent_total", Help: "Offers created and sent"})
	Assignments       = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_assignments_total", Help: "Jobs assigned to a locksmith"})
	RacesLost         = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_races_lost_total", Help: "Accept attempts that lost the assignment race"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_jobs_failed_total", Help: "Jobs failed with no candidates left"})
	WebhookDuplicates = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_webhook_duplicates_total", Help: "Inbound events short-circuited by dedup"})
	SignatureRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_signature_rejects_total", Help: "Webhook requests rejected for bad signatures"})
	NotifyFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_notify_failures_total", Help: "Outbound notifications that failed to send"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_rate_limit_rejects_total", Help: "Requests rejected by the per-phone limiter"})
	PendingOffers     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_pending_offers", Help: "Offers currently awaiting a reply"})
	ArmedTimers       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dispatch_armed_wave_timers", Help: "Jobs with an armed wave-expiry timer"})
)

// Handler exposes /metrics with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			WavesSent,
			OffersSent,
			Assignments,
			RacesLost,
			JobsFailed,
			WebhookDuplicates,
			SignatureRejects,
			NotifyFailures,
			RateLimitRejects,
			PendingOffers,
			ArmedTimers,
		)
	})
	return promhttp.Handler()
}
