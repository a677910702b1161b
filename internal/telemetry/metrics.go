package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	IntakeAccepted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "work_intake_accepted_total", Help: "Work requests accepted with a pending ticket"})
	IntakeRejected      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "work_intake_rejected_total", Help: "Work requests rejected by reason code"}, []string{"code"})
	IntakeCompensations = prometheus.NewCounter(prometheus.CounterOpts{Name: "work_intake_compensations_total", Help: "Work requests deleted after their ticket insert failed"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "work_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	ScheduleRuns        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "work_schedule_runs_total", Help: "Schedule promotions by outcome"}, []string{"status"})
	PendingTickets      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "work_tickets_pending", Help: "Tickets waiting for the agent runtime"})
	OrphanedRequests    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "work_orphaned_requests", Help: "Work requests past the grace period with no ticket"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			IntakeAccepted,
			IntakeRejected,
			IntakeCompensations,
			RateLimitRejects,
			ScheduleRuns,
			PendingTickets,
			OrphanedRequests,
		)
	})
	return promhttp.Handler()
}
