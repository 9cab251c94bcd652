package hitl

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts orchestration activity for the /metrics endpoint.
type Metrics struct {
	TasksStarted      prometheus.Counter
	TasksFinished     *prometheus.CounterVec
	RequestsPublished *prometheus.CounterVec
	Resolutions       *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "opsbot_tasks_started_total",
			Help: "Agent tasks started.",
		}),
		TasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opsbot_tasks_finished_total",
			Help: "Agent tasks finished, by terminal state.",
		}, []string{"state"}),
		RequestsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opsbot_hitl_requests_total",
			Help: "Human-in-the-loop requests published, by variant.",
		}, []string{"variant"}),
		Resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opsbot_hitl_resolutions_total",
			Help: "Human-in-the-loop request outcomes.",
		}, []string{"outcome"}),
	}
}
