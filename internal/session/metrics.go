package session

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dsession_sessions_started_total",
			Help: "Total number of diagnostic sessions started.",
		},
	)

	sessionsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsession_sessions_finished_total",
			Help: "Total number of diagnostic sessions finished, by terminal status.",
		},
		[]string{"status"},
	)

	ticksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dsession_task_runs_total",
			Help: "Total number of completed task runs across all sessions.",
		},
	)

	sessionsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dsession_sessions_recovered_total",
			Help: "Total number of sessions failed and fallback-archived at startup recovery.",
		},
	)
)

func init() {
	prometheus.MustRegister(sessionsStarted)
	prometheus.MustRegister(sessionsFinished)
	prometheus.MustRegister(ticksTotal)
	prometheus.MustRegister(sessionsRecovered)
}
