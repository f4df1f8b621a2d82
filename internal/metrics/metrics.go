// Package metrics declares the Prometheus collectors of the gateway.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgw_commands_total",
			Help: "Ad-hoc commands received, by command node and result.",
		},
		[]string{"instance", "command", "result"},
	)

	RegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgw_registrations_total",
			Help: "Registration attempts that reached a final state.",
		},
		[]string{"instance", "backend", "result"},
	)

	UnregistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgw_unregistrations_total",
			Help: "Registrations removed, by cause.",
		},
		[]string{"instance", "cause"},
	)

	DispatchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgw_dispatch_attempts_total",
			Help: "Notifications handed to a backend transport.",
		},
		[]string{"instance", "backend"},
	)

	DispatchRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushgw_dispatch_retries_total",
			Help: "Notifications returned by a backend transport for retry.",
		},
		[]string{"instance", "backend"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pushgw_queue_depth",
			Help: "Notifications waiting in a backend queue.",
		},
		[]string{"instance", "backend"},
	)
)

// MustRegister registers every collector with the default registry.
func MustRegister() {
	prometheus.MustRegister(
		CommandsTotal,
		RegistrationsTotal,
		UnregistrationsTotal,
		DispatchAttemptsTotal,
		DispatchRetriesTotal,
		QueueDepth,
	)
}
