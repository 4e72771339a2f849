// Package metrics defines the Prometheus metrics exposed by the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// VerificationsTotal counts credential verifications by outcome. Outcomes
	// are "valid", "invalid", "reset_expired", and "error".
	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snas_verifications_total",
			Help: "Total number of credential verifications by outcome",
		},
		[]string{"outcome"},
	)

	PasswordChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snas_password_changes_total",
			Help: "Total number of password changes by outcome",
		},
		[]string{"outcome"},
	)

	PasswordResetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snas_password_resets_total",
			Help: "Total number of admin password resets",
		},
	)

	UsersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snas_users_total",
			Help: "Number of users currently in the credential cache",
		},
	)

	StoreOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snas_store_operations_total",
			Help: "Total number of credential store operations by kind and status",
		},
		[]string{"operation", "status"},
	)

	SocketRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snas_socket_requests_total",
			Help: "Total number of socket API requests by method and status",
		},
		[]string{"method", "status"},
	)

	BusRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snas_bus_requests_total",
			Help: "Total number of bus API requests by server and method",
		},
		[]string{"server", "method"},
	)
)

func init() {
	prometheus.MustRegister(VerificationsTotal)
	prometheus.MustRegister(PasswordChangesTotal)
	prometheus.MustRegister(PasswordResetsTotal)
	prometheus.MustRegister(UsersTotal)
	prometheus.MustRegister(StoreOperationsTotal)
	prometheus.MustRegister(SocketRequestsTotal)
	prometheus.MustRegister(BusRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
