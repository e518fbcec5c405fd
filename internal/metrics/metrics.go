// Package metrics exposes Prometheus counters for the TillGate authority.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LoginAttempts counts login attempts by outcome.
	LoginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tillgate_login_attempts_total",
		Help: "Login attempts by outcome.",
	}, []string{"outcome"})

	// DeviceRegistrations counts device admissions by outcome.
	DeviceRegistrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tillgate_device_registrations_total",
		Help: "Device registration attempts by outcome.",
	}, []string{"outcome"})

	// OperationsAccepted counts ingested operations by kind.
	OperationsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tillgate_operations_accepted_total",
		Help: "Operations durably accepted by kind.",
	}, []string{"kind"})

	// OperationDuplicates counts idempotent replays.
	OperationDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tillgate_operation_duplicates_total",
		Help: "Replayed operations the authority had already accepted.",
	})

	// DemoProvisions counts sandbox provisioning attempts by outcome.
	DemoProvisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tillgate_demo_provisions_total",
		Help: "Demo tenant provisioning attempts by outcome.",
	}, []string{"outcome"})

	// DemoPurges counts purged sandboxes.
	DemoPurges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tillgate_demo_purges_total",
		Help: "Demo tenants purged by the sweep.",
	})

	// ImpersonationStarts counts support impersonations started.
	ImpersonationStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tillgate_impersonation_starts_total",
		Help: "Support impersonations started.",
	})
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
