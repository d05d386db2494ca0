package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Result labels
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultDiscarded = "discarded"
	ResultStale     = "stale"
)

// Metrics holds the collectors for the session layer. A nil *Metrics is valid and records nothing.
type Metrics struct {
	refreshAttempts *prometheus.CounterVec
	waiterTimeouts  prometheus.Counter
	waitersQueued   prometheus.Gauge
	forceResets     prometheus.Counter
	replays         *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_session_refresh_attempts_total",
				Help: "Refresh network calls by result (success, failure, discarded)",
			},
			[]string{"result"},
		),
		waiterTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_session_refresh_waiter_timeouts_total",
			Help: "Callers released because the in-flight refresh exceeded the wait bound",
		}),
		waitersQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "auth_session_refresh_waiters",
			Help: "Callers currently queued behind the in-flight refresh",
		}),
		forceResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_session_refresh_force_resets_total",
			Help: "Force resets that released an in-flight refresh",
		}),
		replays: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_session_request_replays_total",
				Help: "Requests replayed after a 401 by outcome (success, failure, stale)",
			},
			[]string{"result"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "auth_session_circuit_breaker_state",
				Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.refreshAttempts,
		m.waiterTimeouts,
		m.waitersQueued,
		m.forceResets,
		m.replays,
		m.breakerState,
	)
	return m
}

func (m *Metrics) RefreshCompleted(result string) {
	if m == nil {
		return
	}
	m.refreshAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) WaiterTimedOut() {
	if m == nil {
		return
	}
	m.waiterTimeouts.Inc()
}

func (m *Metrics) SetWaiters(n int) {
	if m == nil {
		return
	}
	m.waitersQueued.Set(float64(n))
}

func (m *Metrics) ForceReset() {
	if m == nil {
		return
	}
	m.forceResets.Inc()
}

func (m *Metrics) Replayed(result string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(result).Inc()
}

func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(state)
}
