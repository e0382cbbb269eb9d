// Package metrics provides Prometheus metrics for enclave-runner.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/philsphicas/enclave-runner/internal/relay"
	"github.com/philsphicas/enclave-runner/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "enclave_runner"

// OverflowTarget is used as the target label when the number of unique
// targets exceeds MaxTargets.
const OverflowTarget = "__other__"

// Roles.
const (
	RoleServer = "server"
	RoleClient = "client"
)

// Failure reasons recorded by ConnectionError.
const (
	ReasonDecodeError        = "decode_error"
	ReasonUnsupportedRequest = "unsupported_request"
	ReasonDialFailed         = "dial_failed"
	ReasonDialTimeout        = "dial_timeout"
	ReasonTargetNotAllowed   = "target_not_allowed"
	ReasonRequestTimeout     = "request_timeout"
	ReasonAcceptTimeout      = "accept_timeout"
	ReasonAcceptFailed       = "accept_failed"
	ReasonResponseFailed     = "response_failed"
	ReasonMaxConnections     = "max_connections"
	ReasonRunnerFailed       = "runner_failed"
	ReasonRejected           = "rejected"
	ReasonUnexpectedResponse = "unexpected_response"
)

// Metrics holds all Prometheus metrics for enclave-runner.
type Metrics struct {
	Registry *prometheus.Registry

	// MaxTargets is the maximum number of unique target label values.
	// Once exceeded, new targets are recorded as OverflowTarget.
	// Zero means unlimited.
	MaxTargets int

	sessionsTotal      *prometheus.CounterVec
	connectionErrors   *prometheus.CounterVec
	bytesTotal         *prometheus.CounterVec
	activeSessions     *prometheus.GaugeVec
	listenerUp         prometheus.Gauge
	controlConnections prometheus.Counter
	sessionDuration    *prometheus.HistogramVec
	dialDuration       *prometheus.HistogramVec

	listening   atomic.Bool
	targetCount atomic.Int64
	targets     sync.Map // map[string]struct{}
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total sessions that completed setup and entered the data pump.",
		}, []string{"role", "target", "status"}),

		connectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Total number of connections that failed before the data pump, by reason.",
		}, []string{"role", "reason"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total bytes moved by the data pump.",
		}, []string{"role", "target", "direction"}),

		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently pumping data.",
		}, []string{"role", "target"}),

		listenerUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listener_up",
			Help:      "Whether the control listener is bound (1) or not (0).",
		}),

		controlConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_connections_total",
			Help:      "Total control connections accepted on the well-known port.",
		}),

		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of completed sessions in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"role", "target"}),

		dialDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_duration_seconds",
			Help:      "Time spent dialing the remote endpoint or the runner, in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"role"}),
	}

	reg.MustRegister(
		m.sessionsTotal,
		m.connectionErrors,
		m.bytesTotal,
		m.activeSessions,
		m.listenerUp,
		m.controlConnections,
		m.sessionDuration,
		m.dialDuration,
	)

	return m
}

// SanitizeTarget returns target if it is within the cardinality budget,
// or OverflowTarget if the cap has been reached. Targets that have been
// seen before are always returned as-is.
func (m *Metrics) SanitizeTarget(target string) string {
	if m == nil {
		return target
	}
	if m.MaxTargets <= 0 {
		return target
	}

	for {
		// Fast path: already-known target.
		if _, ok := m.targets.Load(target); ok {
			return target
		}

		cur := m.targetCount.Load()
		if cur >= int64(m.MaxTargets) {
			// Re-check: another goroutine may have stored this target
			// between our Load and this cap check.
			if _, ok := m.targets.Load(target); ok {
				return target
			}
			return OverflowTarget
		}

		if !m.targetCount.CompareAndSwap(cur, cur+1) {
			continue
		}

		// Slot reserved. Undo the increment if another goroutine stored
		// the target first.
		if _, loaded := m.targets.LoadOrStore(target, struct{}{}); loaded {
			m.targetCount.Add(-1)
		}

		return target
	}
}

// SessionOpened increments the active session gauge and should be called
// when a pump begins. The returned SessionTracker records the outcome.
func (m *Metrics) SessionOpened(role, target string) *SessionTracker {
	if m == nil {
		return nil
	}
	target = m.SanitizeTarget(target)
	m.activeSessions.WithLabelValues(role, target).Inc()
	return &SessionTracker{m: m, role: role, target: target}
}

// ConnectionError records a connection failure that did not reach the pump.
func (m *Metrics) ConnectionError(role, reason string) {
	if m == nil {
		return
	}
	m.connectionErrors.WithLabelValues(role, reason).Inc()
}

// ControlConnectionAccepted counts a control connection accepted by the
// dispatch loop.
func (m *Metrics) ControlConnectionAccepted() {
	if m == nil {
		return
	}
	m.controlConnections.Inc()
}

// DialReason returns "dial_timeout" if err is a network timeout, otherwise
// returns fallback.
func DialReason(err error, fallback string) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonDialTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonDialTimeout
	}
	return fallback
}

// ObserveDialDuration records how long an outbound dial took.
func (m *Metrics) ObserveDialDuration(role string, seconds float64) {
	if m == nil {
		return
	}
	m.dialDuration.WithLabelValues(role).Observe(seconds)
}

// SetListening sets the listener gauge.
func (m *Metrics) SetListening(up bool) {
	if m == nil {
		return
	}
	m.listening.Store(up)
	if up {
		m.listenerUp.Set(1)
	} else {
		m.listenerUp.Set(0)
	}
}

// SessionTracker records the outcome of a single pumped session.
type SessionTracker struct {
	m      *Metrics
	role   string
	target string
}

// Done records the completion of a session.
func (t *SessionTracker) Done(durationSec float64, stats relay.PumpStats, err error) {
	if t == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	t.m.activeSessions.WithLabelValues(t.role, t.target).Dec()
	t.m.sessionsTotal.WithLabelValues(t.role, t.target, status).Inc()
	t.m.sessionDuration.WithLabelValues(t.role, t.target).Observe(durationSec)
	t.m.bytesTotal.WithLabelValues(t.role, t.target, "proxy_to_remote").Add(float64(stats.ProxyToRemote))
	t.m.bytesTotal.WithLabelValues(t.role, t.target, "remote_to_proxy").Add(float64(stats.RemoteToProxy))
}

// TrackedPump wraps relay.Pump with session lifecycle tracking.
// Safe to call on a nil receiver.
func (m *Metrics) TrackedPump(ctx context.Context, proxy, remote transport.Stream, role, target string, logger *slog.Logger) (relay.PumpStats, error) {
	tracker := m.SessionOpened(role, target)
	start := time.Now()
	var stats relay.PumpStats
	var err error
	defer func() {
		tracker.Done(time.Since(start).Seconds(), stats, err)
	}()
	stats, err = relay.Pump(ctx, proxy, remote, logger)
	return stats, err
}

// InstrumentedDial wraps tr.Dial with duration and error metrics.
// Safe to call on a nil receiver.
func (m *Metrics) InstrumentedDial(ctx context.Context, tr transport.Transport, host string, port uint32, role string) (transport.Stream, error) {
	start := time.Now()
	s, err := tr.Dial(ctx, host, port)
	m.ObserveDialDuration(role, time.Since(start).Seconds())
	if err != nil {
		m.ConnectionError(role, DialReason(err, ReasonRunnerFailed))
		return nil, err
	}
	return s, nil
}
