package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "httpssh_active_sessions", Help: "Tunnel sessions currently registered"})
	SessionsCreatedTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "httpssh_sessions_created_total", Help: "Tunnel sessions created"})
	SessionsExpiredTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "httpssh_sessions_expired_total", Help: "Tunnel sessions collected by the idle sweep"})
	SessionBytesTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "httpssh_session_bytes_total", Help: "Bytes moved through tunnel sessions"}, []string{"direction"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "httpssh_session_duration_seconds", Help: "Tunnel session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 20)})
	RequestsTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "httpssh_requests_total", Help: "Long-poll protocol requests by operation and status"}, []string{"op", "code"})

	BridgeActiveConns     = promauto.NewGauge(prometheus.GaugeOpts{Name: "httpssh_bridge_active_connections", Help: "Connections currently handled by the bridge"})
	BridgeConnsTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "httpssh_bridge_connections_total", Help: "Bridge connections by classified mode"}, []string{"mode"})
	RelayBytesTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "httpssh_relay_bytes_total", Help: "Bytes relayed by the bridge"}, []string{"direction"})
	RelayIdleTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "httpssh_relay_idle_timeout_total", Help: "Relays closed after the idle timeout"})
	RelayDurationSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "httpssh_relay_duration_seconds", Help: "Relay lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 20)})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "httpssh_errors_total", Help: "Errors by type"}, []string{"type"})
)
