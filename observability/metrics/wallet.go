package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WalletMetrics tracks wallet authorization outcomes and host execution.
type WalletMetrics struct {
	actions         *prometheus.CounterVec
	relayRejections *prometheus.CounterVec
	rotations       *prometheus.CounterVec
	callDuration    *prometheus.HistogramVec
}

var (
	walletOnce     sync.Once
	walletRegistry *WalletMetrics
)

// Wallet returns the wallet metrics registered with the default registerer.
func Wallet() *WalletMetrics {
	walletOnce.Do(func() {
		walletRegistry = NewWallet(prometheus.DefaultRegisterer)
	})
	return walletRegistry
}

// NewWallet builds the wallet collectors and registers them with reg.
func NewWallet(reg prometheus.Registerer) *WalletMetrics {
	m := &WalletMetrics{
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxywallet",
			Name:      "actions_total",
			Help:      "Count of wallet actions segmented by kind and outcome.",
		}, []string{"action", "outcome"}),
		relayRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxywallet",
			Name:      "relay_rejections_total",
			Help:      "Count of rejected relay transactions by reason.",
		}, []string{"reason"}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxywallet",
			Name:      "rotations_total",
			Help:      "Count of guardian rotations by outcome.",
		}, []string{"outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "proxywallet",
			Subsystem: "host",
			Name:      "call_duration_seconds",
			Help:      "Latency distribution of host calls by entry point.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entry", "outcome"}),
	}
	reg.MustRegister(m.actions, m.relayRejections, m.rotations, m.callDuration)
	return m
}

func label(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}

// ObserveAction records the outcome of a wallet action. Outcome is an error
// category, "failed" for relayed instructions, or "success".
func (m *WalletMetrics) ObserveAction(action, outcome string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(label(action, "unknown"), label(outcome, "success")).Inc()
}

// IncRelayRejection counts a relay transaction that failed verification.
func (m *WalletMetrics) IncRelayRejection(reason string) {
	if m == nil {
		return
	}
	m.relayRejections.WithLabelValues(label(reason, "unknown")).Inc()
}

// ObserveRotation counts a guardian rotation reaching outcome ("completed",
// "initiated", "aborted").
func (m *WalletMetrics) ObserveRotation(outcome string) {
	if m == nil {
		return
	}
	m.rotations.WithLabelValues(label(outcome, "unknown")).Inc()
}

// ObserveCall records the duration of a host entry point.
func (m *WalletMetrics) ObserveCall(entry string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.callDuration.WithLabelValues(label(entry, "unknown"), outcome).Observe(duration.Seconds())
}
