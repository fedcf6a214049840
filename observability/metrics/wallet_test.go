package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, reg prometheus.Gatherer, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if labelsMatch(metric.GetLabel(), labels) {
				return metric
			}
		}
	}
	return nil
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, pair := range pairs {
		if want[pair.GetName()] != pair.GetValue() {
			return false
		}
	}
	return true
}

func TestWalletCountersRecordLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWallet(reg)
	m.ObserveAction("relay", "success")
	m.ObserveAction("relay", "success")
	m.ObserveAction(" ", "")
	m.IncRelayRejection("nonce_mismatch")
	m.ObserveRotation("aborted")

	cases := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"proxywallet_actions_total", map[string]string{"action": "relay", "outcome": "success"}, 2},
		{"proxywallet_actions_total", map[string]string{"action": "unknown", "outcome": "success"}, 1},
		{"proxywallet_relay_rejections_total", map[string]string{"reason": "nonce_mismatch"}, 1},
		{"proxywallet_rotations_total", map[string]string{"outcome": "aborted"}, 1},
	}
	for _, tc := range cases {
		metric := gather(t, reg, tc.name, tc.labels)
		if metric == nil {
			t.Fatalf("%s%v not found", tc.name, tc.labels)
		}
		if got := metric.GetCounter().GetValue(); got != tc.want {
			t.Fatalf("%s%v = %v, want %v", tc.name, tc.labels, got, tc.want)
		}
	}
}

func TestObserveCallSplitsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWallet(reg)
	m.ObserveCall("execute", 20*time.Millisecond, nil)
	m.ObserveCall("execute", time.Millisecond, errors.New("boom"))
	m.ObserveCall("execute", time.Millisecond, errors.New("boom"))

	ok := gather(t, reg, "proxywallet_host_call_duration_seconds", map[string]string{"entry": "execute", "outcome": "success"})
	failed := gather(t, reg, "proxywallet_host_call_duration_seconds", map[string]string{"entry": "execute", "outcome": "error"})
	if ok == nil || failed == nil {
		t.Fatalf("expected both outcomes to be recorded")
	}
	if ok.GetHistogram().GetSampleCount() != 1 || failed.GetHistogram().GetSampleCount() != 2 {
		t.Fatalf("unexpected sample counts %d/%d", ok.GetHistogram().GetSampleCount(), failed.GetHistogram().GetSampleCount())
	}
}

func TestNilWalletMetricsIsNoop(t *testing.T) {
	var m *WalletMetrics
	m.ObserveAction("relay", "success")
	m.IncRelayRejection("frozen")
	m.ObserveRotation("completed")
	m.ObserveCall("execute", time.Second, nil)
}
