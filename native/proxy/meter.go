package proxy

import (
	"proxywallet/core/events"
	"proxywallet/core/types"
	"proxywallet/observability/metrics"
)

// EventMeter counts wallet outcomes from committed events. Install it as the
// host emitter so that work reverted with its enclosing call is never counted.
type EventMeter struct {
	metrics *metrics.WalletMetrics
	next    events.Emitter
}

// NewEventMeter returns a meter recording into m and forwarding every event
// to next.
func NewEventMeter(m *metrics.WalletMetrics, next events.Emitter) *EventMeter {
	return &EventMeter{metrics: m, next: next}
}

// Emit implements events.Emitter.
func (m *EventMeter) Emit(evt events.Event) {
	if payload, ok := evt.(events.Payload); ok {
		if e := payload.Event(); e != nil {
			m.record(e)
		}
	}
	if m.next != nil {
		m.next.Emit(evt)
	}
}

func (m *EventMeter) record(evt *types.Event) {
	switch evt.Type {
	case EventInstantiated, EventExecuted, EventRelayed, EventFreezeToggled, EventOwnerRotated,
		EventGuardianRotationRequested, EventGuardianRotationCancelled, EventRelayerAdded, EventRelayerRemoved:
		m.metrics.ObserveAction(evt.Attr("action"), "success")
	case EventGuardianRotationInitiated:
		m.metrics.ObserveAction(evt.Attr("action"), "success")
		m.metrics.ObserveRotation("initiated")
	case EventGuardiansRotated:
		// A rotation without a delegate completes inside the commit itself.
		if evt.Attr("delegate") == "" {
			m.metrics.ObserveAction(evt.Attr("action"), "success")
		}
		m.metrics.ObserveRotation("completed")
	case EventGuardianRotationAborted:
		m.metrics.ObserveRotation("aborted")
	case EventRelayInstructionFailed:
		m.metrics.ObserveAction(evt.Attr("instruction"), "failed")
		m.metrics.IncRelayRejection("instruction")
	}
}
