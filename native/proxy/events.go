package proxy

import (
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"proxywallet/core/types"
)

const (
	EventInstantiated              = "proxy.instantiated"
	EventExecuted                  = "proxy.executed"
	EventRelayed                   = "proxy.relayed"
	EventRelayInstructionFailed    = "proxy.relay.instruction_failed"
	EventFreezeToggled             = "proxy.freeze.toggled"
	EventOwnerRotated              = "proxy.owner.rotated"
	EventGuardianRotationRequested = "proxy.guardians.rotation_requested"
	EventGuardianRotationCancelled = "proxy.guardians.rotation_cancelled"
	EventGuardianRotationInitiated = "proxy.guardians.rotation_initiated"
	EventGuardiansRotated          = "proxy.guardians.rotated"
	EventGuardianRotationAborted   = "proxy.guardians.rotation_aborted"
	EventRelayerAdded              = "proxy.relayer.added"
	EventRelayerRemoved            = "proxy.relayer.removed"
	EventDelegateInstantiated      = "proxy.delegate.instantiated"
)

func (e *Engine) newEvent(eventType, action string) *types.Event {
	evt := types.NewEvent(eventType).With("action", action)
	if e.self != (common.Address{}) {
		evt.With("wallet", e.format(e.self))
	}
	return evt
}

func (e *Engine) withOrigin(evt *types.Event, o origin) *types.Event {
	evt.With("caller", e.format(o.caller)).With("role", o.role.String())
	if o.relayed() {
		evt.With("relayer", e.format(o.relayer))
	}
	return evt
}

func (e *Engine) formatList(addrs []common.Address) string {
	parts := make([]string, len(addrs))
	for i, addr := range addrs {
		parts[i] = e.format(addr)
	}
	return strings.Join(parts, ",")
}

func (e *Engine) newInstantiatedEvent(creator, owner common.Address, guardians, relayers []common.Address) *types.Event {
	return e.newEvent(EventInstantiated, "instantiate").
		With("creator", e.format(creator)).
		With("owner", e.format(owner)).
		With("guardians", e.formatList(guardians)).
		With("relayers", e.formatList(relayers))
}

func (e *Engine) newDelegateInstantiatedEvent(delegate common.Address, members []common.Address) *types.Event {
	return e.newEvent(EventDelegateInstantiated, "instantiate").
		With("delegate", e.format(delegate)).
		With("guardians", e.formatList(members))
}

func (e *Engine) newExecutedEvent(o origin, count int) *types.Event {
	return e.withOrigin(e.newEvent(EventExecuted, ActionExecute), o).
		With("messages", strconv.Itoa(count))
}

func (e *Engine) newRelayedEvent(relayer, owner common.Address, inner string, nonce uint64) *types.Event {
	return e.newEvent(EventRelayed, ActionRelay).
		With("relayer", e.format(relayer)).
		With("owner", e.format(owner)).
		With("instruction", inner).
		With("nonce", strconv.FormatUint(nonce, 10))
}

func (e *Engine) newRelayInstructionFailedEvent(instruction string, nextNonce uint64, reason string) *types.Event {
	return e.newEvent(EventRelayInstructionFailed, ActionRelay).
		With("instruction", instruction).
		With("next_nonce", strconv.FormatUint(nextNonce, 10)).
		With("error", reason)
}

func (e *Engine) newFreezeToggledEvent(o origin, frozen bool) *types.Event {
	return e.withOrigin(e.newEvent(EventFreezeToggled, ActionToggleFreeze), o).
		With("frozen", strconv.FormatBool(frozen))
}

func (e *Engine) newOwnerRotatedEvent(o origin, oldOwner, newOwner common.Address) *types.Event {
	return e.withOrigin(e.newEvent(EventOwnerRotated, ActionRotateOwner), o).
		With("old_owner", e.format(oldOwner)).
		With("new_owner", e.format(newOwner))
}

func (e *Engine) newRelayerEvent(eventType string, o origin, relayer common.Address) *types.Event {
	action := ActionAddRelayer
	if eventType == EventRelayerRemoved {
		action = ActionRemoveRelayer
	}
	return e.withOrigin(e.newEvent(eventType, action), o).
		With("relayer_address", e.format(relayer))
}

func (e *Engine) newRotationRequestedEvent(o origin, p *PendingGuardianRotation) *types.Event {
	evt := e.withOrigin(e.newEvent(EventGuardianRotationRequested, ActionRequestGuardianRotation), o).
		With("guardians", e.formatList(p.Guardians.sortedMembers())).
		With("eligible_at", p.EligibleAt.UTC().Format(time.RFC3339))
	if m := p.Guardians.Multisig; m != nil {
		evt.With("threshold", strconv.FormatUint(m.Threshold, 10))
	}
	return evt
}

func (e *Engine) newRotationCancelledEvent(o origin, members []common.Address) *types.Event {
	return e.withOrigin(e.newEvent(EventGuardianRotationCancelled, ActionRequestGuardianRotation), o).
		With("guardians", e.formatList(members))
}

func (e *Engine) newRotationInitiatedEvent(o origin, p *PendingGuardianRotation) *types.Event {
	return e.withOrigin(e.newEvent(EventGuardianRotationInitiated, ActionCommitGuardianRotation), o).
		With("guardians", e.formatList(p.Guardians.sortedMembers())).
		With("threshold", strconv.FormatUint(p.Guardians.Multisig.Threshold, 10))
}

func (e *Engine) newGuardiansRotatedEvent(set GuardianSet) *types.Event {
	evt := e.newEvent(EventGuardiansRotated, ActionCommitGuardianRotation).
		With("guardians", e.formatList(set.Members))
	if set.Delegate != nil {
		evt.With("delegate", e.format(*set.Delegate))
	}
	return evt
}

func (e *Engine) newRotationAbortedEvent(p *PendingGuardianRotation, reason string) *types.Event {
	return e.newEvent(EventGuardianRotationAborted, ActionCommitGuardianRotation).
		With("guardians", e.formatList(p.Guardians.sortedMembers())).
		With("error", reason)
}
