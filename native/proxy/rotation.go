package proxy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"proxywallet/core/types"
)

// RequestGuardianRotation schedules a guardian change that becomes
// committable after the rotation delay, replacing any pending request. An
// empty spec cancels the pending request immediately.
func (e *Engine) RequestGuardianRotation(caller common.Address, spec GuardianSetSpec, delegateCode *uint64) error {
	o, err := e.resolve(caller)
	if err != nil {
		return err
	}
	return e.requestRotation(o, spec, delegateCode)
}

// CommitGuardianRotation applies the pending rotation. Without a multisig the
// guardian set is replaced at once. With one, the delegate instantiation is
// returned as a sub-message and the guardian set only changes when its reply
// lands.
func (e *Engine) CommitGuardianRotation(caller common.Address) (RotationOutcome, *types.SubMsg, error) {
	o, err := e.resolve(caller)
	if err != nil {
		return RotationOutcome{}, nil, err
	}
	return e.commitRotation(o)
}

func (e *Engine) requestRotation(o origin, spec GuardianSetSpec, delegateCode *uint64) error {
	if !o.ownerAuthority() {
		return ErrNotOwner
	}
	frozen, err := e.loadFrozen()
	if err != nil {
		return err
	}
	if frozen {
		return ErrFrozen
	}
	if _, inFlight, err := e.loadInFlight(); err != nil {
		return err
	} else if inFlight {
		return ErrRotationAlreadyInFlight
	}

	if spec.Empty() {
		pending, err := e.loadPending()
		if err != nil || pending == nil {
			return err
		}
		if err := e.deletePending(); err != nil {
			return err
		}
		e.emit(e.newRotationCancelledEvent(o, pending.Guardians.sortedMembers()))
		return nil
	}

	ctrl, err := e.loadController()
	if err != nil {
		return err
	}
	if err := spec.validate(ctrl.Owner); err != nil {
		return err
	}
	if spec.Multisig != nil {
		if _, err := e.delegateCode(delegateCode); err != nil {
			return err
		}
	}
	pending := &PendingGuardianRotation{
		Guardians:    spec.Clone(),
		EligibleAt:   ceilSecond(e.now().Add(e.params.RotationDelay)),
		DelegateCode: delegateCode,
	}
	if err := e.storePending(pending); err != nil {
		return err
	}
	e.emit(e.newRotationRequestedEvent(o, pending))
	return nil
}

func (e *Engine) commitRotation(o origin) (RotationOutcome, *types.SubMsg, error) {
	if !o.ownerAuthority() && !o.guardianAuthority() {
		return RotationOutcome{}, nil, ErrUnauthorized
	}
	frozen, err := e.loadFrozen()
	if err != nil {
		return RotationOutcome{}, nil, err
	}
	if frozen {
		return RotationOutcome{}, nil, ErrFrozen
	}
	if _, inFlight, err := e.loadInFlight(); err != nil {
		return RotationOutcome{}, nil, err
	} else if inFlight {
		return RotationOutcome{}, nil, ErrRotationAlreadyInFlight
	}
	pending, err := e.loadPending()
	if err != nil {
		return RotationOutcome{}, nil, err
	}
	if pending == nil {
		return RotationOutcome{}, nil, ErrNoPendingRequest
	}
	if e.now().Before(pending.EligibleAt) {
		return RotationOutcome{}, nil, fmt.Errorf("%w: eligible at %s", ErrNotYetEligible, pending.EligibleAt.Format(time.RFC3339))
	}
	ctrl, err := e.loadController()
	if err != nil {
		return RotationOutcome{}, nil, err
	}
	// The owner may have rotated since the request was made.
	if err := pending.Guardians.validate(ctrl.Owner); err != nil {
		return RotationOutcome{}, nil, err
	}

	if pending.Guardians.Multisig == nil {
		next := GuardianSet{Members: pending.Guardians.sortedMembers()}
		if err := e.storeGuardians(next); err != nil {
			return RotationOutcome{}, nil, err
		}
		if err := e.deletePending(); err != nil {
			return RotationOutcome{}, nil, err
		}
		e.emit(e.newGuardiansRotatedEvent(next))
		return RotationOutcome{Status: RotationCompleted, Guardians: next}, nil, nil
	}

	sub, err := e.delegateInstantiation(pending.Guardians, pending.DelegateCode, e.params.RotationReplyID, "")
	if err != nil {
		return RotationOutcome{}, nil, err
	}
	if err := e.reserveInFlight(e.params.RotationReplyID); err != nil {
		return RotationOutcome{}, nil, err
	}
	current, err := e.loadGuardians()
	if err != nil {
		return RotationOutcome{}, nil, err
	}
	e.emit(e.newRotationInitiatedEvent(o, pending))
	return RotationOutcome{Status: RotationInitiated, Guardians: current}, &sub, nil
}

// rotationReply resolves an in-flight rotation. Success installs the pending
// members together with the new delegate; failure drops the pending request
// and leaves the guardian set untouched.
func (e *Engine) rotationReply(result types.SubMsgResult) (*types.Response, error) {
	id, ok, err := e.loadInFlight()
	if err != nil {
		return nil, err
	}
	if !ok || id != e.params.RotationReplyID {
		return nil, ErrNoRotationInFlight
	}
	pending, err := e.loadPending()
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, ErrNoPendingRequest
	}
	if err := e.releaseInFlight(); err != nil {
		return nil, err
	}
	if err := e.deletePending(); err != nil {
		return nil, err
	}
	if !result.OK() || result.Contract == (common.Address{}) {
		reason := result.Err
		if reason == "" {
			reason = "reply carries no contract address"
		}
		e.emit(e.newRotationAbortedEvent(pending, reason))
		return &types.Response{}, nil
	}
	delegate := result.Contract
	next := GuardianSet{Members: pending.Guardians.sortedMembers(), Delegate: &delegate}
	if err := e.storeGuardians(next); err != nil {
		return nil, err
	}
	e.emit(e.newGuardiansRotatedEvent(next))
	return &types.Response{}, nil
}

func (e *Engine) delegateCode(explicit *uint64) (uint64, error) {
	if explicit != nil && *explicit != 0 {
		return *explicit, nil
	}
	if e.codes != nil {
		if code, ok := e.codes.DefaultDelegateCode(); ok && code != 0 {
			return code, nil
		}
	}
	return 0, ErrNoDelegateCode
}

// delegateInstantiation builds the sub-message that creates the threshold
// delegate for spec. The reply is always requested so that both outcomes
// reach the wallet.
func (e *Engine) delegateInstantiation(spec GuardianSetSpec, explicit *uint64, replyID uint64, label string) (types.SubMsg, error) {
	code, err := e.delegateCode(explicit)
	if err != nil {
		return types.SubMsg{}, err
	}
	period := spec.Multisig.VotingPeriodSeconds
	if period == 0 {
		period = uint64(e.params.DelegateVotingPeriod / time.Second)
	}
	payload, err := json.Marshal(DelegateInit{
		Members:             spec.sortedMembers(),
		Threshold:           spec.Multisig.Threshold,
		VotingPeriodSeconds: period,
	})
	if err != nil {
		return types.SubMsg{}, err
	}
	if label == "" {
		if info, err := e.loadInfo(); err == nil {
			label = info.Label
		}
	}
	if label == "" {
		label = "wallet"
	}
	msg := types.Message{Instantiate: &types.InstantiateMsg{
		CodeID: code,
		Label:  label + "-guardians",
		Msg:    payload,
	}}
	return types.SubMsg{ID: replyID, Msg: msg, ReplyOn: types.ReplyAlways}, nil
}

// ceilSecond rounds t up to a whole second. EligibleAt is persisted in
// seconds and must never fall before the full delay has elapsed.
func ceilSecond(t time.Time) time.Time {
	floor := t.Truncate(time.Second)
	if floor.Before(t) {
		floor = floor.Add(time.Second)
	}
	return floor.UTC()
}
