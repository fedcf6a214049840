package proxy

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"proxywallet/core/events"
	"proxywallet/core/types"
	"proxywallet/crypto"
)

// VerifyAndConsume authenticates an owner-signed relay transaction submitted
// by relayer. The checks run in a fixed order and the first failure wins:
// relayer membership, freeze flag, owner key, nonce, signature, instruction
// shape. Nested relays and relayer-set changes are refused as part of the
// shape check. On success the controller nonce is incremented before the
// decoded instruction is returned, so the instruction can never be replayed
// whatever its downstream outcome.
func (e *Engine) VerifyAndConsume(relayer common.Address, tx RelayTransaction) (Action, error) {
	relayers, err := e.loadRelayers()
	if err != nil {
		return nil, err
	}
	if !containsAddress(relayers, relayer) {
		return nil, ErrNotARelayer
	}
	frozen, err := e.loadFrozen()
	if err != nil {
		return nil, err
	}
	if frozen {
		return nil, ErrFrozen
	}
	ctrl, err := e.loadController()
	if err != nil {
		return nil, err
	}
	claimed, err := e.params.Scheme.Derive(tx.OwnerPubKey)
	if err != nil || claimed != ctrl.Owner {
		return nil, ErrNotOwner
	}
	if tx.Nonce != ctrl.Nonce {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrNonceMismatch, ctrl.Nonce, tx.Nonce)
	}
	digest := crypto.RelayDigest(tx.Message, tx.Nonce)
	if !e.params.Verifier.Verify(tx.OwnerPubKey, digest, tx.Signature) {
		return nil, ErrBadSignature
	}
	action, err := DecodeAction(tx.Message)
	if err != nil {
		return nil, err
	}
	switch action.(type) {
	case Relay:
		return nil, fmt.Errorf("%w: nested relay", ErrUnauthorized)
	case AddRelayer, RemoveRelayer:
		return nil, fmt.Errorf("%w: relayer set cannot be changed through a relay", ErrUnauthorized)
	}
	ctrl.Nonce++
	if err := e.storeController(ctrl); err != nil {
		return nil, err
	}
	return action, nil
}

// relay runs a verified instruction on a staged view of the wallet. A failing
// instruction drops only its own writes and events: the consumed nonce is
// kept and the failure is reported through an event and the call data.
// Storage faults still abort the whole call.
func (e *Engine) relay(relayer common.Address, tx RelayTransaction) (*types.Response, error) {
	action, err := e.VerifyAndConsume(relayer, tx)
	if err != nil {
		return nil, err
	}
	ctrl, err := e.loadController()
	if err != nil {
		return nil, err
	}
	o := origin{caller: ctrl.Owner, role: roleRelayedOwner, relayer: relayer}
	resp, err := e.staged(func() (*types.Response, error) { return e.dispatch(o, action) })
	if err != nil {
		if Category(err) == CategoryInternal {
			return nil, err
		}
		e.emit(e.newRelayInstructionFailedEvent(action.ActionType(), ctrl.Nonce, err.Error()))
		return dataResponse(RelayFailure{
			Instruction: action.ActionType(),
			Error:       err.Error(),
			Category:    Category(err),
			NextNonce:   ctrl.Nonce,
		})
	}
	e.emit(e.newRelayedEvent(relayer, ctrl.Owner, action.ActionType(), tx.Nonce))
	return resp, nil
}

// staged runs fn against a nested layer of the wallet state with its events
// buffered. Both are flushed only when fn succeeds.
func (e *Engine) staged(fn func() (*types.Response, error)) (*types.Response, error) {
	st, ok := e.state.(stager)
	if !ok {
		return nil, errNoStaging
	}
	parent, emitter := e.state, e.emitter
	view, commit := st.Stage()
	buf := &events.Buffer{}
	e.state, e.emitter = view, buf
	resp, err := fn()
	e.state, e.emitter = parent, emitter
	if err != nil {
		return nil, err
	}
	if err := commit(); err != nil {
		return nil, err
	}
	buf.Forward(emitter)
	return resp, nil
}

// executeMsgs forwards owner-approved messages. Direct calls abort on any
// downstream failure; relayed calls receive failures through the reply so
// the consumed nonce is kept.
func (e *Engine) executeMsgs(o origin, msgs []types.Message) (*types.Response, error) {
	if !o.ownerAuthority() {
		return nil, ErrNotOwner
	}
	frozen, err := e.loadFrozen()
	if err != nil {
		return nil, err
	}
	if frozen {
		return nil, ErrFrozen
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: no messages", ErrInvalidMessage)
	}
	resp := &types.Response{}
	for i, msg := range msgs {
		if err := msg.Validate(); err != nil {
			return nil, fmt.Errorf("%w: message %d: %v", ErrInvalidMessage, i, err)
		}
		if o.relayed() {
			resp.AddSubMessage(e.params.RelayExecReplyID, msg, types.ReplyOnError)
		} else {
			resp.AddMessage(msg)
		}
	}
	e.emit(e.newExecutedEvent(o, len(msgs)))
	return resp, nil
}

func (e *Engine) relayExecReply(result types.SubMsgResult) (*types.Response, error) {
	if result.OK() {
		return &types.Response{}, nil
	}
	ctrl, err := e.loadController()
	if err != nil {
		return nil, err
	}
	e.emit(e.newRelayInstructionFailedEvent(ActionExecute, ctrl.Nonce, result.Err))
	return &types.Response{}, nil
}
