package proxy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"proxywallet/core/events"
	"proxywallet/core/types"
)

// DelegateCodeSource is the factory's view of which threshold delegate code a
// rotation should instantiate when the request does not name one.
type DelegateCodeSource interface {
	DefaultDelegateCode() (uint64, bool)
}

type proxyEvent struct {
	evt *types.Event
}

func (e proxyEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e proxyEvent) Event() *types.Event { return e.evt }

// Engine is the authorization engine of a single wallet. It resolves the
// caller's role for every action, enforces the freeze gate and replay
// protection, and applies the resulting transition to the wallet's state.
//
// An Engine is bound to one wallet's state view per call and is not safe for
// concurrent use; the host serialises calls.
type Engine struct {
	state   engineState
	emitter events.Emitter
	nowFn   func() time.Time
	params  Params
	self    common.Address
	codes   DelegateCodeSource
}

// NewEngine creates an engine with the supplied parameters. Zero fields fall
// back to DefaultParams.
func NewEngine(params Params) *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() time.Time { return time.Now().UTC() },
		params:  params.withDefaults(),
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetAddress records the wallet's own address for event attribution.
func (e *Engine) SetAddress(addr common.Address) { e.self = addr }

// SetDelegateCodeSource configures where default delegate code is looked up.
func (e *Engine) SetDelegateCodeSource(src DelegateCodeSource) { e.codes = src }

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used for the rotation time lock. Nil
// restores the default UTC clock.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	e.nowFn = now
}

// Params returns the engine configuration.
func (e *Engine) Params() Params { return e.params }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(proxyEvent{evt: event})
}

func (e *Engine) now() time.Time {
	if e == nil || e.nowFn == nil {
		return time.Now().UTC()
	}
	return e.nowFn()
}

func (e *Engine) format(addr common.Address) string {
	return e.params.Scheme.Format(addr)
}

type role uint8

const (
	roleNone role = iota
	roleOwner
	roleRelayedOwner
	roleGuardian
	roleDelegate
)

func (r role) String() string {
	switch r {
	case roleOwner:
		return "owner"
	case roleRelayedOwner:
		return "relayer"
	case roleGuardian:
		return "guardian"
	case roleDelegate:
		return "delegate"
	default:
		return "none"
	}
}

// origin is the resolved authority behind an action. For relayed actions
// caller is the owner and relayer the submitting address.
type origin struct {
	caller  common.Address
	role    role
	relayer common.Address
}

func (o origin) ownerAuthority() bool { return o.role == roleOwner || o.role == roleRelayedOwner }

func (o origin) guardianAuthority() bool { return o.role == roleGuardian || o.role == roleDelegate }

func (o origin) relayed() bool { return o.role == roleRelayedOwner }

func (e *Engine) resolve(caller common.Address) (origin, error) {
	ctrl, err := e.loadController()
	if err != nil {
		return origin{}, err
	}
	guardians, err := e.loadGuardians()
	if err != nil {
		return origin{}, err
	}
	o := origin{caller: caller, role: roleNone}
	switch {
	case caller == ctrl.Owner:
		o.role = roleOwner
	case guardians.IsDelegate(caller):
		o.role = roleDelegate
	case guardians.Contains(caller):
		o.role = roleGuardian
	}
	return o, nil
}

// Instantiate initialises the wallet's state. When the guardians ask for a
// threshold delegate, the response carries the delegate instantiation and the
// wallet is only usable once the reply lands; a failed delegate fails the
// whole creation.
func (e *Engine) Instantiate(creator common.Address, msg InitMsg) (*types.Response, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if ok, err := e.state.KVGet(keyController, nil); err != nil {
		return nil, err
	} else if ok {
		return nil, errInstantiated
	}
	if msg.Owner == (common.Address{}) {
		return nil, fmt.Errorf("%w: owner required", ErrInvalidAddress)
	}
	if err := msg.Guardians.validate(msg.Owner); err != nil {
		return nil, err
	}
	relayers := make([]common.Address, 0, len(msg.Relayers))
	seen := make(map[common.Address]struct{}, len(msg.Relayers))
	for _, r := range msg.Relayers {
		if r == (common.Address{}) {
			return nil, fmt.Errorf("%w: zero relayer address", ErrInvalidAddress)
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		relayers = append(relayers, r)
	}

	resp := &types.Response{}
	if msg.Guardians.Multisig != nil {
		sub, err := e.delegateInstantiation(msg.Guardians, msg.DelegateCode, e.params.InstantiateReplyID, msg.Label)
		if err != nil {
			return nil, err
		}
		if err := e.reserveInFlight(e.params.InstantiateReplyID); err != nil {
			return nil, err
		}
		resp.Messages = append(resp.Messages, sub)
	}

	now := e.now()
	if err := e.storeController(ControllerRecord{Owner: msg.Owner}); err != nil {
		return nil, err
	}
	if err := e.storeGuardians(GuardianSet{Members: msg.Guardians.Addresses}); err != nil {
		return nil, err
	}
	if err := e.storeRelayers(relayers); err != nil {
		return nil, err
	}
	if err := e.storeFrozen(false); err != nil {
		return nil, err
	}
	info := storedInfo{Label: msg.Label, Creator: creator, CreatedAt: uint64(now.Unix())}
	if err := e.state.KVPut(keyInfo, info); err != nil {
		return nil, err
	}
	e.emit(e.newInstantiatedEvent(creator, msg.Owner, msg.Guardians.sortedMembers(), sortAddresses(relayers)))
	return resp, nil
}

// Execute is the single entry point for direct calls. The action type decides
// which handler runs; the caller's role is resolved once up front.
func (e *Engine) Execute(caller common.Address, action Action) (*types.Response, error) {
	o, err := e.resolve(caller)
	if err != nil {
		return nil, err
	}
	return e.dispatch(o, action)
}

func (e *Engine) dispatch(o origin, action Action) (*types.Response, error) {
	switch a := action.(type) {
	case ExecuteMsgs:
		return e.executeMsgs(o, a.Msgs)
	case Relay:
		if o.relayed() {
			return nil, fmt.Errorf("%w: nested relay", ErrUnauthorized)
		}
		return e.relay(o.caller, a.Transaction)
	case ToggleFreeze:
		frozen, err := e.toggleFreeze(o)
		if err != nil {
			return nil, err
		}
		return dataResponse(map[string]bool{"frozen": frozen})
	case RotateOwner:
		if err := e.rotateOwner(o, a.NewOwner); err != nil {
			return nil, err
		}
		return &types.Response{}, nil
	case RequestGuardianRotation:
		if err := e.requestRotation(o, a.Guardians, a.DelegateCode); err != nil {
			return nil, err
		}
		return &types.Response{}, nil
	case CommitGuardianRotation:
		outcome, sub, err := e.commitRotation(o)
		if err != nil {
			return nil, err
		}
		resp, err := dataResponse(outcome)
		if err != nil {
			return nil, err
		}
		if sub != nil {
			resp.Messages = append(resp.Messages, *sub)
		}
		return resp, nil
	case AddRelayer:
		if err := e.addRelayer(o, a.Relayer); err != nil {
			return nil, err
		}
		return &types.Response{}, nil
	case RemoveRelayer:
		if err := e.removeRelayer(o, a.Relayer); err != nil {
			return nil, err
		}
		return &types.Response{}, nil
	case nil:
		return nil, fmt.Errorf("%w: nil action", ErrInvalidMessage)
	default:
		return nil, fmt.Errorf("%w: unsupported action %T", ErrInvalidMessage, action)
	}
}

// Reply is the continuation entry point for sub-messages the wallet issued.
// It is reachable only from the host delivering a result for an id the
// wallet itself tagged.
func (e *Engine) Reply(reply types.Reply) (*types.Response, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	switch reply.ID {
	case e.params.RotationReplyID:
		return e.rotationReply(reply.Result)
	case e.params.InstantiateReplyID:
		return e.instantiateReply(reply.Result)
	case e.params.RelayExecReplyID:
		return e.relayExecReply(reply.Result)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownReplyID, reply.ID)
	}
}

func (e *Engine) instantiateReply(result types.SubMsgResult) (*types.Response, error) {
	id, ok, err := e.loadInFlight()
	if err != nil {
		return nil, err
	}
	if !ok || id != e.params.InstantiateReplyID {
		return nil, ErrNoRotationInFlight
	}
	if !result.OK() {
		return nil, fmt.Errorf("%w: %s", ErrDelegateInstantiation, result.Err)
	}
	if result.Contract == (common.Address{}) {
		return nil, fmt.Errorf("%w: reply carries no contract address", ErrDelegateInstantiation)
	}
	guardians, err := e.loadGuardians()
	if err != nil {
		return nil, err
	}
	delegate := result.Contract
	guardians.Delegate = &delegate
	if err := e.storeGuardians(guardians); err != nil {
		return nil, err
	}
	if err := e.releaseInFlight(); err != nil {
		return nil, err
	}
	e.emit(e.newDelegateInstantiatedEvent(delegate, guardians.Members))
	return &types.Response{}, nil
}

// Info returns the complete wallet state.
func (e *Engine) Info() (*Info, error) {
	ctrl, err := e.loadController()
	if err != nil {
		return nil, err
	}
	guardians, err := e.loadGuardians()
	if err != nil {
		return nil, err
	}
	relayers, err := e.loadRelayers()
	if err != nil {
		return nil, err
	}
	frozen, err := e.loadFrozen()
	if err != nil {
		return nil, err
	}
	pending, err := e.loadPending()
	if err != nil {
		return nil, err
	}
	_, inFlight, err := e.loadInFlight()
	if err != nil {
		return nil, err
	}
	meta, err := e.loadInfo()
	if err != nil {
		return nil, err
	}
	if relayers == nil {
		relayers = []common.Address{}
	}
	return &Info{
		Address:          e.self,
		Label:            meta.Label,
		Creator:          meta.Creator,
		CreatedAt:        time.Unix(int64(meta.CreatedAt), 0).UTC(),
		Controller:       ctrl,
		Guardians:        guardians,
		Relayers:         relayers,
		Frozen:           frozen,
		PendingRotation:  pending,
		RotationInFlight: inFlight,
	}, nil
}

// Controller returns the owner and current nonce.
func (e *Engine) Controller() (ControllerRecord, error) { return e.loadController() }

// Guardians returns the current guardian set.
func (e *Engine) Guardians() (GuardianSet, error) { return e.loadGuardians() }

// Relayers returns the registered relayers in canonical order.
func (e *Engine) Relayers() ([]common.Address, error) { return e.loadRelayers() }

// Frozen reports the freeze flag.
func (e *Engine) Frozen() (bool, error) { return e.loadFrozen() }

// PendingRotation returns the pending guardian rotation, or nil.
func (e *Engine) PendingRotation() (*PendingGuardianRotation, error) { return e.loadPending() }

// RotationInFlight reports whether a delegate instantiation is outstanding.
func (e *Engine) RotationInFlight() (bool, error) {
	_, ok, err := e.loadInFlight()
	return ok, err
}

// IsRelayer reports whether addr is a registered relayer.
func (e *Engine) IsRelayer(addr common.Address) (bool, error) {
	relayers, err := e.loadRelayers()
	if err != nil {
		return false, err
	}
	return containsAddress(relayers, addr), nil
}

// IsGuardian reports whether addr holds guardian authority, either as a
// member or as the recorded delegate.
func (e *Engine) IsGuardian(addr common.Address) (bool, error) {
	guardians, err := e.loadGuardians()
	if err != nil {
		return false, err
	}
	return guardians.Contains(addr) || guardians.IsDelegate(addr), nil
}

func dataResponse(v interface{}) (*types.Response, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &types.Response{Data: data}, nil
}

func containsAddress(list []common.Address, addr common.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
