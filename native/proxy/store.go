package proxy

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"proxywallet/core/state"
)

// engineState abstracts the key/value surface the engine persists through.
// Each key below is read and written independently so that partial queries
// (e.g. only the freeze flag) never load the whole wallet.
type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

// stager is implemented by views that can layer uncommitted writes. Relayed
// instructions run on such a layer.
type stager interface {
	Stage() (*state.View, func() error)
}

var (
	keyController       = []byte("controller")
	keyGuardians        = []byte("guardians")
	keyRelayers         = []byte("relayers")
	keyFrozen           = []byte("frozen")
	keyPendingRotation  = []byte("pending_guardian_rotation")
	keyRotationInFlight = []byte("rotation_in_flight")
	keyInfo             = []byte("info")
)

type storedGuardians struct {
	Members     []common.Address
	HasDelegate bool
	Delegate    common.Address
}

type storedPending struct {
	Members             []common.Address
	HasMultisig         bool
	Threshold           uint64
	VotingPeriodSeconds uint64
	HasDelegateCode     bool
	DelegateCode        uint64
	EligibleAt          uint64
}

type storedInFlight struct {
	ReplyID uint64
}

type storedInfo struct {
	Label     string
	Creator   common.Address
	CreatedAt uint64
}

func (e *Engine) loadController() (ControllerRecord, error) {
	if e == nil || e.state == nil {
		return ControllerRecord{}, errNilState
	}
	var rec ControllerRecord
	ok, err := e.state.KVGet(keyController, &rec)
	if err != nil {
		return ControllerRecord{}, err
	}
	if !ok {
		return ControllerRecord{}, errNotInstantiated
	}
	return rec, nil
}

func (e *Engine) storeController(rec ControllerRecord) error {
	return e.state.KVPut(keyController, rec)
}

func (e *Engine) loadGuardians() (GuardianSet, error) {
	if e == nil || e.state == nil {
		return GuardianSet{}, errNilState
	}
	var stored storedGuardians
	ok, err := e.state.KVGet(keyGuardians, &stored)
	if err != nil {
		return GuardianSet{}, err
	}
	if !ok {
		return GuardianSet{}, errNotInstantiated
	}
	set := GuardianSet{Members: stored.Members}
	if stored.HasDelegate {
		d := stored.Delegate
		set.Delegate = &d
	}
	return set, nil
}

func (e *Engine) storeGuardians(set GuardianSet) error {
	stored := storedGuardians{Members: sortAddresses(set.Members)}
	if set.Delegate != nil {
		stored.HasDelegate = true
		stored.Delegate = *set.Delegate
	}
	return e.state.KVPut(keyGuardians, stored)
}

func (e *Engine) loadRelayers() ([]common.Address, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var relayers []common.Address
	if _, err := e.state.KVGet(keyRelayers, &relayers); err != nil {
		return nil, err
	}
	return relayers, nil
}

func (e *Engine) storeRelayers(relayers []common.Address) error {
	return e.state.KVPut(keyRelayers, sortAddresses(relayers))
}

func (e *Engine) loadFrozen() (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	var frozen bool
	if _, err := e.state.KVGet(keyFrozen, &frozen); err != nil {
		return false, err
	}
	return frozen, nil
}

func (e *Engine) storeFrozen(frozen bool) error {
	return e.state.KVPut(keyFrozen, frozen)
}

func (e *Engine) loadPending() (*PendingGuardianRotation, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var stored storedPending
	ok, err := e.state.KVGet(keyPendingRotation, &stored)
	if err != nil || !ok {
		return nil, err
	}
	pending := &PendingGuardianRotation{
		Guardians:  GuardianSetSpec{Addresses: stored.Members},
		EligibleAt: time.Unix(int64(stored.EligibleAt), 0).UTC(),
	}
	if stored.HasMultisig {
		pending.Guardians.Multisig = &MultisigSpec{
			Threshold:           stored.Threshold,
			VotingPeriodSeconds: stored.VotingPeriodSeconds,
		}
	}
	if stored.HasDelegateCode {
		code := stored.DelegateCode
		pending.DelegateCode = &code
	}
	return pending, nil
}

func (e *Engine) storePending(p *PendingGuardianRotation) error {
	stored := storedPending{
		Members:    p.Guardians.sortedMembers(),
		EligibleAt: uint64(p.EligibleAt.Unix()),
	}
	if m := p.Guardians.Multisig; m != nil {
		stored.HasMultisig = true
		stored.Threshold = m.Threshold
		stored.VotingPeriodSeconds = m.VotingPeriodSeconds
	}
	if p.DelegateCode != nil {
		stored.HasDelegateCode = true
		stored.DelegateCode = *p.DelegateCode
	}
	return e.state.KVPut(keyPendingRotation, stored)
}

func (e *Engine) deletePending() error {
	return e.state.KVDelete(keyPendingRotation)
}

// loadInFlight returns the reply id reserved by an outstanding delegate
// instantiation, if any.
func (e *Engine) loadInFlight() (uint64, bool, error) {
	if e == nil || e.state == nil {
		return 0, false, errNilState
	}
	var stored storedInFlight
	ok, err := e.state.KVGet(keyRotationInFlight, &stored)
	if err != nil || !ok {
		return 0, false, err
	}
	return stored.ReplyID, true, nil
}

func (e *Engine) reserveInFlight(replyID uint64) error {
	return e.state.KVPut(keyRotationInFlight, storedInFlight{ReplyID: replyID})
}

func (e *Engine) releaseInFlight() error {
	return e.state.KVDelete(keyRotationInFlight)
}

func (e *Engine) loadInfo() (storedInfo, error) {
	var info storedInfo
	if e == nil || e.state == nil {
		return info, errNilState
	}
	if _, err := e.state.KVGet(keyInfo, &info); err != nil {
		return info, err
	}
	return info, nil
}
