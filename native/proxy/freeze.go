package proxy

import "github.com/ethereum/go-ethereum/common"

// ToggleFreeze flips the freeze flag and returns the new value. Only guardian
// members and the recorded delegate may toggle. Toggling is never rejected
// for being in the target state already.
func (e *Engine) ToggleFreeze(caller common.Address) (bool, error) {
	o, err := e.resolve(caller)
	if err != nil {
		return false, err
	}
	return e.toggleFreeze(o)
}

func (e *Engine) toggleFreeze(o origin) (bool, error) {
	if !o.guardianAuthority() {
		return false, ErrNotGuardian
	}
	frozen, err := e.loadFrozen()
	if err != nil {
		return false, err
	}
	frozen = !frozen
	if err := e.storeFrozen(frozen); err != nil {
		return false, err
	}
	e.emit(e.newFreezeToggledEvent(o, frozen))
	return frozen, nil
}
