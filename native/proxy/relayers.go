package proxy

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// AddRelayer registers relayer. The owner may do so while the wallet is
// unfrozen; guardians and the delegate may do so at any time.
func (e *Engine) AddRelayer(caller, relayer common.Address) error {
	o, err := e.resolve(caller)
	if err != nil {
		return err
	}
	return e.addRelayer(o, relayer)
}

// RemoveRelayer unregisters relayer under the same authority rules as
// AddRelayer.
func (e *Engine) RemoveRelayer(caller, relayer common.Address) error {
	o, err := e.resolve(caller)
	if err != nil {
		return err
	}
	return e.removeRelayer(o, relayer)
}

func (e *Engine) authorizeRelayerChange(o origin) error {
	if o.relayed() {
		return fmt.Errorf("%w: relayer set cannot be changed through a relay", ErrUnauthorized)
	}
	if o.guardianAuthority() {
		return nil
	}
	if o.role != roleOwner {
		return ErrUnauthorized
	}
	frozen, err := e.loadFrozen()
	if err != nil {
		return err
	}
	if frozen {
		return ErrFrozen
	}
	return nil
}

func (e *Engine) addRelayer(o origin, relayer common.Address) error {
	if err := e.authorizeRelayerChange(o); err != nil {
		return err
	}
	if relayer == (common.Address{}) {
		return fmt.Errorf("%w: zero relayer", ErrInvalidAddress)
	}
	relayers, err := e.loadRelayers()
	if err != nil {
		return err
	}
	if containsAddress(relayers, relayer) {
		return ErrAlreadyExists
	}
	if err := e.storeRelayers(append(relayers, relayer)); err != nil {
		return err
	}
	e.emit(e.newRelayerEvent(EventRelayerAdded, o, relayer))
	return nil
}

func (e *Engine) removeRelayer(o origin, relayer common.Address) error {
	if err := e.authorizeRelayerChange(o); err != nil {
		return err
	}
	relayers, err := e.loadRelayers()
	if err != nil {
		return err
	}
	kept := relayers[:0:0]
	for _, r := range relayers {
		if r != relayer {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(relayers) {
		return ErrDoesNotExist
	}
	if err := e.storeRelayers(kept); err != nil {
		return err
	}
	e.emit(e.newRelayerEvent(EventRelayerRemoved, o, relayer))
	return nil
}
