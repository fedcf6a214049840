package proxy

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// RotateOwner replaces the controlling identity. While frozen only guardians
// may rotate; otherwise the owner (directly or relayed) may as well. The nonce
// carries over unchanged.
func (e *Engine) RotateOwner(caller, newOwner common.Address) error {
	o, err := e.resolve(caller)
	if err != nil {
		return err
	}
	return e.rotateOwner(o, newOwner)
}

func (e *Engine) rotateOwner(o origin, newOwner common.Address) error {
	frozen, err := e.loadFrozen()
	if err != nil {
		return err
	}
	switch {
	case o.guardianAuthority():
	case o.ownerAuthority() && frozen:
		return ErrFrozen
	case o.ownerAuthority():
	default:
		return ErrUnauthorized
	}
	if newOwner == (common.Address{}) {
		return fmt.Errorf("%w: zero owner", ErrInvalidAddress)
	}
	ctrl, err := e.loadController()
	if err != nil {
		return err
	}
	if newOwner == ctrl.Owner {
		return ErrSameAddress
	}
	guardians, err := e.loadGuardians()
	if err != nil {
		return err
	}
	if guardians.Contains(newOwner) || guardians.IsDelegate(newOwner) {
		return ErrSelfGuardianConflict
	}
	old := ctrl.Owner
	ctrl.Owner = newOwner
	if err := e.storeController(ctrl); err != nil {
		return err
	}
	e.emit(e.newOwnerRotatedEvent(o, old, newOwner))
	return nil
}
