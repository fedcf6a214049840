package proxy

import (
	"fmt"
	"time"

	"proxywallet/crypto"
)

const (
	// DefaultRotationDelay is the time lock between requesting and committing
	// a guardian rotation.
	DefaultRotationDelay = 90000 * time.Second
	// DefaultRotationReplyID tags the delegate instantiation issued by a
	// guardian rotation commit.
	DefaultRotationReplyID uint64 = 1
	// DefaultInstantiateReplyID tags the delegate instantiation issued while
	// creating a wallet.
	DefaultInstantiateReplyID uint64 = 2
	// DefaultRelayExecReplyID tags messages forwarded from a relayed
	// instruction.
	DefaultRelayExecReplyID uint64 = 3
	// DefaultDelegateVotingPeriod applies when a multisig spec leaves the
	// voting period unset.
	DefaultDelegateVotingPeriod = 7 * 24 * time.Hour
)

// Params holds the instantiation-time configuration of the engine.
type Params struct {
	RotationDelay        time.Duration
	RotationReplyID      uint64
	InstantiateReplyID   uint64
	RelayExecReplyID     uint64
	DelegateVotingPeriod time.Duration
	Scheme               crypto.AddressScheme
	Verifier             crypto.Verifier
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		RotationDelay:        DefaultRotationDelay,
		RotationReplyID:      DefaultRotationReplyID,
		InstantiateReplyID:   DefaultInstantiateReplyID,
		RelayExecReplyID:     DefaultRelayExecReplyID,
		DelegateVotingPeriod: DefaultDelegateVotingPeriod,
		Scheme:               crypto.NewAddressScheme(string(crypto.DefaultPrefix)),
		Verifier:             crypto.Secp256k1Verifier{},
	}
}

// Validate checks that the reply ids are distinct and non-zero and that the
// time lock is positive.
func (p Params) Validate() error {
	if p.RotationDelay <= 0 {
		return fmt.Errorf("proxy: rotation delay must be positive")
	}
	ids := map[uint64]string{}
	for name, id := range map[string]uint64{
		"rotation":    p.RotationReplyID,
		"instantiate": p.InstantiateReplyID,
		"relay exec":  p.RelayExecReplyID,
	} {
		if id == 0 {
			return fmt.Errorf("proxy: %s reply id must be non-zero", name)
		}
		if other, dup := ids[id]; dup {
			return fmt.Errorf("proxy: %s and %s reply ids collide (%d)", name, other, id)
		}
		ids[id] = name
	}
	if p.Verifier == nil {
		return fmt.Errorf("proxy: signature verifier required")
	}
	return nil
}

func (p Params) withDefaults() Params {
	def := DefaultParams()
	if p.RotationDelay == 0 {
		p.RotationDelay = def.RotationDelay
	}
	if p.RotationReplyID == 0 {
		p.RotationReplyID = def.RotationReplyID
	}
	if p.InstantiateReplyID == 0 {
		p.InstantiateReplyID = def.InstantiateReplyID
	}
	if p.RelayExecReplyID == 0 {
		p.RelayExecReplyID = def.RelayExecReplyID
	}
	if p.DelegateVotingPeriod == 0 {
		p.DelegateVotingPeriod = def.DelegateVotingPeriod
	}
	if p.Scheme.Prefix == "" {
		p.Scheme = def.Scheme
	}
	if p.Verifier == nil {
		p.Verifier = def.Verifier
	}
	return p
}
