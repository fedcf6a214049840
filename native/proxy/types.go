package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"proxywallet/crypto"
)

// ControllerRecord is the current owner and the replay-protection counter. The
// nonce only ever moves forward, by one per verified relay transaction, and
// survives owner rotation.
type ControllerRecord struct {
	Owner common.Address `json:"owner"`
	Nonce uint64         `json:"nonce"`
}

// RelayTransaction is an owner-signed instruction submitted by a relayer. It
// is consumed by a single authorization check and never persisted.
type RelayTransaction struct {
	Message     hexutil.Bytes `json:"message"`
	OwnerPubKey hexutil.Bytes `json:"owner_pubkey"`
	Signature   hexutil.Bytes `json:"signature"`
	Nonce       uint64        `json:"nonce"`
}

// NewRelayTransaction encodes action and signs it for nonce.
func NewRelayTransaction(key *crypto.PrivateKey, action Action, nonce uint64) (RelayTransaction, error) {
	if key == nil {
		return RelayTransaction{}, fmt.Errorf("proxy: signing key required")
	}
	msg, err := EncodeAction(action)
	if err != nil {
		return RelayTransaction{}, err
	}
	sig, err := crypto.SignRelay(key, msg, nonce)
	if err != nil {
		return RelayTransaction{}, err
	}
	return RelayTransaction{
		Message:     msg,
		OwnerPubKey: key.PubKey().Bytes(),
		Signature:   sig,
		Nonce:       nonce,
	}, nil
}

// GuardianSet is the authoritative guardian membership. Delegate, when set,
// is the address of an external threshold contract the members vote through;
// the wallet only records it and never manages its lifecycle.
type GuardianSet struct {
	Members  []common.Address `json:"members"`
	Delegate *common.Address  `json:"delegate,omitempty"`
}

// Clone returns a deep copy.
func (g GuardianSet) Clone() GuardianSet {
	clone := GuardianSet{Members: append([]common.Address(nil), g.Members...)}
	if g.Delegate != nil {
		d := *g.Delegate
		clone.Delegate = &d
	}
	return clone
}

// Contains reports whether addr is a direct member.
func (g GuardianSet) Contains(addr common.Address) bool {
	for _, m := range g.Members {
		if m == addr {
			return true
		}
	}
	return false
}

// IsDelegate reports whether addr is the recorded threshold delegate.
func (g GuardianSet) IsDelegate(addr common.Address) bool {
	return g.Delegate != nil && *g.Delegate == addr
}

// MultisigSpec requests that the guardians be represented by a threshold
// delegate.
type MultisigSpec struct {
	Threshold           uint64 `json:"threshold"`
	VotingPeriodSeconds uint64 `json:"voting_period_seconds,omitempty"`
}

// GuardianSetSpec describes a guardian set to install.
type GuardianSetSpec struct {
	Addresses []common.Address `json:"addresses"`
	Multisig  *MultisigSpec    `json:"multisig,omitempty"`
}

// Empty reports whether the spec names no guardians. An empty spec in a
// rotation request cancels the pending request.
func (s GuardianSetSpec) Empty() bool { return len(s.Addresses) == 0 }

// Clone returns a deep copy.
func (s GuardianSetSpec) Clone() GuardianSetSpec {
	clone := GuardianSetSpec{Addresses: append([]common.Address(nil), s.Addresses...)}
	if s.Multisig != nil {
		m := *s.Multisig
		clone.Multisig = &m
	}
	return clone
}

func (s GuardianSetSpec) validate(owner common.Address) error {
	if len(s.Addresses) == 0 {
		return ErrInvalidGuardians
	}
	seen := make(map[common.Address]struct{}, len(s.Addresses))
	for _, addr := range s.Addresses {
		if addr == (common.Address{}) {
			return fmt.Errorf("%w: zero guardian address", ErrInvalidAddress)
		}
		if addr == owner {
			return ErrSelfGuardianConflict
		}
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("%w: duplicate guardian %s", ErrInvalidGuardians, addr.Hex())
		}
		seen[addr] = struct{}{}
	}
	if s.Multisig != nil {
		if s.Multisig.Threshold == 0 || s.Multisig.Threshold > uint64(len(s.Addresses)) {
			return fmt.Errorf("%w: %d of %d", ErrInvalidThreshold, s.Multisig.Threshold, len(s.Addresses))
		}
	}
	return nil
}

// sortedMembers returns the addresses in canonical byte order.
func (s GuardianSetSpec) sortedMembers() []common.Address {
	return sortAddresses(s.Addresses)
}

// PendingGuardianRotation is a time-locked guardian change awaiting commit.
type PendingGuardianRotation struct {
	Guardians    GuardianSetSpec `json:"guardians"`
	DelegateCode *uint64         `json:"delegate_code,omitempty"`
	EligibleAt   time.Time       `json:"eligible_at"`
}

// Clone returns a deep copy.
func (p *PendingGuardianRotation) Clone() *PendingGuardianRotation {
	if p == nil {
		return nil
	}
	clone := &PendingGuardianRotation{Guardians: p.Guardians.Clone(), EligibleAt: p.EligibleAt}
	if p.DelegateCode != nil {
		code := *p.DelegateCode
		clone.DelegateCode = &code
	}
	return clone
}

// DelegateInit is the instantiation request sent to threshold delegate code.
type DelegateInit struct {
	Members             []common.Address `json:"members"`
	Threshold           uint64           `json:"threshold"`
	VotingPeriodSeconds uint64           `json:"voting_period_seconds"`
}

// InitMsg instantiates a wallet. The factory supplies the initial owner,
// guardians and relayers.
type InitMsg struct {
	Owner        common.Address   `json:"owner"`
	Guardians    GuardianSetSpec  `json:"guardians"`
	Relayers     []common.Address `json:"relayers,omitempty"`
	DelegateCode *uint64          `json:"delegate_code,omitempty"`
	Label        string           `json:"label,omitempty"`
}

// RotationStatus reports how far a commit progressed.
type RotationStatus uint8

const (
	// RotationCompleted means the guardian set was replaced synchronously.
	RotationCompleted RotationStatus = iota + 1
	// RotationInitiated means a delegate instantiation is outstanding and the
	// guardian set changes only when its reply arrives.
	RotationInitiated
)

func (s RotationStatus) String() string {
	switch s {
	case RotationCompleted:
		return "completed"
	case RotationInitiated:
		return "initiated"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status by name.
func (s RotationStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// RotationOutcome is returned by CommitGuardianRotation.
type RotationOutcome struct {
	Status    RotationStatus `json:"status"`
	Guardians GuardianSet    `json:"guardians"`
}

// RelayFailure is the call data of a relay whose verified instruction failed.
// The nonce it was signed for stays consumed.
type RelayFailure struct {
	Instruction string `json:"instruction"`
	Error       string `json:"error"`
	Category    string `json:"category"`
	NextNonce   uint64 `json:"next_nonce"`
}

// Info is the full queryable wallet state.
type Info struct {
	Address          common.Address           `json:"address"`
	Label            string                   `json:"label,omitempty"`
	Creator          common.Address           `json:"creator"`
	CreatedAt        time.Time                `json:"created_at"`
	Controller       ControllerRecord         `json:"controller"`
	Guardians        GuardianSet              `json:"guardians"`
	Relayers         []common.Address         `json:"relayers"`
	Frozen           bool                     `json:"frozen"`
	PendingRotation  *PendingGuardianRotation `json:"pending_rotation,omitempty"`
	RotationInFlight bool                     `json:"rotation_in_flight"`
}

func sortAddresses(in []common.Address) []common.Address {
	out := append([]common.Address(nil), in...)
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
