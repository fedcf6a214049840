package multisig

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"proxywallet/core/types"
)

// ProposalStatus enumerates the lifecycle phases of a multisig proposal.
type ProposalStatus uint8

const (
	// ProposalStatusUnspecified indicates the proposal has not been
	// initialised and should not appear in state.
	ProposalStatusUnspecified ProposalStatus = iota
	// ProposalStatusOpen identifies proposals accepting votes.
	ProposalStatusOpen
	// ProposalStatusPassed marks proposals whose yes votes reached the
	// threshold and are awaiting execution.
	ProposalStatusPassed
	// ProposalStatusRejected marks proposals that can no longer pass, either
	// because enough members voted no or because the voting period elapsed.
	ProposalStatusRejected
	// ProposalStatusExecuted indicates the proposal messages were dispatched.
	ProposalStatusExecuted
)

func (s ProposalStatus) String() string {
	switch s {
	case ProposalStatusOpen:
		return "open"
	case ProposalStatusPassed:
		return "passed"
	case ProposalStatusRejected:
		return "rejected"
	case ProposalStatusExecuted:
		return "executed"
	default:
		return "unspecified"
	}
}

// MarshalJSON renders the status by name.
func (s ProposalStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// Config is the fixed membership and threshold of a multisig instance.
type Config struct {
	Members             []common.Address `json:"members"`
	Threshold           uint64           `json:"threshold"`
	VotingPeriodSeconds uint64           `json:"voting_period_seconds"`
}

// IsMember reports whether addr belongs to the multisig.
func (c Config) IsMember(addr common.Address) bool {
	for _, m := range c.Members {
		if m == addr {
			return true
		}
	}
	return false
}

// Proposal is a batch of messages the members vote on.
type Proposal struct {
	ID        uint64          `json:"id"`
	Title     string          `json:"title"`
	Proposer  common.Address  `json:"proposer"`
	Msgs      []types.Message `json:"msgs"`
	Status    ProposalStatus  `json:"status"`
	Yes       uint64          `json:"yes"`
	No        uint64          `json:"no"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Expired reports whether the voting period has elapsed at now.
func (p *Proposal) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// Vote records one member's ballot.
type Vote struct {
	ProposalID uint64         `json:"proposal_id"`
	Voter      common.Address `json:"voter"`
	Yes        bool           `json:"yes"`
}
