package multisig

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"proxywallet/core/host"
	"proxywallet/core/types"
)

// ErrInvalidMessage reports a malformed execute payload.
var ErrInvalidMessage = errors.New("multisig: invalid message")

// ExecuteMsg is the wire form of a multisig call. Exactly one field is set.
type ExecuteMsg struct {
	Propose *ProposeMsg  `json:"propose,omitempty"`
	Vote    *VoteMsg     `json:"vote,omitempty"`
	Execute *ProposalRef `json:"execute,omitempty"`
	Close   *ProposalRef `json:"close,omitempty"`
}

// ProposeMsg opens a proposal.
type ProposeMsg struct {
	Title string          `json:"title"`
	Msgs  []types.Message `json:"msgs"`
}

// VoteMsg casts a ballot.
type VoteMsg struct {
	ProposalID uint64 `json:"proposal_id"`
	Yes        bool   `json:"yes"`
}

// ProposalRef names a proposal.
type ProposalRef struct {
	ProposalID uint64 `json:"proposal_id"`
}

// Contract exposes the engine through the host's JSON entry points.
type Contract struct{}

// Factory returns a host factory for the multisig code.
func Factory() host.Factory {
	return func() host.Contract { return Contract{} }
}

func engine(env host.Env) *Engine {
	e := NewEngine()
	e.SetState(env.Store)
	e.SetEmitter(env.Emitter)
	e.SetAddress(env.Contract)
	now := env.Now
	e.SetNowFunc(func() time.Time { return now })
	return e
}

// Instantiate implements host.Contract.
func (Contract) Instantiate(env host.Env, raw json.RawMessage) (*types.Response, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := engine(env).Instantiate(env.Sender, cfg); err != nil {
		return nil, err
	}
	return &types.Response{}, nil
}

// Execute implements host.Contract.
func (Contract) Execute(env host.Env, raw json.RawMessage) (*types.Response, error) {
	var msg ExecuteMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	e := engine(env)
	switch {
	case msg.Propose != nil:
		id, err := e.Propose(env.Sender, msg.Propose.Title, msg.Propose.Msgs)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(ProposalRef{ProposalID: id})
		if err != nil {
			return nil, err
		}
		return &types.Response{Data: data}, nil
	case msg.Vote != nil:
		if err := e.Vote(env.Sender, msg.Vote.ProposalID, msg.Vote.Yes); err != nil {
			return nil, err
		}
		return &types.Response{}, nil
	case msg.Execute != nil:
		return e.Execute(env.Sender, msg.Execute.ProposalID)
	case msg.Close != nil:
		if err := e.Close(env.Sender, msg.Close.ProposalID); err != nil {
			return nil, err
		}
		return &types.Response{}, nil
	default:
		return nil, fmt.Errorf("%w: no operation set", ErrInvalidMessage)
	}
}

// Reply implements host.Contract. Proposal messages are dispatched without a
// reply, so any reply is unexpected.
func (Contract) Reply(host.Env, types.Reply) (*types.Response, error) {
	return nil, fmt.Errorf("%w: unexpected reply", ErrInvalidMessage)
}

// Query implements host.Contract.
func (Contract) Query(env host.Env, req host.QueryRequest) (interface{}, error) {
	e := engine(env)
	switch strings.TrimSpace(req.Kind) {
	case "config", "":
		return e.Config()
	case "proposals":
		return e.Proposals()
	case "proposal", "votes":
		id, err := strconv.ParseUint(req.Param("id"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: proposal id: %v", ErrInvalidMessage, err)
		}
		if req.Kind == "votes" {
			return e.Votes(id)
		}
		return e.Proposal(id)
	default:
		return nil, fmt.Errorf("%w: %q", host.ErrUnknownQuery, req.Kind)
	}
}

var _ host.Contract = Contract{}
