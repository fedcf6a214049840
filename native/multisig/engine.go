package multisig

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"proxywallet/core/events"
	"proxywallet/core/types"
)

const (
	// EventTypeInstantiated is emitted when the multisig is configured.
	EventTypeInstantiated = "multisig.instantiated"
	// EventTypeProposed is emitted when a member opens a proposal.
	EventTypeProposed = "multisig.proposed"
	// EventTypeVoteCast is emitted for every recorded ballot.
	EventTypeVoteCast = "multisig.vote"
	// EventTypeExecuted marks proposals whose messages were dispatched.
	EventTypeExecuted = "multisig.executed"
	// EventTypeClosed marks proposals closed after expiry.
	EventTypeClosed = "multisig.closed"
)

var (
	ErrNotMember           = errors.New("multisig: caller is not a member")
	ErrInvalidConfig       = errors.New("multisig: invalid configuration")
	ErrProposalNotFound    = errors.New("multisig: proposal not found")
	ErrProposalExpired     = errors.New("multisig: voting period closed")
	ErrProposalNotOpen     = errors.New("multisig: proposal not accepting votes")
	ErrAlreadyVoted        = errors.New("multisig: member already voted")
	ErrThresholdNotReached = errors.New("multisig: threshold not reached")
	ErrNotExpired          = errors.New("multisig: proposal has not expired")
	ErrEmptyProposal       = errors.New("multisig: proposal carries no messages")

	errStateNotConfigured = errors.New("multisig: state not configured")
	errNotInstantiated    = errors.New("multisig: not instantiated")
	errInstantiated       = errors.New("multisig: already instantiated")
)

type multisigState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var (
	keyConfig = []byte("config")
	keyNextID = []byte("next_id")
)

func proposalKey(id uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte("proposal/"), id)
}

func votersKey(id uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte("voters/"), id)
}

func voteKey(id uint64, voter common.Address) []byte {
	key := binary.BigEndian.AppendUint64([]byte("vote/"), id)
	return append(key, voter.Bytes()...)
}

type storedProposal struct {
	ID        uint64
	Title     string
	Proposer  common.Address
	Msgs      []byte
	Status    uint8
	Yes       uint64
	No        uint64
	CreatedAt uint64
	ExpiresAt uint64
}

type storedVote struct {
	Yes bool
}

type multisigEvent struct {
	evt *types.Event
}

func (m multisigEvent) EventType() string {
	if m.evt == nil {
		return ""
	}
	return m.evt.Type
}

func (m multisigEvent) Event() *types.Event { return m.evt }

// Engine runs a fixed-membership threshold multisig. Members open proposals
// carrying host messages, vote once each, and any member may execute a
// proposal whose yes votes reached the threshold before it expired.
type Engine struct {
	state   multisigState
	emitter events.Emitter
	nowFn   func() time.Time
	self    common.Address
}

// NewEngine constructs a multisig engine with default no-op dependencies.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// SetState wires the engine to the multisig's key space.
func (e *Engine) SetState(state multisigState) { e.state = state }

// SetAddress records the multisig's own address for event attribution.
func (e *Engine) SetAddress(addr common.Address) { e.self = addr }

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used for expiry checks.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(multisigEvent{evt: event})
}

func (e *Engine) now() time.Time {
	if e == nil || e.nowFn == nil {
		return time.Now().UTC()
	}
	return e.nowFn()
}

// Instantiate stores the membership after validating the threshold.
func (e *Engine) Instantiate(creator common.Address, cfg Config) error {
	if e == nil || e.state == nil {
		return errStateNotConfigured
	}
	if ok, err := e.state.KVGet(keyConfig, nil); err != nil {
		return err
	} else if ok {
		return errInstantiated
	}
	if len(cfg.Members) == 0 {
		return fmt.Errorf("%w: no members", ErrInvalidConfig)
	}
	seen := make(map[common.Address]struct{}, len(cfg.Members))
	for _, m := range cfg.Members {
		if m == (common.Address{}) {
			return fmt.Errorf("%w: zero member address", ErrInvalidConfig)
		}
		if _, dup := seen[m]; dup {
			return fmt.Errorf("%w: duplicate member %s", ErrInvalidConfig, m.Hex())
		}
		seen[m] = struct{}{}
	}
	if cfg.Threshold == 0 || cfg.Threshold > uint64(len(cfg.Members)) {
		return fmt.Errorf("%w: threshold %d of %d", ErrInvalidConfig, cfg.Threshold, len(cfg.Members))
	}
	if cfg.VotingPeriodSeconds == 0 {
		return fmt.Errorf("%w: voting period required", ErrInvalidConfig)
	}
	if err := e.state.KVPut(keyConfig, cfg); err != nil {
		return err
	}
	if err := e.state.KVPut(keyNextID, uint64(1)); err != nil {
		return err
	}
	e.emit(types.NewEvent(EventTypeInstantiated).
		With("multisig", e.self.Hex()).
		With("creator", creator.Hex()).
		With("members", joinAddresses(cfg.Members)).
		With("threshold", strconv.FormatUint(cfg.Threshold, 10)))
	return nil
}

// Config returns the membership configuration.
func (e *Engine) Config() (Config, error) {
	if e == nil || e.state == nil {
		return Config{}, errStateNotConfigured
	}
	var cfg Config
	ok, err := e.state.KVGet(keyConfig, &cfg)
	if err != nil {
		return Config{}, err
	}
	if !ok {
		return Config{}, errNotInstantiated
	}
	return cfg, nil
}

// Propose opens a proposal. The proposer's ballot counts as yes.
func (e *Engine) Propose(proposer common.Address, title string, msgs []types.Message) (uint64, error) {
	cfg, err := e.Config()
	if err != nil {
		return 0, err
	}
	if !cfg.IsMember(proposer) {
		return 0, ErrNotMember
	}
	if len(msgs) == 0 {
		return 0, ErrEmptyProposal
	}
	for i, msg := range msgs {
		if err := msg.Validate(); err != nil {
			return 0, fmt.Errorf("multisig: message %d: %w", i, err)
		}
	}
	var id uint64
	if _, err := e.state.KVGet(keyNextID, &id); err != nil {
		return 0, err
	}
	if id == 0 {
		id = 1
	}
	now := e.now()
	proposal := &Proposal{
		ID:        id,
		Title:     strings.TrimSpace(title),
		Proposer:  proposer,
		Msgs:      msgs,
		Status:    ProposalStatusOpen,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(cfg.VotingPeriodSeconds) * time.Second),
	}
	if err := e.state.KVPut(keyNextID, id+1); err != nil {
		return 0, err
	}
	if err := e.putProposal(proposal); err != nil {
		return 0, err
	}
	e.emit(types.NewEvent(EventTypeProposed).
		With("multisig", e.self.Hex()).
		With("proposal_id", strconv.FormatUint(id, 10)).
		With("proposer", proposer.Hex()).
		With("title", proposal.Title).
		With("expires_at", proposal.ExpiresAt.UTC().Format(time.RFC3339)))
	if err := e.recordVote(cfg, proposal, proposer, true); err != nil {
		return 0, err
	}
	return id, nil
}

// Vote records a member's ballot on an open proposal.
func (e *Engine) Vote(voter common.Address, id uint64, yes bool) error {
	cfg, err := e.Config()
	if err != nil {
		return err
	}
	if !cfg.IsMember(voter) {
		return ErrNotMember
	}
	proposal, err := e.Proposal(id)
	if err != nil {
		return err
	}
	if proposal.Status != ProposalStatusOpen {
		return fmt.Errorf("%w: proposal %d is %s", ErrProposalNotOpen, id, proposal.Status)
	}
	if proposal.Expired(e.now()) {
		return ErrProposalExpired
	}
	return e.recordVote(cfg, proposal, voter, yes)
}

func (e *Engine) recordVote(cfg Config, proposal *Proposal, voter common.Address, yes bool) error {
	if ok, err := e.state.KVGet(voteKey(proposal.ID, voter), nil); err != nil {
		return err
	} else if ok {
		return ErrAlreadyVoted
	}
	if err := e.state.KVPut(voteKey(proposal.ID, voter), storedVote{Yes: yes}); err != nil {
		return err
	}
	var voters []common.Address
	if _, err := e.state.KVGet(votersKey(proposal.ID), &voters); err != nil {
		return err
	}
	if err := e.state.KVPut(votersKey(proposal.ID), append(voters, voter)); err != nil {
		return err
	}
	if yes {
		proposal.Yes++
	} else {
		proposal.No++
	}
	switch {
	case proposal.Yes >= cfg.Threshold:
		proposal.Status = ProposalStatusPassed
	case uint64(len(cfg.Members))-proposal.No < cfg.Threshold:
		proposal.Status = ProposalStatusRejected
	}
	if err := e.putProposal(proposal); err != nil {
		return err
	}
	e.emit(types.NewEvent(EventTypeVoteCast).
		With("multisig", e.self.Hex()).
		With("proposal_id", strconv.FormatUint(proposal.ID, 10)).
		With("voter", voter.Hex()).
		With("yes", strconv.FormatBool(yes)).
		With("status", proposal.Status.String()))
	return nil
}

// Execute dispatches a passed proposal's messages with the multisig as
// sender. Any member may execute, also once the voting period is over.
func (e *Engine) Execute(caller common.Address, id uint64) (*types.Response, error) {
	cfg, err := e.Config()
	if err != nil {
		return nil, err
	}
	if !cfg.IsMember(caller) {
		return nil, ErrNotMember
	}
	proposal, err := e.Proposal(id)
	if err != nil {
		return nil, err
	}
	switch proposal.Status {
	case ProposalStatusPassed:
	case ProposalStatusOpen:
		return nil, ErrThresholdNotReached
	default:
		return nil, fmt.Errorf("%w: proposal %d is %s", ErrProposalNotOpen, id, proposal.Status)
	}
	proposal.Status = ProposalStatusExecuted
	if err := e.putProposal(proposal); err != nil {
		return nil, err
	}
	resp := &types.Response{}
	for _, msg := range proposal.Msgs {
		resp.AddMessage(msg)
	}
	e.emit(types.NewEvent(EventTypeExecuted).
		With("multisig", e.self.Hex()).
		With("proposal_id", strconv.FormatUint(id, 10)).
		With("executor", caller.Hex()))
	return resp, nil
}

// Close rejects an expired proposal that never reached its threshold.
func (e *Engine) Close(caller common.Address, id uint64) error {
	cfg, err := e.Config()
	if err != nil {
		return err
	}
	if !cfg.IsMember(caller) {
		return ErrNotMember
	}
	proposal, err := e.Proposal(id)
	if err != nil {
		return err
	}
	if proposal.Status != ProposalStatusOpen {
		return fmt.Errorf("%w: proposal %d is %s", ErrProposalNotOpen, id, proposal.Status)
	}
	if !proposal.Expired(e.now()) {
		return ErrNotExpired
	}
	proposal.Status = ProposalStatusRejected
	if err := e.putProposal(proposal); err != nil {
		return err
	}
	e.emit(types.NewEvent(EventTypeClosed).
		With("multisig", e.self.Hex()).
		With("proposal_id", strconv.FormatUint(id, 10)))
	return nil
}

// Proposal loads a proposal by id.
func (e *Engine) Proposal(id uint64) (*Proposal, error) {
	if e == nil || e.state == nil {
		return nil, errStateNotConfigured
	}
	var stored storedProposal
	ok, err := e.state.KVGet(proposalKey(id), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrProposalNotFound, id)
	}
	proposal := &Proposal{
		ID:        stored.ID,
		Title:     stored.Title,
		Proposer:  stored.Proposer,
		Status:    ProposalStatus(stored.Status),
		Yes:       stored.Yes,
		No:        stored.No,
		CreatedAt: time.Unix(int64(stored.CreatedAt), 0).UTC(),
		ExpiresAt: time.Unix(int64(stored.ExpiresAt), 0).UTC(),
	}
	if err := json.Unmarshal(stored.Msgs, &proposal.Msgs); err != nil {
		return nil, fmt.Errorf("multisig: decode proposal %d: %w", id, err)
	}
	return proposal, nil
}

// Proposals lists every proposal in id order.
func (e *Engine) Proposals() ([]*Proposal, error) {
	if e == nil || e.state == nil {
		return nil, errStateNotConfigured
	}
	var next uint64
	if _, err := e.state.KVGet(keyNextID, &next); err != nil {
		return nil, err
	}
	out := make([]*Proposal, 0)
	for id := uint64(1); id < next; id++ {
		p, err := e.Proposal(id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Votes lists the ballots recorded for a proposal in casting order.
func (e *Engine) Votes(id uint64) ([]Vote, error) {
	if _, err := e.Proposal(id); err != nil {
		return nil, err
	}
	var voters []common.Address
	if _, err := e.state.KVGet(votersKey(id), &voters); err != nil {
		return nil, err
	}
	out := make([]Vote, 0, len(voters))
	for _, voter := range voters {
		var stored storedVote
		if _, err := e.state.KVGet(voteKey(id, voter), &stored); err != nil {
			return nil, err
		}
		out = append(out, Vote{ProposalID: id, Voter: voter, Yes: stored.Yes})
	}
	return out, nil
}

func (e *Engine) putProposal(p *Proposal) error {
	msgs, err := json.Marshal(p.Msgs)
	if err != nil {
		return err
	}
	return e.state.KVPut(proposalKey(p.ID), storedProposal{
		ID:        p.ID,
		Title:     p.Title,
		Proposer:  p.Proposer,
		Msgs:      msgs,
		Status:    uint8(p.Status),
		Yes:       p.Yes,
		No:        p.No,
		CreatedAt: uint64(p.CreatedAt.Unix()),
		ExpiresAt: uint64(p.ExpiresAt.Unix()),
	})
}

func joinAddresses(addrs []common.Address) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.Hex()
	}
	return strings.Join(parts, ",")
}
