package proxy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"proxywallet/core/types"
)

// Action kinds accepted by the wallet's execute entry point.
const (
	ActionExecute                 = "execute"
	ActionRelay                   = "relay"
	ActionToggleFreeze            = "toggle_freeze"
	ActionRotateOwner             = "rotate_owner"
	ActionRequestGuardianRotation = "request_guardian_rotation"
	ActionCommitGuardianRotation  = "commit_guardian_rotation"
	ActionAddRelayer              = "add_relayer"
	ActionRemoveRelayer           = "remove_relayer"
)

// Action is the closed set of instructions the wallet understands. The
// unexported marker keeps the set closed to this package.
type Action interface {
	ActionType() string
	isAction()
}

// ExecuteMsgs forwards arbitrary owner-approved messages for execution.
type ExecuteMsgs struct {
	Msgs []types.Message `json:"msgs"`
}

// Relay carries an owner-signed instruction submitted by a relayer.
type Relay struct {
	Transaction RelayTransaction `json:"transaction"`
}

// ToggleFreeze flips the freeze flag. Guardians only.
type ToggleFreeze struct{}

// RotateOwner replaces the controlling identity.
type RotateOwner struct {
	NewOwner common.Address `json:"new_owner"`
}

// RequestGuardianRotation schedules a guardian change. An empty guardian list
// cancels a pending request.
type RequestGuardianRotation struct {
	Guardians    GuardianSetSpec `json:"guardians"`
	DelegateCode *uint64         `json:"delegate_code,omitempty"`
}

// CommitGuardianRotation applies a pending guardian change once eligible.
type CommitGuardianRotation struct{}

// AddRelayer registers a relayer.
type AddRelayer struct {
	Relayer common.Address `json:"relayer"`
}

// RemoveRelayer unregisters a relayer.
type RemoveRelayer struct {
	Relayer common.Address `json:"relayer"`
}

func (ExecuteMsgs) ActionType() string             { return ActionExecute }
func (Relay) ActionType() string                   { return ActionRelay }
func (ToggleFreeze) ActionType() string            { return ActionToggleFreeze }
func (RotateOwner) ActionType() string             { return ActionRotateOwner }
func (RequestGuardianRotation) ActionType() string { return ActionRequestGuardianRotation }
func (CommitGuardianRotation) ActionType() string  { return ActionCommitGuardianRotation }
func (AddRelayer) ActionType() string              { return ActionAddRelayer }
func (RemoveRelayer) ActionType() string           { return ActionRemoveRelayer }

func (ExecuteMsgs) isAction()             {}
func (Relay) isAction()                   {}
func (ToggleFreeze) isAction()            {}
func (RotateOwner) isAction()             {}
func (RequestGuardianRotation) isAction() {}
func (CommitGuardianRotation) isAction()  {}
func (AddRelayer) isAction()              {}
func (RemoveRelayer) isAction()           {}

type actionEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeAction renders action in its wire form:
// {"type": "<kind>", "payload": {...}}.
func EncodeAction(action Action) ([]byte, error) {
	if action == nil {
		return nil, fmt.Errorf("%w: nil action", ErrInvalidMessage)
	}
	payload, err := json.Marshal(action)
	if err != nil {
		return nil, err
	}
	env := actionEnvelope{Type: action.ActionType()}
	if string(payload) != "{}" {
		env.Payload = payload
	}
	return json.Marshal(env)
}

// DecodeAction parses the wire form produced by EncodeAction.
func DecodeAction(data []byte) (Action, error) {
	var env actionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	var action Action
	switch strings.TrimSpace(env.Type) {
	case ActionExecute:
		action = &ExecuteMsgs{}
	case ActionRelay:
		action = &Relay{}
	case ActionToggleFreeze:
		return ToggleFreeze{}, nil
	case ActionRotateOwner:
		action = &RotateOwner{}
	case ActionRequestGuardianRotation:
		action = &RequestGuardianRotation{}
	case ActionCommitGuardianRotation:
		return CommitGuardianRotation{}, nil
	case ActionAddRelayer:
		action = &AddRelayer{}
	case ActionRemoveRelayer:
		action = &RemoveRelayer{}
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidMessage, env.Type)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: %s requires a payload", ErrInvalidMessage, env.Type)
	}
	if err := json.Unmarshal(env.Payload, action); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, env.Type, err)
	}
	return deref(action), nil
}

func deref(action Action) Action {
	switch a := action.(type) {
	case *ExecuteMsgs:
		return *a
	case *Relay:
		return *a
	case *RotateOwner:
		return *a
	case *RequestGuardianRotation:
		return *a
	case *AddRelayer:
		return *a
	case *RemoveRelayer:
		return *a
	default:
		return action
	}
}
