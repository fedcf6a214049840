package host

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"proxywallet/core/events"
	"proxywallet/core/state"
	"proxywallet/core/types"
)

var (
	ErrUnknownCode     = errors.New("host: unknown code id")
	ErrCodeRegistered  = errors.New("host: code id already registered")
	ErrUnknownContract = errors.New("host: unknown contract")
	ErrCallDepth       = errors.New("host: maximum call depth exceeded")
	ErrUnknownQuery    = errors.New("host: unknown query")
)

// CodeDefaults is the factory view a contract may consult for default code
// references.
type CodeDefaults interface {
	DefaultDelegateCode() (uint64, bool)
}

// Env is the execution context handed to every contract entry point. Store
// is scoped to the contract's own key space.
type Env struct {
	CallID   string
	Contract common.Address
	Sender   common.Address
	Now      time.Time
	Store    *state.View
	Emitter  events.Emitter
	Codes    CodeDefaults
}

// QueryRequest names a read-only query and its parameters.
type QueryRequest struct {
	Kind   string            `json:"kind"`
	Params map[string]string `json:"params,omitempty"`
}

// Param returns the named parameter or the empty string.
func (q QueryRequest) Param(name string) string {
	if q.Params == nil {
		return ""
	}
	return q.Params[name]
}

// Contract is implemented by every code the host can instantiate.
type Contract interface {
	Instantiate(env Env, msg json.RawMessage) (*types.Response, error)
	Execute(env Env, msg json.RawMessage) (*types.Response, error)
	Reply(env Env, reply types.Reply) (*types.Response, error)
	Query(env Env, req QueryRequest) (interface{}, error)
}

// Factory builds a fresh contract instance for one entry point call.
type Factory func() Contract

// ContractInfo is the registry record of an instantiated contract.
type ContractInfo struct {
	Address   common.Address `json:"address"`
	CodeID    uint64         `json:"code_id"`
	CodeName  string         `json:"code_name"`
	Label     string         `json:"label"`
	Creator   common.Address `json:"creator"`
	CreatedAt time.Time      `json:"created_at"`
}

// Result reports the committed outcome of a host call.
type Result struct {
	CallID   string         `json:"call_id"`
	Contract common.Address `json:"contract,omitempty"`
	Data     []byte         `json:"data,omitempty"`
	Events   []*types.Event `json:"events"`
}

type hostEvent struct {
	evt *types.Event
}

func (h hostEvent) EventType() string { return h.evt.Type }

func (h hostEvent) Event() *types.Event { return h.evt }
