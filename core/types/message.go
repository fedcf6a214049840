package types

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrInvalidMessage = errors.New("types: message must set exactly one variant")

// Message is an instruction a contract asks the host to perform on its
// behalf. Exactly one field is set.
type Message struct {
	Transfer    *TransferMsg    `json:"transfer,omitempty"`
	Call        *CallMsg        `json:"call,omitempty"`
	Instantiate *InstantiateMsg `json:"instantiate,omitempty"`
}

// TransferMsg moves native balance from the sending contract.
type TransferMsg struct {
	To     common.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

// CallMsg executes another contract with the sender as caller.
type CallMsg struct {
	Contract common.Address  `json:"contract"`
	Msg      json.RawMessage `json:"msg"`
}

// InstantiateMsg creates a new contract from registered code.
type InstantiateMsg struct {
	CodeID uint64          `json:"code_id"`
	Label  string          `json:"label"`
	Msg    json.RawMessage `json:"msg"`
}

// Kind names the populated variant.
func (m Message) Kind() string {
	switch {
	case m.Transfer != nil:
		return "transfer"
	case m.Call != nil:
		return "call"
	case m.Instantiate != nil:
		return "instantiate"
	default:
		return ""
	}
}

// Validate checks that exactly one variant is set and carries usable fields.
func (m Message) Validate() error {
	set := 0
	if m.Transfer != nil {
		set++
	}
	if m.Call != nil {
		set++
	}
	if m.Instantiate != nil {
		set++
	}
	if set != 1 {
		return ErrInvalidMessage
	}
	switch {
	case m.Transfer != nil:
		if m.Transfer.To == (common.Address{}) {
			return fmt.Errorf("types: transfer recipient required")
		}
		if m.Transfer.Amount == nil {
			return fmt.Errorf("types: transfer amount required")
		}
	case m.Call != nil:
		if m.Call.Contract == (common.Address{}) {
			return fmt.Errorf("types: call target required")
		}
		if len(m.Call.Msg) == 0 {
			return fmt.Errorf("types: call payload required")
		}
	case m.Instantiate != nil:
		if m.Instantiate.CodeID == 0 {
			return fmt.Errorf("types: instantiate code id required")
		}
	}
	return nil
}

// ReplyOn selects when the host reports a sub-message outcome back to the
// contract that emitted it.
type ReplyOn uint8

const (
	// ReplyNever aborts the whole call when the sub-message fails.
	ReplyNever ReplyOn = iota
	// ReplyOnError reports failures only; the failed sub-message's writes are
	// discarded but the caller's writes survive.
	ReplyOnError
	// ReplyAlways reports both outcomes.
	ReplyAlways
)

func (r ReplyOn) String() string {
	switch r {
	case ReplyNever:
		return "never"
	case ReplyOnError:
		return "error"
	case ReplyAlways:
		return "always"
	default:
		return fmt.Sprintf("reply_on(%d)", uint8(r))
	}
}

// SubMsg is a message tagged with the correlation id used for its reply.
type SubMsg struct {
	ID      uint64  `json:"id"`
	Msg     Message `json:"msg"`
	ReplyOn ReplyOn `json:"reply_on"`
}

// SubMsgResult carries the outcome of a sub-message. Err is empty on success.
type SubMsgResult struct {
	Err      string         `json:"error,omitempty"`
	Contract common.Address `json:"contract,omitempty"`
	Data     []byte         `json:"data,omitempty"`
	Events   []*Event       `json:"events,omitempty"`
}

// OK reports whether the sub-message succeeded.
func (r SubMsgResult) OK() bool { return r.Err == "" }

// Reply is delivered to a contract's reply entry point.
type Reply struct {
	ID     uint64       `json:"id"`
	Result SubMsgResult `json:"result"`
}

// Response is returned by contract entry points.
type Response struct {
	Messages []SubMsg `json:"messages,omitempty"`
	Events   []*Event `json:"events,omitempty"`
	Data     []byte   `json:"data,omitempty"`
}

// AddMessage appends msg as a ReplyNever sub-message.
func (r *Response) AddMessage(msg Message) *Response {
	r.Messages = append(r.Messages, SubMsg{Msg: msg, ReplyOn: ReplyNever})
	return r
}

// AddSubMessage appends a sub-message with an explicit reply policy.
func (r *Response) AddSubMessage(id uint64, msg Message, on ReplyOn) *Response {
	r.Messages = append(r.Messages, SubMsg{ID: id, Msg: msg, ReplyOn: on})
	return r
}
