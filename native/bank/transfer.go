package bank

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"proxywallet/core/events"
	"proxywallet/core/types"
)

const (
	EventTypeTransferred = "bank.transferred"
	EventTypeMinted      = "bank.minted"
)

var (
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrInvalidAmount       = errors.New("bank: amount required")
	errNilState            = errors.New("bank: state not configured")
)

type ledgerState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

type bankEvent struct {
	evt *types.Event
}

func (e bankEvent) EventType() string { return e.evt.Type }

func (e bankEvent) Event() *types.Event { return e.evt }

// Ledger keeps native balances keyed by address.
type Ledger struct {
	state   ledgerState
	emitter events.Emitter
}

// NewLedger returns a ledger over state. A nil emitter discards events.
func NewLedger(state ledgerState, emitter events.Emitter) *Ledger {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	return &Ledger{state: state, emitter: emitter}
}

func balanceKey(addr common.Address) []byte {
	return append([]byte("balance/"), addr.Bytes()...)
}

// Balance returns the balance of addr; unknown accounts hold zero.
func (l *Ledger) Balance(addr common.Address) (*uint256.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	balance := new(uint256.Int)
	if _, err := l.state.KVGet(balanceKey(addr), balance); err != nil {
		return nil, err
	}
	return balance, nil
}

// Mint credits amount to addr.
func (l *Ledger) Mint(addr common.Address, amount *uint256.Int) error {
	if amount == nil {
		return ErrInvalidAmount
	}
	balance, err := l.Balance(addr)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(balance, amount)
	if overflow {
		return fmt.Errorf("bank: balance overflow for %s", addr.Hex())
	}
	if err := l.state.KVPut(balanceKey(addr), next); err != nil {
		return err
	}
	l.emitter.Emit(bankEvent{evt: types.NewEvent(EventTypeMinted).
		With("to", addr.Hex()).
		With("amount", amount.Dec())})
	return nil
}

// Transfer moves amount from one account to another. Zero transfers succeed
// without touching state.
func (l *Ledger) Transfer(from, to common.Address, amount *uint256.Int) error {
	if amount == nil {
		return ErrInvalidAmount
	}
	if amount.IsZero() {
		return nil
	}
	fromBalance, err := l.Balance(from)
	if err != nil {
		return err
	}
	if fromBalance.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), fromBalance.Dec(), amount.Dec())
	}
	if from == to {
		return nil
	}
	toBalance, err := l.Balance(to)
	if err != nil {
		return err
	}
	credited, overflow := new(uint256.Int).AddOverflow(toBalance, amount)
	if overflow {
		return fmt.Errorf("bank: balance overflow for %s", to.Hex())
	}
	if err := l.state.KVPut(balanceKey(from), new(uint256.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	if err := l.state.KVPut(balanceKey(to), credited); err != nil {
		return err
	}
	l.emitter.Emit(bankEvent{evt: types.NewEvent(EventTypeTransferred).
		With("from", from.Hex()).
		With("to", to.Hex()).
		With("amount", amount.Dec())})
	return nil
}
