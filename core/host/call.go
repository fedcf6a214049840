package host

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/text/unicode/norm"

	"proxywallet/core/events"
	"proxywallet/core/state"
	"proxywallet/core/types"
	"proxywallet/native/bank"
)

// call carries the per-call context through nested sub-message execution.
type call struct {
	host *Host
	ctx  context.Context
	id   string
	now  time.Time
}

// normalizeLabel folds compatibility forms so that visually identical labels
// are stored identically.
func normalizeLabel(label string) string {
	return norm.NFKC.String(strings.TrimSpace(label))
}

func (c *call) instantiate(cache *state.Cache, buf *events.Buffer, sender common.Address, codeID uint64, label string, msg json.RawMessage, depth int) (common.Address, []byte, error) {
	code, ok := c.host.codes[codeID]
	if !ok {
		return common.Address{}, nil, fmt.Errorf("%w: %d", ErrUnknownCode, codeID)
	}
	addr, err := c.host.nextAddress(cache, codeID, sender)
	if err != nil {
		return common.Address{}, nil, err
	}
	rec := storedContract{CodeID: codeID, Label: normalizeLabel(label), Creator: sender, CreatedAt: uint64(c.now.Unix())}
	if err := state.NewView(cache).KVPut(contractKey(addr), rec); err != nil {
		return common.Address{}, nil, err
	}
	inst := code.factory()
	resp, err := inst.Instantiate(c.host.env(c.id, cache, buf, addr, sender, c.now), msg)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("instantiate %s (code %d): %w", code.name, codeID, err)
	}
	data, err := c.handle(cache, buf, inst, addr, resp, depth)
	if err != nil {
		return common.Address{}, nil, err
	}
	return addr, data, nil
}

func (c *call) execute(cache *state.Cache, buf *events.Buffer, sender, contract common.Address, msg json.RawMessage, depth int) ([]byte, error) {
	_, code, err := c.host.lookup(cache, contract)
	if err != nil {
		return nil, err
	}
	inst := code.factory()
	resp, err := inst.Execute(c.host.env(c.id, cache, buf, contract, sender, c.now), msg)
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", contract.Hex(), err)
	}
	return c.handle(cache, buf, inst, contract, resp, depth)
}

// handle runs the sub-messages of resp depth first. Each sub-message gets
// its own cache: ReplyNever failures abort the caller, other failures drop
// only the sub-message's writes and are reported to inst's reply entry
// point. A failing reply aborts the caller.
func (c *call) handle(cache *state.Cache, buf *events.Buffer, inst Contract, contract common.Address, resp *types.Response, depth int) ([]byte, error) {
	if resp == nil {
		return nil, nil
	}
	for _, evt := range resp.Events {
		if evt != nil {
			buf.Emit(hostEvent{evt: evt.Clone()})
		}
	}
	data := resp.Data
	for _, sub := range resp.Messages {
		subCache := cache.Cache()
		subBuf := &events.Buffer{}
		result, err := c.dispatch(subCache, subBuf, contract, sub.Msg, depth+1)
		if err == nil {
			if err := subCache.Write(); err != nil {
				return nil, err
			}
			subBuf.Forward(buf)
		}

		var reply *types.Reply
		switch {
		case err != nil && sub.ReplyOn == types.ReplyNever:
			return nil, err
		case err != nil:
			reply = &types.Reply{ID: sub.ID, Result: types.SubMsgResult{Err: err.Error()}}
		case sub.ReplyOn == types.ReplyAlways:
			result.Events = subBuf.Payloads()
			reply = &types.Reply{ID: sub.ID, Result: result}
		}
		if reply == nil {
			continue
		}
		replyResp, err := inst.Reply(c.host.env(c.id, cache, buf, contract, contract, c.now), *reply)
		if err != nil {
			return nil, fmt.Errorf("reply %d to %s: %w", sub.ID, contract.Hex(), err)
		}
		replyData, err := c.handle(cache, buf, inst, contract, replyResp, depth)
		if err != nil {
			return nil, err
		}
		if len(replyData) > 0 {
			data = replyData
		}
	}
	return data, nil
}

func (c *call) dispatch(cache *state.Cache, buf *events.Buffer, sender common.Address, msg types.Message, depth int) (types.SubMsgResult, error) {
	if depth > c.host.maxDepth {
		return types.SubMsgResult{}, fmt.Errorf("%w (%d)", ErrCallDepth, c.host.maxDepth)
	}
	if err := c.ctx.Err(); err != nil {
		return types.SubMsgResult{}, err
	}
	if err := msg.Validate(); err != nil {
		return types.SubMsgResult{}, err
	}
	switch {
	case msg.Transfer != nil:
		ledger := bank.NewLedger(state.NewView(cache).Prefix(bankPrefix), buf)
		if err := ledger.Transfer(sender, msg.Transfer.To, msg.Transfer.Amount); err != nil {
			return types.SubMsgResult{}, err
		}
		return types.SubMsgResult{}, nil
	case msg.Call != nil:
		data, err := c.execute(cache, buf, sender, msg.Call.Contract, msg.Call.Msg, depth)
		if err != nil {
			return types.SubMsgResult{}, err
		}
		return types.SubMsgResult{Contract: msg.Call.Contract, Data: data}, nil
	default:
		inst := msg.Instantiate
		addr, data, err := c.instantiate(cache, buf, sender, inst.CodeID, inst.Label, inst.Msg, depth)
		if err != nil {
			return types.SubMsgResult{}, err
		}
		return types.SubMsgResult{Contract: addr, Data: data}, nil
	}
}
