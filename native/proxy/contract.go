package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"proxywallet/core/host"
	"proxywallet/core/types"
	"proxywallet/observability/metrics"
)

// Query kinds served by the wallet contract.
const (
	QueryInfo             = "info"
	QueryController       = "controller"
	QueryGuardians        = "guardians"
	QueryRelayers         = "relayers"
	QueryFrozen           = "frozen"
	QueryPendingRotation  = "pending_rotation"
	QueryRotationInFlight = "rotation_in_flight"
	QueryIsRelayer        = "is_relayer"
	QueryIsGuardian       = "is_guardian"
)

// Contract exposes the engine through the host's JSON entry points. It counts
// rejected calls as they happen; successes are counted by EventMeter once the
// host commits.
type Contract struct {
	params  Params
	metrics *metrics.WalletMetrics
}

// NewContract returns a wallet contract using params for every instance.
func NewContract(params Params, m *metrics.WalletMetrics) *Contract {
	return &Contract{params: params.withDefaults(), metrics: m}
}

// Factory returns a host factory for the wallet code.
func Factory(params Params, m *metrics.WalletMetrics) host.Factory {
	return func() host.Contract { return NewContract(params, m) }
}

func (c *Contract) engine(env host.Env) *Engine {
	e := NewEngine(c.params)
	e.SetState(env.Store)
	e.SetAddress(env.Contract)
	e.SetEmitter(env.Emitter)
	now := env.Now
	e.SetNowFunc(func() time.Time { return now })
	if env.Codes != nil {
		e.SetDelegateCodeSource(env.Codes)
	}
	return e
}

// Instantiate implements host.Contract.
func (c *Contract) Instantiate(env host.Env, raw json.RawMessage) (*types.Response, error) {
	var msg InitMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	resp, err := c.engine(env).Instantiate(env.Sender, msg)
	if err != nil {
		c.metrics.ObserveAction("instantiate", Category(err))
	}
	return resp, err
}

// Execute implements host.Contract.
func (c *Contract) Execute(env host.Env, raw json.RawMessage) (*types.Response, error) {
	action, err := DecodeAction(raw)
	if err != nil {
		c.metrics.ObserveAction("unknown", Category(err))
		return nil, err
	}
	resp, err := c.engine(env).Execute(env.Sender, action)
	if err != nil {
		c.metrics.ObserveAction(action.ActionType(), Category(err))
		if action.ActionType() == ActionRelay {
			c.metrics.IncRelayRejection(relayReason(err))
		}
	}
	return resp, err
}

// Reply implements host.Contract.
func (c *Contract) Reply(env host.Env, reply types.Reply) (*types.Response, error) {
	return c.engine(env).Reply(reply)
}

// Query implements host.Contract.
func (c *Contract) Query(env host.Env, req host.QueryRequest) (interface{}, error) {
	e := c.engine(env)
	kind := strings.TrimSpace(req.Kind)
	switch kind {
	case QueryInfo, "":
		return e.Info()
	case QueryController:
		return e.Controller()
	case QueryGuardians:
		return e.Guardians()
	case QueryRelayers:
		return e.Relayers()
	case QueryFrozen:
		frozen, err := e.Frozen()
		if err != nil {
			return nil, err
		}
		return map[string]bool{"frozen": frozen}, nil
	case QueryPendingRotation:
		return e.PendingRotation()
	case QueryRotationInFlight:
		inFlight, err := e.RotationInFlight()
		if err != nil {
			return nil, err
		}
		return map[string]bool{"rotation_in_flight": inFlight}, nil
	case QueryIsRelayer, QueryIsGuardian:
		addr, err := c.params.Scheme.Parse(req.Param("address"))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		var ok bool
		if kind == QueryIsRelayer {
			ok, err = e.IsRelayer(addr)
		} else {
			ok, err = e.IsGuardian(addr)
		}
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"address": c.params.Scheme.Format(addr), "result": ok}, nil
	default:
		return nil, fmt.Errorf("%w: %q", host.ErrUnknownQuery, req.Kind)
	}
}

func relayReason(err error) string {
	for _, target := range []error{ErrNotARelayer, ErrFrozen, ErrNotOwner, ErrNonceMismatch, ErrBadSignature, ErrUnauthorized, ErrInvalidMessage} {
		if errors.Is(err, target) {
			return strings.ReplaceAll(strings.TrimPrefix(target.Error(), "proxy: "), " ", "_")
		}
	}
	return "instruction"
}

var _ host.Contract = (*Contract)(nil)
