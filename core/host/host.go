package host

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"proxywallet/core/events"
	"proxywallet/core/state"
	"proxywallet/core/types"
	"proxywallet/native/bank"
	"proxywallet/observability"
	"proxywallet/observability/metrics"
	telemetry "proxywallet/observability/otel"
)

// DefaultMaxCallDepth bounds sub-message recursion.
const DefaultMaxCallDepth = 8

var (
	keyContractPrefix = []byte("host/contract/")
	keySequence       = []byte("host/seq")
	keyDefaultCode    = []byte("host/default_delegate_code")
	contractPrefix    = []byte("contract/")
	bankPrefix        = []byte("bank/")
)

type storedContract struct {
	CodeID    uint64
	Label     string
	Creator   common.Address
	CreatedAt uint64
}

type registeredCode struct {
	name    string
	factory Factory
}

// Options configures a Host. Zero values select defaults.
type Options struct {
	Logger       *slog.Logger
	Emitter      events.Emitter
	Clock        func() time.Time
	MaxCallDepth int
	Tracer       trace.Tracer
	Metrics      *metrics.WalletMetrics
}

// Host executes contract calls one at a time against a shared store. Each
// call runs on its own cache and only a fully successful call reaches the
// database, through a single batch.
type Host struct {
	mu       sync.Mutex
	store    *state.Store
	codes    map[uint64]registeredCode
	logger   *slog.Logger
	emitter  events.Emitter
	nowFn    func() time.Time
	maxDepth int
	tracer   trace.Tracer
	metrics  *metrics.WalletMetrics
}

// New constructs a host over store.
func New(store *state.Store, opts Options) *Host {
	h := &Host{
		store:    store,
		codes:    make(map[uint64]registeredCode),
		logger:   opts.Logger,
		emitter:  opts.Emitter,
		nowFn:    opts.Clock,
		maxDepth: opts.MaxCallDepth,
		tracer:   opts.Tracer,
		metrics:  opts.Metrics,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.emitter == nil {
		h.emitter = events.NoopEmitter{}
	}
	if h.nowFn == nil {
		h.nowFn = func() time.Time { return time.Now().UTC() }
	}
	if h.maxDepth <= 0 {
		h.maxDepth = DefaultMaxCallDepth
	}
	if h.tracer == nil {
		h.tracer = telemetry.Tracer()
	}
	return h
}

// RegisterCode makes factory instantiable under codeID.
func (h *Host) RegisterCode(codeID uint64, name string, factory Factory) error {
	if codeID == 0 {
		return fmt.Errorf("%w: code id must be non-zero", ErrUnknownCode)
	}
	if factory == nil {
		return fmt.Errorf("host: factory required for code %d", codeID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.codes[codeID]; exists {
		return fmt.Errorf("%w: %d", ErrCodeRegistered, codeID)
	}
	h.codes[codeID] = registeredCode{name: name, factory: factory}
	return nil
}

// SetDefaultDelegateCode records the code id wallets instantiate for a
// threshold delegate when a rotation names none. Zero clears the default.
func (h *Host) SetDefaultDelegateCode(codeID uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if codeID != 0 {
		if _, ok := h.codes[codeID]; !ok {
			return fmt.Errorf("%w: %d", ErrUnknownCode, codeID)
		}
	}
	cache := h.store.Cache()
	view := state.NewView(cache)
	var err error
	if codeID == 0 {
		err = view.KVDelete(keyDefaultCode)
	} else {
		err = view.KVPut(keyDefaultCode, codeID)
	}
	if err != nil {
		return err
	}
	return cache.Write()
}

// DefaultDelegateCode implements CodeDefaults against committed state.
func (h *Host) DefaultDelegateCode() (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return defaultCode(state.NewView(h.store))
}

func defaultCode(view *state.View) (uint64, bool) {
	var code uint64
	ok, err := view.KVGet(keyDefaultCode, &code)
	if err != nil || !ok || code == 0 {
		return 0, false
	}
	return code, true
}

// Instantiate creates a contract from codeID with sender as creator.
func (h *Host) Instantiate(ctx context.Context, sender common.Address, codeID uint64, label string, msg json.RawMessage) (*Result, error) {
	return h.run(ctx, "instantiate", sender, common.Address{}, func(c *call, cache *state.Cache, buf *events.Buffer) (*Result, error) {
		addr, data, err := c.instantiate(cache, buf, sender, codeID, label, msg, 0)
		if err != nil {
			return nil, err
		}
		return &Result{Contract: addr, Data: data}, nil
	})
}

// Execute calls contract's execute entry point with sender as caller.
func (h *Host) Execute(ctx context.Context, sender, contract common.Address, msg json.RawMessage) (*Result, error) {
	return h.run(ctx, "execute", sender, contract, func(c *call, cache *state.Cache, buf *events.Buffer) (*Result, error) {
		data, err := c.execute(cache, buf, sender, contract, msg, 0)
		if err != nil {
			return nil, err
		}
		return &Result{Contract: contract, Data: data}, nil
	})
}

// Query runs a read-only query. Writes a contract attempts are discarded.
func (h *Host) Query(ctx context.Context, contract common.Address, req QueryRequest) (interface{}, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, span := h.tracer.Start(ctx, "host.query", trace.WithAttributes(
		attribute.String("contract", contract.Hex()),
		attribute.String("query", req.Kind),
	))
	defer span.End()
	start := time.Now()

	cache := h.store.Cache()
	out, err := h.query(cache, contract, req)
	h.observe("query", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

func (h *Host) query(cache *state.Cache, contract common.Address, req QueryRequest) (interface{}, error) {
	_, code, err := h.lookup(cache, contract)
	if err != nil {
		return nil, err
	}
	env := h.env("", cache, &events.Buffer{}, contract, common.Address{}, h.nowFn())
	return code.factory().Query(env, req)
}

// Contract returns the registry record for addr.
func (h *Host) Contract(addr common.Address) (ContractInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, code, err := h.lookup(h.store, addr)
	if err != nil {
		return ContractInfo{}, err
	}
	return ContractInfo{
		Address:   addr,
		CodeID:    rec.CodeID,
		CodeName:  code.name,
		Label:     rec.Label,
		Creator:   rec.Creator,
		CreatedAt: time.Unix(int64(rec.CreatedAt), 0).UTC(),
	}, nil
}

// Balance returns the native balance of addr.
func (h *Host) Balance(addr common.Address) (*uint256.Int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return bank.NewLedger(state.NewView(h.store).Prefix(bankPrefix), nil).Balance(addr)
}

// Mint credits native balance to addr outside of any contract call.
func (h *Host) Mint(ctx context.Context, addr common.Address, amount *uint256.Int) error {
	_, err := h.run(ctx, "mint", common.Address{}, addr, func(c *call, cache *state.Cache, buf *events.Buffer) (*Result, error) {
		ledger := bank.NewLedger(state.NewView(cache).Prefix(bankPrefix), buf)
		if err := ledger.Mint(addr, amount); err != nil {
			return nil, err
		}
		return &Result{}, nil
	})
	return err
}

type runFunc func(c *call, cache *state.Cache, buf *events.Buffer) (*Result, error)

func (h *Host) run(ctx context.Context, entry string, sender, contract common.Address, fn runFunc) (*Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	callID := uuid.NewString()
	ctx, span := h.tracer.Start(ctx, "host."+entry, trace.WithAttributes(
		attribute.String("call_id", callID),
		attribute.String("sender", sender.Hex()),
		attribute.String("contract", contract.Hex()),
	))
	defer span.End()
	start := time.Now()

	c := &call{host: h, ctx: ctx, id: callID, now: h.nowFn()}
	cache := h.store.Cache()
	buf := &events.Buffer{}
	res, err := fn(c, cache, buf)
	if err == nil {
		err = cache.Write()
	}
	h.observe(entry, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		h.logger.Warn("host call failed",
			slog.String("call_id", callID),
			slog.String("entry", entry),
			slog.String("sender", sender.Hex()),
			slog.String("contract", contract.Hex()),
			slog.String("outcome", "error"),
			slog.Any("error", err))
		return nil, err
	}

	res.CallID = callID
	res.Events = buf.Payloads()
	if res.Events == nil {
		res.Events = []*types.Event{}
	}
	for _, evt := range buf.Events() {
		observability.Events().RecordEvent(evt.EventType())
		h.emitter.Emit(evt)
	}
	if res.Contract != (common.Address{}) {
		contract = res.Contract
	}
	h.logger.Info("host call committed",
		slog.String("call_id", callID),
		slog.String("entry", entry),
		slog.String("sender", sender.Hex()),
		slog.String("contract", contract.Hex()),
		slog.String("outcome", "success"),
		slog.Int("events", len(res.Events)),
		slog.Duration("duration", time.Since(start)))
	return res, nil
}

func (h *Host) observe(entry string, start time.Time, err error) {
	if h.metrics != nil {
		h.metrics.ObserveCall(entry, time.Since(start), err)
	}
}

func (h *Host) env(callID string, cache state.Backend, emitter events.Emitter, contract, sender common.Address, now time.Time) Env {
	return Env{
		CallID:   callID,
		Contract: contract,
		Sender:   sender,
		Now:      now,
		Store:    state.NewView(cache).Prefix(append(append([]byte(nil), contractPrefix...), contract.Bytes()...)),
		Emitter:  emitter,
		Codes:    codeDefaults{view: state.NewView(cache)},
	}
}

func (h *Host) lookup(backend state.Backend, addr common.Address) (storedContract, registeredCode, error) {
	var rec storedContract
	ok, err := state.NewView(backend).KVGet(contractKey(addr), &rec)
	if err != nil {
		return storedContract{}, registeredCode{}, err
	}
	if !ok {
		return storedContract{}, registeredCode{}, fmt.Errorf("%w: %s", ErrUnknownContract, addr.Hex())
	}
	code, ok := h.codes[rec.CodeID]
	if !ok {
		return storedContract{}, registeredCode{}, fmt.Errorf("%w: %d (contract %s)", ErrUnknownCode, rec.CodeID, addr.Hex())
	}
	return rec, code, nil
}

// nextAddress derives keccak256("contract" || codeID || creator || seq)[12:]
// and advances the sequence.
func (h *Host) nextAddress(cache *state.Cache, codeID uint64, creator common.Address) (common.Address, error) {
	view := state.NewView(cache)
	var seq uint64
	if _, err := view.KVGet(keySequence, &seq); err != nil {
		return common.Address{}, err
	}
	if err := view.KVPut(keySequence, seq+1); err != nil {
		return common.Address{}, err
	}
	buf := make([]byte, 0, 8+8+common.AddressLength+8)
	buf = append(buf, "contract"...)
	buf = binary.BigEndian.AppendUint64(buf, codeID)
	buf = append(buf, creator.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, seq)
	return common.BytesToAddress(ethcrypto.Keccak256(buf)[12:]), nil
}

func contractKey(addr common.Address) []byte {
	return append(append([]byte(nil), keyContractPrefix...), addr.Bytes()...)
}

// codeDefaults reads the default delegate code through the call's own cache
// so a change made earlier in the same call is visible.
type codeDefaults struct {
	view *state.View
}

func (c codeDefaults) DefaultDelegateCode() (uint64, bool) { return defaultCode(c.view) }
