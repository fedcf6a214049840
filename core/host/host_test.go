package host_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"proxywallet/core/events"
	"proxywallet/core/host"
	"proxywallet/core/state"
	"proxywallet/core/types"
	"proxywallet/crypto"
	"proxywallet/native/bank"
	"proxywallet/native/multisig"
	"proxywallet/native/proxy"
	"proxywallet/observability/metrics"
	"proxywallet/storage"
)

const (
	walletCode   uint64 = 1
	multisigCode uint64 = 2
	loopCode     uint64 = 3
)

var (
	relayerAddr = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	guardianA   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	guardianB   = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	guardianC   = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	recipient   = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

// loopContract calls itself on every execute until the host refuses.
type loopContract struct{}

func (loopContract) Instantiate(host.Env, json.RawMessage) (*types.Response, error) {
	return &types.Response{}, nil
}

func (loopContract) Execute(env host.Env, msg json.RawMessage) (*types.Response, error) {
	if err := env.Store.KVPut([]byte("touched"), uint64(1)); err != nil {
		return nil, err
	}
	resp := &types.Response{}
	resp.AddMessage(types.Message{Call: &types.CallMsg{Contract: env.Contract, Msg: msg}})
	return resp, nil
}

func (loopContract) Reply(host.Env, types.Reply) (*types.Response, error) {
	return nil, errors.New("loop: unexpected reply")
}

func (loopContract) Query(env host.Env, _ host.QueryRequest) (interface{}, error) {
	ok, err := env.Store.KVHas([]byte("touched"))
	return map[string]bool{"touched": ok}, err
}

type testHost struct {
	*host.Host
	t        *testing.T
	db       *storage.MemDB
	now      time.Time
	events   *events.Buffer
	ownerKey *crypto.PrivateKey
	owner    common.Address
	scheme   crypto.AddressScheme
}

func newTestHost(t *testing.T) *testHost {
	t.Helper()
	return newTestHostWith(t, nil)
}

func newTestHostWith(t *testing.T, m *metrics.WalletMetrics) *testHost {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	params := proxy.DefaultParams()
	owner, err := params.Scheme.Derive(key.PubKey().Bytes())
	require.NoError(t, err)

	th := &testHost{
		t:        t,
		db:       storage.NewMemDB(),
		now:      time.Unix(1_700_000_000, 0).UTC(),
		events:   &events.Buffer{},
		ownerKey: key,
		owner:    owner,
		scheme:   params.Scheme,
	}
	th.Host = host.New(state.NewStore(th.db), host.Options{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Emitter: proxy.NewEventMeter(m, th.events),
		Metrics: m,
		Clock:   func() time.Time { return th.now },
	})
	require.NoError(t, th.RegisterCode(walletCode, "proxy", proxy.Factory(params, m)))
	require.NoError(t, th.RegisterCode(multisigCode, "multisig", multisig.Factory()))
	require.NoError(t, th.RegisterCode(loopCode, "loop", func() host.Contract { return loopContract{} }))
	require.NoError(t, th.SetDefaultDelegateCode(multisigCode))
	return th
}

func (th *testHost) createWallet(spec proxy.GuardianSetSpec) *host.Result {
	th.t.Helper()
	msg, err := json.Marshal(proxy.InitMsg{
		Owner:     th.owner,
		Guardians: spec,
		Relayers:  []common.Address{relayerAddr},
		Label:     "alice",
	})
	require.NoError(th.t, err)
	res, err := th.Instantiate(context.Background(), th.owner, walletCode, "alice", msg)
	require.NoError(th.t, err)
	return res
}

func (th *testHost) execute(sender, contract common.Address, action proxy.Action) (*host.Result, error) {
	th.t.Helper()
	msg, err := proxy.EncodeAction(action)
	require.NoError(th.t, err)
	return th.Execute(context.Background(), sender, contract, msg)
}

func (th *testHost) relay(wallet common.Address, action proxy.Action, nonce uint64) (*host.Result, error) {
	th.t.Helper()
	tx, err := proxy.NewRelayTransaction(th.ownerKey, action, nonce)
	require.NoError(th.t, err)
	return th.execute(relayerAddr, wallet, proxy.Relay{Transaction: tx})
}

func (th *testHost) info(wallet common.Address) *proxy.Info {
	th.t.Helper()
	out, err := th.Query(context.Background(), wallet, host.QueryRequest{Kind: proxy.QueryInfo})
	require.NoError(th.t, err)
	info, ok := out.(*proxy.Info)
	require.True(th.t, ok, "unexpected query result %T", out)
	return info
}

func expectedAddress(codeID uint64, creator common.Address, seq uint64) common.Address {
	buf := []byte("contract")
	buf = binary.BigEndian.AppendUint64(buf, codeID)
	buf = append(buf, creator.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, seq)
	return common.BytesToAddress(ethcrypto.Keccak256(buf)[12:])
}

func eventTypes(evts []*types.Event) []string {
	out := make([]string, len(evts))
	for i, evt := range evts {
		out[i] = evt.Type
	}
	return out
}

func TestRegisterCode(t *testing.T) {
	th := newTestHost(t)
	err := th.RegisterCode(walletCode, "again", multisig.Factory())
	require.ErrorIs(t, err, host.ErrCodeRegistered)
	require.ErrorIs(t, th.RegisterCode(0, "zero", multisig.Factory()), host.ErrUnknownCode)
	require.ErrorIs(t, th.SetDefaultDelegateCode(42), host.ErrUnknownCode)

	code, ok := th.DefaultDelegateCode()
	require.True(t, ok)
	require.Equal(t, multisigCode, code)
	require.NoError(t, th.SetDefaultDelegateCode(0))
	_, ok = th.DefaultDelegateCode()
	require.False(t, ok)
}

func TestInstantiateAddressesAreDeterministic(t *testing.T) {
	th := newTestHost(t)
	spec := proxy.GuardianSetSpec{Addresses: []common.Address{guardianA}}

	first := th.createWallet(spec)
	require.Equal(t, expectedAddress(walletCode, th.owner, 0), first.Contract)
	require.NotEmpty(t, first.CallID)
	require.Contains(t, eventTypes(first.Events), proxy.EventInstantiated)

	// A failed instantiation leaves no registry entry and does not advance
	// the sequence.
	bad, err := json.Marshal(proxy.InitMsg{Guardians: spec})
	require.NoError(t, err)
	_, err = th.Instantiate(context.Background(), th.owner, walletCode, "bad", bad)
	require.ErrorIs(t, err, proxy.ErrInvalidAddress)
	_, err = th.Contract(expectedAddress(walletCode, th.owner, 1))
	require.ErrorIs(t, err, host.ErrUnknownContract)

	second := th.createWallet(spec)
	require.Equal(t, expectedAddress(walletCode, th.owner, 1), second.Contract)

	info, err := th.Contract(second.Contract)
	require.NoError(t, err)
	require.Equal(t, "proxy", info.CodeName)
	require.Equal(t, "alice", info.Label)
	require.Equal(t, th.owner, info.Creator)
	require.Equal(t, th.now, info.CreatedAt)

	_, err = th.Instantiate(context.Background(), th.owner, 99, "missing", nil)
	require.ErrorIs(t, err, host.ErrUnknownCode)
}

func TestWalletWithDelegateAtCreation(t *testing.T) {
	th := newTestHost(t)
	spec := proxy.GuardianSetSpec{
		Addresses: []common.Address{guardianA, guardianB},
		Multisig:  &proxy.MultisigSpec{Threshold: 2, VotingPeriodSeconds: 600},
	}
	res := th.createWallet(spec)
	wallet := res.Contract

	info := th.info(wallet)
	require.NotNil(t, info.Guardians.Delegate)
	require.False(t, info.RotationInFlight)
	delegate := *info.Guardians.Delegate
	require.Equal(t, expectedAddress(multisigCode, wallet, 1), delegate)
	require.Contains(t, eventTypes(res.Events), proxy.EventDelegateInstantiated)
	require.Contains(t, eventTypes(res.Events), multisig.EventTypeInstantiated)

	record, err := th.Contract(delegate)
	require.NoError(t, err)
	require.Equal(t, "alice-guardians", record.Label)
	require.Equal(t, wallet, record.Creator)

	cfgOut, err := th.Query(context.Background(), delegate, host.QueryRequest{Kind: "config"})
	require.NoError(t, err)
	cfg := cfgOut.(multisig.Config)
	require.Equal(t, uint64(2), cfg.Threshold)
	require.Equal(t, uint64(600), cfg.VotingPeriodSeconds)
	require.ElementsMatch(t, []common.Address{guardianA, guardianB}, cfg.Members)

	// The delegate freezes the wallet once its members agree.
	freeze, err := proxy.EncodeAction(proxy.ToggleFreeze{})
	require.NoError(t, err)
	propose, err := json.Marshal(multisig.ExecuteMsg{Propose: &multisig.ProposeMsg{
		Title: "freeze",
		Msgs:  []types.Message{{Call: &types.CallMsg{Contract: wallet, Msg: freeze}}},
	}})
	require.NoError(t, err)
	proposed, err := th.Execute(context.Background(), guardianA, delegate, propose)
	require.NoError(t, err)
	var ref multisig.ProposalRef
	require.NoError(t, json.Unmarshal(proposed.Data, &ref))

	vote, err := json.Marshal(multisig.ExecuteMsg{Vote: &multisig.VoteMsg{ProposalID: ref.ProposalID, Yes: true}})
	require.NoError(t, err)
	_, err = th.Execute(context.Background(), guardianB, delegate, vote)
	require.NoError(t, err)

	exec, err := json.Marshal(multisig.ExecuteMsg{Execute: &multisig.ProposalRef{ProposalID: ref.ProposalID}})
	require.NoError(t, err)
	executed, err := th.Execute(context.Background(), guardianB, delegate, exec)
	require.NoError(t, err)
	require.Contains(t, eventTypes(executed.Events), proxy.EventFreezeToggled)
	require.True(t, th.info(wallet).Frozen)
}

func TestWalletCreationFailsWhenDelegateFails(t *testing.T) {
	th := newTestHost(t)
	missing := uint64(77)
	msg, err := json.Marshal(proxy.InitMsg{
		Owner: th.owner,
		Guardians: proxy.GuardianSetSpec{
			Addresses: []common.Address{guardianA},
			Multisig:  &proxy.MultisigSpec{Threshold: 1},
		},
		DelegateCode: &missing,
	})
	require.NoError(t, err)
	_, err = th.Instantiate(context.Background(), th.owner, walletCode, "alice", msg)
	require.ErrorIs(t, err, proxy.ErrDelegateInstantiation)
	_, err = th.Contract(expectedAddress(walletCode, th.owner, 0))
	require.ErrorIs(t, err, host.ErrUnknownContract)
	require.Empty(t, th.events.Events())
}

func TestRelayedTransferFailureKeepsNonce(t *testing.T) {
	th := newTestHost(t)
	wallet := th.createWallet(proxy.GuardianSetSpec{Addresses: []common.Address{guardianA}}).Contract
	pay := proxy.ExecuteMsgs{Msgs: []types.Message{{Transfer: &types.TransferMsg{To: recipient, Amount: uint256.NewInt(40)}}}}

	res, err := th.relay(wallet, pay, 0)
	require.NoError(t, err)
	got := eventTypes(res.Events)
	require.Contains(t, got, proxy.EventRelayInstructionFailed)
	require.NotContains(t, got, bank.EventTypeTransferred)
	require.Equal(t, uint64(1), th.info(wallet).Controller.Nonce)

	_, err = th.relay(wallet, pay, 0)
	require.ErrorIs(t, err, proxy.ErrNonceMismatch)

	require.NoError(t, th.Mint(context.Background(), wallet, uint256.NewInt(100)))
	res, err = th.relay(wallet, pay, 1)
	require.NoError(t, err)
	require.Contains(t, eventTypes(res.Events), bank.EventTypeTransferred)
	require.Equal(t, uint64(2), th.info(wallet).Controller.Nonce)

	balance, err := th.Balance(recipient)
	require.NoError(t, err)
	require.Equal(t, uint64(40), balance.Uint64())
	balance, err = th.Balance(wallet)
	require.NoError(t, err)
	require.Equal(t, uint64(60), balance.Uint64())
}

func TestDirectTransferFailureRollsBack(t *testing.T) {
	th := newTestHost(t)
	wallet := th.createWallet(proxy.GuardianSetSpec{Addresses: []common.Address{guardianA}}).Contract
	before := th.db.Len()
	th.events.Reset()

	pay := proxy.ExecuteMsgs{Msgs: []types.Message{{Transfer: &types.TransferMsg{To: recipient, Amount: uint256.NewInt(1)}}}}
	_, err := th.execute(th.owner, wallet, pay)
	require.ErrorIs(t, err, bank.ErrInsufficientBalance)
	require.Equal(t, before, th.db.Len())
	require.Empty(t, th.events.Events())
}

func TestRelayedEngineErrorConsumesNonce(t *testing.T) {
	th := newTestHost(t)
	wallet := th.createWallet(proxy.GuardianSetSpec{Addresses: []common.Address{guardianA}}).Contract
	res, err := th.relay(wallet, proxy.RotateOwner{NewOwner: th.owner}, 0)
	require.NoError(t, err)
	require.Equal(t, []string{proxy.EventRelayInstructionFailed}, eventTypes(res.Events))

	var failure proxy.RelayFailure
	require.NoError(t, json.Unmarshal(res.Data, &failure))
	require.Equal(t, proxy.ActionRotateOwner, failure.Instruction)
	require.Equal(t, uint64(1), failure.NextNonce)
	require.Equal(t, uint64(1), th.info(wallet).Controller.Nonce)

	_, err = th.relay(wallet, proxy.RotateOwner{NewOwner: th.owner}, 0)
	require.ErrorIs(t, err, proxy.ErrNonceMismatch)
}

func actionCount(t *testing.T, reg prometheus.Gatherer, action, outcome string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "proxywallet_actions_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := map[string]string{}
			for _, pair := range metric.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			if labels["action"] == action && labels["outcome"] == outcome {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestRevertedCallIsNotCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	th := newTestHostWith(t, metrics.NewWallet(reg))
	parent := th.createWallet(proxy.GuardianSetSpec{Addresses: []common.Address{guardianA}}).Contract

	init, err := json.Marshal(proxy.InitMsg{
		Owner:     parent,
		Guardians: proxy.GuardianSetSpec{Addresses: []common.Address{guardianB}},
	})
	require.NoError(t, err)
	child, err := th.Instantiate(context.Background(), th.owner, walletCode, "child", init)
	require.NoError(t, err)

	addRelayer, err := proxy.EncodeAction(proxy.AddRelayer{Relayer: guardianC})
	require.NoError(t, err)
	batch := proxy.ExecuteMsgs{Msgs: []types.Message{
		{Call: &types.CallMsg{Contract: child.Contract, Msg: addRelayer}},
		{Transfer: &types.TransferMsg{To: recipient, Amount: uint256.NewInt(1000)}},
	}}
	_, err = th.execute(th.owner, parent, batch)
	require.ErrorIs(t, err, bank.ErrInsufficientBalance)
	require.Zero(t, actionCount(t, reg, proxy.ActionAddRelayer, "success"))
	require.Zero(t, actionCount(t, reg, proxy.ActionExecute, "success"))
	require.NotContains(t, th.info(child.Contract).Relayers, guardianC)

	_, err = th.execute(th.owner, parent, proxy.ExecuteMsgs{Msgs: batch.Msgs[:1]})
	require.NoError(t, err)
	require.Equal(t, float64(1), actionCount(t, reg, proxy.ActionAddRelayer, "success"))
	require.Equal(t, float64(1), actionCount(t, reg, proxy.ActionExecute, "success"))
	require.Contains(t, th.info(child.Contract).Relayers, guardianC)
}

func TestGuardianRotationThroughHost(t *testing.T) {
	th := newTestHost(t)
	wallet := th.createWallet(proxy.GuardianSetSpec{Addresses: []common.Address{guardianA}}).Contract
	request := proxy.RequestGuardianRotation{Guardians: proxy.GuardianSetSpec{
		Addresses: []common.Address{guardianB, guardianC},
		Multisig:  &proxy.MultisigSpec{Threshold: 2},
	}}
	_, err := th.relay(wallet, request, 0)
	require.NoError(t, err)

	th.now = th.now.Add(time.Second)
	_, err = th.execute(th.owner, wallet, proxy.CommitGuardianRotation{})
	require.ErrorIs(t, err, proxy.ErrNotYetEligible)

	th.now = th.now.Add(proxy.DefaultRotationDelay)
	res, err := th.execute(guardianA, wallet, proxy.CommitGuardianRotation{})
	require.NoError(t, err)
	got := eventTypes(res.Events)
	for _, want := range []string{multisig.EventTypeInstantiated, proxy.EventGuardianRotationInitiated, proxy.EventGuardiansRotated} {
		require.Contains(t, got, want)
	}

	var outcome struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &outcome))
	require.Equal(t, "initiated", outcome.Status)

	info := th.info(wallet)
	require.Equal(t, []common.Address{guardianB, guardianC}, info.Guardians.Members)
	require.NotNil(t, info.Guardians.Delegate)
	require.Nil(t, info.PendingRotation)
	require.False(t, info.RotationInFlight)

	// The old guardian has lost its authority.
	_, err = th.execute(guardianA, wallet, proxy.ToggleFreeze{})
	require.ErrorIs(t, err, proxy.ErrNotGuardian)
}

func TestGuardianRotationAbortedWhenDelegateFails(t *testing.T) {
	th := newTestHost(t)
	wallet := th.createWallet(proxy.GuardianSetSpec{Addresses: []common.Address{guardianA}}).Contract
	missing := uint64(77)
	request := proxy.RequestGuardianRotation{
		Guardians: proxy.GuardianSetSpec{
			Addresses: []common.Address{guardianB},
			Multisig:  &proxy.MultisigSpec{Threshold: 1},
		},
		DelegateCode: &missing,
	}
	_, err := th.execute(th.owner, wallet, request)
	require.NoError(t, err)
	th.now = th.now.Add(proxy.DefaultRotationDelay)

	res, err := th.execute(th.owner, wallet, proxy.CommitGuardianRotation{})
	require.NoError(t, err)
	require.Contains(t, eventTypes(res.Events), proxy.EventGuardianRotationAborted)

	info := th.info(wallet)
	require.Equal(t, []common.Address{guardianA}, info.Guardians.Members)
	require.Nil(t, info.Guardians.Delegate)
	require.Nil(t, info.PendingRotation)
	require.False(t, info.RotationInFlight)
}

func TestInstantiateNormalizesLabel(t *testing.T) {
	th := newTestHost(t)
	res, err := th.Instantiate(context.Background(), th.owner, loopCode, "  \uff4f\uff50\uff53\u2460 ", json.RawMessage(`{}`))
	require.NoError(t, err)
	contract, err := th.Contract(res.Contract)
	require.NoError(t, err)
	require.Equal(t, "ops1", contract.Label)
}

func TestCallDepthLimit(t *testing.T) {
	th := newTestHost(t)
	res, err := th.Instantiate(context.Background(), th.owner, loopCode, "loop", nil)
	require.NoError(t, err)

	_, err = th.Execute(context.Background(), th.owner, res.Contract, json.RawMessage(`{}`))
	require.ErrorIs(t, err, host.ErrCallDepth)

	out, err := th.Query(context.Background(), res.Contract, host.QueryRequest{})
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"touched": false}, out)
}

func TestQueryErrors(t *testing.T) {
	th := newTestHost(t)
	wallet := th.createWallet(proxy.GuardianSetSpec{Addresses: []common.Address{guardianA}}).Contract

	_, err := th.Query(context.Background(), recipient, host.QueryRequest{Kind: proxy.QueryInfo})
	require.ErrorIs(t, err, host.ErrUnknownContract)
	_, err = th.Query(context.Background(), wallet, host.QueryRequest{Kind: "bogus"})
	require.ErrorIs(t, err, host.ErrUnknownQuery)

	out, err := th.Query(context.Background(), wallet, host.QueryRequest{
		Kind:   proxy.QueryIsRelayer,
		Params: map[string]string{"address": th.scheme.Format(relayerAddr)},
	})
	require.NoError(t, err)
	require.Equal(t, true, out.(map[string]interface{})["result"])

	// Padded kinds resolve to the same query.
	for kind, want := range map[string]bool{" is_relayer ": true, "\tis_guardian": false} {
		out, err = th.Query(context.Background(), wallet, host.QueryRequest{
			Kind:   kind,
			Params: map[string]string{"address": th.scheme.Format(relayerAddr)},
		})
		require.NoError(t, err, kind)
		require.Equal(t, want, out.(map[string]interface{})["result"], kind)
	}
}

func TestExecuteCancelledContext(t *testing.T) {
	th := newTestHost(t)
	wallet := th.createWallet(proxy.GuardianSetSpec{Addresses: []common.Address{guardianA}}).Contract
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg, err := proxy.EncodeAction(proxy.ExecuteMsgs{Msgs: []types.Message{{Call: &types.CallMsg{Contract: wallet, Msg: json.RawMessage(`{"type":"toggle_freeze"}`)}}}})
	require.NoError(t, err)
	_, err = th.Execute(ctx, th.owner, wallet, msg)
	require.ErrorIs(t, err, context.Canceled)
}
