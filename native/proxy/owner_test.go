package proxy

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"proxywallet/core/types"
	"proxywallet/crypto"
)

func TestRotateOwnerValidation(t *testing.T) {
	f := newFixture(t)
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000e1")
	cases := []struct {
		name     string
		caller   common.Address
		newOwner common.Address
		want     error
	}{
		{"stranger", stranger, common.HexToAddress("0x01"), ErrUnauthorized},
		{"relayer acting directly", f.relayer, common.HexToAddress("0x01"), ErrUnauthorized},
		{"zero owner", f.owner, common.Address{}, ErrInvalidAddress},
		{"same owner", f.owner, f.owner, ErrSameAddress},
		{"guardian as owner", f.owner, f.guardians[0], ErrSelfGuardianConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.execute(tc.caller, RotateOwner{NewOwner: tc.newOwner})
			expectErr(t, err, tc.want)
		})
	}
}

func TestRotateOwnerRejectsDelegate(t *testing.T) {
	f := newFixture(t)
	delegate := common.HexToAddress("0x00000000000000000000000000000000000000d1")
	if _, err := f.run(func() (*types.Response, error) {
		return nil, f.engine.storeGuardians(GuardianSet{Members: f.guardians, Delegate: &delegate})
	}); err != nil {
		t.Fatalf("store guardians: %v", err)
	}
	_, err := f.execute(f.owner, RotateOwner{NewOwner: delegate})
	expectErr(t, err, ErrSelfGuardianConflict)
}

func TestRotateOwnerKeepsNonce(t *testing.T) {
	f := newFixture(t)
	target := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	exec := ExecuteMsgs{Msgs: []types.Message{callMsg(target)}}
	for i := uint64(0); i < 2; i++ {
		if _, err := f.relay(exec, i); err != nil {
			t.Fatalf("relay %d: %v", i, err)
		}
	}

	nextKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	next, err := f.engine.Params().Scheme.Derive(nextKey.PubKey().Bytes())
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if _, err := f.relay(RotateOwner{NewOwner: next}, 2); err != nil {
		t.Fatalf("relayed rotate owner: %v", err)
	}
	if f.nonce() != 3 {
		t.Fatalf("expected nonce 3 after rotation, got %d", f.nonce())
	}
	evt := f.events.Payloads()[len(f.events.Payloads())-2]
	if evt.Type != EventOwnerRotated || evt.Attr("new_owner") != f.engine.Params().Scheme.Format(next) {
		t.Fatalf("unexpected rotation event %+v", evt)
	}

	// The old key no longer controls the wallet, the new one continues the
	// sequence.
	_, err = f.relay(exec, 3)
	expectErr(t, err, ErrNotOwner)
	_, err = f.execute(f.owner, exec)
	expectErr(t, err, ErrNotOwner)
	if _, err := f.execute(f.relayer, f.signed(nextKey, exec, 3)); err != nil {
		t.Fatalf("relay with new owner: %v", err)
	}
	if f.nonce() != 4 {
		t.Fatalf("expected nonce 4, got %d", f.nonce())
	}
}

func TestRelayedOwnerRotationFailureConsumesNonce(t *testing.T) {
	f := newFixture(t)
	relay := f.signed(f.ownerKey, RotateOwner{NewOwner: f.owner}, 0)
	resp, err := f.execute(f.relayer, relay)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	var failure RelayFailure
	if err := json.Unmarshal(resp.Data, &failure); err != nil {
		t.Fatalf("decode failure: %v", err)
	}
	if failure.Instruction != ActionRotateOwner || failure.Category != CategoryState || failure.NextNonce != 1 {
		t.Fatalf("unexpected failure %+v", failure)
	}
	if got := f.events.Types(); len(got) != 1 || got[0] != EventRelayInstructionFailed {
		t.Fatalf("expected only the failure event, got %v", got)
	}
	if f.nonce() != 1 {
		t.Fatalf("expected the nonce to stay consumed, got %d", f.nonce())
	}
	ctrl, err := f.read().Controller()
	if err != nil || ctrl.Owner != f.owner {
		t.Fatalf("owner must be unchanged, got %v err=%v", ctrl.Owner, err)
	}
	_, err = f.execute(f.relayer, relay)
	expectErr(t, err, ErrNonceMismatch)
}

func TestRelayerManagement(t *testing.T) {
	f := newFixture(t)
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000e1")
	second := common.HexToAddress("0x00000000000000000000000000000000000000b2")

	_, err := f.execute(stranger, AddRelayer{Relayer: second})
	expectErr(t, err, ErrUnauthorized)
	_, err = f.execute(f.relayer, AddRelayer{Relayer: second})
	expectErr(t, err, ErrUnauthorized)
	_, err = f.execute(f.owner, AddRelayer{Relayer: common.Address{}})
	expectErr(t, err, ErrInvalidAddress)
	_, err = f.execute(f.owner, AddRelayer{Relayer: f.relayer})
	expectErr(t, err, ErrAlreadyExists)
	_, err = f.execute(f.owner, RemoveRelayer{Relayer: second})
	expectErr(t, err, ErrDoesNotExist)

	if _, err := f.execute(f.owner, AddRelayer{Relayer: second}); err != nil {
		t.Fatalf("add relayer: %v", err)
	}
	evt := f.events.Payloads()[0]
	if evt.Type != EventRelayerAdded || evt.Attr("relayer_address") != f.engine.Params().Scheme.Format(second) {
		t.Fatalf("unexpected event %+v", evt)
	}
	if _, err := f.execute(f.guardians[0], RemoveRelayer{Relayer: f.relayer}); err != nil {
		t.Fatalf("guardian remove relayer: %v", err)
	}
	relayers, err := f.read().Relayers()
	if err != nil {
		t.Fatalf("relayers: %v", err)
	}
	if len(relayers) != 1 || relayers[0] != second {
		t.Fatalf("unexpected relayers %v", relayers)
	}

	// The removed relayer loses its ability to submit.
	_, err = f.relay(CommitGuardianRotation{}, 0)
	expectErr(t, err, ErrNotARelayer)
}

func TestRelayerManagementByPublicMethods(t *testing.T) {
	f := newFixture(t)
	second := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	if _, err := f.run(func() (*types.Response, error) {
		return nil, f.engine.AddRelayer(f.owner, second)
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := f.run(func() (*types.Response, error) {
		return nil, f.engine.RemoveRelayer(f.owner, second)
	}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	ok, err := f.read().IsRelayer(second)
	if err != nil || ok {
		t.Fatalf("expected relayer to be gone, ok=%v err=%v", ok, err)
	}
}
