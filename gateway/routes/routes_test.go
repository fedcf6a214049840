package routes_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"proxywallet/core/host"
	"proxywallet/core/state"
	"proxywallet/core/types"
	"proxywallet/crypto"
	"proxywallet/gateway/middleware"
	"proxywallet/gateway/routes"
	"proxywallet/native/bank"
	"proxywallet/native/multisig"
	"proxywallet/native/proxy"
	"proxywallet/storage"
)

var (
	relayerAddr = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	guardianA   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	recipient   = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	stranger    = common.HexToAddress("0x00000000000000000000000000000000000000ee")
)

type apiFixture struct {
	t        *testing.T
	host     *host.Host
	handler  http.Handler
	scheme   crypto.AddressScheme
	ownerKey *crypto.PrivateKey
	owner    common.Address
}

func newAPIFixture(t *testing.T, limits map[string]middleware.RateLimit) *apiFixture {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	params := proxy.DefaultParams()
	owner, err := params.Scheme.Derive(key.PubKey().Bytes())
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := time.Unix(1_700_000_000, 0).UTC()
	h := host.New(state.NewStore(storage.NewMemDB()), host.Options{
		Logger: logger,
		Clock:  func() time.Time { return now },
	})
	require.NoError(t, h.RegisterCode(1, "proxy", proxy.Factory(params, nil)))
	require.NoError(t, h.RegisterCode(2, "multisig", multisig.Factory()))
	require.NoError(t, h.SetDefaultDelegateCode(2))

	cfg := routes.Config{
		Backend:       h,
		Scheme:        params.Scheme,
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{}, logger),
		Logger:        logger,
	}
	if limits != nil {
		cfg.RateLimiter = middleware.NewRateLimiter(limits, logger)
	}
	return &apiFixture{
		t:        t,
		host:     h,
		handler:  routes.New(cfg),
		scheme:   params.Scheme,
		ownerKey: key,
		owner:    owner,
	}
}

func (f *apiFixture) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "203.0.113.7:5000"
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) createWallet() common.Address {
	f.t.Helper()
	init, err := json.Marshal(proxy.InitMsg{
		Owner:     f.owner,
		Guardians: proxy.GuardianSetSpec{Addresses: []common.Address{guardianA}},
		Relayers:  []common.Address{relayerAddr},
	})
	require.NoError(f.t, err)
	rec := f.do(http.MethodPost, "/contracts", map[string]interface{}{
		"sender":  f.scheme.Format(f.owner),
		"code_id": 1,
		"label":   "alice",
		"msg":     json.RawMessage(init),
	})
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())
	var out struct {
		CallID   string         `json:"call_id"`
		Contract string         `json:"contract"`
		Events   []*types.Event `json:"events"`
	}
	require.NoError(f.t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(f.t, out.CallID)
	require.NotEmpty(f.t, out.Events)
	addr, err := f.scheme.Parse(out.Contract)
	require.NoError(f.t, err)
	return addr
}

func (f *apiFixture) execute(sender, wallet common.Address, action proxy.Action) *httptest.ResponseRecorder {
	f.t.Helper()
	msg, err := proxy.EncodeAction(action)
	require.NoError(f.t, err)
	return f.do(http.MethodPost, "/contracts/"+wallet.Hex()+"/execute", map[string]interface{}{
		"sender": sender.Hex(),
		"msg":    json.RawMessage(msg),
	})
}

func (f *apiFixture) relay(wallet common.Address, action proxy.Action, nonce uint64) *httptest.ResponseRecorder {
	f.t.Helper()
	tx, err := proxy.NewRelayTransaction(f.ownerKey, action, nonce)
	require.NoError(f.t, err)
	return f.do(http.MethodPost, "/contracts/"+f.scheme.Format(wallet)+"/relay", map[string]interface{}{
		"relayer":     f.scheme.Format(relayerAddr),
		"transaction": tx,
	})
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var out struct {
		Error    string `json:"error"`
		Category string `json:"category"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.Error, out.Category
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec := f.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	rec = f.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestInstantiateAndDescribeWallet(t *testing.T) {
	f := newAPIFixture(t, nil)
	wallet := f.createWallet()

	rec := f.do(http.MethodGet, "/contracts/"+f.scheme.Format(wallet), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info struct {
		Address  string `json:"address"`
		CodeID   uint64 `json:"code_id"`
		CodeName string `json:"code_name"`
		Label    string `json:"label"`
		Creator  string `json:"creator"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.Equal(t, f.scheme.Format(wallet), info.Address)
	require.Equal(t, uint64(1), info.CodeID)
	require.Equal(t, "proxy", info.CodeName)
	require.Equal(t, "alice", info.Label)
	require.Equal(t, f.scheme.Format(f.owner), info.Creator)

	rec = f.do(http.MethodGet, "/contracts/"+wallet.Hex()+"/query?q=info", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var walletInfo proxy.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &walletInfo))
	require.Equal(t, f.owner, walletInfo.Controller.Owner)
	require.Equal(t, uint64(0), walletInfo.Controller.Nonce)
	require.Equal(t, []common.Address{relayerAddr}, walletInfo.Relayers)
	require.False(t, walletInfo.Frozen)

	rec = f.do(http.MethodGet, "/contracts/"+wallet.Hex()+"/query?q=is_guardian&address="+guardianA.Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"result":true`)
}

func TestRelayedTransferThroughAPI(t *testing.T) {
	f := newAPIFixture(t, nil)
	wallet := f.createWallet()
	require.NoError(t, f.host.Mint(context.Background(), wallet, uint256.NewInt(100)))

	pay := proxy.ExecuteMsgs{Msgs: []types.Message{{Transfer: &types.TransferMsg{To: recipient, Amount: uint256.NewInt(40)}}}}
	rec := f.relay(wallet, pay, 0)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), bank.EventTypeTransferred)
	require.Contains(t, rec.Body.String(), proxy.EventRelayed)

	rec = f.do(http.MethodGet, "/balances/"+recipient.Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var balance map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balance))
	require.Equal(t, "40", balance["balance"])

	rec = f.relay(wallet, pay, 0)
	require.Equal(t, http.StatusConflict, rec.Code)
	_, category := decodeError(t, rec)
	require.Equal(t, proxy.CategoryReplay, category)
}

func TestErrorMapping(t *testing.T) {
	f := newAPIFixture(t, nil)
	wallet := f.createWallet()

	rec := f.execute(stranger, wallet, proxy.ToggleFreeze{})
	require.Equal(t, http.StatusForbidden, rec.Code)
	_, category := decodeError(t, rec)
	require.Equal(t, proxy.CategoryAuthorization, category)

	rec = f.execute(guardianA, wallet, proxy.ToggleFreeze{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.execute(f.owner, wallet, proxy.AddRelayer{Relayer: stranger})
	require.Equal(t, http.StatusConflict, rec.Code)
	msg, category := decodeError(t, rec)
	require.Equal(t, proxy.CategoryState, category)
	require.Contains(t, msg, "frozen")

	rec = f.do(http.MethodGet, "/contracts/"+stranger.Hex(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, "/contracts/"+wallet.Hex()+"/query?q=nope", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/contracts/not-an-address", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/contracts/"+wallet.Hex()+"/execute", map[string]interface{}{
		"sender": f.owner.Hex(),
		"msg":    json.RawMessage(`{"type":"launch"}`),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRejectsMalformedBodies(t *testing.T) {
	f := newAPIFixture(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/contracts", strings.NewReader(`{"sender":`))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/contracts", strings.NewReader(`{"unexpected":true}`))
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/contracts", map[string]interface{}{"sender": f.owner.Hex()})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	msg, _ := decodeError(t, rec)
	require.Contains(t, msg, "code_id")

	rec = f.do(http.MethodPost, "/contracts", map[string]interface{}{"sender": f.owner.Hex(), "code_id": 9})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteRouteIsRateLimited(t *testing.T) {
	f := newAPIFixture(t, map[string]middleware.RateLimit{
		routes.RateLimitExecute: {RequestsPerMinute: 1, Burst: 1},
	})
	wallet := f.createWallet()

	rec := f.execute(guardianA, wallet, proxy.ToggleFreeze{})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.execute(guardianA, wallet, proxy.ToggleFreeze{})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = f.do(http.MethodGet, "/contracts/"+wallet.Hex()+"/query?q=frozen", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"frozen":true`)
}

func TestMutatingRoutesRequireToken(t *testing.T) {
	f := newAPIFixture(t, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.handler = routes.New(routes.Config{
		Backend:       f.host,
		Scheme:        f.scheme,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: "s3cret"}, logger),
		Logger:        logger,
	})

	rec := f.do(http.MethodPost, "/contracts", map[string]interface{}{"sender": f.owner.Hex(), "code_id": 1})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/balances/"+recipient.Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": middleware.ScopeExecute,
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/contracts", strings.NewReader(`{"sender":"`+f.owner.Hex()+`","code_id":1}`))
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	f.handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusForbidden, res.Code)
}
