package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"proxywallet/core/host"
	"proxywallet/core/types"
	"proxywallet/crypto"
	"proxywallet/native/bank"
	"proxywallet/native/multisig"
	"proxywallet/native/proxy"
)

type contractRoutes struct {
	backend Backend
	scheme  crypto.AddressScheme
	logger  *slog.Logger
	limit   int64
}

type instantiateRequest struct {
	Sender string          `json:"sender"`
	CodeID uint64          `json:"code_id"`
	Label  string          `json:"label"`
	Msg    json.RawMessage `json:"msg"`
}

type executeRequest struct {
	Sender string          `json:"sender"`
	Msg    json.RawMessage `json:"msg"`
}

type relayRequest struct {
	Relayer     string                 `json:"relayer"`
	Transaction proxy.RelayTransaction `json:"transaction"`
}

type resultResponse struct {
	CallID   string          `json:"call_id"`
	Contract string          `json:"contract,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Events   []*types.Event  `json:"events"`
}

type contractResponse struct {
	Address   string `json:"address"`
	Hex       string `json:"hex"`
	CodeID    uint64 `json:"code_id"`
	CodeName  string `json:"code_name"`
	Label     string `json:"label"`
	Creator   string `json:"creator"`
	CreatedAt string `json:"created_at"`
}

type errorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category"`
}

func (cr *contractRoutes) instantiate(w http.ResponseWriter, r *http.Request) {
	var req instantiateRequest
	if !cr.decode(w, r, &req) {
		return
	}
	sender, ok := cr.address(w, "sender", req.Sender)
	if !ok {
		return
	}
	if req.CodeID == 0 {
		writeError(w, http.StatusBadRequest, "input", "code_id required")
		return
	}
	res, err := cr.backend.Instantiate(r.Context(), sender, req.CodeID, strings.TrimSpace(req.Label), req.Msg)
	if err != nil {
		cr.fail(w, r, err)
		return
	}
	cr.writeResult(w, http.StatusCreated, res)
}

func (cr *contractRoutes) execute(w http.ResponseWriter, r *http.Request) {
	contract, ok := cr.address(w, "address", chi.URLParam(r, "address"))
	if !ok {
		return
	}
	var req executeRequest
	if !cr.decode(w, r, &req) {
		return
	}
	sender, ok := cr.address(w, "sender", req.Sender)
	if !ok {
		return
	}
	if len(req.Msg) == 0 {
		writeError(w, http.StatusBadRequest, "input", "msg required")
		return
	}
	res, err := cr.backend.Execute(r.Context(), sender, contract, req.Msg)
	if err != nil {
		cr.fail(w, r, err)
		return
	}
	cr.writeResult(w, http.StatusOK, res)
}

// relay wraps a signed relay transaction into the wallet's relay action on
// behalf of the submitting relayer.
func (cr *contractRoutes) relay(w http.ResponseWriter, r *http.Request) {
	contract, ok := cr.address(w, "address", chi.URLParam(r, "address"))
	if !ok {
		return
	}
	var req relayRequest
	if !cr.decode(w, r, &req) {
		return
	}
	relayer, ok := cr.address(w, "relayer", req.Relayer)
	if !ok {
		return
	}
	msg, err := proxy.EncodeAction(proxy.Relay{Transaction: req.Transaction})
	if err != nil {
		cr.fail(w, r, err)
		return
	}
	res, err := cr.backend.Execute(r.Context(), relayer, contract, msg)
	if err != nil {
		cr.fail(w, r, err)
		return
	}
	cr.writeResult(w, http.StatusOK, res)
}

func (cr *contractRoutes) contract(w http.ResponseWriter, r *http.Request) {
	addr, ok := cr.address(w, "address", chi.URLParam(r, "address"))
	if !ok {
		return
	}
	info, err := cr.backend.Contract(addr)
	if err != nil {
		cr.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contractResponse{
		Address:   cr.scheme.Format(info.Address),
		Hex:       info.Address.Hex(),
		CodeID:    info.CodeID,
		CodeName:  info.CodeName,
		Label:     info.Label,
		Creator:   cr.scheme.Format(info.Creator),
		CreatedAt: info.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	})
}

func (cr *contractRoutes) query(w http.ResponseWriter, r *http.Request) {
	addr, ok := cr.address(w, "address", chi.URLParam(r, "address"))
	if !ok {
		return
	}
	values := r.URL.Query()
	req := host.QueryRequest{Kind: strings.TrimSpace(values.Get("q")), Params: map[string]string{}}
	for key := range values {
		if key != "q" {
			req.Params[key] = values.Get(key)
		}
	}
	out, err := cr.backend.Query(r.Context(), addr, req)
	if err != nil {
		cr.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (cr *contractRoutes) balance(w http.ResponseWriter, r *http.Request) {
	addr, ok := cr.address(w, "address", chi.URLParam(r, "address"))
	if !ok {
		return
	}
	balance, err := cr.backend.Balance(addr)
	if err != nil {
		cr.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address": cr.scheme.Format(addr),
		"balance": balance.Dec(),
	})
}

func (cr *contractRoutes) decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, cr.limit)
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "input", "request body too large")
			return false
		}
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "input", "request body required")
			return false
		}
		writeError(w, http.StatusBadRequest, "input", fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (cr *contractRoutes) address(w http.ResponseWriter, field, value string) (common.Address, bool) {
	addr, err := cr.scheme.Parse(value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "input", fmt.Sprintf("%s: %v", field, err))
		return common.Address{}, false
	}
	return addr, true
}

func (cr *contractRoutes) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, category := classify(err)
	if status >= http.StatusInternalServerError {
		cr.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("category", category),
			slog.Any("error", err))
	}
	writeError(w, status, category, err.Error())
}

// classify maps execution errors onto HTTP statuses.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, host.ErrUnknownContract), errors.Is(err, host.ErrUnknownCode),
		errors.Is(err, multisig.ErrProposalNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, host.ErrUnknownQuery), errors.Is(err, types.ErrInvalidMessage),
		errors.Is(err, multisig.ErrInvalidMessage), errors.Is(err, multisig.ErrInvalidConfig),
		errors.Is(err, multisig.ErrEmptyProposal), errors.Is(err, bank.ErrInvalidAmount):
		return http.StatusBadRequest, proxy.CategoryInput
	case errors.Is(err, multisig.ErrNotMember):
		return http.StatusForbidden, proxy.CategoryAuthorization
	case errors.Is(err, host.ErrCallDepth), errors.Is(err, bank.ErrInsufficientBalance),
		errors.Is(err, multisig.ErrProposalExpired), errors.Is(err, multisig.ErrProposalNotOpen),
		errors.Is(err, multisig.ErrAlreadyVoted), errors.Is(err, multisig.ErrThresholdNotReached),
		errors.Is(err, multisig.ErrNotExpired):
		return http.StatusConflict, proxy.CategoryState
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, proxy.CategoryInternal
	}
	switch category := proxy.Category(err); category {
	case proxy.CategoryAuthorization:
		return http.StatusForbidden, category
	case proxy.CategoryReplay:
		if errors.Is(err, proxy.ErrBadSignature) {
			return http.StatusForbidden, category
		}
		return http.StatusConflict, category
	case proxy.CategoryState:
		return http.StatusConflict, category
	case proxy.CategoryInput:
		return http.StatusBadRequest, category
	default:
		return http.StatusInternalServerError, category
	}
}

func (cr *contractRoutes) writeResult(w http.ResponseWriter, status int, res *host.Result) {
	out := resultResponse{CallID: res.CallID, Events: res.Events}
	if res.Contract != (common.Address{}) {
		out.Contract = cr.scheme.Format(res.Contract)
	}
	if len(res.Data) > 0 {
		if json.Valid(res.Data) {
			out.Data = res.Data
		} else {
			encoded, _ := json.Marshal(res.Data)
			out.Data = encoded
		}
	}
	if out.Events == nil {
		out.Events = []*types.Event{}
	}
	writeJSON(w, status, out)
}

func writeError(w http.ResponseWriter, status int, category, message string) {
	writeJSON(w, status, errorResponse{Error: message, Category: category})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
