package routes

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"proxywallet/core/host"
	"proxywallet/crypto"
	"proxywallet/gateway/middleware"
)

// Rate limit keys applied to the mutating routes.
const (
	RateLimitInstantiate = "instantiate"
	RateLimitExecute     = "execute"
)

// Backend is the execution surface the HTTP API drives.
type Backend interface {
	Instantiate(ctx context.Context, sender common.Address, codeID uint64, label string, msg json.RawMessage) (*host.Result, error)
	Execute(ctx context.Context, sender, contract common.Address, msg json.RawMessage) (*host.Result, error)
	Query(ctx context.Context, contract common.Address, req host.QueryRequest) (interface{}, error)
	Contract(addr common.Address) (host.ContractInfo, error)
	Balance(addr common.Address) (*uint256.Int, error)
}

// Config wires the router.
type Config struct {
	Backend       Backend
	Scheme        crypto.AddressScheme
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	Authenticator *middleware.Authenticator
	Logger        *slog.Logger
	// MaxBodyBytes caps request bodies. Zero selects 1 MiB.
	MaxBodyBytes int64
}

// New returns the wallet API handler.
func New(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	cr := &contractRoutes{
		backend: cfg.Backend,
		scheme:  cfg.Scheme,
		logger:  cfg.Logger,
		limit:   cfg.MaxBodyBytes,
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(gr chi.Router) {
		use := func(route, limitKey, scope string) chi.Router {
			sub := gr.With()
			if cfg.Observability != nil {
				sub = sub.With(cfg.Observability.Middleware(route))
			}
			if cfg.RateLimiter != nil && limitKey != "" {
				sub = sub.With(cfg.RateLimiter.Middleware(limitKey))
			}
			if cfg.Authenticator != nil && scope != "" {
				sub = sub.With(cfg.Authenticator.Middleware(scope))
			}
			return sub
		}
		use("instantiate", RateLimitInstantiate, middleware.ScopeInstantiate).Post("/contracts", cr.instantiate)
		use("contract", "", "").Get("/contracts/{address}", cr.contract)
		use("execute", RateLimitExecute, middleware.ScopeExecute).Post("/contracts/{address}/execute", cr.execute)
		use("relay", RateLimitExecute, middleware.ScopeExecute).Post("/contracts/{address}/relay", cr.relay)
		use("query", "", "").Get("/contracts/{address}/query", cr.query)
		use("balance", "", "").Get("/balances/{address}", cr.balance)
	})
	return r
}
