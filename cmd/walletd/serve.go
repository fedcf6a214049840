package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"proxywallet/config"
	"proxywallet/core/events"
	"proxywallet/core/host"
	"proxywallet/core/state"
	gatewayconfig "proxywallet/gateway/config"
	"proxywallet/gateway/middleware"
	"proxywallet/gateway/routes"
	"proxywallet/native/multisig"
	"proxywallet/native/proxy"
	"proxywallet/observability/logging"
	"proxywallet/observability/metrics"
	telemetry "proxywallet/observability/otel"
	"proxywallet/storage"
)

// Code ids registered on every node. Wallets created over the API refer to
// these.
const (
	walletCodeID   uint64 = 1
	multisigCodeID uint64 = 2
)

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfig, "Path to the walletd config file")
	listen := fs.String("listen", "", "Override the gateway listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, logCloser := logging.SetupWithFile("walletd", cfg.Environment, cfg.LogOptions())
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.TelemetryConfig())
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	gwCfg, err := gatewayconfig.Load(cfg.GatewayConfig)
	if err != nil {
		return fmt.Errorf("load gateway config: %w", err)
	}
	if strings.TrimSpace(*listen) != "" {
		gwCfg.ListenAddress = strings.TrimSpace(*listen)
	}

	n, err := openNode(cfg, gwCfg, logger)
	if err != nil {
		return err
	}
	defer n.Close()

	handler := n.handler
	if cfg.Telemetry.Traces {
		handler = otelhttp.NewHandler(handler, "walletd")
	}
	server := &http.Server{
		Addr:         gwCfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  gwCfg.ReadTimeout,
		WriteTimeout: gwCfg.WriteTimeout,
		IdleTimeout:  gwCfg.IdleTimeout,
	}
	var tlsConfig *tls.Config
	if gwCfg.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(gwCfg.Security.TLSCertFile, gwCfg.Security.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("load TLS key pair: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		server.TLSConfig = tlsConfig
	}

	listener, err := net.Listen("tcp", gwCfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	serveErr := make(chan error, 1)
	go func() {
		scheme := "http"
		if tlsConfig != nil {
			scheme = "https"
			listener = tls.NewListener(listener, tlsConfig)
		}
		logger.Info("wallet API listening", slog.String("address", scheme+"://"+listener.Addr().String()))
		serveErr <- server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.Any("error", err))
	}
	logger.Info("wallet API stopped")
	return nil
}

// node bundles the execution host with the HTTP API that drives it.
type node struct {
	db      storage.Database
	host    *host.Host
	handler http.Handler
}

func openStateDB(cfg *config.Config) (storage.Database, error) {
	if cfg.StateBackend != config.StateBackendBolt {
		return storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	return storage.NewBoltDB(filepath.Join(cfg.DataDir, "state.db"), nil)
}

func openNode(cfg *config.Config, gwCfg gatewayconfig.Config, logger *slog.Logger) (*node, error) {
	db, err := openStateDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	walletMetrics := metrics.Wallet()
	h := host.New(state.NewStore(db), host.Options{
		Logger:       logger,
		Emitter:      proxy.NewEventMeter(walletMetrics, eventLogger{logger: logger}),
		MaxCallDepth: cfg.Wallet.MaxCallDepth,
		Metrics:      walletMetrics,
	})
	if err := registerCodes(h, cfg.WalletParams(), walletMetrics); err != nil {
		db.Close()
		return nil, err
	}

	limits := make(map[string]middleware.RateLimit, len(gwCfg.RateLimits))
	for _, entry := range gwCfg.RateLimits {
		limits[entry.ID] = middleware.RateLimit{RequestsPerMinute: entry.RequestsPerMinute, Burst: entry.Burst}
	}
	handler := routes.New(routes.Config{
		Backend:     h,
		Scheme:      cfg.WalletParams().Scheme,
		RateLimiter: middleware.NewRateLimiter(limits, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: gwCfg.Observability.ServiceName,
			LogRequests: gwCfg.Observability.LogRequests,
		}, logger),
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    gwCfg.Auth.Enabled,
			HMACSecret: gwCfg.Auth.HMACSecret,
			Issuer:     gwCfg.Auth.Issuer,
			Audience:   gwCfg.Auth.Audience,
			ScopeClaim: gwCfg.Auth.ScopeClaim,
			ClockSkew:  gwCfg.Auth.ClockSkew,
		}, logger),
		Logger:       logger,
		MaxBodyBytes: gwCfg.MaxBodyBytes,
	})
	return &node{db: db, host: h, handler: handler}, nil
}

func registerCodes(h *host.Host, params proxy.Params, m *metrics.WalletMetrics) error {
	if err := h.RegisterCode(walletCodeID, "proxy", proxy.Factory(params, m)); err != nil {
		return fmt.Errorf("register wallet code: %w", err)
	}
	if err := h.RegisterCode(multisigCodeID, "multisig", multisig.Factory()); err != nil {
		return fmt.Errorf("register multisig code: %w", err)
	}
	if _, ok := h.DefaultDelegateCode(); !ok {
		if err := h.SetDefaultDelegateCode(multisigCodeID); err != nil {
			return fmt.Errorf("set default delegate code: %w", err)
		}
	}
	return nil
}

func (n *node) Close() {
	if n.db != nil {
		n.db.Close()
	}
}

// eventLogger writes committed events to the node log.
type eventLogger struct {
	logger *slog.Logger
}

func (l eventLogger) Emit(evt events.Event) {
	attrs := []any{slog.String("type", evt.EventType())}
	if payload, ok := evt.(events.Payload); ok {
		if e := payload.Event(); e != nil {
			for key, value := range e.Attributes {
				attrs = append(attrs, slog.String(key, value))
			}
		}
	}
	l.logger.Debug("event", attrs...)
}
