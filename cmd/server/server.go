package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	partyHandler "github.com/partyroster/be/internal/controller/http/party"
	"github.com/partyroster/be/internal/controller/webhook"
	platformotel "github.com/partyroster/be/internal/platform/otel"
	"github.com/partyroster/be/internal/platform/timeouts"
	"github.com/partyroster/be/internal/platform/txgate"
	sqliteRepo "github.com/partyroster/be/internal/repositories/party/sqlite"
	"github.com/partyroster/be/internal/services/expiry"
	"github.com/partyroster/be/internal/services/roster"
	"github.com/partyroster/be/pkg/common/clock"
	"github.com/partyroster/be/pkg/common/config"
	"github.com/partyroster/be/pkg/common/jwkscache"
	"github.com/partyroster/be/pkg/common/logger"
)

const serviceName = "party-roster"

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config: %v", err)
		os.Exit(1)
	}
	logger.Initialize(cfg.LogLevel)
	logger.Info("starting server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := platformotel.Setup(ctx, serviceName, platformotel.Settings{
		Enabled:  cfg.OTelEnabled,
		Endpoint: cfg.OTelEndpoint,
	})
	if err != nil {
		logger.Warn("init tracing: %v", err)
	}

	repo, err := sqliteRepo.NewSQLiteRepo(cfg.SQLitePath)
	if err != nil {
		logger.Error("init repo: %v", err)
		os.Exit(1)
	}

	gate := txgate.New(repo, txgate.WithWaitTimeout(cfg.GateWaitTimeout))
	manager := roster.NewManager(gate, clock.Real(),
		roster.WithMaxCapacity(cfg.MaxCapacity),
		roster.WithMaxNameLength(cfg.MaxNameLength),
		roster.WithMaxLifetime(cfg.MaxLifetime),
	)

	var presenter roster.Presenter = webhook.Nop{}
	if cfg.WebhookURL != "" {
		presenter = webhook.New(cfg.WebhookURL, nil, cfg.WebhookTimeout)
		logger.Info("presenting roster changes to %s", cfg.WebhookURL)
	}
	var handlerOpts []partyHandler.Option
	if cfg.GatewayJWKSURL != "" {
		handlerOpts = append(handlerOpts, partyHandler.WithGatewayKeys(jwkscache.New(cfg.GatewayJWKSURL)))
	}
	if cfg.CallbackSecret == "" && cfg.GatewayJWKSURL == "" {
		logger.Warn("neither CALLBACK_SECRET nor GATEWAY_JWKS_URL is set, every /api/parties request will be refused")
	}

	sweeper := expiry.NewSweeper(manager, presenter, clock.Real(), cfg.SweepInterval)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Run(ctx)
	}()

	h := partyHandler.NewHandler(manager, presenter, []byte(cfg.CallbackSecret), handlerOpts...)
	router := chi.NewRouter()
	const maxBodySize = 64 << 10
	router.Use(middleware.RequestSize(maxBodySize))
	router.Use(middleware.Recoverer)
	router.Mount("/", h.Router())

	addr := ":" + cfg.Port
	server := &http.Server{
		Addr:              addr,
		Handler:           withCORS(router),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}

	go func() {
		logger.Info("listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown: %v", err)
	}
	<-sweepDone
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown: %v", err)
	}
	repo.Disconnect()
	logger.Info("server stopped")
}
