package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	commonapi "eventpay/internal/common/api"
	"eventpay/internal/common/cache"
	"eventpay/internal/common/database"
	"eventpay/internal/common/events"
	"eventpay/internal/common/middleware"
	"eventpay/internal/common/nats"
	"eventpay/internal/gateway"
	"eventpay/internal/payments"
	"eventpay/internal/payments/api"
	"eventpay/internal/payments/store"
	"eventpay/internal/providers/paylink"
	"eventpay/internal/providers/stripe"
	"eventpay/migrations"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"PAYMENTS_PORT" default:"8090"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// API keys map key to subject, e.g. "k1:ops,k2:oncall"
	AdminAPIKeys   map[string]string `envconfig:"ADMIN_API_KEYS"`
	ServiceAPIKeys map[string]string `envconfig:"SERVICE_API_KEYS"`

	Database database.Config
	NATS     nats.Config
	Cache    cache.Config
	Gateway  gateway.Config
	Stripe   stripe.Config
	Paylink  paylink.Config
	Payments payments.Config
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if cfg.Database.Migrate {
		if err := database.Migrate(cfg.Database.URL, migrations.FS, logger); err != nil {
			logger.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
	}

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Event publishing is optional; without it lifecycle events are dropped
	var publisher events.EventPublisher
	var natsClient *nats.Client
	if cfg.NATS.Enabled {
		natsClient, err = nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			logger.Error("failed to connect to nats", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()

		if err := natsClient.EnsureStream(ctx); err != nil {
			logger.Error("failed to ensure stream", "stream", cfg.NATS.Stream, "error", err)
			os.Exit(1)
		}
		publisher = nats.NewPublisher(natsClient, logger)
	}

	var redisClient *cache.Client
	var idempotency func(http.Handler) http.Handler
	if cfg.Cache.URL != "" {
		redisClient, err = cache.New(ctx, cfg.Cache, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		idempotency = middleware.Idempotency(redisClient.IdempotencyStore(), cfg.Cache.IdempotencyTTL, logger)
	}

	registry, err := gateway.NewRegistry(cfg.Gateway.Active,
		stripe.NewAdapter(cfg.Stripe, logger),
		paylink.NewAdapter(cfg.Paylink, logger),
	)
	if err != nil {
		logger.Error("failed to configure gateways", "error", err)
		os.Exit(1)
	}

	// Create services
	paymentStore := store.New(db)
	notifier := payments.NewNotifier(publisher, logger)
	distributor := payments.NewDistributor(paymentStore, registry, notifier, cfg.Payments, logger)
	service := payments.NewService(paymentStore, registry, distributor, notifier, logger)
	reconciler := payments.NewReconciler(paymentStore, registry, service, notifier, cfg.Payments, logger)

	// Create handlers
	paymentsHandler := api.NewHandler(service, logger)
	webhookHandler := api.NewWebhookHandler(reconciler, logger)

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]error{"database": db.HealthCheck(r.Context())}
		if natsClient != nil {
			checks["nats"] = natsClient.HealthCheck()
		}
		writeHealth(w, logger, "healthy", "unhealthy", checks)
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]error{}
		if natsClient != nil {
			checks["nats"] = natsClient.HealthCheck()
		}
		if redisClient != nil {
			checks["redis"] = redisClient.HealthCheck(r.Context())
		}
		writeHealth(w, logger, "ready", "not_ready", checks)
	})

	// Provider callbacks authenticate by signature, not API key
	r.Mount("/webhooks", webhookHandler.Routes())

	r.Route("/api/v1/payments", func(r chi.Router) {
		r.Use(chimw.Compress(5))
		r.Use(middleware.APIKeyAuth(apiKeyValidator(cfg.AdminAPIKeys, cfg.ServiceAPIKeys)))
		r.Mount("/", paymentsHandler.Routes(idempotency))
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting payments service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"active_gateway", cfg.Gateway.Active,
			"gateways", registry.Codes(),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func apiKeyValidator(admin, service map[string]string) middleware.APIKeyValidator {
	return func(_ context.Context, key string) (middleware.Identity, error) {
		if subject, ok := admin[key]; ok {
			return middleware.Identity{Subject: subject, Role: api.RoleAdmin}, nil
		}
		if subject, ok := service[key]; ok {
			return middleware.Identity{Subject: subject, Role: "service"}, nil
		}
		return middleware.Identity{}, errors.New("unknown api key")
	}
}

// writeHealth reports each dependency as "ok" or "down". Failure detail goes to the log only.
func writeHealth(w http.ResponseWriter, logger *slog.Logger, up, down string, checks map[string]error) {
	status, code := up, http.StatusOK
	components := make(map[string]string, len(checks))
	for name, err := range checks {
		if err != nil {
			logger.Warn("dependency check failed", "dependency", name, "error", err)
			components[name] = "down"
			status, code = down, http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}
	commonapi.WriteJSON(w, code, map[string]any{"status": status, "components": components})
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
