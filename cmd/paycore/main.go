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

	"paycore/internal/common/database"
	"paycore/internal/common/middleware"
	natsclient "paycore/internal/common/nats"
	"paycore/internal/payment"
	"paycore/internal/processor"
	paymentsapi "paycore/internal/processor/api"
	"paycore/internal/providers/banktransfer"
	"paycore/internal/providers/cards"
	"paycore/internal/providers/free"
	"paycore/internal/providers/hosted"
	"paycore/internal/providers/manual"
	"paycore/internal/webhook"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"PAYCORE_PORT" default:"8090"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// APIKeys maps operator API keys to operator names (key:name,...).
	APIKeys map[string]string `envconfig:"PAYCORE_API_KEYS"`

	EventsStream     string          `envconfig:"PAYMENT_EVENTS_STREAM" default:"PAYMENTS"`
	EventsEnabled    *bool           `envconfig:"PAYMENTS_EVENTS_ENABLED"`
	EventsProcessors map[string]bool `envconfig:"PAYMENTS_EVENTS_PROCESSORS"`

	AcquiringStream   string `envconfig:"ACQUIRING_EVENTS_STREAM" default:"ACQUIRING"`
	AcquiringSubjects string `envconfig:"ACQUIRING_EVENTS_SUBJECTS" default:"acquiring.events.>"`

	Database     database.Config
	NATS         natsclient.Config
	Payments     processor.Config
	Webhook      webhook.Config
	Cards        cards.Config
	Hosted       hosted.Config
	BankTransfer banktransfer.Config
	Manual       manual.Config
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Database and schema
	if cfg.Database.Migrate {
		if err := database.Migrate(cfg.Database, logger); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
	}

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Messaging
	nc, err := natsclient.New(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	if _, err := nc.EnsureStream(ctx, natsclient.DefaultStreamConfig(cfg.EventsStream, []string{natsclient.SubjectPrefix + "payment.>"})); err != nil {
		logger.Error("failed to ensure payment events stream", "error", err)
		os.Exit(1)
	}

	// Payment core
	store := payment.NewPostgresStore(db.Pool())
	notifier := payment.NewNotifier(payment.EventPolicy{
		Enabled:    cfg.EventsEnabled,
		Processors: cfg.EventsProcessors,
	}, logger)
	notifier.Subscribe("nats", natsclient.NewPublisher(nc, logger))
	engine := payment.NewEngine(store, notifier, logger)

	registry := processor.NewRegistry(cfg.Payments.DefaultProcessor)
	strategies := []processor.Strategy{
		cards.New(cfg.Cards, nc.Conn(), logger),
		hosted.New(cfg.Hosted, hosted.NewClient(cfg.Hosted.BaseURL, cfg.Hosted.APIKey, cfg.Hosted.Timeout), logger),
		banktransfer.New(cfg.BankTransfer, logger),
		manual.New(cfg.Manual, logger),
		free.New(""),
	}
	for _, s := range strategies {
		if err := registry.Register(s); err != nil {
			logger.Error("failed to register processor", "processor", s.Name(), "error", err)
			os.Exit(1)
		}
	}
	orch := processor.New(registry, engine, cfg.Payments, logger)

	// Webhooks
	idempotency := webhook.NewPostgresIdempotencyStore(db.Pool(), nil)

	hostedDispatcher := webhook.NewDispatcher(cfg.Webhook, idempotency, logger)
	webhook.NewChargeHandlers(hosted.Name, store, engine, logger).Register(hostedDispatcher)
	webhookHandlers := map[string]http.Handler{
		hosted.Name: webhook.NewHandler(hostedDispatcher, cfg.Webhook.SignatureHeader, logger),
	}

	acquiringDispatcher := webhook.NewDispatcher(cfg.Webhook, idempotency, logger)
	webhook.NewChargeHandlers(cards.Name, store, engine, logger).Register(acquiringDispatcher)
	go consumeAcquiringEvents(ctx, nc, cfg, acquiringDispatcher, logger)

	go purgeWebhookEvents(ctx, idempotency, logger)

	// Setup router
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","component":"database"}`))
			return
		}
		if err := nc.HealthCheck(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","component":"nats"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Route("/api/v1/payments", func(r chi.Router) {
		if len(cfg.APIKeys) > 0 {
			r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		} else {
			logger.Warn("PAYCORE_API_KEYS not set, payment API is unauthenticated")
		}
		r.Use(chimw.Compress(5))
		r.Mount("/", paymentsapi.NewHandler(orch, logger).Routes())
	})

	r.Post("/webhooks/{processor}", func(w http.ResponseWriter, r *http.Request) {
		h, ok := webhookHandlers[chi.URLParam(r, "processor")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting paycore service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"processors", registry.Names(),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

// consumeAcquiringEvents feeds charge notifications published by the
// acquiring service into the webhook dispatcher. The bus is trusted, so the
// payloads are not signed.
func consumeAcquiringEvents(ctx context.Context, nc *natsclient.Client, cfg Config, d *webhook.Dispatcher, logger *slog.Logger) {
	consumer, err := nc.EnsureConsumer(ctx, natsclient.DefaultConsumerConfig("paycore-acquiring", cfg.AcquiringStream, cfg.AcquiringSubjects))
	if err != nil {
		logger.Warn("acquiring events disabled", "stream", cfg.AcquiringStream, "error", err)
		return
	}

	sub := natsclient.NewSubscriber(consumer, logger)
	err = sub.Start(ctx, func(ctx context.Context, subject string, data []byte) error {
		err := d.Dispatch(ctx, data)
		if errors.Is(err, webhook.ErrUnhandledEvent) || errors.Is(err, webhook.ErrMalformedPayload) {
			// Redelivery cannot fix these.
			logger.Warn("dropping acquiring event", "subject", subject, "error", err)
			return nil
		}
		return err
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("acquiring events consumer stopped", "error", err)
	}
}

func purgeWebhookEvents(ctx context.Context, store webhook.IdempotencyStore, logger *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		n, err := store.Purge(ctx)
		if err != nil {
			logger.Error("failed to purge webhook events", "error", err)
		} else if n > 0 {
			logger.Info("purged expired webhook events", "count", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
