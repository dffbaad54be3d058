// cmd/main.go is the application entry point.
// It wires together all layers and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Shivanand-hulikatti/event-admission/internal/admission"
	"github.com/Shivanand-hulikatti/event-admission/internal/checkout"
	"github.com/Shivanand-hulikatti/event-admission/internal/config"
	"github.com/Shivanand-hulikatti/event-admission/internal/database"
	"github.com/Shivanand-hulikatti/event-admission/internal/handler"
	"github.com/Shivanand-hulikatti/event-admission/internal/ledger"
	"github.com/Shivanand-hulikatti/event-admission/internal/notify"
	"github.com/Shivanand-hulikatti/event-admission/internal/payment"
	"github.com/Shivanand-hulikatti/event-admission/internal/ratelimit"
	"github.com/Shivanand-hulikatti/event-admission/internal/repository"
	"github.com/Shivanand-hulikatti/event-admission/internal/repository/memory"
	"github.com/Shivanand-hulikatti/event-admission/internal/service"
	"github.com/Shivanand-hulikatti/event-admission/internal/telemetry"
	"github.com/Shivanand-hulikatti/event-admission/internal/ticket"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "event-admission",
		Short:         "Event registration admission and payment confirmation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply the database schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrate(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "recount",
			Short: "Rebuild capacity counters from active registrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return recount(cmd.Context())
			},
		},
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	log.SetOutput(os.Stdout)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		log.WithField("level", level).Warn("unknown LOG_LEVEL, using info")
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

// openStore returns the configured store and a function releasing it.
func openStore(ctx context.Context, cfg *config.Config, log *logrus.Logger) (repository.Store, func(), error) {
	if cfg.StoreDriver == "memory" {
		store := memory.New()
		if cfg.FixturesFile != "" {
			f, err := os.Open(cfg.FixturesFile)
			if err != nil {
				return nil, nil, fmt.Errorf("open fixtures: %w", err)
			}
			defer f.Close()
			if err := store.LoadFixtures(f); err != nil {
				return nil, nil, err
			}
		}
		log.Warn("using in-memory store, data is lost on exit")
		return store, func() {}, nil
	}

	pool, err := database.NewPool(ctx, cfg.DB, log)
	if err != nil {
		return nil, nil, err
	}
	log.Info("connected to PostgreSQL")
	return repository.NewPostgresStore(pool), pool.Close, nil
}

func newSink(ctx context.Context, cfg *config.Config, log *logrus.Logger) (notify.Dispatcher, func(), error) {
	switch cfg.Notify.Driver {
	case "kafka":
		sink, err := notify.NewKafkaSink(cfg.Notify.KafkaBrokers, cfg.Notify.KafkaTopic, log)
		if err != nil {
			return nil, nil, err
		}
		return sink, sink.Close, nil
	case "cloudtasks":
		sink, err := notify.NewCloudTasksSink(ctx, notify.CloudTasksConfig{
			ProjectID:       cfg.Notify.GCPProjectID,
			Location:        cfg.Notify.GCPLocation,
			Queue:           cfg.Notify.GCPQueue,
			MailerURL:       cfg.Notify.MailerURL,
			CredentialsFile: cfg.Notify.GCPCredentialsFile,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return sink, func() { _ = sink.Close() }, nil
	default:
		return notify.LogSink{Log: log}, func() {}, nil
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel)

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Environment: cfg.Tracing.Environment,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.OTLPEndpoint,
		Insecure:    cfg.Tracing.OTLPInsecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, log)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	// ── 1. Storage ────────────────────────────────────────────────────────
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer closeStore()

	// ── 2. Outbound collaborators ─────────────────────────────────────────
	sink, closeSink, err := newSink(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("notify sink: %w", err)
	}
	defer closeSink()
	queue := notify.NewQueue(sink, notify.QueueOptions{
		Workers:     cfg.Notify.Workers,
		MaxAttempts: cfg.Notify.MaxAttempts,
	}, log)

	var (
		provider checkout.Provider
		decoder  payment.Decoder
	)
	switch cfg.Payment.Provider {
	case "xendit":
		provider = checkout.NewXendit(cfg.Payment.XenditSecretKey, cfg.Payment.SuccessURL, log)
		decoder = payment.NewXenditDecoder(cfg.Payment.XenditCallback)
	default:
		provider = &checkout.Fake{BaseURL: fmt.Sprintf("http://localhost:%d", cfg.Port), Log: log}
		decoder = payment.NewSignedDecoder(cfg.Payment.WebhookSecret, cfg.Payment.WebhookTolerance)
	}

	var limiter ratelimit.Limiter = ratelimit.NewMemory(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	if cfg.RateLimit.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("redis unreachable, rate limiter will fail open")
		}
		limiter = ratelimit.NewRedis(rc, "ratelimit:admin", cfg.RateLimit.Requests, cfg.RateLimit.Window)
	}

	// ── 3. Wire up layers ─────────────────────────────────────────────────
	capacity := ledger.New(log)
	guard := admission.NewGuard(capacity, time.Now, log)
	issuer := ticket.NewIssuer(store, cfg.TicketSigningKey, log)
	processor := payment.NewProcessor(payment.ProcessorProperty{
		Decoder:    decoder,
		Store:      store,
		Ledger:     capacity,
		Issuer:     issuer,
		Dispatcher: queue,
		Logger:     log,
	})
	svc := service.NewRegistrationService(service.Property{
		Store:      store,
		Guard:      guard,
		Ledger:     capacity,
		Checkout:   provider,
		Issuer:     issuer,
		Dispatcher: queue,
		Logger:     log,
	})
	h := handler.NewRegistrationHandler(svc, processor, log)

	// ── 4. Build the router ───────────────────────────────────────────────
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.Recoverer) // recover from panics, return 500
	r.Use(chimiddleware.RequestID) // attach request IDs
	r.Use(chimiddleware.RealIP)    // trust X-Forwarded-For
	r.Use(handler.Trace(cfg.Tracing.ServiceName))
	r.Use(handler.Logger(log))     // structured access log
	r.Use(handler.CORS(cfg.CORSAllowedOrigins))

	h.Routes(r, handler.NewAuthenticator(cfg.JWTSecret, log), limiter)

	// ── 5. Start server with graceful shutdown ────────────────────────────
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Block until SIGINT or SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	// Confirmations accepted before shutdown still go out.
	if err := queue.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("notification queue not drained")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.WithError(err).Warn("trace exporter not flushed")
	}
	log.Info("server stopped")
	return nil
}

func migrate(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel)
	if cfg.StoreDriver != "postgres" {
		return errors.New("migrate requires STORE_DRIVER=postgres")
	}

	pool, err := database.NewPool(ctx, cfg.DB, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		return err
	}
	log.Info("schema applied")
	return nil
}

func recount(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel)
	if cfg.StoreDriver != "postgres" {
		return errors.New("recount requires STORE_DRIVER=postgres")
	}

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	changed, err := ledger.New(log).Recount(ctx, store)
	if err != nil {
		return err
	}
	fmt.Printf("%d counters corrected\n", changed)
	return nil
}
