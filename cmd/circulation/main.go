package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"libracirc/internal/catalog"
	"libracirc/internal/circulation"
	"libracirc/internal/config"
	"libracirc/internal/database"
	"libracirc/internal/kiosk"
	"libracirc/internal/membership"
	"libracirc/internal/notify"
	"libracirc/internal/policy"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := run(log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		return err
	}

	if cfg.Tracing.Endpoint != "" {
		shutdown, err := setupTracing(ctx, cfg.Tracing.Endpoint)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	clock := clockwork.NewRealClock()

	items := catalog.NewStore(db)
	members := membership.NewStore(db)
	policies := policy.NewStore(db, clock, 30*time.Second)

	sinks := notify.FanOut{notify.NewLogSink(log)}
	if cfg.SMTP.Enabled {
		sinks = append(sinks, notify.NewMailer(notify.SMTPConfig{
			Host: cfg.SMTP.Host,
			Port: cfg.SMTP.Port,
			User: cfg.SMTP.User,
			Pass: cfg.SMTP.Pass,
			From: cfg.SMTP.From,
		}, notify.DefaultTemplates(), log))
	}

	svc := circulation.NewService(db, items, members, policies, sinks, clock, log)

	sessions := kiosk.NewSessionStore(cfg.Kiosk.SessionTTL, cfg.Kiosk.StartsPerMin, clock)
	go sessions.Run(cfg.Kiosk.SweepEvery)
	defer sessions.Close()
	kioskSvc := kiosk.NewService(members, sessions, clock)

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Mount("/api/v1", circulation.NewHandler(svc).Routes())
	router.Mount("/api/v1/kiosk", kiosk.NewHandler(kioskSvc).Routes())
	router.Mount("/api/v1/admin", policy.NewHandler(policies).Routes())

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("circulation service listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// setupTracing installs an OTLP/HTTP trace exporter as the global provider.
func setupTracing(ctx context.Context, endpoint string) (func(), error) {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}, nil
}
