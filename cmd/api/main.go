package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"apptnotify/internal/config"
	"apptnotify/internal/dispatch"
	"apptnotify/internal/domain"
	"apptnotify/internal/engine"
	"apptnotify/internal/flow"
	"apptnotify/internal/httpserver"
	"apptnotify/internal/logging"
	"apptnotify/internal/observability"
	"apptnotify/internal/providers/mailer"
	"apptnotify/internal/providers/whatsapp"
	"apptnotify/internal/store/pg"
	"apptnotify/internal/util"
	"apptnotify/internal/variables"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPool.MaxConns,
		MinConns:          cfg.DBPool.MinConns,
		MaxConnLifetime:   cfg.DBPool.MaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPool.MaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPool.HealthCheckPeriod,
	})
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	observability.Register(prometheus.DefaultRegisterer)

	eng := buildEngine(cfg.Engine, store)

	s := httpserver.New()
	api := &httpserver.API{
		Engine:  eng,
		Records: store,
		Now:     util.NowUTC,
	}
	api.Register(s.Mux)

	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, func(ctx context.Context) error {
		return db.Ping(ctx)
	}))
	s.Mux.Use(httpserver.Metrics(observability.APIRequests))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpserver.Logging(s.Mux),
	}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	metricsErrCh := make(chan error, 1)
	go func() {
		slog.Info("api metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("api shutdown", "signal", sig.String())
		case err := <-metricsErrCh:
			if err != nil && err != http.ErrServerClosed {
				slog.Error("api metrics server failed", "err", err)
			}
		}
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}
}

func buildEngine(cfg config.EngineConfig, store *pg.Store) *engine.Engine {
	wa := &whatsapp.Client{
		PhoneNumberID: cfg.WhatsAppPhoneNumberID,
		AccessToken:   cfg.WhatsAppAccessToken,
		HTTP:          &http.Client{Timeout: cfg.DispatchTimeout},
		APIVersion:    cfg.WhatsAppAPIVersion,
		BaseURL:       cfg.WhatsAppBaseURL,
	}
	mail := &mailer.Sender{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		From:     cfg.SMTPFrom,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "whatsapp",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})

	return &engine.Engine{
		Source: store,
		Guard: &dispatch.Guard{
			Store:       store,
			MaxAttempts: cfg.MaxAttempts,
			Backoff:     cfg.RetryBackoff,
			BackoffMax:  cfg.RetryBackoffMax,
		},
		Evaluator: &flow.Evaluator{GraceWindow: cfg.GraceWindow},
		Resolver: &variables.Resolver{Business: domain.BusinessInfo{
			Name:    cfg.BusinessName,
			Address: cfg.BusinessAddress,
			Phone:   cfg.BusinessPhone,
			Email:   cfg.BusinessEmail,
		}},
		WhatsApp:        wa,
		Mail:            mail,
		Limiter:         rate.NewLimiter(rate.Limit(cfg.WhatsAppRPS), cfg.WhatsAppBurst),
		Breaker:         cb,
		DispatchTimeout: cfg.DispatchTimeout,
		Lookback:        cfg.Lookback,
		Lookahead:       cfg.Lookahead,
	}
}
