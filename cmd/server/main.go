package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/kayigireerneste/broker-sub000/internal/auth"
	"github.com/kayigireerneste/broker-sub000/internal/config"
	"github.com/kayigireerneste/broker-sub000/internal/feed"
	"github.com/kayigireerneste/broker-sub000/internal/market"
	"github.com/kayigireerneste/broker-sub000/internal/metrics"
	"github.com/kayigireerneste/broker-sub000/internal/notify"
	"github.com/kayigireerneste/broker-sub000/internal/store"
	"github.com/kayigireerneste/broker-sub000/internal/telemetry"
	"github.com/kayigireerneste/broker-sub000/internal/trade"
)

func main() {
	if err := run(); err != nil {
		slog.Error("broker exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.Load(os.Getenv("BROKER_CONFIG"))
	if err != nil {
		return err
	}

	logger := telemetry.NewLogger(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Tracing ---
	shutdownTracing := func(context.Context) error { return nil }
	if cfg.Tracing.Enabled {
		shutdownTracing, err = telemetry.InitTracing(cfg.Tracing.ServiceName, os.Stderr)
		if err != nil {
			return err
		}
		logger.Info("tracing enabled", "service", cfg.Tracing.ServiceName)
	}

	// --- Store ---
	st, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// --- Live feed ---
	hub := feed.NewHub()
	go hub.Run(ctx)

	// --- Notifications ---
	var mailer notify.Mailer = notify.LogMailer{Logger: logger}
	if smtp := cfg.Notify.SMTP; smtp.Host != "" {
		mailer = notify.SMTPMailer{
			Host:     smtp.Host,
			Port:     smtp.Port,
			Username: smtp.Username,
			Password: smtp.Password,
			From:     smtp.From,
		}
		logger.Info("smtp mailer enabled", "host", smtp.Host)
	}
	dispatcher := notify.NewDispatcher(st, mailer, hub, cfg.Notify.Workers, cfg.Notify.QueueSize, logger)

	// --- Trading ---
	executor := trade.NewExecutor(st, dispatcher, trade.Config{
		LotSize: cfg.Trading.LotSize,
		Timeout: cfg.Trading.ExecutionTimeout,
		Logger:  logger,
	})
	tradeHandler := trade.NewHandler(executor, st, logger)
	marketHandler := market.NewHandler(market.NewService(st, hub, logger), cfg.Auth.SyncToken)

	authn := auth.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	orderLimiter := auth.NewUserRateLimiter(cfg.Trading.OrderRPS, cfg.Trading.OrderBurst)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.Server.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"broker"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	// Long-lived; kept out of the request timeout.
	r.Get("/api/v1/ws", hub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Server.RequestTimeout))

		buy := func(r chi.Router) {
			r.Use(auth.Middleware(authn))
			r.Use(orderLimiter.Handler)
			r.Post("/", tradeHandler.Buy)
		}
		r.Route("/api/trade/buy", buy)

		r.Route("/api/v1", func(r chi.Router) {
			r.Route("/trade/buy", buy)

			r.Get("/companies", marketHandler.ListCompanies)
			r.Get("/companies/{symbol}", marketHandler.GetCompany)
			r.Put("/companies/{symbol}/market", marketHandler.Sync)

			r.Group(func(r chi.Router) {
				r.Use(auth.Middleware(authn))
				r.Get("/trades", tradeHandler.ListTrades)
				r.Get("/trades/statement.xlsx", tradeHandler.Statement)
				r.Get("/transactions", tradeHandler.ListTransactions)
				r.Get("/notifications", tradeHandler.ListNotifications)
				r.Get("/portfolio", tradeHandler.Portfolio)
			})
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("broker listening", "addr", srv.Addr, "driver", cfg.Database.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case runErr = <-serveErr:
	case <-ctx.Done():
	}

	// Graceful shutdown: stop taking orders, drain notifications, then close
	// storage and flush spans.
	logger.Info("shutting down broker...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	drainCtx, cancelDrain := context.WithTimeout(shutdownCtx, cfg.Notify.DrainTimeout)
	defer cancelDrain()
	if err := dispatcher.Close(drainCtx); err != nil {
		logger.Error("notification drain", "err", err)
	}
	stop()
	if err := st.Close(); err != nil {
		logger.Error("store close", "err", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown", "err", err)
	}
	logger.Info("broker stopped")
	return runErr
}

// cors answers preflight requests and allows the configured origins.
func cors(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
				"Content-Type", "Authorization", trade.IdempotencyHeader, market.SyncTokenHeader,
			}, ", "))
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
