package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"

	"github.com/skoglund/auctiond/internal/auction"
	"github.com/skoglund/auctiond/internal/clock"
	"github.com/skoglund/auctiond/internal/config"
	"github.com/skoglund/auctiond/internal/event"
	"github.com/skoglund/auctiond/internal/gateway"
	"github.com/skoglund/auctiond/internal/health"
	"github.com/skoglund/auctiond/internal/leader"
	"github.com/skoglund/auctiond/internal/notify"
	"github.com/skoglund/auctiond/internal/order"
	"github.com/skoglund/auctiond/internal/store"
	"github.com/skoglund/auctiond/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/skoglund/auctiond/internal/store/memory"
	_ "github.com/skoglund/auctiond/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to store", slog.String("driver", cfg.Database.Driver))

	checkers := []health.Checker{
		{Name: "database", Check: repos.Ping},
	}

	// Event bus for real-time fan-out. Redis carries events across
	// replicas; the memory bus only covers a single process.
	var bus event.Bus
	switch cfg.Events.Backend {
	case "redis":
		redisBus, busErr := event.NewRedisBus(ctx, cfg.Events.Redis, logger)
		if busErr != nil {
			return fmt.Errorf("connecting to redis event bus: %w", busErr)
		}
		defer redisBus.Close()
		checkers = append(checkers, health.Checker{Name: "redis", Check: redisBus.Ping})
		bus = redisBus
	default:
		bus = event.NewMemoryBus()
	}

	// Order creation and seller/bidder notifications go through NATS.
	// Without a URL both fall back to in-process stand-ins, which is only
	// suitable for development.
	var orders order.Creator = order.NewMemoryCreator()
	var notifier notify.Dispatcher = notify.Nop{}
	if cfg.NATS.URL != "" {
		nc, natsErr := nats.Connect(cfg.NATS.URL,
			nats.Name("auctiond"),
			nats.MaxReconnects(-1),
		)
		if natsErr != nil {
			return fmt.Errorf("connecting to nats: %w", natsErr)
		}
		defer nc.Drain()

		orders = order.NewNATSCreator(nc, cfg.NATS.OrderSubject, cfg.NATS.RequestTimeout)
		notifier = notify.NewNATSDispatcher(nc, cfg.NATS.NotifyPrefix, logger)
		checkers = append(checkers, health.Checker{
			Name: "nats",
			Check: func(context.Context) error {
				if !nc.IsConnected() {
					return fmt.Errorf("nats disconnected")
				}
				return nil
			},
		})
	} else {
		logger.WarnContext(ctx, "nats url not configured, using in-process order and notification fallbacks")
	}

	resolver := auction.NewResolver(repos.Listings, repos.Bids, orders, bus, notifier,
		logger, tp.TracerProvider, clk, cfg.Auction.OrderAttempts, cfg.Auction.OrderRetryInterval)
	service := auction.NewService(repos.Listings, repos.Bids, bus, notifier, resolver,
		logger, tp.TracerProvider, clk)
	scheduler := auction.NewScheduler(auction.SchedulerConfig{
		TickInterval:       cfg.Auction.TickInterval,
		StartingSoonWindow: cfg.Auction.StartingSoonWindow,
		EndingSoonWindow:   cfg.Auction.EndingSoonWindow,
	}, repos.Listings, resolver, bus, notifier, logger, tp.TracerProvider, clk)

	// Retry order creation for auctions that ended before a crash or
	// failover without getting their order through.
	if n, recoverErr := resolver.RecoverUnfulfilled(ctx); recoverErr != nil {
		logger.ErrorContext(ctx, "order recovery failed", slog.Any("error", recoverErr))
	} else if n > 0 {
		logger.InfoContext(ctx, "retried orders for ended auctions", slog.Int("count", n))
	}

	healthHandler := health.NewHandler(clk, checkers...)

	hub := gateway.NewHub(bus, logger)
	go func() {
		if hubErr := hub.Run(ctx); hubErr != nil && hubErr != context.Canceled {
			logger.ErrorContext(ctx, "websocket hub stopped", slog.Any("error", hubErr))
		}
	}()

	// The gateway runs on every replica; only the scheduler is elected.
	router := mux.NewRouter()
	gateway.NewHandler(repos.Listings, repos.Bids, service, hub, logger, tp.TracerProvider, clk).Routes(router)
	router.HandleFunc("/healthz", healthHandler.LivenessHandler())
	router.HandleFunc("/readyz", healthHandler.ReadinessHandler())

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", listenErr))
		}
	}()

	healthHandler.SetReady(true)
	logger.InfoContext(ctx, "auctiond is running", slog.String("version", version))

	runScheduler := func(ctx context.Context) {
		if schedErr := scheduler.Run(ctx); schedErr != nil && schedErr != context.Canceled {
			logger.ErrorContext(ctx, "scheduler stopped", slog.Any("error", schedErr))
		}
	}

	if cfg.LeaderElection.Enabled {
		logger.InfoContext(ctx, "leader election enabled, waiting for scheduler leadership...")
		if leaderErr := leader.Run(ctx, cfg.LeaderElection, logger, runScheduler, func() {
			logger.Info("lost scheduler leadership, shutting down...")
			cancel()
		}); leaderErr != nil {
			return fmt.Errorf("leader election: %w", leaderErr)
		}
	} else {
		go runScheduler(ctx)
		<-ctx.Done()
	}

	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}
