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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eternisai/notify-relay/internal/api"
	"github.com/eternisai/notify-relay/internal/breaker"
	"github.com/eternisai/notify-relay/internal/cascade"
	"github.com/eternisai/notify-relay/internal/config"
	"github.com/eternisai/notify-relay/internal/dispatch"
	"github.com/eternisai/notify-relay/internal/eventlog"
	"github.com/eternisai/notify-relay/internal/logger"
	"github.com/eternisai/notify-relay/internal/metrics"
	"github.com/eternisai/notify-relay/internal/notifications"
	"github.com/eternisai/notify-relay/internal/subscriptions"
	"github.com/eternisai/notify-relay/internal/sweeper"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig("notify-relay", cfg.LogLevel, cfg.LogFormat))

	// Set Gin mode
	log.Info("setting gin mode", slog.String("mode", cfg.GinMode))
	gin.SetMode(cfg.GinMode)

	ctx := context.Background()

	// Storage
	deps := newDependencies(ctx, cfg, log)
	defer deps.Close()

	// Metrics and breakers
	m := metrics.New(prometheus.DefaultRegisterer)
	breakers := breaker.NewRegistry(
		breakerConfig(cfg.Resolve(config.BreakerSettings{})),
		breakerOverrides(cfg, log),
		subscriptions.AllChannels,
		breaker.WithLogger(log),
		breaker.WithStateHook(func(channel subscriptions.ChannelType, _, to breaker.State) {
			m.SetBreakerState(string(channel), int(to))
		}),
	)
	for _, ch := range subscriptions.AllChannels {
		m.SetBreakerState(string(ch), int(breaker.StateClosed))
	}

	// Delivery event log
	sinks := []eventlog.Sink{eventlog.NewMetricsSink(m)}
	if deps.nats != nil {
		sinks = append(sinks, eventlog.NewNATSSink(deps.nats, cfg.DeliveryEventsSubject))
	}
	events := eventlog.NewWriter(eventlog.WriterConfig{
		Workers:    cfg.EventLogWorkers,
		BufferSize: cfg.EventLogBuffer,
		OnDrop:     m.EventDropped,
	}, log, sinks...)

	// Delivery pipeline
	dispatcher := dispatch.New(deps.store, buildAdapters(ctx, cfg, deps, log), breakers, events, dispatch.Config{
		MaxInFlight:    cfg.DispatchMaxInFlight,
		AdapterTimeout: cfg.AdapterTimeout,
	}, log)

	order, err := cascade.ParseOrder(cfg.CascadeOrder)
	if err != nil {
		fatal(log, "invalid cascade order", err)
	}

	controller := cascade.NewController(dispatcher, deps.store, cascade.Config{
		Contacts:    deps.contacts,
		Dedup:       deps.dedup,
		DedupWindow: cfg.DedupWindow,
		Metrics:     m,
	}, log)

	notificationService := notifications.NewService(
		controller,
		subscriptions.NewService(deps.store, log),
		order,
		log,
		cfg.PushNotificationsEnabled,
	)

	// Lifecycle sweeper
	sweep := sweeper.New(deps.store, sweeper.Config{
		Retention:  cfg.SweepRetention,
		BatchSize:  cfg.SweepBatchSize,
		BatchPause: cfg.SweepBatchPause,
	}, m, log)
	scheduler, err := sweeper.NewScheduler(sweep, cfg.SweepSchedule, log)
	if err != nil {
		fatal(log, "failed to schedule sweeper", err)
	}
	scheduler.Start()

	// Initialize Gin router
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestID(), api.CORS(cfg.CORSAllowedOrigins))

	router.GET("/health", api.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	api.NewHandler(notificationService, breakers, log).RegisterRoutes(router)

	port := ":" + cfg.Port
	srv := &http.Server{
		Addr:    port,
		Handler: router,
	}

	go func() {
		log.Info("notify relay listening", slog.String("addr", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(log, "failed to start server", err)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", slog.String("error", err.Error()))
	}

	scheduler.Stop(shutdownCtx)

	// Drain the event log after the last request finished.
	events.Shutdown()
	log.Info("event log shutdown complete", slog.Int64("dropped", events.Dropped()))

	log.Info("server exited")
}

func fatal(log *logger.Logger, msg string, err error) {
	log.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}
