package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/eternisai/channel-relay/internal/auth"
	"github.com/eternisai/channel-relay/internal/botapi"
	"github.com/eternisai/channel-relay/internal/botui"
	"github.com/eternisai/channel-relay/internal/config"
	"github.com/eternisai/channel-relay/internal/crypto"
	"github.com/eternisai/channel-relay/internal/destinations"
	"github.com/eternisai/channel-relay/internal/filter"
	"github.com/eternisai/channel-relay/internal/forwarder"
	"github.com/eternisai/channel-relay/internal/logger"
	"github.com/eternisai/channel-relay/internal/mtclient"
	"github.com/eternisai/channel-relay/internal/session"
	"github.com/eternisai/channel-relay/internal/sources"
	"github.com/eternisai/channel-relay/internal/storage/pg"
)

const retryScanBatch = 50

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	appLogger := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	appLogger.Info("starting channel relay", "instance_id", logger.GetInstanceID())

	db, err := pg.InitDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	box := crypto.NewBox(cfg.SessionEncryptionKey)

	factory := mtclient.Factory(func(userID int64, sess string) (mtclient.API, error) {
		return mtclient.NewGogram(userID, sess, mtclient.Options{
			AppID:   cfg.APIID,
			AppHash: cfg.APIHash,
		}, appLogger)
	})
	registry := mtclient.NewRegistry(factory, appLogger)
	sessionStore := session.NewStore(db.Sessions, box, factory, appLogger)
	clients := &session.ClientProvider{Store: sessionStore, Registry: registry}

	sender, err := botapi.New(cfg.BotToken, appLogger)
	if err != nil {
		log.Fatalf("Failed to create bot client: %v", err)
	}

	fe, err := filter.New(cfg.FilterKeywords(), filter.Mode(cfg.FilterMode), cfg.FilterCaseSensitive)
	if err != nil {
		log.Fatalf("Failed to build keyword filter: %v", err)
	}

	ledger := forwarder.NewLedger(db.Deliveries, cfg.MaxRetries, appLogger)
	limiter := rate.NewLimiter(rate.Limit(cfg.MaxMessagesPerSecond), cfg.MaxMessagesPerSecond)

	supervisor := forwarder.NewSupervisor(sessionStore, registry, db.Sources, db.Destinations,
		ledger, sender, fe, db.Users, limiter, forwarder.SupervisorConfig{
			Dispatcher: forwarder.Config{
				FloodWaitMultiplier: cfg.FloodWaitMultiplier,
				MaxSendAttempts:     cfg.MaxRetries,
				DMMaxMediaBytes:     cfg.DMMaxMediaBytes(),
			},
			MediaGroupTimeout: cfg.MediaGroupTimeout,
			PollInterval:      cfg.PollInterval,
			PollBatchSize:     cfg.PollBatchSize,
		}, appLogger)

	coordinator := auth.NewCoordinator(factory, sessionStore, db.Users, registry, box, auth.Config{
		MaxAttempts:    cfg.MaxAuthAttempts,
		CodeTimeout:    cfg.AuthCodeTimeout,
		QRPollInterval: cfg.QRPollInterval,
	}, appLogger)

	monitor := session.NewMonitor(db.Users, sessionStore, supervisor, sender.Notify, appLogger)
	scanner := forwarder.NewScanner(ledger, supervisor, db.Sources, retryScanBatch, appLogger)

	sourceSvc := sources.NewService(db.Sources, clients, appLogger)
	destSvc := destinations.NewService(db.Destinations, clients, appLogger)

	ui := botui.New(sender, db.Users, coordinator, sourceSvc, destSvc, supervisor, db.Deliveries, appLogger)
	ui.Attach(sender.Bot())

	botCtx, stopBot := context.WithCancel(context.Background())
	go sender.Bot().Start(botCtx)
	appLogger.Info("bot polling started")

	jobs := cron.New()
	if _, err := jobs.AddFunc(cfg.RetryScanSpec, func() {
		scanner.Scan(context.Background())
	}); err != nil {
		log.Fatalf("Invalid RETRY_SCAN_SPEC: %v", err)
	}
	if _, err := jobs.AddFunc(cfg.SessionCheckSpec, func() {
		monitor.Sweep(context.Background())
	}); err != nil {
		log.Fatalf("Invalid SESSION_CHECK_SPEC: %v", err)
	}
	jobs.Start()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		appLogger.Info("metrics server listening", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("metrics server failed", "error", err)
		}
	}()

	// Resume forwarding for every user who was running before the restart.
	supervisor.StartAll(context.Background())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("shutting down channel relay")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	stopBot()
	cronDone := jobs.Stop()
	select {
	case <-cronDone.Done():
	case <-shutdownCtx.Done():
		appLogger.Warn("cron jobs did not finish before the deadline")
	}

	supervisor.StopAll()
	registry.CloseAll()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics server shutdown failed", "error", err)
	}
	if err := db.Close(); err != nil {
		appLogger.Error("database close failed", "error", err)
	}

	appLogger.Info("channel relay stopped")
}
