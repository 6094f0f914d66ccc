package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/venueguard/internal/api"
	"github.com/t77yq/venueguard/internal/broadcast"
	"github.com/t77yq/venueguard/internal/config"
	"github.com/t77yq/venueguard/internal/device"
	"github.com/t77yq/venueguard/internal/ingest"
	"github.com/t77yq/venueguard/internal/model"
	"github.com/t77yq/venueguard/internal/monitor"
	"github.com/t77yq/venueguard/internal/notification"
	"github.com/t77yq/venueguard/internal/orchestrator"
	"github.com/t77yq/venueguard/internal/scheduler"
	"github.com/t77yq/venueguard/internal/storage"
	"github.com/t77yq/venueguard/internal/tracking"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := config.NewLogger(cfg.Log.Level, cfg.Log.Format, cfg.App.Name)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := openStore(cfg.Storage, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer db.Close()

	hub := broadcast.NewHub(broadcast.HubConfig{
		QueueSize:    cfg.Broadcast.QueueSize,
		WriteTimeout: cfg.Broadcast.WriteTimeout,
	}, logger)
	defer hub.Close()

	var js nats.JetStreamContext
	if cfg.NATS.Enabled {
		nc := connectNATS(cfg, logger)
		defer nc.Close()

		js, err = nc.JetStream()
		if err != nil {
			logger.Fatal("Failed to create JetStream context", zap.Error(err))
		}
		if cfg.NATS.RelayBroadcast {
			hub.SetRelay(broadcast.NewNATSRelay(nc, cfg.App.Name))
		}
	}

	var kv tracking.KVStore
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unavailable, presence snapshots will not be cached", zap.Error(err))
		} else {
			kv = tracking.NewRedisKVStore(client)
		}
	}

	dispatcher := notification.NewDispatcher(notification.Config{
		Concurrency: cfg.Notification.Concurrency,
		SendTimeout: cfg.Notification.SendTimeout,
	}, db, senders(cfg.Notification, hub, logger), logger)

	tracker := tracking.NewTracker(tracking.Config{
		CapacityThreshold: cfg.Tracking.CapacityThreshold,
		LowConfidence:     cfg.Tracking.LowConfidence,
		StaleAfter:        cfg.Tracking.StaleAfter,
		DefaultCapacity:   cfg.Tracking.DefaultCapacity,
		SnapshotTTL:       cfg.Redis.TTL,
	}, db, kv, hub, logger)

	devices := device.NewMonitor(device.MonitorConfig{
		HeartbeatInterval: cfg.Devices.HeartbeatInterval,
		ConnectTimeout:    cfg.Devices.ConnectTimeout,
		SampleTimeout:     cfg.Devices.SampleTimeout,
		MaxErrors:         cfg.Devices.MaxErrors,
		ConnectAttempts:   cfg.Devices.ConnectAttempts,
	}, device.NewAutoSampler(cfg.Devices.NominalFrameRate), db, hub, logger)
	defer devices.Close()

	alerts := monitor.NewAlertManager(monitor.Config{
		MissingThreshold:      cfg.Alerts.MissingThreshold,
		EscalationThreshold:   cfg.Alerts.EscalationThreshold,
		StaleEscalationWindow: cfg.Alerts.StaleEscalationWindow,
		DetectionMaxAge:       cfg.Alerts.DetectionMaxAge,
		DetectionBatchSize:    cfg.Alerts.DetectionBatchSize,
		NotificationRetention: cfg.Alerts.NotificationRetention,
		DetectedAutoResolve:   cfg.Alerts.DetectedAutoResolve,
		Location:              time.Local,
	}, db, dispatcher, hub, logger)
	alerts.SetDeviceSource(devices)
	if js != nil {
		alerts.SetJetStream(js)
	}
	if err := alerts.Start(ctx); err != nil {
		logger.Fatal("Failed to start alert manager", zap.Error(err))
	}

	metrics := monitor.NewMetricsCollector(js, logger)
	if err := metrics.Start(ctx); err != nil {
		logger.Fatal("Failed to start metrics collector", zap.Error(err))
	}

	venues := orchestrator.NewOrchestrator(orchestrator.Config{
		StatusInterval: cfg.Orchestrator.StatusInterval,
	}, db, tracker, devices, hub, metrics, logger)

	// Initialize periodic jobs
	var jobs scheduler.Scheduler = scheduler.NewCronScheduler(logger)
	periodic := []struct {
		name     string
		interval time.Duration
		fn       scheduler.JobFunc
	}{
		{scheduler.JobAlertCycle, cfg.Alerts.EvaluationInterval, func(ctx context.Context) {
			if err := alerts.RunCycle(ctx); err != nil {
				logger.Error("Alert cycle finished with errors", zap.Error(err))
			}
		}},
		{scheduler.JobPresenceRefresh, cfg.Tracking.RefreshInterval, tracker.Refresh},
		{scheduler.JobClientReaper, cfg.Broadcast.ReapInterval, func(context.Context) {
			hub.ReapStale(cfg.Broadcast.InactiveAfter)
		}},
		{scheduler.JobSystemAlertCleanup, cfg.Orchestrator.AlertCleanupTick, func(context.Context) {
			venues.CleanupSystemAlerts(cfg.Orchestrator.AcknowledgedMaxAge)
		}},
		{scheduler.JobHostMetrics, cfg.App.MetricsTick, func(ctx context.Context) {
			if err := metrics.Collect(ctx); err != nil {
				logger.Warn("Failed to collect host metrics", zap.Error(err))
			}
		}},
	}
	for _, job := range periodic {
		if job.interval <= 0 {
			continue
		}
		if err := jobs.AddJob(job.name, scheduler.Every(job.interval), job.fn); err != nil {
			logger.Fatal("Failed to register job", zap.String("job", job.name), zap.Error(err))
		}
	}
	if err := jobs.Start(ctx); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}
	defer jobs.Stop()

	// Initialize ingestion
	pipeline := ingest.NewPipeline(db, tracker, alerts, hub, logger)
	if js != nil {
		source := ingest.NewJetStreamSource(js, pipeline, logger)
		if err := source.Start(ctx); err != nil {
			logger.Fatal("Failed to start JetStream ingestion", zap.Error(err))
		}
		defer source.Stop()
	}
	if cfg.MQTT.Enabled {
		source := ingest.NewMQTTSource(ingest.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      cfg.MQTT.QoS,
		}, pipeline, logger)
		if err := source.Start(ctx); err != nil {
			logger.Error("Failed to start MQTT ingestion", zap.Error(err))
		} else {
			defer source.Stop()
		}
	}

	if cfg.App.AutoStart {
		for _, venueID := range cfg.App.VenueIDs {
			if _, err := venues.Start(ctx, venueID); err != nil {
				logger.Error("Failed to start venue monitoring",
					zap.String("venue_id", venueID),
					zap.Error(err))
			}
		}
	}

	server := api.NewServer(api.Config{
		Addr:            cfg.HTTP.Addr,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}, api.Deps{
		Venues:   venues,
		Tracking: tracker,
		Alerts:   alerts,
		Devices:  devices,
		Ingest:   pipeline,
		Hub:      hub,
	}, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
			cancel()
		}
	}()

	// Setup signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	venues.StopAll(shutdownCtx)

	logger.Info("Server shutting down gracefully")
}

func openStore(cfg config.StorageConfig, logger *zap.Logger) (storage.Store, error) {
	if cfg.Driver == "memory" {
		return storage.NewMemoryStore(), nil
	}
	db, err := storage.NewSQLiteStore(logger, cfg.Path)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func connectNATS(cfg *config.Config, logger *zap.Logger) *nats.Conn {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			logger.Error("NATS connection error", fields...)
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	url := nats.DefaultURL
	if len(cfg.NATS.URLs) > 0 {
		url = cfg.NATS.URLs[0]
	}
	retries := cfg.NATS.ConnectRetries
	if retries < 1 {
		retries = 1
	}

	// Connect with retry
	var nc *nats.Conn
	var err error
	for i := 0; i < retries; i++ {
		nc, err = nats.Connect(url, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))
	return nc
}

func senders(cfg config.NotificationConfig, hub *broadcast.Hub, logger *zap.Logger) map[model.Channel]notification.Sender {
	twilio := notification.TwilioConfig{
		BaseURL:    cfg.Twilio.BaseURL,
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		From:       cfg.Twilio.From,
	}
	return map[model.Channel]notification.Sender{
		model.ChannelSMS:   notification.NewSMSSender(twilio, logger),
		model.ChannelVoice: notification.NewVoiceSender(twilio, logger),
		model.ChannelEmail: notification.NewEmailSender(notification.EmailConfig{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
		}),
		model.ChannelPush: notification.NewPushSender(notification.PushConfig{
			Endpoint:  cfg.Push.Endpoint,
			ServerKey: cfg.Push.ServerKey,
		}, logger),
		model.ChannelInApp: notification.NewInAppSender(hub),
	}
}
