package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"soullink-events/broadcast"
	"soullink-events/config"
	"soullink-events/database"
	"soullink-events/handlers"
	"soullink-events/logging"
	"soullink-events/middleware"
	"soullink-events/services"
	"soullink-events/utils"
	"soullink-events/workers"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "soullink-events",
		Short:        "Soul Link event ingestion and live fan-out service",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newEventsCmd(), newArchiveCmd())
	return root
}

// bootstrap loads config and opens the logger and database every command needs.
func bootstrap() (config.Config, *zap.Logger, *gorm.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		_ = logger.Sync()
		return config.Config{}, nil, nil, err
	}
	return cfg, logger, db, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, live channel and background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, db, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			defer database.Close(db)
			return serve(cmd.Context(), cfg, logger, db)
		},
	}
}

func serve(parent context.Context, cfg config.Config, logger *zap.Logger, db *gorm.DB) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := broadcast.NewHub(logger)
	guard := services.NewIdempotencyGuard(db, logger)
	store := services.NewEventStore(db, logger)
	ingest := services.NewIngestService(db, guard, store, hub, logger)

	var sessions services.SessionValidator
	if cfg.AuthServiceURL != "" {
		sessions = services.NewAuthServiceClient(cfg.AuthServiceURL, cfg.AuthServiceToken, logger)
	}
	var bearer *services.BearerVerifier
	if cfg.LegacyBearerSecret != "" {
		bearer = services.NewBearerVerifier(cfg.LegacyBearerSecret, cfg.LegacyBearerIssuer)
	}
	auth := services.NewAuthenticator(sessions, bearer)
	limiter := middleware.NewSubmitLimiter(cfg.SubmitRatePerSecond, cfg.SubmitBurst)

	app := fiber.New(fiber.Config{
		AppName:               "soullink-events",
		BodyLimit:             64 * 1024,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Join(cfg.AllowedOrigins, ","),
		AllowMethods:  "GET,POST,OPTIONS",
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, Idempotency-Key, X-Session-Token, X-Service-Token, X-Request-ID",
		ExposeHeaders: "Content-Length, Content-Type, Idempotent-Replayed, Retry-After, X-Request-ID",
		MaxAge:        86400,
	}))

	handlers.SetupEventRoutes(app, handlers.RouteDeps{
		Events:       handlers.NewEventHandler(ingest, store, hub, logger),
		Live:         handlers.NewLiveHandler(hub, store, cfg.LiveSendBuffer, cfg.LiveIdleTimeout, logger),
		Auth:         auth,
		Limiter:      limiter,
		ServiceToken: cfg.ServiceToken,
		Logger:       logger,
	})

	sched, err := workers.NewScheduler(logger)
	if err != nil {
		return err
	}
	if err := sched.AddIdempotencyPurge(guard, cfg.IdempotencyTTL, cfg.IdempotencyPurgeInterval); err != nil {
		return err
	}
	if err := sched.AddHubStats(hub, cfg.HubStatsEvery); err != nil {
		return err
	}
	if err := sched.AddLimiterSweep(limiter, 5*time.Minute); err != nil {
		return err
	}
	if cfg.ArchiveEnabled() {
		archiver, err := newArchiver(ctx, cfg, db, store, logger)
		if err != nil {
			return err
		}
		if err := sched.AddArchive(archiver, cfg.ArchiveInterval); err != nil {
			return err
		}
	} else {
		logger.Warn("⚠️  R2 settings incomplete, event archive disabled")
	}
	sched.Start()

	if cfg.RosterServiceURL != "" {
		roster := workers.NewRosterSyncWorker(db, cfg.RosterServiceURL, cfg.ServiceToken, cfg.RosterSyncInterval, logger)
		go roster.Start(ctx)
	} else {
		logger.Warn("⚠️  ROSTER_SERVICE_URL not set, reference data will not sync")
	}

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- app.Listen(":" + cfg.Port)
	}()
	logger.Info("✅ Server running",
		zap.String("port", cfg.Port),
		zap.Strings("allowed_origins", cfg.AllowedOrigins),
		zap.Bool("session_auth", sessions != nil),
		zap.Bool("legacy_bearer", bearer != nil),
	)

	select {
	case <-ctx.Done():
	case err := <-listenErr:
		if err != nil {
			logger.Error("Server error", zap.Error(err))
		}
		stop()
	}

	logger.Info("Shutting down server...")
	hub.Close()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := sched.Shutdown(); err != nil {
		logger.Warn("Scheduler shutdown incomplete", zap.Error(err))
	}
	return nil
}

func newArchiver(ctx context.Context, cfg config.Config, db *gorm.DB, store *services.EventStore, logger *zap.Logger) (*workers.Archiver, error) {
	r2, err := utils.NewR2Store(ctx, utils.R2Config{
		AccountID:       cfg.R2AccountID,
		AccessKeyID:     cfg.R2AccessKeyID,
		AccessKeySecret: cfg.R2AccessKeySecret,
		Bucket:          cfg.R2Bucket,
	})
	if err != nil {
		return nil, err
	}
	return workers.NewArchiver(db, store, r2, logger), nil
}

func newEventsCmd() *cobra.Command {
	var (
		runID string
		since int64
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print a run's event log as NDJSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, logger, db, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			defer database.Close(db)

			store := services.NewEventStore(db, logger)
			out := bufio.NewWriter(cmd.OutOrStdout())
			defer out.Flush()
			return dumpEvents(cmd.Context(), store, runID, since, out)
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run ID")
	cmd.Flags().Int64Var(&since, "since", 0, "only events with a greater sequence number")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func dumpEvents(ctx context.Context, store *services.EventStore, runID string, since int64, out *bufio.Writer) error {
	enc := json.NewEncoder(out)
	for {
		events, err := store.EventsSince(ctx, runID, since, services.MaxCatchUpLimit)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		for i := range events {
			if err := enc.Encode(&events[i]); err != nil {
				return fmt.Errorf("write event %d: %w", events[i].SequenceNumber, err)
			}
		}
		since = events[len(events)-1].SequenceNumber
	}
}

func newArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Export unarchived events to R2 once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, db, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			defer database.Close(db)

			if !cfg.ArchiveEnabled() {
				return fmt.Errorf("R2 settings incomplete: set CLOUDFLARE_ACCOUNT_ID, R2_ACCESS_KEY_ID, R2_ACCESS_KEY_SECRET and R2_BUCKET_NAME")
			}
			archiver, err := newArchiver(cmd.Context(), cfg, db, services.NewEventStore(db, logger), logger)
			if err != nil {
				return err
			}
			n, err := archiver.ArchiveAll(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("✅ Archive complete", zap.Int("objects", n))
			return nil
		},
	}
}
