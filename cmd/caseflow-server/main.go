package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/caseflow/caseflow/internal/config"
	"github.com/caseflow/caseflow/internal/domain/casedoc"
	"github.com/caseflow/caseflow/internal/domain/intake"
	"github.com/caseflow/caseflow/internal/domain/notification"
	"github.com/caseflow/caseflow/internal/domain/presence"
	"github.com/caseflow/caseflow/internal/platform/analysis"
	"github.com/caseflow/caseflow/internal/platform/db"
	"github.com/caseflow/caseflow/internal/platform/identity"
	"github.com/caseflow/caseflow/internal/platform/jobs"
	"github.com/caseflow/caseflow/internal/platform/middleware"
	"github.com/caseflow/caseflow/internal/platform/version"
	"github.com/caseflow/caseflow/internal/platform/websocket"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "caseflow-server",
		Short: "Collaborative clinical case workspace server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the workspace API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s).\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				state, at := "pending", ""
				if s.Applied {
					state = "applied"
					at = s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, state, at)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid redis url")
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	logger.Info().Msg("connected to redis")

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "If-Match", "X-Request-ID"},
	}))
	e.Use(identity.Middleware(cfg.IdentitySecret, cfg.IsDev()))

	// Event channel hub
	hub := websocket.NewHub(cfg.EventBufferSize)
	websocket.NewHandler(hub).RegisterRoutes(e.Group(""))

	// Case documents with version history
	tracker := version.NewTracker(version.NewHistoryRepository(pool))
	caseSvc := casedoc.NewService(casedoc.NewRepoPG(pool), tracker)
	caseSvc.UsePool(pool)
	caseSvc.SetBroadcaster(hub)
	caseSvc.SetLogger(logger)

	// Presence
	presenceTracker := presence.NewTracker(
		presence.NewRedisStore(rdb, cfg.PresenceTTL()),
		cfg.PresenceTTL(),
		cfg.PresenceDisplayMax,
	)
	presenceTracker.SetBroadcaster(hub)
	presenceTracker.SetLogger(logger)

	// Notifications, fed by case events
	notifSvc := notification.NewService(notification.NewRepoPG(pool), caseSvc, presenceTracker)
	notifSvc.SetBroadcaster(hub)
	notifSvc.SetLogger(logger)
	caseSvc.SetEventSink(notifSvc)

	// Intake drafts
	intakeSvc := intake.NewService(intake.NewRedisDraftStore(rdb, cfg.DraftTTL()), caseSvc)
	intakeSvc.SetLogger(logger)

	// API routes
	api := e.Group("/api")
	casedoc.NewHandler(caseSvc).RegisterRoutes(api)
	presence.NewHandler(presenceTracker).RegisterRoutes(api)
	notification.NewHandler(notifSvc).RegisterRoutes(api)
	intake.NewHandler(intakeSvc).RegisterRoutes(api)

	if cfg.AnalysisURL != "" {
		client := analysis.NewClient(cfg.AnalysisURL, cfg.AnalysisTimeout(), analysis.WithLogger(logger))
		analysis.NewHandler(client).RegisterRoutes(api)
	}

	e.GET("/healthz", db.HealthHandler(pool, rdb))

	// Background maintenance
	runner, err := jobs.NewRunner(jobs.Config{
		Sweeper:       presenceTracker,
		SweepInterval: cfg.PresenceSweepInterval(),
		Pruner:        notifSvc,
		Retention:     time.Duration(cfg.NotificationRetentionDays) * 24 * time.Hour,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule background jobs")
	}
	runner.Start()
	defer runner.Stop()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
