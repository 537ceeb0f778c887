package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medigate/ingest/internal/config"
	"github.com/medigate/ingest/internal/domain/deadletter"
	"github.com/medigate/ingest/internal/domain/history"
	"github.com/medigate/ingest/internal/domain/registry"
	"github.com/medigate/ingest/internal/ingest"
	"github.com/medigate/ingest/internal/platform/db"
	"github.com/medigate/ingest/internal/platform/fhir"
	"github.com/medigate/ingest/internal/platform/metrics"
	"github.com/medigate/ingest/internal/platform/monitor"
	"github.com/medigate/ingest/internal/platform/mqtt"
	"github.com/medigate/ingest/internal/platform/ops"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ingest-gateway",
		Short: "Medical device MQTT ingestion gateway",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(deadletterCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ingestion gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway()
		},
	}
}

func runGateway() error {
	logger := newLogger()

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

	reg := metrics.NewRegistry()

	emitter := monitor.NewEmitter(cfg.EmitSinkURL, cfg.EmitQueueCapacity, reg, logger)
	emitter.Start()

	repos := registry.NewRepos(pool)
	resolver := registry.NewResolver(repos)
	historyRouter := history.NewRouter(history.NewRepoPG(pool))

	dlRepo := deadletter.NewRepository(pool)
	writer := fhir.NewClient(cfg.FHIRBaseURL, cfg.FHIRToken, cfg.FHIRTimeout(),
		deadletter.NewSink(dlRepo), logger,
		fhir.WithVerifyIdentifier(cfg.FHIRVerifyIdentifier))

	pipeline := ingest.NewPipeline(resolver, historyRouter, writer, emitter, reg, logger,
		ingest.Options{
			Workers:       cfg.Workers,
			HighWatermark: cfg.QueueHigh,
			LowWatermark:  cfg.QueueLow,
			Strict:        cfg.ValidationStrict,
		})
	pipeline.Start()

	session := mqtt.NewSession(mqtt.Config{
		Broker:   cfg.MQTTBroker,
		Port:     cfg.MQTTPort,
		Username: cfg.MQTTUser,
		Password: cfg.MQTTPass,
		ClientID: cfg.MQTTClientID,
		QoS:      cfg.MQTTQoS,
	}, pipeline.Handle, logger)

	connectCtx, cancelConnect := context.WithTimeout(ctx, 30*time.Second)
	defer cancelConnect()
	if err := session.Connect(connectCtx); err != nil {
		// Connect-retry keeps trying in the background; log and serve anyway
		// so health reflects the true broker state.
		logger.Warn().Err(err).Msg("initial broker connection not yet established")
	} else {
		logger.Info().Str("broker", cfg.MQTTBroker).Msg("connected to broker")
	}

	opsServer := ops.NewServer(opsPort(cfg), healthHandler(pool, session, pipeline), reg.Handler(), logger)
	go func() {
		if err := opsServer.Start(); err != nil {
			logger.Error().Err(err).Msg("ops server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	// Stop intake first, then drain the pipeline, then flush events.
	session.Close(5 * time.Second)
	pipeline.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	emitter.Stop(shutdownCtx)
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("ops server shutdown failed")
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

func opsPort(cfg *config.Config) int {
	port, err := strconv.Atoi(cfg.OpsPort)
	if err != nil || port <= 0 {
		return 8000
	}
	return port
}

func healthHandler(pool *pgxpool.Pool, session *mqtt.Session, pipeline *ingest.Pipeline) echo.HandlerFunc {
	return func(c echo.Context) error {
		body := map[string]interface{}{
			"status":         "healthy",
			"mqtt_connected": session.Connected(),
			"queue_depths":   pipeline.QueueDepths(),
		}
		status := http.StatusOK
		if err := db.Ping(c.Request().Context(), pool); err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			body["pool"] = db.Stats(pool)
		}
		if !session.Connected() {
			body["status"] = "degraded"
		}
		return c.JSON(status, body)
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
			migrator, pool, err := newMigrator(dir)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := migrator.Up(context.Background())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
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
			migrator, pool, err := newMigrator(dir)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := migrator.Status(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func deadletterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and replay dead-lettered FHIR writes",
	}

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Resubmit pending dead letters to the FHIR store",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			logger := newLogger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.FHIRBaseURL == "" {
				return fmt.Errorf("FHIR_BASE_URL is required for replay")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			repo := deadletter.NewRepository(pool)
			client := fhir.NewClient(cfg.FHIRBaseURL, cfg.FHIRToken, cfg.FHIRTimeout(),
				deadletter.NewSink(repo), logger)
			replayer := deadletter.NewReplayer(repo, client, logger)

			n, err := replayer.ReplayPending(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Printf("Replayed %d dead letter(s).\n", n)
			return nil
		},
	}
	replayCmd.Flags().Int("limit", 100, "Maximum letters to replay")
	cmd.AddCommand(replayCmd)

	return cmd
}

func newMigrator(dir string) (*db.Migrator, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(context.Background(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, dir), pool, nil
}
