package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/careorders/internal/config"
	"github.com/ehr/careorders/internal/domain/order"
	"github.com/ehr/careorders/internal/domain/roster"
	"github.com/ehr/careorders/internal/domain/task"
	"github.com/ehr/careorders/internal/platform/auth"
	"github.com/ehr/careorders/internal/platform/blobstore"
	"github.com/ehr/careorders/internal/platform/db"
	"github.com/ehr/careorders/internal/platform/labels"
	"github.com/ehr/careorders/internal/platform/lock"
	"github.com/ehr/careorders/internal/platform/metrics"
	"github.com/ehr/careorders/internal/platform/middleware"
	"github.com/ehr/careorders/internal/platform/notification"
	"github.com/ehr/careorders/internal/worker"
	"github.com/ehr/careorders/migrations"
)

const reminderBatch = 100

func main() {
	rootCmd := &cobra.Command{
		Use:   "careorders-server",
		Short: "Clinical order execution API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(generateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the background loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationSource returns the embedded migrations unless dir names a directory on disk.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
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
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrationSource(dir)).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to a migrations directory (default: MIGRATIONS_DIR, else embedded)")
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
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationSource(dir)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
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
	statusCmd.Flags().String("dir", "", "Path to a migrations directory (default: MIGRATIONS_DIR, else embedded)")
	cmd.AddCommand(statusCmd)

	return cmd
}

// generateCmd runs one generation for an order outside the HTTP surface,
// for operators recovering from a failed daily run.
func generateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate execution tasks for one order",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("order")
			orderID, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("--order must be a UUID: %w", err)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			a, err := newApp(cfg, pool, nil, logger, nil)
			if err != nil {
				return err
			}
			res, err := a.tasks.Generate(ctx, orderID)
			if err != nil {
				return err
			}
			fmt.Printf("Saved %d task(s), %d failed.\n", res.Saved, res.Failed)
			for _, w := range res.Warnings {
				fmt.Println("warning:", w)
			}
			return nil
		},
	}
	cmd.Flags().String("order", "", "Order id")
	return cmd
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// app holds the wired services shared by the server and the CLI commands.
type app struct {
	orders *order.Service
	roster *roster.Service
	tasks  *task.Manager
	stops  *task.StopCoordinator
	blobs  blobstore.Store
}

// newApp wires repositories and services. rdb may be nil, in which case the
// generation lock is process-local and reminders go to the log.
func newApp(cfg *config.Config, pool *pgxpool.Pool, rdb *redis.Client, logger zerolog.Logger, m *metrics.Metrics) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	tx := db.NewTxRunner(pool)

	rosterSvc := roster.NewService(roster.NewAssignmentRepoPG(pool), roster.NewSlotRepoPG(pool))

	orderSvc := order.NewService(order.NewOrderRepoPG(pool), order.NewHistoryRepoPG(pool), tx, logger)
	orderSvc.SetNurseAssigner(rosterSvc)
	orderSvc.SetGenerationGrace(cfg.GenerationGrace)

	var publisher notification.Publisher = notification.NewLogPublisher(logger)
	if rdb != nil {
		publisher = notification.NewRedisPublisher(rdb, cfg.ReminderChannel)
	}
	notifier := notification.NewNotifier(notification.NewTemplateEngine(), publisher)

	blobs := blobstore.NewPGStore(pool)

	expander := task.NewExpander(rosterSvc, cfg.ImmediateLead, loc, logger)
	mgr := task.NewManager(task.NewTaskRepoPG(pool), orderSvc, expander, tx, logger)
	mgr.SetNurseAssigner(rosterSvc)
	mgr.SetNotifier(notifier)
	mgr.SetMetrics(m)
	mgr.SetGenerationGrace(cfg.GenerationGrace)
	if cfg.LabelServiceURL != "" {
		mgr.SetLabelPrinter(labels.NewPrinter(labels.NewHTTPRenderer(cfg.LabelServiceURL), blobs))
	}
	if rdb != nil {
		mgr.SetLocker(lock.NewRedisLocker(rdb, "careorders:lock:"), cfg.LockTTL)
	} else {
		mgr.SetLocker(lock.NewMemoryLocker(), cfg.LockTTL)
	}
	orderSvc.SetTaskLifecycle(mgr)

	stops := task.NewStopCoordinator(task.NewTaskRepoPG(pool), orderSvc, tx, logger)
	stops.SetNotifier(notifier)
	stops.SetMetrics(m)

	return &app{
		orders: orderSvc,
		roster: rosterSvc,
		tasks:  mgr,
		stops:  stops,
		blobs:  blobs,
	}, nil
}

// buildLoops creates the daily generation, shift handover and overdue reminder loops.
func buildLoops(cfg *config.Config, tasks worker.Tasks, logger zerolog.Logger, m *metrics.Metrics) ([]*worker.Loop, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	daily, err := config.ParseClock(cfg.DailyGenerationAt)
	if err != nil {
		return nil, fmt.Errorf("DAILY_GENERATION_AT: %w", err)
	}
	var handovers []time.Duration
	for _, s := range cfg.ShiftHandoverAt {
		d, err := config.ParseClock(s)
		if err != nil {
			return nil, fmt.Errorf("SHIFT_HANDOVER_AT: %w", err)
		}
		handovers = append(handovers, d)
	}
	shifts := worker.DailyAt(loc, handovers...)
	now := func() time.Time { return time.Now().UTC() }

	loops := []*worker.Loop{
		worker.NewLoop("daily_generation", worker.DailyAt(loc, daily), worker.DailyGeneration(tasks), cfg.LoopRetryBackoff, logger),
		worker.NewLoop("shift_handover", shifts, worker.ShiftHandover(tasks, shifts, now), cfg.LoopRetryBackoff, logger),
		worker.NewLoop("overdue_reminders", worker.Every(cfg.ReminderInterval),
			worker.OverdueReminders(tasks, cfg.ReminderGrace, reminderBatch, logger), cfg.LoopRetryBackoff, logger),
	}
	for _, l := range loops {
		l.SetMetrics(m)
	}
	return loops, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Redis (optional)
	var rdb *redis.Client
	checks := map[string]db.Check{}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		logger.Info().Msg("using redis for generation locks and reminders")
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	a, err := newApp(cfg, pool, rdb, logger, m)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to wire services")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool, checks))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler(reg)))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RequestTimeout(30 * time.Second))
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}

	order.NewHandler(a.orders).RegisterRoutes(apiV1)
	task.NewHandler(a.tasks, a.stops).RegisterRoutes(apiV1)
	roster.NewHandler(a.roster).RegisterRoutes(apiV1)
	blobstore.NewHandler(a.blobs).RegisterRoutes(apiV1)

	// Background loops
	loops, err := buildLoops(cfg, a.tasks, logger, m)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule background loops")
	}
	loopCtx, stopLoops := context.WithCancel(context.Background())
	loopsDone := make(chan error, 1)
	go func() {
		loopsDone <- worker.NewRunner(logger, loops...).Run(loopCtx)
	}()

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
		logger.Error().Err(err).Msg("server shutdown failed")
	}

	stopLoops()
	select {
	case err := <-loopsDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("background loops stopped with error")
		}
	case <-shutdownCtx.Done():
		logger.Warn().Msg("background loops did not stop before the shutdown deadline")
	}
	logger.Info().Msg("server stopped")
	return nil
}
