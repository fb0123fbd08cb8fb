package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/timeledger/timeledger/cmd/timeledger/cli"
	adjustmenthttp "github.com/timeledger/timeledger/internal/adjustment/http"
	"github.com/timeledger/timeledger/internal/app"
	billinghttp "github.com/timeledger/timeledger/internal/billing/http"
	"github.com/timeledger/timeledger/internal/observability"
	"github.com/timeledger/timeledger/internal/platform/cache"
	"github.com/timeledger/timeledger/internal/platform/db"
	projectweekhttp "github.com/timeledger/timeledger/internal/projectweek/http"
	rateshttp "github.com/timeledger/timeledger/internal/rates/http"
	timesheethttp "github.com/timeledger/timeledger/internal/timesheet/http"
	"github.com/timeledger/timeledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		if err := runJobs(ctx, cfg, os.Args[2:]); err != nil {
			logger.Error("jobs command", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, using local locks", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	services, err := app.BuildServices(cfg, dbpool, redisClient, metrics, logger)
	if err != nil {
		logger.Error("wire services", slog.Any("error", err))
		os.Exit(1)
	}

	defaultRate, err := cfg.DefaultHourlyRate()
	if err != nil {
		logger.Error("default hourly rate", slog.Any("error", err))
		os.Exit(1)
	}
	if _, _, err := services.Rates.EnsureGlobalDefault(ctx, defaultRate); err != nil {
		logger.Error("seed global rate", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Users:              services.Directory,
		Metrics:            metrics,
		TimesheetHandler:   timesheethttp.NewHandler(logger, services.Timesheets, services.Approvals, services.Adjustments, services.Billing),
		ProjectWeekHandler: projectweekhttp.NewHandler(logger, services.Coordinator, services.Approvals),
		AdjustmentHandler:  adjustmenthttp.NewHandler(logger, services.Adjustments),
		RatesHandler:       rateshttp.NewHandler(logger, services.Rates),
		BillingHandler:     billinghttp.NewHandler(logger, services.Billing),
		JobHandler:         jobs.NewHandler(inspector, logger),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

// runJobs handles `timeledger jobs trigger <name> [week]` and `timeledger jobs stats`.
func runJobs(ctx context.Context, cfg *app.Config, args []string) error {
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer jobsCLI.Close()

	if len(args) == 0 {
		return fmt.Errorf("usage: timeledger jobs trigger <%s|%s> [week] | stats", jobs.TaskSnapshotMaterialize, jobs.TaskProjectWeekSync)
	}
	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			return fmt.Errorf("jobs trigger: job name required")
		}
		arg := ""
		if len(args) > 2 {
			arg = args[2]
		}
		info, err := jobsCLI.Trigger(ctx, args[1], arg)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n", stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
	default:
		return fmt.Errorf("jobs: unknown command %q", args[0])
	}
	return nil
}
