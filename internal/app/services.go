package app

import (
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/timeledger/timeledger/internal/adjustment"
	"github.com/timeledger/timeledger/internal/approval"
	"github.com/timeledger/timeledger/internal/billing"
	"github.com/timeledger/timeledger/internal/directory"
	"github.com/timeledger/timeledger/internal/observability"
	"github.com/timeledger/timeledger/internal/platform/cache"
	"github.com/timeledger/timeledger/internal/platform/lock"
	"github.com/timeledger/timeledger/internal/projectweek"
	"github.com/timeledger/timeledger/internal/rates"
	"github.com/timeledger/timeledger/internal/shared"
	"github.com/timeledger/timeledger/internal/timesheet"
)

const holidayCacheTTL = 24 * time.Hour

// Services is the wired engine graph shared by the API server and the worker.
type Services struct {
	Directory   *directory.Repository
	Timesheets  *timesheet.Service
	Coordinator *projectweek.Coordinator
	Approvals   *approval.Engine
	Adjustments *adjustment.Engine
	Rates       *rates.Engine
	Billing     *billing.Service
}

// BuildServices wires every engine against postgres and redis.
func BuildServices(cfg *Config, pool *pgxpool.Pool, redisClient *redis.Client, metrics *observability.Metrics, logger *slog.Logger) (*Services, error) {
	rules, err := cfg.TimesheetRules()
	if err != nil {
		return nil, err
	}
	billingCfg, err := cfg.BillingConfig()
	if err != nil {
		return nil, err
	}

	auditLogger := shared.NewAuditLogger(pool)
	approvalRecorder := shared.NewApprovalRecorder(pool, logger)
	idempotencyStore := shared.NewIdempotencyStore(pool)

	dir := directory.NewRepository(pool)
	calendar := directory.NewCachedCalendar(
		directory.NewHolidayRepository(pool),
		cache.NewVersioned(redisClient, "holidays", holidayCacheTTL),
	)

	locker := lock.NewFallback(lock.NewRedis(redisClient, cfg.ProjectWeekLockTTL), func(key string, err error) {
		metrics.ObserveLockFallback()
		logger.Warn("projectweek lock degraded to local", slog.String("key", key), slog.Any("error", err))
	})

	timesheetRepo := timesheet.NewRepository(pool)
	coordinator := projectweek.NewCoordinator(projectweek.NewRepository(pool), timesheetRepo, dir, locker, auditLogger, logger).
		WithObserver(metrics)
	timesheets := timesheet.NewService(timesheetRepo, dir, coordinator, approvalRecorder, auditLogger, rules, logger)
	approvals := approval.NewEngine(timesheets, coordinator, dir, approval.DefaultPermissions(), auditLogger, metrics, logger)
	adjustments := adjustment.NewEngine(adjustment.NewRepository(pool), timesheets, dir, coordinator, auditLogger, logger)
	rateEngine := rates.NewEngine(rates.NewRepository(pool), dir, calendar, cache.NewVersioned(redisClient, "rates", time.Hour), auditLogger, logger)

	billingService := billing.NewService(billing.Deps{
		Repo:        billing.NewRepository(pool),
		Timesheets:  timesheets,
		Adjustments: adjustments,
		Rates:       rateEngine,
		Directory:   dir,
		Claims:      idempotencyStore,
		Cache:       cache.NewVersioned(redisClient, "billing_views", cfg.BillingViewCacheTTL),
		Observer:    metrics,
		Audit:       auditLogger,
		Logger:      logger,
	}, billingCfg)

	return &Services{
		Directory:   dir,
		Timesheets:  timesheets,
		Coordinator: coordinator,
		Approvals:   approvals,
		Adjustments: adjustments,
		Rates:       rateEngine,
		Billing:     billingService,
	}, nil
}
