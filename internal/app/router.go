package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	adjustmenthttp "github.com/timeledger/timeledger/internal/adjustment/http"
	billinghttp "github.com/timeledger/timeledger/internal/billing/http"
	"github.com/timeledger/timeledger/internal/observability"
	projectweekhttp "github.com/timeledger/timeledger/internal/projectweek/http"
	rateshttp "github.com/timeledger/timeledger/internal/rates/http"
	timesheethttp "github.com/timeledger/timeledger/internal/timesheet/http"
	"github.com/timeledger/timeledger/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Users   UserLookup
	Metrics *observability.Metrics

	TimesheetHandler   *timesheethttp.Handler
	ProjectWeekHandler *projectweekhttp.Handler
	AdjustmentHandler  *adjustmenthttp.Handler
	RatesHandler       *rateshttp.Handler
	BillingHandler     *billinghttp.Handler
	JobHandler         *jobs.Handler
}

// NewRouter constructs the chi.Router with the API under /api/v1.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(ActorMiddleware(params.Users, params.Logger))
		if params.TimesheetHandler != nil {
			params.TimesheetHandler.MountRoutes(r)
		}
		if params.ProjectWeekHandler != nil {
			params.ProjectWeekHandler.MountRoutes(r)
		}
		if params.AdjustmentHandler != nil {
			params.AdjustmentHandler.MountRoutes(r)
		}
		if params.RatesHandler != nil {
			params.RatesHandler.MountRoutes(r)
		}
		if params.BillingHandler != nil {
			params.BillingHandler.MountRoutes(r)
		}
	})

	return r
}
