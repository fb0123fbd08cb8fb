package approval

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/timeledger/timeledger/internal/directory"
	"github.com/timeledger/timeledger/internal/shared"
	"github.com/timeledger/timeledger/internal/timesheet"
	"github.com/timeledger/timeledger/internal/workflow"
)

// TimesheetPort is the part of the timesheet service the engine drives.
type TimesheetPort interface {
	Get(ctx context.Context, id int64) (timesheet.Timesheet, error)
	ListForWeek(ctx context.Context, filter timesheet.ListFilter) ([]timesheet.Timesheet, error)
	ApplyReview(ctx context.Context, in timesheet.ReviewInput) (timesheet.Timesheet, error)
}

// CoordinatorPort answers project-week readiness.
type CoordinatorPort interface {
	CanReview(ctx context.Context, tier workflow.Tier, projectID int64, week time.Time) (bool, error)
}

// Observer receives one call per review decision.
type Observer interface {
	ObserveReview(tier, decision string, ok bool)
}

// ItemResult reports the outcome of one timesheet in a bulk review.
type ItemResult struct {
	TimesheetID int64           `json:"timesheet_id"`
	UserID      int64           `json:"user_id"`
	OK          bool            `json:"ok"`
	Status      workflow.Status `json:"status,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	Message     string          `json:"message,omitempty"`
}

// Engine authorizes reviewers and applies their decisions.
type Engine struct {
	timesheets  TimesheetPort
	coordinator CoordinatorPort
	directory   directory.Directory
	permissions Permissions
	audit       shared.AuditSink
	observer    Observer
	logger      *slog.Logger
}

// NewEngine constructs the approval engine.
func NewEngine(timesheets TimesheetPort, coordinator CoordinatorPort, dir directory.Directory, permissions Permissions, audit shared.AuditSink, observer Observer, logger *slog.Logger) *Engine {
	if permissions == nil {
		permissions = DefaultPermissions()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		timesheets:  timesheets,
		coordinator: coordinator,
		directory:   dir,
		permissions: permissions,
		audit:       audit,
		observer:    observer,
		logger:      logger,
	}
}

// ApproveEmployee approves one timesheet's entries on projectID, or on every project the
// actor reviews when projectID is zero.
func (e *Engine) ApproveEmployee(ctx context.Context, actor shared.Actor, timesheetID, projectID int64) (timesheet.Timesheet, error) {
	return e.reviewEmployee(ctx, actor, timesheetID, projectID, ActionApprove, "")
}

// RejectEmployee rejects one timesheet's entries with a reason.
func (e *Engine) RejectEmployee(ctx context.Context, actor shared.Actor, timesheetID, projectID int64, reason string) (timesheet.Timesheet, error) {
	if strings.TrimSpace(reason) == "" {
		return timesheet.Timesheet{}, fmt.Errorf("approval: rejection reason required: %w", shared.ErrValidation)
	}
	return e.reviewEmployee(ctx, actor, timesheetID, projectID, ActionReject, reason)
}

// ApproveProjectWeek approves every member timesheet of the project-week awaiting the
// actor's tier.
func (e *Engine) ApproveProjectWeek(ctx context.Context, actor shared.Actor, projectID int64, week time.Time) ([]ItemResult, error) {
	return e.reviewProjectWeek(ctx, actor, projectID, week, ActionApprove, "")
}

// RejectProjectWeek rejects every member timesheet of the project-week not yet approved at
// the actor's tier.
func (e *Engine) RejectProjectWeek(ctx context.Context, actor shared.Actor, projectID int64, week time.Time, reason string) ([]ItemResult, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("approval: rejection reason required: %w", shared.ErrValidation)
	}
	return e.reviewProjectWeek(ctx, actor, projectID, week, ActionReject, reason)
}

func (e *Engine) reviewEmployee(ctx context.Context, actor shared.Actor, timesheetID, projectID int64, action Action, reason string) (timesheet.Timesheet, error) {
	tier, err := e.authorizeRole(ctx, actor, action)
	if err != nil {
		return timesheet.Timesheet{}, err
	}
	ts, err := e.timesheets.Get(ctx, timesheetID)
	if err != nil {
		return timesheet.Timesheet{}, err
	}
	week := shared.WeekStart(ts.WeekStart)

	var projects []int64
	if projectID != 0 {
		if !slices.Contains(ts.Projects(), projectID) {
			return timesheet.Timesheet{}, fmt.Errorf("approval: timesheet %d has no entries on project %d: %w", ts.ID, projectID, shared.ErrNotFound)
		}
		if err := e.authorizeProject(ctx, actor, tier, projectID, week); err != nil {
			return timesheet.Timesheet{}, err
		}
		projects = []int64{projectID}
	} else {
		awaiting := ts.Awaiting(tier)
		if len(awaiting) == 0 {
			return timesheet.Timesheet{}, fmt.Errorf("approval: timesheet %d has nothing awaiting %s review: %w", ts.ID, tier, shared.ErrInvalidState)
		}
		for _, id := range awaiting {
			if e.authorizeProject(ctx, actor, tier, id, week) == nil {
				projects = append(projects, id)
			}
		}
		if len(projects) == 0 {
			return timesheet.Timesheet{}, fmt.Errorf("approval: actor %d reviews no pending project of timesheet %d: %w", actor.ID, ts.ID, shared.ErrAuthorization)
		}
	}
	for _, id := range projects {
		if err := e.requireReviewable(ctx, tier, id, week); err != nil {
			return timesheet.Timesheet{}, err
		}
	}
	out, err := e.apply(ctx, actor, ts.ID, projects, tier, action, reason)
	if err != nil {
		return timesheet.Timesheet{}, err
	}
	return out, nil
}

func (e *Engine) reviewProjectWeek(ctx context.Context, actor shared.Actor, projectID int64, week time.Time, action Action, reason string) ([]ItemResult, error) {
	week = shared.WeekStart(week)
	tier, err := e.authorizeRole(ctx, actor, action)
	if err != nil {
		return nil, err
	}
	if _, err := e.directory.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	if err := e.authorizeProject(ctx, actor, tier, projectID, week); err != nil {
		return nil, err
	}
	if err := e.requireReviewable(ctx, tier, projectID, week); err != nil {
		return nil, err
	}
	sheets, err := e.timesheets.ListForWeek(ctx, timesheet.ListFilter{WeekStart: week, ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	results := make([]ItemResult, 0, len(sheets))
	for _, ts := range sheets {
		if !slices.Contains(ts.Awaiting(tier), projectID) {
			continue
		}
		item := ItemResult{TimesheetID: ts.ID, UserID: ts.UserID}
		out, err := e.apply(ctx, actor, ts.ID, []int64{projectID}, tier, action, reason)
		if err != nil {
			item.ErrorKind = shared.KindOf(err)
			item.Message = err.Error()
			e.logger.Warn("bulk review item failed",
				slog.Int64("timesheet_id", ts.ID),
				slog.Int64("project_id", projectID),
				slog.Any("error", err))
		} else {
			item.OK = true
			item.Status = out.Status
		}
		results = append(results, item)
	}
	e.recordAudit(ctx, actor, "PROJECT_WEEK_"+strings.ToUpper(string(action)), projectID, week, results)
	return results, nil
}

func (e *Engine) apply(ctx context.Context, actor shared.Actor, timesheetID int64, projects []int64, tier workflow.Tier, action Action, reason string) (timesheet.Timesheet, error) {
	decision := timesheet.DecisionApprove
	if action == ActionReject {
		decision = timesheet.DecisionReject
	}
	out, err := e.timesheets.ApplyReview(ctx, timesheet.ReviewInput{
		TimesheetID: timesheetID,
		ProjectIDs:  projects,
		Tier:        tier,
		Decision:    decision,
		ActorID:     actor.ID,
		Reason:      reason,
	})
	if e.observer != nil {
		e.observer.ObserveReview(string(tier), string(action), err == nil)
	}
	return out, err
}

// authorizeRole resolves the actor's tier and consults the permission table once.
func (e *Engine) authorizeRole(ctx context.Context, actor shared.Actor, action Action) (workflow.Tier, error) {
	if actor.ID == 0 {
		return "", fmt.Errorf("approval: anonymous actor: %w", shared.ErrAuthorization)
	}
	user, err := e.directory.GetUser(ctx, actor.ID)
	if err != nil {
		return "", fmt.Errorf("approval: actor %d: %w", actor.ID, shared.ErrAuthorization)
	}
	tier, ok := TierFor(user.Role)
	if !ok || !e.permissions.Allowed(user.Role, tier, action) {
		return "", fmt.Errorf("approval: role %s may not %s: %w", user.Role, action, shared.ErrAuthorization)
	}
	return tier, nil
}

func (e *Engine) authorizeProject(ctx context.Context, actor shared.Actor, tier workflow.Tier, projectID int64, week time.Time) error {
	role, needed := assignmentRole(tier)
	if !needed {
		return nil
	}
	memberships, err := e.directory.Memberships(ctx, projectID, week, shared.WeekEnd(week))
	if err != nil {
		return err
	}
	if !directory.HoldsRole(memberships, actor.ID, role, week, shared.WeekEnd(week)) {
		return fmt.Errorf("approval: actor %d is not %s of project %d: %w", actor.ID, role, projectID, shared.ErrAuthorization)
	}
	return nil
}

func (e *Engine) requireReviewable(ctx context.Context, tier workflow.Tier, projectID int64, week time.Time) error {
	ok, err := e.coordinator.CanReview(ctx, tier, projectID, week)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("approval: project %d week %s not ready for %s review: %w", projectID, shared.FormatWeek(week), tier, shared.ErrPrecondition)
	}
	return nil
}

func (e *Engine) recordAudit(ctx context.Context, actor shared.Actor, action string, projectID int64, week time.Time, results []ItemResult) {
	if e.audit == nil {
		return
	}
	var ok, failed int
	for _, r := range results {
		if r.OK {
			ok++
		} else {
			failed++
		}
	}
	err := e.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "project_week",
		EntityID: strconv.FormatInt(projectID, 10) + ":" + shared.FormatWeek(week),
		Meta:     map[string]any{"ok": ok, "failed": failed},
	})
	if err != nil {
		e.logger.Warn("audit bulk review", slog.Any("error", err))
	}
}
