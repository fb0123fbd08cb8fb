package timesheet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/timeledger/timeledger/internal/directory"
	"github.com/timeledger/timeledger/internal/shared"
	"github.com/timeledger/timeledger/internal/timeentry"
	"github.com/timeledger/timeledger/internal/workflow"
)

// ApprovalModule names timesheets in the approval trail.
const ApprovalModule = "timesheet"

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Timesheet, error)
	FindByOwnerWeek(ctx context.Context, userID int64, week time.Time) (Timesheet, error)
	ListForWeek(ctx context.Context, filter ListFilter) ([]Timesheet, error)
	ListFrozenWithoutSnapshot(ctx context.Context, limit int) ([]Timesheet, error)
}

// Registrar keeps derived project-week aggregates in step with timesheet changes.
type Registrar interface {
	Register(ctx context.Context, ts Timesheet) error
}

// Service runs the timesheet state machine.
type Service struct {
	repo      RepositoryPort
	directory directory.Directory
	registrar Registrar
	approvals shared.ApprovalHistory
	audit     shared.AuditSink
	rules     Rules
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs the timesheet service.
func NewService(repo RepositoryPort, dir directory.Directory, registrar Registrar, approvals shared.ApprovalHistory, audit shared.AuditSink, rules Rules, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		directory: dir,
		registrar: registrar,
		approvals: approvals,
		audit:     audit,
		rules:     rules,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Rules returns the configured timesheet rules.
func (s *Service) Rules() Rules { return s.rules }

// Create opens an empty draft timesheet for owner in the week containing week.
func (s *Service) Create(ctx context.Context, ownerID int64, week time.Time) (Timesheet, error) {
	if _, err := s.directory.GetUser(ctx, ownerID); err != nil {
		return Timesheet{}, err
	}
	start := shared.WeekStart(week)
	existing, err := s.repo.FindByOwnerWeek(ctx, ownerID, start)
	switch {
	case err == nil:
		return Timesheet{}, fmt.Errorf("timesheet: user %d week %s already has timesheet %d: %w", ownerID, shared.FormatWeek(start), existing.ID, shared.ErrConflict)
	case !errors.Is(err, shared.ErrNotFound):
		return Timesheet{}, err
	}
	var created Timesheet
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ts, err := tx.Create(ctx, Timesheet{UserID: ownerID, WeekStart: start, Status: workflow.StatusDraft})
		if err != nil {
			return err
		}
		created = ts
		return nil
	})
	if err != nil {
		return Timesheet{}, err
	}
	s.recordAudit(ctx, ownerID, "TIMESHEET_CREATE", created.ID, nil, map[string]any{"week": shared.FormatWeek(start)})
	return created, nil
}

// Get returns a timesheet with its live entries.
func (s *Service) Get(ctx context.Context, id int64) (Timesheet, error) {
	return s.repo.Get(ctx, id)
}

// History returns the approval trail of a timesheet. Employees may only read their own.
func (s *Service) History(ctx context.Context, actor shared.Actor, id int64) ([]shared.ApprovalLog, error) {
	ts, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role == string(directory.RoleEmployee) && actor.ID != ts.UserID {
		return nil, fmt.Errorf("timesheet %d belongs to another user: %w", id, shared.ErrAuthorization)
	}
	if s.approvals == nil {
		return nil, nil
	}
	return s.approvals.List(ctx, ApprovalModule, shared.RefID(ApprovalModule, id))
}

// ListForWeek lists timesheets of one week, optionally narrowed to a user or project.
func (s *Service) ListForWeek(ctx context.Context, filter ListFilter) ([]Timesheet, error) {
	filter.WeekStart = shared.WeekStart(filter.WeekStart)
	return s.repo.ListForWeek(ctx, filter)
}

// ListFrozenWithoutSnapshot returns frozen timesheets that still lack a billing snapshot.
func (s *Service) ListFrozenWithoutSnapshot(ctx context.Context, limit int) ([]Timesheet, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListFrozenWithoutSnapshot(ctx, limit)
}

// AddEntry validates and appends an entry to an editable timesheet.
func (s *Service) AddEntry(ctx context.Context, ownerID, timesheetID int64, in EntryInput) (timeentry.Entry, []timeentry.Warning, error) {
	entry, warnings, err := timeentry.New(in, s.rules.Entry)
	if err != nil {
		return timeentry.Entry{}, nil, err
	}
	if err := timeentry.CheckAssignment(ctx, s.directory, ownerID, entry); err != nil {
		return timeentry.Entry{}, nil, err
	}
	var ts Timesheet
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if ts, err = s.loadEditable(ctx, tx, ownerID, timesheetID); err != nil {
			return err
		}
		if !shared.InWeek(ts.WeekStart, entry.Date) {
			return fmt.Errorf("timesheet: entry date %s outside week %s: %w", shared.FormatDate(entry.Date), shared.FormatWeek(ts.WeekStart), shared.ErrValidation)
		}
		entry.TimesheetID = ts.ID
		entry.UserID = ownerID
		entry.Status = workflow.StatusDraft
		if err := checkCaps(append(ts.LiveEntries(), entry), s.rules); err != nil {
			return err
		}
		if entry.ID, err = tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		ts.Entries = append(ts.Entries, entry)
		ts.Version, err = tx.UpdateHeader(ctx, ts)
		return err
	})
	if err != nil {
		return timeentry.Entry{}, nil, err
	}
	s.recordAudit(ctx, ownerID, "ENTRY_ADD", ts.ID, nil, entryMeta(entry))
	s.register(ctx, ts)
	return entry, warnings, nil
}

// UpdateEntry replaces the fields of an editable entry.
func (s *Service) UpdateEntry(ctx context.Context, ownerID, timesheetID, entryID int64, in EntryInput) (timeentry.Entry, []timeentry.Warning, error) {
	replacement, warnings, err := timeentry.New(in, s.rules.Entry)
	if err != nil {
		return timeentry.Entry{}, nil, err
	}
	if err := timeentry.CheckAssignment(ctx, s.directory, ownerID, replacement); err != nil {
		return timeentry.Entry{}, nil, err
	}
	var (
		ts     Timesheet
		before timeentry.Entry
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if ts, err = s.loadEditable(ctx, tx, ownerID, timesheetID); err != nil {
			return err
		}
		idx, err := editableEntry(ts, entryID)
		if err != nil {
			return err
		}
		if !shared.InWeek(ts.WeekStart, replacement.Date) {
			return fmt.Errorf("timesheet: entry date %s outside week %s: %w", shared.FormatDate(replacement.Date), shared.FormatWeek(ts.WeekStart), shared.ErrValidation)
		}
		before = ts.Entries[idx]
		replacement.ID = before.ID
		replacement.TimesheetID = before.TimesheetID
		replacement.UserID = before.UserID
		replacement.Status = before.Status
		replacement.CreatedAt = before.CreatedAt
		ts.Entries[idx] = replacement
		if err := checkCaps(ts.LiveEntries(), s.rules); err != nil {
			return err
		}
		if err := tx.UpdateEntry(ctx, replacement); err != nil {
			return err
		}
		ts.Version, err = tx.UpdateHeader(ctx, ts)
		return err
	})
	if err != nil {
		return timeentry.Entry{}, nil, err
	}
	s.recordAudit(ctx, ownerID, "ENTRY_UPDATE", ts.ID, entryMeta(before), entryMeta(replacement))
	s.register(ctx, ts)
	return replacement, warnings, nil
}

// DeleteEntry soft-deletes an editable entry.
func (s *Service) DeleteEntry(ctx context.Context, ownerID, timesheetID, entryID int64) error {
	var (
		ts      Timesheet
		removed timeentry.Entry
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if ts, err = s.loadEditable(ctx, tx, ownerID, timesheetID); err != nil {
			return err
		}
		idx, err := editableEntry(ts, entryID)
		if err != nil {
			return err
		}
		at := s.now()
		if err := tx.DeleteEntry(ctx, entryID, at); err != nil {
			return err
		}
		removed = ts.Entries[idx]
		ts.Entries[idx].DeletedAt = &at
		ts.Version, err = tx.UpdateHeader(ctx, ts)
		return err
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, ownerID, "ENTRY_DELETE", ts.ID, entryMeta(removed), nil)
	s.register(ctx, ts)
	return nil
}

// Submit validates the week and hands it to the lead tier. Draft and rejected entries move
// to submitted; entries already approved somewhere keep their status.
func (s *Service) Submit(ctx context.Context, ownerID, timesheetID int64) (Timesheet, error) {
	var (
		ts     Timesheet
		before workflow.Status
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if ts, err = tx.GetForUpdate(ctx, timesheetID); err != nil {
			return err
		}
		if ts.UserID != ownerID {
			return fmt.Errorf("timesheet: %d owned by another user: %w", ts.ID, shared.ErrAuthorization)
		}
		before = ts.Status
		if err := workflow.Transition(ts.Status, workflow.StatusSubmitted); err != nil {
			return err
		}
		if err := validateSubmission(ts, s.rules); err != nil {
			return err
		}
		var ids []int64
		for i, e := range ts.Entries {
			if e.Live() && e.Status.Editable() {
				ids = append(ids, e.ID)
				ts.Entries[i].Status = workflow.StatusSubmitted
			}
		}
		if err := tx.SetEntryStatus(ctx, ids, workflow.StatusSubmitted); err != nil {
			return err
		}
		now := s.now()
		ts.Status = workflow.StatusSubmitted
		ts.SubmittedAt = &now
		ts.Version, err = tx.UpdateHeader(ctx, ts)
		return err
	})
	if err != nil {
		return Timesheet{}, err
	}
	s.recordApproval(ctx, ts.ID, ownerID, "", shared.ApprovalSubmit, "")
	s.recordAudit(ctx, ownerID, "TIMESHEET_SUBMIT", ts.ID, map[string]any{"status": before}, map[string]any{"status": ts.Status})
	s.register(ctx, ts)
	return ts, nil
}

// ApplyReview records one tier's verdict on the entries of the given projects. Callers
// are responsible for authorization and project-week readiness.
func (s *Service) ApplyReview(ctx context.Context, in ReviewInput) (Timesheet, error) {
	if in.Decision != DecisionApprove && in.Decision != DecisionReject {
		return Timesheet{}, fmt.Errorf("timesheet: unknown decision %q: %w", in.Decision, shared.ErrValidation)
	}
	if in.Decision == DecisionReject && strings.TrimSpace(in.Reason) == "" {
		return Timesheet{}, fmt.Errorf("timesheet: rejection reason required: %w", shared.ErrValidation)
	}
	if len(in.ProjectIDs) == 0 {
		return Timesheet{}, fmt.Errorf("timesheet: review needs at least one project: %w", shared.ErrValidation)
	}
	target := in.Tier.Approved()
	action := shared.ApprovalApprove
	if in.Decision == DecisionReject {
		target = in.Tier.Rejected()
		action = shared.ApprovalReject
	}
	var (
		ts     Timesheet
		before workflow.Status
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if ts, err = tx.GetForUpdate(ctx, in.TimesheetID); err != nil {
			return err
		}
		before = ts.Status
		if ts.Status != in.Tier.Reviewable() {
			return fmt.Errorf("timesheet: %d is %s, %s review needs %s: %w", ts.ID, ts.Status, in.Tier, in.Tier.Reviewable(), shared.ErrInvalidState)
		}
		for _, projectID := range in.ProjectIDs {
			var ids []int64
			for i, e := range ts.Entries {
				if !e.Live() || e.ProjectID != projectID || e.Status != in.Tier.Reviewable() {
					continue
				}
				if err := workflow.Transition(e.Status, target); err != nil {
					return err
				}
				ids = append(ids, e.ID)
				ts.Entries[i].Status = target
			}
			if len(ids) == 0 {
				return fmt.Errorf("timesheet: %d project %d has nothing awaiting %s review: %w", ts.ID, projectID, in.Tier, shared.ErrInvalidState)
			}
			if err := tx.SetEntryStatus(ctx, ids, target); err != nil {
				return err
			}
		}
		next := ts.Status
		if in.Decision == DecisionReject {
			next = target
		} else if allReached(ts, target) {
			next = target
		}
		if next != ts.Status {
			if err := workflow.Transition(ts.Status, next); err != nil {
				return err
			}
			ts.Status = next
		}
		ts.Frozen = ts.Status == workflow.StatusFrozen
		now := s.now()
		slot := ts.Slot(in.Tier)
		slot.ApproverID = in.ActorID
		slot.ActedAt = &now
		slot.Reason = strings.TrimSpace(in.Reason)
		ts.Version, err = tx.UpdateHeader(ctx, ts)
		return err
	})
	if err != nil {
		return Timesheet{}, err
	}
	s.recordApproval(ctx, ts.ID, in.ActorID, in.Tier, action, in.Reason)
	s.recordAudit(ctx, in.ActorID, "TIMESHEET_"+strings.ToUpper(string(in.Decision)), ts.ID,
		map[string]any{"status": before},
		map[string]any{"status": ts.Status, "tier": in.Tier, "projects": in.ProjectIDs})
	s.logger.Info("timesheet reviewed",
		slog.Int64("timesheet_id", ts.ID),
		slog.String("tier", string(in.Tier)),
		slog.String("decision", string(in.Decision)),
		slog.String("status", string(ts.Status)))
	s.register(ctx, ts)
	return ts, nil
}

// AttachSnapshot points a frozen timesheet at its current billing snapshot.
func (s *Service) AttachSnapshot(ctx context.Context, timesheetID int64, snapshotID uuid.UUID) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ts, err := tx.GetForUpdate(ctx, timesheetID)
		if err != nil {
			return err
		}
		if ts.Status != workflow.StatusFrozen {
			return fmt.Errorf("timesheet: %d is %s, snapshots need frozen: %w", ts.ID, ts.Status, shared.ErrInvalidState)
		}
		ts.SnapshotID = &snapshotID
		_, err = tx.UpdateHeader(ctx, ts)
		return err
	})
}

// MarkBilled hands a frozen timesheet with a snapshot over to billing.
func (s *Service) MarkBilled(ctx context.Context, actorID, timesheetID int64) (Timesheet, error) {
	var ts Timesheet
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if ts, err = tx.GetForUpdate(ctx, timesheetID); err != nil {
			return err
		}
		if err := workflow.Transition(ts.Status, workflow.StatusBilled); err != nil {
			return err
		}
		if ts.SnapshotID == nil {
			return fmt.Errorf("timesheet: %d has no billing snapshot: %w", ts.ID, shared.ErrPrecondition)
		}
		var ids []int64
		for i, e := range ts.Entries {
			if e.Live() {
				ids = append(ids, e.ID)
				ts.Entries[i].Status = workflow.StatusBilled
			}
		}
		if err := tx.SetEntryStatus(ctx, ids, workflow.StatusBilled); err != nil {
			return err
		}
		ts.Status = workflow.StatusBilled
		ts.Version, err = tx.UpdateHeader(ctx, ts)
		return err
	})
	if err != nil {
		return Timesheet{}, err
	}
	s.recordApproval(ctx, ts.ID, actorID, "", shared.ApprovalBill, "")
	s.recordAudit(ctx, actorID, "TIMESHEET_BILL", ts.ID, map[string]any{"status": workflow.StatusFrozen}, map[string]any{"status": ts.Status, "snapshot_id": ts.SnapshotID.String()})
	s.register(ctx, ts)
	return ts, nil
}

// Delete soft-deletes a draft timesheet.
func (s *Service) Delete(ctx context.Context, ownerID, timesheetID int64) error {
	var ts Timesheet
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if ts, err = tx.GetForUpdate(ctx, timesheetID); err != nil {
			return err
		}
		if ts.UserID != ownerID {
			return fmt.Errorf("timesheet: %d owned by another user: %w", ts.ID, shared.ErrAuthorization)
		}
		if ts.Status != workflow.StatusDraft {
			return fmt.Errorf("timesheet: %d is %s, only drafts can be deleted: %w", ts.ID, ts.Status, shared.ErrInvalidState)
		}
		at := s.now()
		ts.DeletedAt = &at
		return tx.SoftDelete(ctx, ts.ID, at)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, ownerID, "TIMESHEET_DELETE", ts.ID, map[string]any{"status": ts.Status}, nil)
	s.register(ctx, ts)
	return nil
}

func (s *Service) loadEditable(ctx context.Context, tx TxRepository, ownerID, timesheetID int64) (Timesheet, error) {
	ts, err := tx.GetForUpdate(ctx, timesheetID)
	if err != nil {
		return Timesheet{}, err
	}
	if ts.UserID != ownerID {
		return Timesheet{}, fmt.Errorf("timesheet: %d owned by another user: %w", ts.ID, shared.ErrAuthorization)
	}
	if !ts.Status.Editable() {
		return Timesheet{}, fmt.Errorf("timesheet: %d is %s and not editable: %w", ts.ID, ts.Status, shared.ErrInvalidState)
	}
	return ts, nil
}

func editableEntry(ts Timesheet, entryID int64) (int, error) {
	for i, e := range ts.Entries {
		if e.ID != entryID || !e.Live() {
			continue
		}
		if !e.Status.Editable() {
			return 0, fmt.Errorf("timesheet: entry %d is %s: %w", e.ID, e.Status, shared.ErrInvalidState)
		}
		return i, nil
	}
	return 0, fmt.Errorf("timesheet: entry %d in timesheet %d: %w", entryID, ts.ID, shared.ErrNotFound)
}

func allReached(ts Timesheet, target workflow.Status) bool {
	for _, e := range ts.LiveEntries() {
		if !e.Status.Reached(target) {
			return false
		}
	}
	return true
}

func checkCaps(entries []timeentry.Entry, rules Rules) error {
	ts := Timesheet{Entries: entries}
	if rules.MaxDailyHours.IsPositive() {
		for day, total := range ts.DailyHours() {
			if total.GreaterThan(rules.MaxDailyHours) {
				return fmt.Errorf("timesheet: %s has %s hours, max %s: %w", day, total, rules.MaxDailyHours, shared.ErrValidation)
			}
		}
	}
	if rules.MaxWeeklyHours.IsPositive() {
		if total := ts.TotalHours(); total.GreaterThan(rules.MaxWeeklyHours) {
			return fmt.Errorf("timesheet: week has %s hours, max %s: %w", total, rules.MaxWeeklyHours, shared.ErrValidation)
		}
	}
	return nil
}

func validateSubmission(ts Timesheet, rules Rules) error {
	if err := checkCaps(ts.LiveEntries(), rules); err != nil {
		return err
	}
	if !rules.RequireWeekdayCoverage {
		return nil
	}
	daily := ts.DailyHours()
	var missing []string
	for _, day := range shared.Weekdays(ts.WeekStart) {
		if _, ok := daily[shared.FormatDate(day)]; !ok {
			missing = append(missing, shared.FormatDate(day))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("timesheet: no entries on %s: %w", strings.Join(missing, ", "), shared.ErrValidation)
	}
	return nil
}

func (s *Service) register(ctx context.Context, ts Timesheet) {
	if s.registrar == nil {
		return
	}
	if err := s.registrar.Register(ctx, ts); err != nil {
		s.logger.Warn("project-week register failed", slog.Int64("timesheet_id", ts.ID), slog.Any("error", err))
	}
}

func (s *Service) recordApproval(ctx context.Context, timesheetID, actorID int64, tier workflow.Tier, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  ApprovalModule,
		RefID:   shared.RefID(ApprovalModule, timesheetID),
		ActorID: actorID,
		Tier:    string(tier),
		Action:  action,
		Note:    note,
		At:      s.now(),
	})
	if err != nil {
		s.logger.Warn("approval record failed", slog.Int64("timesheet_id", timesheetID), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, timesheetID int64, before, after map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "timesheet",
		EntityID: strconv.FormatInt(timesheetID, 10),
		Before:   before,
		After:    after,
		At:       s.now(),
	})
	if err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Int64("timesheet_id", timesheetID), slog.Any("error", err))
	}
}

func entryMeta(e timeentry.Entry) map[string]any {
	return map[string]any{
		"entry_id":   e.ID,
		"project_id": e.ProjectID,
		"date":       shared.FormatDate(e.Date),
		"hours":      e.Hours.String(),
		"billable":   e.Billable,
		"kind":       e.Kind.Name(),
	}
}
