package shared

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog is one audit event. ActorID 0 marks system-initiated events such as enrollment
// reopenings found by the sync job.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Before   map[string]any
	After    map[string]any
	Meta     map[string]any
	At       time.Time
}

func (log AuditLog) validate() error {
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	return nil
}

// metadata folds Before and After into Meta under the "before" and "after" keys.
func (log AuditLog) metadata() ([]byte, error) {
	meta := make(map[string]any, len(log.Meta)+2)
	for k, v := range log.Meta {
		meta[k] = v
	}
	if log.Before != nil {
		meta["before"] = log.Before
	}
	if log.After != nil {
		meta["after"] = log.After
	}
	return json.Marshal(meta)
}

// AuditSink accepts discrete audit events. The engines emit but never query it.
type AuditSink interface {
	Record(ctx context.Context, log AuditLog) error
}

// AuditLogger writes events into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the event.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	if err := log.validate(); err != nil {
		return err
	}
	meta, err := log.metadata()
	if err != nil {
		return err
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`, log.ActorID, log.Action, log.Entity, log.EntityID, meta, at)
	return err
}

// MemoryAudit keeps events in process.
type MemoryAudit struct {
	mu   sync.Mutex
	logs []AuditLog
}

// Record appends log after the same validation AuditLogger applies.
func (a *MemoryAudit) Record(_ context.Context, log AuditLog) error {
	if err := log.validate(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

// Logs returns a copy of the recorded events.
func (a *MemoryAudit) Logs() []AuditLog {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AuditLog(nil), a.logs...)
}
