package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/aroton/aromcp/internal/domain"
)

// AuditEvent is one append-only row recording a terminal instance outcome
// or a step completion, persisted for operators to inspect after the
// fact. Spec §1/§5 rule out durable *state* persistence across restarts;
// an audit trail of what happened is not workflow state and does not
// violate that Non-goal (DESIGN.md's session ledger entry).
type AuditEvent struct {
	bun.BaseModel `bun:"table:audit_events,alias:a"`

	ID         int64     `bun:"id,pk,autoincrement"`
	InstanceID string    `bun:"instance_id,notnull"`
	Workflow   string    `bun:"workflow,notnull"`
	Kind       string    `bun:"kind,notnull"` // "instance_started" | "instance_completed" | "instance_failed" | "step_completed"
	StepID     string    `bun:"step_id"`
	Status     string    `bun:"status"`
	Detail     string    `bun:"detail,type:text"` // JSON blob
	OccurredAt time.Time `bun:"occurred_at,notnull"`
}

// AuditSink is a bun+sqlite Observer that appends one row per lifecycle
// event. Grounded on the teacher's internal/infrastructure/storage
// bun_store.go (bun.DB over a sql.DB, NewCreateTable().IfNotExists() schema
// bootstrap, NewInsert().Model() writes), swapped from the teacher's
// pgdialect/pgdriver pair onto this module's sqlitedialect/modernc.org/sqlite
// pair (no running Postgres is assumed for a single-process engine).
type AuditSink struct {
	db     *bun.DB
	tracer trace.Tracer
}

// NewAuditSink opens (or creates) a sqlite database at path and ensures
// the audit_events table exists. Pass ":memory:" for an ephemeral sink
// scoped to one process. tracer may be nil (use (*TracingProvider)(nil).Tracer()
// for a no-op tracer that still compiles the same span-wrapped code path).
func NewAuditSink(ctx context.Context, path string, tracer trace.Tracer) (*AuditSink, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db := bun.NewDB(sqldb, sqlitedialect.New())
	if _, err := db.NewCreateTable().Model((*AuditEvent)(nil)).IfNotExists().Exec(ctx); err != nil {
		return nil, err
	}
	if tracer == nil {
		tracer = (*TracingProvider)(nil).Tracer()
	}
	return &AuditSink{db: db, tracer: tracer}, nil
}

func (a *AuditSink) insert(kind string, inst *domain.WorkflowInstance, stepID, status string, detail any) {
	ctx, span := a.tracer.Start(context.Background(), "audit."+kind,
		trace.WithAttributes(
			attribute.String("workflow.instance_id", inst.ID),
			attribute.String("workflow.name", inst.Def.Name()),
			attribute.String("step.id", stepID),
			attribute.String("step.status", status),
		),
	)
	defer span.End()

	b, _ := json.Marshal(detail)
	_, err := a.db.NewInsert().Model(&AuditEvent{
		InstanceID: inst.ID,
		Workflow:   inst.Def.Name(),
		Kind:       kind,
		StepID:     stepID,
		Status:     status,
		Detail:     string(b),
		OccurredAt: time.Now(),
	}).Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (a *AuditSink) OnInstanceStarted(inst *domain.WorkflowInstance) {
	a.insert("instance_started", inst, "", string(inst.Status), nil)
}

func (a *AuditSink) OnInstanceCompleted(inst *domain.WorkflowInstance) {
	a.insert("instance_completed", inst, "", string(inst.Status), nil)
}

func (a *AuditSink) OnInstanceFailed(inst *domain.WorkflowInstance, err error) {
	a.insert("instance_failed", inst, "", string(inst.Status), map[string]string{"error": err.Error()})
}

func (a *AuditSink) OnStepDispatched(inst *domain.WorkflowInstance, desc *domain.StepDescriptor) {}

func (a *AuditSink) OnStepCompleted(inst *domain.WorkflowInstance, stepID string, result domain.StepResult, duration time.Duration) {
	a.insert("step_completed", inst, stepID, string(result.Status), map[string]any{"duration_ms": duration.Milliseconds()})
}

func (a *AuditSink) OnStepRetrying(inst *domain.WorkflowInstance, stepID string, attempt int) {}

// Close releases the underlying database handle.
func (a *AuditSink) Close() error {
	return a.db.Close()
}
