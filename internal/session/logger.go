package session

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/aroton/aromcp/internal/domain"
)

// Logger is a zerolog-backed Observer, promoted to the engine's sole
// structured logging sink (DESIGN.md: the teacher itself mixes
// stdlib log.Printf with zerolog across its monitoring package; this
// repo standardizes on zerolog everywhere instead of replicating that
// split). Grounded on the teacher's
// internal/infrastructure/monitoring/logger.go ExecutionLogger shape
// (one Log* method per lifecycle event, workflow/execution ids on every
// line), rebuilt against zerolog's event builder instead of
// stdlib `log.Printf` formatting.
type Logger struct {
	log zerolog.Logger
}

// NewLogger returns a Logger writing to w at the given level ("debug",
// "info", "warn", "error"; unrecognized values fall back to "info").
func NewLogger(w io.Writer, level string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return &Logger{log: zerolog.New(w).Level(lvl).With().Timestamp().Logger()}
}

func (l *Logger) OnInstanceStarted(inst *domain.WorkflowInstance) {
	l.log.Info().
		Str("workflow_id", inst.ID).
		Str("workflow", inst.Def.Name()).
		Msg("instance started")
}

func (l *Logger) OnInstanceCompleted(inst *domain.WorkflowInstance) {
	l.log.Info().
		Str("workflow_id", inst.ID).
		Str("workflow", inst.Def.Name()).
		Dur("duration", inst.Duration()).
		Msg("instance completed")
}

func (l *Logger) OnInstanceFailed(inst *domain.WorkflowInstance, err error) {
	l.log.Error().
		Str("workflow_id", inst.ID).
		Str("workflow", inst.Def.Name()).
		Dur("duration", inst.Duration()).
		Err(err).
		Msg("instance failed")
}

func (l *Logger) OnStepDispatched(inst *domain.WorkflowInstance, desc *domain.StepDescriptor) {
	l.log.Debug().
		Str("workflow_id", inst.ID).
		Str("step_id", desc.ID).
		Str("step_type", string(desc.Type)).
		Msg("step dispatched to client")
}

func (l *Logger) OnStepCompleted(inst *domain.WorkflowInstance, stepID string, result domain.StepResult, duration time.Duration) {
	ev := l.log.Debug()
	if result.Status != domain.StepOK {
		ev = l.log.Warn()
	}
	ev.Str("workflow_id", inst.ID).
		Str("step_id", stepID).
		Str("status", string(result.Status)).
		Dur("duration", duration).
		Msg("step completed")
}

func (l *Logger) OnStepRetrying(inst *domain.WorkflowInstance, stepID string, attempt int) {
	l.log.Warn().
		Str("workflow_id", inst.ID).
		Str("step_id", stepID).
		Int("attempt", attempt).
		Msg("step retrying")
}
