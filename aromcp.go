// Package aromcp is the root facade over the workflow engine: it
// re-exports the Control API's request/response types and the Engine
// constructor so a caller never has to import internal/* directly.
//
// Grounded on the teacher's root mbflow.go facade, which re-exports its
// domain entity interfaces and NodeConfig/EdgeConfig conversion helpers
// as type aliases over internal/domain and internal/application/executor
// types; this repo's surface is far smaller (one engine, one protocol)
// so the facade reduces to the handful of aliases the Control API itself
// needs plus the Engine constructor.
package aromcp

import (
	"context"

	"github.com/aroton/aromcp/internal/config"
	"github.com/aroton/aromcp/internal/control"
	"github.com/aroton/aromcp/internal/domain"
	domerrors "github.com/aroton/aromcp/internal/domain/errors"
	"github.com/aroton/aromcp/internal/engine"
	"github.com/aroton/aromcp/internal/session"
	"github.com/aroton/aromcp/internal/state"
)

// Config is the engine's process-wide settings (spec §6 Environment
// variables).
type Config = config.Config

// ShellRunner executes a server-internal shell_command step (spec §4.4).
// Hosts embedding this engine with real shell access implement this and
// pass it to New; omitted, every shell_command step fails.
type ShellRunner = control.ShellRunner

// WorkflowDef, WorkflowInstance, StepDescriptor, StepResult,
// StructuredError, InstanceStatus and StepType are the shapes the Control
// API's RPCs accept and return (spec §6).
type (
	WorkflowDef      = domain.WorkflowDef
	WorkflowInstance = domain.WorkflowInstance
	StepDescriptor   = domain.StepDescriptor
	StepResult       = domain.StepResult
	StructuredError  = domain.StructuredError
	InstanceStatus   = domain.InstanceStatus
	StepType         = domain.StepType
)

// StateUpdate is one entry of a workflow.state_update call (spec §6).
type StateUpdate = state.Update

// WorkflowError is the {kind, message, location?, context?} error
// envelope every RPC returns on failure (spec §6 Exit/error envelope).
type WorkflowError = domerrors.WorkflowError

// Observer, Logger, and MetricsCollector expose session monitoring so a
// host can attach its own sinks alongside the built-in zerolog Logger
// (spec §4.8 Session & Monitoring).
type (
	Observer         = session.Observer
	Logger           = session.Logger
	MetricsCollector = session.MetricsCollector
)

// NewLogger returns a zerolog-backed Observer (see session.NewLogger).
var NewLogger = session.NewLogger

// Engine is the Control API entry point: one Engine serves every workflow
// instance a host drives (spec §6).
type Engine = engine.Engine

// New constructs an Engine from Config and an optional ShellRunner.
func New(cfg *Config, shell ShellRunner) *Engine {
	return engine.New(cfg, shell)
}

// Context is re-exported only so callers embedding this package in a
// narrow import set don't need a second stdlib import purely to satisfy
// the Engine method signatures in their own wrapper code.
type Context = context.Context
