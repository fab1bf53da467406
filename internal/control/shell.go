package control

import "context"

// ShellRunner abstracts server-internal shell_command execution (spec
// §4.4 lists shell_command with execution_context: server as the one
// Server-internal step type that does real work beyond state/control).
// The spec models shell execution abstractly and explicitly keeps
// concrete process-launch mechanics out of scope; this interface is the
// seam a host binds to a real exec.Command-backed implementation.
type ShellRunner interface {
	Run(ctx context.Context, command string, args []string) (stdout string, exitCode int, err error)
}

// NoopShellRunner rejects every command; used when a host has not wired a
// real runner, so a misconfigured workflow fails loudly instead of
// silently no-opping.
type NoopShellRunner struct{}

func (NoopShellRunner) Run(ctx context.Context, command string, args []string) (string, int, error) {
	return "", -1, errShellUnconfigured
}
