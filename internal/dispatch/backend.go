// Package dispatch runs pipeline role executors (scout, builder, validator)
// as external processes and reports their completion back to the jobs
// runtime.
package dispatch

import (
	"context"
	"syscall"
)

// KillProcess sends SIGTERM to pid, falling back to SIGKILL only when the
// SIGTERM itself cannot be delivered. It does not wait for the process to
// exit. Errors are swallowed for already-dead processes.
func KillProcess(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return syscall.Kill(pid, syscall.SIGKILL)
	}
	return nil
}

// CommandBuilder constructs an exec-compatible argv for provider commands.
type CommandBuilder func(provider, model, prompt string, flags []string) ([]string, error)

var defaultCommandBuilder CommandBuilder = BuildCommand

// BuildDispatchCommand builds provider argv using the configured command builder.
func BuildDispatchCommand(provider, model, prompt string, flags []string) ([]string, error) {
	return defaultCommandBuilder(provider, model, prompt, flags)
}

// Handle uniquely identifies a running dispatch.
type Handle struct {
	PID       int
	JobID     string
	Backend   string // "headless_cli", "docker"
	Container string // container id, set only for the docker backend
}

// DispatchOpts holds parameters for a new dispatch.
type DispatchOpts struct {
	JobID         string
	Role          string // "scout", "builder", "validator"
	Prompt        string
	Model         string
	ExecutorProfile string
	WorkDir       string
	CLIConfig     string // which CLI config to use (key in config.Dispatch.CLI)
	LogPath       string // path to write stdout/stderr
}

// DispatchStatus represents the current state of a dispatch.
type DispatchStatus struct {
	State    string // "running", "completed", "failed", "unknown"
	ExitCode int
	Duration float64 // seconds
}

// Backend is the pluggable interface for pipeline role execution.
type Backend interface {
	// Dispatch starts a new agent dispatch and returns a handle for tracking.
	Dispatch(ctx context.Context, opts DispatchOpts) (Handle, error)

	// Status checks the current status of a dispatch.
	Status(handle Handle) (DispatchStatus, error)

	// CaptureOutput retrieves the output from a dispatch.
	CaptureOutput(handle Handle) (string, error)

	// Kill forcefully terminates a running dispatch.
	Kill(handle Handle) error

	// Cleanup releases resources associated with a completed dispatch.
	Cleanup(handle Handle) error

	// Name returns the backend name for logging/config.
	Name() string
}
