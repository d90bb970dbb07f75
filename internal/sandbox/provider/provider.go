// Package provider abstracts the remote execution backend that hosts
// sandboxes. Two backends are provided: sprites (remote microVMs with
// checkpoint/restore) and docker (local containers).
package provider

import (
	"context"
	"io"
	"time"
)

// CommandRequest describes a command to run inside a sandbox.
type CommandRequest struct {
	Cmd     string
	Args    []string
	Cwd     string
	Env     []string
	Stdin   io.Reader
	Timeout time.Duration
}

// CommandResult is the outcome of a completed command. Backends that cannot
// separate streams report combined output in Stdout.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// FileInfo describes one directory entry inside a sandbox.
type FileInfo struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
}

// Handle is a live connection to one provisioned sandbox. Handles are cheap
// to create and are cached by the lifecycle manager; losing a handle never
// loses sandbox state.
type Handle interface {
	// Ref returns the provider-side identifier (sprite name or container id).
	Ref() string

	// Alive probes whether the sandbox is reachable and able to run commands.
	Alive(ctx context.Context) bool

	RunCommand(ctx context.Context, req CommandRequest) (*CommandResult, error)

	// StreamCommand starts the command and returns its output stream. The
	// reader yields stdout as it is produced and reports the command's
	// failure, if any, as the stream error.
	StreamCommand(ctx context.Context, req CommandRequest) (io.ReadCloser, error)

	WriteFile(ctx context.Context, path string, data []byte) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	ListFiles(ctx context.Context, path string) ([]FileInfo, error)
	DeleteFile(ctx context.Context, path string) error
	MakeDir(ctx context.Context, path string) error

	// ExposedURL returns a URL reaching the given port inside the sandbox.
	ExposedURL(ctx context.Context, port int) (string, error)

	// Close releases handle-local resources (tunnels, connections). It never
	// affects the sandbox itself.
	Close() error
}

// Provider provisions and controls sandboxes.
type Provider interface {
	Name() string

	// Create provisions a new sandbox and returns a live handle to it.
	Create(ctx context.Context, name string) (Handle, error)

	// Connect returns a handle to an existing sandbox without verifying
	// liveness; callers probe with Alive.
	Connect(ctx context.Context, ref string) (Handle, error)

	// Pause checkpoints the sandbox. Paused sandboxes keep disk and memory
	// state but consume no compute.
	Pause(ctx context.Context, ref string) error

	// Resume wakes a paused sandbox.
	Resume(ctx context.Context, ref string) error

	// Kill destroys the sandbox and all its state. Killing an already
	// destroyed sandbox is not an error.
	Kill(ctx context.Context, ref string) error
}
