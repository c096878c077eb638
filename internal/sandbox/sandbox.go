// Package sandbox gives agents a controlled workspace: file IO confined to
// a boundary, command execution, and change notifications.
package sandbox

import (
	"context"
	"time"
)

// FileEvent reports a change inside the watched workspace.
type FileEvent struct {
	Path string
	Kind string // create, write, remove, rename
}

// Config selects and parameterizes a sandbox backend.
type Config struct {
	// Kind names the backend. Default: "local".
	Kind string `yaml:"kind"`

	// WorkDir is the workspace root.
	WorkDir string `yaml:"work_dir"`

	// EnforceBoundary rejects any path resolving outside WorkDir.
	// Default: true.
	EnforceBoundary bool `yaml:"enforce_boundary"`

	// WatchFiles enables filesystem notifications via Watch.
	WatchFiles bool `yaml:"watch_files"`
}

// Sandbox is the execution surface handed to tools. Write paths serialize
// per file; Dispose releases watchers and locks but never deletes state.
type Sandbox interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error

	// Edit applies a literal search/replace patch to the file.
	Edit(ctx context.Context, path, oldText, newText string) error

	Exec(ctx context.Context, command string, argv []string, timeout time.Duration) ([]byte, error)

	// Watch streams file changes until ctx is done or Dispose is called.
	Watch(ctx context.Context) (<-chan FileEvent, error)

	WorkDir() string
	Dispose() error
}
