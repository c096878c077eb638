package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrBoundary indicates a path escaping the workspace root.
var ErrBoundary = errors.New("sandbox: path escapes workspace boundary")

// DefaultExecTimeout bounds command execution when the caller passes zero.
const DefaultExecTimeout = 2 * time.Minute

// Local is a sandbox over a host directory. File writes serialize through
// per-path locks so concurrent tools never interleave partial writes.
type Local struct {
	workDir  string
	enforce  bool
	watching bool
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	watchMu  sync.Mutex
	watcher  *fsnotify.Watcher
	disposed bool
}

// Option configures a Local sandbox.
type Option func(*Local)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Local) { s.logger = l }
}

// NewLocal opens a sandbox rooted at cfg.WorkDir, creating it if needed.
func NewLocal(cfg Config, opts ...Option) (*Local, error) {
	if cfg.WorkDir == "" {
		return nil, errors.New("sandbox: work dir is required")
	}
	abs, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve work dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create work dir: %w", err)
	}
	s := &Local{
		workDir:  abs,
		enforce:  cfg.EnforceBoundary,
		watching: cfg.WatchFiles,
		logger:   slog.Default(),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Local) WorkDir() string { return s.workDir }

// resolve maps a tool-supplied path to an absolute host path, rejecting
// boundary escapes when enforcement is on.
func (s *Local) resolve(path string) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.workDir, path)
	}
	abs = filepath.Clean(abs)
	if s.enforce {
		rel, err := filepath.Rel(s.workDir, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %s", ErrBoundary, path)
		}
	}
	return abs, nil
}

func (s *Local) pathLock(abs string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[abs]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[abs] = lock
	}
	return lock
}

func (s *Local) Read(ctx context.Context, path string) ([]byte, error) {
	abs, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

func (s *Local) Write(ctx context.Context, path string, data []byte) error {
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	lock := s.pathLock(abs)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("sandbox: create parent dir: %w", err)
	}
	return os.WriteFile(abs, data, 0o644)
}

// Edit replaces the first occurrence of oldText. The match must be unique.
func (s *Local) Edit(ctx context.Context, path, oldText, newText string) error {
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	lock := s.pathLock(abs)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(abs)
	if err != nil {
		return err
	}
	count := bytes.Count(data, []byte(oldText))
	if count == 0 {
		return fmt.Errorf("sandbox: edit target not found in %s", path)
	}
	if count > 1 {
		return fmt.Errorf("sandbox: edit target matches %d times in %s", count, path)
	}
	updated := bytes.Replace(data, []byte(oldText), []byte(newText), 1)
	return os.WriteFile(abs, updated, 0o644)
}

func (s *Local) Exec(ctx context.Context, command string, argv []string, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command, argv...)
	cmd.Dir = s.workDir
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return out, fmt.Errorf("sandbox: command timed out after %s", timeout)
	}
	return out, err
}

// Watch streams change events for the workspace root. Requires WatchFiles.
func (s *Local) Watch(ctx context.Context) (<-chan FileEvent, error) {
	if !s.watching {
		return nil, errors.New("sandbox: watching disabled")
	}
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.disposed {
		return nil, errors.New("sandbox: disposed")
	}
	if s.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("sandbox: start watcher: %w", err)
		}
		if err := w.Add(s.workDir); err != nil {
			w.Close()
			return nil, fmt.Errorf("sandbox: watch %s: %w", s.workDir, err)
		}
		s.watcher = w
	}

	out := make(chan FileEvent, 64)
	watcher := s.watcher
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				fe := FileEvent{Path: ev.Name, Kind: eventKind(ev.Op)}
				if fe.Kind == "" {
					continue
				}
				select {
				case out <- fe:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("sandbox watcher error", "error", err)
			}
		}
	}()
	return out, nil
}

func eventKind(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	default:
		return ""
	}
}

// Dispose stops the watcher. Workspace contents are left untouched.
func (s *Local) Dispose() error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.disposed {
		return nil
	}
	s.disposed = true
	if s.watcher != nil {
		err := s.watcher.Close()
		s.watcher = nil
		return err
	}
	return nil
}

var _ Sandbox = (*Local)(nil)
