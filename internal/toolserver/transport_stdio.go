package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
)

// StdioTransport speaks line-delimited JSON-RPC to a subprocess.
type StdioTransport struct {
	config *ServerConfig
	logger *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	stderr  io.ReadCloser

	corr    *correlator
	writeMu sync.Mutex
	nextID  atomic.Int64

	connected atomic.Bool
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewStdioTransport builds a transport that will spawn cfg.Command.
func NewStdioTransport(cfg *ServerConfig) *StdioTransport {
	return &StdioTransport{
		config: cfg,
		logger: slog.Default().With("tool_server", cfg.ID, "transport", "stdio"),
		corr:   newCorrelator(),
		stop:   make(chan struct{}),
	}
}

// Connect spawns the server process and starts the read loop.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if t.config.Command == "" {
		return fmt.Errorf("toolserver: %s: command is required", t.config.ID)
	}

	t.process = exec.CommandContext(ctx, t.config.Command, t.config.Args...)
	t.process.Env = os.Environ()
	for k, v := range t.config.Env {
		t.process.Env = append(t.process.Env, k+"="+v)
	}
	if t.config.WorkDir != "" {
		t.process.Dir = t.config.WorkDir
	}

	stdin, err := t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("toolserver: stdin pipe: %w", err)
	}
	t.stdin = stdin

	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("toolserver: stdout pipe: %w", err)
	}
	t.stderr, _ = t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("toolserver: start %s: %w", t.config.Command, err)
	}

	t.connected.Store(true)
	t.logger.Info("tool server started", "command", t.config.Command, "pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readLoop(stdout)
	if t.stderr != nil {
		t.wg.Add(1)
		go t.drainStderr()
	}
	return nil
}

// Close kills the subprocess and stops the read loop.
func (t *StdioTransport) Close() error {
	if !t.connected.Swap(false) {
		return nil
	}
	close(t.stop)
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.process != nil && t.process.Process != nil {
		t.process.Process.Kill()
	}
	t.wg.Wait()
	return nil
}

func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}

	id := t.nextID.Add(1)
	data, err := encodeRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("toolserver: marshal params: %w", err)
	}

	ch := t.corr.expect(id)
	defer t.corr.forget(id)

	if err := t.writeLine(data); err != nil {
		return nil, err
	}
	return t.corr.await(ctx, ch, t.config.Timeout, t.stop)
}

func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}
	data, err := encodeNotification(method, params)
	if err != nil {
		return fmt.Errorf("toolserver: marshal params: %w", err)
	}
	return t.writeLine(data)
}

func (t *StdioTransport) Notifications() <-chan *Notification {
	return t.corr.notifs
}

func (t *StdioTransport) Connected() bool {
	return t.connected.Load()
}

func (t *StdioTransport) writeLine(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("toolserver: write: %w", err)
	}
	return nil
}

func (t *StdioTransport) readLoop(stdout io.Reader) {
	defer t.wg.Done()
	defer t.connected.Store(false)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		select {
		case <-t.stop:
			return
		default:
		}
		if line := scanner.Bytes(); len(line) > 0 {
			t.corr.dispatch(line)
		}
	}
	if err := scanner.Err(); err != nil {
		t.logger.Error("stdout read failed", "error", err)
	}
}

func (t *StdioTransport) drainStderr() {
	defer t.wg.Done()

	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		select {
		case <-t.stop:
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			t.logger.Debug("server stderr", "message", line)
		}
	}
}
