// Package term runs agent-requested commands in tracked terminals. Each
// terminal owns its subprocess independently of any session lifetime and
// buffers combined stdout/stderr for non-blocking retrieval.
package term

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	osexec "os/exec"
	"sync"
	"syscall"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/tmarsden/acolyte/acp"
	"github.com/tmarsden/acolyte/exec"
	"github.com/tmarsden/acolyte/logger"
)

// ErrUnknownTerminal is returned for ids that were never issued or have
// been released.
var ErrUnknownTerminal = errors.New("unknown terminal")

// DefaultOutputLimit bounds retained terminal output when the agent does
// not specify a limit.
const DefaultOutputLimit int64 = 1 << 20 // 1 MiB

// Manager tracks live terminals by id.
type Manager struct {
	mu        sync.RWMutex
	terminals map[string]*Terminal
	executor  exec.CommandExecutor
	log       *slog.Logger
}

// NewManager creates a terminal manager. A nil executor uses the process
// default.
func NewManager(executor exec.CommandExecutor) *Manager {
	if executor == nil {
		executor = exec.GetDefaultExecutor()
	}
	return &Manager{
		terminals: make(map[string]*Terminal),
		executor:  executor,
		log:       logger.WithComponent("term"),
	}
}

// Terminal is one tracked subprocess and its captured output.
type Terminal struct {
	id     string
	handle exec.CommandHandle
	output *boundedBuffer
	done   chan struct{}

	mu         sync.RWMutex
	exitStatus *acp.TerminalExitStatus
}

// Create spawns a subprocess and returns its terminal id. The terminal
// keeps running after ctx is cancelled; its lifetime ends only with Kill,
// Release, or process exit.
func (m *Manager) Create(ctx context.Context, command string, args []string, env []acp.EnvVariable, cwd string, outputLimit *int64) (string, error) {
	limit := DefaultOutputLimit
	if outputLimit != nil && *outputLimit > 0 {
		limit = *outputLimit
	}

	buf := newBoundedBuffer(limit)
	var envPairs []string
	for _, e := range env {
		envPairs = append(envPairs, e.Name+"="+e.Value)
	}

	// Deliberately not the caller's ctx: terminals outlive the request
	// that created them.
	handle, err := m.executor.Start(context.Background(), exec.CommandSpec{
		Dir:    cwd,
		Name:   command,
		Args:   args,
		Env:    envPairs,
		Stdout: buf,
		Stderr: buf,
	})
	if err != nil {
		return "", fmt.Errorf("start %s: %w", command, err)
	}

	t := &Terminal{
		id:     "term_" + uuid.NewString(),
		handle: handle,
		output: buf,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.terminals[t.id] = t
	m.mu.Unlock()

	go func() {
		waitErr := handle.Wait()
		t.setExitStatus(exitStatusFromErr(waitErr))
		close(t.done)
	}()

	m.log.Debug("terminal created", "terminalID", t.id, "command", command, "pid", handle.PID())
	return t.id, nil
}

// get looks up a live terminal.
func (m *Manager) get(id string) (*Terminal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.terminals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTerminal, id)
	}
	return t, nil
}

// Output returns buffered output without waiting for process exit.
// exitStatus is nil while the process is still running.
func (m *Manager) Output(id string) (output string, truncated bool, exitStatus *acp.TerminalExitStatus, err error) {
	t, err := m.get(id)
	if err != nil {
		return "", false, nil, err
	}
	output, truncated = t.output.Snapshot()
	return output, truncated, t.getExitStatus(), nil
}

// WaitForExit blocks until the process ends or ctx is done.
func (m *Manager) WaitForExit(ctx context.Context, id string) (acp.TerminalExitStatus, error) {
	t, err := m.get(id)
	if err != nil {
		return acp.TerminalExitStatus{}, err
	}
	select {
	case <-ctx.Done():
		return acp.TerminalExitStatus{}, ctx.Err()
	case <-t.done:
		status := t.getExitStatus()
		if status == nil {
			return acp.TerminalExitStatus{}, nil
		}
		return *status, nil
	}
}

// Kill terminates the terminal's process. Calling it on an already-exited
// process is a no-op, so double kills never error.
func (m *Manager) Kill(id string) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	return t.kill()
}

// Release kills the process if needed and forgets the id. Any later use of
// the id fails with ErrUnknownTerminal.
func (m *Manager) Release(id string) error {
	m.mu.Lock()
	t, ok := m.terminals[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTerminal, id)
	}
	delete(m.terminals, id)
	m.mu.Unlock()

	if err := t.kill(); err != nil {
		return err
	}
	m.log.Debug("terminal released", "terminalID", id)
	return nil
}

// Count returns the number of live terminals.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.terminals)
}

// Shutdown kills and forgets every terminal. Used when the host exits.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	terminals := m.terminals
	m.terminals = make(map[string]*Terminal)
	m.mu.Unlock()

	for id, t := range terminals {
		if err := t.kill(); err != nil {
			m.log.Warn("failed to kill terminal during shutdown", "terminalID", id, "error", err)
		}
	}
}

func (t *Terminal) kill() error {
	select {
	case <-t.done:
		// Already exited.
		return nil
	default:
	}
	if err := t.handle.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill terminal %s: %w", t.id, err)
	}
	return nil
}

func (t *Terminal) setExitStatus(status acp.TerminalExitStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exitStatus = &status
}

func (t *Terminal) getExitStatus() *acp.TerminalExitStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.exitStatus
}

// exitStatusFromErr converts a Wait error to the wire exit status. A
// signal-terminated process reports the signal with a nil exit code.
func exitStatusFromErr(err error) acp.TerminalExitStatus {
	if err == nil {
		zero := 0
		return acp.TerminalExitStatus{ExitCode: &zero}
	}
	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			sig := ws.Signal().String()
			return acp.TerminalExitStatus{Signal: &sig}
		}
		if code := exitErr.ExitCode(); code >= 0 {
			return acp.TerminalExitStatus{ExitCode: &code}
		}
	}
	// Non-exec failures (mock errors, I/O trouble) read as a plain
	// nonzero exit.
	one := 1
	return acp.TerminalExitStatus{ExitCode: &one}
}

// boundedBuffer retains at most limit bytes, discarding the oldest output
// on overflow and keeping the retained prefix on a UTF-8 boundary.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int64
	truncated bool
}

func newBoundedBuffer(limit int64) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if int64(len(b.buf)) > b.limit {
		b.truncated = true
		cut := int64(len(b.buf)) - b.limit
		b.buf = b.buf[cut:]
		// Drop any partial rune left at the front.
		for len(b.buf) > 0 && !utf8.RuneStart(b.buf[0]) {
			b.buf = b.buf[1:]
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) Snapshot() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf), b.truncated
}
