package agent

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/tmarsden/acolyte/logger"
)

// StopGracePeriod is how long Stop waits for the process to exit after
// stdin closes before force-killing it.
const StopGracePeriod = 2 * time.Second

// ProcessConfig describes how to spawn an agent subprocess.
type ProcessConfig struct {
	Name    string   // profile name, used for logging only
	Command string   // executable to spawn
	Args    []string // command arguments
	Env     []string // extra environment in KEY=VALUE form, appended to os.Environ
	Dir     string   // working directory; empty means inherit
}

// ProcessCallbacks are invoked from the Process's internal goroutines.
// Implementations must be safe for concurrent use and should not block.
type ProcessCallbacks struct {
	// OnExit is called exactly once when the process exits, whether the
	// exit was requested or not. err is the cmd.Wait result (nil on clean
	// exit) and stderr is everything the process wrote to stderr.
	OnExit func(err error, stderr string)
}

// Process manages the lifecycle of one agent subprocess. It never
// restarts the process: an exit is reported through OnExit and the
// Process is finished.
type Process struct {
	config    ProcessConfig
	callbacks ProcessCallbacks
	log       *slog.Logger

	mu            sync.Mutex
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	stdout        io.ReadCloser
	stderr        io.ReadCloser
	stderrContent string
	stderrDone    chan struct{}
	running       bool

	// waitDone is closed by monitorExit when cmd.Wait() completes.
	// Stop() selects on this channel instead of calling cmd.Wait()
	// itself, so Wait is only ever called once.
	waitDone chan struct{}

	wg sync.WaitGroup
}

// NewProcess creates a Process from config. Call Start to spawn it.
func NewProcess(config ProcessConfig, callbacks ProcessCallbacks) *Process {
	return &Process{
		config:    config,
		callbacks: callbacks,
		log:       logger.WithComponent("agent").With("agent", config.Name),
	}
}

// Start spawns the agent subprocess and begins capturing stderr.
// Returns an error if the process is already running or fails to spawn.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("agent %q already running", p.config.Name)
	}

	p.log.Info("starting agent process", "command", p.config.Command, "args", strings.Join(p.config.Args, " "))
	startTime := time.Now()

	cmd := exec.Command(p.config.Command, p.config.Args...)
	cmd.Dir = p.config.Dir
	if len(p.config.Env) > 0 {
		cmd.Env = append(os.Environ(), p.config.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		p.log.Error("failed to start agent process", "error", err)
		return fmt.Errorf("failed to start agent %q: %w", p.config.Name, err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = stdout
	p.stderr = stderr
	p.stderrContent = ""
	p.stderrDone = make(chan struct{})
	p.waitDone = make(chan struct{})
	p.running = true

	p.log.Info("agent process started", "pid", cmd.Process.Pid, "elapsed", time.Since(startTime))

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.drainStderr()
	}()
	go func() {
		defer p.wg.Done()
		p.monitorExit()
	}()

	return nil
}

// Stdin returns the write side of the process pipe. Nil before Start.
func (p *Process) Stdin() io.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin
}

// Stdout returns the read side of the process pipe. Nil before Start.
func (p *Process) Stdout() io.Reader {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdout
}

// IsRunning reports whether the process is currently alive.
func (p *Process) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// PID returns the process id, or 0 when not running.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Stop shuts the process down: stdin is closed to signal EOF, and if the
// process has not exited within StopGracePeriod it is killed. Safe to
// call more than once.
func (p *Process) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.log.Debug("stopping agent process")
	p.running = false

	if p.stdin != nil {
		p.stdin.Close()
		p.stdin = nil
	}

	cmd := p.cmd
	waitDone := p.waitDone
	p.mu.Unlock()

	if cmd != nil && cmd.Process != nil && waitDone != nil {
		select {
		case <-waitDone:
			p.log.Debug("agent process exited gracefully")
		case <-time.After(StopGracePeriod):
			p.log.Debug("force killing agent process")
			cmd.Process.Kill()
			<-waitDone
		}
	}

	p.wg.Wait()

	p.mu.Lock()
	p.cmd = nil
	p.stdout = nil
	p.stderr = nil
	p.mu.Unlock()
}

// drainStderr captures everything the agent writes to stderr, logging one
// line at a time. Must run concurrently with the process so the pipe is
// read before cmd.Wait() closes it.
func (p *Process) drainStderr() {
	defer close(p.stderrDone)

	p.mu.Lock()
	stderr := p.stderr
	p.mu.Unlock()
	if stderr == nil {
		return
	}

	var lines []string
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.log.Debug("agent stderr", "line", line)
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		p.log.Debug("error reading agent stderr", "error", err)
	}
	if len(lines) > 0 {
		p.mu.Lock()
		p.stderrContent = strings.Join(lines, "\n")
		p.mu.Unlock()
	}
}

// monitorExit is the sole caller of cmd.Wait(). When the process exits it
// signals waitDone, waits for stderr to be fully drained, and fires the
// OnExit callback.
func (p *Process) monitorExit() {
	p.mu.Lock()
	cmd := p.cmd
	waitDone := p.waitDone
	stderrDone := p.stderrDone
	p.mu.Unlock()

	if cmd == nil {
		if waitDone != nil {
			close(waitDone)
		}
		return
	}

	err := cmd.Wait()
	p.log.Debug("agent process exited", "error", err)
	close(waitDone)

	if stderrDone != nil {
		<-stderrDone
	}

	p.mu.Lock()
	p.running = false
	stderrContent := p.stderrContent
	p.mu.Unlock()

	if p.callbacks.OnExit != nil {
		p.callbacks.OnExit(err, stderrContent)
	}
}
