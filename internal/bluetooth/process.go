package bluetooth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// ErrNotRunning is returned for any command issued while the bluetoothctl
// child process is down.
var ErrNotRunning = errors.New("bluetooth process not running")

// Supervisor owns the bluetoothctl child process: its three pipes, crash
// detection and respawn. Exactly one process exists at a time.
type Supervisor struct {
	path   string
	logger *slog.Logger

	onOutput func([]byte)
	onExit   func(error)

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	running bool
	gen     int
}

func NewSupervisor(path string, logger *slog.Logger) *Supervisor {
	return &Supervisor{path: path, logger: logger}
}

// SetOnOutput registers the stdout chunk sink. Must be called before Start.
func (s *Supervisor) SetOnOutput(fn func([]byte)) { s.onOutput = fn }

// SetOnExit registers the crash notification callback. It fires only for
// exits the supervisor did not itself request. Must be called before Start.
func (s *Supervisor) SetOnExit(fn func(error)) { s.onExit = fn }

// Start spawns a fresh bluetoothctl process. It is idempotent: a process
// already running is terminated first.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.terminateLocked()

	cmd := exec.CommandContext(ctx, s.path)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", s.path, err)
	}

	s.gen++
	s.cmd = cmd
	s.stdin = stdin
	s.running = true

	go s.readLoop(stdout)
	go s.drainStderr(stderr)
	go s.wait(cmd, s.gen)

	s.logger.Info("bluetooth process started", "path", s.path, "pid", cmd.Process.Pid)
	return nil
}

// Stop terminates the current process without firing the exit callback.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminateLocked()
}

// Running reports whether a live process is attached.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Write sends bytes to the process's input pipe, failing fast when no
// process is running.
func (s *Supervisor) Write(p []byte) (int, error) {
	s.mu.Lock()
	if !s.running || s.stdin == nil {
		s.mu.Unlock()
		return 0, ErrNotRunning
	}
	stdin := s.stdin
	s.mu.Unlock()
	return stdin.Write(p)
}

// terminateLocked kills the attached process and bumps the generation so the
// pending wait goroutine treats the exit as intentional.
func (s *Supervisor) terminateLocked() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	s.gen++
	s.cmd = nil
	s.stdin = nil
	s.running = false
}

func (s *Supervisor) readLoop(stdout io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 && s.onOutput != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.onOutput(chunk)
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		s.logger.Debug("bluetoothctl stderr", "line", scanner.Text())
	}
}

func (s *Supervisor) wait(cmd *exec.Cmd, gen int) {
	err := cmd.Wait()

	s.mu.Lock()
	stale := gen != s.gen
	if !stale {
		s.cmd = nil
		s.stdin = nil
		s.running = false
	}
	s.mu.Unlock()

	if stale {
		return
	}
	s.logger.Warn("bluetooth process exited", "err", err)
	if s.onExit != nil {
		s.onExit(err)
	}
}
