// Package supervisor owns the Minecraft server process lifecycle.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/louisbranch/lastlife/internal/run/domain"
)

// State is the lifecycle position of the supervised process.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

const (
	defaultStartupTimeout = 2 * time.Minute
	defaultGracePeriod    = 30 * time.Second
	defaultTermWait       = 10 * time.Second
	consoleStopTimeout    = 5 * time.Second
)

// ConsoleCommander issues a console command against the live server. The
// graceful stop path uses it to send "stop" before escalating to signals.
type ConsoleCommander interface {
	Command(ctx context.Context, cmd string) (string, error)
}

// Config describes how to launch and shut down the server process.
type Config struct {
	// Command is the launch argv, e.g. {"java", "-jar", "server.jar", "nogui"}.
	Command []string
	// Dir is the working directory for the process.
	Dir string
	// Console, when set, enables the graceful "stop" command path.
	Console ConsoleCommander
	// Output receives the process's combined stdout and stderr. The log
	// watcher follows the server's own log file, so this is diagnostics only.
	Output io.Writer

	StartupTimeout time.Duration
	GracePeriod    time.Duration
	TermWait       time.Duration
}

// Supervisor drives one server process through
// Stopped → Starting → Running → Stopping → Stopped, with Crashed recording
// an unexpected exit. All operations are safe for concurrent use.
type Supervisor struct {
	cfg Config

	mu       sync.Mutex
	state    State
	cmd      *exec.Cmd
	ready    chan struct{}
	exited   chan struct{}
	exitCode int

	events chan domain.Event
}

// New builds a supervisor for the given launch configuration.
func New(cfg Config) (*Supervisor, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("launch command is required")
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.TermWait <= 0 {
		cfg.TermWait = defaultTermWait
	}
	return &Supervisor{
		cfg:    cfg,
		events: make(chan domain.Event, 4),
	}, nil
}

// Events delivers process exit notifications, one per exit, distinct from
// log-derived events.
func (s *Supervisor) Events() <-chan domain.Event {
	return s.events
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Running reports whether the process is live (starting or running).
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateStarting || s.state == StateRunning
}

// NotifyReady signals that the server reported readiness. It completes a
// pending Start; repeat notifications are ignored.
func (s *Supervisor) NotifyReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStarting && s.ready != nil {
		close(s.ready)
		s.ready = nil
	}
}

// Start launches the server process and blocks until readiness is observed,
// the process exits early, or the startup window elapses. It fails with
// domain.ErrAlreadyRunning when the process is already live and with
// domain.ErrStartupTimeout when readiness never arrives; on timeout the
// half-started process is killed.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped && s.state != StateCrashed {
		s.mu.Unlock()
		return domain.ErrAlreadyRunning
	}

	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Dir = s.cfg.Dir
	if s.cfg.Output != nil {
		cmd.Stdout = s.cfg.Output
		cmd.Stderr = s.cfg.Output
	}
	if err := cmd.Start(); err != nil {
		s.state = StateStopped
		s.mu.Unlock()
		return fmt.Errorf("launch server process: %w", err)
	}

	ready := make(chan struct{})
	exited := make(chan struct{})
	s.cmd = cmd
	s.ready = ready
	s.exited = exited
	s.state = StateStarting
	pid := cmd.Process.Pid
	s.mu.Unlock()

	log.Printf("server process started (pid %d)", pid)
	go s.wait(cmd, exited)

	timeout := time.NewTimer(s.cfg.StartupTimeout)
	defer timeout.Stop()

	select {
	case <-ready:
		s.mu.Lock()
		if s.state == StateStarting {
			s.state = StateRunning
		}
		s.mu.Unlock()
		log.Printf("server process ready (pid %d)", pid)
		return nil
	case <-exited:
		s.mu.Lock()
		code := s.exitCode
		s.mu.Unlock()
		return fmt.Errorf("server process exited during startup (code %d)", code)
	case <-timeout.C:
		log.Printf("server process (pid %d) missed the readiness window, killing", pid)
		s.kill(cmd, exited)
		return domain.ErrStartupTimeout
	case <-ctx.Done():
		s.kill(cmd, exited)
		return ctx.Err()
	}
}

// Stop shuts the process down. When graceful, it first sends the console
// "stop" command and waits out the grace period, then escalates to SIGTERM
// and finally SIGKILL. Stopping an already stopped process is a no-op.
func (s *Supervisor) Stop(ctx context.Context, graceful bool) error {
	s.mu.Lock()
	if s.state != StateStarting && s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	cmd := s.cmd
	exited := s.exited
	s.ready = nil
	s.mu.Unlock()

	pid := cmd.Process.Pid

	if graceful && s.cfg.Console != nil {
		cctx, cancel := context.WithTimeout(ctx, consoleStopTimeout)
		_, err := s.cfg.Console.Command(cctx, "stop")
		cancel()
		if err != nil {
			log.Printf("console stop failed for pid %d, escalating: %v", pid, err)
		} else {
			select {
			case <-exited:
				log.Printf("server process (pid %d) exited after console stop", pid)
				return nil
			case <-time.After(s.cfg.GracePeriod):
				log.Printf("server process (pid %d) ignored console stop, sending SIGTERM", pid)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		select {
		case <-exited:
			return nil
		default:
			return fmt.Errorf("signal server process (pid %d): %w", pid, err)
		}
	}
	select {
	case <-exited:
		return nil
	case <-time.After(s.cfg.TermWait):
		log.Printf("server process (pid %d) survived SIGTERM, killing", pid)
	case <-ctx.Done():
		return ctx.Err()
	}

	s.kill(cmd, exited)
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart composes Stop and Start. It is not atomic: a start failure after a
// successful stop leaves the supervisor stopped and reports the error.
func (s *Supervisor) Restart(ctx context.Context, graceful bool) error {
	if err := s.Stop(ctx, graceful); err != nil {
		return fmt.Errorf("stop before restart: %w", err)
	}
	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("start after stop: %w", err)
	}
	return nil
}

func (s *Supervisor) kill(cmd *exec.Cmd, exited chan struct{}) {
	select {
	case <-exited:
		return
	default:
	}
	_ = cmd.Process.Kill()
}

func (s *Supervisor) wait(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	s.mu.Lock()
	expected := s.state == StateStopping
	if expected {
		s.state = StateStopped
	} else {
		s.state = StateCrashed
	}
	s.exitCode = code
	s.cmd = nil
	s.mu.Unlock()
	close(exited)

	if expected {
		log.Printf("server process exited (code %d)", code)
	} else {
		log.Printf("server process exited unexpectedly (code %d)", code)
	}

	event := domain.Event{
		Kind:      domain.EventProcessExit,
		Timestamp: time.Now().UTC(),
		ExitCode:  code,
	}
	select {
	case s.events <- event:
	default:
		log.Printf("dropping process exit event, consumer is behind")
	}
}
