package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"subcheck/internal/shared/logger"
	"subcheck/speedtest/model"
)

var (
	// ErrStartupFailed means the engine process exited before it ever
	// became ready.
	ErrStartupFailed = errors.New("engine failed to start")
	// ErrReadinessTimeout means the engine kept running but never
	// bound its port within the readiness budget.
	ErrReadinessTimeout = errors.New("engine readiness timeout")
)

const (
	readinessPollInterval = 200 * time.Millisecond
	terminateGrace        = 3 * time.Second
)

// Runner launches probe sessions against a fixed engine binary.
type Runner struct {
	binPath          string
	readinessTimeout time.Duration
}

func NewRunner(binPath string, readinessTimeout time.Duration) *Runner {
	return &Runner{binPath: binPath, readinessTimeout: readinessTimeout}
}

// Session is one running engine process scoped to a single node test.
// The worker that starts a session owns it exclusively and must Close
// it before returning; Close is safe to call on every exit path and
// runs exactly once.
type Session struct {
	Port int

	cmd        *exec.Cmd
	configPath string
	waitCh     chan error
	closeOnce  sync.Once
}

// Start writes the ephemeral config, spawns the engine and waits for
// it to accept connections on the local port. On any error the process
// is already dead and the temp config removed; a non-nil Session is
// always ready for probing.
func (r *Runner) Start(ctx context.Context, node *model.Node, port int) (*Session, error) {
	cfg, err := BuildConfig(node, port)
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp("", "subcheck-engine-*.json")
	if err != nil {
		return nil, fmt.Errorf("create engine config: %w", err)
	}
	configPath := f.Name()
	if _, err := f.Write(cfg); err != nil {
		f.Close()
		os.Remove(configPath)
		return nil, fmt.Errorf("write engine config: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(configPath)
		return nil, fmt.Errorf("write engine config: %w", err)
	}

	cmd := exec.Command(r.binPath, "run", "-c", configPath)
	if err := cmd.Start(); err != nil {
		os.Remove(configPath)
		return nil, fmt.Errorf("%w: %v", ErrStartupFailed, err)
	}

	s := &Session{
		Port:       port,
		cmd:        cmd,
		configPath: configPath,
		waitCh:     make(chan error, 1),
	}
	go func() { s.waitCh <- cmd.Wait() }()

	if err := s.awaitReady(ctx, r.readinessTimeout); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// awaitReady polls a local connect until the engine answers, the
// process dies, the context is cancelled or the budget runs out.
func (s *Session) awaitReady(ctx context.Context, timeout time.Duration) error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.Port)
	deadline := time.Now().Add(timeout)

	for {
		select {
		case err := <-s.waitCh:
			// Put the exit status back for Close.
			s.waitCh <- err
			return fmt.Errorf("%w: process exited: %v", ErrStartupFailed, err)
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := net.DialTimeout("tcp", addr, readinessPollInterval)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return ErrReadinessTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readinessPollInterval):
		}
	}
}

// Close terminates the engine process and removes its config file. It
// first asks politely with SIGTERM and escalates to SIGKILL after a
// short grace period.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		l := logger.WithComponent("Speedtest/Engine")

		select {
		case <-s.waitCh:
			// Already exited.
		default:
			_ = s.cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-s.waitCh:
			case <-time.After(terminateGrace):
				_ = s.cmd.Process.Kill()
				<-s.waitCh
			}
		}

		if err := os.Remove(s.configPath); err != nil && !os.IsNotExist(err) {
			l.Warn().Err(err).Str("path", s.configPath).Msg("Failed to remove engine config.")
		}
	})
}
