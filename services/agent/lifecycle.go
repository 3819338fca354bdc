package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// hardExitDelay bounds how long the process lingers after asking the
// service manager to stop it.
const hardExitDelay = 10 * time.Second

// Lifecycle is the external service manager.
type Lifecycle interface {
	// Redeploy restarts the agent so it comes back on the deployed build.
	Redeploy(ctx context.Context) error
	// Disable stops the agent and keeps it from starting again.
	Disable(ctx context.Context) error
}

type systemd struct {
	unit string
	run  func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Systemd manages unit through systemctl.
func Systemd(unit string) Lifecycle {
	return &systemd{unit: unit, run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func (s *systemd) Redeploy(ctx context.Context) error {
	return s.systemctl(ctx, "--no-block", "restart", s.unit)
}

func (s *systemd) Disable(ctx context.Context) error {
	return s.systemctl(ctx, "--no-block", "disable", "--now", s.unit)
}

func (s *systemd) systemctl(ctx context.Context, args ...string) error {
	out, err := s.run(ctx, "systemctl", args...)
	if err != nil {
		return fmt.Errorf("systemctl %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
