package utils

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Commander runs external programs.
type Commander interface {
	// Run executes name in dir (the current directory when empty) and
	// returns its combined output.
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
	// LookPath reports where name is found on PATH.
	LookPath(name string) (string, error)
}

// ExecCommander implements Commander with os/exec.
type ExecCommander struct{}

func (ExecCommander) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	slog.Debug("exec", "cmd", name, "args", args, "dir", dir)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("%s %s failed: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

func (ExecCommander) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}
