package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/opine/edgesync/internal/config"
	"github.com/opine/edgesync/internal/utils"
)

// Report lists what a run did. Pending is only filled in dry-run mode.
type Report struct {
	Applied []string
	Skipped []string
	Pending []string
	Handoff []string
}

// Converged reports whether nothing had to be applied.
func (r *Report) Converged() bool {
	return len(r.Applied) == 0 && len(r.Pending) == 0
}

type Controller struct {
	opts  *Options
	steps []Step
}

type ControllerOption func(*controllerConfig)

type controllerConfig struct {
	cmd   utils.Commander
	euid  func() int
	steps []Step
}

// WithCommander replaces the exec-based command runner.
func WithCommander(cmd utils.Commander) ControllerOption {
	return func(c *controllerConfig) { c.cmd = cmd }
}

// WithEUID replaces os.Geteuid for the privilege check.
func WithEUID(euid func() int) ControllerOption {
	return func(c *controllerConfig) { c.euid = euid }
}

// WithSteps replaces the default step sequence.
func WithSteps(steps ...Step) ControllerOption {
	return func(c *controllerConfig) { c.steps = steps }
}

func NewController(opts Options, options ...ControllerOption) (*Controller, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, &config.PreconditionError{Field: "bootstrap", Reason: err.Error()}
	}

	cc := &controllerConfig{cmd: utils.ExecCommander{}, euid: os.Geteuid}
	for _, o := range options {
		o(cc)
	}
	if cc.steps == nil {
		cc.steps = DefaultSteps(&opts, cc.cmd, cc.euid)
	}

	return &Controller{opts: &opts, steps: cc.steps}, nil
}

// Run walks the steps in order, applying each one whose check does not hold.
// The first failure stops the run.
func (c *Controller) Run(ctx context.Context) (*Report, error) {
	report := &Report{}
	start := time.Now()
	slog.Info("bootstrap start", "app", c.opts.AppName, "dir", c.opts.AppDir, "steps", len(c.steps), "dry_run", c.opts.DryRun)

	for _, step := range c.steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		name := step.Name()

		present, err := step.Check(ctx)
		if err != nil {
			if c.opts.DryRun && !config.IsPrecondition(err) {
				slog.Warn("bootstrap check failed", "step", name, "error", err)
				report.Pending = append(report.Pending, name)
				continue
			}
			return report, stepError(name, err)
		}
		if present {
			slog.Info("bootstrap step converged", "step", name)
			report.Skipped = append(report.Skipped, name)
			continue
		}

		if c.opts.DryRun {
			slog.Info("bootstrap step would apply", "step", name)
			report.Pending = append(report.Pending, name)
			continue
		}

		slog.Info("bootstrap step apply", "step", name)
		if err := step.Apply(ctx); err != nil {
			return report, stepError(name, err)
		}
		if v, ok := step.(verifier); ok && v.Verify() {
			present, err := step.Check(ctx)
			if err != nil {
				return report, stepError(name, err)
			}
			if !present {
				return report, &ConvergenceStepError{Step: name, Err: errors.New("still not converged after apply")}
			}
		}
		report.Applied = append(report.Applied, name)
	}

	report.Handoff = Handoff(c.opts)
	slog.Info("bootstrap done", "applied", len(report.Applied), "skipped", len(report.Skipped), "took", time.Since(start).Round(time.Millisecond))
	return report, nil
}

// stepError keeps precondition failures distinguishable from failed applies.
func stepError(step string, err error) error {
	if config.IsPrecondition(err) {
		return fmt.Errorf("bootstrap step %q: %w", step, err)
	}
	return &ConvergenceStepError{Step: step, Err: err}
}
