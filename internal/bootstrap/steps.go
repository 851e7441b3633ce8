package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/opine/edgesync/internal/config"
	"github.com/opine/edgesync/internal/pm2"
	"github.com/opine/edgesync/internal/utils"
)

const (
	StepPrivilege      = "privilege"
	StepRuntime        = "runtime"
	StepSupervisor     = "supervisor"
	StepWebServer      = "webserver"
	StepAppDeps        = "app-deps"
	StepCompanionBuild = "companion-build"
	StepDescriptor     = "descriptor"
	StepService        = "service"
	StepPersist        = "persist"
	StepBootAutostart  = "boot-autostart"
)

// npm writes this after every successful install
const installMarker = ".package-lock.json"

type steps struct {
	opts *Options
	cmd  utils.Commander
	euid func() int
}

// DefaultSteps returns the convergence sequence for a secondary node, in the
// order it must run.
func DefaultSteps(opts *Options, cmd utils.Commander, euid func() int) []Step {
	s := &steps{opts: opts, cmd: cmd, euid: euid}
	return []Step{
		&funcStep{name: StepPrivilege, check: s.checkPrivilege, apply: s.requirePrivilege},
		&funcStep{name: StepRuntime, check: s.binary("node", "--version"), apply: s.installRuntime, verify: true},
		&funcStep{name: StepSupervisor, check: s.binary("pm2", "--version"), apply: s.installSupervisor, verify: true},
		&funcStep{name: StepWebServer, check: s.binary("nginx", "-v"), apply: s.installWebServer, verify: true},
		&funcStep{name: StepAppDeps, check: s.checkAppDeps, apply: s.installAppDeps, verify: true},
		&funcStep{name: StepCompanionBuild, check: s.checkCompanion, apply: s.buildCompanion, verify: true},
		&funcStep{name: StepDescriptor, check: s.checkDescriptor, apply: s.materializeDescriptor},
		&funcStep{name: StepService, check: s.checkService, apply: s.startService},
		&funcStep{name: StepPersist, check: s.checkPersisted, apply: s.persist},
		&funcStep{name: StepBootAutostart, check: s.checkAutostart, apply: s.registerAutostart},
	}
}

func (s *steps) checkPrivilege(ctx context.Context) (bool, error) {
	return s.euid() == 0, nil
}

func (s *steps) requirePrivilege(ctx context.Context) error {
	return &config.PreconditionError{
		Field:  "privilege",
		Reason: fmt.Sprintf("bootstrap must run as root (effective uid %d); re-run with sudo", s.euid()),
	}
}

// binary checks that name is on PATH and answers the given version probe.
func (s *steps) binary(name string, probe ...string) func(ctx context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		if _, err := s.cmd.LookPath(name); err != nil {
			return false, nil
		}
		out, err := s.cmd.Run(ctx, "", name, probe...)
		if err != nil {
			return false, nil
		}
		slog.Debug("found", "binary", name, "version", string(out))
		return true, nil
	}
}

func (s *steps) installRuntime(ctx context.Context) error {
	setup := fmt.Sprintf("curl -fsSL https://deb.nodesource.com/setup_%d.x | bash -", s.opts.NodeMajor)
	if _, err := s.cmd.Run(ctx, "", "bash", "-c", setup); err != nil {
		return err
	}
	_, err := s.cmd.Run(ctx, "", "apt-get", "install", "-y", "nodejs")
	return err
}

func (s *steps) installSupervisor(ctx context.Context) error {
	_, err := s.cmd.Run(ctx, "", "npm", "install", "-g", "pm2")
	return err
}

func (s *steps) installWebServer(ctx context.Context) error {
	_, err := s.cmd.Run(ctx, "", "apt-get", "install", "-y", "nginx")
	return err
}

// depsCurrent reports whether dir has node_modules installed after its
// package.json last changed.
func depsCurrent(dir string) bool {
	return utils.NewerThan(filepath.Join(dir, "node_modules", installMarker), filepath.Join(dir, "package.json"))
}

func (s *steps) checkAppDeps(ctx context.Context) (bool, error) {
	manifest := filepath.Join(s.opts.AppDir, "package.json")
	if !utils.FileExists(manifest) {
		return false, &config.PreconditionError{
			Field:  "app_dir",
			Reason: fmt.Sprintf("%s not found; has replication from the primary converged?", manifest),
		}
	}
	return depsCurrent(s.opts.AppDir), nil
}

func (s *steps) installAppDeps(ctx context.Context) error {
	args := []string{"install", "--omit=dev"}
	if utils.FileExists(filepath.Join(s.opts.AppDir, "package-lock.json")) {
		args = []string{"ci", "--omit=dev"}
	}
	_, err := s.cmd.Run(ctx, s.opts.AppDir, "npm", args...)
	return err
}

// checkCompanion holds when there is no companion component, or when its
// build output is newer than both its manifest and its dependencies.
func (s *steps) checkCompanion(ctx context.Context) (bool, error) {
	dir := s.opts.CompanionDir
	if dir == "" || !utils.FileExists(filepath.Join(dir, "package.json")) {
		return true, nil
	}
	if !depsCurrent(dir) {
		return false, nil
	}
	built := s.opts.CompanionBuildDir
	return utils.NewerThan(built, filepath.Join(dir, "package.json")) &&
		utils.NewerThan(built, filepath.Join(dir, "node_modules", installMarker)), nil
}

func (s *steps) buildCompanion(ctx context.Context) error {
	dir := s.opts.CompanionDir
	if _, err := s.cmd.Run(ctx, dir, "npm", "install"); err != nil {
		return err
	}
	_, err := s.cmd.Run(ctx, dir, "npm", "run", "build")
	return err
}

func (s *steps) checkDescriptor(ctx context.Context) (bool, error) {
	_, err := os.Lstat(s.opts.DescriptorPath)
	return err == nil, nil
}

func (s *steps) materializeDescriptor(ctx context.Context) error {
	return writeDescriptor(s.opts)
}

func (s *steps) processes(ctx context.Context) ([]pm2.Process, error) {
	out, err := s.cmd.Run(ctx, "", "pm2", "jlist")
	if err != nil {
		return nil, err
	}
	return pm2.ParseJList(out)
}

func (s *steps) checkService(ctx context.Context) (bool, error) {
	procs, err := s.processes(ctx)
	if err != nil {
		return false, err
	}
	return pm2.Online(procs, s.opts.AppName), nil
}

// startService starts from the descriptor and falls back to starting the
// script directly with the same instance and memory limits.
func (s *steps) startService(ctx context.Context) error {
	_, err := s.cmd.Run(ctx, s.opts.AppDir, "pm2", "start", s.opts.DescriptorPath)
	if err == nil {
		return nil
	}
	slog.Warn("start from descriptor failed, starting script directly", "descriptor", s.opts.DescriptorPath, "error", err)

	_, ferr := s.cmd.Run(ctx, s.opts.AppDir, "pm2", "start", s.opts.Script,
		"--name", s.opts.AppName,
		"-i", strconv.Itoa(s.opts.Instances),
		"--max-memory-restart", s.opts.MaxMemory,
	)
	if ferr != nil {
		return fmt.Errorf("descriptor start: %w; direct start: %w", err, ferr)
	}
	return nil
}

func (s *steps) checkPersisted(ctx context.Context) (bool, error) {
	return pm2.DumpLists(pm2.DumpPath(s.opts.PM2Home), s.opts.AppName)
}

func (s *steps) persist(ctx context.Context) error {
	_, err := s.cmd.Run(ctx, "", "pm2", "save")
	return err
}

func (s *steps) checkAutostart(ctx context.Context) (bool, error) {
	_, err := s.cmd.Run(ctx, "", "systemctl", "is-enabled", "pm2-"+s.opts.User)
	return err == nil, nil
}

func (s *steps) registerAutostart(ctx context.Context) error {
	_, err := s.cmd.Run(ctx, "", "pm2", "startup", "systemd", "-u", s.opts.User, "--hp", s.opts.Home)
	return err
}
