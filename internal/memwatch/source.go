package memwatch

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/opine/edgesync/internal/pm2"
	"github.com/opine/edgesync/internal/utils"
	"github.com/shirou/gopsutil/v4/process"
)

// Source reports the resident memory of the watched service: the largest
// resident size across its instances.
type Source interface {
	Resident(ctx context.Context) (uint64, error)
	String() string
}

// PM2Source reads memory from the supervisor's telemetry.
type PM2Source struct {
	App string
	Cmd utils.Commander
}

func NewPM2Source(app string) *PM2Source {
	return &PM2Source{App: app, Cmd: utils.ExecCommander{}}
}

func (s *PM2Source) Resident(ctx context.Context) (uint64, error) {
	out, err := s.Cmd.Run(ctx, "", "pm2", "jlist")
	if err != nil {
		return 0, err
	}
	procs, err := pm2.ParseJList(out)
	if err != nil {
		return 0, err
	}
	mem, ok := pm2.MaxMemory(procs, s.App)
	if !ok {
		return 0, fmt.Errorf("no pm2 process named %q", s.App)
	}
	return mem, nil
}

func (s *PM2Source) String() string { return "pm2:" + s.App }

// ProcessSource scans the process table for processes whose name or command
// line contains Pattern.
type ProcessSource struct {
	Pattern string
}

func (s *ProcessSource) Resident(ctx context.Context) (uint64, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list processes: %w", err)
	}

	self := int32(os.Getpid())
	var largest uint64
	found := false
	for _, p := range procs {
		if p.Pid == self || !s.matches(ctx, p) {
			continue
		}
		mem, err := p.MemoryInfoWithContext(ctx)
		if err != nil || mem == nil {
			continue
		}
		found = true
		largest = max(largest, mem.RSS)
	}
	if !found {
		return 0, fmt.Errorf("no process matching %q", s.Pattern)
	}
	return largest, nil
}

func (s *ProcessSource) matches(ctx context.Context, p *process.Process) bool {
	if name, err := p.NameWithContext(ctx); err == nil && strings.Contains(name, s.Pattern) {
		return true
	}
	cmdline, err := p.CmdlineWithContext(ctx)
	return err == nil && strings.Contains(cmdline, s.Pattern)
}

func (s *ProcessSource) String() string { return "process:" + s.Pattern }
