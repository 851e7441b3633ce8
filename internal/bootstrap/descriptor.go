package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/opine/edgesync/internal/utils"
	"gopkg.in/yaml.v3"
)

// Descriptor is a pm2 process file. pm2 accepts YAML process files with the
// same layout as ecosystem.config.js.
type Descriptor struct {
	Apps []AppDescriptor `yaml:"apps"`
}

type AppDescriptor struct {
	Name             string            `yaml:"name"`
	Script           string            `yaml:"script"`
	Cwd              string            `yaml:"cwd"`
	Instances        int               `yaml:"instances"`
	ExecMode         string            `yaml:"exec_mode"`
	MaxMemoryRestart string            `yaml:"max_memory_restart"`
	Env              map[string]string `yaml:"env"`
}

func defaultDescriptor(o *Options) *Descriptor {
	return &Descriptor{Apps: []AppDescriptor{{
		Name:             o.AppName,
		Script:           o.Script,
		Cwd:              o.AppDir,
		Instances:        o.Instances,
		ExecMode:         "cluster",
		MaxMemoryRestart: o.MaxMemory,
		Env:              map[string]string{"NODE_ENV": "production"},
	}}}
}

// writeDescriptor materializes the default descriptor. An existing file is
// never replaced, even if it appeared after the check ran.
func writeDescriptor(o *Options) error {
	data, err := yaml.Marshal(defaultDescriptor(o))
	if err != nil {
		return fmt.Errorf("failed to encode descriptor: %w", err)
	}

	err = utils.WriteFileExclusive(o.DescriptorPath, data, 0o644)
	if errors.Is(err, utils.ErrFileExists) {
		slog.Info("descriptor already present, leaving it untouched", "path", o.DescriptorPath)
		return nil
	}
	return err
}
