package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	DefaultAppName        = "app"
	DefaultScript         = "server.js"
	DefaultInstances      = 2
	DefaultMaxMemory      = "1G"
	DefaultNodeMajor      = 20
	DefaultDescriptorName = "ecosystem.config.yaml"
	defaultCompanionBuild = "dist"
)

// Options describes the node being converged. Zero values are filled by
// applyDefaults.
type Options struct {
	AppName   string
	AppDir    string
	Script    string
	Instances int
	MaxMemory string

	// CompanionDir holds an optional asset-serving component built with
	// `npm run build` into CompanionBuildDir.
	CompanionDir      string
	CompanionBuildDir string

	DescriptorPath string
	NodeMajor      int

	// User and Home own the supervisor state and the boot unit.
	User    string
	Home    string
	PM2Home string

	DryRun bool
}

func (o *Options) applyDefaults() {
	if o.AppName == "" {
		o.AppName = DefaultAppName
	}
	if o.Script == "" {
		o.Script = DefaultScript
	}
	if o.Instances == 0 {
		o.Instances = DefaultInstances
	}
	if o.MaxMemory == "" {
		o.MaxMemory = DefaultMaxMemory
	}
	if o.NodeMajor == 0 {
		o.NodeMajor = DefaultNodeMajor
	}
	if o.DescriptorPath == "" && o.AppDir != "" {
		o.DescriptorPath = filepath.Join(o.AppDir, DefaultDescriptorName)
	}
	if o.CompanionDir != "" && o.CompanionBuildDir == "" {
		o.CompanionBuildDir = filepath.Join(o.CompanionDir, defaultCompanionBuild)
	}
	if o.User == "" {
		o.User = "root"
	}
	if o.Home == "" {
		if o.User == "root" {
			o.Home = "/root"
		} else if home, err := os.UserHomeDir(); err == nil {
			o.Home = home
		}
	}
	if o.PM2Home == "" {
		o.PM2Home = filepath.Join(o.Home, ".pm2")
	}
}

func (o *Options) validate() error {
	if o.AppDir == "" {
		return errors.New("application directory is required")
	}
	if !filepath.IsAbs(o.AppDir) {
		return fmt.Errorf("application directory must be absolute: %s", o.AppDir)
	}
	if o.Instances < 1 {
		return fmt.Errorf("instances must be at least 1, got %d", o.Instances)
	}
	return nil
}
