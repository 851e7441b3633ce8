package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opine/edgesync/internal/exclude"
	"github.com/opine/edgesync/internal/utils"
	"github.com/opine/edgesync/internal/watcher"
	"github.com/spf13/viper"
)

const (
	EnvPrefix                     = "EDGESYNC"
	DefaultMaxConcurrentTransfers = 4
	DefaultMaxQueueDepth          = 64
	DefaultStatusInterval         = 10 * time.Second
	DefaultQuietPeriodSeconds     = 2.0
	DefaultStrictHostKeyChecking  = "accept-new"
	DefaultRsyncPath              = "rsync"
	DefaultSSHPath                = "ssh"
	defaultConfigName             = "edgesync"
	defaultStateDirName           = "edgesync"
	defaultJournalFileName        = "journal.db"
	defaultStatusFileName         = "status.json"
	defaultLockFileName           = "edgesync.lock"
	defaultLogFileName            = "edgesync.log"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigDirs = []string{"/etc/edgesync", filepath.Join(home, ".config", "edgesync")}
	DefaultStateDir   = filepath.Join("/var/lib", defaultStateDirName)
	DefaultLogPath    = filepath.Join("/var/log", defaultStateDirName, defaultLogFileName)
)

// PreconditionError reports a configuration that must be fixed before
// anything is attempted.
type PreconditionError struct {
	Field  string
	Reason string
	Err    error
}

func (e *PreconditionError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

func precondition(field, format string, args ...any) error {
	return &PreconditionError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsPrecondition reports whether err is a PreconditionError.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// Config is the replication configuration.
type Config struct {
	LogPath                string        `mapstructure:"log_path"`
	StatusPath             string        `mapstructure:"status_path"`
	StatusInterval         time.Duration `mapstructure:"status_interval"`
	MaxConcurrentTransfers int           `mapstructure:"max_concurrent_transfers"`
	MaxQueueDepth          int           `mapstructure:"max_queue_depth"`
	WatchMode              watcher.Mode  `mapstructure:"watch_mode"`
	PollInterval           time.Duration `mapstructure:"poll_interval"`
	JournalPath            string        `mapstructure:"journal_path"`
	LockPath               string        `mapstructure:"lock_path"`
	HTTPAddr               string        `mapstructure:"http_addr"`
	HTTPToken              string        `mapstructure:"http_token"`
	Rules                  []*Rule       `mapstructure:"rules"`

	Path string `mapstructure:"-"`
}

// Rule is one primary -> secondary replication edge.
type Rule struct {
	Name        string    `mapstructure:"name"`
	Source      string    `mapstructure:"source"`
	Target      Target    `mapstructure:"target"`
	Transport   Transport `mapstructure:"transport"`
	Exclusions  []string  `mapstructure:"exclusions"`
	Required    []string  `mapstructure:"required"`
	QuietPeriod float64   `mapstructure:"quiet_period"`
	InitialSync bool      `mapstructure:"initial_sync"`
}

// Target is the remote end of a rule.
type Target struct {
	Host         string `mapstructure:"host"`
	User         string `mapstructure:"user"`
	Path         string `mapstructure:"path"`
	IdentityFile string `mapstructure:"identity_file"`
}

// Transport configures the remote copy invocation.
type Transport struct {
	Archive               *bool    `mapstructure:"archive"`
	Compress              *bool    `mapstructure:"compress"`
	PreserveOwner         *bool    `mapstructure:"preserve_owner"`
	Delete                *bool    `mapstructure:"delete"`
	StrictHostKeyChecking string   `mapstructure:"strict_host_key_checking"`
	RsyncPath             string   `mapstructure:"rsync_path"`
	SSHPath               string   `mapstructure:"ssh_path"`
	ExtraArgs             []string `mapstructure:"extra_args"`
}

func (t Transport) IsArchive() bool { return t.Archive == nil || *t.Archive }
func (t Transport) IsCompress() bool { return t.Compress == nil || *t.Compress }
func (t Transport) IsPreserveOwner() bool { return t.PreserveOwner == nil || *t.PreserveOwner }
func (t Transport) IsDelete() bool { return t.Delete == nil || *t.Delete }

// Remote returns the rsync destination, e.g. deploy@10.0.0.2:/srv/app/
func (t Target) Remote() string {
	dest := t.Host + ":" + strings.TrimSuffix(t.Path, "/") + "/"
	if t.User != "" {
		dest = t.User + "@" + dest
	}
	return dest
}

// Edge identifies the target a rule writes into.
func (t Target) Edge() string {
	return t.Host + ":" + filepath.Clean(t.Path)
}

func (r *Rule) QuietPeriodDuration() time.Duration {
	return time.Duration(r.QuietPeriod * float64(time.Second))
}

// EffectiveExclusions returns the rule's exclusions or the defaults when none
// are declared.
func (r *Rule) EffectiveExclusions() []string {
	if len(r.Exclusions) == 0 {
		return exclude.DefaultRules
	}
	return r.Exclusions
}

// Load reads the configuration at path. An empty path searches the default
// config directories for edgesync.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(os.ExpandEnv(path))
	} else {
		for _, dir := range DefaultConfigDirs {
			v.AddConfigPath(dir)
		}
		v.SetConfigName(defaultConfigName)
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"log_path", "status_path", "status_interval", "max_concurrent_transfers",
		"max_queue_depth", "watch_mode", "poll_interval", "journal_path",
		"lock_path", "http_addr", "http_token",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil, precondition("config", "no configuration file found (%v)", err)
		}
		return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) expandEnv() {
	c.LogPath = os.ExpandEnv(c.LogPath)
	c.StatusPath = os.ExpandEnv(c.StatusPath)
	c.JournalPath = os.ExpandEnv(c.JournalPath)
	c.LockPath = os.ExpandEnv(c.LockPath)
	c.HTTPToken = os.ExpandEnv(c.HTTPToken)
	for _, r := range c.Rules {
		if r == nil {
			continue
		}
		r.Source = os.ExpandEnv(r.Source)
		r.Target.Path = os.ExpandEnv(r.Target.Path)
		r.Target.IdentityFile = os.ExpandEnv(r.Target.IdentityFile)
	}
}

func (c *Config) applyDefaults() {
	if c.LogPath == "" {
		c.LogPath = DefaultLogPath
	}
	if c.StatusPath == "" {
		c.StatusPath = filepath.Join(DefaultStateDir, defaultStatusFileName)
	}
	stateDir := filepath.Dir(c.StatusPath)
	if c.JournalPath == "" {
		c.JournalPath = filepath.Join(stateDir, defaultJournalFileName)
	}
	if c.LockPath == "" {
		c.LockPath = filepath.Join(stateDir, defaultLockFileName)
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = DefaultStatusInterval
	}
	if c.MaxConcurrentTransfers == 0 {
		c.MaxConcurrentTransfers = DefaultMaxConcurrentTransfers
	}
	if c.MaxQueueDepth == 0 {
		c.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if c.WatchMode == "" {
		c.WatchMode = watcher.ModeNotify
	}
	if c.PollInterval <= 0 {
		c.PollInterval = watcher.DefaultPollInterval
	}
	for i, r := range c.Rules {
		if r == nil {
			continue
		}
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule-%d", i+1)
		}
		if r.QuietPeriod == 0 {
			r.QuietPeriod = DefaultQuietPeriodSeconds
		}
		if r.Transport.StrictHostKeyChecking == "" {
			r.Transport.StrictHostKeyChecking = DefaultStrictHostKeyChecking
		}
		if r.Transport.RsyncPath == "" {
			r.Transport.RsyncPath = DefaultRsyncPath
		}
		if r.Transport.SSHPath == "" {
			r.Transport.SSHPath = DefaultSSHPath
		}
	}
}

// Validate checks the configuration for errors. All failures are
// PreconditionErrors.
func (c *Config) Validate() error {
	if len(c.Rules) == 0 {
		return precondition("rules", "at least one sync rule is required")
	}
	if c.MaxConcurrentTransfers < 1 {
		return precondition("max_concurrent_transfers", "must be at least 1, got %d", c.MaxConcurrentTransfers)
	}
	if c.MaxQueueDepth < 0 {
		return precondition("max_queue_depth", "must not be negative, got %d", c.MaxQueueDepth)
	}
	if c.WatchMode != watcher.ModeNotify && c.WatchMode != watcher.ModePoll {
		return precondition("watch_mode", "must be %q or %q, got %q", watcher.ModeNotify, watcher.ModePoll, c.WatchMode)
	}

	names := make(map[string]bool)
	sources := make(map[string]string)
	edges := make(map[string]string)
	for i, r := range c.Rules {
		if r == nil {
			return precondition(fmt.Sprintf("rules[%d]", i), "empty rule")
		}
		field := fmt.Sprintf("rules[%s]", r.Name)
		if names[r.Name] {
			return precondition(field, "duplicate rule name")
		}
		names[r.Name] = true

		if err := r.validate(field); err != nil {
			return err
		}

		source := filepath.Clean(r.Source)
		if other, ok := sources[source]; ok {
			return precondition(field+".source", "already replicated by rule %q", other)
		}
		sources[source] = r.Name

		edge := r.Target.Edge()
		if other, ok := edges[edge]; ok {
			return precondition(field+".target", "%s is already the target of rule %q", edge, other)
		}
		edges[edge] = r.Name
	}
	return nil
}

func (r *Rule) validate(field string) error {
	if r.Source == "" {
		return precondition(field+".source", "is required")
	}
	if !filepath.IsAbs(r.Source) {
		return precondition(field+".source", "must be an absolute path: %s", r.Source)
	}
	if !utils.DirExists(r.Source) {
		return precondition(field+".source", "directory does not exist: %s", r.Source)
	}
	if r.Target.Host == "" {
		return precondition(field+".target.host", "is required")
	}
	if r.Target.Path == "" {
		return precondition(field+".target.path", "is required")
	}
	if !filepath.IsAbs(r.Target.Path) {
		return precondition(field+".target.path", "must be an absolute path: %s", r.Target.Path)
	}
	if r.Target.IdentityFile != "" && !utils.FileExists(r.Target.IdentityFile) {
		return precondition(field+".target.identity_file", "file does not exist: %s", r.Target.IdentityFile)
	}
	if r.QuietPeriod <= 0 {
		return precondition(field+".quiet_period", "must be positive, got %v", r.QuietPeriod)
	}
	for _, rule := range r.Exclusions {
		rule = strings.TrimSpace(rule)
		if rule == "" || strings.HasPrefix(rule, "#") {
			continue
		}
		if err := exclude.ValidateRule(rule); err != nil {
			return precondition(field+".exclusions", "%v", err)
		}
	}
	return nil
}
