package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opine/edgesync/internal/exclude"
	"github.com/opine/edgesync/internal/watcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "edgesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	src := t.TempDir()
	state := t.TempDir()
	t.Setenv("APP_SRC", src)

	path := writeConfig(t, `
status_path: `+filepath.Join(state, "status.json")+`
status_interval: 5s
max_concurrent_transfers: 2
rules:
  - name: app
    source: ${APP_SRC}
    target:
      host: 10.0.0.2
      user: deploy
      path: /srv/app
    transport:
      compress: false
      extra_args: ["--bwlimit=5000"]
    exclusions:
      - "*.log"
      - node_modules/
    quiet_period: 1.5
    initial_sync: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, 5*time.Second, cfg.StatusInterval)
	assert.Equal(t, 2, cfg.MaxConcurrentTransfers)
	assert.Equal(t, DefaultMaxQueueDepth, cfg.MaxQueueDepth)
	assert.Equal(t, watcher.ModeNotify, cfg.WatchMode)
	assert.Equal(t, filepath.Join(state, "journal.db"), cfg.JournalPath)
	assert.Equal(t, filepath.Join(state, "edgesync.lock"), cfg.LockPath)

	require.Len(t, cfg.Rules, 1)
	r := cfg.Rules[0]
	assert.Equal(t, src, r.Source)
	assert.Equal(t, "deploy@10.0.0.2:/srv/app/", r.Target.Remote())
	assert.Equal(t, 1500*time.Millisecond, r.QuietPeriodDuration())
	assert.True(t, r.InitialSync)
	assert.True(t, r.Transport.IsArchive())
	assert.False(t, r.Transport.IsCompress())
	assert.True(t, r.Transport.IsPreserveOwner())
	assert.Equal(t, []string{"--bwlimit=5000"}, r.Transport.ExtraArgs)
	assert.Equal(t, DefaultStrictHostKeyChecking, r.Transport.StrictHostKeyChecking)
	assert.Equal(t, []string{"*.log", "node_modules/"}, r.EffectiveExclusions())
}

func TestLoad_EnvOverridesGlobals(t *testing.T) {
	src := t.TempDir()
	t.Setenv("EDGESYNC_MAX_QUEUE_DEPTH", "7")

	path := writeConfig(t, `
rules:
  - source: `+src+`
    target: {host: secondary, path: /srv/app}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxQueueDepth)
	assert.Equal(t, "rule-1", cfg.Rules[0].Name)
	assert.Equal(t, exclude.DefaultRules, cfg.Rules[0].EffectiveExclusions())
	assert.Equal(t, 2*time.Second, cfg.Rules[0].QuietPeriodDuration())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, IsPrecondition(err))
}

func TestValidate(t *testing.T) {
	src := t.TempDir()
	other := t.TempDir()

	valid := func() *Config {
		cfg := &Config{
			Rules: []*Rule{{
				Name:   "app",
				Source: src,
				Target: Target{Host: "secondary", Path: "/srv/app"},
			}},
		}
		cfg.applyDefaults()
		return cfg
	}

	require.NoError(t, valid().Validate())

	cases := map[string]func(*Config){
		"no rules":           func(c *Config) { c.Rules = nil },
		"relative source":    func(c *Config) { c.Rules[0].Source = "app" },
		"missing source dir": func(c *Config) { c.Rules[0].Source = filepath.Join(src, "missing") },
		"missing host":       func(c *Config) { c.Rules[0].Target.Host = "" },
		"relative target":    func(c *Config) { c.Rules[0].Target.Path = "srv/app" },
		"missing identity":   func(c *Config) { c.Rules[0].Target.IdentityFile = filepath.Join(src, "id_none") },
		"negative quiet":     func(c *Config) { c.Rules[0].QuietPeriod = -1 },
		"negated exclusion":  func(c *Config) { c.Rules[0].Exclusions = []string{"!keep"} },
		"bad glob":           func(c *Config) { c.Rules[0].Exclusions = []string{"[x"} },
		"zero concurrency":   func(c *Config) { c.MaxConcurrentTransfers = -1 },
		"bad watch mode":     func(c *Config) { c.WatchMode = "inotify2" },
		"duplicate edge": func(c *Config) {
			c.Rules = append(c.Rules, &Rule{Name: "other", Source: other, Target: Target{Host: "secondary", Path: "/srv/app/"}, QuietPeriod: 1})
		},
		"duplicate source": func(c *Config) {
			c.Rules = append(c.Rules, &Rule{Name: "other", Source: src, Target: Target{Host: "secondary", Path: "/srv/other"}, QuietPeriod: 1})
		},
		"duplicate name": func(c *Config) {
			c.Rules = append(c.Rules, &Rule{Name: "app", Source: other, Target: Target{Host: "secondary", Path: "/srv/other"}, QuietPeriod: 1})
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, IsPrecondition(err), "want PreconditionError, got %T", err)
		})
	}
}

func TestTarget_RemoteWithoutUser(t *testing.T) {
	target := Target{Host: "10.0.0.2", Path: "/srv/app/"}
	assert.Equal(t, "10.0.0.2:/srv/app/", target.Remote())
	assert.Equal(t, "10.0.0.2:/srv/app", target.Edge())
}
