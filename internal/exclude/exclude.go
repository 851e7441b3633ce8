package exclude

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	gitignore "github.com/sabhiram/go-gitignore"
)

const decisionCacheSize = 4096

var ErrNegatedRule = errors.New("negated rules are not supported")

// SecretRules are always part of a rule set. Secrets are distributed by hand,
// never by the replication path.
var SecretRules = []string{
	".env",
	".env.*",
	"*.pem",
	"*.key",
	"id_rsa*",
	"id_ed25519*",
}

// DefaultRules are used when a sync rule does not declare its own exclusions.
var DefaultRules = []string{
	// dependencies
	"node_modules/",
	"bower_components/",
	// logs
	"*.log",
	"logs/",
	"npm-debug.log*",
	// caches
	".cache/",
	".npm/",
	".eslintcache",
	"coverage/",
	// build output
	"dist/",
	"build/",
	// IDE/Editor-specific
	".vscode/",
	".idea/",
	"*.swp",
	"*~",
	// General excludes
	".git/",
	"*.tmp",
	"*.bak",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
	// operational scripts
	"deploy*.sh",
	"setup-*.sh",
	"sync-*.sh",
	"monitor-*.sh",
	"fix-*.js",
	"report-*.js",
	"ensure-indexes*.js",
}

// Matcher decides whether a path beneath root must never be replicated.
// A path is excluded when any rule matches it; there is no rule ordering.
type Matcher struct {
	root   string
	rules  []string
	ignore *gitignore.GitIgnore
	cache  *lru.Cache[string, bool]
}

// New compiles rules (plus SecretRules) into a Matcher anchored at root.
func New(root string, rules []string) (*Matcher, error) {
	all := make([]string, 0, len(SecretRules)+len(rules))
	all = append(all, SecretRules...)
	for _, rule := range rules {
		rule = strings.TrimSpace(rule)
		if rule == "" || strings.HasPrefix(rule, "#") {
			continue
		}
		if err := ValidateRule(rule); err != nil {
			return nil, err
		}
		if !slices.Contains(all, rule) {
			all = append(all, rule)
		}
	}

	cache, err := lru.New[string, bool](decisionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create decision cache: %w", err)
	}

	return &Matcher{
		root:   filepath.Clean(root),
		rules:  all,
		ignore: gitignore.CompileIgnoreLines(all...),
		cache:  cache,
	}, nil
}

// ValidateRule rejects patterns the matcher cannot honour.
func ValidateRule(rule string) error {
	if strings.HasPrefix(rule, "!") {
		return fmt.Errorf("rule %q: %w", rule, ErrNegatedRule)
	}
	glob := strings.TrimSuffix(strings.TrimPrefix(rule, "/"), "/")
	if glob == "" || !doublestar.ValidatePattern(glob) {
		return fmt.Errorf("rule %q: invalid glob pattern", rule)
	}
	return nil
}

// Rules returns the compiled rule set, secret rules first.
func (m *Matcher) Rules() []string {
	return slices.Clone(m.rules)
}

// Root returns the directory rules are anchored at.
func (m *Matcher) Root() string {
	return m.root
}

// Excluded reports whether path is excluded. path may be absolute (it must
// then live under root) or relative to root. isDir lets directory-only rules
// (trailing "/") match the directory itself.
func (m *Matcher) Excluded(path string, isDir bool) bool {
	rel, ok := m.relative(path)
	if !ok {
		return false
	}

	key := rel
	if isDir {
		key += "/"
	}
	if excluded, ok := m.cache.Get(key); ok {
		return excluded
	}

	excluded := m.ignore.MatchesPath(key)
	m.cache.Add(key, excluded)
	return excluded
}

// Filter returns the paths that survive exclusion, preserving order.
func (m *Matcher) Filter(paths []string, isDir func(string) bool) []string {
	kept := make([]string, 0, len(paths))
	for _, p := range paths {
		dir := isDir != nil && isDir(p)
		if !m.Excluded(p, dir) {
			kept = append(kept, p)
		}
	}
	return kept
}

func (m *Matcher) relative(path string) (string, bool) {
	if !filepath.IsAbs(path) {
		rel := filepath.ToSlash(filepath.Clean(path))
		return rel, rel != "." && !strings.HasPrefix(rel, "../")
	}
	rel, err := filepath.Rel(m.root, path)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

// Matches compiles rules and evaluates a single root-relative path. A rule
// set that does not compile excludes everything.
func Matches(path string, rules []string) bool {
	m, err := New(".", rules)
	if err != nil {
		return true
	}
	return m.Excluded(path, strings.HasSuffix(path, "/"))
}
