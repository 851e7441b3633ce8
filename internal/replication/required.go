package replication

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/opine/edgesync/internal/config"
	"github.com/opine/edgesync/internal/exclude"
)

// checkRequired makes sure no exclusion shadows a path the served
// application needs. Required globs that match nothing only warn: the tree
// may not be built yet.
func checkRequired(rule *config.Rule, matcher *exclude.Matcher) error {
	fsys := os.DirFS(rule.Source)
	for _, pattern := range rule.Required {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return &config.PreconditionError{
				Field:  "rules[" + rule.Name + "].required",
				Reason: fmt.Sprintf("invalid pattern %q: %v", pattern, err),
			}
		}
		if len(matches) == 0 {
			slog.Warn("required path not present in source", "rule", rule.Name, "pattern", pattern)
			continue
		}
		for _, rel := range matches {
			abs := filepath.Join(rule.Source, filepath.FromSlash(rel))
			info, err := os.Lstat(abs)
			if err != nil {
				continue
			}
			if matcher.Excluded(abs, info.IsDir()) {
				return &config.PreconditionError{
					Field:  "rules[" + rule.Name + "].exclusions",
					Reason: fmt.Sprintf("required path %s is excluded from replication", rel),
				}
			}
		}
	}
	return nil
}
