package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opine/edgesync/internal/config"
	"github.com/opine/edgesync/internal/exclude"
	"github.com/spf13/cobra"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [path...]",
		Short: "Validate the config and report whether paths would be replicated",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			out := cmd.OutOrStdout()
			matchers := make([]*exclude.Matcher, len(cfg.Rules))
			for i, rule := range cfg.Rules {
				m, err := exclude.New(rule.Source, rule.EffectiveExclusions())
				if err != nil {
					return &config.PreconditionError{Field: "rules[" + rule.Name + "].exclusions", Reason: err.Error()}
				}
				matchers[i] = m
				fmt.Fprintf(out, "%s %s: %s -> %s (%d rules)\n", green.Render("ok"), rule.Name, rule.Source, rule.Target.Remote(), len(m.Rules()))
			}

			for _, arg := range args {
				abs, err := filepath.Abs(arg)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, checkPath(cfg, matchers, abs))
			}
			return nil
		},
	}
}

func checkPath(cfg *config.Config, matchers []*exclude.Matcher, abs string) string {
	for i, rule := range cfg.Rules {
		source := filepath.Clean(rule.Source)
		if abs != source && !strings.HasPrefix(abs, source+string(filepath.Separator)) {
			continue
		}
		info, err := os.Stat(abs)
		isDir := err == nil && info.IsDir()
		if matchers[i].Excluded(abs, isDir) {
			return fmt.Sprintf("%s %s (rule %s)", red.Render("excluded  "), abs, rule.Name)
		}
		return fmt.Sprintf("%s %s (rule %s)", green.Render("replicated"), abs, rule.Name)
	}
	return fmt.Sprintf("%s %s", gray.Render("unwatched "), abs)
}
