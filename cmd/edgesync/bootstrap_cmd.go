package main

import (
	"fmt"
	"io"
	"os"

	"github.com/opine/edgesync/internal/bootstrap"
	"github.com/spf13/cobra"
)

func newBootstrapCmd() *cobra.Command {
	var opts bootstrap.Options

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Converge this secondary node so it can serve the replicated application",
		Long: `Runs the idempotent convergence steps in order: privilege, runtime,
supervisor, webserver, app-deps, companion-build, descriptor, service,
persist, boot-autostart. Steps already in place are skipped; an existing
process descriptor is never overwritten. Must run as root.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			if opts.AppDir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				opts.AppDir = wd
			}
			ctrl, err := bootstrap.NewController(opts)
			if err != nil {
				return err
			}
			report, err := ctrl.Run(cmd.Context())
			printReport(cmd.OutOrStdout(), report, opts.DryRun)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.AppName, "app", bootstrap.DefaultAppName, "supervisor process name")
	f.StringVar(&opts.AppDir, "app-dir", "", "replicated application directory (default: current directory)")
	f.StringVar(&opts.Script, "script", bootstrap.DefaultScript, "application entry script, relative to --app-dir")
	f.IntVar(&opts.Instances, "instances", bootstrap.DefaultInstances, "cluster instances")
	f.StringVar(&opts.MaxMemory, "max-memory", bootstrap.DefaultMaxMemory, "restart an instance above this memory")
	f.StringVar(&opts.CompanionDir, "companion-dir", "", "optional asset-serving component to build")
	f.StringVar(&opts.CompanionBuildDir, "companion-build-dir", "", "build output of the companion (default <companion-dir>/dist)")
	f.StringVar(&opts.DescriptorPath, "descriptor", "", "process descriptor path (default <app-dir>/"+bootstrap.DefaultDescriptorName+")")
	f.IntVar(&opts.NodeMajor, "node-major", bootstrap.DefaultNodeMajor, "Node.js major version to install")
	f.StringVar(&opts.User, "user", "root", "user owning the supervisor and its boot unit")
	f.StringVar(&opts.Home, "home", "", "home directory of --user")
	f.BoolVar(&opts.DryRun, "dry-run", false, "only run the checks")
	return cmd
}

func printReport(w io.Writer, report *bootstrap.Report, dryRun bool) {
	if report == nil {
		return
	}
	for _, name := range report.Skipped {
		fmt.Fprintf(w, "  %s %s\n", green.Render("ok     "), name)
	}
	for _, name := range report.Applied {
		fmt.Fprintf(w, "  %s %s\n", cyan.Render("applied"), name)
	}
	for _, name := range report.Pending {
		fmt.Fprintf(w, "  %s %s\n", yellow.Render("pending"), name)
	}

	if dryRun || len(report.Handoff) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, bold.Render("Remaining manual steps:"))
	for i, step := range report.Handoff {
		fmt.Fprintf(w, "  %d. %s\n", i+1, step)
	}
}
