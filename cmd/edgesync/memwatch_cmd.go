package main

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opine/edgesync/internal/memwatch"
	"github.com/spf13/cobra"
)

func newMemwatchCmd() *cobra.Command {
	var source string
	var app string
	var match string
	var interval time.Duration
	var logSize int

	cmd := &cobra.Command{
		Use:   "memwatch [minutes]",
		Short: "Sample the service's resident memory and classify its growth",
		Long: `Captures a baseline, then samples every 5 seconds for the given number
of minutes (default 60) and prints a verdict: stable, growing,
leak-detected or massive-leak. Purely observational; always exits 0.`,
		Args:               cobra.ArbitraryArgs,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			args, help := parseLenient(cmd, args)
			if help {
				return cmd.Help()
			}
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				setupLogging(os.Stderr, true)
			}
			if len(args) > 1 {
				slog.Warn("ignoring extra arguments", "args", args[1:])
			}

			duration := memwatch.DefaultDuration
			if len(args) > 0 {
				minutes, err := strconv.Atoi(args[0])
				if err != nil || minutes <= 0 {
					slog.Warn("invalid duration, using default", "minutes", args[0], "default", duration)
				} else {
					duration = time.Duration(minutes) * time.Minute
				}
			}

			var src memwatch.Source
			switch source {
			case "process":
				src = &memwatch.ProcessSource{Pattern: match}
			default:
				src = memwatch.NewPM2Source(app)
			}

			sampler := memwatch.NewSampler(src, cmd.OutOrStdout(),
				memwatch.WithDuration(duration),
				memwatch.WithInterval(interval),
				memwatch.WithLogSize(logSize),
			)
			sampler.Run(cmd.Context())
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "pm2", "memory source: pm2 or process")
	cmd.Flags().StringVar(&app, "app", "app", "pm2 process name (pm2 source)")
	cmd.Flags().StringVar(&match, "match", "node", "process name or command line substring (process source)")
	cmd.Flags().DurationVar(&interval, "interval", memwatch.DefaultInterval, "sampling interval")
	cmd.Flags().IntVar(&logSize, "log-size", memwatch.DefaultLogSize, "samples kept in the rolling log")
	return cmd
}

// parseLenient parses cmd's flags without failing. Negative numbers stay
// positional, unknown flags are dropped and a bad flag value only warns. It
// returns the positional arguments in their original order.
func parseLenient(cmd *cobra.Command, args []string) ([]string, bool) {
	flags := cmd.Flags()
	flags.AddFlagSet(cmd.InheritedFlags())
	flags.ParseErrorsWhitelist.UnknownFlags = true

	rest := make([]string, 0, len(args))
	for _, arg := range args {
		if !isNegativeNumber(arg) {
			rest = append(rest, arg)
		}
	}
	if err := flags.Parse(rest); err != nil {
		slog.Warn("ignoring invalid flags", "error", err)
	}

	parsed := flags.Args()
	positional := make([]string, 0, len(args))
	for _, arg := range args {
		switch {
		case isNegativeNumber(arg):
			positional = append(positional, arg)
		case len(parsed) > 0 && arg == parsed[0]:
			positional = append(positional, arg)
			parsed = parsed[1:]
		}
	}

	help, _ := flags.GetBool("help")
	return positional, help
}

func isNegativeNumber(arg string) bool {
	if !strings.HasPrefix(arg, "-") {
		return false
	}
	_, err := strconv.ParseFloat(arg, 64)
	return err == nil
}
