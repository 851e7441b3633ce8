package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/opine/edgesync/internal/config"
	"github.com/opine/edgesync/internal/utils"
	"github.com/opine/edgesync/internal/version"
	"github.com/spf13/cobra"
)

const configEnv = config.EnvPrefix + "_CONFIG"

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "edgesync",
		Short:         "Primary to secondary code replication and node tooling",
		Version:       version.Detailed(),
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			verbose, _ := cmd.Flags().GetBool("verbose")
			setupLogging(os.Stderr, verbose)
		},
	}
	cmd.PersistentFlags().StringP("config", "c", "", "config file (default: $"+configEnv+" or edgesync.yaml in /etc/edgesync, ~/.config/edgesync)")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	cmd.AddCommand(
		newDaemonCmd(),
		newBootstrapCmd(),
		newMemwatchCmd(),
		newStatusCmd(),
		newCheckCmd(),
		newVersionCmd(),
	)
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red.Render("error: ")+err.Error())
		os.Exit(1)
	}
}

func consoleHandler(w io.Writer, level slog.Level) slog.Handler {
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    noColor,
	})
}

func logLevel(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func setupLogging(w io.Writer, verbose bool) {
	slog.SetDefault(slog.New(consoleHandler(w, logLevel(verbose))))
}

// setupFileLogging tees logs into path in addition to the console. The
// returned func closes the file.
func setupFileLogging(path string, verbose bool) (func(), error) {
	if err := utils.EnsureParent(path); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	interceptor := utils.NewLogInterceptor(file)
	fileHandler := slog.NewTextHandler(interceptor, &slog.HandlerOptions{
		Level: logLevel(verbose),
		// the interceptor stamps each line
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(consoleHandler(os.Stderr, logLevel(verbose)), fileHandler)))
	return func() {
		interceptor.Close()
		file.Close()
	}, nil
}

// configPath resolves --config, then $EDGESYNC_CONFIG. Empty means search
// the default directories.
func configPath(cmd *cobra.Command) string {
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return os.Getenv(configEnv)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configPath(cmd)
	if path != "" {
		resolved, err := utils.ResolvePath(path)
		if err != nil {
			return nil, err
		}
		path = resolved
	}
	return config.Load(path)
}
