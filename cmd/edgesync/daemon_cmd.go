package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opine/edgesync/internal/config"
	"github.com/opine/edgesync/internal/replication"
	"github.com/opine/edgesync/internal/statusapi"
	"github.com/opine/edgesync/internal/version"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newDaemonCmd() *cobra.Command {
	var httpAddr string
	var httpToken string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Watch the configured sources and replicate changes to the secondary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flag("http-addr").Changed {
				cfg.HTTPAddr = httpAddr
			}
			if cmd.Flag("http-token").Changed {
				cfg.HTTPToken = httpToken
			}
			cmd.SilenceUsage = true

			verbose, _ := cmd.Flags().GetBool("verbose")
			closeLog, err := setupFileLogging(cfg.LogPath, verbose)
			if err != nil {
				return err
			}
			defer closeLog()

			slog.Info("edgesync", "version", version.Version, "revision", version.Revision, "build", version.BuildDate, "config", cfg.Path)
			defer slog.Info("Bye!")
			return runDaemon(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&httpAddr, "http-addr", "a", "", "serve the status API on this address (overrides http_addr)")
	cmd.Flags().StringVarP(&httpToken, "http-token", "t", "", "token required by the status API (overrides http_token)")
	return cmd
}

// runDaemon runs the replication daemon and, when configured, the status API
// until ctx ends.
func runDaemon(ctx context.Context, cfg *config.Config, opts ...replication.Option) error {
	daemon, err := replication.New(cfg, opts...)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := daemon.Start(egCtx); err != nil {
			return fmt.Errorf("replication daemon: %w", err)
		}
		return nil
	})

	if cfg.HTTPAddr != "" {
		api := statusapi.New(&statusapi.Config{Addr: cfg.HTTPAddr, Token: cfg.HTTPToken}, daemon)
		eg.Go(func() error {
			return api.Start(egCtx)
		})
		eg.Go(func() error {
			<-egCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return api.Stop(shutdownCtx)
		})
	}

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
