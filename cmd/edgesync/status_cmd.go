package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/imroc/req/v3"
	"github.com/opine/edgesync/internal/replication"
	"github.com/opine/edgesync/internal/utils"
	"github.com/opine/edgesync/internal/version"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var asJSON bool
	var live bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show replication state from the status file or the live status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			var snap *replication.Snapshot
			if live {
				if cfg.HTTPAddr == "" {
					return fmt.Errorf("--live needs http_addr in %s", cfg.Path)
				}
				snap, err = fetchStatus(cmd.Context(), cfg.HTTPAddr, cfg.HTTPToken)
			} else {
				snap, err = replication.ReadStatus(cfg.StatusPath)
			}
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			printStatus(cmd.OutOrStdout(), snap, time.Now())
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw snapshot")
	cmd.Flags().BoolVar(&live, "live", false, "query the running daemon's status API")
	return cmd
}

func fetchStatus(ctx context.Context, addr, token string) (*replication.Snapshot, error) {
	base, err := utils.AddrToURL(addr)
	if err != nil {
		return nil, err
	}

	client := req.C().
		SetBaseURL(base).
		SetTimeout(5*time.Second).
		SetUserAgent(version.AppName+"/"+version.Version).
		SetJsonMarshal(json.Marshal).
		SetJsonUnmarshal(json.Unmarshal)

	var snap replication.Snapshot
	r := client.R().SetContext(ctx).SetSuccessResult(&snap)
	if token != "" {
		r.SetBearerAuthToken(token)
	}
	resp, err := r.Get("/v1/status")
	if err != nil {
		return nil, fmt.Errorf("status api unreachable: %w", err)
	}
	if !resp.IsSuccessState() {
		return nil, fmt.Errorf("status api returned %s", resp.Status)
	}
	return &snap, nil
}

func printStatus(w io.Writer, snap *replication.Snapshot, now time.Time) {
	health := green.Render("healthy")
	if !snap.Healthy() {
		health = red.Render("degraded")
	}
	fmt.Fprintf(w, "%s  up since %s, updated %s\n", health,
		humanize.RelTime(snap.StartedAt, now, "ago", "from now"),
		humanize.RelTime(snap.UpdatedAt, now, "ago", "from now"))
	fmt.Fprintf(w, "transfers: %d/%d running, %d queued, peak %d\n\n",
		snap.InFlight, snap.MaxConcurrent, snap.Queued, snap.PeakInFlight)

	t := table.New().
		Headers("RULE", "TARGET", "STATE", "PENDING", "RETRY", "LAST", "OK", "FAILED", "SENT")
	for _, r := range snap.Rules {
		last := gray.Render("-")
		if r.LastResult != nil {
			last = r.LastResult.Outcome + " " + humanize.RelTime(r.LastResult.FinishedAt, now, "ago", "from now")
			if r.LastResult.Outcome == "failed" {
				last = red.Render(last)
			}
		}
		t.Row(
			r.Name,
			r.Target,
			r.State,
			strconv.Itoa(r.PendingEvents),
			strconv.Itoa(r.PendingFailed),
			last,
			strconv.Itoa(r.TransfersOK),
			strconv.Itoa(r.TransfersFailed),
			humanize.IBytes(uint64(r.BytesTotal)),
		)
	}
	fmt.Fprintln(w, t.Render())
}
