package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/app"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/logging"
)

func newSyncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "sync",
		GroupID: "sync",
		Short:   "Upload queued scans, replay the outbox and reconcile once",
		Long: `Run one full cycle against the server:
  1. Upload queued scans
  2. Replay changes made while offline
  3. Reconcile the local cache with the server`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Syncing with %s...\n", a.Config.Server.URL)

				drained, result, err := a.SyncOnce(ctx)
				if drained != nil {
					fmt.Fprintf(out, "   Uploads:   %d uploaded, %d failed, %d dropped\n",
						drained.Uploaded, drained.Failed, drained.Dropped)
				}
				if result != nil {
					if result.Replay != nil {
						fmt.Fprintf(out, "   Outbox:    %d applied, %d retrying, %d dropped, %d remaining\n",
							result.Replay.Applied, result.Replay.Retrying, result.Replay.Dropped, result.Replay.Remaining())
					}
					if result.Reconcile != nil {
						fmt.Fprintf(out, "   Reconcile: %d rows changed\n", result.Reconciled())
						for _, name := range result.Reconcile.Failed() {
							fmt.Fprintf(out, "   %s %s: %v\n", renderWarn("!"), name, result.Reconcile.Types[name].Err)
						}
					}
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s Sync complete in %v\n", renderPass("✓"), result.Duration.Round(time.Millisecond))
				return nil
			})
		},
	}
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "run",
		GroupID: "sync",
		Short:   "Stay running and sync whenever the server is reachable",
		Long: `Watch connectivity and sync in the background until interrupted.

Reconnecting uploads queued scans, then replays the outbox and reconciles.
A full sync also runs when the last one is older than sync.full_sync_interval.
When sync.inbox_dir is set, files dropped there are queued for upload.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				logging.Info("Starting sync service", map[string]interface{}{
					"server":  a.Config.Server.URL,
					"version": Version,
				})
				err := a.Run(ctx)
				logging.Info("Sync service stopped", nil)
				return err
			})
		},
	}
}
