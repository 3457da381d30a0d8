package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/app"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/models"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:     "status",
		GroupID: "sync",
		Short:   "Show cache, queue and connectivity status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				out := cmd.OutOrStdout()
				row := func(label, value string) {
					fmt.Fprintf(out, "  %s%s\n", renderLabel(label), value)
				}

				fmt.Fprintln(out, renderHeader("Server"))
				row("URL", a.Config.Server.URL)
				_, hasToken, err := a.Metadata.Get(ctx, models.MetaAuthToken)
				if err != nil {
					return err
				}
				row("Logged in", yesNo(hasToken))
				if probe {
					if a.Connect(ctx) {
						row("Connectivity", renderPass("online"))
					} else {
						row("Connectivity", renderFail("offline"))
					}
				}

				fmt.Fprintln(out, renderHeader("Sync"))
				row("Last full sync", formatTime(a.Engine.LastSync()))
				row("Database", a.Config.DatabasePath())

				fmt.Fprintln(out, renderHeader("Cache"))
				counts := []struct {
					label string
					count func(context.Context) (int, error)
				}{
					{"Documents", a.Documents.Count},
					{"Tags", a.Tags.Count},
					{"Correspondents", a.Correspondents.Count},
					{"Document types", a.DocumentTypes.Count},
					{"Tasks", a.Tasks.Count},
				}
				for _, c := range counts {
					n, err := c.count(ctx)
					if err != nil {
						return err
					}
					row(c.label, fmt.Sprint(n))
				}
				trashed, err := a.Documents.TrashCount(ctx)
				if err != nil {
					return err
				}
				row("Trash", fmt.Sprint(trashed))

				fmt.Fprintln(out, renderHeader("Queues"))
				changes, err := a.Outbox.Stats(ctx, a.Config.Sync.OutboxMaxAttempts)
				if err != nil {
					return err
				}
				row("Outbox", queueSummary(changes.Total, changes.Retrying, changes.Exhausted))
				up, err := a.Uploads.Stats(ctx)
				if err != nil {
					return err
				}
				row("Uploads", fmt.Sprintf("%d pending, %d uploading, %d failed",
					up[models.UploadPending], up[models.UploadUploading], up[models.UploadFailed]))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", true, "check whether the server is reachable")
	return cmd
}

func yesNo(b bool) string {
	if b {
		return renderPass("yes")
	}
	return renderWarn("no")
}

func queueSummary(total, retrying, exhausted int) string {
	s := fmt.Sprintf("%d pending", total)
	if retrying > 0 {
		s += fmt.Sprintf(", %d retrying", retrying)
	}
	if exhausted > 0 {
		s += ", " + renderFail(fmt.Sprintf("%d exhausted", exhausted))
	}
	return s
}
