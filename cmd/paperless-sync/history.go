package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/app"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	var verbose bool

	cmd := &cobra.Command{
		Use:     "history",
		GroupID: "queues",
		Short:   "Show the sync audit log",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				entries, err := a.History.List(ctx, limit)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), renderMuted("No history yet"))
					return nil
				}
				t := newTable("TIME", "OPERATION", "STATUS", "AFFECTED", "MESSAGE")
				for _, e := range entries {
					t.Row(formatMillis(e.CreatedAt), string(e.Operation), renderStatus(e.Status),
						strconv.Itoa(e.Affected), e.Message)
					if verbose && e.Detail != "" {
						t.Row("", "", "", "", renderMuted(e.Detail))
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), t.Render())
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries, 0 for all")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include technical detail")
	return cmd
}
