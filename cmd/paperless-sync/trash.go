package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/app"
	syncpkg "github.com/napoleonmm83/paperless-scanner-sub008/internal/sync"
)

func describeOutcome(o syncpkg.Outcome) string {
	if o == syncpkg.Queued {
		return renderWarn("queued until the server is reachable")
	}
	return renderPass("done")
}

func newTrashCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "trash",
		GroupID: "queues",
		Short:   "Browse, restore and empty the document trash",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List trashed documents, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				docs, err := a.Documents.Trash(ctx)
				if err != nil {
					return err
				}
				if len(docs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), renderMuted("Trash is empty"))
					return nil
				}
				t := newTable("ID", "DELETED", "TITLE")
				for _, d := range docs {
					var deleted int64
					if d.DeletedAt != nil {
						deleted = *d.DeletedAt
					}
					t.Row(strconv.FormatInt(d.ID, 10), formatMillis(deleted), d.Title)
				}
				fmt.Fprintln(cmd.OutOrStdout(), t.Render())
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "restore <id>...",
		Short: "Restore trashed documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				a.Connect(ctx)
				for _, id := range ids {
					outcome, err := a.Mutations.RestoreDocument(ctx, id)
					if err != nil {
						return fmt.Errorf("restore %d: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Document %d: %s\n", id, describeOutcome(outcome))
				}
				return nil
			})
		},
	})

	var all bool
	empty := &cobra.Command{
		Use:   "empty [id...]",
		Short: "Permanently delete trashed documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return fmt.Errorf("name documents to delete or pass --all")
			}
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				a.Connect(ctx)
				outcome, err := a.Mutations.EmptyTrash(ctx, ids)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Empty trash: %s\n", describeOutcome(outcome))
				return nil
			})
		},
	}
	empty.Flags().BoolVar(&all, "all", false, "empty the whole trash")
	cmd.AddCommand(empty)
	return cmd
}
