package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/app"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/models"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/sync/uploads"
)

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func newOutboxCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "outbox",
		GroupID: "queues",
		Short:   "Inspect changes waiting to be sent to the server",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending changes in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				changes, err := a.Outbox.All(ctx)
				if err != nil {
					return err
				}
				if len(changes) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), renderMuted("No pending changes"))
					return nil
				}
				ceiling := a.Config.Sync.OutboxMaxAttempts
				t := newTable("ID", "ENTITY", "TARGET", "CHANGE", "ATTEMPTS", "QUEUED", "LAST ERROR")
				for _, c := range changes {
					target := "new"
					if c.EntityID != nil {
						target = strconv.FormatInt(*c.EntityID, 10)
					}
					attempts := fmt.Sprintf("%d/%d", c.SyncAttempts, ceiling)
					if c.Exhausted(ceiling) {
						attempts = renderFail(attempts)
					}
					lastErr := ""
					if c.LastError != nil {
						lastErr = *c.LastError
					}
					t.Row(strconv.FormatInt(c.ID, 10), string(c.EntityType), target, string(c.ChangeType),
						attempts, formatMillis(c.CreatedAt), lastErr)
				}
				fmt.Fprintln(cmd.OutOrStdout(), t.Render())
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retry [id...]",
		Short: "Reset the attempt counter so exhausted changes are replayed again",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Outbox.ResetAttempts(ctx, ids...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d change(s) will be retried on the next sync\n", renderPass("✓"), n)
				return nil
			})
		},
	})
	return cmd
}

func newUploadsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "uploads",
		GroupID: "queues",
		Short:   "Manage scans waiting to be uploaded",
	}

	var (
		title         string
		tagIDs        []int64
		docType       int64
		correspondent int64
		fields        []string
	)
	add := &cobra.Command{
		Use:   "add <file> [page...]",
		Short: "Queue a file, or several pages assembled into one PDF",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			up := models.PendingUpload{Title: title, TagIDs: tagIDs}
			for i, arg := range args {
				path, err := filepath.Abs(arg)
				if err != nil {
					return err
				}
				ok, err := uploads.Uploadable(path)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s is not a supported document type", arg)
				}
				if i == 0 {
					up.URI = path
				} else {
					up.AdditionalURIs = append(up.AdditionalURIs, path)
				}
			}
			if cmd.Flags().Changed("document-type") {
				up.DocumentTypeID = &docType
			}
			if cmd.Flags().Changed("correspondent") {
				up.CorrespondentID = &correspondent
			}
			if len(fields) > 0 {
				up.CustomFields = make(map[int64]string, len(fields))
				for _, f := range fields {
					k, v, ok := strings.Cut(f, "=")
					id, err := strconv.ParseInt(k, 10, 64)
					if !ok || err != nil {
						return fmt.Errorf("invalid custom field %q, want <id>=<value>", f)
					}
					up.CustomFields[id] = v
				}
			}

			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				id, err := a.Mutations.QueueUpload(ctx, up)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s Queued upload %d (%d page(s))\n", renderPass("✓"), id, len(args))
				return nil
			})
		},
	}
	add.Flags().StringVarP(&title, "title", "t", "", "document title")
	add.Flags().Int64SliceVar(&tagIDs, "tag", nil, "tag id (repeatable)")
	add.Flags().Int64Var(&docType, "document-type", 0, "document type id")
	add.Flags().Int64Var(&correspondent, "correspondent", 0, "correspondent id")
	add.Flags().StringArrayVar(&fields, "field", nil, "custom field as <id>=<value> (repeatable)")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued uploads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				list, err := a.Uploads.List(ctx)
				if err != nil {
					return err
				}
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), renderMuted("No queued uploads"))
					return nil
				}
				t := newTable("ID", "STATUS", "PAGES", "RETRIES", "QUEUED", "FILE", "ERROR")
				for _, up := range list {
					status := string(up.Status)
					if up.Status == models.UploadFailed {
						status = renderFail(status)
					}
					msg := ""
					if up.ErrorMessage != nil {
						msg = *up.ErrorMessage
					}
					t.Row(strconv.FormatInt(up.ID, 10), status, strconv.Itoa(len(up.AllURIs())), strconv.Itoa(up.RetryCount),
						formatMillis(up.CreatedAt), filepath.Base(up.URI), msg)
				}
				fmt.Fprintln(cmd.OutOrStdout(), t.Render())
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retry [id...]",
		Short: "Requeue failed uploads with a fresh retry budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Uploads.Requeue(ctx, ids...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d upload(s) requeued\n", renderPass("✓"), n)
				return nil
			})
		},
	})
	return cmd
}
