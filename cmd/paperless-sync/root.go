package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/napoleonmm83/paperless-scanner-sub008/internal/app"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/config"
)

type rootOptions struct {
	configPath string
	v          *viper.Viper
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: config.New()}

	cmd := &cobra.Command{
		Use:           "paperless-sync",
		Short:         "Offline sync client for a Paperless-ngx server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (default: config.yaml in the data directory)")
	flags.String("server", "", "server URL")
	flags.String("data-dir", "", "directory holding the local database")
	flags.String("log-level", "", "DEBUG, INFO, WARN or ERROR")
	_ = opts.v.BindPFlag("server.url", flags.Lookup("server"))
	_ = opts.v.BindPFlag("storage.data_dir", flags.Lookup("data-dir"))
	_ = opts.v.BindPFlag("log.level", flags.Lookup("log-level"))

	cmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "queues", Title: "Queues:"},
	)
	cmd.AddCommand(
		newLoginCmd(opts),
		newSyncCmd(opts),
		newRunCmd(opts),
		newStatusCmd(opts),
		newOutboxCmd(opts),
		newUploadsCmd(opts),
		newTrashCmd(opts),
		newHistoryCmd(opts),
		newConfigCmd(opts),
	)
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.Load(o.v, o.configPath)
}

// open loads the configuration and opens the application.
func (o *rootOptions) open(ctx context.Context) (*app.App, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg, app.Options{})
}

// withApp runs fn with an open application that is closed afterwards.
// SIGINT and SIGTERM cancel ctx.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := o.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
