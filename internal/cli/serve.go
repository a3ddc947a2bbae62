package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zeusync/worldstore/internal/config"
	"github.com/zeusync/worldstore/internal/core/observability/log"
	"github.com/zeusync/worldstore/internal/injector"
)

type serveOptions struct {
	*RootOptions
	ConfigPath string
	Listen     string
	Backend    string
}

func NewServeCommand(root *RootOptions) *cobra.Command {
	opts := &serveOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the world store server",
		Long: `Run the world maintenance loops and the websocket server until
interrupted. Settings come from the YAML file given by --config, falling
back to built-in defaults.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return &ExitError{Code: ExitCommandError, Err: err}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to the YAML config file")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "override server.listen_addr")
	cmd.Flags().StringVar(&opts.Backend, "backend", "", "override the backend (memory|redis|bolt)")

	return cmd
}

func (o *serveOptions) config() (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return cfg, err
	}
	if o.Listen != "" {
		cfg.Server.ListenAddr = o.Listen
	}
	if o.Backend != "" {
		cfg.Backend = o.Backend
	}
	if o.Token != "" {
		cfg.Server.Token = o.Token
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, cfg.Validate()
}

func serve(ctx context.Context, cfg config.Config) error {
	app, cleanup, err := injector.InitializeApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	app.Logger.Info("worldstore starting",
		log.String("backend", cfg.Backend),
		log.String("listen", cfg.Server.ListenAddr),
	)
	if err := app.Run(ctx); err != nil {
		app.Logger.Error("worldstore stopped", log.Error(err))
		return err
	}
	app.Logger.Info("worldstore stopped")
	return nil
}
