// Package cli implements the worldstore command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/zeusync/worldstore/internal/core/observability/log"
	"github.com/zeusync/worldstore/sdk/go/client"
)

const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitCommandError = 2
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

func usageError(format string, args ...any) error {
	return &ExitError{Code: ExitCommandError, Err: fmt.Errorf(format, args...)}
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

var validFormats = []string{"text", "json"}

// RootOptions holds the flags shared by every command.
type RootOptions struct {
	URL     string
	Token   string
	Format  string
	Timeout time.Duration
	Verbose bool
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "worldstore",
		Short:         "Replicated entity store",
		Long:          "Serve, inspect and modify a worldstore: a versioned entity-component store with a change log.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return usageError("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return nil
		},
	}

	defaults := client.DefaultConfig()
	cmd.PersistentFlags().StringVar(&opts.URL, "url", defaults.URL, "server websocket url")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", "", "server access token")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "request timeout")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log client activity to stderr")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewApplyCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewIDsCommand(opts))

	return cmd
}

func (o *RootOptions) logger() (log.Log, error) {
	if !o.Verbose {
		return log.NewNop(), nil
	}
	return log.New(log.Config{Level: "debug", Encoding: "console"})
}

func (o *RootOptions) dial(ctx context.Context) (*client.Client, error) {
	logger, err := o.logger()
	if err != nil {
		return nil, err
	}
	cfg := client.DefaultConfig()
	cfg.URL = o.URL
	cfg.Token = o.Token
	cfg.DialTimeout = o.Timeout
	return client.Dial(ctx, cfg, logger)
}
