package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/meshsync/internal/api"
)

const shutdownTimeout = 5 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Listen string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a meshsync node",
		Long: `Run a meshsync node until interrupted.

The node announces its presence, tracks peers, delivers and acknowledges
messages and reconciles incoming records. Retries of messages left
unacknowledged by an earlier run are rescheduled on start. With --listen
(or api.listen in the config) the HTTP API and event stream are served too.

Example:
  meshd run --config ./meshsync.yaml
  meshd run --listen 127.0.0.1:8420 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "serve the HTTP API on this address (overrides api.listen)")

	return cmd
}

func runNode(opts *RunOptions, cmd *cobra.Command) error {
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sess, err := opts.openSession(cmd, true)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		sess.Close(stopCtx)
	}()
	logger := sess.logger

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	listen := sess.cfg.API.Listen
	if opts.Listen != "" {
		listen = opts.Listen
	}

	serveErr := make(chan error, 1)
	var srv *api.Server
	if listen != "" {
		srv = api.New(sess.node, logger.With("component", "api"))
		go func() { serveErr <- srv.Start(listen) }()
	}

	dev := sess.node.Device()
	fmt.Fprintf(cmd.OutOrStdout(), "Node %s (%s) running.\n", dev.Name, dev.ID)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			runErr = WrapExitError(ExitFailure, "api server error", err)
		}
	}

	if srv != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api shutdown failed", "error", err)
		}
	}

	logger.Info("node stopped gracefully")
	return runErr
}
