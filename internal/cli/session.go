package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/meshsync/internal/config"
	"github.com/roach88/meshsync/internal/node"
	"github.com/roach88/meshsync/internal/store"
)

// session is a node over the configured store for the life of one command.
type session struct {
	cfg     *config.Config
	logger  *slog.Logger
	handle  *store.Handle
	node    *node.Node
	started bool
}

// openSession loads the config, opens the store and builds a node. When
// start is set the node is started too; read-only commands leave it
// stopped and query the engines directly.
func (o *RootOptions) openSession(cmd *cobra.Command, start bool) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := cfg.NewLogger(cmd.ErrOrStderr(), o.Verbose)

	ctx := commandContext(cmd)
	handle := store.NewHandle(cfg.Store.Path,
		store.WithDevice(cfg.DeviceInfo()),
		store.WithLogger(logger))
	st, err := handle.Get(ctx)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	logger.Debug("store ready", "path", cfg.Store.Path, "peer_id", st.LocalDevice().ID)

	s := &session{
		cfg:    cfg,
		logger: logger,
		handle: handle,
		node:   node.New(st, cfg, node.WithLogger(logger)),
	}
	if start {
		if err := s.node.Start(ctx); err != nil {
			handle.Close()
			return nil, WrapExitError(ExitFailure, "failed to start node", err)
		}
		s.started = true
	}
	return s, nil
}

// Close stops the node if it was started and closes the store.
func (s *session) Close(ctx context.Context) {
	if s.started {
		if err := s.node.Stop(ctx); err != nil {
			s.logger.Warn("node stop failed", "error", err)
		}
	}
	if err := s.handle.Close(); err != nil {
		s.logger.Error("error closing store", "error", err)
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}
