package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/meshsync/internal/ir"
)

// PeersOptions holds flags for the peers command.
type PeersOptions struct {
	*RootOptions
	Connected bool
}

// NewPeersCommand creates the peers command.
func NewPeersCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PeersOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List known peers",
		Long: `List peers from the presence records in the local store.

The node is not started; liveness is judged from each record's last update
and only records seen within presence.stale_after are listed.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listPeers(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Connected, "connected", false, "only list connected peers")
	return cmd
}

func listPeers(opts *PeersOptions, cmd *cobra.Command) error {
	sess, err := opts.openSession(cmd, false)
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	defer sess.Close(ctx)

	dir := sess.node.Presence
	if err := dir.Refresh(ctx); err != nil {
		return opts.fail(cmd, "refresh peers failed", err)
	}
	peers := dir.Peers()
	if opts.Connected {
		peers = dir.ConnectedPeers()
	}
	return opts.formatter(cmd).Success(peerList(peers))
}

type peerList []ir.Peer

func (l peerList) WriteText(w io.Writer) {
	if len(l) == 0 {
		fmt.Fprintln(w, "No peers.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tCONNECTED\tTRANSPORT\tLAST SEEN")
	for _, p := range l {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n",
			p.ID, p.Name, p.Status, p.Connected, p.Transport,
			p.LastSeen.Local().Format("2006-01-02 15:04:05"))
	}
	tw.Flush()
}
