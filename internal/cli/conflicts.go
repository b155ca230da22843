package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/meshsync/internal/ir"
)

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List conflicts awaiting manual resolution",
		Long: `List pending conflicts, oldest first.

Conflicts on data types configured for manual resolution stay pending until
resolved with "meshd conflicts resolve".`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := rootOpts.openSession(cmd, false)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			defer sess.Close(ctx)

			conflicts, err := sess.node.Reconcile.PendingConflicts(ctx)
			if err != nil {
				return rootOpts.fail(cmd, "list conflicts failed", err)
			}
			return rootOpts.formatter(cmd).Success(conflictList(conflicts))
		},
	}

	cmd.AddCommand(newResolveCommand(rootOpts))
	return cmd
}

func newResolveCommand(rootOpts *RootOptions) *cobra.Command {
	var acceptIncoming bool

	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a pending conflict",
		Long: `Resolve a pending conflict by keeping the stored version, or the
incoming one with --accept-incoming.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := rootOpts.openSession(cmd, true)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			defer sess.Close(ctx)

			rec, err := sess.node.Reconcile.ResolveManually(ctx, args[0], acceptIncoming)
			if err != nil {
				return rootOpts.fail(cmd, "resolve conflict failed", err)
			}
			return rootOpts.formatter(cmd).Success(resolvedRecord{rec})
		},
	}

	cmd.Flags().BoolVar(&acceptIncoming, "accept-incoming", false, "keep the incoming version instead of the stored one")
	return cmd
}

type resolvedRecord struct {
	ir.SyncRecord
}

func (r resolvedRecord) WriteText(w io.Writer) {
	fmt.Fprintf(w, "Resolved record %s (%s) at version %d\n", r.ID, r.DataType, r.Version)
}

type conflictList []ir.ConflictRecord

func (l conflictList) WriteText(w io.Writer) {
	if len(l) == 0 {
		fmt.Fprintln(w, "No pending conflicts.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRECORD\tTYPE\tFROM\tTIME")
	for _, c := range l {
		from := c.ConflictingSource.PeerID
		if from == "" {
			from = string(c.ConflictingSource.Origin)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.OriginalRecordID, c.DataType, from,
			c.Timestamp.Local().Format("2006-01-02 15:04:05"))
	}
	tw.Flush()
}
