package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/meshsync/internal/delivery"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/presence"
	"github.com/roach88/meshsync/internal/reconcile"
)

// MessagesOptions holds flags for the messages command.
type MessagesOptions struct {
	*RootOptions
	Limit  int
	Offset int
	Type   string
	Thread string
	Peer   string
}

// NewMessagesCommand creates the messages command.
func NewMessagesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MessagesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "messages",
		Short: "List stored messages",
		Long: `List messages from the local store without starting the node.

Without --type messages are paged newest first. --type chat lists one thread
oldest first (--thread selects it), --type location lists location updates
(optionally from one --peer) and --type marker lists map markers.

Example:
  meshd messages --limit 20
  meshd messages --type chat --thread ops
  meshd messages --type location --peer 7f3c... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listMessages(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "page size (default from config)")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "messages to skip")
	cmd.Flags().StringVar(&opts.Type, "type", "", "chat, location or marker")
	cmd.Flags().StringVar(&opts.Thread, "thread", "", "chat thread id (with --type chat)")
	cmd.Flags().StringVar(&opts.Peer, "peer", "", "sender peer id (with --type location)")

	cmd.AddCommand(newReadCommand(rootOpts))
	return cmd
}

func listMessages(opts *MessagesOptions, cmd *cobra.Command) error {
	sess, err := opts.openSession(cmd, false)
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	defer sess.Close(ctx)

	eng := sess.node.Delivery
	var msgs []ir.Message
	switch ir.MessageType(opts.Type) {
	case "":
		msgs, err = eng.Messages(ctx, opts.Limit, opts.Offset)
	case ir.MessageChat:
		msgs, err = eng.ChatMessages(ctx, opts.Thread)
	case ir.MessageLocation:
		msgs, err = eng.LocationMessages(ctx, opts.Peer)
	case ir.MessageMarker:
		msgs, err = eng.MarkerMessages(ctx)
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown message type %q", opts.Type))
	}
	if err != nil {
		return opts.fail(cmd, "list messages failed", err)
	}
	return opts.formatter(cmd).Success(messageList(msgs))
}

func newReadCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "read <message-id>",
		Short:         "Acknowledge a received message as read",
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

			if err := sess.node.Delivery.MarkAsRead(ctx, args[0]); err != nil {
				return rootOpts.fail(cmd, "mark as read failed", err)
			}
			return rootOpts.formatter(cmd).Success(readResult{MessageID: args[0]})
		},
	}
}

type readResult struct {
	MessageID string `json:"messageId"`
}

func (r readResult) WriteText(w io.Writer) {
	fmt.Fprintf(w, "Marked %s as read\n", r.MessageID)
}

type messageList []ir.Message

func (l messageList) WriteText(w io.Writer) {
	if len(l) == 0 {
		fmt.Fprintln(w, "No messages.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tFROM\tSTATUS\tACKS\tTIME\tCONTENT")
	for _, m := range l {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			m.ID, m.Type, m.SenderName, m.DeliveryStatus, len(m.Acknowledgements),
			m.Timestamp.Local().Format("2006-01-02 15:04:05"), summarize(m))
	}
	tw.Flush()
}

func summarize(m ir.Message) string {
	var b strings.Builder
	b.WriteString(m.Content)
	switch {
	case m.Location != nil:
		fmt.Fprintf(&b, " @%.5f,%.5f", m.Location.Lat, m.Location.Lon)
	case m.Marker != nil:
		fmt.Fprintf(&b, " @%.5f,%.5f", m.Marker.Lat, m.Marker.Lon)
	case m.Chat != nil && m.Chat.ThreadID != "":
		fmt.Fprintf(&b, " [%s]", m.Chat.ThreadID)
	}
	return b.String()
}

// fail reports an engine error through the formatter and returns the
// matching exit error.
func (o *RootOptions) fail(cmd *cobra.Command, message string, err error) error {
	code, detail := engineError(err)
	o.formatter(cmd).Error(code, detail)
	return WrapExitError(ExitFailure, message, err)
}

// engineError extracts the error code and message of an engine error.
func engineError(err error) (code, message string) {
	var de *delivery.Error
	var pe *presence.Error
	var re *reconcile.Error
	switch {
	case errors.As(err, &de):
		return string(de.Code), de.Message
	case errors.As(err, &pe):
		return string(pe.Code), pe.Message
	case errors.As(err, &re):
		return string(re.Code), re.Message
	}
	return "", err.Error()
}
