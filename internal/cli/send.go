package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/meshsync/internal/delivery"
	"github.com/roach88/meshsync/internal/ir"
)

// SendOptions holds flags for the send subcommands.
type SendOptions struct {
	*RootOptions

	ThreadID string
	ReplyTo  string

	Lat      float64
	Lon      float64
	Accuracy float64

	Title    string
	Icon     string
	Color    string
	Category string
}

// NewSendCommand creates the send command and its per-type subcommands.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message from this node",
		Long: `Start the node, send one message and stop.

The message stays in the store; a later "meshd run" keeps retrying it until
it is acknowledged or expires.`,
	}

	chat := &cobra.Command{
		Use:   "chat <content>",
		Short: "Send a chat message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.send(cmd, delivery.Draft{
				Type:    ir.MessageChat,
				Content: strings.Join(args, " "),
				Chat:    chatPayload(opts.ThreadID, opts.ReplyTo),
			})
		},
	}
	chat.Flags().StringVar(&opts.ThreadID, "thread", "", "thread id")
	chat.Flags().StringVar(&opts.ReplyTo, "reply-to", "", "id of the message replied to")

	location := &cobra.Command{
		Use:   "location [content]",
		Short: "Send a location update",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.send(cmd, delivery.Draft{
				Type:     ir.MessageLocation,
				Content:  strings.Join(args, " "),
				Location: &ir.LocationPayload{Lat: opts.Lat, Lon: opts.Lon, Accuracy: opts.Accuracy},
			})
		},
	}
	location.Flags().Float64Var(&opts.Accuracy, "accuracy", 0, "accuracy in meters")

	marker := &cobra.Command{
		Use:   "marker [content]",
		Short: "Send a map marker",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content := strings.Join(args, " ")
			if content == "" {
				content = opts.Title
			}
			return opts.send(cmd, delivery.Draft{
				Type:    ir.MessageMarker,
				Content: content,
				Marker: &ir.MarkerPayload{
					Lat: opts.Lat, Lon: opts.Lon, Title: opts.Title,
					Icon: opts.Icon, Color: opts.Color, Category: opts.Category,
				},
			})
		},
	}
	marker.Flags().StringVar(&opts.Title, "title", "", "marker title (required)")
	marker.Flags().StringVar(&opts.Icon, "icon", "", "marker icon")
	marker.Flags().StringVar(&opts.Color, "color", "", "marker color")
	marker.Flags().StringVar(&opts.Category, "category", "", "marker category")
	_ = marker.MarkFlagRequired("title")

	for _, c := range []*cobra.Command{location, marker} {
		c.Flags().Float64Var(&opts.Lat, "lat", 0, "latitude in degrees")
		c.Flags().Float64Var(&opts.Lon, "lon", 0, "longitude in degrees")
		_ = c.MarkFlagRequired("lat")
		_ = c.MarkFlagRequired("lon")
	}

	system := &cobra.Command{
		Use:   "system <subtype> <content>",
		Short: "Send a system notice",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.send(cmd, delivery.Draft{
				Type:    ir.MessageSystem,
				Content: strings.Join(args[1:], " "),
				System:  &ir.SystemPayload{Subtype: args[0]},
			})
		},
	}

	for _, c := range []*cobra.Command{chat, location, marker, system} {
		c.SilenceUsage = true
		c.SilenceErrors = true
		cmd.AddCommand(c)
	}
	return cmd
}

func chatPayload(threadID, replyTo string) *ir.ChatPayload {
	if threadID == "" && replyTo == "" {
		return nil
	}
	return &ir.ChatPayload{ThreadID: threadID, ReplyTo: replyTo}
}

func (o *SendOptions) send(cmd *cobra.Command, d delivery.Draft) error {
	sess, err := o.openSession(cmd, true)
	if err != nil {
		return err
	}
	defer sess.Close(commandContext(cmd))

	msg, err := sess.node.Delivery.Send(commandContext(cmd), d)
	if err != nil {
		return o.fail(cmd, "send failed", err)
	}
	return o.formatter(cmd).Success(sentMessage{msg})
}

type sentMessage struct {
	ir.Message
}

func (m sentMessage) WriteText(w io.Writer) {
	fmt.Fprintf(w, "Sent %s message %s (%s)\n", m.Type, m.ID, m.DeliveryStatus)
}
