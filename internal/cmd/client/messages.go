package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	transports "github.com/rzbill/courier/internal/cmd/client/transports"
	"github.com/rzbill/courier/internal/push"
)

// NewMessagesCommand constructs the `messages` command group.
func NewMessagesCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{Use: "messages", Short: "Send and read messages"}
	cmd.AddCommand(
		newMessagesSendCommand(),
		newMessagesFetchCommand(),
		newMessagesAckCommand(),
		newMessagesWatchCommand(baseURL),
	)
	return cmd
}

func newMessagesSendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Submit a message for delivery",
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, _ := cmd.Flags().GetString("from")
			to, _ := cmd.Flags().GetString("to")
			body, _ := cmd.Flags().GetString("body")
			attachment, _ := cmd.Flags().GetString("attachment")
			sentAt, _ := cmd.Flags().GetString("sent-at")
			msgID, err := getTransport().Send(cmd.Context(), transports.SendRequest{
				SenderID:      from,
				ReceiverID:    to,
				Body:          body,
				AttachmentRef: attachment,
				SentAt:        sentAt,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "id:", msgID)
			return nil
		},
	}
	cmd.Flags().String("from", "", "Sender user id")
	cmd.Flags().String("to", "", "Receiver user id")
	cmd.Flags().String("body", "", "Message text")
	cmd.Flags().String("attachment", "", "Attachment reference (optional)")
	cmd.Flags().String("sent-at", "", "Client send time, RFC3339 (defaults to server time)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newMessagesFetchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch stored messages for a receiver",
		RunE: func(cmd *cobra.Command, _ []string) error {
			user, _ := cmd.Flags().GetString("user")
			cursor, _ := cmd.Flags().GetString("cursor")
			limit, _ := cmd.Flags().GetInt("limit")
			ack, _ := cmd.Flags().GetBool("ack")
			tr := getTransport()
			page, err := tr.Fetch(cmd.Context(), transports.FetchRequest{ReceiverID: user, Cursor: cursor, Limit: limit})
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), page); err != nil {
				return err
			}
			next, _ := page["nextCursor"].(string)
			if ack && next != "" && next != cursor {
				return tr.Ack(cmd.Context(), user, next)
			}
			return nil
		},
	}
	cmd.Flags().String("user", "", "Receiver user id")
	cmd.Flags().String("cursor", "", "Resume after this cursor (defaults to the oldest unread message)")
	cmd.Flags().Int("limit", 0, "Page size (0 uses the server default)")
	cmd.Flags().Bool("ack", false, "Commit the read position after printing")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newMessagesAckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ack",
		Short: "Commit a receiver's read position",
		RunE: func(cmd *cobra.Command, _ []string) error {
			user, _ := cmd.Flags().GetString("user")
			cursor, _ := cmd.Flags().GetString("cursor")
			if err := getTransport().Ack(cmd.Context(), user, cursor); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
	cmd.Flags().String("user", "", "Receiver user id")
	cmd.Flags().String("cursor", "", "Cursor returned by fetch")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("cursor")
	return cmd
}

// newMessagesWatchCommand connects as a user and prints pushed messages.
func newMessagesWatchCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect as a user and print messages pushed in real time",
		RunE: func(cmd *cobra.Command, _ []string) error {
			user, _ := cmd.Flags().GetString("user")
			limit, _ := cmd.Flags().GetInt("limit")
			wsURL, err := transports.WebSocketURL(baseURL(), user)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			seen := 0
			err = transports.Watch(ctx, wsURL, func(f push.Frame) error {
				if f.Type != push.FrameMessage || f.Message == nil {
					return nil
				}
				if err := printJSON(cmd.OutOrStdout(), f.Message); err != nil {
					return err
				}
				seen++
				if limit > 0 && seen >= limit {
					return transports.ErrStopWatch
				}
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().String("user", "", "User id to connect as")
	cmd.Flags().Int("limit", 0, "Exit after this many messages (0 = until interrupted)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
