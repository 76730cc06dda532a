package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/matheus3301/mtx/internal/rpc"
	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.unary(cmd, func(ctx context.Context, c *rpc.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return rpcError("status", err)
				}
				return opts.formatter(cmd).Emit(st, func(w io.Writer) {
					fmt.Fprintf(w, "Session:\t%s\n", st.Session)
					fmt.Fprintf(w, "User:\t%s (%s)\n", st.UserID, st.DeviceID)
					fmt.Fprintf(w, "State:\t%s since %s\n", st.State, time.UnixMilli(st.SinceMs).Format(time.RFC3339))
					fmt.Fprintf(w, "Uptime:\t%s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
					fmt.Fprintf(w, "Pending sends:\t%d\n", st.Pending)
					fmt.Fprintf(w, "Active verifications:\t%d\n", st.Flows)
				})
			})
		},
	}
}

// NewSendCommand creates the send command.
func NewSendCommand(opts *RootOptions) *cobra.Command {
	var txnID string
	cmd := &cobra.Command{
		Use:   "send <room-id> <body>",
		Short: "Queue a text message",
		Long: `Queue a text message for delivery. The message survives daemon restarts
and is retried with backoff until the homeserver accepts it.

Example:
  mtxctl send '!abc:example.org' 'hello' --txn my-txn-1`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.unary(cmd, func(ctx context.Context, c *rpc.Client) error {
				txn, err := c.Enqueue(ctx, args[0], args[1], txnID)
				if err != nil {
					return rpcError("send", err)
				}
				return opts.formatter(cmd).Emit(map[string]string{"txn_id": txn, "room_id": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "queued %s\n", txn)
				})
			})
		},
	}
	cmd.Flags().StringVar(&txnID, "txn", "", "transaction id (generated when empty)")
	return cmd
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <txn-id>",
		Short: "Drop a queued send",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.unary(cmd, func(ctx context.Context, c *rpc.Client) error {
				ok, err := c.Cancel(ctx, args[0])
				if err != nil {
					return rpcError("cancel", err)
				}
				return opts.formatter(cmd).Result("cancel "+args[0], ok)
			})
		},
	}
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(opts *RootOptions) *cobra.Command {
	var roomID string
	cmd := &cobra.Command{
		Use:   "retry <txn-id>",
		Short: "Retry a queued send now, skipping its backoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.unary(cmd, func(ctx context.Context, c *rpc.Client) error {
				ok, err := c.RetryNow(ctx, roomID, args[0])
				if err != nil {
					return rpcError("retry", err)
				}
				return opts.formatter(cmd).Result("retry "+args[0], ok)
			})
		},
	}
	cmd.Flags().StringVar(&roomID, "room", "", "only retry if the send targets this room")
	return cmd
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List queued sends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.unary(cmd, func(ctx context.Context, c *rpc.Client) error {
				items, err := c.ListPending(ctx)
				if err != nil {
					return rpcError("pending", err)
				}
				if items == nil {
					items = []rpc.QueuedSend{}
				}
				return opts.formatter(cmd).Emit(items, func(w io.Writer) {
					if len(items) == 0 {
						fmt.Fprintln(w, "no pending sends")
						return
					}
					fmt.Fprintln(w, "TXN\tROOM\tATTEMPTS\tNEXT TRY\tLAST ERROR")
					for _, q := range items {
						fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", q.TxnID, q.RoomID, q.Attempts,
							time.UnixMilli(q.NextTryAt).Format(time.TimeOnly), q.LastError)
					}
				})
			})
		},
	}
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream outbox updates until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := opts.formatter(cmd)
			return opts.stream(cmd, func(ctx context.Context, c *rpc.Client) error {
				err := c.WatchSends(ctx, func(u rpc.SendUpdate) error {
					return f.Line(u, formatUpdate(u))
				})
				if err != nil && ctx.Err() == nil {
					return rpcError("watch", err)
				}
				return nil
			})
		},
	}
}

func formatUpdate(u rpc.SendUpdate) string {
	line := fmt.Sprintf("%-8s %s %s attempts=%d", u.State, u.TxnID, u.RoomID, u.Attempts)
	if u.EventID != "" {
		line += " event=" + u.EventID
	}
	if u.Error != "" {
		line += " error=" + u.Error
	}
	return line
}
