package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/matheus3301/mtx/internal/rpc"
	"github.com/spf13/cobra"
)

// NewDevicesCommand creates the devices command.
func NewDevicesCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List your devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.unary(cmd, func(ctx context.Context, c *rpc.Client) error {
				devices, err := c.ListDevices(ctx)
				if err != nil {
					return rpcError("devices", err)
				}
				if devices == nil {
					devices = []rpc.Device{}
				}
				return opts.formatter(cmd).Emit(devices, func(w io.Writer) {
					fmt.Fprintln(w, "DEVICE\tNAME\tVERIFIED")
					for _, d := range devices {
						fmt.Fprintf(w, "%s\t%s\t%t\n", d.DeviceID, d.DisplayName, d.Verified)
					}
				})
			})
		},
	}
}

// NewInboxCommand creates the inbox command.
func NewInboxCommand(opts *RootOptions) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List incoming verification requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := opts.formatter(cmd)
			if follow {
				return opts.stream(cmd, func(ctx context.Context, c *rpc.Client) error {
					err := c.WatchInbox(ctx, func(ev rpc.InboxEvent) error {
						return f.Line(ev, formatInbox(ev))
					})
					if err != nil && ctx.Err() == nil {
						return rpcError("inbox", err)
					}
					return nil
				})
			}
			return opts.unary(cmd, func(ctx context.Context, c *rpc.Client) error {
				requests, err := c.ListInbox(ctx)
				if err != nil {
					return rpcError("inbox", err)
				}
				if requests == nil {
					requests = []rpc.InboxEvent{}
				}
				return f.Emit(requests, func(w io.Writer) {
					if len(requests) == 0 {
						fmt.Fprintln(w, "no pending requests")
						return
					}
					fmt.Fprintln(w, "FLOW\tUSER\tDEVICE\tROOM")
					for _, r := range requests {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.FlowID, r.UserID, r.DeviceID, r.RoomID)
					}
				})
			})
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new requests until interrupted")
	return cmd
}

func formatInbox(ev rpc.InboxEvent) string {
	if ev.Kind == rpc.KindError {
		return "error: " + ev.Message
	}
	return fmt.Sprintf("request %s from %s (%s)", ev.FlowID, ev.UserID, ev.DeviceID)
}

// NewVerifyCommand creates the verify command group.
func NewVerifyCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run SAS emoji verification",
	}
	cmd.AddCommand(newVerifyStartCommand(opts, "self <device-id>", "Verify one of your own devices", func(ctx context.Context, c *rpc.Client, arg string) (string, error) {
		return c.StartSelf(ctx, arg)
	}))
	cmd.AddCommand(newVerifyStartCommand(opts, "user <user-id>", "Verify another user's identity", func(ctx context.Context, c *rpc.Client, arg string) (string, error) {
		return c.StartUser(ctx, arg)
	}))
	cmd.AddCommand(newVerifyAcceptCommand(opts))
	cmd.AddCommand(newVerifyConfirmCommand(opts))
	cmd.AddCommand(newVerifyCancelCommand(opts))
	cmd.AddCommand(newVerifyCheckCommand(opts))
	cmd.AddCommand(newVerifyWatchCommand(opts))
	return cmd
}

func newVerifyStartCommand(opts *RootOptions, use, short string, start func(context.Context, *rpc.Client, string) (string, error)) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var flowID string
			err := opts.unary(cmd, func(ctx context.Context, c *rpc.Client) error {
				id, err := start(ctx, c, args[0])
				if err != nil {
					return rpcError("verify", err)
				}
				flowID = id
				return opts.formatter(cmd).Emit(map[string]string{"flow_id": id}, func(w io.Writer) {
					fmt.Fprintf(w, "requested %s\n", id)
				})
			})
			if err != nil || !follow {
				return err
			}
			return followFlow(cmd, opts, flowID)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream the flow until it ends")
	return cmd
}

func newVerifyAcceptCommand(opts *RootOptions) *cobra.Command {
	var userID string
	var follow bool
	cmd := &cobra.Command{
		Use:   "accept <flow-id>",
		Short: "Accept an incoming request or key exchange",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := opts.unary(cmd, func(ctx context.Context, c *rpc.Client) error {
				ok, err := c.Accept(ctx, args[0], userID)
				if err != nil {
					return rpcError("accept", err)
				}
				return opts.formatter(cmd).Result("accept "+args[0], ok)
			})
			if err != nil || !follow {
				return err
			}
			return followFlow(cmd, opts, args[0])
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user that sent the request (defaults to the inbox entry)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream the flow until it ends")
	return cmd
}

func newVerifyConfirmCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <flow-id>",
		Short: "Confirm that the emojis match",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.unary(cmd, func(ctx context.Context, c *rpc.Client) error {
				ok, err := c.Confirm(ctx, args[0])
				if err != nil {
					return rpcError("confirm", err)
				}
				return opts.formatter(cmd).Result("confirm "+args[0], ok)
			})
		},
	}
}

func newVerifyCancelCommand(opts *RootOptions) *cobra.Command {
	var userID string
	var request bool
	cmd := &cobra.Command{
		Use:   "cancel <flow-id>",
		Short: "Cancel a verification",
		Long: `Cancel a verification. Without --request only an active key exchange or
a request from the inbox is cancelled; with --request the daemon also looks
the request up for --user.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.unary(cmd, func(ctx context.Context, c *rpc.Client) error {
				var (
					ok  bool
					err error
				)
				if request || userID != "" {
					ok, err = c.CancelRequest(ctx, args[0], userID)
				} else {
					ok, err = c.CancelFlow(ctx, args[0])
				}
				if err != nil {
					return rpcError("cancel", err)
				}
				return opts.formatter(cmd).Result("cancel "+args[0], ok)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user of the request to cancel")
	cmd.Flags().BoolVar(&request, "request", false, "cancel the pending request rather than only an active exchange")
	return cmd
}

func newVerifyCheckCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <user-id> <flow-id>",
		Short: "Check whether a verification is still pending",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.unary(cmd, func(ctx context.Context, c *rpc.Client) error {
				ok, err := c.CheckRequest(ctx, args[0], args[1])
				if err != nil {
					return rpcError("check", err)
				}
				return opts.formatter(cmd).Result("check "+args[1], ok)
			})
		},
	}
}

func newVerifyWatchCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [flow-id]",
		Short: "Stream verification events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flowID := ""
			if len(args) == 1 {
				flowID = args[0]
			}
			return followFlow(cmd, opts, flowID)
		},
	}
}

// errFlowEnded stops a followed stream once its flow is terminal.
var errFlowEnded = errors.New("flow ended")

// followFlow streams events of flowID (all flows when empty). A single
// flow is followed until it reaches a terminal phase.
func followFlow(cmd *cobra.Command, opts *RootOptions, flowID string) error {
	f := opts.formatter(cmd)
	return opts.stream(cmd, func(ctx context.Context, c *rpc.Client) error {
		err := c.WatchVerification(ctx, flowID, func(ev rpc.VerificationEvent) error {
			if err := f.Line(ev, formatVerification(ev)); err != nil {
				return err
			}
			if flowID != "" && ev.Kind == rpc.KindPhase && terminalPhase(ev.Phase) {
				return errFlowEnded
			}
			return nil
		})
		switch {
		case errors.Is(err, errFlowEnded) || ctx.Err() != nil:
			return nil
		case err != nil:
			return rpcError("watch", err)
		}
		return nil
	})
}

func terminalPhase(p string) bool {
	return p == "Done" || p == "Cancelled" || p == "Failed"
}

func formatVerification(ev rpc.VerificationEvent) string {
	switch ev.Kind {
	case rpc.KindEmojis:
		return fmt.Sprintf("%s emojis from %s (%s): %s", ev.FlowID, ev.OtherUser, ev.OtherDevice, strings.Join(ev.Emojis, " "))
	case rpc.KindError:
		return fmt.Sprintf("%s error: %s", ev.FlowID, ev.Message)
	default:
		return fmt.Sprintf("%s %s", ev.FlowID, ev.Phase)
	}
}
