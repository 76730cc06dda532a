// Package cli implements mtxctl, the scripting front end of the daemon.
package cli

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/matheus3301/mtx/internal/rpc"
	"github.com/matheus3301/mtx/internal/session"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Session string
	Format  string // "json" | "text"
	Timeout time.Duration

	// Dial connects to the daemon of a session.
	Dial func(sessionName string) (*rpc.Client, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// DialSocket connects to the daemon socket of sessionName.
func DialSocket(sessionName string) (*rpc.Client, error) {
	return rpc.Dial(session.SocketPath(sessionName))
}

// NewRootCommand creates the mtxctl root command.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWith(DialSocket)
}

// NewRootCommandWith is NewRootCommand with a custom dialer.
func NewRootCommandWith(dial func(string) (*rpc.Client, error)) *cobra.Command {
	opts := &RootOptions{Dial: dial}

	cmd := &cobra.Command{
		Use:   "mtxctl",
		Short: "Control a running mtxd",
		Long:  "Queue messages, inspect the outbox and drive device verification on a running mtxd session.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			name, err := session.ResolveValid(opts.Session)
			if err != nil {
				return err
			}
			opts.Session = name
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Session, "session", "", "session name (overrides config default)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "timeout for unary calls")

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewSendCommand(opts))
	cmd.AddCommand(NewCancelCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewPendingCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewDevicesCommand(opts))
	cmd.AddCommand(NewInboxCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewSessionsCommand(opts))

	return cmd
}

// connect dials the session's daemon.
func (o *RootOptions) connect() (*rpc.Client, error) {
	c, err := o.Dial(o.Session)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("cannot connect to daemon for session %q", o.Session), err)
	}
	return c, nil
}

// unary runs fn against the daemon with the unary timeout.
func (o *RootOptions) unary(cmd *cobra.Command, fn func(ctx context.Context, c *rpc.Client) error) error {
	c, err := o.connect()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), o.Timeout)
	defer cancel()
	return fn(ctx, c)
}

// stream runs fn against the daemon until the command's context ends.
func (o *RootOptions) stream(cmd *cobra.Command, fn func(ctx context.Context, c *rpc.Client) error) error {
	c, err := o.connect()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	return fn(cmd.Context(), c)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}
