package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/matheus3301/mtx/internal/lock"
	"github.com/matheus3301/mtx/internal/session"
	"github.com/spf13/cobra"
)

// SessionInfo describes one session directory.
type SessionInfo struct {
	Name    string    `json:"name"`
	Running bool      `json:"running"`
	PID     int       `json:"pid,omitempty"`
	Since   time.Time `json:"since,omitzero"`
}

// NewSessionsCommand creates the sessions command. It reads the session
// directories directly and needs no daemon.
func NewSessionsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions and whether their daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			names, err := session.List()
			if err != nil {
				return WrapExitError(ExitFailure, "list sessions", err)
			}
			infos := make([]SessionInfo, 0, len(names))
			for _, name := range names {
				info := SessionInfo{Name: name}
				held, holder, err := lock.Held(session.Dir(name))
				if err != nil {
					return WrapExitError(ExitFailure, "inspect session "+name, err)
				}
				if held {
					info.Running, info.PID, info.Since = true, holder.PID, holder.Since
				}
				infos = append(infos, info)
			}
			return opts.formatter(cmd).Emit(infos, func(w io.Writer) {
				fmt.Fprintln(w, "SESSION\tSTATE\tPID")
				for _, info := range infos {
					state, pid := "stopped", "-"
					if info.Running {
						state, pid = "running", fmt.Sprint(info.PID)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", info.Name, state, pid)
				}
			})
		},
	}
}
