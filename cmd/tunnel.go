package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.locsim.dev/locsim/internal/agent"
)

func NewTunnelCommand() *cobra.Command {
	tunnelCmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Manage the privileged tunnel daemon",
	}

	tunnelCmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Probe whether the tunnel daemon is running",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				if err := agent.EnsureAgentIsRunning(); err != nil {
					slog.Error(fmt.Sprintf("Fatal: %v", err))
					os.Exit(1)
				}
				response, err := agent.SendCommand("TUNNEL-STATUS")
				if err != nil {
					slog.Error(fmt.Sprintf("Failed to talk to agent: %v", err))
					os.Exit(1)
				}
				response.LogMessages()
			},
		},
		&cobra.Command{
			Use:   "start",
			Short: "Ensure the tunnel daemon is running, launching it if needed",
			Long: `Confirm the tunnel daemon is reachable, launching it with elevated
privileges if it is not. Launching shows a credential prompt; a cancelled
prompt or a daemon that never binds reports failure after the bounded poll.`,
			Args: cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				if err := agent.EnsureAgentIsRunning(); err != nil {
					slog.Error(fmt.Sprintf("Fatal: %v", err))
					os.Exit(1)
				}
				response, err := agent.SendCommand("TUNNEL-START")
				if err != nil {
					slog.Error(fmt.Sprintf("Failed to talk to agent: %v", err))
					os.Exit(1)
				}
				response.LogMessages()
				if !response.OK() {
					os.Exit(1)
				}
			},
		},
	)

	return tunnelCmd
}
