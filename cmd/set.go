package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.locsim.dev/locsim/internal/agent"
)

func NewSetCommand() *cobra.Command {
	setCmd := &cobra.Command{
		Use:   "set <udid> <latitude> <longitude>",
		Short: "Simulate a device location",
		Long: `Start (or replace) the persistent location simulation for a device.

Coordinates are decimal degrees and are passed to the helper exactly as
written - no rounding or reformatting happens along the way. Any previously
active simulation is terminated before the new one starts.`,
		Args: cobra.ExactArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			if err := agent.EnsureAgentIsRunning(); err != nil {
				slog.Error(fmt.Sprintf("Fatal: %v", err))
				os.Exit(1)
			}

			command := fmt.Sprintf("SET %s %s %s", args[0], args[1], args[2])
			response, err := agent.SendCommand(command)
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to talk to agent: %v", err))
				os.Exit(1)
			}

			response.LogMessages()
			if !response.OK() {
				os.Exit(1)
			}
		},
	}

	// Flag parsing stops at the first positional argument so negative
	// coordinates like -122.419 are never read as shorthand flags
	setCmd.Flags().SetInterspersed(false)

	return setCmd
}
