package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.locsim.dev/locsim/internal/agent"
)

func NewClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "clear",
		Short:   "Stop the active location simulation",
		Aliases: []string{"stop"},
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := agent.SendCommand("CLEAR")
			if err != nil {
				// No agent means nothing is simulating - clearing is a no-op
				slog.Info("Agent not running, nothing to clear.")
				return
			}

			response.LogMessages()
			if !response.OK() {
				os.Exit(1)
			}
		},
	}
}
