package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"go.locsim.dev/locsim/internal/agent"
)

func NewQuitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "quit",
		Short: "Stop the background agent (clears any active simulation)",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := agent.SendCommand("QUIT")
			if err != nil {
				slog.Info("Agent is not running.")
				return
			}
			response.LogMessages()
		},
	}
}
