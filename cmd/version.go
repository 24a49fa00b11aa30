package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.locsim.dev/locsim/internal/agent"
	"go.locsim.dev/locsim/internal/core"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Long:  `Show version of both client and agent (if running)`,
		Run: func(cmd *cobra.Command, args []string) {
			clientVersion := core.Version
			clientFormatted := core.FormatVersion(clientVersion)
			fmt.Fprintf(os.Stderr, "Client version: %s\n", clientFormatted)

			response, err := agent.SendCommand("VERSION")
			if err != nil {
				fmt.Fprintln(os.Stderr, "Agent: not running")
				return
			}

			if response.Data != nil {
				if dataMap, ok := response.Data.(map[string]interface{}); ok {
					if version, ok := dataMap["version"].(string); ok {
						agentFormatted := core.FormatVersion(version)
						fmt.Fprintf(os.Stderr, "Agent version: %s\n", agentFormatted)

						if clientVersion != version {
							slog.Warn(fmt.Sprintf("Version mismatch! Client %s and agent %s versions differ. Consider restarting the agent.", clientFormatted, agentFormatted))
						}
					}
				}
			}
		},
	}
}
