package cmd

import (
	"github.com/spf13/cobra"

	"go.locsim.dev/locsim/internal/agent"
)

func NewAgentCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "agent",
		Hidden: true,
		Run: func(cmd *cobra.Command, args []string) {
			a := agent.New()
			a.Run()
		},
	}
}
