package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go.locsim.dev/locsim/internal/core"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	homeDir, _ := os.UserHomeDir()

	rootCmd := &cobra.Command{
		Use:   "locsim",
		Short: "locsim - Simulated device location supervisor",
		Long: `locsim keeps a simulated GPS location active on a developer-mode device
by supervising the external helper binary and the privileged tunnel daemon
it depends on.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := core.InitializeConfig(configPath); err != nil {
				return err
			}
			if verbose > core.Config.Verbose {
				core.Config.Verbose = verbose
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", fmt.Sprintf("%s/%s", homeDir, core.BaseDirName),
		"config path",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewSetCommand(),
		NewClearCommand(),
		NewStatusCommand(),
		NewTunnelCommand(),
		NewAgentCommand(),
		NewQuitCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}
