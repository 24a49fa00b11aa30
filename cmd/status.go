package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"go.locsim.dev/locsim/internal/agent"
)

func NewStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active simulation and tunnel state",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := agent.SendCommand("STATUS")
			if err != nil {
				slog.Warn("No active simulation (agent is not running).")
				return
			}

			jsonBytes, _ := json.Marshal(response.Data)
			status := agent.StatusData{}
			json.Unmarshal(jsonBytes, &status)

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				if status.HelperMissing {
					fmt.Println("Helper: not found")
				} else {
					fmt.Printf("Helper: %s\n", status.HelperPath)
				}
				if status.TunnelRunning {
					fmt.Println("Tunnel daemon: running")
				} else {
					fmt.Println("Tunnel daemon: not running")
				}
				if status.Active != nil {
					age := time.Since(status.Active.StartedAt)
					fmt.Printf("Simulation: %s at (%s, %s) (PID: %d, Age: %s)\n",
						status.Active.UDID,
						status.Active.Latitude, status.Active.Longitude,
						status.Active.Pid, age.Round(time.Second).String(),
					)
				} else {
					fmt.Println("Simulation: none")
				}
				if len(status.RecentEvents) > 0 {
					fmt.Println("Recent events:")
					for _, e := range status.RecentEvents {
						if e.Details != "" {
							fmt.Printf("  - %s %s [%s] %s\n",
								e.Timestamp.Format(time.DateTime), e.EventType, e.UDID, e.Details)
						} else {
							fmt.Printf("  - %s %s [%s]\n",
								e.Timestamp.Format(time.DateTime), e.EventType, e.UDID)
						}
					}
				}
			case "json":
				fmt.Println(string(jsonBytes))
			default:
				slog.Error("unknown format")
				os.Exit(1)
			}
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return statusCmd
}
