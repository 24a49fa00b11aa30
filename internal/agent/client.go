package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"time"

	"go.locsim.dev/locsim/internal/core"
)

// SendCommand connects to the agent, sends a command, and returns the response.
func SendCommand(command string) (Response, error) {
	response := Response{}

	conn, err := net.Dial("unix", core.GetSocketPath())
	if err != nil {
		return response, err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return response, fmt.Errorf("failed to send command to agent: %w", err)
	}
	bytes, err := io.ReadAll(conn)
	if err != nil {
		return response, fmt.Errorf("failed to read response from agent: %w", err)
	}

	if err := json.Unmarshal(bytes, &response); err != nil {
		return response, fmt.Errorf("failed to parse response from agent: %w", err)
	}

	return response, nil
}

// EnsureAgentIsRunning handles the auto-start logic.
func EnsureAgentIsRunning() error {
	if _, err := SendCommand("STATUS"); err == nil {
		return nil // Agent is running
	}

	slog.Info("Agent not running. Starting it now...")
	cmd := exec.Command(os.Args[0], "agent", "--config-path", core.Config.ConfigPath)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("could not fork agent process: %w", err)
	}
	slog.Debug(fmt.Sprintf("Agent process launched with PID: %d", cmd.Process.Pid))

	// Wait for the agent to create the socket
	for i := 0; i < 20; i++ {
		time.Sleep(100 * time.Millisecond)
		if _, err := os.Stat(core.GetSocketPath()); err == nil {
			return nil
		}
	}
	return fmt.Errorf("agent process was launched but socket was not created in time")
}
