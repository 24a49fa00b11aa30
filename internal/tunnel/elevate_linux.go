//go:build linux

package tunnel

import (
	"fmt"
	"os/exec"
	"strings"
)

// launchDaemonPlatform prefers pkexec (polkit shows its own consent dialog)
// and falls back to sudo with a terminal password prompt.
func launchDaemonPlatform(helperPath string) error {
	if pkexec, err := exec.LookPath("pkexec"); err == nil {
		cmd := exec.Command(pkexec, helperPath, "remote", "tunneld", "-d")
		var stderr strings.Builder
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			detail := strings.TrimSpace(stderr.String())
			if detail != "" {
				return fmt.Errorf("pkexec failed: %s: %w", detail, err)
			}
			return fmt.Errorf("pkexec failed: %w", err)
		}
		return nil
	}

	// No polkit - read the sudo password ourselves so sudo never blocks on a
	// hidden prompt
	password, err := PromptPassword("sudo")
	if err != nil {
		return fmt.Errorf("failed to read sudo password: %w", err)
	}

	cmd := exec.Command("sudo", "-S", "-p", "", helperPath, "remote", "tunneld", "-d")
	cmd.Stdin = strings.NewReader(password + "\n")
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return fmt.Errorf("sudo failed: %s: %w", detail, err)
		}
		return fmt.Errorf("sudo failed: %w", err)
	}
	return nil
}
