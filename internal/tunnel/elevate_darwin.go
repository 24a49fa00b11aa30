//go:build darwin

package tunnel

import (
	"fmt"
	"os/exec"
	"strings"
)

// launchDaemonPlatform uses osascript to run the daemon start command with
// administrator privileges. macOS shows its own credential dialog; a
// cancelled dialog surfaces as a non-zero osascript exit.
func launchDaemonPlatform(helperPath string) error {
	shellCmd := fmt.Sprintf("%s remote tunneld -d", helperPath)
	script := fmt.Sprintf("do shell script %q with administrator privileges", shellCmd)

	cmd := exec.Command("/usr/bin/osascript", "-e", script)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return fmt.Errorf("osascript failed: %s: %w", detail, err)
		}
		return fmt.Errorf("osascript failed: %w", err)
	}
	return nil
}
