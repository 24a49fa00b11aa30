package tunnel

import (
	"log/slog"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"go.locsim.dev/locsim/internal/locator"
)

// daemonSubcommand is the command-line signature of the tunnel daemon
const daemonSubcommand = "tunneld"

// ProcessListProber scans the live process list for a command line matching
// the tunnel daemon. It holds no state; every probe is a fresh OS query.
type ProcessListProber struct{}

// Probe returns true when a process whose command line contains both the
// helper name and the tunneld subcommand is running.
func (ProcessListProber) Probe() bool {
	procs, err := process.Processes()
	if err != nil {
		slog.Debug("Failed to list processes", "error", err)
		return false
	}

	for _, p := range procs {
		cmdline, err := p.Cmdline()
		if err != nil {
			// Process exited mid-scan or is not accessible
			continue
		}
		if matchesTunnelDaemon(cmdline) {
			return true
		}
	}
	return false
}

// matchesTunnelDaemon checks whether a command line belongs to the tunnel
// daemon. Substring matching on both the helper name and the subcommand -
// the daemon may run under an interpreter, so the helper is not necessarily
// argv[0].
func matchesTunnelDaemon(cmdline string) bool {
	return strings.Contains(cmdline, locator.HelperName) && strings.Contains(cmdline, daemonSubcommand)
}
