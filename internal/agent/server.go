// Package agent hosts the long-running supervisor process that owns the
// simulation subprocess and the tunnel readiness gate. Thin CLI clients talk
// to it over a unix socket, so the at-most-one-subprocess invariant holds
// across all CLI invocations.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"go.locsim.dev/locsim/internal/core"
	"go.locsim.dev/locsim/internal/device"
	"go.locsim.dev/locsim/internal/journal"
	"go.locsim.dev/locsim/internal/locator"
	"go.locsim.dev/locsim/internal/simulation"
	"go.locsim.dev/locsim/internal/tunnel"
)

// Agent wires the helper locator, tunnel supervisor and simulation manager
// together behind a unix socket command interface.
type Agent struct {
	helper     locator.Availability
	supervisor *tunnel.Supervisor
	manager    *simulation.Manager
	journal    *journal.Journal

	listener     net.Listener
	shutdownOnce sync.Once
	ctx          context.Context
	cancelFunc   context.CancelFunc
}

// StatusData is the STATUS command payload
type StatusData struct {
	Version       string                    `json:"version"`
	HelperPath    string                    `json:"helper_path,omitempty"`
	HelperMissing bool                      `json:"helper_missing,omitempty"`
	TunnelRunning bool                      `json:"tunnel_running"`
	State         string                    `json:"state"`
	Active        *simulation.ActiveInfo    `json:"active,omitempty"`
	RecentEvents  []journal.SimulationEvent `json:"recent_events,omitempty"`
}

// New builds an Agent from the global configuration. Helper resolution
// happens here, once; re-resolving requires an agent restart.
func New() *Agent {
	cfg := core.Config
	ctx, cancel := context.WithCancel(context.Background())

	helper := locator.Resolve(cfg.Helper.Path, cfg.Helper.SearchDirs)

	supervisor := tunnel.NewSupervisor(
		tunnel.ProcessListProber{},
		tunnel.OSElevator{},
		helper.Path,
		cfg.Tunnel.PollInterval,
		cfg.Tunnel.PollAttempts,
	)

	manager := simulation.NewManager(
		helper.Path,
		locator.SearchDirs(cfg.Helper.SearchDirs),
		cfg.Simulation.WarmUp,
		cfg.Simulation.GracePeriod,
	)

	return &Agent{
		helper:     helper,
		supervisor: supervisor,
		manager:    manager,
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Run starts the agent and blocks until shutdown
func (a *Agent) Run() {
	setupLogging(core.Config.Verbose)

	if a.helper.Available {
		slog.Info("Helper binary resolved", "path", a.helper.Path)
	} else {
		slog.Warn("Helper binary not found - simulation requests will fail",
			"helper", locator.HelperName)
	}

	// Open the lifecycle event journal
	if core.Config.Journal.Enabled {
		j, err := journal.Open(core.Config.Journal.Path)
		if err != nil {
			slog.Error("Failed to open event journal", "error", err, "path", core.Config.Journal.Path)
		} else {
			a.journal = j
			a.manager.SetEventLogger(func(udid, eventType, details string) {
				if err := a.journal.LogSimulationEvent(udid, eventType, details); err != nil {
					slog.Error("Failed to journal simulation event", "error", err)
				}
			})
			slog.Info("Event journal opened", "path", core.Config.Journal.Path)
		}
	}

	socketPath := core.GetSocketPath()
	pidFilePath := core.GetPIDFilePath()

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		// Socket creation failed - possibly a stale socket file
		if _, statErr := os.Stat(socketPath); statErr == nil {
			if conn, dialErr := net.Dial("unix", socketPath); dialErr == nil {
				conn.Close()
				slog.Error("Fatal: Agent is already running")
				os.Exit(1)
			}
			slog.Info(fmt.Sprintf("Removing stale socket file: %s", socketPath))
			if removeErr := os.Remove(socketPath); removeErr != nil {
				slog.Error(fmt.Sprintf("Fatal: Could not remove stale socket: %v", removeErr))
				os.Exit(1)
			}
			listener, err = net.Listen("unix", socketPath)
		}
		if err != nil {
			slog.Error(fmt.Sprintf("Fatal: Could not create socket listener: %v", err))
			os.Exit(1)
		}
	}

	os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644)
	defer os.Remove(pidFilePath)
	defer os.Remove(socketPath)

	a.listener = listener
	slog.Info(fmt.Sprintf("Agent listening on %s", socketPath))

	// Watch config file for timing changes
	a.watchConfig()

	// Graceful shutdown on SIGTERM/SIGINT
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-shutdownChan
		slog.Info("Shutdown signal received. Clearing simulation.")
		a.shutdown()
		if a.listener != nil {
			a.listener.Close()
		}
		os.Exit(0)
	}()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if !strings.Contains(err.Error(), "use of closed network connection") {
				slog.Info(fmt.Sprintf("Error accepting connection: %v", err))
			}
			break
		}
		go a.handleConnection(conn)
	}
}

func (a *Agent) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}

	parts := strings.Fields(scanner.Text())
	if len(parts) == 0 {
		return
	}
	command, args := parts[0], parts[1:]

	if command != "VERSION" && command != "STATUS" {
		slog.Info(fmt.Sprintf("Executing command: %s %v", command, args))
	}

	var response Response
	switch command {
	case "SET":
		if len(args) != 3 {
			response.AddMessage("Usage: SET <udid> <latitude> <longitude>", "ERROR")
			break
		}
		response = a.setLocation(args[0], args[1], args[2])
	case "CLEAR":
		response = a.clearLocation()
	case "STATUS":
		response = a.getStatus()
	case "TUNNEL-STATUS":
		response = a.tunnelStatus()
	case "TUNNEL-START":
		response = a.tunnelStart()
	case "VERSION":
		response.AddData(map[string]string{"version": core.Version})
	case "QUIT":
		response.AddMessage("Agent shutting down.", "INFO")
		conn.Write([]byte(response.ToJSON()))
		conn.Close()
		a.shutdown()
		if a.listener != nil {
			a.listener.Close()
		}
		os.Exit(0)
	default:
		response.AddMessage(fmt.Sprintf("Unknown command: %s", command), "ERROR")
	}

	conn.Write([]byte(response.ToJSON()))
}

// deviceInfo maps a UDID onto its configured simulation variant
func (a *Agent) deviceInfo(udid string) device.Info {
	info := device.Info{UDID: udid}
	if dc, ok := core.Config.Devices[udid]; ok {
		info.DisplayName = dc.DisplayName
		info.Legacy = dc.Legacy
	}
	return info
}

func (a *Agent) setLocation(udid, latitude, longitude string) Response {
	response := Response{}

	sim := device.NewSimulator(a.deviceInfo(udid), device.Deps{
		Helper:  a.helper,
		Tunnel:  a.supervisor,
		Manager: a.manager,
	})

	if err := sim.SimulateLocation(latitude, longitude); err != nil {
		response.AddMessage(fmt.Sprintf("Failed to simulate location for '%s': %v", udid, err), "ERROR")
		if hint := device.Remediation(err); hint != "" {
			response.AddMessage(hint, "WARN")
		}
		return response
	}

	response.AddMessage(fmt.Sprintf("Location simulation active for '%s'.", udid), "INFO")
	response.AddData(a.manager.Active())
	return response
}

func (a *Agent) clearLocation() Response {
	response := Response{}

	active := a.manager.Active()
	if active == nil {
		response.AddMessage("No active simulation.", "INFO")
		return response
	}

	sim := device.NewSimulator(a.deviceInfo(active.UDID), device.Deps{
		Helper:  a.helper,
		Tunnel:  a.supervisor,
		Manager: a.manager,
	})
	sim.DisableSimulation()

	response.AddMessage(fmt.Sprintf("Cleared location simulation for '%s'.", active.UDID), "INFO")
	return response
}

func (a *Agent) getStatus() Response {
	response := Response{}

	data := StatusData{
		Version:       core.Version,
		HelperPath:    a.helper.Path,
		HelperMissing: !a.helper.Available,
		TunnelRunning: a.supervisor.ProbeRunning(),
		State:         string(a.manager.State()),
		Active:        a.manager.Active(),
	}

	if a.journal != nil {
		events, err := a.journal.RecentSimulationEvents(10)
		if err != nil {
			slog.Error("Failed to read recent events", "error", err)
		} else {
			data.RecentEvents = events
		}
	}

	response.AddData(data)
	return response
}

func (a *Agent) tunnelStatus() Response {
	response := Response{}
	if a.supervisor.ProbeRunning() {
		response.AddMessage("Tunnel daemon is running.", "INFO")
	} else {
		response.AddMessage("Tunnel daemon is not running.", "WARN")
	}
	return response
}

func (a *Agent) tunnelStart() Response {
	response := Response{}

	if err := a.supervisor.EnsureReady(); err != nil {
		response.AddMessage(fmt.Sprintf("Tunnel daemon did not start: %v", err), "ERROR")
		if hint := device.Remediation(err); hint != "" {
			response.AddMessage(hint, "WARN")
		}
		if a.journal != nil {
			a.journal.LogTunnelEvent("tunnel_start_failed", err.Error())
		}
		return response
	}

	response.AddMessage("Tunnel daemon is ready.", "INFO")
	if a.journal != nil {
		a.journal.LogTunnelEvent("tunnel_ready", "")
	}
	return response
}

// shutdown force-clears the simulation and closes the journal. Safe to call
// more than once.
func (a *Agent) shutdown() {
	a.shutdownOnce.Do(func() {
		a.cancelFunc()
		a.manager.Shutdown()
		if a.journal != nil {
			if err := a.journal.Close(); err != nil {
				slog.Error("Failed to close journal", "error", err)
			}
		}
	})
}
