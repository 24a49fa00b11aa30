// Package simulation owns the single location-simulation subprocess.
//
// At most one subprocess is live at any time across the whole process. The
// Manager replaces it safely when a new location is requested and guarantees
// termination on demand with escalating signals.
package simulation

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrHelperUnavailable is returned when no helper binary was resolved
var ErrHelperUnavailable = errors.New("helper binary unavailable")

// ExitedEarlyError reports a subprocess that terminated before the warm-up
// interval elapsed.
type ExitedEarlyError struct {
	ExitCode int
	Stderr   string
}

func (e *ExitedEarlyError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("simulation helper exited early (exit code %d): %s", e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("simulation helper exited early (exit code %d)", e.ExitCode)
}

// State of the manager as a whole, not of a single call
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateActive   State = "active"
)

// Request describes one simulate-location invocation. Latitude and longitude
// are carried as the exact decimal strings handed to the subprocess - the
// manager never reparses or reformats them.
type Request struct {
	UDID      string
	Latitude  string
	Longitude string
	Tunnel    bool // route through the tunnel daemon (modern devices)
}

// ActiveInfo is a point-in-time snapshot of the running simulation
type ActiveInfo struct {
	UDID      string    `json:"udid"`
	Latitude  string    `json:"latitude"`
	Longitude string    `json:"longitude"`
	Pid       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Tunnel    bool      `json:"tunnel"`
}

// activeSimulation is the handle to the one live subprocess. Exclusively
// owned and mutated by the Manager under its mutex.
type activeSimulation struct {
	cmd       *exec.Cmd
	req       Request
	startedAt time.Time
	stderr    *bytes.Buffer
	waitErr   error         // result of cmd.Wait, valid once done is closed
	done      chan struct{} // closed when the subprocess has been reaped
}

// exited reports whether the subprocess has already terminated
func (a *activeSimulation) exited() (error, bool) {
	select {
	case <-a.done:
		return a.waitErr, true
	default:
		return nil, false
	}
}

// Manager runs exactly one persistent subprocess representing "simulate this
// location". All handle mutations happen under mu so concurrent SetLocation
// and Clear calls cannot leave two subprocesses alive.
type Manager struct {
	mu     sync.Mutex
	state  State
	active *activeSimulation

	helperPath string
	searchDirs []string

	timingMu    sync.Mutex
	warmUp      time.Duration
	gracePeriod time.Duration

	// escalation is the pending SIGINT timer from the most recent
	// termination. It deliberately captures the specific process it was
	// scheduled for and is not synchronized with a subsequent replacement;
	// the Manager only keeps it so Shutdown can cancel it.
	escalation *time.Timer

	onEvent func(udid, eventType, details string)
}

// NewManager creates a Manager for the helper at helperPath. searchDirs are
// prepended to the subprocess PATH so the helper's own dependencies resolve.
// An empty helperPath means the helper is unavailable; every SetLocation
// fails fast without spawning.
func NewManager(helperPath string, searchDirs []string, warmUp, gracePeriod time.Duration) *Manager {
	return &Manager{
		state:       StateIdle,
		helperPath:  helperPath,
		searchDirs:  searchDirs,
		warmUp:      warmUp,
		gracePeriod: gracePeriod,
	}
}

// SetEventLogger sets the callback for recording lifecycle events. Details
// never include coordinates.
func (m *Manager) SetEventLogger(logger func(udid, eventType, details string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = logger
}

func (m *Manager) logEvent(udid, eventType, details string) {
	if m.onEvent != nil {
		m.onEvent(udid, eventType, details)
	}
}

// SetTimings updates the warm-up and grace intervals. Applied to the next
// SetLocation/Clear call.
func (m *Manager) SetTimings(warmUp, gracePeriod time.Duration) {
	m.timingMu.Lock()
	defer m.timingMu.Unlock()
	if warmUp > 0 {
		m.warmUp = warmUp
	}
	if gracePeriod > 0 {
		m.gracePeriod = gracePeriod
	}
}

func (m *Manager) timings() (time.Duration, time.Duration) {
	m.timingMu.Lock()
	defer m.timingMu.Unlock()
	return m.warmUp, m.gracePeriod
}

// State returns the manager state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Active returns a snapshot of the running simulation, or nil when idle
func (m *Manager) Active() *ActiveInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	return &ActiveInfo{
		UDID:      m.active.req.UDID,
		Latitude:  m.active.req.Latitude,
		Longitude: m.active.req.Longitude,
		Pid:       m.active.cmd.Process.Pid,
		StartedAt: m.active.startedAt,
		Tunnel:    m.active.req.Tunnel,
	}
}

// SetLocation terminates any prior subprocess, spawns a new one for the
// requested coordinates, and confirms it survived the warm-up interval.
//
// On failure the prior subprocess has already been terminated - simulation is
// cleared rather than rolled back to the previous location ("fail clean").
func (m *Manager) SetLocation(req Request) error {
	if m.helperPath == "" {
		return ErrHelperUnavailable
	}
	if err := validateCoordinate(req.Latitude); err != nil {
		return fmt.Errorf("invalid latitude %q: %w", req.Latitude, err)
	}
	if err := validateCoordinate(req.Longitude); err != nil {
		return fmt.Errorf("invalid longitude %q: %w", req.Longitude, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	replaced := m.active != nil
	m.terminateLocked()

	m.state = StateStarting

	// The -- separator keeps negative coordinates from being parsed as flags
	args := []string{"developer", "dvt", "simulate-location", "set"}
	if req.Tunnel {
		args = append(args, "--tunnel", req.UDID)
	} else {
		args = append(args, "--udid", req.UDID)
	}
	args = append(args, "--", req.Latitude, req.Longitude)

	cmd := exec.Command(m.helperPath, args...)
	cmd.Env = m.subprocessEnv()
	cmd.Stdout = nil // suppressed
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	slog.Info("Starting location simulation",
		"udid", req.UDID, "tunnel", req.Tunnel, "replaced", replaced)

	if err := cmd.Start(); err != nil {
		m.state = StateIdle
		m.logEvent(req.UDID, "simulation_spawn_failed", err.Error())
		return fmt.Errorf("failed to spawn simulation helper: %w", err)
	}

	sim := &activeSimulation{
		cmd:       cmd,
		req:       req,
		startedAt: time.Now(),
		stderr:    stderr,
		done:      make(chan struct{}),
	}
	go func() {
		sim.waitErr = cmd.Wait()
		close(sim.done)
	}()

	// Warm-up: give the subprocess time to establish its connection before
	// trusting that it started successfully
	warmUp, _ := m.timings()
	time.Sleep(warmUp)

	if waitErr, dead := sim.exited(); dead {
		m.state = StateIdle
		exitCode := exitCodeOf(waitErr)
		detail := strings.TrimSpace(stderr.String())
		slog.Warn("Simulation helper exited during warm-up",
			"udid", req.UDID, "exit_code", exitCode, "stderr", detail)
		m.logEvent(req.UDID, "simulation_exited_early", fmt.Sprintf("exit code %d", exitCode))
		return &ExitedEarlyError{ExitCode: exitCode, Stderr: detail}
	}

	m.active = sim
	m.state = StateActive
	slog.Info("Location simulation active", "udid", req.UDID, "pid", cmd.Process.Pid)
	m.logEvent(req.UDID, "simulation_started", fmt.Sprintf("PID: %d", cmd.Process.Pid))
	return nil
}

// Clear terminates the active subprocess if any. Idempotent no-op when
// nothing is active; never fails.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return
	}
	udid := m.active.req.UDID
	m.terminateLocked()
	m.logEvent(udid, "simulation_cleared", "")
}

// terminateLocked runs the termination protocol for the stored handle:
// graceful SIGTERM, clear the handle immediately, then a deferred SIGINT
// escalation after the grace period. The escalation never blocks the caller
// and fires against the specific process instance it captured.
func (m *Manager) terminateLocked() {
	if m.active == nil {
		return
	}
	sim := m.active
	m.active = nil
	m.state = StateIdle

	if _, dead := sim.exited(); dead {
		return
	}

	process := sim.cmd.Process
	pid := process.Pid
	slog.Info("Stopping simulation subprocess", "udid", sim.req.UDID, "pid", pid)

	if err := process.Signal(syscall.SIGTERM); err != nil {
		// Already gone, or not signalable - nothing further to do
		slog.Debug("SIGTERM failed", "pid", pid, "error", err)
		return
	}

	_, gracePeriod := m.timings()
	m.escalation = time.AfterFunc(gracePeriod, func() {
		if err := process.Signal(syscall.Signal(0)); err != nil {
			return // exited within the grace period
		}
		slog.Warn("Simulation subprocess still alive after grace period, escalating",
			"pid", pid)
		process.Signal(syscall.SIGINT)
	})
	m.logEvent(sim.req.UDID, "simulation_stopped", fmt.Sprintf("PID: %d", pid))
}

// Shutdown force-clears on owner teardown: graceful terminate, synchronous
// wait for the grace period, then SIGKILL. Pending escalation timers are
// cancelled since Shutdown supersedes them.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.escalation != nil {
		m.escalation.Stop()
		m.escalation = nil
	}

	if m.active == nil {
		return
	}
	sim := m.active
	m.active = nil
	m.state = StateIdle

	if _, dead := sim.exited(); dead {
		return
	}

	process := sim.cmd.Process
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return
	}

	_, gracePeriod := m.timings()
	deadline := time.Now().Add(gracePeriod)
	for time.Now().Before(deadline) {
		if err := process.Signal(syscall.Signal(0)); err != nil {
			return // terminated gracefully
		}
		time.Sleep(50 * time.Millisecond)
	}

	slog.Warn("Simulation subprocess did not exit on shutdown, killing",
		"pid", process.Pid)
	process.Kill()
}

// subprocessEnv returns the inherited environment with PATH prefixed by the
// known helper install directories
func (m *Manager) subprocessEnv() []string {
	env := os.Environ()
	if len(m.searchDirs) == 0 {
		return env
	}
	prefix := strings.Join(m.searchDirs, string(os.PathListSeparator))
	for i, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			env[i] = "PATH=" + prefix + string(os.PathListSeparator) + kv[len("PATH="):]
			return env
		}
	}
	return append(env, "PATH="+prefix)
}

// validateCoordinate confirms the string parses as a decimal number without
// normalizing it - the original token is what reaches the subprocess
func validateCoordinate(s string) error {
	if s == "" {
		return errors.New("empty")
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return errors.New("not a decimal number")
	}
	return nil
}

func exitCodeOf(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
