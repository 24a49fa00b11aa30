package simulation

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

// quietLogger suppresses default slog output during tests and restores it after.
func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

// writeHelper creates a fake helper script in a temp dir and returns its path
func writeHelper(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "helper")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("failed to write helper script: %v", err)
	}
	return path
}

// newTestManager returns a Manager with short test timings
func newTestManager(helperPath string) *Manager {
	return NewManager(helperPath, nil, 100*time.Millisecond, 100*time.Millisecond)
}

// waitForDeath polls until the PID is gone or the timeout expires
func waitForDeath(t *testing.T, pid int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		process, err := os.FindProcess(pid)
		if err != nil {
			return
		}
		if err := process.Signal(syscall.Signal(0)); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("process %d still alive after %v", pid, timeout)
}

func TestSetLocation_HelperUnavailable(t *testing.T) {
	quietLogger(t)

	m := newTestManager("")
	err := m.SetLocation(Request{UDID: "UDID1", Latitude: "1", Longitude: "1", Tunnel: true})
	if !errors.Is(err, ErrHelperUnavailable) {
		t.Fatalf("expected ErrHelperUnavailable, got %v", err)
	}
	if m.State() != StateIdle {
		t.Errorf("expected idle state, got %s", m.State())
	}
	if m.Active() != nil {
		t.Error("expected no active simulation")
	}
}

func TestSetLocation_InvalidCoordinates(t *testing.T) {
	quietLogger(t)

	m := newTestManager(writeHelper(t, "exec sleep 60"))

	for _, tc := range []struct{ lat, lon string }{
		{"", "10"},
		{"10", ""},
		{"north", "10"},
		{"10", "10;rm"},
	} {
		if err := m.SetLocation(Request{UDID: "UDID1", Latitude: tc.lat, Longitude: tc.lon}); err == nil {
			t.Errorf("expected error for coordinates (%q, %q)", tc.lat, tc.lon)
		}
	}
	if m.Active() != nil {
		t.Error("expected no active simulation after invalid requests")
	}
}

func TestSetLocation_Success(t *testing.T) {
	quietLogger(t)

	m := newTestManager(writeHelper(t, "exec sleep 60"))
	t.Cleanup(m.Shutdown)

	err := m.SetLocation(Request{UDID: "UDID1", Latitude: "37.33", Longitude: "-122.03", Tunnel: true})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	if m.State() != StateActive {
		t.Errorf("expected active state, got %s", m.State())
	}
	active := m.Active()
	if active == nil {
		t.Fatal("expected active simulation")
	}
	// Coordinates are stored as the exact strings passed in
	if active.Latitude != "37.33" || active.Longitude != "-122.03" {
		t.Errorf("coordinates were reformatted: (%s, %s)", active.Latitude, active.Longitude)
	}
	if active.UDID != "UDID1" {
		t.Errorf("expected UDID1, got %s", active.UDID)
	}
	if active.Pid <= 0 {
		t.Errorf("expected valid pid, got %d", active.Pid)
	}
}

func TestSetLocation_ArgumentFidelity(t *testing.T) {
	quietLogger(t)

	argsFile := filepath.Join(t.TempDir(), "args")
	t.Setenv("HELPER_ARGS_FILE", argsFile)

	m := newTestManager(writeHelper(t, `printf '%s\n' "$@" > "$HELPER_ARGS_FILE"`+"\nexec sleep 60"))
	t.Cleanup(m.Shutdown)

	err := m.SetLocation(Request{UDID: "UDID1", Latitude: "-122.419", Longitude: "37.7749", Tunnel: true})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("failed to read args file: %v", err)
	}
	args := strings.Split(strings.TrimRight(string(data), "\n"), "\n")

	want := []string{"developer", "dvt", "simulate-location", "set", "--tunnel", "UDID1", "--", "-122.419", "37.7749"}
	if len(args) != len(want) {
		t.Fatalf("expected %d args, got %d: %v", len(want), len(args), args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("arg %d: expected %q, got %q", i, want[i], args[i])
		}
	}

	// The negative latitude must follow the separator, never be parsed as a flag
	sepIdx, latIdx := -1, -1
	for i, a := range args {
		if a == "--" {
			sepIdx = i
		}
		if a == "-122.419" {
			latIdx = i
		}
	}
	if sepIdx == -1 || latIdx == -1 || latIdx <= sepIdx {
		t.Errorf("expected literal -122.419 after the -- separator, got %v", args)
	}
}

func TestSetLocation_LegacyArgs(t *testing.T) {
	quietLogger(t)

	argsFile := filepath.Join(t.TempDir(), "args")
	t.Setenv("HELPER_ARGS_FILE", argsFile)

	m := newTestManager(writeHelper(t, `printf '%s\n' "$@" > "$HELPER_ARGS_FILE"`+"\nexec sleep 60"))
	t.Cleanup(m.Shutdown)

	err := m.SetLocation(Request{UDID: "UDID1", Latitude: "10.0", Longitude: "20.0", Tunnel: false})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	data, _ := os.ReadFile(argsFile)
	if strings.Contains(string(data), "--tunnel") {
		t.Errorf("legacy request must not use --tunnel, got args:\n%s", data)
	}
	if !strings.Contains(string(data), "--udid\nUDID1") {
		t.Errorf("expected --udid UDID1 in args:\n%s", data)
	}
}

func TestSetLocation_ExitedEarly(t *testing.T) {
	quietLogger(t)

	m := newTestManager(writeHelper(t, "echo 'device not connected' >&2\nexit 1"))

	err := m.SetLocation(Request{UDID: "UDID1", Latitude: "1.0", Longitude: "2.0", Tunnel: true})
	if err == nil {
		t.Fatal("expected error for helper that exits during warm-up")
	}

	var exitErr *ExitedEarlyError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitedEarlyError, got %T: %v", err, err)
	}
	if exitErr.ExitCode != 1 {
		t.Errorf("expected exit code 1, got %d", exitErr.ExitCode)
	}
	if !strings.Contains(exitErr.Stderr, "device not connected") {
		t.Errorf("expected captured stderr, got %q", exitErr.Stderr)
	}

	if m.State() != StateIdle {
		t.Errorf("expected idle state after early exit, got %s", m.State())
	}
	if m.Active() != nil {
		t.Error("expected no active simulation after early exit")
	}
}

func TestSetLocation_ReplacesPrior(t *testing.T) {
	quietLogger(t)

	m := newTestManager(writeHelper(t, "exec sleep 60"))
	t.Cleanup(m.Shutdown)

	if err := m.SetLocation(Request{UDID: "UDID1", Latitude: "37.33", Longitude: "-122.03", Tunnel: true}); err != nil {
		t.Fatalf("first SetLocation failed: %v", err)
	}
	firstPid := m.Active().Pid

	if err := m.SetLocation(Request{UDID: "UDID1", Latitude: "10.0", Longitude: "20.0", Tunnel: true}); err != nil {
		t.Fatalf("second SetLocation failed: %v", err)
	}

	active := m.Active()
	if active == nil {
		t.Fatal("expected active simulation after replacement")
	}
	if active.Pid == firstPid {
		t.Error("expected a new subprocess after replacement")
	}
	if active.Latitude != "10.0" || active.Longitude != "20.0" {
		t.Errorf("expected new coordinates, got (%s, %s)", active.Latitude, active.Longitude)
	}

	// Prior subprocess got a graceful terminate before the new one spawned
	waitForDeath(t, firstPid, 2*time.Second)
}

func TestSetLocation_FailClean(t *testing.T) {
	quietLogger(t)

	// Helper that stays up on the first invocation and dies on the second
	marker := filepath.Join(t.TempDir(), "second-run")
	t.Setenv("HELPER_MARKER_FILE", marker)
	script := `if [ -e "$HELPER_MARKER_FILE" ]; then exit 3; fi
touch "$HELPER_MARKER_FILE"
exec sleep 60`

	m := newTestManager(writeHelper(t, script))
	t.Cleanup(m.Shutdown)

	if err := m.SetLocation(Request{UDID: "UDID1", Latitude: "1.0", Longitude: "2.0", Tunnel: true}); err != nil {
		t.Fatalf("first SetLocation failed: %v", err)
	}
	firstPid := m.Active().Pid

	err := m.SetLocation(Request{UDID: "UDID1", Latitude: "3.0", Longitude: "4.0", Tunnel: true})
	if err == nil {
		t.Fatal("expected second SetLocation to fail")
	}

	// Fail clean: the prior subprocess is gone and nothing is recorded -
	// no rollback to the previous location
	if m.Active() != nil {
		t.Error("expected no active simulation after failed replacement")
	}
	if m.State() != StateIdle {
		t.Errorf("expected idle state, got %s", m.State())
	}
	waitForDeath(t, firstPid, 2*time.Second)
}

func TestClear_Idempotent(t *testing.T) {
	quietLogger(t)

	m := newTestManager(writeHelper(t, "exec sleep 60"))

	// Clear on an idle manager is a no-op
	m.Clear()
	if m.State() != StateIdle {
		t.Errorf("expected idle state, got %s", m.State())
	}
	m.Clear()
	if m.State() != StateIdle {
		t.Errorf("expected idle state after double clear, got %s", m.State())
	}
}

func TestClear_TerminatesActive(t *testing.T) {
	quietLogger(t)

	m := newTestManager(writeHelper(t, "exec sleep 60"))
	t.Cleanup(m.Shutdown)

	if err := m.SetLocation(Request{UDID: "UDID1", Latitude: "1.0", Longitude: "2.0", Tunnel: true}); err != nil {
		t.Fatalf("SetLocation failed: %v", err)
	}
	pid := m.Active().Pid

	m.Clear()
	if m.Active() != nil {
		t.Error("expected no active simulation after clear")
	}
	if m.State() != StateIdle {
		t.Errorf("expected idle state, got %s", m.State())
	}
	waitForDeath(t, pid, 2*time.Second)
}

func TestTermination_EscalatesToInterrupt(t *testing.T) {
	quietLogger(t)

	// Helper that ignores SIGTERM; only the SIGINT escalation can stop it
	m := newTestManager(writeHelper(t, "trap '' TERM\nexec sleep 60"))
	t.Cleanup(m.Shutdown)

	if err := m.SetLocation(Request{UDID: "UDID1", Latitude: "1.0", Longitude: "2.0", Tunnel: true}); err != nil {
		t.Fatalf("SetLocation failed: %v", err)
	}
	pid := m.Active().Pid

	start := time.Now()
	m.Clear()
	// Clear returns without blocking on the escalation
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Clear blocked for %v, escalation must be fire-and-forget", elapsed)
	}

	// The deferred SIGINT fires after the grace period and kills it
	waitForDeath(t, pid, 3*time.Second)
}

func TestShutdown_GracefulExit(t *testing.T) {
	quietLogger(t)

	m := newTestManager(writeHelper(t, "exec sleep 60"))

	if err := m.SetLocation(Request{UDID: "UDID1", Latitude: "1.0", Longitude: "2.0", Tunnel: true}); err != nil {
		t.Fatalf("SetLocation failed: %v", err)
	}
	pid := m.Active().Pid

	m.Shutdown()
	if m.Active() != nil {
		t.Error("expected no active simulation after shutdown")
	}
	waitForDeath(t, pid, 2*time.Second)
}

func TestShutdown_KillsUnresponsiveProcess(t *testing.T) {
	quietLogger(t)

	// Helper that ignores both TERM and INT; only SIGKILL can stop it
	m := newTestManager(writeHelper(t, "trap '' TERM INT\nexec sleep 60"))

	if err := m.SetLocation(Request{UDID: "UDID1", Latitude: "1.0", Longitude: "2.0", Tunnel: true}); err != nil {
		t.Fatalf("SetLocation failed: %v", err)
	}
	pid := m.Active().Pid

	m.Shutdown()
	if m.State() != StateIdle {
		t.Errorf("expected idle state after shutdown, got %s", m.State())
	}
	waitForDeath(t, pid, 2*time.Second)
}

func TestSetLocation_ConcurrentCalls(t *testing.T) {
	quietLogger(t)

	m := newTestManager(writeHelper(t, "exec sleep 60"))
	t.Cleanup(m.Shutdown)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.SetLocation(Request{
				UDID:      "UDID1",
				Latitude:  "1.0",
				Longitude: "2.0",
				Tunnel:    true,
			})
		}(i)
	}
	wg.Wait()

	// For all interleavings, at most one subprocess is recorded afterwards
	active := m.Active()
	if active == nil {
		t.Fatal("expected one active simulation after concurrent calls")
	}
	if m.State() != StateActive {
		t.Errorf("expected active state, got %s", m.State())
	}

	m.Clear()
	waitForDeath(t, active.Pid, 2*time.Second)
}

func TestSetEventLogger_ConcurrentWithLifecycle(t *testing.T) {
	quietLogger(t)

	m := newTestManager(writeHelper(t, "exec sleep 60"))
	t.Cleanup(m.Shutdown)

	// Swapping the logger while operations run must be safe; the race
	// detector verifies the callback handoff
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			m.SetEventLogger(func(udid, eventType, details string) {})
		}
	}()
	go func() {
		defer wg.Done()
		m.SetLocation(Request{UDID: "UDID1", Latitude: "1.0", Longitude: "2.0", Tunnel: true})
		m.Clear()
	}()
	wg.Wait()

	if m.Active() != nil {
		t.Error("expected no active simulation after clear")
	}
}

func TestSubprocessEnv_PathAugmentation(t *testing.T) {
	quietLogger(t)

	t.Setenv("PATH", "/usr/bin:/bin")
	m := NewManager("/opt/helper", []string{"/opt/homebrew/bin", "/usr/local/bin"}, time.Millisecond, time.Millisecond)

	var path string
	for _, kv := range m.subprocessEnv() {
		if strings.HasPrefix(kv, "PATH=") {
			path = kv[len("PATH="):]
		}
	}

	want := "/opt/homebrew/bin:/usr/local/bin:/usr/bin:/bin"
	if path != want {
		t.Errorf("expected PATH %q, got %q", want, path)
	}
}

func TestEventLogger_ReceivesLifecycleEvents(t *testing.T) {
	quietLogger(t)

	m := newTestManager(writeHelper(t, "exec sleep 60"))
	t.Cleanup(m.Shutdown)

	var mu sync.Mutex
	var events []string
	m.SetEventLogger(func(udid, eventType, details string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, eventType)
	})

	if err := m.SetLocation(Request{UDID: "UDID1", Latitude: "1.0", Longitude: "2.0", Tunnel: true}); err != nil {
		t.Fatalf("SetLocation failed: %v", err)
	}
	m.Clear()

	mu.Lock()
	defer mu.Unlock()
	if len(events) < 3 {
		t.Fatalf("expected started/stopped/cleared events, got %v", events)
	}
	if events[0] != "simulation_started" {
		t.Errorf("expected simulation_started first, got %v", events)
	}
	if events[len(events)-1] != "simulation_cleared" {
		t.Errorf("expected simulation_cleared last, got %v", events)
	}
}
