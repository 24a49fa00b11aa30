package tunnel

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
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

// stubProber answers probes from a caller-supplied function
type stubProber struct {
	fn func() bool
}

func (p *stubProber) Probe() bool { return p.fn() }

// stubElevator counts launches and optionally flips shared state on launch
type stubElevator struct {
	launches atomic.Int32
	err      error
	onLaunch func()
}

func (e *stubElevator) LaunchDaemon(helperPath string) error {
	e.launches.Add(1)
	if e.onLaunch != nil {
		e.onLaunch()
	}
	return e.err
}

func TestEnsureReady_AlreadyRunning(t *testing.T) {
	quietLogger(t)

	elevator := &stubElevator{}
	s := NewSupervisor(&stubProber{fn: func() bool { return true }}, elevator, "/opt/helper", 5*time.Millisecond, 3)

	for i := 0; i < 3; i++ {
		if err := s.EnsureReady(); err != nil {
			t.Fatalf("call %d: expected success, got %v", i, err)
		}
	}
	if n := elevator.launches.Load(); n != 0 {
		t.Errorf("expected zero privileged launches for an already-running daemon, got %d", n)
	}
}

func TestEnsureReady_LaunchThenPoll(t *testing.T) {
	quietLogger(t)

	// Daemon comes up on the third poll tick after the launch
	var running atomic.Bool
	var probes atomic.Int32
	prober := &stubProber{fn: func() bool {
		probes.Add(1)
		return running.Load()
	}}
	elevator := &stubElevator{onLaunch: func() {
		go func() {
			time.Sleep(12 * time.Millisecond)
			running.Store(true)
		}()
	}}
	s := NewSupervisor(prober, elevator, "/opt/helper", 5*time.Millisecond, 30)

	if err := s.EnsureReady(); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if n := elevator.launches.Load(); n != 1 {
		t.Errorf("expected exactly one launch, got %d", n)
	}
	// Returned on the first positive probe instead of exhausting the window
	if n := probes.Load(); n > 10 {
		t.Errorf("expected early return from the poll loop, saw %d probes", n)
	}

	// A followup call is a cache hit, no second launch
	if err := s.EnsureReady(); err != nil {
		t.Fatalf("expected cached success, got %v", err)
	}
	if n := elevator.launches.Load(); n != 1 {
		t.Errorf("expected no relaunch for a running daemon, got %d launches", n)
	}
}

func TestEnsureReady_LaunchDenied(t *testing.T) {
	quietLogger(t)

	var probes atomic.Int32
	prober := &stubProber{fn: func() bool {
		probes.Add(1)
		return false
	}}
	elevator := &stubElevator{err: errors.New("user cancelled")}
	s := NewSupervisor(prober, elevator, "/opt/helper", 5*time.Millisecond, 30)

	err := s.EnsureReady()
	if !errors.Is(err, ErrLaunchDenied) {
		t.Fatalf("expected ErrLaunchDenied, got %v", err)
	}
	// A denied launch fails immediately, no poll attempts
	if n := probes.Load(); n > 2 {
		t.Errorf("expected no polling after a denied launch, saw %d probes", n)
	}
	if n := elevator.launches.Load(); n != 1 {
		t.Errorf("expected exactly one launch attempt, got %d", n)
	}
}

func TestEnsureReady_Timeout(t *testing.T) {
	quietLogger(t)

	elevator := &stubElevator{}
	s := NewSupervisor(&stubProber{fn: func() bool { return false }}, elevator, "/opt/helper", time.Millisecond, 5)

	err := s.EnsureReady()
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// The ready cache stays false; a retry launches again rather than
	// trusting a daemon that never came up
	err = s.EnsureReady()
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout on retry, got %v", err)
	}
	if n := elevator.launches.Load(); n != 2 {
		t.Errorf("expected a fresh launch per failed call, got %d", n)
	}
}

func TestEnsureReady_StaleCache(t *testing.T) {
	quietLogger(t)

	// Running, then killed externally, then restartable via launch
	var running atomic.Bool
	running.Store(true)
	elevator := &stubElevator{onLaunch: func() { running.Store(true) }}
	s := NewSupervisor(&stubProber{fn: func() bool { return running.Load() }}, elevator, "/opt/helper", time.Millisecond, 5)

	if err := s.EnsureReady(); err != nil {
		t.Fatalf("initial EnsureReady failed: %v", err)
	}

	// Daemon dies behind the supervisor's back
	running.Store(false)

	if err := s.EnsureReady(); err != nil {
		t.Fatalf("expected relaunch to succeed, got %v", err)
	}
	if n := elevator.launches.Load(); n != 1 {
		t.Errorf("expected one relaunch after external death, got %d", n)
	}
}

func TestEnsureReady_ConcurrentSingleLaunch(t *testing.T) {
	quietLogger(t)

	var running atomic.Bool
	elevator := &stubElevator{onLaunch: func() { running.Store(true) }}
	s := NewSupervisor(&stubProber{fn: func() bool { return running.Load() }}, elevator, "/opt/helper", time.Millisecond, 10)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.EnsureReady()
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("call %d failed: %v", i, err)
		}
	}
	// The launch mutex collapses the stampede into one credential prompt
	if n := elevator.launches.Load(); n != 1 {
		t.Errorf("expected exactly one launch across concurrent calls, got %d", n)
	}
}

func TestSetTimings(t *testing.T) {
	quietLogger(t)

	elevator := &stubElevator{}
	s := NewSupervisor(&stubProber{fn: func() bool { return false }}, elevator, "/opt/helper", 500*time.Millisecond, 30)

	s.SetTimings(time.Millisecond, 2)
	interval, attempts := s.timings()
	if interval != time.Millisecond || attempts != 2 {
		t.Errorf("expected (1ms, 2), got (%v, %d)", interval, attempts)
	}

	// Zero values are ignored, not applied
	s.SetTimings(0, 0)
	interval, attempts = s.timings()
	if interval != time.Millisecond || attempts != 2 {
		t.Errorf("expected timings unchanged after zero update, got (%v, %d)", interval, attempts)
	}

	// With tight timings the timeout path is fast
	start := time.Now()
	if err := s.EnsureReady(); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("updated timings were not applied, EnsureReady took %v", elapsed)
	}
}

func TestMatchesTunnelDaemon(t *testing.T) {
	for _, tc := range []struct {
		cmdline string
		want    bool
	}{
		{"/opt/homebrew/bin/pymobiledevice3 remote tunneld -d", true},
		{"/usr/bin/python3 /usr/local/bin/pymobiledevice3 remote tunneld -d", true},
		{"pymobiledevice3 developer dvt simulate-location set", false},
		{"sshd: tunneld [priv]", false},
		{"", false},
	} {
		if got := matchesTunnelDaemon(tc.cmdline); got != tc.want {
			t.Errorf("matchesTunnelDaemon(%q) = %v, want %v", tc.cmdline, got, tc.want)
		}
	}
}
