// Package tunnel guarantees the privileged tunnel daemon is reachable before
// simulation operations are attempted.
package tunnel

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrLaunchDenied is returned when the privileged daemon launch failed or
	// was refused by the user
	ErrLaunchDenied = errors.New("tunnel daemon launch denied")

	// ErrTimeout is returned when the daemon did not come up within the
	// bounded poll window
	ErrTimeout = errors.New("timed out waiting for tunnel daemon")
)

// Prober reports whether the tunnel daemon is currently running. Probes are
// point-in-time OS checks with no side effects and may run concurrently.
type Prober interface {
	Probe() bool
}

// Elevator issues the single elevated-permission invocation that starts the
// tunnel daemon. Launching requires user consent (a credential prompt), so
// implementations must never be called in a silent retry loop.
type Elevator interface {
	LaunchDaemon(helperPath string) error
}

// Supervisor ensures the tunnel daemon is alive before callers proceed.
//
// The ready flag is advisory only - the daemon is an independent OS process
// that can die at any time, so the flag is always revalidated against a live
// probe before being trusted.
type Supervisor struct {
	prober     Prober
	elevator   Elevator
	helperPath string

	ready atomic.Bool

	// launchMu serializes the launch-and-poll slow path so concurrent
	// EnsureReady calls cannot trigger duplicate credential prompts
	launchMu sync.Mutex

	timingMu     sync.Mutex
	pollInterval time.Duration
	pollAttempts int
}

// NewSupervisor creates a Supervisor for the helper at helperPath.
func NewSupervisor(prober Prober, elevator Elevator, helperPath string, pollInterval time.Duration, pollAttempts int) *Supervisor {
	return &Supervisor{
		prober:       prober,
		elevator:     elevator,
		helperPath:   helperPath,
		pollInterval: pollInterval,
		pollAttempts: pollAttempts,
	}
}

// SetTimings updates the poll interval and attempt bound. Applied on the next
// EnsureReady call; an in-flight poll keeps its old timings.
func (s *Supervisor) SetTimings(interval time.Duration, attempts int) {
	s.timingMu.Lock()
	defer s.timingMu.Unlock()
	if interval > 0 {
		s.pollInterval = interval
	}
	if attempts > 0 {
		s.pollAttempts = attempts
	}
}

func (s *Supervisor) timings() (time.Duration, int) {
	s.timingMu.Lock()
	defer s.timingMu.Unlock()
	return s.pollInterval, s.pollAttempts
}

// ProbeRunning performs a point-in-time check for the daemon. Safe to call
// concurrently, no side effects.
func (s *Supervisor) ProbeRunning() bool {
	return s.prober.Probe()
}

// EnsureReady confirms the tunnel daemon is running, launching it with
// elevated privileges if necessary. Idempotent: when the daemon is already
// confirmed running no additional privileged prompt is ever issued.
//
// Failure modes resolve to ErrLaunchDenied (no polling happens after a
// refused launch) or ErrTimeout (poll bound exhausted). The caller decides
// whether to retry the whole call; the supervisor never retries the launch
// on its own.
func (s *Supervisor) EnsureReady() error {
	// Fast path: cached-ready, revalidated against a live probe
	if s.ready.Load() && s.ProbeRunning() {
		return nil
	}

	s.launchMu.Lock()
	defer s.launchMu.Unlock()

	// The daemon may be running even though the cache was stale (started
	// externally, or by a concurrent EnsureReady that just finished)
	if s.ProbeRunning() {
		s.ready.Store(true)
		return nil
	}
	s.ready.Store(false)

	slog.Info("Tunnel daemon not running, requesting privileged launch",
		"helper", s.helperPath)
	if err := s.elevator.LaunchDaemon(s.helperPath); err != nil {
		slog.Warn("Privileged tunnel daemon launch failed", "error", err)
		return fmt.Errorf("%w: %v", ErrLaunchDenied, err)
	}

	interval, attempts := s.timings()
	for i := 0; i < attempts; i++ {
		time.Sleep(interval)
		if s.ProbeRunning() {
			s.ready.Store(true)
			slog.Info("Tunnel daemon is up", "waited", time.Duration(i+1)*interval)
			return nil
		}
	}

	slog.Warn("Tunnel daemon did not come up in time",
		"interval", interval, "attempts", attempts)
	return ErrTimeout
}
