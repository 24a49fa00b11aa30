// Package device selects, per device, how location simulation is driven:
// through the tunnel daemon (modern devices) or the legacy direct mechanism.
// The variant is chosen once at construction, not re-checked on every call.
package device

import (
	"errors"
	"fmt"

	"go.locsim.dev/locsim/internal/locator"
	"go.locsim.dev/locsim/internal/simulation"
	"go.locsim.dev/locsim/internal/tunnel"
)

// Info identifies a device and which simulation mechanism it needs
type Info struct {
	UDID        string
	DisplayName string
	Legacy      bool // pre-tunnel device, drives the helper without tunneld
}

// LocationSimulator is the capability interface implemented per device
// variant.
type LocationSimulator interface {
	// SimulateLocation starts (or replaces) the persistent simulation
	// subprocess for these coordinates. Latitude and longitude are decimal
	// strings passed through to the helper untouched.
	SimulateLocation(latitude, longitude string) error

	// DisableSimulation tears down the active simulation. Idempotent.
	DisableSimulation()
}

// Deps are the shared collaborators injected into every simulator
type Deps struct {
	Helper  locator.Availability
	Tunnel  *tunnel.Supervisor
	Manager *simulation.Manager
}

// NewSimulator returns the simulator variant for the device. Selection
// happens here, once; the returned value handles all subsequent calls.
func NewSimulator(info Info, deps Deps) LocationSimulator {
	if info.Legacy {
		return &legacyDevice{info: info, deps: deps}
	}
	return &tunnelDevice{info: info, deps: deps}
}

// tunnelDevice gates every simulation request on tunnel daemon readiness
type tunnelDevice struct {
	info Info
	deps Deps
}

func (d *tunnelDevice) SimulateLocation(latitude, longitude string) error {
	if !d.deps.Helper.Available {
		return simulation.ErrHelperUnavailable
	}
	if err := d.deps.Tunnel.EnsureReady(); err != nil {
		return fmt.Errorf("tunnel not ready for %s: %w", d.info.UDID, err)
	}
	return d.deps.Manager.SetLocation(simulation.Request{
		UDID:      d.info.UDID,
		Latitude:  latitude,
		Longitude: longitude,
		Tunnel:    true,
	})
}

func (d *tunnelDevice) DisableSimulation() {
	d.deps.Manager.Clear()
}

// legacyDevice drives the helper directly, no tunnel daemon involved
type legacyDevice struct {
	info Info
	deps Deps
}

func (d *legacyDevice) SimulateLocation(latitude, longitude string) error {
	if !d.deps.Helper.Available {
		return simulation.ErrHelperUnavailable
	}
	return d.deps.Manager.SetLocation(simulation.Request{
		UDID:      d.info.UDID,
		Latitude:  latitude,
		Longitude: longitude,
		Tunnel:    false,
	})
}

func (d *legacyDevice) DisableSimulation() {
	d.deps.Manager.Clear()
}

// Remediation returns user-facing guidance for a simulation failure, or ""
// when there is nothing actionable to suggest.
func Remediation(err error) string {
	switch {
	case errors.Is(err, simulation.ErrHelperUnavailable):
		return fmt.Sprintf("Install the %s helper (e.g. via pipx or homebrew) and restart the agent.", locator.HelperName)
	case errors.Is(err, tunnel.ErrLaunchDenied), errors.Is(err, tunnel.ErrTimeout):
		return fmt.Sprintf("Start the tunnel daemon manually: sudo %s remote tunneld -d", locator.HelperName)
	}
	return ""
}
