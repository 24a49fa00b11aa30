package tunnel

// OSElevator launches the tunnel daemon through the platform's elevation
// mechanism: an osascript administrator prompt on macOS, pkexec or sudo on
// Linux. Exactly one invocation per call - the user sees at most one
// credential prompt.
type OSElevator struct{}

// LaunchDaemon issues a single elevated invocation of
// "<helper> remote tunneld -d". A non-nil error means the launch was refused
// or failed; callers must not retry silently.
func (e OSElevator) LaunchDaemon(helperPath string) error {
	return launchDaemonPlatform(helperPath)
}
