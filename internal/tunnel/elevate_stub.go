//go:build !darwin && !linux

package tunnel

import "errors"

func launchDaemonPlatform(helperPath string) error {
	return errors.New("privileged tunnel daemon launch is not supported on this platform")
}
