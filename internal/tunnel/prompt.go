package tunnel

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// PromptPassword prompts the user to enter a password securely (no echo)
func PromptPassword(what string) (string, error) {
	fmt.Fprintf(os.Stderr, "Enter %s password: ", what)

	// Try to open /dev/tty directly for terminal input
	// Fall back to stdin if tty is not available
	fd := int(os.Stdin.Fd())
	tty, err := os.Open("/dev/tty")
	if err == nil {
		defer tty.Close()
		fd = int(tty.Fd())
	}

	passwordBytes, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr) // Print newline after password input

	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	return string(passwordBytes), nil
}
