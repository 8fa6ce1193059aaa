//go:build unix

package commands

import (
	"os"
	"strings"
	"syscall"
)

// killSignal maps the configured kill switch signal name.
func killSignal(name string) (os.Signal, bool) {
	switch strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "SIG") {
	case "USR1":
		return syscall.SIGUSR1, true
	case "USR2":
		return syscall.SIGUSR2, true
	case "HUP":
		return syscall.SIGHUP, true
	case "QUIT":
		return syscall.SIGQUIT, true
	default:
		return nil, false
	}
}
