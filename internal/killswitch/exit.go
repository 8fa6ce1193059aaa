package killswitch

import (
	"fmt"
	"os"
)

// ExitFunc terminates the process. Tests replace it.
type ExitFunc func(code int)

// HaltCode is the exit status of a halted executor.
const HaltCode = 1

// Halter builds the executor halt hook: it reports the reason on stderr and
// exits with HaltCode without waiting for anyone.
func Halter(exit ExitFunc) func(reason string) {
	if exit == nil {
		exit = os.Exit
	}
	return func(reason string) {
		fmt.Fprintf(os.Stderr, "steward executor halted by kill switch: %s\n", reason)
		exit(HaltCode)
	}
}
