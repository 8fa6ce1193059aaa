//go:build !unix

package commands

import "os"

// killSignal reports no signal: user signals do not exist here, so the
// gateway and CLI are the only triggers.
func killSignal(string) (os.Signal, bool) {
	return nil, false
}
