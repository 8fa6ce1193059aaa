// Package version reports the steward build version.
package version

import "runtime/debug"

// Version is stamped with -ldflags "-X .../internal/version.Version=v1.2.3".
// Without it, the module version recorded by go install is used.
var Version = "dev"

func init() {
	if Version != "dev" {
		return
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}
}

// String renders the version for CLI output.
func String() string {
	return "steward " + Version
}
