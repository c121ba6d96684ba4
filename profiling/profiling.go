// Package profiling wires the debug subcommand's -prof flag to
// github.com/pkg/profile, so a hung or slow vCPU loop can be captured with
// a single flag instead of wrapping main() by hand.
package profiling

import "github.com/pkg/profile"

// Start begins profiling per mode ("cpu", "mem", or "" to disable) and
// returns a func to stop it, safe to call unconditionally via defer.
func Start(mode string) func() {
	var p interface{ Stop() }

	switch mode {
	case "cpu":
		p = profile.Start(profile.CPUProfile, profile.ProfilePath("."))
	case "mem":
		p = profile.Start(profile.MemProfile, profile.ProfilePath("."))
	default:
		return func() {}
	}

	return p.Stop
}
