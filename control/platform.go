// control/platform.go
// Author: momentics <momentics@gmail.com>
//
// Runtime facts exposed through the debug probes.

package control

import "runtime"

// RegisterPlatformProbes adds the "platform" probe: OS, architecture, CPU
// count and live goroutines.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform", func() any {
		return map[string]any{
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"cpus":       runtime.NumCPU(),
			"goroutines": runtime.NumGoroutine(),
		}
	})
}
