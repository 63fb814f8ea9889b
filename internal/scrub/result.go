package scrub

import (
	"os"
	"time"
)

// SettleDelay is applied before exit in service mode so the service
// manager observes a stable state for the scrub units.
const SettleDelay = 2 * time.Second

// serviceModeEnv marks an invocation supervised by the service manager.
// Its presence suppresses journal following and clamps the exit code.
const serviceModeEnv = "SERVICE_MODE"

// ServiceMode reports whether the process runs as a supervised service.
func ServiceMode() bool {
	_, ok := os.LookupEnv(serviceModeEnv)
	return ok
}

// ExitCode folds an aggregate result into the process exit code. In
// service mode the settle delay is applied and any nonzero code is
// clamped to 1, so internal status bit patterns never leak to the
// supervisor.
func ExitCode(res Result, serviceMode bool, settle time.Duration) int {
	code := res.Code
	if code < 0 {
		code = 0
	}
	if serviceMode {
		time.Sleep(settle)
		if code != 0 {
			code = 1
		}
	}
	return code
}
