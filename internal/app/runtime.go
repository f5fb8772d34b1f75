package app

import (
	"os"
	"strconv"
	"sync/atomic"
)

// TestModeEnv disables listeners and workers when set to a true value, so
// binaries linked into tests return before touching Postgres or Redis.
const TestModeEnv = "STAYKIT_TEST_MODE"

var testMode atomic.Pointer[bool]

// InTestMode reports whether the process runs under the test harness.
func InTestMode() bool {
	if v := testMode.Load(); v != nil {
		return *v
	}
	return RefreshTestMode()
}

// RefreshTestMode re-reads TestModeEnv and caches the result.
func RefreshTestMode() bool {
	on, _ := strconv.ParseBool(os.Getenv(TestModeEnv))
	testMode.Store(&on)
	return on
}
