// Package guard marks the process as running under tests. Import it for
// side effects from any test that links the server or worker entrypoints.
package guard

import "os"

const testModeEnv = "STAYKIT_TEST_MODE"

func init() {
	if os.Getenv(testModeEnv) == "" {
		_ = os.Setenv(testModeEnv, "1")
	}
}
