// Package test holds helpers shared by the module's tests.
package test

import (
	"os"
	"testing"
)

// IntegrationEnv enables tests that need a container runtime and a server image.
const IntegrationEnv = "CLUSTERFIXTURE_INTEGRATION"

// Integration skips the test unless integration tests are enabled.
func Integration(t *testing.T) {
	t.Helper()
	if !Enabled() {
		t.Skipf("skipping integration test, set %s=1 to run it", IntegrationEnv)
	}
}

func Enabled() bool {
	return os.Getenv(IntegrationEnv) != ""
}
