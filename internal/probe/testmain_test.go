package probe_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks for goroutine leaks after the probe package's tests
// complete, since Probe.Run spawns a sender goroutine for the
// duration of the experiment.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
