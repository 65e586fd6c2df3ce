package server_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks for goroutine leaks after the server package's
// tests complete, since Server.Serve spawns one goroutine per session.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
