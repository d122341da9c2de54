package prefetch

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain enforces that no test in this package leaks a goroutine
// past Dispose()/Close(), beyond net/http's own long-lived transport
// goroutines.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	)
}
