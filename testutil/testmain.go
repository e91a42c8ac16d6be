package testutil

import (
	"flag"
	"os"
	"testing"
)

// TestMainWithLogLevel parses test flags and runs the package's tests. Call
// it from a package's TestMain to enable -loglevel:
//
//	func TestMain(m *testing.M) {
//		testutil.TestMainWithLogLevel(m)
//	}
//
//	go test ./... -loglevel=debug
func TestMainWithLogLevel(m *testing.M) {
	if !flag.Parsed() {
		flag.Parse()
	}
	os.Exit(m.Run())
}
