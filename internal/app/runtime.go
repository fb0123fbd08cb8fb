package app

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

const testModeEnv = "TIMELEDGER_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

// detectTestMode honours an explicit TIMELEDGER_TEST_MODE and otherwise asks whether the
// binary is a go test binary.
func detectTestMode() {
	if raw, ok := os.LookupEnv(testModeEnv); ok && raw != "" {
		on, err := strconv.ParseBool(raw)
		testModeFlag.Store(err == nil && on)
		return
	}
	testModeFlag.Store(testing.Testing())
}

// InTestMode reports whether the binaries should skip connecting to postgres and redis.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// RefreshTestMode re-reads the environment.
func RefreshTestMode() {
	testModeOnce.Do(func() {})
	detectTestMode()
}
