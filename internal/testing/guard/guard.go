// Package guard flips the process into test mode when imported by a test binary.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("TIMELEDGER_TEST_MODE") == "" {
			_ = os.Setenv("TIMELEDGER_TEST_MODE", "1")
		}
	})
}
