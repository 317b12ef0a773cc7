// Package debug holds the process-wide debug-logging switch. Checking a
// boolean here is cheap enough for hot paths like the per-request
// transport logging, where building logrus fields first and asking the
// logger's level after would not be.
package debug

import (
	"os"
	"sync"
)

var (
	enabled bool
	mu      sync.RWMutex
)

func init() {
	// Environment initialization happens on package load so debug works
	// in tests that never run main.
	InitFromEnv()
}

// Enabled returns whether debug logging is enabled.
func Enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// SetEnabled sets whether debug logging is enabled.
func SetEnabled(value bool) {
	mu.Lock()
	defer mu.Unlock()
	enabled = value
}

// InitFromEnv enables debug logging when KEYSTORED_DEBUG=true or
// KEYSTORED_LOG_LEVEL=debug is set.
func InitFromEnv() {
	if os.Getenv("KEYSTORED_DEBUG") == "true" {
		SetEnabled(true)
		return
	}
	if os.Getenv("KEYSTORED_LOG_LEVEL") == "debug" {
		SetEnabled(true)
		return
	}
	SetEnabled(false)
}

// InitFromLogLevel follows the configured log level unless one of the
// environment variables already decided.
func InitFromLogLevel(logLevel string) {
	if os.Getenv("KEYSTORED_DEBUG") == "" && os.Getenv("KEYSTORED_LOG_LEVEL") == "" {
		SetEnabled(logLevel == "debug" || logLevel == "trace")
	}
}
