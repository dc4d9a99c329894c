package server

import (
	"log"
	"sync/atomic"
)

// debugMode gates DebugLog. It is set from the -debug flag or
// TUNE_DEBUG=true, and an Owner can flip it with PUT /api/v1/debug.
var debugMode atomic.Bool

// SetDebug enables or disables debug logging.
func SetDebug(on bool) {
	if debugMode.Swap(on) == on {
		return
	}
	if on {
		log.Printf("[DEBUG] debug logging enabled")
	} else {
		log.Printf("[DEBUG] debug logging disabled")
	}
}

// IsDebug reports whether debug logging is on.
func IsDebug() bool {
	return debugMode.Load()
}

// DebugLog logs like log.Printf when debug mode is on.
func DebugLog(format string, args ...any) {
	if debugMode.Load() {
		log.Printf("[DEBUG] "+format, args...)
	}
}
