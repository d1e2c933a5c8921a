package main

import (
	"log"
	"strings"
	"sync/atomic"
)

var debugLogging atomic.Bool

// setLogLevel enables debugf output for LOG_LEVEL=debug.
func setLogLevel(level string) {
	debugLogging.Store(strings.EqualFold(strings.TrimSpace(level), "debug"))
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}

func debugf(format string, args ...any) {
	if debugLogging.Load() {
		log.Printf("DEBUG "+format, args...)
	}
}
