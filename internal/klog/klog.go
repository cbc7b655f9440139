// Package klog is the kernel-log sink. biscuit logs with bare fmt.Printf
// because it is freestanding kernel code with no import path to an
// external library; this module is a hosted simulation, so it follows
// cherts-pgscv's logging convention and logs through zerolog instead,
// giving every subsystem leveled, structured output.
package klog

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu  sync.Mutex
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).
		With().Timestamp().Logger()
)

// SetLevel adjusts the global log level (e.g. for --log-level in weenixctl).
func SetLevel(lvl zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	log = log.Level(lvl)
	zerolog.SetGlobalLevel(lvl) // subsystem loggers from For are copies; only the global level reaches them
}

// For returns a logger scoped to a subsystem name ("mmobj", "vmmap", ...).
func For(subsystem string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return log.With().Str("subsys", subsystem).Logger()
}
