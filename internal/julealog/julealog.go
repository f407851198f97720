// Package julealog provides the process-wide structured logger shared by all
// julea packages, built on go.uber.org/zap.
//
// Components never construct their own logger from scratch; they call L()
// for the shared default, or accept a *zap.Logger via a WithLogger option and
// fall back to L() when none is given. This mirrors the single shared
// http.Client pattern the teacher uses for cluster communication, applied to
// logging instead.
package julealog

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	initOnce sync.Once
	current  atomic.Pointer[zap.Logger]
)

func initDefault() {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	current.Store(logger)
}

// L returns the process-wide default logger, lazily initializing it on first
// use (in production config: JSON encoding, info level, stack traces on
// error). Tests that want quieter output should call SetDefault with a
// zaptest logger or zap.NewNop().
func L() *zap.Logger {
	initOnce.Do(initDefault)
	return current.Load()
}

// SetDefault replaces the process-wide default logger, e.g. with a zaptest
// logger or zap.NewNop() in tests.
func SetDefault(logger *zap.Logger) {
	initOnce.Do(func() {})
	current.Store(logger)
}
