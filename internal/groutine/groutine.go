// Package groutine starts labeled goroutines so that background workers of
// the management layer (refresh tasks, discovery passes, scan pumps) are
// identifiable in pprof goroutine dumps.
package groutine

import (
	"context"
	"runtime/pprof"
)

// Go runs fn on a new goroutine labeled with the given name.
func Go(name string, fn func()) {
	labels := pprof.Labels("worker", name)
	go pprof.Do(context.Background(), labels, func(context.Context) {
		fn()
	})
}
