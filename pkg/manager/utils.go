package manager

import (
	"github.com/sirupsen/logrus"
)

// safeForEach invokes fn for every item in the snapshot. A panic in one
// callback is logged and never aborts the iteration or reaches the caller.
func safeForEach[T any](items []T, fn func(T), log *logrus.Entry, msg string) {
	for _, item := range items {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("panic", r).Error(msg)
				}
			}()
			fn(item)
		}()
	}
}

// removeListener removes the first element equal to listener from the slice.
func removeListener[T comparable](listeners []T, listener T) []T {
	for i, l := range listeners {
		if l == listener {
			return append(listeners[:i], listeners[i+1:]...)
		}
	}
	return listeners
}

// snapshot returns a copy of the slice for lock-free iteration.
func snapshot[T any](items []T) []T {
	out := make([]T, len(items))
	copy(out, items)
	return out
}
