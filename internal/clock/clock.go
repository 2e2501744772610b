// Package clock provides the system-clock convenience the cachepolicy
// package itself never calls. Every time-dependent cachepolicy operation
// takes now as an explicit parameter; callers who want to pass
// time.Now() without importing time directly at the call site can use
// System instead. Being internal, the package is importable only from
// within this module.
package clock

import "time"

// System returns the current time. It exists purely as a caller
// convenience; no cachepolicy package code calls it.
func System() time.Time {
	return time.Now()
}
