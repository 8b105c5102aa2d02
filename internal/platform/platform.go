// Package platform isolates the process-level primitives the JIT depends
// on: executable memory mappings, fixed-address heap-region reservations,
// the guest stack mapping, and thread-directed signals.
//
// Everything here is Linux/amd64 only, which is the only target the
// template JIT encodes for.
package platform

import (
	"runtime"
)

// ArchSupported is checked at VM construction so that a
// mis-targeted build fails loudly instead of emitting code for the wrong
// architecture.
func ArchSupported() bool {
	return runtime.GOOS == "linux" && runtime.GOARCH == "amd64"
}
