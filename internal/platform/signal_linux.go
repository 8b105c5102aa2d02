package platform

import (
	"golang.org/x/sys/unix"
)

// SafepointSignal is the thread-directed signal used to nudge a Java thread
// toward its next safepoint check. SIGURG is what the Go runtime itself uses
// for preemption, so delivery is guaranteed not to kill the process even if
// it races with handler (re)installation.
const SafepointSignal = unix.SIGURG

// Tgkill delivers sig to the OS thread tid of this process. Used by the
// safepoint initiator to interrupt a target thread that may be blocked in a
// syscall, forcing it through the runtime and onto its next poll site.
func Tgkill(tid int, sig unix.Signal) error {
	return unix.Tgkill(unix.Getpid(), tid, sig)
}

// Gettid returns the caller's OS thread id. Java threads record this at
// startup (while locked to their OS thread) so initiators can target them.
func Gettid() int {
	return unix.Gettid()
}
