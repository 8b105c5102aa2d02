// Package safepoint implements the per-thread blocking/suspension state
// machine and the cross-thread safepoint request protocol.
//
// Every Java thread owns a State guarded by one mutex+condvar pair. All
// blocking operations (monitor waits, parks, sleeps, suspension) loop
// through checkLocked, which re-examines the whole state on every wakeup,
// so an interrupt, resume or timeout is observed at the next check no
// matter what the thread was blocked on.
//
// Cross-thread requests: the initiator flips the target's
// ShouldSafepointCheck flag (tested by every compiled poll site) and nudges
// the target's OS thread with a directed signal so a thread blocked in a
// syscall returns and re-checks promptly.
package safepoint

import (
	"errors"
	"sync"
	"time"

	"github.com/pirocks/gojvm/internal/javastack"
	"github.com/pirocks/gojvm/internal/platform"
)

// ErrInterrupted is returned from a blocking wait when the thread was
// interrupted.
var ErrInterrupted = errors.New("interrupted")

// ErrTerminated is returned when the thread has been told to terminate.
var ErrTerminated = errors.New("thread terminated")

// RemoteQuery is one cross-thread request: the work to run when the target
// reaches its next safepoint, plus completion signalling for the initiator.
type RemoteQuery struct {
	// Work runs on the target thread at its safepoint.
	Work func()

	mu   sync.Mutex
	done bool
	cond *sync.Cond
}

// NewRemoteQuery wraps work into a completable query.
func NewRemoteQuery(work func()) *RemoteQuery {
	q := &RemoteQuery{Work: work}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// complete marks the query done and wakes the initiator.
func (q *RemoteQuery) complete() {
	q.mu.Lock()
	q.done = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Await blocks until the target has run the work.
func (q *RemoteQuery) Await() {
	q.mu.Lock()
	for !q.done {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

// inner is the guarded state. Field names follow the consolidated
// blocking-state design: one struct, one lock, polled at every safepoint.
type inner struct {
	alive      bool
	terminate  bool
	suspended  bool
	interrupt  bool
	parks      int64 // park permits minus park requests; negative blocks
	parkUntil  time.Time
	sleepUntil time.Time

	waitingMonitorLock   bool
	waitingMonitorNotify bool

	pendingQueries []*RemoteQuery
}

// State is one thread's safepoint state.
type State struct {
	mu   sync.Mutex
	cond *sync.Cond
	in   inner

	// tid is the OS thread id, recorded while the Java thread is locked to
	// its OS thread.
	tid int

	// Signal is the block shared with compiled code and initiators.
	Signal *javastack.SignalAccessibleData
}

// NewState returns the state for a freshly started thread.
func NewState(signal *javastack.SignalAccessibleData) *State {
	s := &State{Signal: signal}
	s.cond = sync.NewCond(&s.mu)
	s.in.alive = true
	return s
}

// SetTID records the thread's OS thread id for directed signals.
func (s *State) SetTID(tid int) {
	s.mu.Lock()
	s.tid = tid
	s.mu.Unlock()
}

// nudge sets the poll flag and pokes the OS thread out of any syscall.
func (s *State) nudge() {
	s.Signal.ShouldSafepointCheck.Store(true)
	if s.tid != 0 {
		// Best effort: the thread may not be in a syscall at all.
		_ = platform.Tgkill(s.tid, platform.SafepointSignal)
	}
	s.cond.Broadcast()
}

// EnqueueRemote queues work to run at the target's next safepoint and
// nudges it. Call from any thread but the target.
func (s *State) EnqueueRemote(q *RemoteQuery) {
	s.mu.Lock()
	s.in.pendingQueries = append(s.in.pendingQueries, q)
	s.nudge()
	s.mu.Unlock()
}

// Interrupt sets the interrupt flag and wakes the thread.
func (s *State) Interrupt() {
	s.mu.Lock()
	s.in.interrupt = true
	s.nudge()
	s.mu.Unlock()
}

// ClearInterrupt consumes the interrupt flag, returning its prior value.
func (s *State) ClearInterrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.in.interrupt
	s.in.interrupt = false
	return was
}

// RequestSuspend marks the thread suspended; it parks at its next
// safepoint check until Resume.
func (s *State) RequestSuspend() {
	s.mu.Lock()
	s.in.suspended = true
	s.nudge()
	s.mu.Unlock()
}

// Resume clears suspension.
func (s *State) Resume() {
	s.mu.Lock()
	s.in.suspended = false
	s.cond.Broadcast()
	s.mu.Unlock()
}

// RequestTerminate asks the thread to exit at its next safepoint.
func (s *State) RequestTerminate() {
	s.mu.Lock()
	s.in.terminate = true
	s.nudge()
	s.mu.Unlock()
}

// Unpark grants one park permit.
func (s *State) Unpark() {
	s.mu.Lock()
	s.in.parks++
	s.cond.Broadcast()
	s.mu.Unlock()
}

// CheckSafepoint is the poll every safepoint site funnels into on the Go
// side: runs pending remote work, honors suspension, and reports
// interruption/termination.
//
// Runs on the thread itself.
func (s *State) CheckSafepoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkLocked(false)
}

// checkLocked processes the state; inWait relaxes interrupt handling so
// non-blocking polls don't consume interrupts meant for waits.
func (s *State) checkLocked(inWait bool) error {
	for {
		// Remote work runs first: this is the signal-handler hijack
		// equivalent, executed at a well-defined point instead.
		if n := len(s.in.pendingQueries); n != 0 {
			qs := s.in.pendingQueries
			s.in.pendingQueries = nil
			s.mu.Unlock()
			for _, q := range qs {
				q.Work()
				q.complete()
			}
			s.mu.Lock()
			continue
		}
		if s.in.terminate {
			return ErrTerminated
		}
		if s.in.suspended {
			s.cond.Wait()
			continue
		}
		if inWait && s.in.interrupt {
			s.in.interrupt = false
			return ErrInterrupted
		}
		s.Signal.ShouldSafepointCheck.Store(false)
		return nil
	}
}

// Sleep blocks for d, returning ErrInterrupted if interrupted first.
func (s *State) Sleep(d time.Duration) error {
	deadline := time.Now().Add(d)
	s.mu.Lock()
	s.in.sleepUntil = deadline
	defer func() {
		s.in.sleepUntil = time.Time{}
		s.mu.Unlock()
	}()
	for {
		if err := s.checkLocked(true); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		s.timedWait(remaining)
	}
}

// Park blocks until a permit is available, an optional deadline passes, or
// the thread is interrupted.
func (s *State) Park(deadline time.Time) error {
	s.mu.Lock()
	s.in.parks--
	s.in.parkUntil = deadline
	defer func() {
		s.in.parkUntil = time.Time{}
		s.mu.Unlock()
	}()
	for {
		if err := s.checkLocked(true); err != nil {
			// A consumed park request must not leak on interrupt.
			s.in.parks++
			return err
		}
		if s.in.parks >= 0 {
			return nil
		}
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				s.in.parks++
				return nil
			}
			s.timedWait(remaining)
		} else {
			s.cond.Wait()
		}
	}
}

// timedWait waits on the condvar with a timeout, dropping the state lock.
// sync.Cond has no timed wait; a timer broadcast substitutes.
func (s *State) timedWait(d time.Duration) {
	t := time.AfterFunc(d, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	s.cond.Wait()
	t.Stop()
}

// WaitCond blocks on the state's condvar until pred holds, a deadline
// passes (zero means none), or interruption. Monitor wait/notify plugs its
// predicate in here so every wakeup re-runs the full safepoint check.
func (s *State) WaitCond(pred func() bool, deadline time.Time, kind WaitKind) error {
	s.mu.Lock()
	switch kind {
	case WaitMonitorLock:
		s.in.waitingMonitorLock = true
		defer func() { s.in.waitingMonitorLock = false; s.mu.Unlock() }()
	case WaitMonitorNotify:
		s.in.waitingMonitorNotify = true
		defer func() { s.in.waitingMonitorNotify = false; s.mu.Unlock() }()
	default:
		defer s.mu.Unlock()
	}
	for {
		if err := s.checkLocked(true); err != nil {
			return err
		}
		if pred() {
			return nil
		}
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil
			}
			s.timedWait(remaining)
		} else {
			s.cond.Wait()
		}
	}
}

// NotifyStateChanged wakes the thread to re-evaluate WaitCond predicates.
func (s *State) NotifyStateChanged() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// WaitKind classifies what a WaitCond caller is blocked on, for
// introspection (thread dumps, JVMTI).
type WaitKind byte

const (
	WaitOther WaitKind = iota
	WaitMonitorLock
	WaitMonitorNotify
)

// Snapshot is a point-in-time copy of the observable state.
type Snapshot struct {
	Alive, Terminate, Suspended, Interrupt bool
	WaitingMonitorLock                     bool
	WaitingMonitorNotify                   bool
	Parks                                  int64
}

// Snapshot returns the current state for introspection.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Alive:                s.in.alive,
		Terminate:            s.in.terminate,
		Suspended:            s.in.suspended,
		Interrupt:            s.in.interrupt,
		WaitingMonitorLock:   s.in.waitingMonitorLock,
		WaitingMonitorNotify: s.in.waitingMonitorNotify,
		Parks:                s.in.parks,
	}
}

// MarkDead records thread exit.
func (s *State) MarkDead() {
	s.mu.Lock()
	s.in.alive = false
	s.cond.Broadcast()
	s.mu.Unlock()
}
