package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/pirocks/gojvm/internal/safepoint"
)

// Monitor is the native monitor behind a guest object: an owner thread id,
// a re-entrance counter, and a wait set. Ordering of contending entries is
// whatever the scheduler does; fairness is not promised.
type Monitor struct {
	mu       sync.Mutex
	owner    int64
	count    int
	waitSet  map[int64]bool // thread id -> notified
	revision uint64         // bumped on every release, for entry predicates
}

type monitorTable struct {
	mu       sync.Mutex
	monitors map[uintptr]*Monitor
}

func (mt *monitorTable) init() {
	mt.monitors = map[uintptr]*Monitor{}
}

// forObject returns the monitor of the object at p, creating it on first
// contention-free use.
func (mt *monitorTable) forObject(p uintptr) *Monitor {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	m, ok := mt.monitors[p]
	if !ok {
		m = &Monitor{waitSet: map[int64]bool{}}
		mt.monitors[p] = m
	}
	return m
}

// tryEnter attempts the lock without blocking.
func (m *Monitor) tryEnter(tid int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == 0 {
		m.owner = tid
		m.count = 1
		return true
	}
	if m.owner == tid {
		m.count++
		return true
	}
	return false
}

// Enter blocks until the monitor is held by t, incrementing the
// re-entrance count for a repeated entry. Interruption surfaces as
// safepoint.ErrInterrupted at the next safepoint check.
func (m *Monitor) Enter(t *Thread) error {
	if m.tryEnter(t.ID) {
		return nil
	}
	for {
		err := t.Safept.WaitCond(func() bool {
			return m.tryEnter(t.ID)
		}, time.Time{}, safepoint.WaitMonitorLock)
		if err != nil {
			return err
		}
		m.mu.Lock()
		held := m.owner == t.ID
		m.mu.Unlock()
		if held {
			return nil
		}
	}
}

// Exit releases one re-entrance level, fully releasing on the last.
func (m *Monitor) Exit(t *Thread) error {
	m.mu.Lock()
	if m.owner != t.ID {
		m.mu.Unlock()
		return fmt.Errorf("monitor exit by non-owner thread %d (owner %d)", t.ID, m.owner)
	}
	m.count--
	released := m.count == 0
	if released {
		m.owner = 0
		m.revision++
	}
	m.mu.Unlock()

	if released {
		// Blocked entrants poll via WaitCond predicates; wake them so the
		// predicates re-run.
		t.Engine.wakeMonitorWaiters()
	}
	return nil
}

// Wait implements Object.wait: release fully, park on the wait set, then
// reacquire with the saved re-entrance count. A zero deadline waits
// indefinitely.
func (m *Monitor) Wait(t *Thread, deadline time.Time) error {
	m.mu.Lock()
	if m.owner != t.ID {
		m.mu.Unlock()
		return fmt.Errorf("wait by non-owner thread %d", t.ID)
	}
	savedCount := m.count
	m.owner = 0
	m.count = 0
	m.revision++
	m.waitSet[t.ID] = false
	m.mu.Unlock()
	t.Engine.wakeMonitorWaiters()

	waitErr := t.Safept.WaitCond(func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.waitSet[t.ID]
	}, deadline, safepoint.WaitMonitorNotify)

	m.mu.Lock()
	delete(m.waitSet, t.ID)
	m.mu.Unlock()

	// Reacquire regardless of how the wait ended.
	if err := m.Enter(t); err != nil {
		return err
	}
	m.mu.Lock()
	m.count = savedCount
	m.mu.Unlock()
	return waitErr
}

// Notify wakes one waiter (all for notifyAll).
func (m *Monitor) Notify(t *Thread, all bool) error {
	m.mu.Lock()
	if m.owner != t.ID {
		m.mu.Unlock()
		return fmt.Errorf("notify by non-owner thread %d", t.ID)
	}
	for tid, notified := range m.waitSet {
		if notified {
			continue
		}
		m.waitSet[tid] = true
		if !all {
			break
		}
	}
	m.mu.Unlock()
	t.Engine.wakeMonitorWaiters()
	return nil
}

// wakeMonitorWaiters nudges every registered thread to re-run its blocking
// predicates. Monitors don't track which threads block on them, so wakeups
// are broadcast; spurious wakeups are absorbed by the predicates.
func (e *Engine) wakeMonitorWaiters() {
	e.threadsMu.Lock()
	threads := append([]*Thread(nil), e.threads...)
	e.threadsMu.Unlock()
	for _, t := range threads {
		t.Safept.NotifyStateChanged()
	}
}
