package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func twoThreads(t *testing.T) (*Engine, *Thread, *Thread) {
	t.Helper()
	e := newTestEngine(t)
	a, err := e.NewThread(1)
	require.NoError(t, err)
	b, err := e.NewThread(2)
	require.NoError(t, err)
	return e, a, b
}

func TestMonitorReentrancy(t *testing.T) {
	e, a, _ := twoThreads(t)
	m := e.monitors.forObject(0x1000)

	require.NoError(t, m.Enter(a))
	require.NoError(t, m.Enter(a))
	require.NoError(t, m.Exit(a))
	// Still held after one exit of two entries.
	require.False(t, m.tryEnter(99))
	require.NoError(t, m.Exit(a))
	require.True(t, m.tryEnter(99))
}

func TestMonitorExitByNonOwnerFails(t *testing.T) {
	e, a, b := twoThreads(t)
	m := e.monitors.forObject(0x1000)
	require.NoError(t, m.Enter(a))
	require.Error(t, m.Exit(b))
}

func TestMonitorContention(t *testing.T) {
	e, a, b := twoThreads(t)
	m := e.monitors.forObject(0x1000)
	require.NoError(t, m.Enter(a))

	acquired := make(chan error, 1)
	go func() { acquired <- m.Enter(b) }()

	select {
	case <-acquired:
		t.Fatal("second thread acquired a held monitor")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, m.Exit(a))
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked entrant never acquired the released monitor")
	}
	require.NoError(t, m.Exit(b))
}

func TestMonitorWaitNotify(t *testing.T) {
	e, a, b := twoThreads(t)
	m := e.monitors.forObject(0x2000)

	require.NoError(t, m.Enter(a))
	waited := make(chan error, 1)
	go func() { waited <- m.Wait(a, time.Time{}) }()

	// The waiter releases the monitor, so b can take it and notify.
	require.Eventually(t, func() bool { return m.tryEnter(b.ID) }, 5*time.Second, time.Millisecond)
	require.NoError(t, m.Notify(b, false))
	require.NoError(t, m.Exit(b))

	select {
	case err := <-waited:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("notified waiter did not wake")
	}
	// The waiter reacquired the monitor on wakeup.
	require.False(t, m.tryEnter(99))
	require.NoError(t, m.Exit(a))
}

func TestMonitorWaitDeadline(t *testing.T) {
	e, a, _ := twoThreads(t)
	m := e.monitors.forObject(0x3000)
	require.NoError(t, m.Enter(a))

	start := time.Now()
	require.NoError(t, m.Wait(a, time.Now().Add(20*time.Millisecond)))
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	// Reacquired after the timeout.
	require.False(t, m.tryEnter(99))
}

func TestMonitorNotifyRequiresOwnership(t *testing.T) {
	e, a, b := twoThreads(t)
	m := e.monitors.forObject(0x4000)
	require.NoError(t, m.Enter(a))
	require.Error(t, m.Notify(b, false))
	require.Error(t, m.Wait(b, time.Time{}))
}
