package engine

import (
	"fmt"
	"runtime"

	"github.com/pirocks/gojvm/internal/cpdtype"
	"github.com/pirocks/gojvm/internal/ir"
	"github.com/pirocks/gojvm/internal/javastack"
	"github.com/pirocks/gojvm/internal/jitabi"
	"github.com/pirocks/gojvm/internal/platform"
	"github.com/pirocks/gojvm/internal/safepoint"
)

// Thread is one Java thread: its guest stack, JIT context and safepoint
// state. A Thread is driven by exactly one goroutine, locked to its OS
// thread while guest code runs.
type Thread struct {
	Engine *Engine
	Stack  *javastack.Stack
	Ctx    jitabi.JITContext
	Safept *safepoint.State

	// ID is the Java thread id; doubles as the monitor owner id.
	ID int64

	// pendingThrowable is the in-flight guest exception during unwinding.
	pendingThrowable uintptr
}

// NewThread creates a thread with a fresh guest stack.
func (e *Engine) NewThread(id int64) (*Thread, error) {
	stack, err := javastack.New(0)
	if err != nil {
		return nil, err
	}
	t := &Thread{
		Engine: e,
		Stack:  stack,
		ID:     id,
	}
	t.Safept = safepoint.NewState(&stack.Signal)
	t.Ctx.ExitHandlerIP = e.HostExitEntry()
	t.Ctx.SignalData = &stack.Signal
	e.threadsMu.Lock()
	e.threads = append(e.threads, t)
	e.threadsMu.Unlock()
	return t, nil
}

// GuestError is a guest throwable that unwound out of the outermost guest
// frame.
type GuestError struct {
	Throwable uintptr
	Class     cpdtype.Type
}

func (g *GuestError) Error() string {
	return fmt.Sprintf("uncaught guest exception of type %s", g.Class)
}

// InvokeMethod runs a method on this thread's guest stack: compiles it if
// needed, sets up the top frame and drives the exit loop until the frame
// returns or an exception escapes.
func (t *Thread) InvokeMethod(mid ir.MethodID, args []uint64) (uint64, error) {
	inst, err := t.Engine.EnsureCompiled(mid)
	if err != nil {
		return 0, err
	}

	// Guest code runs on this OS thread and the safepoint machinery
	// targets it by tid.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	t.Safept.SetTID(platform.Gettid())

	fp := t.Stack.Top()
	if err := t.Stack.CheckRoom(fp, inst.FrameSize); err != nil {
		return 0, t.stackOverflow(err)
	}
	// The top frame links to the host-exit epilogue; its prev-rbp is the
	// stack-top sentinel the frame iterator stops at.
	if err := t.Stack.WriteFrame(fp, t.Engine.HostExitEntry(), t.Stack.Top(),
		uint64(inst.IRID), uint64(mid), args); err != nil {
		return 0, err
	}

	t.Ctx.JavaSaved.RBP = fp
	t.Ctx.JavaSaved.RSP = fp - uintptr(inst.FrameSize)
	t.Ctx.JavaSaved.RIP = inst.Entry

	for {
		nativecall(&t.Ctx)

		if t.Ctx.ExitIndex == jitabi.HostExitIndex {
			return t.Ctx.ReturnValue, nil
		}

		done, ret, err := t.serviceExit()
		if err != nil {
			return 0, err
		}
		if done {
			return ret, nil
		}
	}
}

// currentFrame returns the frame the guest was in at the exit.
func (t *Thread) currentFrame() (javastack.FrameRef, error) {
	return t.Stack.FrameAt(t.Ctx.JavaSaved.RBP)
}

// currentInstalled resolves the installed method the exiting frame runs.
func (t *Thread) currentInstalled() (*InstalledMethod, javastack.FrameRef, error) {
	f, err := t.currentFrame()
	if err != nil {
		return nil, javastack.FrameRef{}, err
	}
	irID, ok := f.IRMethodID()
	if !ok {
		return nil, javastack.FrameRef{}, fmt.Errorf("exit from opaque frame at 0x%x", f.FramePointer())
	}
	inst, ok := t.Engine.InstalledByIRID(ir.IRMethodID(irID))
	if !ok {
		return nil, javastack.FrameRef{}, fmt.Errorf("exit from unknown ir method %d", irID)
	}
	// The continuation rip must lie inside the method's segment; anything
	// else means the exit table and the frame disagree.
	rip := t.Ctx.JavaSaved.RIP
	if rip < inst.Entry || rip > inst.End {
		return nil, javastack.FrameRef{}, fmt.Errorf(
			"exit rip 0x%x outside ir method %d [0x%x, 0x%x]", rip, irID, inst.Entry, inst.End)
	}
	return inst, f, nil
}

// resumeAtRestart redirects re-entry to a restart point of the method's
// *current* version, which may be newer than the one that exited.
func (t *Thread) resumeAtRestart(f javastack.FrameRef, mid ir.MethodID, restart ir.RestartPointID) error {
	inst, ok := t.Engine.CurrentVersion(mid)
	if !ok {
		return fmt.Errorf("method %d lost its compiled version", mid)
	}
	addr, err := inst.RestartAddress(restart)
	if err != nil {
		return err
	}
	// Restart re-entry bypasses IRStart; the frame header must be moved to
	// the new version by hand.
	f.WriteAtOffset(javastack.FrameHeaderIRMethodIDOffset, uint64(inst.IRID))
	t.Ctx.JavaSaved.RIP = addr
	t.Ctx.JavaSaved.RSP = f.FramePointer() - uintptr(inst.FrameSize)
	return nil
}

func (t *Thread) stackOverflow(cause error) error {
	t.Engine.log.WithError(cause).Warn("guest stack overflow")
	return fmt.Errorf("%w: %v", errStackOverflow, cause)
}
