package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pirocks/gojvm/internal/classfile"
	"github.com/pirocks/gojvm/internal/cpdtype"
	"github.com/pirocks/gojvm/internal/ir"
	"github.com/pirocks/gojvm/internal/names"
)

// tryCatchMethod wraps its body in a NullPointerException handler that
// returns 7.
func tryCatchMethod(e *Engine) *classfile.MethodData {
	return &classfile.MethodData{
		MethodName:   names.MethodNameID(e.Pool.Add("guarded")),
		Desc:         classfile.MethodDescriptor{Ret: cpdtype.Int()},
		DescriptorID: classfile.DescriptorID(e.Pool.Add("()I")),
		AccFlags:     classfile.AccStatic,
		CodeAttr: &classfile.Code{
			MaxLocals: 0,
			MaxStack:  1,
			Instructions: []classfile.Instruction{
				{Offset: 0, Op: classfile.OpIConst, Value: 1},
				{Offset: 1, Op: classfile.OpIReturn},
				// handler: [exc] on the stack
				{Offset: 2, Op: classfile.OpPop},
				{Offset: 3, Op: classfile.OpIConst, Value: 7},
				{Offset: 4, Op: classfile.OpIReturn},
			},
			ExceptionTable: []classfile.ExceptionTableEntry{{
				StartPC: 0, EndPC: 2, HandlerPC: 2,
				CatchType:    names.WellKnownNullPointerException,
				HasCatchType: true,
			}},
		},
		Frames: frames(map[uint16][]classfile.VType{
			0: {}, 1: {classfile.VTypeInt},
			2: {classfile.VTypeReference},
			3: {}, 4: {classfile.VTypeInt},
		}),
	}
}

// TestUnwindIntoHandler fabricates a live guest frame and drives the
// unwinder directly: the throwable must land in the handler's stack slot
// and re-entry must target the handler's restart point.
func TestUnwindIntoHandler(t *testing.T) {
	e := newTestEngine(t)
	class := defineClassWith(t, e, "com/example/Guarded", tryCatchMethod(e))
	mid, _ := e.MethodIDOf(class,
		names.MethodNameID(e.Pool.Add("guarded")),
		classfile.DescriptorID(e.Pool.Add("()I")))
	inst, err := e.EnsureCompiled(mid)
	require.NoError(t, err)

	th, err := e.NewThread(1)
	require.NoError(t, err)

	// A frame as if the method faulted while executing bytecode 0.
	fp := th.Stack.Top()
	require.NoError(t, th.Stack.WriteFrame(fp, e.HostExitEntry(), th.Stack.Top(),
		uint64(inst.IRID), uint64(mid), nil))
	faultRIP, err := inst.RestartAddress(0)
	require.NoError(t, err)
	th.Ctx.JavaSaved.RBP = fp
	th.Ctx.JavaSaved.RIP = faultRIP

	npe, err := e.AllocateObjectSlow(cpdtype.Class(names.WellKnownNullPointerException))
	require.NoError(t, err)

	done, _, err := th.unwind(npe)
	require.NoError(t, err)
	require.False(t, done)

	// Resumed at the handler's restart point (bytecode index 2).
	handlerRIP, err := inst.RestartAddress(2)
	require.NoError(t, err)
	require.Equal(t, handlerRIP, th.Ctx.JavaSaved.RIP)

	// The throwable sits in the handler's sole stack entry.
	frame, err := th.Stack.FrameAt(fp)
	require.NoError(t, err)
	require.Equal(t, uint64(npe), frame.ReadAtOffset(inst.Handlers[0].ExceptionSlot))
}

// TestUnwindEscapesForNonMatchingType: a throwable that no handler covers
// escapes to the host as a GuestError.
func TestUnwindEscapesForNonMatchingType(t *testing.T) {
	e := newTestEngine(t)
	class := defineClassWith(t, e, "com/example/Guarded2", tryCatchMethod(e))
	mid, _ := e.MethodIDOf(class,
		names.MethodNameID(e.Pool.Add("guarded")),
		classfile.DescriptorID(e.Pool.Add("()I")))
	inst, err := e.EnsureCompiled(mid)
	require.NoError(t, err)

	th, err := e.NewThread(1)
	require.NoError(t, err)
	fp := th.Stack.Top()
	require.NoError(t, th.Stack.WriteFrame(fp, e.HostExitEntry(), th.Stack.Top(),
		uint64(inst.IRID), uint64(mid), nil))
	faultRIP, err := inst.RestartAddress(0)
	require.NoError(t, err)
	th.Ctx.JavaSaved.RBP = fp
	th.Ctx.JavaSaved.RIP = faultRIP

	// The handler catches NPE; throw ArithmeticException instead.
	ae, err := e.AllocateObjectSlow(cpdtype.Class(names.WellKnownArithmeticException))
	require.NoError(t, err)

	_, _, err = th.unwind(ae)
	require.Error(t, err)
	var guestErr *GuestError
	require.ErrorAs(t, err, &guestErr)
	require.Equal(t, ae, guestErr.Throwable)
}

// TestUnwindOutsideHandlerRange: faulting past EndPC must not hit the
// handler.
func TestUnwindOutsideHandlerRange(t *testing.T) {
	e := newTestEngine(t)
	class := defineClassWith(t, e, "com/example/Guarded3", tryCatchMethod(e))
	mid, _ := e.MethodIDOf(class,
		names.MethodNameID(e.Pool.Add("guarded")),
		classfile.DescriptorID(e.Pool.Add("()I")))
	inst, err := e.EnsureCompiled(mid)
	require.NoError(t, err)

	th, err := e.NewThread(1)
	require.NoError(t, err)
	fp := th.Stack.Top()
	require.NoError(t, th.Stack.WriteFrame(fp, e.HostExitEntry(), th.Stack.Top(),
		uint64(inst.IRID), uint64(mid), nil))
	// Fault at bytecode 3, outside [0, 2).
	faultRIP, err := inst.RestartAddress(3)
	require.NoError(t, err)
	th.Ctx.JavaSaved.RBP = fp
	th.Ctx.JavaSaved.RIP = faultRIP

	npe, err := e.AllocateObjectSlow(cpdtype.Class(names.WellKnownNullPointerException))
	require.NoError(t, err)
	_, _, err = th.unwind(npe)
	require.Error(t, err)
}

func TestHostExitEpilogueShape(t *testing.T) {
	code, err := emitHostExitEpilogue()
	require.NoError(t, err)
	require.NotEmpty(t, code)
	// Ends in RET back into the stub's caller.
	require.Equal(t, byte(0xc3), code[len(code)-1])
}

func TestResumeAtRestartMovesFrameToCurrentVersion(t *testing.T) {
	e := newTestEngine(t)
	class := defineClassWith(t, e, "com/example/Versioned", addMethod(e))
	mid, _ := e.MethodIDOf(class,
		names.MethodNameID(e.Pool.Add("add")),
		classfile.DescriptorID(e.Pool.Add("(II)I")))
	old, err := e.EnsureCompiled(mid)
	require.NoError(t, err)

	th, err := e.NewThread(1)
	require.NoError(t, err)
	fp := th.Stack.Top()
	require.NoError(t, th.Stack.WriteFrame(fp, e.HostExitEntry(), th.Stack.Top(),
		uint64(old.IRID), uint64(mid), nil))
	frame, err := th.Stack.FrameAt(fp)
	require.NoError(t, err)

	// Recompile, then resume: the frame header must carry the new IR id
	// and the rip must target the new version's restart point.
	fresh, err := e.Recompile(mid)
	require.NoError(t, err)
	require.NotEqual(t, old.IRID, fresh.IRID)

	require.NoError(t, th.resumeAtRestart(frame, mid, ir.RestartPointID(2)))
	gotID, ok := frame.IRMethodID()
	require.True(t, ok)
	require.Equal(t, uint64(fresh.IRID), gotID)

	want, err := fresh.RestartAddress(2)
	require.NoError(t, err)
	require.Equal(t, want, th.Ctx.JavaSaved.RIP)
}
