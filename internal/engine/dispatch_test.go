package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pirocks/gojvm/internal/classfile"
	"github.com/pirocks/gojvm/internal/cpdtype"
	"github.com/pirocks/gojvm/internal/ir"
	"github.com/pirocks/gojvm/internal/javastack"
	"github.com/pirocks/gojvm/internal/names"
	"github.com/pirocks/gojvm/internal/objlayout"
)

// constMethod is `int m() { return v; }` as an instance method.
func constMethod(e *Engine, v int64) *classfile.MethodData {
	return &classfile.MethodData{
		MethodName:   names.MethodNameID(e.Pool.Add("m")),
		Desc:         classfile.MethodDescriptor{Ret: cpdtype.Int()},
		DescriptorID: classfile.DescriptorID(e.Pool.Add("()I")),
		CodeAttr: &classfile.Code{
			MaxLocals: 1, // this
			MaxStack:  1,
			Instructions: []classfile.Instruction{
				{Offset: 0, Op: classfile.OpIConst, Value: v},
				{Offset: 1, Op: classfile.OpIReturn},
			},
		},
		Frames: frames(map[uint16][]classfile.VType{
			0: {}, 1: {classfile.VTypeInt},
		}),
	}
}

// TestResolveVirtualDispatch is the table-level half of the vtable-miss
// scenario: a receiver of the dynamic subtype resolves into the subtype's
// vtable slot, pointing at the override's compiled entry.
func TestResolveVirtualDispatch(t *testing.T) {
	e := newTestEngine(t)

	parentID := names.ClassNameID(e.Pool.Add("com/example/P"))
	parentView := &classfile.ClassData{
		ClassName:  parentID,
		Super:      names.WellKnownJavaLangObject,
		HasSuper:   true,
		MethodList: []*classfile.MethodData{constMethod(e, 1)},
	}
	parentRC, err := e.DefineClass(parentView)
	require.NoError(t, err)
	_, err = parentRC.Object.BeginInit(1)
	require.NoError(t, err)
	require.NoError(t, parentRC.Object.FinishInit())

	childID := names.ClassNameID(e.Pool.Add("com/example/C"))
	childView := &classfile.ClassData{
		ClassName:  childID,
		Super:      parentID,
		HasSuper:   true,
		MethodList: []*classfile.MethodData{constMethod(e, 2)},
	}
	childRC, err := e.DefineClass(childView)
	require.NoError(t, err)
	_, err = childRC.Object.BeginInit(1)
	require.NoError(t, err)
	require.NoError(t, childRC.Object.FinishInit())

	// A C instance referenced through a frame slot, as at the exit.
	recv, err := e.AllocateObjectSlow(cpdtype.Class(childID))
	require.NoError(t, err)

	th, err := e.NewThread(1)
	require.NoError(t, err)
	fp := th.Stack.Top()
	require.NoError(t, th.Stack.WriteFrame(fp, 0, th.Stack.Top(),
		javastack.OpaqueIRMethodID, javastack.OpaqueMethodID, []uint64{uint64(recv)}))
	frame, err := th.Stack.FrameAt(fp)
	require.NoError(t, err)

	mName := names.MethodNameID(e.Pool.Add("m"))
	mDesc := classfile.DescriptorID(e.Pool.Add("()I"))
	exit := &ir.Exit{
		Kind:       ir.ExitInvokeVirtualResolve,
		MethodName: mName,
		DescID:     uint32(mDesc),
		ArgOffsets: []ir.FramePointerOffset{javastack.DataSlotOffset(0)},
	}
	require.NoError(t, th.resolveDispatch(frame, exit))

	// The slot now holds C.m's compiled entry, and the shape resolves to
	// the same slot in parent and child.
	number, ok := childRC.Object.MethodNumber(classfile.MethodShape{Name: mName, Desc: mDesc})
	require.True(t, ok)
	childM, ok := e.MethodIDOf(childID, mName, mDesc)
	require.True(t, ok)
	inst, ok := e.CurrentVersion(childM)
	require.True(t, ok)
	require.Equal(t, inst.Entry, e.vtables[childID][number])

	parentNumber, ok := parentRC.Object.MethodNumber(classfile.MethodShape{Name: mName, Desc: mDesc})
	require.True(t, ok)
	require.Equal(t, parentNumber, number)
}

// arrayCopyFixture plants [src, srcPos, dst, dstPos, len] in an opaque
// frame and returns it with a matching exit record.
func arrayCopyFixture(t *testing.T, th *Thread, src, dst uintptr, srcPos, dstPos, length int64) (javastack.FrameRef, *ir.Exit) {
	t.Helper()
	fp := th.Stack.Top()
	require.NoError(t, th.Stack.WriteFrame(fp, 0, th.Stack.Top(),
		javastack.OpaqueIRMethodID, javastack.OpaqueMethodID,
		[]uint64{uint64(src), uint64(srcPos), uint64(dst), uint64(dstPos), uint64(length)}))
	frame, err := th.Stack.FrameAt(fp)
	require.NoError(t, err)
	th.Ctx.JavaSaved.RBP = fp

	exit := &ir.Exit{
		Kind:   ir.ExitIntrinsicHelper,
		Helper: ir.HelperArrayCopy,
		ArgOffsets: []ir.FramePointerOffset{
			javastack.DataSlotOffset(0), javastack.DataSlotOffset(1),
			javastack.DataSlotOffset(2), javastack.DataSlotOffset(3),
			javastack.DataSlotOffset(4),
		},
	}
	return frame, exit
}

func TestArrayCopyHelper(t *testing.T) {
	e := newTestEngine(t)
	th, err := e.NewThread(1)
	require.NoError(t, err)

	src, err := e.AllocateArray(cpdtype.Int(), 10)
	require.NoError(t, err)
	dst, err := e.AllocateArray(cpdtype.Int(), 10)
	require.NoError(t, err)
	for i := uint32(0); i < 10; i++ {
		objlayout.ArrayAccessor(ptrOf(src), cpdtype.Int(), i).WriteInt(int32(i))
	}

	frame, exit := arrayCopyFixture(t, th, src, dst, 2, 3, 4)
	done, _, err := th.serviceArrayCopy(frame, exit)
	require.NoError(t, err)
	require.False(t, done)

	// dst[3..6] = src[2..5]; the rest untouched.
	for i := uint32(0); i < 10; i++ {
		want := int32(0)
		if i >= 3 && i < 7 {
			want = int32(i - 1)
		}
		require.Equal(t, want, objlayout.ArrayAccessor(ptrOf(dst), cpdtype.Int(), i).ReadInt(), "index %d", i)
	}
}

func TestArrayCopyHelperRejectsBadRanges(t *testing.T) {
	e := newTestEngine(t)
	th, err := e.NewThread(1)
	require.NoError(t, err)

	src, err := e.AllocateArray(cpdtype.Int(), 10)
	require.NoError(t, err)
	dst, err := e.AllocateArray(cpdtype.Int(), 10)
	require.NoError(t, err)

	// Negative length raises ArrayIndexOutOfBoundsException, which escapes
	// the opaque frame as a guest error.
	frame, exit := arrayCopyFixture(t, th, src, dst, 2, 3, -1)
	_, _, err = th.serviceArrayCopy(frame, exit)
	var guestErr *GuestError
	require.ErrorAs(t, err, &guestErr)
	require.Equal(t, cpdtype.Class(names.WellKnownArrayIndexOutOfBoundsException), guestErr.Class)

	// Overlong range.
	frame, exit = arrayCopyFixture(t, th, src, dst, 8, 0, 5)
	_, _, err = th.serviceArrayCopy(frame, exit)
	require.ErrorAs(t, err, &guestErr)

	// Null source is an NPE.
	frame, exit = arrayCopyFixture(t, th, 0, dst, 0, 0, 1)
	_, _, err = th.serviceArrayCopy(frame, exit)
	require.ErrorAs(t, err, &guestErr)
	require.Equal(t, cpdtype.Class(names.WellKnownNullPointerException), guestErr.Class)
}
