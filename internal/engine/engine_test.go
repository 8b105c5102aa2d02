package engine

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/pirocks/gojvm/internal/classfile"
	"github.com/pirocks/gojvm/internal/cpdtype"
	"github.com/pirocks/gojvm/internal/ir"
	"github.com/pirocks/gojvm/internal/memregions"
	"github.com/pirocks/gojvm/internal/names"
	"github.com/pirocks/gojvm/internal/objlayout"
	"github.com/pirocks/gojvm/internal/rtclass"
)

func ptrOf(p uintptr) unsafe.Pointer {
	return unsafe.Pointer(p) //nolint:govet // heap pointers are outside Go's allocator
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Options{})
	require.NoError(t, err)
	return e
}

func frames(stacks map[uint16][]classfile.VType) map[uint16]*classfile.StackMapFrame {
	out := map[uint16]*classfile.StackMapFrame{}
	for off, s := range stacks {
		out[off] = &classfile.StackMapFrame{Stack: s}
	}
	return out
}

// addMethod is `static int add(int, int)`.
func addMethod(e *Engine) *classfile.MethodData {
	return &classfile.MethodData{
		MethodName:   names.MethodNameID(e.Pool.Add("add")),
		Desc:         classfile.MethodDescriptor{Args: []cpdtype.Type{cpdtype.Int(), cpdtype.Int()}, Ret: cpdtype.Int()},
		DescriptorID: classfile.DescriptorID(e.Pool.Add("(II)I")),
		AccFlags:     classfile.AccStatic,
		CodeAttr: &classfile.Code{
			MaxLocals: 2,
			MaxStack:  2,
			Instructions: []classfile.Instruction{
				{Offset: 0, Op: classfile.OpILoad, Slot: 0},
				{Offset: 1, Op: classfile.OpILoad, Slot: 1},
				{Offset: 2, Op: classfile.OpIAdd},
				{Offset: 3, Op: classfile.OpIReturn},
			},
		},
		Frames: frames(map[uint16][]classfile.VType{
			0: {}, 1: {classfile.VTypeInt},
			2: {classfile.VTypeInt, classfile.VTypeInt},
			3: {classfile.VTypeInt},
		}),
	}
}

func defineClassWith(t *testing.T, e *Engine, name string, methods ...*classfile.MethodData) names.ClassNameID {
	t.Helper()
	id := names.ClassNameID(e.Pool.Add(name))
	view := &classfile.ClassData{
		ClassName:  id,
		Super:      names.WellKnownJavaLangObject,
		HasSuper:   true,
		MethodList: methods,
	}
	rc, err := e.DefineClass(view)
	require.NoError(t, err)
	// Tests drive initialization state directly; there are no <clinit>
	// bodies here.
	_, err = rc.Object.BeginInit(1)
	require.NoError(t, err)
	require.NoError(t, rc.Object.FinishInit())
	return id
}

func TestNewEngineDefinesBuiltins(t *testing.T) {
	e := newTestEngine(t)
	for _, name := range []names.ClassNameID{
		names.WellKnownJavaLangObject,
		names.WellKnownJavaLangClass,
		names.WellKnownNullPointerException,
		names.WellKnownStackOverflowError,
	} {
		rc, ok := e.LookupClass(name)
		require.True(t, ok, "builtin %d missing", name)
		require.Equal(t, rtclass.KindObject, rc.Kind)
	}
	// Throwable builtins are immediately usable.
	npe, _ := e.LookupClass(names.WellKnownNullPointerException)
	require.Equal(t, rtclass.Initialized, npe.Object.Status())
	require.NotZero(t, e.HostExitEntry())
}

func TestEnsureCompiledInstallsMethod(t *testing.T) {
	e := newTestEngine(t)
	class := defineClassWith(t, e, "com/example/Calc", addMethod(e))

	mid, ok := e.MethodIDOf(class,
		names.MethodNameID(e.Pool.Add("add")),
		classfile.DescriptorID(e.Pool.Add("(II)I")))
	require.True(t, ok)

	inst, err := e.EnsureCompiled(mid)
	require.NoError(t, err)
	require.NotZero(t, inst.Entry)
	require.NotEmpty(t, inst.ExitSites)
	// One restart point per bytecode.
	require.Len(t, inst.RestartPoints, 4)

	size, ok := e.FrameSizeOf(uint64(inst.IRID))
	require.True(t, ok)
	require.Equal(t, inst.FrameSize, size)

	// Idempotent: same installed version on the second call.
	again, err := e.EnsureCompiled(mid)
	require.NoError(t, err)
	require.Equal(t, inst.IRID, again.IRID)
}

func TestRecompileInvalidatesDirectCallers(t *testing.T) {
	e := newTestEngine(t)
	calleeClass := defineClassWith(t, e, "com/example/Callee", addMethod(e))
	calleeID, ok := e.MethodIDOf(calleeClass,
		names.MethodNameID(e.Pool.Add("add")),
		classfile.DescriptorID(e.Pool.Add("(II)I")))
	require.True(t, ok)

	// Compile the callee first so the caller links a direct call and
	// records a FunctionRecompiled dependency.
	callee, err := e.EnsureCompiled(calleeID)
	require.NoError(t, err)

	caller := &classfile.MethodData{
		MethodName:   names.MethodNameID(e.Pool.Add("caller")),
		Desc:         classfile.MethodDescriptor{Ret: cpdtype.Int()},
		DescriptorID: classfile.DescriptorID(e.Pool.Add("()I")),
		AccFlags:     classfile.AccStatic,
		CodeAttr: &classfile.Code{
			MaxLocals: 0,
			MaxStack:  2,
			Instructions: []classfile.Instruction{
				{Offset: 0, Op: classfile.OpIConst, Value: 1},
				{Offset: 1, Op: classfile.OpIConst, Value: 2},
				{Offset: 2, Op: classfile.OpInvokeStatic, Class: calleeClass,
					MethodName: names.MethodNameID(e.Pool.Add("add")),
					DescID:     classfile.DescriptorID(e.Pool.Add("(II)I")),
					Desc:       &classfile.MethodDescriptor{Args: []cpdtype.Type{cpdtype.Int(), cpdtype.Int()}, Ret: cpdtype.Int()}},
				{Offset: 5, Op: classfile.OpIReturn},
			},
		},
		Frames: frames(map[uint16][]classfile.VType{
			0: {}, 1: {classfile.VTypeInt},
			2: {classfile.VTypeInt, classfile.VTypeInt},
			5: {classfile.VTypeInt},
		}),
	}
	callerClass := defineClassWith(t, e, "com/example/Caller", caller)
	callerID, ok := e.MethodIDOf(callerClass,
		names.MethodNameID(e.Pool.Add("caller")),
		classfile.DescriptorID(e.Pool.Add("()I")))
	require.True(t, ok)

	callerInst, err := e.EnsureCompiled(callerID)
	require.NoError(t, err)

	// Recompiling the callee must leave no reachable stale direct call:
	// the caller's current version changes too.
	newCallee, err := e.Recompile(calleeID)
	require.NoError(t, err)
	require.NotEqual(t, callee.IRID, newCallee.IRID)

	newCaller, ok := e.CurrentVersion(callerID)
	require.True(t, ok)
	require.NotEqual(t, callerInst.IRID, newCaller.IRID)
}

func TestChangeableConstPatchAndSkip(t *testing.T) {
	e := newTestEngine(t)
	calleeClass := defineClassWith(t, e, "com/example/Lazy", addMethod(e))
	addName := names.MethodNameID(e.Pool.Add("add"))
	addDesc := classfile.DescriptorID(e.Pool.Add("(II)I"))

	// The callee is *not* compiled: the caller compiles the patchable-call
	// scheme with a skipable exit.
	caller := &classfile.MethodData{
		MethodName:   names.MethodNameID(e.Pool.Add("main")),
		Desc:         classfile.MethodDescriptor{Ret: cpdtype.Int()},
		DescriptorID: classfile.DescriptorID(e.Pool.Add("()I")),
		AccFlags:     classfile.AccStatic,
		CodeAttr: &classfile.Code{
			MaxLocals: 0,
			MaxStack:  2,
			Instructions: []classfile.Instruction{
				{Offset: 0, Op: classfile.OpIConst, Value: 3},
				{Offset: 1, Op: classfile.OpIConst, Value: 4},
				{Offset: 2, Op: classfile.OpInvokeStatic, Class: calleeClass,
					MethodName: addName, DescID: addDesc,
					Desc: &classfile.MethodDescriptor{Args: []cpdtype.Type{cpdtype.Int(), cpdtype.Int()}, Ret: cpdtype.Int()}},
				{Offset: 5, Op: classfile.OpIReturn},
			},
		},
		Frames: frames(map[uint16][]classfile.VType{
			0: {}, 1: {classfile.VTypeInt},
			2: {classfile.VTypeInt, classfile.VTypeInt},
			5: {classfile.VTypeInt},
		}),
	}
	callerClass := defineClassWith(t, e, "com/example/Main", caller)
	callerID, _ := e.MethodIDOf(callerClass,
		names.MethodNameID(e.Pool.Add("main")),
		classfile.DescriptorID(e.Pool.Add("()I")))

	inst, err := e.EnsureCompiled(callerID)
	require.NoError(t, err)

	// Find the compile-and-patch exit.
	var edit *ir.StaticFunctionRecompileEdit
	for _, site := range inst.ExitSites {
		if site.Exit.Kind == ir.ExitCompileFunctionAndRecompileCurrent {
			edit = site.Exit.Edit
		}
	}
	require.NotNil(t, edit)

	sites := inst.constSites[edit.FunctionAddressConst]
	require.NotEmpty(t, sites)
	for _, off := range sites {
		require.Equal(t, uint64(0), binary.LittleEndian.Uint64(inst.segment[off:off+8]))
	}

	// Patch as the exit dispatcher would after compiling the callee.
	e.SetChangeableConst(edit.FunctionAddressConst, 0xdeadbeef)
	for _, off := range sites {
		require.Equal(t, uint64(0xdeadbeef), binary.LittleEndian.Uint64(inst.segment[off:off+8]))
	}

	e.MarkExitSkipped(inst, edit.SkipableExit)
	require.True(t, inst.skipped[edit.SkipableExit])
}

func TestAllocateArrayRegionProperties(t *testing.T) {
	e := newTestEngine(t)

	p, err := e.AllocateArray(cpdtype.Int(), 10)
	require.NoError(t, err)

	// The pointer's region class is exactly the smallest that fits.
	region, ok := memregions.RegionOf(p)
	require.True(t, ok)
	require.Equal(t, memregions.SmallestWhichFits(objlayout.ArraySize(cpdtype.Int(), 10)), region)

	typ, err := e.TypeOfObject(p)
	require.NoError(t, err)
	require.Equal(t, cpdtype.Array(cpdtype.Int(), 1), typ)

	require.Equal(t, int32(10), objlayout.ArrayLen(ptrOf(p)))

	_, err = e.AllocateArray(cpdtype.Int(), -1)
	require.Error(t, err)
}

func TestAllocateObjectSlowAndTypeRecovery(t *testing.T) {
	e := newTestEngine(t)
	class := defineClassWith(t, e, "com/example/Point")

	p, err := e.AllocateObjectSlow(cpdtype.Class(class))
	require.NoError(t, err)
	typ, err := e.TypeOfObject(p)
	require.NoError(t, err)
	require.Equal(t, cpdtype.Class(class), typ)

	// Distinct allocations get distinct addresses.
	q, err := e.AllocateObjectSlow(cpdtype.Class(class))
	require.NoError(t, err)
	require.NotEqual(t, p, q)
}

func TestClassObjectRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	typ := cpdtype.Array(cpdtype.Int(), 1)

	co, err := e.ClassObject(typ)
	require.NoError(t, err)
	back, err := e.TypeOfClassObject(co)
	require.NoError(t, err)
	require.Equal(t, typ, back)

	// Interned: same Class instance per type.
	again, err := e.ClassObject(typ)
	require.NoError(t, err)
	require.Equal(t, co, again)
}

func TestIsSubclassOf(t *testing.T) {
	e := newTestEngine(t)
	require.True(t, e.isSubclassOf(names.WellKnownNullPointerException, names.WellKnownJavaLangThrowable))
	require.True(t, e.isSubclassOf(names.WellKnownNullPointerException, names.WellKnownJavaLangObject))
	require.False(t, e.isSubclassOf(names.WellKnownJavaLangThrowable, names.WellKnownNullPointerException))
}

func TestBytecodeOffsetForRIP(t *testing.T) {
	e := newTestEngine(t)
	class := defineClassWith(t, e, "com/example/Map", addMethod(e))
	mid, _ := e.MethodIDOf(class,
		names.MethodNameID(e.Pool.Add("add")),
		classfile.DescriptorID(e.Pool.Add("(II)I")))
	inst, err := e.EnsureCompiled(mid)
	require.NoError(t, err)

	// Restart point ids are bytecode indices; the rip at a restart point
	// maps back to that bytecode's offset.
	for idx, want := range map[ir.RestartPointID]uint16{0: 0, 1: 1, 2: 2, 3: 3} {
		addr, err := inst.RestartAddress(idx)
		require.NoError(t, err)
		got, ok := inst.bytecodeOffsetForRIP(e, addr)
		require.True(t, ok)
		require.Equal(t, want, got)
	}
	_, ok := inst.bytecodeOffsetForRIP(e, 0x10)
	require.False(t, ok)
}

func TestInitializeClassWithoutClinit(t *testing.T) {
	e := newTestEngine(t)
	id := names.ClassNameID(e.Pool.Add("com/example/Plain"))
	_, err := e.DefineClass(&classfile.ClassData{
		ClassName: id,
		Super:     names.WellKnownJavaLangObject,
		HasSuper:  true,
	})
	require.NoError(t, err)

	th, err := e.NewThread(1)
	require.NoError(t, err)
	require.NoError(t, th.initializeClass(id))

	rc, _ := e.LookupClass(id)
	require.Equal(t, rtclass.Initialized, rc.Object.Status())
	// Idempotent.
	require.NoError(t, th.initializeClass(id))
}

func TestDefineClassRequiresSuper(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.DefineClass(&classfile.ClassData{
		ClassName: names.ClassNameID(e.Pool.Add("com/example/Orphan")),
		Super:     names.ClassNameID(e.Pool.Add("com/example/Missing")),
		HasSuper:  true,
	})
	require.Error(t, err)
}
