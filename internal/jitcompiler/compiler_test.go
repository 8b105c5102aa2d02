package jitcompiler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pirocks/gojvm/internal/classfile"
	"github.com/pirocks/gojvm/internal/conditions"
	"github.com/pirocks/gojvm/internal/cpdtype"
	"github.com/pirocks/gojvm/internal/ir"
	"github.com/pirocks/gojvm/internal/javastack"
	"github.com/pirocks/gojvm/internal/names"
	"github.com/pirocks/gojvm/internal/rtclass"
)

// fakeResolver is a configurable Resolver for lowering tests.
type fakeResolver struct {
	initialized map[names.ClassNameID]bool
	statics     map[string]struct {
		addr     uintptr
		typ      cpdtype.Type
		volatile bool
	}
	fields map[string]struct {
		offset   uint64
		typ      cpdtype.Type
		volatile bool
	}
	staticMethods map[string]struct {
		id     ir.MethodID
		native bool
	}
	entries map[ir.MethodID]struct {
		entry uintptr
		irID  ir.IRMethodID
	}
	virtualNumbers map[string]rtclass.MethodNumber
	regionCells    map[cpdtype.Type]uintptr

	nextConst ir.ChangeableConstID
	nextSkip  ir.SkipableExitID
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		initialized: map[names.ClassNameID]bool{},
		statics: map[string]struct {
			addr     uintptr
			typ      cpdtype.Type
			volatile bool
		}{},
		fields: map[string]struct {
			offset   uint64
			typ      cpdtype.Type
			volatile bool
		}{},
		staticMethods: map[string]struct {
			id     ir.MethodID
			native bool
		}{},
		entries: map[ir.MethodID]struct {
			entry uintptr
			irID  ir.IRMethodID
		}{},
		virtualNumbers: map[string]rtclass.MethodNumber{},
		regionCells:    map[cpdtype.Type]uintptr{},
	}
}

func key(class names.ClassNameID, name names.ID) string {
	return string(rune(class)) + "/" + string(rune(name))
}

func (f *fakeResolver) LookupTypeInitedIniting(t cpdtype.Type) (*rtclass.RuntimeClass, bool) {
	if t.IsClass() && !f.initialized[t.ClassName()] {
		return nil, false
	}
	return nil, true
}

func (f *fakeResolver) ClassInitialized(class names.ClassNameID) bool {
	return f.initialized[class]
}

func (f *fakeResolver) LookupStatic(class names.ClassNameID, name names.MethodNameID, _ classfile.DescriptorID) (ir.MethodID, bool, bool) {
	m, ok := f.staticMethods[key(class, names.ID(name))]
	return m.id, m.native, ok
}

func (f *fakeResolver) LookupSpecial(class names.ClassNameID, name names.MethodNameID, desc classfile.DescriptorID) (ir.MethodID, bool, bool) {
	return f.LookupStatic(class, name, desc)
}

func (f *fakeResolver) LookupVirtual(class names.ClassNameID, name names.MethodNameID, _ classfile.DescriptorID) (rtclass.MethodNumber, bool) {
	n, ok := f.virtualNumbers[key(class, names.ID(name))]
	return n, ok
}

func (f *fakeResolver) LookupInterface(iface names.ClassNameID, name names.MethodNameID, desc classfile.DescriptorID) (rtclass.MethodNumber, bool) {
	return f.LookupVirtual(iface, name, desc)
}

func (f *fakeResolver) MethodEntryPoint(m ir.MethodID) (uintptr, ir.IRMethodID, bool) {
	e, ok := f.entries[m]
	return e.entry, e.irID, ok
}

func (f *fakeResolver) FieldOffset(class names.ClassNameID, name names.FieldNameID) (uint64, cpdtype.Type, bool, bool) {
	fl, ok := f.fields[key(class, names.ID(name))]
	return fl.offset, fl.typ, fl.volatile, ok
}

func (f *fakeResolver) StaticVarAddress(class names.ClassNameID, name names.FieldNameID) (uintptr, cpdtype.Type, bool, bool) {
	s, ok := f.statics[key(class, names.ID(name))]
	return s.addr, s.typ, s.volatile, ok
}

func (f *fakeResolver) AllocatedObjectRegionHeaderPointer(t cpdtype.Type) (uintptr, bool) {
	cell, ok := f.regionCells[t]
	return cell, ok
}

func (f *fakeResolver) NewChangeableConst64(uint64) ir.ChangeableConstID {
	f.nextConst++
	return f.nextConst
}

func (f *fakeResolver) NewSkipableExitID() ir.SkipableExitID {
	f.nextSkip++
	return f.nextSkip
}

// staticMethod builds a MethodData with the given bytecode and verifier
// frames.
func staticMethod(maxLocals, maxStack uint16, desc classfile.MethodDescriptor,
	instrs []classfile.Instruction, stack map[uint16][]classfile.VType) *classfile.MethodData {
	return &classfile.MethodData{
		MethodName:   500,
		Desc:         desc,
		DescriptorID: 600,
		AccFlags:     classfile.AccStatic,
		CodeAttr: &classfile.Code{
			MaxLocals:    maxLocals,
			MaxStack:     maxStack,
			Instructions: instrs,
		},
		Frames: frames(stack),
	}
}

func compileOne(t *testing.T, md *classfile.MethodData, res Resolver) *Result {
	t.Helper()
	result, err := Compile(Input{
		MethodID:   1,
		IRMethodID: 2,
		Class:      100,
		Method:     md,
	}, res, nil, Options{})
	require.NoError(t, err)
	return result
}

func instrsOfType[T ir.Instr](r *Result) []T {
	var out []T
	for _, i := range r.Instrs {
		if v, ok := i.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func exitsOfKind(r *Result, kind ir.ExitKind) []*ir.Exit {
	var out []*ir.Exit
	for _, i := range r.Instrs {
		if v, ok := i.(ir.VMExit); ok && v.Exit.Kind == kind {
			out = append(out, v.Exit)
		}
	}
	return out
}

func TestCompileIAdd(t *testing.T) {
	md := staticMethod(2, 2,
		classfile.MethodDescriptor{Args: []cpdtype.Type{cpdtype.Int(), cpdtype.Int()}, Ret: cpdtype.Int()},
		[]classfile.Instruction{
			{Offset: 0, Op: classfile.OpILoad, Slot: 0},
			{Offset: 1, Op: classfile.OpILoad, Slot: 1},
			{Offset: 2, Op: classfile.OpIAdd},
			{Offset: 3, Op: classfile.OpIReturn},
		},
		map[uint16][]classfile.VType{
			0: {}, 1: {classfile.VTypeInt},
			2: {classfile.VTypeInt, classfile.VTypeInt},
			3: {classfile.VTypeInt},
		})
	r := compileOne(t, md, newFakeResolver())

	st, ok := r.Instrs[0].(ir.IRStart)
	require.True(t, ok)
	require.Equal(t, ir.IRMethodID(2), st.IRMethodID)
	require.Equal(t, r.FrameSize, st.FrameSize)

	require.Len(t, instrsOfType[ir.Add](r), 1)

	rets := instrsOfType[ir.Return](r)
	require.Len(t, rets, 1)
	require.True(t, rets[0].HasValue)
	require.False(t, rets[0].FloatValue)

	// A poll guards the method entry.
	require.NotEmpty(t, instrsOfType[ir.SafepointPoll](r))
	// Every bytecode got a restart point.
	require.Len(t, instrsOfType[ir.RestartPoint](r), 4)
}

func TestCompileIDivGuards(t *testing.T) {
	md := staticMethod(2, 2,
		classfile.MethodDescriptor{Args: []cpdtype.Type{cpdtype.Int(), cpdtype.Int()}, Ret: cpdtype.Int()},
		[]classfile.Instruction{
			{Offset: 0, Op: classfile.OpILoad, Slot: 0},
			{Offset: 1, Op: classfile.OpILoad, Slot: 1},
			{Offset: 2, Op: classfile.OpIDiv},
			{Offset: 3, Op: classfile.OpIReturn},
		},
		map[uint16][]classfile.VType{
			0: {}, 1: {classfile.VTypeInt},
			2: {classfile.VTypeInt, classfile.VTypeInt},
			3: {classfile.VTypeInt},
		})
	r := compileOne(t, md, newFakeResolver())

	// Division by zero throws ArithmeticException through an exit.
	throws := exitsOfKind(r, ir.ExitThrow)
	require.Len(t, throws, 1)
	require.Equal(t, names.WellKnownArithmeticException, throws[0].Class)

	// The MIN/-1 case skips the idiv entirely.
	require.Len(t, instrsOfType[ir.Div](r), 1)
	require.NotEmpty(t, instrsOfType[ir.BranchNotEqual](r))
}

func TestCompileShiftMasksAmount(t *testing.T) {
	md := staticMethod(2, 2,
		classfile.MethodDescriptor{Args: []cpdtype.Type{cpdtype.Long(), cpdtype.Int()}, Ret: cpdtype.Long()},
		[]classfile.Instruction{
			{Offset: 0, Op: classfile.OpLLoad, Slot: 0},
			{Offset: 1, Op: classfile.OpILoad, Slot: 1}, // long takes slots 0-1? (descriptor-level detail, frame slots here are synthetic)
			{Offset: 2, Op: classfile.OpLShl},
			{Offset: 3, Op: classfile.OpLReturn},
		},
		map[uint16][]classfile.VType{
			0: {}, 1: {classfile.VTypeLong},
			2: {classfile.VTypeLong, classfile.VTypeInt},
			3: {classfile.VTypeLong},
		})
	r := compileOne(t, md, newFakeResolver())

	var sawMask bool
	for _, i := range r.Instrs {
		if c, ok := i.(ir.Const32bit); ok && c.Value == 0x3f {
			sawMask = true
		}
	}
	require.True(t, sawMask, "long shift must mask the amount with 0x3f")
	require.Len(t, instrsOfType[ir.ShiftLeft](r), 1)
}

func TestCompileBackwardBranchPolls(t *testing.T) {
	md := staticMethod(0, 1,
		classfile.MethodDescriptor{Ret: cpdtype.Void()},
		[]classfile.Instruction{
			{Offset: 0, Op: classfile.OpGoto, Target: 0},
		},
		map[uint16][]classfile.VType{0: {}})
	r := compileOne(t, md, newFakeResolver())

	// One poll at entry plus one at the backedge.
	require.GreaterOrEqual(t, len(instrsOfType[ir.SafepointPoll](r)), 2)

	var labels []ir.Label
	for _, i := range r.Instrs {
		if l, ok := i.(ir.Label); ok {
			labels = append(labels, l)
		}
	}
	require.NotEmpty(t, labels)
}

func TestCompileGetStaticUninitialized(t *testing.T) {
	md := staticMethod(0, 1,
		classfile.MethodDescriptor{Ret: cpdtype.Int()},
		[]classfile.Instruction{
			{Offset: 0, Op: classfile.OpGetStatic, Class: 7, FieldName: 70, FieldType: cpdtype.Int()},
			{Offset: 3, Op: classfile.OpIReturn},
		},
		map[uint16][]classfile.VType{0: {}, 3: {classfile.VTypeInt}})
	r := compileOne(t, md, newFakeResolver())

	inits := exitsOfKind(r, ir.ExitInitClassAndRecompile)
	require.Len(t, inits, 1)
	require.Equal(t, names.ClassNameID(7), inits[0].Class)
	require.True(t, inits[0].HasRestart)

	require.Contains(t, r.Conditions.All(), conditions.ClassLoadedCond(7))
}

func TestCompileGetStaticInitialized(t *testing.T) {
	res := newFakeResolver()
	res.initialized[7] = true
	res.statics[key(7, 70)] = struct {
		addr     uintptr
		typ      cpdtype.Type
		volatile bool
	}{addr: 0x5000, typ: cpdtype.Int()}

	md := staticMethod(0, 1,
		classfile.MethodDescriptor{Ret: cpdtype.Int()},
		[]classfile.Instruction{
			{Offset: 0, Op: classfile.OpGetStatic, Class: 7, FieldName: 70, FieldType: cpdtype.Int()},
			{Offset: 3, Op: classfile.OpIReturn},
		},
		map[uint16][]classfile.VType{0: {}, 3: {classfile.VTypeInt}})
	r := compileOne(t, md, res)

	require.Empty(t, exitsOfKind(r, ir.ExitInitClassAndRecompile))
	loads := instrsOfType[ir.Load](r)
	require.NotEmpty(t, loads)
	// The static cell address is baked in as a constant.
	var sawAddr bool
	for _, i := range r.Instrs {
		if c, ok := i.(ir.Const64bit); ok && c.Value == 0x5000 {
			sawAddr = true
		}
	}
	require.True(t, sawAddr)
}

func TestCompileInvokeStaticUncompiled(t *testing.T) {
	res := newFakeResolver()
	res.initialized[7] = true
	res.staticMethods[key(7, 500)] = struct {
		id     ir.MethodID
		native bool
	}{id: 42}

	md := staticMethod(0, 1,
		classfile.MethodDescriptor{Ret: cpdtype.Void()},
		[]classfile.Instruction{
			{Offset: 0, Op: classfile.OpInvokeStatic, Class: 7, MethodName: 500, DescID: 600,
				Desc: &classfile.MethodDescriptor{Ret: cpdtype.Int()}},
			{Offset: 3, Op: classfile.OpReturn},
		},
		map[uint16][]classfile.VType{0: {}, 3: {classfile.VTypeInt}})
	r := compileOne(t, md, res)

	// The patchable-call scheme: load the changeable const, guard on null,
	// exit to compile-and-patch with a skipable id, then call indirect.
	require.Len(t, instrsOfType[ir.LoadChangeableConst](r), 1)

	exits := exitsOfKind(r, ir.ExitCompileFunctionAndRecompileCurrent)
	require.Len(t, exits, 1)
	require.Equal(t, ir.MethodID(42), exits[0].Method)
	require.True(t, exits[0].HasSkipable)
	require.NotNil(t, exits[0].Edit)
	require.Equal(t, exits[0].Skipable, exits[0].Edit.SkipableExit)

	calls := instrsOfType[ir.IRCall](r)
	require.Len(t, calls, 1)
	_, ok := calls[0].Target.(ir.TargetRegister)
	require.True(t, ok)
	require.True(t, calls[0].HasResult)

	// The compilation depends on the const still being null.
	var sawCond bool
	for _, c := range r.Conditions.All() {
		if c.Kind == conditions.ChangeableConstChanged {
			sawCond = true
		}
	}
	require.True(t, sawCond)
}

func TestCompileInvokeStaticCompiledIsDirect(t *testing.T) {
	res := newFakeResolver()
	res.initialized[7] = true
	res.staticMethods[key(7, 500)] = struct {
		id     ir.MethodID
		native bool
	}{id: 42}
	res.entries[42] = struct {
		entry uintptr
		irID  ir.IRMethodID
	}{entry: 0x400000, irID: 9}

	md := staticMethod(0, 1,
		classfile.MethodDescriptor{Ret: cpdtype.Void()},
		[]classfile.Instruction{
			{Offset: 0, Op: classfile.OpInvokeStatic, Class: 7, MethodName: 500, DescID: 600,
				Desc: &classfile.MethodDescriptor{Ret: cpdtype.Void()}},
			{Offset: 3, Op: classfile.OpReturn},
		},
		map[uint16][]classfile.VType{0: {}, 3: {}})
	r := compileOne(t, md, res)

	calls := instrsOfType[ir.IRCall](r)
	require.Len(t, calls, 1)
	target, ok := calls[0].Target.(ir.TargetConstant)
	require.True(t, ok)
	require.Equal(t, uintptr(0x400000), target.Addr)

	require.Contains(t, r.Conditions.All(), conditions.FunctionRecompiledCond(42, 9))
	require.Empty(t, exitsOfKind(r, ir.ExitCompileFunctionAndRecompileCurrent))
}

func TestCompileInvokeVirtualDispatch(t *testing.T) {
	res := newFakeResolver()
	res.virtualNumbers[key(7, 500)] = 3

	md := staticMethod(1, 2,
		classfile.MethodDescriptor{Ret: cpdtype.Void()},
		[]classfile.Instruction{
			{Offset: 0, Op: classfile.OpALoad, Slot: 0},
			{Offset: 1, Op: classfile.OpInvokeVirtual, Class: 7, MethodName: 500, DescID: 600,
				Desc: &classfile.MethodDescriptor{Ret: cpdtype.Void()}},
			{Offset: 4, Op: classfile.OpReturn},
		},
		map[uint16][]classfile.VType{
			0: {}, 1: {classfile.VTypeReference}, 4: {},
		})
	r := compileOne(t, md, res)

	// Receiver null check, vtable helper, slot load, resolve guard, call.
	require.NotEmpty(t, instrsOfType[ir.NPECheck](r))

	helpers := exitsOfKind(r, ir.ExitIntrinsicHelper)
	require.Len(t, helpers, 1)
	require.Equal(t, ir.HelperFindVTablePtr, helpers[0].Helper)

	var sawSlotLoad bool
	for _, i := range r.Instrs {
		if l, ok := i.(ir.Load); ok && l.Offset == 8*3 {
			sawSlotLoad = true
		}
	}
	require.True(t, sawSlotLoad, "vtable slot 3 load missing")

	require.Len(t, exitsOfKind(r, ir.ExitInvokeVirtualResolve), 1)
	require.Len(t, instrsOfType[ir.IRCall](r), 1)
}

func TestCompileNewUsesInlineAllocation(t *testing.T) {
	res := newFakeResolver()
	res.initialized[7] = true
	res.regionCells[cpdtype.Class(7)] = 0x9000

	md := staticMethod(0, 1,
		classfile.MethodDescriptor{Ret: cpdtype.Void()},
		[]classfile.Instruction{
			{Offset: 0, Op: classfile.OpNew, Class: 7},
			{Offset: 3, Op: classfile.OpReturn},
		},
		map[uint16][]classfile.VType{0: {}, 3: {classfile.VTypeReference}})
	r := compileOne(t, md, res)

	allocs := instrsOfType[ir.AllocateConstantSize](r)
	require.Len(t, allocs, 1)
	require.Equal(t, uintptr(0x9000), allocs[0].RegionHeaderPtrPtr)
	require.Equal(t, ir.ExitAllocateObject, allocs[0].FallbackExit.Kind)
}

func TestCompileArrayLoadBoundsChecks(t *testing.T) {
	md := staticMethod(2, 2,
		classfile.MethodDescriptor{Ret: cpdtype.Int()},
		[]classfile.Instruction{
			{Offset: 0, Op: classfile.OpALoad, Slot: 0},
			{Offset: 1, Op: classfile.OpILoad, Slot: 1},
			{Offset: 2, Op: classfile.OpIALoad},
			{Offset: 3, Op: classfile.OpIReturn},
		},
		map[uint16][]classfile.VType{
			0: {}, 1: {classfile.VTypeReference},
			2: {classfile.VTypeReference, classfile.VTypeInt},
			3: {classfile.VTypeInt},
		})
	r := compileOne(t, md, newFakeResolver())

	require.NotEmpty(t, instrsOfType[ir.NPECheck](r))
	bounds := instrsOfType[ir.BoundsCheck](r)
	require.Len(t, bounds, 1)
	require.Equal(t, ir.ExitArrayOutOfBounds, bounds[0].Exit.Kind)
}

func TestCompileExceptionHandlers(t *testing.T) {
	md := staticMethod(1, 1,
		classfile.MethodDescriptor{Ret: cpdtype.Int()},
		[]classfile.Instruction{
			{Offset: 0, Op: classfile.OpIConst, Value: 1},
			{Offset: 1, Op: classfile.OpIReturn},
			{Offset: 2, Op: classfile.OpIConst, Value: 2}, // handler body
			{Offset: 3, Op: classfile.OpIReturn},
		},
		map[uint16][]classfile.VType{
			0: {}, 1: {classfile.VTypeInt},
			2: {classfile.VTypeReference}, // exception on the stack at entry
			3: {classfile.VTypeInt},
		})
	md.CodeAttr.ExceptionTable = []classfile.ExceptionTableEntry{{
		StartPC: 0, EndPC: 2, HandlerPC: 2,
		CatchType: names.WellKnownJavaLangThrowable, HasCatchType: true,
	}}
	r := compileOne(t, md, newFakeResolver())

	require.Len(t, r.Handlers, 1)
	h := r.Handlers[0]
	require.Equal(t, uint16(0), h.StartPC)
	require.Equal(t, uint16(2), h.EndPC)
	require.Equal(t, ir.RestartPointID(2), h.RestartID)
	// Handler entry stack is exactly [exception]: the slot right after the
	// locals.
	require.Equal(t, javastack.DataSlotOffset(1), h.ExceptionSlot)
	require.True(t, h.HasCatchType)
}

func TestCompileSynchronizedBrackets(t *testing.T) {
	md := staticMethod(0, 1,
		classfile.MethodDescriptor{Ret: cpdtype.Void()},
		[]classfile.Instruction{{Offset: 0, Op: classfile.OpReturn}},
		map[uint16][]classfile.VType{0: {}})
	md.AccFlags |= classfile.AccSynchronized

	r, err := Compile(Input{MethodID: 1, IRMethodID: 2, Class: 100, Method: md},
		newFakeResolver(), nil, Options{})
	require.NoError(t, err)

	enters := exitsOfKind(r, ir.ExitMonitorEnter)
	exits := exitsOfKind(r, ir.ExitMonitorExit)
	require.Len(t, enters, 1)
	require.Len(t, exits, 1)
	// A static synchronized method locks the class.
	require.Equal(t, names.ClassNameID(100), enters[0].Class)
	require.True(t, r.Synchronized)
}

func TestCompileTraceInstructions(t *testing.T) {
	md := staticMethod(0, 1,
		classfile.MethodDescriptor{Ret: cpdtype.Void()},
		[]classfile.Instruction{
			{Offset: 0, Op: classfile.OpNop},
			{Offset: 1, Op: classfile.OpReturn},
		},
		map[uint16][]classfile.VType{0: {}, 1: {}})

	r, err := Compile(Input{MethodID: 1, IRMethodID: 2, Class: 100, Method: md},
		newFakeResolver(), nil, Options{TraceInstructions: true})
	require.NoError(t, err)
	require.Len(t, exitsOfKind(r, ir.ExitTraceInstruction), 2)
}

func TestCompileIntrinsicSubstitution(t *testing.T) {
	pool := names.NewPool()
	table := NewIntrinsicTable(pool)

	system := names.ClassNameID(pool.Add("java/lang/System"))
	identity := names.MethodNameID(pool.Add("identityHashCode"))
	desc := classfile.DescriptorID(pool.Add("(Ljava/lang/Object;)I"))

	md := staticMethod(1, 1,
		classfile.MethodDescriptor{Ret: cpdtype.Int()},
		[]classfile.Instruction{
			{Offset: 0, Op: classfile.OpALoad, Slot: 0},
			{Offset: 1, Op: classfile.OpInvokeStatic, Class: system, MethodName: identity, DescID: desc,
				Desc: &classfile.MethodDescriptor{Args: []cpdtype.Type{cpdtype.Class(0)}, Ret: cpdtype.Int()}},
			{Offset: 4, Op: classfile.OpIReturn},
		},
		map[uint16][]classfile.VType{
			0: {}, 1: {classfile.VTypeReference}, 4: {classfile.VTypeInt},
		})

	r, err := Compile(Input{MethodID: 1, IRMethodID: 2, Class: 100, Method: md},
		newFakeResolver(), table, Options{})
	require.NoError(t, err)

	// Substituted: no call, no compile exit; just the slot reinterpret.
	require.Empty(t, instrsOfType[ir.IRCall](r))
	require.Empty(t, exitsOfKind(r, ir.ExitCompileFunctionAndRecompileCurrent))
}

func TestCompileFCmpModes(t *testing.T) {
	md := staticMethod(2, 2,
		classfile.MethodDescriptor{Ret: cpdtype.Int()},
		[]classfile.Instruction{
			{Offset: 0, Op: classfile.OpFLoad, Slot: 0},
			{Offset: 1, Op: classfile.OpFLoad, Slot: 1},
			{Offset: 2, Op: classfile.OpFCmpG},
			{Offset: 3, Op: classfile.OpIReturn},
		},
		map[uint16][]classfile.VType{
			0: {}, 1: {classfile.VTypeFloat},
			2: {classfile.VTypeFloat, classfile.VTypeFloat},
			3: {classfile.VTypeInt},
		})
	r := compileOne(t, md, newFakeResolver())
	cmps := instrsOfType[ir.FloatCompare](r)
	require.Len(t, cmps, 1)
	require.Equal(t, ir.FCmpG, cmps[0].Mode)
	require.False(t, cmps[0].Double)
}

func TestCompileRejectsMissingCode(t *testing.T) {
	md := &classfile.MethodData{MethodName: 1, AccFlags: classfile.AccNative}
	_, err := Compile(Input{MethodID: 1, IRMethodID: 2, Class: 1, Method: md},
		newFakeResolver(), nil, Options{})
	require.Error(t, err)
}
