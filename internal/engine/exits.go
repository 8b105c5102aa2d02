package engine

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"unsafe"

	"github.com/pirocks/gojvm/internal/asm/amd64"
	"github.com/pirocks/gojvm/internal/classfile"
	"github.com/pirocks/gojvm/internal/cpdtype"
	"github.com/pirocks/gojvm/internal/ir"
	"github.com/pirocks/gojvm/internal/javastack"
	"github.com/pirocks/gojvm/internal/jitabi"
	"github.com/pirocks/gojvm/internal/names"
	"github.com/pirocks/gojvm/internal/objlayout"
	"github.com/pirocks/gojvm/internal/rtclass"
	"github.com/pirocks/gojvm/internal/safepoint"
)

var errStackOverflow = errors.New("stack overflow")

// emitHostExitEpilogue generates the code a finished top frame returns
// through: capture rax/xmm0, stamp the host-exit sentinel, restore the
// host registers and RET into nativecall's caller.
func emitHostExitEpilogue() ([]byte, error) {
	a := amd64.NewAssembler()
	a.CompileRegisterToMemory(amd64.MOVQ, amd64.RegAX, amd64.RegR15, jitabi.JITContextReturnValueOffset)
	a.CompileRegisterToMemory(amd64.MOVQ, amd64.RegX0, amd64.RegR15, jitabi.JITContextFloatReturnValueOffset)
	a.CompileConstToRegister(amd64.MOVQ, -1, amd64.RegAX)
	a.CompileRegisterToMemory(amd64.MOVQ, amd64.RegAX, amd64.RegR15, jitabi.JITContextExitIndexOffset)
	a.CompileRegisterToMemory(amd64.MOVQ, amd64.RegBP, amd64.RegR15, jitabi.JITContextJavaSavedRBPOffset)
	a.CompileRegisterToMemory(amd64.MOVQ, amd64.RegSP, amd64.RegR15, jitabi.JITContextJavaSavedRSPOffset)
	a.CompileMemoryToRegister(amd64.MOVQ, amd64.RegR15, jitabi.JITContextNativeSavedRSPOffset, amd64.RegSP)
	a.CompileMemoryToRegister(amd64.MOVQ, amd64.RegR15, jitabi.JITContextNativeSavedRBPOffset, amd64.RegBP)
	a.CompileStandAlone(amd64.RET)
	return a.Assemble()
}

// serviceExit handles one VM exit. done=true means the invocation is over
// (an exception escaped the top frame is reported via err instead).
func (t *Thread) serviceExit() (done bool, ret uint64, err error) {
	inst, frame, err := t.currentInstalled()
	if err != nil {
		return false, 0, err
	}
	idx := t.Ctx.ExitIndex
	if idx >= uint64(len(inst.ExitSites)) {
		return false, 0, fmt.Errorf("exit index %d out of range for ir method %d", idx, inst.IRID)
	}
	site := inst.ExitSites[idx]
	exit := site.Exit

	e := t.Engine
	switch exit.Kind {
	case ir.ExitSafepointPoll:
		if err := t.Safept.CheckSafepoint(); err != nil {
			return false, 0, err
		}
		return false, 0, nil

	case ir.ExitTraceInstruction:
		e.log.WithFields(map[string]interface{}{
			"ir_method": inst.IRID,
			"bytecode":  exit.ByteCodeIndex,
		}).Trace("guest instruction")
		return false, 0, nil

	case ir.ExitAllocateObject:
		p, allocErr := e.AllocateObjectSlow(exit.Type)
		if allocErr != nil {
			return false, 0, allocErr
		}
		frame.WriteAtOffset(exit.ResOffset, uint64(p))
		return false, 0, nil

	case ir.ExitAllocateObjectArray:
		length := int32(frame.ReadAtOffset(exit.ArgOffsets[0]))
		if length < 0 {
			return t.throwByClass(names.WellKnownNegativeArraySizeException)
		}
		p, allocErr := e.AllocateArray(exit.Type.Elem(), length)
		if allocErr != nil {
			return false, 0, allocErr
		}
		frame.WriteAtOffset(exit.ResOffset, uint64(p))
		return false, 0, nil

	case ir.ExitMultiAllocateObjectArray:
		dims := make([]int32, len(exit.ArgOffsets))
		for i, off := range exit.ArgOffsets {
			dims[i] = int32(frame.ReadAtOffset(off))
			if dims[i] < 0 {
				return t.throwByClass(names.WellKnownNegativeArraySizeException)
			}
		}
		p, allocErr := e.AllocateMultiArray(exit.Type, dims)
		if allocErr != nil {
			return false, 0, allocErr
		}
		frame.WriteAtOffset(exit.ResOffset, uint64(p))
		return false, 0, nil

	case ir.ExitNPE:
		return t.throwByClass(names.WellKnownNullPointerException)

	case ir.ExitArrayOutOfBounds:
		return t.throwByClass(names.WellKnownArrayIndexOutOfBoundsException)

	case ir.ExitThrow:
		if len(exit.ArgOffsets) != 0 {
			obj := uintptr(frame.ReadAtOffset(exit.ArgOffsets[0]))
			if obj == 0 {
				return t.throwByClass(names.WellKnownNullPointerException)
			}
			return t.unwind(obj)
		}
		return t.throwByClass(exit.Class)

	case ir.ExitInitClassAndRecompile:
		if initErr := t.initializeClass(exit.Class); initErr != nil {
			return false, 0, initErr
		}
		return false, 0, t.resumeAtRestart(frame, inst.MethodID, exit.RestartPoint)

	case ir.ExitCompileFunctionAndRecompileCurrent:
		callee, compErr := e.EnsureCompiled(exit.Method)
		if compErr != nil {
			return false, 0, compErr
		}
		if exit.Edit != nil {
			e.SetChangeableConst(exit.Edit.FunctionAddressConst, uint64(callee.Entry))
			e.MarkExitSkipped(inst, exit.Edit.SkipableExit)
		}
		return false, 0, t.resumeAtRestart(frame, inst.MethodID, exit.RestartPoint)

	case ir.ExitInvokeVirtualResolve, ir.ExitInvokeInterfaceResolve:
		if resolveErr := t.resolveDispatch(frame, exit); resolveErr != nil {
			return false, 0, resolveErr
		}
		return false, 0, t.resumeAtRestart(frame, inst.MethodID, exit.RestartPoint)

	case ir.ExitMonitorEnter, ir.ExitMonitorExit:
		mon, monErr := t.monitorForExit(frame, exit)
		if monErr != nil {
			return false, 0, monErr
		}
		if exit.Kind == ir.ExitMonitorEnter {
			if err := mon.Enter(t); err != nil {
				return false, 0, err
			}
		} else if err := mon.Exit(t); err != nil {
			return false, 0, err
		}
		return false, 0, nil

	case ir.ExitIntrinsicHelper:
		return t.serviceHelper(inst, frame, exit)

	case ir.ExitTodo:
		return false, 0, fmt.Errorf("todo exit reached: %s", exit.Todo)
	}
	return false, 0, fmt.Errorf("unhandled exit kind %s", exit.Kind)
}

// monitorForExit picks the object (or class object) monitor of a
// monitorenter/exit or synchronized-method bracket.
func (t *Thread) monitorForExit(frame javastack.FrameRef, exit *ir.Exit) (*Monitor, error) {
	if len(exit.ArgOffsets) != 0 {
		obj := uintptr(frame.ReadAtOffset(exit.ArgOffsets[0]))
		if obj == 0 {
			return nil, fmt.Errorf("monitor operation on null")
		}
		return t.Engine.monitors.forObject(obj), nil
	}
	classObj, err := t.Engine.ClassObject(cpdtype.Class(exit.Class))
	if err != nil {
		return nil, err
	}
	return t.Engine.monitors.forObject(classObj), nil
}

// initializeClass drives the UNPREPARED→INITIALIZED state machine,
// running <clinit> on this thread, then recompiles everything that assumed
// the class was uninitialized.
func (t *Thread) initializeClass(class names.ClassNameID) error {
	e := t.Engine
	rc, ok := e.LookupClass(class)
	if !ok {
		return fmt.Errorf("class %d is not defined", class)
	}
	if rc.Kind != rtclass.KindObject {
		return nil
	}

	// Superclasses initialize first.
	if rc.Object.HasParent {
		if err := t.initializeClass(rc.Object.Parent); err != nil {
			return err
		}
	}

	run, err := rc.Object.BeginInit(t.ID)
	if err != nil {
		return err
	}
	if run {
		clinitName := names.MethodNameID(e.Pool.Add("<clinit>"))
		clinitDesc := classfile.DescriptorID(e.Pool.Add("()V"))
		if mid, ok := e.MethodIDOf(class, clinitName, clinitDesc); ok {
			if _, err := t.invokeNested(mid, nil); err != nil {
				return fmt.Errorf("<clinit> of class %d: %w", class, err)
			}
		}
		if err := rc.Object.FinishInit(); err != nil {
			return err
		}
	}

	for _, stale := range e.tracker.OnClassInitialized(class) {
		e.recompileInstalled(stale)
	}
	return nil
}

// invokeNested runs a method while guest frames are live: the outer
// context is saved and restored, and the nested top frame is planted below
// the current guest rsp.
func (t *Thread) invokeNested(mid ir.MethodID, args []uint64) (uint64, error) {
	inst, err := t.Engine.EnsureCompiled(mid)
	if err != nil {
		return 0, err
	}
	saved := t.Ctx.JavaSaved

	// A gap below the live rsp keeps the nested frames clear of the
	// suspended ones.
	fp := saved.RSP - 64
	if err := t.Stack.CheckRoom(fp, inst.FrameSize); err != nil {
		return 0, t.stackOverflow(err)
	}
	if err := t.Stack.WriteFrame(fp, t.Engine.HostExitEntry(), t.Stack.Top(),
		uint64(inst.IRID), uint64(mid), args); err != nil {
		return 0, err
	}
	t.Ctx.JavaSaved.RBP = fp
	t.Ctx.JavaSaved.RSP = fp - uintptr(inst.FrameSize)
	t.Ctx.JavaSaved.RIP = inst.Entry

	defer func() { t.Ctx.JavaSaved = saved }()

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

// resolveDispatch services a vtable/itable miss: find the implementation
// for the receiver's dynamic type, compile it, and fill the slot.
func (t *Thread) resolveDispatch(frame javastack.FrameRef, exit *ir.Exit) error {
	e := t.Engine
	recv := uintptr(frame.ReadAtOffset(exit.ArgOffsets[0]))
	dynType, err := e.TypeOfObject(recv)
	if err != nil {
		return err
	}
	if !dynType.IsClass() {
		return fmt.Errorf("virtual dispatch on non-object of type %s", dynType)
	}
	dynClass := dynType.ClassName()

	e.mu.RLock()
	rc, ok := e.classes[dynClass]
	e.mu.RUnlock()
	if !ok || rc.Kind != rtclass.KindObject {
		return fmt.Errorf("receiver class %d not defined", dynClass)
	}

	shape := classfile.MethodShape{
		Name: exit.MethodName,
		Desc: classfile.DescriptorID(exit.DescID),
	}
	var number rtclass.MethodNumber
	if exit.Kind == ir.ExitInvokeInterfaceResolve {
		ifaceRC, ok := e.LookupClass(exit.Class)
		if !ok || ifaceRC.Kind != rtclass.KindObject {
			return fmt.Errorf("interface %d not defined", exit.Class)
		}
		number, ok = ifaceRC.Object.MethodNumber(shape)
		if !ok {
			return fmt.Errorf("interface %d has no method shape %v", exit.Class, shape)
		}
	} else {
		var found bool
		number, found = rc.Object.MethodNumber(shape)
		if !found {
			return fmt.Errorf("class %d has no virtual method shape %v", dynClass, shape)
		}
	}

	mid, _, found := e.lookupDeclared(dynClass, exit.MethodName, classfile.DescriptorID(exit.DescID))
	if !found {
		return fmt.Errorf("no implementation of shape %v reachable from class %d", shape, dynClass)
	}
	callee, err := e.EnsureCompiled(mid)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if exit.Kind == ir.ExitInvokeInterfaceResolve {
		key := itableKey{Class: dynClass, Iface: exit.Class}
		table := e.itables[key]
		if table == nil {
			ifaceRC := e.classes[exit.Class]
			table = make([]uintptr, ifaceRC.Object.NumVirtualMethods())
			e.itables[key] = table
		}
		table[number] = callee.Entry
	} else {
		e.vtables[dynClass][number] = callee.Entry
	}
	return nil
}

// tableBase returns the address of a class's vtable (or itable) storage.
func (e *Engine) tableBase(class names.ClassNameID, iface names.ClassNameID, isInterface bool) (uintptr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if isInterface {
		key := itableKey{Class: class, Iface: iface}
		table := e.itables[key]
		if table == nil {
			ifaceRC, ok := e.classes[iface]
			if !ok || ifaceRC.Kind != rtclass.KindObject {
				return 0, fmt.Errorf("interface %d not defined", iface)
			}
			n := ifaceRC.Object.NumVirtualMethods()
			if n == 0 {
				return 0, fmt.Errorf("interface %d has no methods", iface)
			}
			table = make([]uintptr, n)
			e.itables[key] = table
		}
		return uintptr(unsafe.Pointer(&table[0])), nil
	}
	table := e.vtables[class]
	if len(table) == 0 {
		return 0, fmt.Errorf("class %d has an empty vtable", class)
	}
	return uintptr(unsafe.Pointer(&table[0])), nil
}

// serviceHelper handles the intrinsic-helper exits.
func (t *Thread) serviceHelper(inst *InstalledMethod, frame javastack.FrameRef, exit *ir.Exit) (bool, uint64, error) {
	e := t.Engine
	arg := func(i int) uint64 { return frame.ReadAtOffset(exit.ArgOffsets[i]) }

	switch exit.Helper {
	case ir.HelperFindVTablePtr, ir.HelperFindITablePtr:
		recv := uintptr(arg(0))
		dynType, err := e.TypeOfObject(recv)
		if err != nil {
			return false, 0, err
		}
		if !dynType.IsClass() {
			return false, 0, fmt.Errorf("dispatch table of non-object type %s", dynType)
		}
		base, err := e.tableBase(dynType.ClassName(), exit.Class, exit.Helper == ir.HelperFindITablePtr)
		if err != nil {
			return false, 0, err
		}
		frame.WriteAtOffset(exit.ResOffset, uint64(base))
		return false, 0, nil

	case ir.HelperArrayCopy:
		return t.serviceArrayCopy(frame, exit)

	case ir.HelperCheckCast:
		obj := uintptr(arg(0))
		if obj != 0 {
			isInst, err := e.isInstance(obj, exit.Class)
			if err != nil {
				return false, 0, err
			}
			if !isInst {
				return t.throwByClass(names.WellKnownClassCastException)
			}
		}
		frame.WriteAtOffset(exit.ResOffset, uint64(obj))
		return false, 0, nil

	case ir.HelperInstanceOf:
		obj := uintptr(arg(0))
		var res uint64
		if obj != 0 {
			isInst, err := e.isInstance(obj, exit.Class)
			if err != nil {
				return false, 0, err
			}
			if isInst {
				res = 1
			}
		}
		frame.WriteAtOffset(exit.ResOffset, res)
		return false, 0, nil

	case ir.HelperFRem:
		a := math.Float32frombits(uint32(arg(0)))
		b := math.Float32frombits(uint32(arg(1)))
		r := float32(math.Mod(float64(a), float64(b)))
		frame.WriteAtOffset(exit.ResOffset, uint64(math.Float32bits(r)))
		return false, 0, nil

	case ir.HelperDRem:
		a := math.Float64frombits(arg(0))
		b := math.Float64frombits(arg(1))
		frame.WriteAtOffset(exit.ResOffset, math.Float64bits(math.Mod(a, b)))
		return false, 0, nil

	case ir.HelperGetComponentType:
		classObj := uintptr(arg(0))
		typ, err := e.TypeOfClassObject(classObj)
		if err != nil {
			return false, 0, err
		}
		var res uintptr
		if typ.IsArray() {
			res, err = e.ClassObject(typ.Elem())
			if err != nil {
				return false, 0, err
			}
		}
		frame.WriteAtOffset(exit.ResOffset, uint64(res))
		return false, 0, nil

	case ir.HelperNewArray:
		classObj := uintptr(arg(0))
		length := int32(arg(1))
		typ, err := e.TypeOfClassObject(classObj)
		if err != nil {
			return false, 0, err
		}
		if length < 0 {
			return t.throwByClass(names.WellKnownNegativeArraySizeException)
		}
		p, err := e.AllocateArray(typ, length)
		if err != nil {
			return false, 0, err
		}
		frame.WriteAtOffset(exit.ResOffset, uint64(p))
		return false, 0, nil

	case ir.HelperNativeMethod:
		m, ok := e.methodByID(exit.Method)
		if !ok {
			return false, 0, fmt.Errorf("native call to unknown method %d", exit.Method)
		}
		impl, ok := e.nativeImpl(m)
		if !ok {
			return false, 0, fmt.Errorf("no native implementation registered for method %d", exit.Method)
		}
		args := make([]uint64, len(exit.ArgOffsets))
		for i := range args {
			args[i] = arg(i)
		}
		ret, err := impl(t, args)
		if err != nil {
			return false, 0, err
		}
		if exit.ResOffset != 0 {
			frame.WriteAtOffset(exit.ResOffset, ret)
		}
		return false, 0, nil
	}
	return false, 0, fmt.Errorf("unhandled helper %d", exit.Helper)
}

func (e *Engine) methodByID(id ir.MethodID) (*Method, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.methods[id]
	return m, ok
}

// RegisterNative installs a Go implementation for a native method.
func (e *Engine) RegisterNative(class names.ClassNameID, name names.MethodNameID, desc classfile.DescriptorID, impl NativeImpl) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.natives[methodKey{Class: class, Name: name, Desc: desc}] = impl
}

func (e *Engine) nativeImpl(m *Method) (NativeImpl, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	impl, ok := e.natives[methodKey{Class: m.Class, Name: m.Data.MethodName, Desc: m.Data.DescriptorID}]
	return impl, ok
}

// isInstance implements checkcast/instanceof semantics for the object at
// obj against the target class.
func (e *Engine) isInstance(obj uintptr, target names.ClassNameID) (bool, error) {
	typ, err := e.TypeOfObject(obj)
	if err != nil {
		return false, err
	}
	if typ.IsArray() {
		// Arrays are instances of Object only (interfaces of arrays are out
		// of scope here).
		return target == names.WellKnownJavaLangObject, nil
	}
	if !typ.IsClass() {
		return false, nil
	}
	return e.isSubclassOf(typ.ClassName(), target), nil
}

func (t *Thread) serviceArrayCopy(frame javastack.FrameRef, exit *ir.Exit) (bool, uint64, error) {
	e := t.Engine
	src := uintptr(frame.ReadAtOffset(exit.ArgOffsets[0]))
	srcPos := int32(frame.ReadAtOffset(exit.ArgOffsets[1]))
	dst := uintptr(frame.ReadAtOffset(exit.ArgOffsets[2]))
	dstPos := int32(frame.ReadAtOffset(exit.ArgOffsets[3]))
	length := int32(frame.ReadAtOffset(exit.ArgOffsets[4]))

	if src == 0 || dst == 0 {
		return t.throwByClass(names.WellKnownNullPointerException)
	}
	srcType, err := e.TypeOfObject(src)
	if err != nil {
		return false, 0, err
	}
	dstType, err := e.TypeOfObject(dst)
	if err != nil {
		return false, 0, err
	}
	if !srcType.IsArray() || !dstType.IsArray() {
		return false, 0, fmt.Errorf("arraycopy of non-arrays %s, %s", srcType, dstType)
	}

	srcLen := objlayout.ArrayLen(unsafe.Pointer(src))
	dstLen := objlayout.ArrayLen(unsafe.Pointer(dst))
	if srcPos < 0 || dstPos < 0 || length < 0 ||
		int64(srcPos)+int64(length) > int64(srcLen) ||
		int64(dstPos)+int64(length) > int64(dstLen) {
		return t.throwByClass(names.WellKnownArrayIndexOutOfBoundsException)
	}

	elemSize := objlayout.ElemSize(srcType.Elem())
	byteLen := uint64(length) * elemSize
	srcBytes := unsafe.Slice((*byte)(unsafe.Pointer(src+uintptr(objlayout.ArrayElemOffset(srcType.Elem(), uint32(srcPos))))), byteLen)
	dstBytes := unsafe.Slice((*byte)(unsafe.Pointer(dst+uintptr(objlayout.ArrayElemOffset(dstType.Elem(), uint32(dstPos))))), byteLen)
	copy(dstBytes, srcBytes)
	return false, 0, nil
}

// throwByClass allocates a throwable of the given class and unwinds.
func (t *Thread) throwByClass(class names.ClassNameID) (bool, uint64, error) {
	p, err := t.Engine.AllocateObjectSlow(cpdtype.Class(class))
	if err != nil {
		return false, 0, fmt.Errorf("allocating %d throwable: %w", class, err)
	}
	return t.unwind(p)
}

// unwind walks guest frames from the faulting one toward the stack top,
// matching each Java frame's exception table. The first matching handler
// receives the throwable in its stack slot and execution resumes at the
// handler's restart point. An exception that escapes every guest frame is
// reported to the host as a GuestError.
func (t *Thread) unwind(throwable uintptr) (bool, uint64, error) {
	e := t.Engine
	ttype, err := e.TypeOfObject(throwable)
	if err != nil {
		return false, 0, err
	}

	fp := t.Ctx.JavaSaved.RBP
	rip := t.Ctx.JavaSaved.RIP
	for {
		frame, err := t.Stack.FrameAt(fp)
		if err != nil {
			return false, 0, err
		}
		irID, isJava := frame.IRMethodID()
		if !isJava {
			break
		}
		inst, ok := e.InstalledByIRID(ir.IRMethodID(irID))
		if !ok {
			return false, 0, fmt.Errorf("unwinding through unknown ir method %d", irID)
		}

		bcOffset, ok := inst.bytecodeOffsetForRIP(e, rip)
		if ok {
			for i := range inst.Handlers {
				h := &inst.Handlers[i]
				if bcOffset < h.StartPC || bcOffset >= h.EndPC {
					continue
				}
				if h.HasCatchType && (!ttype.IsClass() || !e.isSubclassOf(ttype.ClassName(), h.CatchType)) {
					continue
				}
				frame.WriteAtOffset(h.ExceptionSlot, uint64(throwable))
				t.Ctx.JavaSaved.RBP = fp
				return false, 0, t.resumeAtRestart(frame, inst.MethodID, h.RestartID)
			}
		}

		if fp == t.Stack.Top() || frame.PrevRIP() == e.HostExitEntry() {
			break
		}
		rip = frame.PrevRIP()
		fp = frame.PrevRBP()
	}

	return false, 0, &GuestError{Throwable: throwable, Class: ttype}
}

// bytecodeOffsetForRIP recovers the bytecode offset executing at rip using
// the per-bytecode restart points.
func (m *InstalledMethod) bytecodeOffsetForRIP(e *Engine, rip uintptr) (uint16, bool) {
	if rip < m.Entry || rip > m.End {
		return 0, false
	}
	codeOff := uint64(rip - m.Entry)

	type rp struct {
		id  ir.RestartPointID
		off uint64
	}
	points := make([]rp, 0, len(m.RestartPoints))
	for id, off := range m.RestartPoints {
		points = append(points, rp{id: id, off: off})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].off < points[j].off })

	// The restart point at or before rip names the bytecode index.
	idx := -1
	for i := range points {
		if points[i].off <= codeOff {
			idx = i
		} else {
			break
		}
	}
	if idx < 0 {
		return 0, false
	}
	byteCodeIndex := int(points[idx].id)

	em, ok := e.methodByID(m.MethodID)
	if !ok {
		return 0, false
	}
	instructions := em.Data.Code().Instructions
	if byteCodeIndex >= len(instructions) {
		return 0, false
	}
	return instructions[byteCodeIndex].Offset, true
}

// Interrupted reports whether err is a guest interrupt.
func Interrupted(err error) bool {
	return errors.Is(err, safepoint.ErrInterrupted)
}
