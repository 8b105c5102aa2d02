package jitcompiler

import (
	"github.com/pirocks/gojvm/internal/classfile"
	"github.com/pirocks/gojvm/internal/conditions"
	"github.com/pirocks/gojvm/internal/cpdtype"
	"github.com/pirocks/gojvm/internal/ir"
	"github.com/pirocks/gojvm/internal/javastack"
	"github.com/pirocks/gojvm/internal/rtclass"
)

// argEntries counts stack entries an invocation pops: one per argument
// plus the receiver (category-2 arguments are single entries).
func argEntries(desc *classfile.MethodDescriptor, hasReceiver bool) uint16 {
	n := uint16(len(desc.Args))
	if hasReceiver {
		n++
	}
	return n
}

// copyArgsToCallee moves the invocation arguments from the caller's operand
// stack into the callee frame's local slots, below the current frame.
func (c *methodCompiler) copyArgsToCallee(desc *classfile.MethodDescriptor, hasReceiver bool) {
	frameSize := c.fd.FullFrameSize()
	entries := argEntries(desc, hasReceiver)

	calleeLocal := func(idx uint16) ir.FramePointerOffset {
		return ir.FramePointerOffset(frameSize) + javastack.DataSlotOffset(idx)
	}

	entry := uint16(0)
	localIdx := uint16(0)
	if hasReceiver {
		c.copySlot(c.stackEntry(entries-1), calleeLocal(0))
		entry++
		localIdx++
	}
	for _, arg := range desc.Args {
		c.copySlot(c.stackEntry(entries-1-entry), calleeLocal(localIdx))
		entry++
		if arg.IsCategory2() {
			localIdx += 2
		} else {
			localIdx++
		}
	}
}

// emitCall emits the argument copies and the IRCall, wiring the return
// value into the caller's stack.
func (c *methodCompiler) emitCall(target ir.CallTarget, desc *classfile.MethodDescriptor, hasReceiver bool, calleeIR ir.IRMethodID, calleeID ir.MethodID) {
	c.copyArgsToCallee(desc, hasReceiver)
	entries := argEntries(desc, hasReceiver)
	call := ir.IRCall{
		Target:           target,
		CurrentFrameSize: c.fd.FullFrameSize(),
		CalleeIRMethodID: calleeIR,
		CalleeMethodID:   calleeID,
	}
	if desc.Ret.Kind() != cpdtype.KindVoid {
		call.HasResult = true
		call.ResultOffset = c.fd.PushSlot(c.cur, entries, 0)
		switch desc.Ret.Kind() {
		case cpdtype.KindFloat:
			call.ResultFloat = true
		case cpdtype.KindDouble:
			call.ResultFloat = true
			call.ResultDouble = true
		}
	}
	c.emit(call)
}

// emitNativeCall routes an invocation of a native method through the
// native-helper exit using the declared descriptor.
func (c *methodCompiler) emitNativeCall(m ir.MethodID, desc *classfile.MethodDescriptor, hasReceiver bool) {
	entries := argEntries(desc, hasReceiver)
	e := c.exit(ir.ExitIntrinsicHelper)
	e.Helper = ir.HelperNativeMethod
	e.Method = m
	for k := entries; k > 0; k-- {
		e.ArgOffsets = append(e.ArgOffsets, c.stackEntry(k-1))
	}
	if desc.Ret.Kind() != cpdtype.KindVoid {
		e.ResOffset = c.fd.PushSlot(c.cur, entries, 0)
	}
	c.emit(ir.VMExit{Exit: e})
}

func (c *methodCompiler) lowerInvokeStatic(instr *classfile.Instruction) error {
	if c.tryIntrinsic(instr, false) {
		return nil
	}
	if !c.res.ClassInitialized(instr.Class) {
		e := c.exit(ir.ExitInitClassAndRecompile)
		e.Class = instr.Class
		e.MethodName = instr.MethodName
		e.DescID = uint32(instr.DescID)
		c.emit(ir.VMExit{Exit: e})
		c.conds.Add(conditions.ClassLoadedCond(instr.Class))
		return nil
	}

	m, native, ok := c.res.LookupStatic(instr.Class, instr.MethodName, instr.DescID)
	if !ok {
		e := c.exit(ir.ExitInitClassAndRecompile)
		e.Class = instr.Class
		c.emit(ir.VMExit{Exit: e})
		c.conds.Add(conditions.ClassLoadedCond(instr.Class))
		return nil
	}
	if native {
		c.emitNativeCall(m, instr.Desc, false)
		return nil
	}

	if entry, irID, compiled := c.res.MethodEntryPoint(m); compiled {
		// Direct call; goes stale if the callee is ever recompiled.
		c.conds.Add(conditions.FunctionRecompiledCond(m, irID))
		c.emitCall(ir.TargetConstant{Addr: entry}, instr.Desc, false, irID, m)
		return nil
	}
	return c.lowerUncompiledCall(instr, m, false)
}

// lowerUncompiledCall emits the patchable-call scheme for a callee with no
// compiled entry yet: a changeable const holds the address (initially
// null), guarded by a skipable compile-and-patch exit.
func (c *methodCompiler) lowerUncompiledCall(instr *classfile.Instruction, m ir.MethodID, hasReceiver bool) error {
	constID := c.res.NewChangeableConst64(0)
	skipID := c.res.NewSkipableExitID()
	c.conds.Add(conditions.ChangeableConstChangedCond(constID, 0))

	callLabel := c.freshLabel()
	c.emit(ir.LoadChangeableConst{To: 4, ID: constID})
	c.loadConst(5, 0)
	c.emit(ir.BranchNotEqual{A: 4, B: 5, Label: callLabel, Size: ir.SizeQWord})

	e := c.exit(ir.ExitCompileFunctionAndRecompileCurrent)
	e.Method = m
	e.Class = instr.Class
	e.Skipable = skipID
	e.HasSkipable = true
	e.Edit = &ir.StaticFunctionRecompileEdit{
		SkipableExit:         skipID,
		FunctionAddressConst: constID,
	}
	c.emit(ir.VMExit{Exit: e})

	c.emit(ir.Label{Name: callLabel})
	c.emitCall(ir.TargetRegister{Reg: 4}, instr.Desc, hasReceiver, 0, m)
	return nil
}

func (c *methodCompiler) lowerInvokeSpecial(instr *classfile.Instruction) error {
	entries := argEntries(instr.Desc, true)
	c.loadStack(entries-1, 0, ir.SizeQWord)
	c.emit(ir.NPECheck{Reg: 0, Exit: c.exit(ir.ExitNPE)})

	m, native, ok := c.res.LookupSpecial(instr.Class, instr.MethodName, instr.DescID)
	if !ok {
		e := c.exit(ir.ExitInitClassAndRecompile)
		e.Class = instr.Class
		c.emit(ir.VMExit{Exit: e})
		c.conds.Add(conditions.ClassLoadedCond(instr.Class))
		return nil
	}
	if native {
		c.emitNativeCall(m, instr.Desc, true)
		return nil
	}
	if entry, irID, compiled := c.res.MethodEntryPoint(m); compiled {
		c.conds.Add(conditions.FunctionRecompiledCond(m, irID))
		c.emitCall(ir.TargetConstant{Addr: entry}, instr.Desc, true, irID, m)
		return nil
	}
	return c.lowerUncompiledCall(instr, m, true)
}

func (c *methodCompiler) lowerInvokeVirtualOrInterface(instr *classfile.Instruction, isInterface bool) error {
	if !isInterface && c.tryIntrinsic(instr, true) {
		return nil
	}
	entries := argEntries(instr.Desc, true)
	recvSlot := c.stackEntry(entries - 1)

	c.emit(ir.LoadFPRelative{From: recvSlot, To: 0, Size: ir.SizeQWord})
	c.emit(ir.NPECheck{Reg: 0, Exit: c.exit(ir.ExitNPE)})

	var methodNumber rtclass.MethodNumber
	var found bool
	if isInterface {
		methodNumber, found = c.res.LookupInterface(instr.Class, instr.MethodName, instr.DescID)
	} else {
		methodNumber, found = c.res.LookupVirtual(instr.Class, instr.MethodName, instr.DescID)
	}
	if !found {
		e := c.exit(ir.ExitInitClassAndRecompile)
		e.Class = instr.Class
		c.emit(ir.VMExit{Exit: e})
		c.conds.Add(conditions.ClassLoadedCond(instr.Class))
		return nil
	}

	// Table pointer for the receiver's dynamic type, via helper.
	helperExit := c.exit(ir.ExitIntrinsicHelper)
	helperExit.ArgOffsets = []ir.FramePointerOffset{recvSlot}
	helperExit.ResOffset = c.fd.ScratchSlot()
	if isInterface {
		helperExit.Helper = ir.HelperFindITablePtr
		helperExit.Class = instr.Class
	} else {
		helperExit.Helper = ir.HelperFindVTablePtr
	}
	c.emit(ir.VMExit{Exit: helperExit})

	c.emit(ir.LoadFPRelative{From: c.fd.ScratchSlot(), To: 4, Size: ir.SizeQWord})
	c.emit(ir.Load{To: 4, FromAddr: 4, Offset: int32(8 * methodNumber), Size: ir.SizeQWord})

	// A null slot means the target was never resolved for this dynamic
	// type: exit, fill the slot, and retry from the restart point.
	callLabel := c.freshLabel()
	c.loadConst(5, 0)
	c.emit(ir.BranchNotEqual{A: 4, B: 5, Label: callLabel, Size: ir.SizeQWord})
	resolve := c.exit(ir.ExitInvokeVirtualResolve)
	if isInterface {
		resolve.Kind = ir.ExitInvokeInterfaceResolve
	}
	resolve.Class = instr.Class
	resolve.MethodName = instr.MethodName
	resolve.DescID = uint32(instr.DescID)
	resolve.ArgOffsets = []ir.FramePointerOffset{recvSlot}
	c.emit(ir.VMExit{Exit: resolve})

	c.emit(ir.Label{Name: callLabel})
	c.emitCall(ir.TargetRegister{Reg: 4}, instr.Desc, true, 0, 0)
	return nil
}
