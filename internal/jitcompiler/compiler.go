package jitcompiler

import (
	"fmt"

	"github.com/pirocks/gojvm/internal/classfile"
	"github.com/pirocks/gojvm/internal/conditions"
	"github.com/pirocks/gojvm/internal/cpdtype"
	"github.com/pirocks/gojvm/internal/ir"
	"github.com/pirocks/gojvm/internal/names"
	"github.com/pirocks/gojvm/internal/objlayout"
	"github.com/pirocks/gojvm/internal/rtclass"
)

// Resolver is the engine-side interface the compiler consults while
// lowering. Every answer it gives becomes a recompile condition when the
// answer can change.
type Resolver interface {
	// LookupTypeInitedIniting returns the runtime class of t when it is at
	// least prepared (layout available); ok=false otherwise.
	LookupTypeInitedIniting(t cpdtype.Type) (*rtclass.RuntimeClass, bool)
	// ClassInitialized reports whether the class is initialized (or being
	// initialized by the current thread).
	ClassInitialized(class names.ClassNameID) bool

	LookupStatic(class names.ClassNameID, name names.MethodNameID, desc classfile.DescriptorID) (m ir.MethodID, native bool, ok bool)
	LookupSpecial(class names.ClassNameID, name names.MethodNameID, desc classfile.DescriptorID) (m ir.MethodID, native bool, ok bool)
	LookupVirtual(class names.ClassNameID, name names.MethodNameID, desc classfile.DescriptorID) (rtclass.MethodNumber, bool)
	LookupInterface(iface names.ClassNameID, name names.MethodNameID, desc classfile.DescriptorID) (rtclass.MethodNumber, bool)

	// MethodEntryPoint returns the installed native entry of m, if any.
	MethodEntryPoint(m ir.MethodID) (entry uintptr, irID ir.IRMethodID, ok bool)

	// FieldOffset resolves an instance field to its byte offset.
	FieldOffset(class names.ClassNameID, name names.FieldNameID) (offset uint64, typ cpdtype.Type, volatile bool, ok bool)
	// StaticVarAddress resolves a static field cell. Only valid once the
	// class is initialized.
	StaticVarAddress(class names.ClassNameID, name names.FieldNameID) (addr uintptr, typ cpdtype.Type, volatile bool, ok bool)
	// AllocatedObjectRegionHeaderPointer returns the address of the
	// patchable cell holding the class's current allocation-region header.
	AllocatedObjectRegionHeaderPointer(t cpdtype.Type) (cell uintptr, ok bool)

	NewChangeableConst64(initial uint64) ir.ChangeableConstID
	NewSkipableExitID() ir.SkipableExitID
}

// Options are the per-VM compilation switches.
type Options struct {
	TraceInstructions        bool
	DebugCheckcastAssertions bool
}

// Input identifies the method being compiled.
type Input struct {
	MethodID   ir.MethodID
	IRMethodID ir.IRMethodID
	Class      names.ClassNameID
	Method     *classfile.MethodData
}

// Handler is one compiled exception-table entry, expressed in restart-point
// terms for the unwinder.
type Handler struct {
	StartPC, EndPC uint16
	CatchType      names.ClassNameID
	HasCatchType   bool
	// RestartID re-enters the method at the handler's first bytecode.
	RestartID ir.RestartPointID
	// ExceptionSlot is the frame slot the unwinder writes the throwable
	// into before re-entering (the handler's sole stack entry).
	ExceptionSlot ir.FramePointerOffset
}

// Result is a lowered method.
type Result struct {
	Instrs       []ir.Instr
	FrameSize    uint64
	NumLocals    uint16
	Conditions   *conditions.Set
	Handlers     []Handler
	Synchronized bool
}

type methodCompiler struct {
	in   Input
	fd   *MethodFrameData
	res  Resolver
	intr *IntrinsicTable
	opts Options

	instrs []ir.Instr
	conds  *conditions.Set

	labelsByOffset map[int32]ir.LabelName
	nextLabel      ir.LabelName
	branchTargets  map[uint16]bool

	cur ByteCodeIndex
}

// Compile lowers one method to IR.
func Compile(in Input, res Resolver, intr *IntrinsicTable, opts Options) (*Result, error) {
	code := in.Method.Code()
	if code == nil {
		return nil, fmt.Errorf("method %d has no code attribute", in.MethodID)
	}
	fd, err := NewMethodFrameData(code, in.Method.Frames)
	if err != nil {
		return nil, err
	}

	c := &methodCompiler{
		in:             in,
		fd:             fd,
		res:            res,
		intr:           intr,
		opts:           opts,
		conds:          conditions.NewSet(),
		labelsByOffset: map[int32]ir.LabelName{},
		branchTargets:  map[uint16]bool{},
	}
	c.scanBranchTargets()

	c.emit(ir.IRStart{
		IRMethodID: in.IRMethodID,
		MethodID:   in.MethodID,
		FrameSize:  fd.FullFrameSize(),
		NumLocals:  fd.MaxLocals,
	})
	c.emit(ir.SafepointPoll{Exit: c.exit(ir.ExitSafepointPoll)})
	if in.Method.IsSynchronized() {
		c.emitMonitorOp(ir.ExitMonitorEnter)
	}

	for i, instr := range fd.Instructions() {
		c.cur = ByteCodeIndex(i)
		if c.branchTargets[instr.Offset] {
			c.emit(ir.Label{Name: c.labelFor(int32(instr.Offset))})
		}
		c.emit(ir.RestartPoint{ID: ir.RestartPointID(i)})
		if opts.TraceInstructions {
			e := c.exit(ir.ExitTraceInstruction)
			e.ByteCodeIndex = uint16(i)
			c.emit(ir.VMExit{Exit: e})
		}
		if err := c.lower(&fd.Instructions()[i]); err != nil {
			return nil, fmt.Errorf("offset %d op %d: %w", instr.Offset, instr.Op, err)
		}
	}

	result := &Result{
		Instrs:       c.instrs,
		FrameSize:    fd.FullFrameSize(),
		NumLocals:    fd.MaxLocals,
		Conditions:   c.conds,
		Synchronized: in.Method.IsSynchronized(),
	}
	for _, h := range code.ExceptionTable {
		idx, err := fd.IndexOfOffset(h.HandlerPC)
		if err != nil {
			return nil, fmt.Errorf("handler pc %d: %w", h.HandlerPC, err)
		}
		result.Handlers = append(result.Handlers, Handler{
			StartPC:       h.StartPC,
			EndPC:         h.EndPC,
			CatchType:     h.CatchType,
			HasCatchType:  h.HasCatchType,
			RestartID:     ir.RestartPointID(idx),
			ExceptionSlot: fd.OperandStackEntry(idx, 0),
		})
	}
	return result, nil
}

func (c *methodCompiler) emit(i ir.Instr) { c.instrs = append(c.instrs, i) }

// exit builds an exit descriptor that restarts at the current bytecode.
func (c *methodCompiler) exit(kind ir.ExitKind) *ir.Exit {
	return &ir.Exit{
		Kind:          kind,
		RestartPoint:  ir.RestartPointID(c.cur),
		HasRestart:    true,
		ByteCodeIndex: uint16(c.cur),
	}
}

func (c *methodCompiler) labelFor(offset int32) ir.LabelName {
	if l, ok := c.labelsByOffset[offset]; ok {
		return l
	}
	l := c.nextLabel
	c.nextLabel++
	c.labelsByOffset[offset] = l
	return l
}

// freshLabel allocates a label with no bytecode offset (intra-lowering
// control flow).
func (c *methodCompiler) freshLabel() ir.LabelName {
	l := c.nextLabel
	c.nextLabel++
	return l
}

func (c *methodCompiler) scanBranchTargets() {
	for _, instr := range c.fd.Instructions() {
		switch instr.Op {
		case classfile.OpIfEq, classfile.OpIfNe, classfile.OpIfLt, classfile.OpIfGe,
			classfile.OpIfGt, classfile.OpIfLe, classfile.OpIfICmpEq, classfile.OpIfICmpNe,
			classfile.OpIfICmpLt, classfile.OpIfICmpGe, classfile.OpIfICmpGt,
			classfile.OpIfICmpLe, classfile.OpIfACmpEq, classfile.OpIfACmpNe,
			classfile.OpGoto, classfile.OpIfNull, classfile.OpIfNonNull:
			c.branchTargets[uint16(instr.Target)] = true
		case classfile.OpTableSwitch, classfile.OpLookupSwitch:
			sw := instr.Switch
			c.branchTargets[uint16(sw.Default)] = true
			for _, t := range sw.Targets {
				c.branchTargets[uint16(t)] = true
			}
			for _, p := range sw.Pairs {
				c.branchTargets[uint16(p.Target)] = true
			}
		}
	}
}

// stack/local shorthands

func (c *methodCompiler) stackEntry(fromEnd uint16) ir.FramePointerOffset {
	return c.fd.OperandStackEntry(c.cur, fromEnd)
}

func (c *methodCompiler) pushSlot(pops uint16) ir.FramePointerOffset {
	return c.fd.PushSlot(c.cur, pops, 0)
}

func (c *methodCompiler) loadStack(fromEnd uint16, r ir.Register, size ir.Size) {
	c.emit(ir.LoadFPRelative{From: c.stackEntry(fromEnd), To: r, Size: size})
}

func (c *methodCompiler) storeStackPush(pops uint16, r ir.Register, size ir.Size) {
	c.emit(ir.StoreFPRelative{From: r, To: c.pushSlot(pops), Size: size})
}

func (c *methodCompiler) loadConst(r ir.Register, v uint64) {
	c.emit(ir.Const64bit{To: r, Value: v})
}

// emitMonitorOp lowers the monitor enter/exit of a synchronized method:
// instance methods lock the receiver (local 0), static ones the class.
func (c *methodCompiler) emitMonitorOp(kind ir.ExitKind) {
	e := c.exit(kind)
	if c.in.Method.IsStatic() {
		e.Class = c.in.Class
	} else {
		e.ArgOffsets = []ir.FramePointerOffset{c.fd.LocalVarEntry(0)}
	}
	c.emit(ir.VMExit{Exit: e})
}

// pollIfBackward plants a safepoint poll when the target is at or before
// the current offset (loop backedge); the caller emits the branch itself.
func (c *methodCompiler) pollIfBackward(target int32) {
	if target <= int32(c.fd.Instructions()[c.cur].Offset) {
		c.emit(ir.SafepointPoll{Exit: c.exit(ir.ExitSafepointPoll)})
	}
}

func (c *methodCompiler) lower(instr *classfile.Instruction) error {
	fd := c.fd
	switch instr.Op {
	case classfile.OpNop:

	case classfile.OpAConstNull:
		c.loadConst(0, 0)
		c.storeStackPush(0, 0, ir.SizeQWord)
	case classfile.OpIConst:
		c.emit(ir.Const32bit{To: 0, Value: uint32(int32(instr.Value))})
		c.storeStackPush(0, 0, ir.SizeDWord)
	case classfile.OpLConst:
		c.loadConst(0, uint64(instr.Value))
		c.storeStackPush(0, 0, ir.SizeQWord)
	case classfile.OpFConst:
		c.emit(ir.Const32bit{To: 0, Value: uint32(instr.Value)})
		c.storeStackPush(0, 0, ir.SizeDWord)
	case classfile.OpDConst:
		c.loadConst(0, uint64(instr.Value))
		c.storeStackPush(0, 0, ir.SizeQWord)

	case classfile.OpILoad, classfile.OpFLoad:
		c.emit(ir.LoadFPRelative{From: fd.LocalVarEntry(instr.Slot), To: 0, Size: ir.SizeDWord})
		c.storeStackPush(0, 0, ir.SizeDWord)
	case classfile.OpLLoad, classfile.OpDLoad, classfile.OpALoad:
		c.emit(ir.LoadFPRelative{From: fd.LocalVarEntry(instr.Slot), To: 0, Size: ir.SizeQWord})
		c.storeStackPush(0, 0, ir.SizeQWord)

	case classfile.OpIStore, classfile.OpFStore:
		c.loadStack(0, 0, ir.SizeDWord)
		c.emit(ir.StoreFPRelative{From: 0, To: fd.LocalVarEntry(instr.Slot), Size: ir.SizeDWord})
	case classfile.OpLStore, classfile.OpDStore, classfile.OpAStore:
		c.loadStack(0, 0, ir.SizeQWord)
		c.emit(ir.StoreFPRelative{From: 0, To: fd.LocalVarEntry(instr.Slot), Size: ir.SizeQWord})

	case classfile.OpIALoad:
		return c.lowerArrayLoad(cpdtype.Int(), true)
	case classfile.OpLALoad:
		return c.lowerArrayLoad(cpdtype.Long(), true)
	case classfile.OpFALoad:
		return c.lowerArrayLoad(cpdtype.Float(), false)
	case classfile.OpDALoad:
		return c.lowerArrayLoad(cpdtype.Double(), false)
	case classfile.OpAALoad:
		return c.lowerArrayLoad(cpdtype.Class(0), false)
	case classfile.OpBALoad:
		return c.lowerArrayLoad(cpdtype.Byte(), true)
	case classfile.OpCALoad:
		return c.lowerArrayLoad(cpdtype.Char(), false)
	case classfile.OpSALoad:
		return c.lowerArrayLoad(cpdtype.Short(), true)

	case classfile.OpIAStore:
		return c.lowerArrayStore(cpdtype.Int())
	case classfile.OpLAStore:
		return c.lowerArrayStore(cpdtype.Long())
	case classfile.OpFAStore:
		return c.lowerArrayStore(cpdtype.Float())
	case classfile.OpDAStore:
		return c.lowerArrayStore(cpdtype.Double())
	case classfile.OpAAStore:
		return c.lowerArrayStore(cpdtype.Class(0))
	case classfile.OpBAStore:
		return c.lowerArrayStore(cpdtype.Byte())
	case classfile.OpCAStore:
		return c.lowerArrayStore(cpdtype.Char())
	case classfile.OpSAStore:
		return c.lowerArrayStore(cpdtype.Short())

	case classfile.OpPop, classfile.OpPop2:
		// Stack shrink only; no data movement.

	case classfile.OpDup:
		c.copySlot(c.stackEntry(0), c.pushSlot(0))
	case classfile.OpDupX1:
		c.lowerDupX(1)
	case classfile.OpDupX2:
		if c.fd.IsCategory2(c.cur, 1) {
			c.lowerDupX(1)
		} else {
			c.lowerDupX(2)
		}
	case classfile.OpDup2:
		if c.fd.IsCategory2(c.cur, 0) {
			c.copySlot(c.stackEntry(0), c.pushSlot(0))
		} else {
			c.copySlot(c.stackEntry(1), c.pushSlot(0))
			c.copySlot(c.stackEntry(0), c.fd.PushSlot(c.cur, 0, 1))
		}
	case classfile.OpDup2X1:
		if c.fd.IsCategory2(c.cur, 0) {
			c.lowerDupX(1)
		} else {
			c.lowerDup2X(1)
		}
	case classfile.OpDup2X2:
		top2 := c.fd.IsCategory2(c.cur, 0)
		if top2 {
			if c.fd.IsCategory2(c.cur, 1) {
				c.lowerDupX(1)
			} else {
				c.lowerDupX(2)
			}
		} else {
			if c.fd.IsCategory2(c.cur, 2) {
				c.lowerDup2X(1)
			} else {
				c.lowerDup2X(2)
			}
		}
	case classfile.OpSwap:
		c.emit(ir.LoadFPRelative{From: c.stackEntry(0), To: 0, Size: ir.SizeQWord})
		c.emit(ir.LoadFPRelative{From: c.stackEntry(1), To: 1, Size: ir.SizeQWord})
		c.emit(ir.StoreFPRelative{From: 0, To: c.stackEntry(1), Size: ir.SizeQWord})
		c.emit(ir.StoreFPRelative{From: 1, To: c.stackEntry(0), Size: ir.SizeQWord})

	case classfile.OpIAdd:
		c.lowerBinary(ir.SizeDWord, func() { c.emit(ir.Add{Res: 0, A: 1, Size: ir.SizeDWord}) })
	case classfile.OpLAdd:
		c.lowerBinary(ir.SizeQWord, func() { c.emit(ir.Add{Res: 0, A: 1, Size: ir.SizeQWord}) })
	case classfile.OpISub:
		c.lowerBinary(ir.SizeDWord, func() { c.emit(ir.Sub{Res: 0, A: 1, Size: ir.SizeDWord}) })
	case classfile.OpLSub:
		c.lowerBinary(ir.SizeQWord, func() { c.emit(ir.Sub{Res: 0, A: 1, Size: ir.SizeQWord}) })
	case classfile.OpIMul:
		c.lowerBinary(ir.SizeDWord, func() { c.emit(ir.Mul{Res: 0, A: 1, Size: ir.SizeDWord, Signed: true}) })
	case classfile.OpLMul:
		c.lowerBinary(ir.SizeQWord, func() { c.emit(ir.Mul{Res: 0, A: 1, Size: ir.SizeQWord, Signed: true}) })
	case classfile.OpIAnd:
		c.lowerBinary(ir.SizeDWord, func() { c.emit(ir.BinaryBitAnd{Res: 0, A: 1, Size: ir.SizeDWord}) })
	case classfile.OpLAnd:
		c.lowerBinary(ir.SizeQWord, func() { c.emit(ir.BinaryBitAnd{Res: 0, A: 1, Size: ir.SizeQWord}) })
	case classfile.OpIOr:
		c.lowerBinary(ir.SizeDWord, func() { c.emit(ir.BinaryBitOr{Res: 0, A: 1, Size: ir.SizeDWord}) })
	case classfile.OpLOr:
		c.lowerBinary(ir.SizeQWord, func() { c.emit(ir.BinaryBitOr{Res: 0, A: 1, Size: ir.SizeQWord}) })
	case classfile.OpIXor:
		c.lowerBinary(ir.SizeDWord, func() { c.emit(ir.BinaryBitXor{Res: 0, A: 1, Size: ir.SizeDWord}) })
	case classfile.OpLXor:
		c.lowerBinary(ir.SizeQWord, func() { c.emit(ir.BinaryBitXor{Res: 0, A: 1, Size: ir.SizeQWord}) })

	case classfile.OpIDiv:
		return c.lowerIntDivRem(ir.SizeDWord, false)
	case classfile.OpLDiv:
		return c.lowerIntDivRem(ir.SizeQWord, false)
	case classfile.OpIRem:
		return c.lowerIntDivRem(ir.SizeDWord, true)
	case classfile.OpLRem:
		return c.lowerIntDivRem(ir.SizeQWord, true)

	case classfile.OpINeg:
		c.loadStack(0, 0, ir.SizeDWord)
		c.emit(ir.Neg{Res: 0, Size: ir.SizeDWord})
		c.storeStackPush(1, 0, ir.SizeDWord)
	case classfile.OpLNeg:
		c.loadStack(0, 0, ir.SizeQWord)
		c.emit(ir.Neg{Res: 0, Size: ir.SizeQWord})
		c.storeStackPush(1, 0, ir.SizeQWord)
	case classfile.OpFNeg, classfile.OpDNeg:
		double := instr.Op == classfile.OpDNeg
		c.emit(ir.LoadFPRelativeFloat{From: c.stackEntry(0), To: 0, Double: double})
		c.emit(ir.FloatNeg{Res: 0, Double: double})
		c.emit(ir.StoreFPRelativeFloat{From: 0, To: c.pushSlot(1), Double: double})

	case classfile.OpIShl, classfile.OpIShr, classfile.OpIUShr,
		classfile.OpLShl, classfile.OpLShr, classfile.OpLUShr:
		return c.lowerShift(instr.Op)

	case classfile.OpIInc:
		c.emit(ir.LoadFPRelative{From: fd.LocalVarEntry(instr.Slot), To: 0, Size: ir.SizeDWord})
		c.emit(ir.Const32bit{To: 1, Value: uint32(int32(instr.Value))})
		c.emit(ir.Add{Res: 0, A: 1, Size: ir.SizeDWord})
		c.emit(ir.StoreFPRelative{From: 0, To: fd.LocalVarEntry(instr.Slot), Size: ir.SizeDWord})

	case classfile.OpFAdd, classfile.OpFSub, classfile.OpFMul, classfile.OpFDiv,
		classfile.OpDAdd, classfile.OpDSub, classfile.OpDMul, classfile.OpDDiv:
		return c.lowerFloatBinary(instr.Op)
	case classfile.OpFRem, classfile.OpDRem:
		helper := ir.HelperFRem
		if instr.Op == classfile.OpDRem {
			helper = ir.HelperDRem
		}
		e := c.exit(ir.ExitIntrinsicHelper)
		e.Helper = helper
		e.ArgOffsets = []ir.FramePointerOffset{c.stackEntry(1), c.stackEntry(0)}
		e.ResOffset = c.pushSlot(2)
		c.emit(ir.VMExit{Exit: e})

	case classfile.OpI2L:
		c.loadStack(0, 0, ir.SizeDWord)
		c.emit(ir.SignExtend{From: 0, To: 0, FromSize: ir.SizeDWord, ToSize: ir.SizeQWord})
		c.storeStackPush(1, 0, ir.SizeQWord)
	case classfile.OpL2I:
		c.loadStack(0, 0, ir.SizeQWord)
		c.storeStackPush(1, 0, ir.SizeDWord)
	case classfile.OpI2B:
		c.loadStack(0, 0, ir.SizeDWord)
		c.emit(ir.SignExtend{From: 0, To: 0, FromSize: ir.SizeByte, ToSize: ir.SizeDWord})
		c.storeStackPush(1, 0, ir.SizeDWord)
	case classfile.OpI2C:
		c.loadStack(0, 0, ir.SizeDWord)
		c.emit(ir.ZeroExtend{From: 0, To: 0, FromSize: ir.SizeWord, ToSize: ir.SizeDWord})
		c.storeStackPush(1, 0, ir.SizeDWord)
	case classfile.OpI2S:
		c.loadStack(0, 0, ir.SizeDWord)
		c.emit(ir.SignExtend{From: 0, To: 0, FromSize: ir.SizeWord, ToSize: ir.SizeDWord})
		c.storeStackPush(1, 0, ir.SizeDWord)

	case classfile.OpI2F, classfile.OpI2D, classfile.OpL2F, classfile.OpL2D:
		fromSize := ir.SizeDWord
		if instr.Op == classfile.OpL2F || instr.Op == classfile.OpL2D {
			fromSize = ir.SizeQWord
		}
		toDouble := instr.Op == classfile.OpI2D || instr.Op == classfile.OpL2D
		c.loadStack(0, 0, fromSize)
		if fromSize == ir.SizeDWord {
			c.emit(ir.SignExtend{From: 0, To: 0, FromSize: ir.SizeDWord, ToSize: ir.SizeQWord})
			// FromSize stays SizeDWord, so the conversion reads only the
			// low 32 bits and the widening does not change the result.
		}
		c.emit(ir.IntToFloat{From: 0, To: 0, FromSize: fromSize, ToDouble: toDouble})
		c.emit(ir.StoreFPRelativeFloat{From: 0, To: c.pushSlot(1), Double: toDouble})

	case classfile.OpF2I, classfile.OpF2L, classfile.OpD2I, classfile.OpD2L:
		fromDouble := instr.Op == classfile.OpD2I || instr.Op == classfile.OpD2L
		toSize := ir.SizeDWord
		if instr.Op == classfile.OpF2L || instr.Op == classfile.OpD2L {
			toSize = ir.SizeQWord
		}
		c.emit(ir.LoadFPRelativeFloat{From: c.stackEntry(0), To: 0, Double: fromDouble})
		c.emit(ir.FloatToIntJava{From: 0, To: 0, FromDouble: fromDouble, ToSize: toSize})
		c.storeStackPush(1, 0, toSize)
	case classfile.OpF2D, classfile.OpD2F:
		toDouble := instr.Op == classfile.OpF2D
		c.emit(ir.LoadFPRelativeFloat{From: c.stackEntry(0), To: 0, Double: !toDouble})
		c.emit(ir.FloatToFloat{From: 0, To: 0, ToDouble: toDouble})
		c.emit(ir.StoreFPRelativeFloat{From: 0, To: c.pushSlot(1), Double: toDouble})

	case classfile.OpLCmp:
		c.loadStack(1, 0, ir.SizeQWord)
		c.loadStack(0, 1, ir.SizeQWord)
		c.emit(ir.IntCompare{Res: 2, A: 0, B: 1, Size: ir.SizeQWord})
		c.storeStackPush(2, 2, ir.SizeDWord)
	case classfile.OpFCmpL, classfile.OpFCmpG, classfile.OpDCmpL, classfile.OpDCmpG:
		double := instr.Op == classfile.OpDCmpL || instr.Op == classfile.OpDCmpG
		mode := ir.FCmpL
		if instr.Op == classfile.OpFCmpG || instr.Op == classfile.OpDCmpG {
			mode = ir.FCmpG
		}
		c.emit(ir.LoadFPRelativeFloat{From: c.stackEntry(1), To: 0, Double: double})
		c.emit(ir.LoadFPRelativeFloat{From: c.stackEntry(0), To: 1, Double: double})
		c.emit(ir.FloatCompare{A: 0, B: 1, Res: 0, Mode: mode, Double: double})
		c.storeStackPush(2, 0, ir.SizeDWord)

	case classfile.OpIfEq, classfile.OpIfNe, classfile.OpIfLt, classfile.OpIfGe,
		classfile.OpIfGt, classfile.OpIfLe:
		c.loadStack(0, 0, ir.SizeDWord)
		c.emit(ir.Const32bit{To: 1, Value: 0})
		c.pollIfBackward(instr.Target)
		c.emitCondBranch(instr.Op, 0, 1, ir.SizeDWord, instr.Target)
	case classfile.OpIfICmpEq, classfile.OpIfICmpNe, classfile.OpIfICmpLt,
		classfile.OpIfICmpGe, classfile.OpIfICmpGt, classfile.OpIfICmpLe:
		c.loadStack(1, 0, ir.SizeDWord)
		c.loadStack(0, 1, ir.SizeDWord)
		c.pollIfBackward(instr.Target)
		c.emitCondBranch(instr.Op, 0, 1, ir.SizeDWord, instr.Target)
	case classfile.OpIfACmpEq, classfile.OpIfACmpNe:
		c.loadStack(1, 0, ir.SizeQWord)
		c.loadStack(0, 1, ir.SizeQWord)
		c.pollIfBackward(instr.Target)
		c.emitCondBranch(instr.Op, 0, 1, ir.SizeQWord, instr.Target)
	case classfile.OpIfNull, classfile.OpIfNonNull:
		c.loadStack(0, 0, ir.SizeQWord)
		c.loadConst(1, 0)
		c.pollIfBackward(instr.Target)
		label := c.labelFor(instr.Target)
		if instr.Op == classfile.OpIfNull {
			c.emit(ir.BranchEqual{A: 0, B: 1, Label: label, Size: ir.SizeQWord})
		} else {
			c.emit(ir.BranchNotEqual{A: 0, B: 1, Label: label, Size: ir.SizeQWord})
		}
	case classfile.OpGoto:
		c.pollIfBackward(instr.Target)
		c.emit(ir.BranchToLabel{Label: c.labelFor(instr.Target)})

	case classfile.OpTableSwitch, classfile.OpLookupSwitch:
		sw := instr.Switch
		first := sw.Default
		for _, t := range sw.Targets {
			first = min(first, t)
		}
		for _, p := range sw.Pairs {
			first = min(first, p.Target)
		}
		c.pollIfBackward(first)
		if instr.Op == classfile.OpTableSwitch {
			return c.lowerTableSwitch(instr)
		}
		return c.lowerLookupSwitch(instr)

	case classfile.OpIReturn, classfile.OpFReturn:
		return c.lowerReturn(true, instr.Op == classfile.OpFReturn, false)
	case classfile.OpLReturn:
		return c.lowerReturn(true, false, false)
	case classfile.OpDReturn:
		return c.lowerReturn(true, true, true)
	case classfile.OpAReturn:
		return c.lowerReturn(true, false, false)
	case classfile.OpReturn:
		return c.lowerReturn(false, false, false)

	case classfile.OpGetField, classfile.OpPutField:
		return c.lowerInstanceField(instr)
	case classfile.OpGetStatic, classfile.OpPutStatic:
		return c.lowerStaticField(instr)

	case classfile.OpInvokeStatic:
		return c.lowerInvokeStatic(instr)
	case classfile.OpInvokeSpecial:
		return c.lowerInvokeSpecial(instr)
	case classfile.OpInvokeVirtual:
		return c.lowerInvokeVirtualOrInterface(instr, false)
	case classfile.OpInvokeInterface:
		return c.lowerInvokeVirtualOrInterface(instr, true)

	case classfile.OpNew:
		return c.lowerNew(instr)
	case classfile.OpNewArray, classfile.OpANewArray:
		elem := instr.ArrayElem
		e := c.exit(ir.ExitAllocateObjectArray)
		e.Type = cpdtype.Array(elem, 1)
		e.ArgOffsets = []ir.FramePointerOffset{c.stackEntry(0)}
		e.ResOffset = c.pushSlot(1)
		c.emit(ir.VMExit{Exit: e})
	case classfile.OpMultiANewArray:
		e := c.exit(ir.ExitMultiAllocateObjectArray)
		e.Class = instr.Class
		e.Type = instr.ArrayElem
		for d := int(instr.Dims) - 1; d >= 0; d-- {
			e.ArgOffsets = append(e.ArgOffsets, c.stackEntry(uint16(d)))
		}
		e.ResOffset = c.pushSlot(uint16(instr.Dims))
		c.emit(ir.VMExit{Exit: e})

	case classfile.OpArrayLength:
		c.loadStack(0, 0, ir.SizeQWord)
		c.emit(ir.NPECheck{Reg: 0, Exit: c.exit(ir.ExitNPE)})
		c.emit(ir.Load{To: 1, FromAddr: 0, Offset: objlayout.ArrayLenOffset, Size: ir.SizeDWord})
		c.storeStackPush(1, 1, ir.SizeDWord)

	case classfile.OpAThrow:
		e := c.exit(ir.ExitThrow)
		e.ArgOffsets = []ir.FramePointerOffset{c.stackEntry(0)}
		c.emit(ir.VMExit{Exit: e})

	case classfile.OpCheckCast:
		e := c.exit(ir.ExitIntrinsicHelper)
		e.Helper = ir.HelperCheckCast
		e.Class = instr.Class
		e.ArgOffsets = []ir.FramePointerOffset{c.stackEntry(0)}
		e.ResOffset = c.stackEntry(0)
		c.emit(ir.VMExit{Exit: e})
		if c.opts.DebugCheckcastAssertions {
			// Re-run the check as instanceof into the scratch slot and trap
			// when the helper let a non-instance through.
			e2 := c.exit(ir.ExitIntrinsicHelper)
			e2.Helper = ir.HelperInstanceOf
			e2.Class = instr.Class
			e2.ArgOffsets = []ir.FramePointerOffset{c.stackEntry(0)}
			e2.ResOffset = fd.ScratchSlot()
			c.emit(ir.VMExit{Exit: e2})
			c.emit(ir.LoadFPRelative{From: fd.ScratchSlot(), To: 0, Size: ir.SizeDWord})
			c.emit(ir.LoadFPRelative{From: c.stackEntry(0), To: 1, Size: ir.SizeQWord})
			// null passes checkcast; assert (obj == null) || instanceof.
			done := c.freshLabel()
			c.loadConst(2, 0)
			c.emit(ir.BranchEqual{A: 1, B: 2, Label: done, Size: ir.SizeQWord})
			c.emit(ir.Const32bit{To: 2, Value: 1})
			c.emit(ir.AssertEqual{A: 0, B: 2, Size: ir.SizeDWord})
			c.emit(ir.Label{Name: done})
		}
	case classfile.OpInstanceOf:
		e := c.exit(ir.ExitIntrinsicHelper)
		e.Helper = ir.HelperInstanceOf
		e.Class = instr.Class
		e.ArgOffsets = []ir.FramePointerOffset{c.stackEntry(0)}
		e.ResOffset = c.pushSlot(1)
		c.emit(ir.VMExit{Exit: e})

	case classfile.OpMonitorEnter, classfile.OpMonitorExit:
		kind := ir.ExitMonitorEnter
		if instr.Op == classfile.OpMonitorExit {
			kind = ir.ExitMonitorExit
		}
		c.loadStack(0, 0, ir.SizeQWord)
		c.emit(ir.NPECheck{Reg: 0, Exit: c.exit(ir.ExitNPE)})
		e := c.exit(kind)
		e.ArgOffsets = []ir.FramePointerOffset{c.stackEntry(0)}
		c.emit(ir.VMExit{Exit: e})

	default:
		return fmt.Errorf("unsupported bytecode %d", instr.Op)
	}
	return nil
}

// copySlot moves one 8-byte slot.
func (c *methodCompiler) copySlot(from, to ir.FramePointerOffset) {
	c.emit(ir.LoadFPRelative{From: from, To: 0, Size: ir.SizeQWord})
	c.emit(ir.StoreFPRelative{From: 0, To: to, Size: ir.SizeQWord})
}

// lowerDupX duplicates the top entry below `under` entries:
// dup_x1 (under=1), dup_x2 form 1 (under=2).
func (c *methodCompiler) lowerDupX(under uint16) {
	// Shift [top-under, top] up by one, then plant the old top at the
	// bottom of the shifted range.
	c.emit(ir.LoadFPRelative{From: c.stackEntry(0), To: 0, Size: ir.SizeQWord})
	for k := uint16(0); k <= under; k++ {
		// entry at fromEnd k moves up one slot
		var dst ir.FramePointerOffset
		if k == 0 {
			dst = c.pushSlot(0)
		} else {
			dst = c.stackEntry(k - 1)
		}
		c.emit(ir.LoadFPRelative{From: c.stackEntry(k), To: 1, Size: ir.SizeQWord})
		c.emit(ir.StoreFPRelative{From: 1, To: dst, Size: ir.SizeQWord})
	}
	c.emit(ir.StoreFPRelative{From: 0, To: c.stackEntry(under), Size: ir.SizeQWord})
}

// lowerDup2X duplicates the top two entries below `under` entries:
// dup2_x1 form 1 (under=1), dup2_x2 form 1 (under=2).
func (c *methodCompiler) lowerDup2X(under uint16) {
	c.emit(ir.LoadFPRelative{From: c.stackEntry(1), To: 0, Size: ir.SizeQWord})
	c.emit(ir.LoadFPRelative{From: c.stackEntry(0), To: 1, Size: ir.SizeQWord})
	for k := uint16(0); k < under+2; k++ {
		var dst ir.FramePointerOffset
		if k == 0 {
			dst = c.fd.PushSlot(c.cur, 0, 1)
		} else if k == 1 {
			dst = c.pushSlot(0)
		} else {
			dst = c.stackEntry(k - 2)
		}
		c.emit(ir.LoadFPRelative{From: c.stackEntry(k), To: 2, Size: ir.SizeQWord})
		c.emit(ir.StoreFPRelative{From: 2, To: dst, Size: ir.SizeQWord})
	}
	c.emit(ir.StoreFPRelative{From: 0, To: c.stackEntry(under + 1), Size: ir.SizeQWord})
	c.emit(ir.StoreFPRelative{From: 1, To: c.stackEntry(under), Size: ir.SizeQWord})
}

func (c *methodCompiler) lowerBinary(size ir.Size, op func()) {
	c.loadStack(1, 0, size)
	c.loadStack(0, 1, size)
	op()
	c.storeStackPush(2, 0, size)
}

func (c *methodCompiler) lowerIntDivRem(size ir.Size, rem bool) error {
	c.loadStack(1, 0, size) // dividend
	c.loadStack(0, 1, size) // divisor

	// Division by zero raises ArithmeticException.
	okLabel := c.freshLabel()
	c.emit(ir.Const32bit{To: 2, Value: 0})
	c.emit(ir.BranchNotEqual{A: 1, B: 2, Label: okLabel, Size: size})
	e := c.exit(ir.ExitThrow)
	e.Class = names.WellKnownArithmeticException
	c.emit(ir.VMExit{Exit: e})
	c.emit(ir.Label{Name: okLabel})

	// MIN / -1 must not fault: the result is MIN (remainder 0).
	divLabel := c.freshLabel()
	doneLabel := c.freshLabel()
	var minVal uint64
	if size == ir.SizeQWord {
		minVal = 1 << 63
		c.loadConst(2, ^uint64(0))
	} else {
		minVal = 1 << 31
		c.emit(ir.Const32bit{To: 2, Value: 0xffffffff})
	}
	c.emit(ir.BranchNotEqual{A: 1, B: 2, Label: divLabel, Size: size})
	if size == ir.SizeQWord {
		c.loadConst(2, minVal)
	} else {
		c.emit(ir.Const32bit{To: 2, Value: uint32(minVal)})
	}
	c.emit(ir.BranchNotEqual{A: 0, B: 2, Label: divLabel, Size: size})
	if rem {
		c.emit(ir.Const32bit{To: 0, Value: 0})
	}
	c.emit(ir.BranchToLabel{Label: doneLabel})

	c.emit(ir.Label{Name: divLabel})
	if rem {
		c.emit(ir.Mod{Res: 0, A: 1, Size: size, Signed: true})
	} else {
		c.emit(ir.Div{Res: 0, A: 1, Size: size, Signed: true})
	}
	c.emit(ir.Label{Name: doneLabel})
	c.storeStackPush(2, 0, size)
	return nil
}

func (c *methodCompiler) lowerShift(op classfile.Op) error {
	size := ir.SizeDWord
	var mask uint32 = 0x1f
	if op == classfile.OpLShl || op == classfile.OpLShr || op == classfile.OpLUShr {
		size = ir.SizeQWord
		mask = 0x3f
	}
	c.loadStack(1, 0, size)         // value
	c.loadStack(0, 1, ir.SizeDWord) // amount
	c.emit(ir.Const32bit{To: 2, Value: mask})
	c.emit(ir.BinaryBitAnd{Res: 1, A: 2, Size: ir.SizeDWord})
	switch op {
	case classfile.OpIShl, classfile.OpLShl:
		c.emit(ir.ShiftLeft{Res: 0, Amount: 1, Size: size})
	case classfile.OpIShr, classfile.OpLShr:
		c.emit(ir.ShiftRight{Res: 0, Amount: 1, Size: size, Kind: ir.ShiftArithmetic})
	default:
		c.emit(ir.ShiftRight{Res: 0, Amount: 1, Size: size, Kind: ir.ShiftLogical})
	}
	c.storeStackPush(2, 0, size)
	return nil
}

func (c *methodCompiler) lowerFloatBinary(op classfile.Op) error {
	double := op == classfile.OpDAdd || op == classfile.OpDSub ||
		op == classfile.OpDMul || op == classfile.OpDDiv
	var fop ir.FloatOp
	switch op {
	case classfile.OpFAdd, classfile.OpDAdd:
		fop = ir.FloatAdd
	case classfile.OpFSub, classfile.OpDSub:
		fop = ir.FloatSub
	case classfile.OpFMul, classfile.OpDMul:
		fop = ir.FloatMul
	default:
		fop = ir.FloatDiv
	}
	c.emit(ir.LoadFPRelativeFloat{From: c.stackEntry(1), To: 0, Double: double})
	c.emit(ir.LoadFPRelativeFloat{From: c.stackEntry(0), To: 1, Double: double})
	c.emit(ir.FloatBinary{Op: fop, Res: 0, A: 1, Double: double})
	c.emit(ir.StoreFPRelativeFloat{From: 0, To: c.pushSlot(2), Double: double})
	return nil
}

func (c *methodCompiler) emitCondBranch(op classfile.Op, a, b ir.Register, size ir.Size, target int32) {
	label := c.labelFor(target)
	switch op {
	case classfile.OpIfEq, classfile.OpIfICmpEq, classfile.OpIfACmpEq:
		c.emit(ir.BranchEqual{A: a, B: b, Label: label, Size: size})
	case classfile.OpIfNe, classfile.OpIfICmpNe, classfile.OpIfACmpNe:
		c.emit(ir.BranchNotEqual{A: a, B: b, Label: label, Size: size})
	case classfile.OpIfLt, classfile.OpIfICmpLt:
		c.emit(ir.BranchALessB{A: a, B: b, Label: label, Size: size})
	case classfile.OpIfGe, classfile.OpIfICmpGe:
		c.emit(ir.BranchAGreaterEqualB{A: a, B: b, Label: label, Size: size})
	case classfile.OpIfGt, classfile.OpIfICmpGt:
		c.emit(ir.BranchAGreaterB{A: a, B: b, Label: label, Size: size})
	case classfile.OpIfLe, classfile.OpIfICmpLe:
		// a <= b encoded as b >= a
		c.emit(ir.BranchAGreaterEqualB{A: b, B: a, Label: label, Size: size})
	}
}

func (c *methodCompiler) lowerTableSwitch(instr *classfile.Instruction) error {
	sw := instr.Switch
	c.loadStack(0, 0, ir.SizeDWord)
	defaultLabel := c.labelFor(sw.Default)

	// Range check, then a branch ladder over the dense targets.
	c.emit(ir.Const32bit{To: 1, Value: uint32(sw.Low)})
	c.emit(ir.BranchALessB{A: 0, B: 1, Label: defaultLabel, Size: ir.SizeDWord})
	c.emit(ir.Const32bit{To: 1, Value: uint32(sw.High)})
	c.emit(ir.BranchAGreaterB{A: 0, B: 1, Label: defaultLabel, Size: ir.SizeDWord})
	for k, target := range sw.Targets {
		c.emit(ir.Const32bit{To: 1, Value: uint32(sw.Low + int32(k))})
		c.emit(ir.BranchEqual{A: 0, B: 1, Label: c.labelFor(target), Size: ir.SizeDWord})
	}
	c.emit(ir.BranchToLabel{Label: defaultLabel})
	return nil
}

func (c *methodCompiler) lowerLookupSwitch(instr *classfile.Instruction) error {
	sw := instr.Switch
	c.loadStack(0, 0, ir.SizeDWord)
	for _, p := range sw.Pairs {
		c.emit(ir.Const32bit{To: 1, Value: uint32(p.Match)})
		c.emit(ir.BranchEqual{A: 0, B: 1, Label: c.labelFor(p.Target), Size: ir.SizeDWord})
	}
	c.emit(ir.BranchToLabel{Label: c.labelFor(sw.Default)})
	return nil
}

func (c *methodCompiler) lowerReturn(hasValue, isFloat, isDouble bool) error {
	if c.in.Method.IsSynchronized() {
		c.emitMonitorOp(ir.ExitMonitorExit)
	}
	if hasValue {
		if isFloat {
			c.emit(ir.LoadFPRelativeFloat{From: c.stackEntry(0), To: 0, Double: isDouble})
		} else {
			c.emit(ir.LoadFPRelative{From: c.stackEntry(0), To: 0, Size: ir.SizeQWord})
		}
	}
	c.emit(ir.Return{HasValue: hasValue, FloatValue: isFloat, FrameSize: c.fd.FullFrameSize()})
	return nil
}

func (c *methodCompiler) lowerArrayLoad(elem cpdtype.Type, signed bool) error {
	size := sizeOfElem(elem)
	c.loadStack(1, 0, ir.SizeQWord) // arrayref
	c.emit(ir.NPECheck{Reg: 0, Exit: c.exit(ir.ExitNPE)})
	c.loadStack(0, 1, ir.SizeDWord) // index
	c.emit(ir.Load{To: 2, FromAddr: 0, Offset: objlayout.ArrayLenOffset, Size: ir.SizeDWord})
	c.emit(ir.BoundsCheck{Index: 1, Length: 2, Exit: c.exit(ir.ExitArrayOutOfBounds)})
	c.emit(ir.ZeroExtend{From: 1, To: 1, FromSize: ir.SizeDWord, ToSize: ir.SizeQWord})
	c.emit(ir.MulConst{Res: 1, Value: int32(objlayout.ElemSize(elem)), Size: ir.SizeQWord})
	c.emit(ir.Add{Res: 0, A: 1, Size: ir.SizeQWord})
	if signed {
		c.emit(ir.LoadSigned{To: 2, FromAddr: 0, Offset: objlayout.ArrayElemZeroOffset, Size: size})
	} else {
		c.emit(ir.Load{To: 2, FromAddr: 0, Offset: objlayout.ArrayElemZeroOffset, Size: size})
	}
	// Results narrower than int widen to an int stack entry.
	outSize := size
	if outSize == ir.SizeByte || outSize == ir.SizeWord {
		outSize = ir.SizeDWord
	}
	c.storeStackPush(2, 2, outSize)
	return nil
}

func (c *methodCompiler) lowerArrayStore(elem cpdtype.Type) error {
	size := sizeOfElem(elem)
	c.loadStack(2, 0, ir.SizeQWord) // arrayref
	c.emit(ir.NPECheck{Reg: 0, Exit: c.exit(ir.ExitNPE)})
	c.loadStack(1, 1, ir.SizeDWord) // index
	c.emit(ir.Load{To: 2, FromAddr: 0, Offset: objlayout.ArrayLenOffset, Size: ir.SizeDWord})
	c.emit(ir.BoundsCheck{Index: 1, Length: 2, Exit: c.exit(ir.ExitArrayOutOfBounds)})
	c.emit(ir.ZeroExtend{From: 1, To: 1, FromSize: ir.SizeDWord, ToSize: ir.SizeQWord})
	c.emit(ir.MulConst{Res: 1, Value: int32(objlayout.ElemSize(elem)), Size: ir.SizeQWord})
	c.emit(ir.Add{Res: 0, A: 1, Size: ir.SizeQWord})
	c.loadStack(0, 2, slotLoadSize(size)) // value
	c.emit(ir.Store{ToAddr: 0, From: 2, Offset: objlayout.ArrayElemZeroOffset, Size: size})
	return nil
}

func sizeOfElem(elem cpdtype.Type) ir.Size {
	switch elem.Kind() {
	case cpdtype.KindBoolean, cpdtype.KindByte:
		return ir.SizeByte
	case cpdtype.KindShort, cpdtype.KindChar:
		return ir.SizeWord
	case cpdtype.KindInt, cpdtype.KindFloat:
		return ir.SizeDWord
	default:
		return ir.SizeQWord
	}
}

func slotLoadSize(s ir.Size) ir.Size {
	if s == ir.SizeByte || s == ir.SizeWord {
		return ir.SizeDWord
	}
	return s
}

func (c *methodCompiler) lowerNew(instr *classfile.Instruction) error {
	t := cpdtype.Class(instr.Class)
	cell, ok := c.res.AllocatedObjectRegionHeaderPointer(t)
	if !ok || !c.res.ClassInitialized(instr.Class) {
		e := c.exit(ir.ExitInitClassAndRecompile)
		e.Class = instr.Class
		c.emit(ir.VMExit{Exit: e})
		c.conds.Add(conditions.ClassLoadedCond(instr.Class))
		return nil
	}
	fallback := c.exit(ir.ExitAllocateObject)
	fallback.Class = instr.Class
	fallback.Type = t
	fallback.ResOffset = c.pushSlot(0)
	c.emit(ir.AllocateConstantSize{
		RegionHeaderPtrPtr: cell,
		ResOffset:          c.pushSlot(0),
		FallbackExit:       fallback,
	})
	return nil
}

func (c *methodCompiler) lowerInstanceField(instr *classfile.Instruction) error {
	isPut := instr.Op == classfile.OpPutField
	offset, typ, volatile, ok := c.res.FieldOffset(instr.Class, instr.FieldName)
	if !ok {
		e := c.exit(ir.ExitInitClassAndRecompile)
		e.Class = instr.Class
		c.emit(ir.VMExit{Exit: e})
		c.conds.Add(conditions.ClassLoadedCond(instr.Class))
		return nil
	}
	size := sizeOfElem(typ)

	if isPut {
		c.loadStack(1, 0, ir.SizeQWord) // objectref
		c.emit(ir.NPECheck{Reg: 0, Exit: c.exit(ir.ExitNPE)})
		c.loadStack(0, 1, slotLoadSize(size)) // value
		if volatile {
			c.emit(ir.StoreFenced{ToAddr: 0, From: 1, Offset: int32(offset), Size: size})
		} else {
			c.emit(ir.Store{ToAddr: 0, From: 1, Offset: int32(offset), Size: size})
		}
		return nil
	}

	c.loadStack(0, 0, ir.SizeQWord)
	c.emit(ir.NPECheck{Reg: 0, Exit: c.exit(ir.ExitNPE)})
	switch typ.Kind() {
	case cpdtype.KindByte, cpdtype.KindShort:
		c.emit(ir.LoadSigned{To: 1, FromAddr: 0, Offset: int32(offset), Size: size})
	default:
		c.emit(ir.Load{To: 1, FromAddr: 0, Offset: int32(offset), Size: size})
	}
	c.storeStackPush(1, 1, slotLoadSize(size))
	return nil
}

func (c *methodCompiler) lowerStaticField(instr *classfile.Instruction) error {
	isPut := instr.Op == classfile.OpPutStatic
	addr, typ, volatile, ok := c.res.StaticVarAddress(instr.Class, instr.FieldName)
	if !ok || !c.res.ClassInitialized(instr.Class) {
		e := c.exit(ir.ExitInitClassAndRecompile)
		e.Class = instr.Class
		c.emit(ir.VMExit{Exit: e})
		c.conds.Add(conditions.ClassLoadedCond(instr.Class))
		return nil
	}
	size := sizeOfElem(typ)

	c.loadConst(0, uint64(addr))
	if isPut {
		c.loadStack(0, 1, slotLoadSize(size))
		if volatile {
			c.emit(ir.StoreFenced{ToAddr: 0, From: 1, Size: size})
		} else {
			c.emit(ir.Store{ToAddr: 0, From: 1, Size: size})
		}
		return nil
	}
	switch typ.Kind() {
	case cpdtype.KindByte, cpdtype.KindShort:
		c.emit(ir.LoadSigned{To: 1, FromAddr: 0, Size: size})
	default:
		c.emit(ir.Load{To: 1, FromAddr: 0, Size: size})
	}
	c.storeStackPush(0, 1, slotLoadSize(size))
	return nil
}
